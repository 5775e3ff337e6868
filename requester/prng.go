// Copyright 2020 The barrage Authors. All rights reserved.
// Use of this source code is governed by the Apache License,
// Version 2.0, that can be found in the LICENSE file.

package requester

import (
	"encoding/binary"
	"math/bits"
)

// 128-bit multiplicative congruential generator. The multiplier is the
// PCG default LCG multiplier; output is the high 64 bits of the state.
// Repeatable per seed, not cryptographic.
const (
	mcgMulHi = 0x2360ed051fc65da4
	mcgMulLo = 0x4385df649fccf645
)

type prng struct {
	lo, hi uint64
}

// newPRNG seeds a generator; the state is forced odd so the stream never
// collapses to zero.
func newPRNG(seed uint64) *prng {
	return &prng{
		lo: seed<<1 | 1,
		hi: seed ^ 0x9e3779b97f4a7c15,
	}
}

func (p *prng) next() uint64 {
	hi, lo := bits.Mul64(p.lo, mcgMulLo)
	hi += p.hi*mcgMulLo + p.lo*mcgMulHi
	p.lo, p.hi = lo, hi
	return hi
}

// fill writes len(dst) bytes of the stream into dst.
func (p *prng) fill(dst []byte) {
	for len(dst) >= 8 {
		binary.LittleEndian.PutUint64(dst, p.next())
		dst = dst[8:]
	}
	if len(dst) > 0 {
		var tail [8]byte
		binary.LittleEndian.PutUint64(tail[:], p.next())
		copy(dst, tail[:])
	}
}

// uniform draws an integer in [min, max], inclusive.
func (p *prng) uniform(min, max int) int {
	if min >= max {
		return min
	}
	return min + int(p.next()%uint64(max-min+1))
}
