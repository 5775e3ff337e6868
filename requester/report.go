// Copyright 2020 The barrage Authors. All rights reserved.
// Use of this source code is governed by the Apache License,
// Version 2.0, that can be found in the LICENSE file.

package requester

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
)

// report is the post-join aggregation of per-connection counters. No
// locking: workers have exited before it is built.
type report struct {
	elapsed time.Duration

	connections int
	reqsTotal   int64
	written     int64
	read        int64

	errConn   int64
	errStatus int64
	errParser int64
}

func newReport(conns []*conn, elapsed time.Duration) *report {
	r := &report{elapsed: elapsed}
	for _, c := range conns {
		r.connections += c.stats.connections
		r.reqsTotal += int64(c.stats.reqsTotal)
		r.written += c.stats.writtenTotal
		r.read += c.stats.readTotal
		r.errConn += int64(c.stats.errConn)
		r.errStatus += int64(c.stats.errStatus)
		r.errParser += int64(c.stats.errParser)
	}
	return r
}

func (r *report) print(w io.Writer) {
	secs := r.elapsed.Seconds()
	if secs <= 0 {
		secs = 1
	}
	fmt.Fprintf(w, "Time: %.2f s\n", r.elapsed.Seconds())
	fmt.Fprintf(w, "Sent: %s, %s/s\n",
		humanize.IBytes(uint64(r.written)), humanize.IBytes(uint64(float64(r.written)/secs)))
	fmt.Fprintf(w, "Recv: %s, %s/s\n",
		humanize.IBytes(uint64(r.read)), humanize.IBytes(uint64(float64(r.read)/secs)))
	fmt.Fprintf(w, "Hits: %d, %.2f/s\n", r.reqsTotal, float64(r.reqsTotal)/secs)
	if r.errConn > 0 || r.errStatus > 0 || r.errParser > 0 {
		fmt.Fprintf(w, "Errors: %d conn, %d status, %d parser\n",
			r.errConn, r.errStatus, r.errParser)
	}
}
