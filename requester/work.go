// Copyright 2014 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package requester drives load against HTTP targets and reports
// results.
package requester

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paulbellamy/ratecounter"
)

var startTime = time.Now()

// now returns a monotonic offset from process start.
func now() time.Duration { return time.Since(startTime) }

type Work struct {
	// Templates are the connection templates from the request file.
	Templates []*Template

	// Threads is the number of workers; 0 means the online CPU count.
	Threads int

	// Duration is the wall-clock length of the test.
	Duration time.Duration

	// RampUp staggers worker start over this window.
	RampUp time.Duration

	// Cookies enables Set-Cookie capture and echo on later requests.
	Cookies bool

	// Quiet suppresses the live progress line.
	Quiet bool

	// SSLVersion selects the TLS protocol floor (0 auto .. 4 TLS 1.2).
	SSLVersion int

	// Writer is where the summary is written. If nil, stdout.
	Writer io.Writer

	// ResponseWriter receives one record per completed response.
	// Optional.
	ResponseWriter io.Writer

	initOnce sync.Once
	tlsBase  *tls.Config

	// run counts connections still producing traffic; halt is the
	// cooperative shutdown flag observed by every worker's watchdog.
	run  atomic.Int64
	halt atomic.Bool

	conns   []*conn
	workers []*worker
	start   time.Duration

	counter1s *ratecounter.RateCounter
	counter5s *ratecounter.RateCounter

	respMu sync.Mutex
	respW  *bufio.Writer
}

func (b *Work) writer() io.Writer {
	if b.Writer == nil {
		return os.Stdout
	}
	return b.Writer
}

// Init initializes internal data-structures
func (b *Work) Init() {
	b.initOnce.Do(func() {
		if b.Threads <= 0 {
			b.Threads = runtime.NumCPU()
		}
		b.tlsBase = newTLSConfig(b.SSLVersion)
		b.counter1s = ratecounter.NewRateCounter(1 * time.Second)
		b.counter5s = ratecounter.NewRateCounter(5 * time.Second)
		if b.ResponseWriter != nil {
			b.respW = bufio.NewWriter(b.ResponseWriter)
		}
	})
}

// Run spawns the workers, sleeps out the test duration, joins them and
// prints the summary. It blocks until all work is done.
func (b *Work) Run() {
	b.Init()
	b.start = now()
	b.buildConns()
	b.run.Store(int64(len(b.conns)))
	b.splitConns()

	stagger := time.Duration(0)
	if n := len(b.workers); n > 0 {
		stagger = b.RampUp / time.Duration(n)
	}

	var wg sync.WaitGroup
	for i, w := range b.workers {
		if i > 0 && stagger > 0 {
			time.Sleep(stagger)
		}
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			w.run()
		}(w)
	}

	progressDone := make(chan struct{})
	if !b.Quiet {
		go b.progress(progressDone)
	}

	deadline := time.Now().Add(b.Duration)
	for !b.stopped() && time.Now().Before(deadline) {
		time.Sleep(watchdogTick)
	}
	b.Stop()
	wg.Wait()
	close(progressDone)

	b.finish()
}

// Stop requests cooperative shutdown; workers drain within one watchdog
// tick. Safe to call more than once.
func (b *Work) Stop() {
	b.halt.Store(true)
	b.run.Store(0)
}

func (b *Work) stopped() bool {
	return b.halt.Load() || b.run.Load() <= 0
}

// connDone retires one connection that reached its request cap.
func (b *Work) connDone() {
	b.run.Add(-1)
}

// buildConns expands each template into its client instances. Instances
// borrow the template's request images; random-body buffers are owned
// per instance.
func (b *Work) buildConns() {
	idx := 0
	for _, t := range b.Templates {
		n := t.clients
		if n < 1 {
			n = 1
		}
		for i := 0; i < n; i++ {
			b.conns = append(b.conns, newConn(t, b, idx))
			idx++
		}
	}
}

// splitConns hands each worker a contiguous slice of ceil(conns/threads)
// connections; the last worker takes what is left, which may be fewer.
func (b *Work) splitConns() {
	threads := b.Threads
	if threads > len(b.conns) {
		threads = len(b.conns)
	}
	if threads < 1 {
		threads = 1
	}
	per := (len(b.conns) + threads - 1) / threads
	for i := 0; i < threads; i++ {
		lo := i * per
		if lo >= len(b.conns) {
			break
		}
		hi := lo + per
		if hi > len(b.conns) {
			hi = len(b.conns)
		}
		b.workers = append(b.workers, &worker{id: i, work: b, conns: b.conns[lo:hi]})
	}
}

// countRequest is called by workers on every completed response.
// RateCounter increments are atomic; the response record stream is the
// only cross-thread write and takes a lock.
func (b *Work) countRequest(status int) {
	b.counter1s.Incr(1)
	b.counter5s.Incr(1)
	if b.respW != nil {
		b.respMu.Lock()
		fmt.Fprintf(b.respW, "%.6f %d\n", (now() - b.start).Seconds(), status)
		b.respMu.Unlock()
	}
}

func (b *Work) progress(done chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			fmt.Fprintf(os.Stderr, "\r%d req/s (1s)  %.1f req/s (5s) ",
				b.counter1s.Rate(), float64(b.counter5s.Rate())/5)
		}
	}
}

func (b *Work) finish() {
	if b.respW != nil {
		b.respMu.Lock()
		b.respW.Flush()
		b.respMu.Unlock()
	}
	if !b.Quiet {
		fmt.Fprintf(os.Stderr, "\r")
	}
	newReport(b.conns, now()-b.start).print(b.writer())
}
