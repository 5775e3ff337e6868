// Copyright 2020 The barrage Authors. All rights reserved.
// Use of this source code is governed by the Apache License,
// Version 2.0, that can be found in the LICENSE file.

package requester

import (
	"time"

	"github.com/sirupsen/logrus"
)

const watchdogTick = 10 * time.Millisecond

// worker owns one reactor and a contiguous slice of connections. Only
// this goroutine ever touches them.
type worker struct {
	id      int
	work    *Work
	reactor *reactor
	conns   []*conn
	buf     []byte // shared read scratch
}

func (w *worker) run() {
	r, err := newReactor()
	if err != nil {
		logrus.Errorf("worker %d: %v", w.id, err)
		for range w.conns {
			w.work.connDone()
		}
		return
	}
	w.reactor = r
	w.buf = make([]byte, recvBuf+1)

	for _, c := range w.conns {
		c.worker = w
		c.start()
	}

	// the watchdog observes the shared termination state and stops the
	// loop within one tick
	r.addTimer(watchdogTick, watchdogTick, func() {
		if w.work.stopped() {
			r.stop()
		}
	})

	r.run()

	for _, c := range w.conns {
		c.closeSocket()
	}
	r.close()
}
