// Copyright 2020 The barrage Authors. All rights reserved.
// Use of this source code is governed by the Apache License,
// Version 2.0, that can be found in the LICENSE file.

package requester

import (
	"container/heap"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// eventHandler receives readiness callbacks from the reactor. All
// callbacks run on the worker goroutine that owns the reactor.
type eventHandler interface {
	onReadable()
	onWritable()
}

type timer struct {
	id     int64
	when   time.Time
	period time.Duration // 0 for one-shot
	fn     func()
	index  int
}

type timerHeap []*timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) { t := x.(*timer); t.index = len(*h); *h = append(*h, t) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// reactor is a single-threaded dispatcher over fd readiness and timers.
type reactor struct {
	epfd     int
	handlers map[int]eventHandler
	masks    map[int]uint32
	timers   timerHeap
	byID     map[int64]*timer
	nextID   int64
	stopping bool
	events   []unix.EpollEvent
}

func newReactor() (*reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &reactor{
		epfd:     epfd,
		handlers: make(map[int]eventHandler),
		masks:    make(map[int]uint32),
		byID:     make(map[int64]*timer),
		events:   make([]unix.EpollEvent, 128),
	}, nil
}

func (r *reactor) register(fd int, h eventHandler) error {
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd)}); err != nil {
		return fmt.Errorf("epoll_ctl add: %w", err)
	}
	r.handlers[fd] = h
	r.masks[fd] = 0
	return nil
}

// interest arms or disarms read/write readiness notification for fd.
func (r *reactor) interest(fd int, read, write bool) error {
	var mask uint32
	if read {
		mask |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if write {
		mask |= unix.EPOLLOUT
	}
	if r.masks[fd] == mask {
		return nil
	}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: mask, Fd: int32(fd)}); err != nil {
		return fmt.Errorf("epoll_ctl mod: %w", err)
	}
	r.masks[fd] = mask
	return nil
}

func (r *reactor) unregister(fd int) {
	if _, ok := r.handlers[fd]; !ok {
		return
	}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		logrus.Debugf("epoll_ctl del fd %d: %v", fd, err)
	}
	delete(r.handlers, fd)
	delete(r.masks, fd)
}

// addTimer schedules fn after delay; a non-zero period makes it
// periodic. The returned handle cancels it.
func (r *reactor) addTimer(delay, period time.Duration, fn func()) int64 {
	r.nextID++
	t := &timer{
		id:     r.nextID,
		when:   time.Now().Add(delay),
		period: period,
		fn:     fn,
	}
	heap.Push(&r.timers, t)
	r.byID[t.id] = t
	return t.id
}

func (r *reactor) cancelTimer(id int64) {
	t, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	if t.index >= 0 {
		heap.Remove(&r.timers, t.index)
	}
}

func (r *reactor) stop() {
	r.stopping = true
}

// run dispatches readiness events and timers until stop is called.
func (r *reactor) run() {
	for !r.stopping {
		n, err := unix.EpollWait(r.epfd, r.events, r.waitTimeout())
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			logrus.Errorf("epoll_wait: %v", err)
			return
		}
		for i := 0; i < n && !r.stopping; i++ {
			r.dispatch(r.events[i])
		}
		r.fireTimers()
	}
}

func (r *reactor) waitTimeout() int {
	if len(r.timers) == 0 {
		return -1
	}
	d := time.Until(r.timers[0].when)
	if d <= 0 {
		return 0
	}
	ms := int(d / time.Millisecond)
	if d%time.Millisecond != 0 {
		ms++
	}
	return ms
}

func (r *reactor) dispatch(ev unix.EpollEvent) {
	fd := int(ev.Fd)
	h := r.handlers[fd]
	if h == nil {
		return
	}
	events := ev.Events
	if events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		// surface errors through whichever direction is armed
		events |= r.masks[fd]
	}
	if events&unix.EPOLLOUT != 0 && r.masks[fd]&unix.EPOLLOUT != 0 {
		h.onWritable()
	}
	// the handler may have unregistered or re-armed itself
	if r.handlers[fd] != h {
		return
	}
	if events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 && r.masks[fd]&unix.EPOLLIN != 0 {
		h.onReadable()
	}
}

func (r *reactor) fireTimers() {
	now := time.Now()
	for len(r.timers) > 0 && !r.timers[0].when.After(now) {
		t := heap.Pop(&r.timers).(*timer)
		if t.period > 0 {
			t.when = now.Add(t.period)
			heap.Push(&r.timers, t)
		} else {
			delete(r.byID, t.id)
		}
		t.fn()
		if r.stopping {
			return
		}
	}
}

// close tears the reactor down: pending timers are dropped and the
// epoll fd is closed. Safe to call more than once.
func (r *reactor) close() {
	r.timers = nil
	r.byID = map[int64]*timer{}
	if r.epfd >= 0 {
		unix.Close(r.epfd)
		r.epfd = -1
	}
}
