// Copyright 2020 The barrage Authors. All rights reserved.
// Use of this source code is governed by the Apache License,
// Version 2.0, that can be found in the LICENSE file.

package requester

import (
	"crypto/tls"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

type connState int

const (
	stateIdle connState = iota
	stateConnecting
	stateDelaying
	stateWriting
	stateReading
	stateClosing // request had Connection: close; draining until the server's FIN
	stateTerminal
)

const reconnectBackoff = 100 * time.Millisecond

// cstats are the per-connection counters. They are only touched by the
// owning worker and summed after join.
type cstats struct {
	start       time.Duration
	writeable   time.Duration
	established time.Duration
	handshake   time.Duration

	connections int
	reqs        int // requests on the current connection
	reqsTotal   int // requests across reconnects

	writtenTotal int64
	readTotal    int64

	errConn   int
	errStatus int
	errParser int
}

// conn is one live client socket driven by a template. It borrows the
// template's request images and owns everything else: fd, parser state,
// write cursor, counters, cookie jar, TLS session cache.
type conn struct {
	tmpl   *Template
	work   *Work
	worker *worker

	index int // instance index across the whole run

	fd    int
	state connState
	tr    transport

	tlsCfg *tls.Config // per-instance clone carrying the session cache

	parser responseParser
	stats  cstats

	// write cursor
	image           []byte
	written         int
	writtenOverhead int

	// random body streaming
	bodyBuf       []byte
	bodyRemaining int
	chunk         []byte // framed wire bytes of the current chunk
	chunkSent     int    // resume offset after a partial write
	chunkPayload  int

	headerCClose bool

	delayed   bool
	delayedID int64
	timerID   int64 // ramp-up or reconnect-backoff timer

	cookieJar   []string
	inSetCookie bool
	reqBuf      []byte

	rnd *prng
}

func newConn(tmpl *Template, work *Work, index int) *conn {
	c := &conn{
		tmpl:    tmpl,
		work:    work,
		index:   index,
		fd:      -1,
		bodyBuf: tmpl.newBodyBuf(index),
		delayed: tmpl.delayMax > 0,
		rnd:     newPRNG(^bodySeed(tmpl.Index, index)),
	}
	if tmpl.TLS {
		cfg := work.tlsBase.Clone()
		cfg.ServerName = tmpl.Host
		if tmpl.tlsSessionReuse {
			cfg.ClientSessionCache = tls.NewLRUClientSessionCache(1)
		}
		c.tlsCfg = cfg
	}
	c.parser.hooks.complete = c.onMessageComplete
	if work.Cookies {
		c.parser.hooks.headerField = c.onHeaderField
		c.parser.hooks.headerValue = c.onHeaderValue
	}
	return c
}

// start kicks the connection off on its worker, honoring the per
// connection ramp-up window.
func (c *conn) start() {
	initial := 0
	if c.tmpl.rampUp > 0 {
		initial = c.rnd.uniform(0, c.tmpl.rampUp)
	}
	if initial > 0 {
		c.timerID = c.worker.reactor.addTimer(time.Duration(initial)*time.Millisecond, 0, func() {
			c.timerID = 0
			c.connect()
		})
		return
	}
	c.connect()
}

func (c *conn) connect() {
	if c.work.stopped() {
		return
	}
	family, sa := toSockaddr(c.tmpl.Addr)
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		logrus.Errorf("socket: %v", err)
		c.connError()
		return
	}
	c.fd = fd
	c.stats.connections++
	if c.stats.start == 0 {
		c.stats.start = now()
	}
	c.setSockOpts()
	if c.tmpl.SourceAddr != nil {
		_, src := toSockaddr(c.tmpl.SourceAddr)
		if err := unix.Bind(fd, src); err != nil {
			logrus.Errorf("bind %v: %v", c.tmpl.SourceAddr, err)
			c.connError()
			return
		}
	}
	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		logrus.Debugf("connect %v: %v", c.tmpl.Addr, err)
		c.connError()
		return
	}
	if err := c.worker.reactor.register(fd, c); err != nil {
		logrus.Errorf("register fd %d: %v", fd, err)
		c.connError()
		return
	}
	c.state = stateConnecting
	c.worker.reactor.interest(fd, false, true)
}

func (c *conn) setSockOpts() {
	unix.SetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_SNDBUF, sndBuf)
	unix.SetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_RCVBUF, recvBuf)

	ka := c.tmpl.keepAlive
	if ka.Enable {
		unix.SetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
		if ka.Idle > 0 {
			unix.SetsockoptInt(c.fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, ka.Idle)
		}
		if ka.Intvl > 0 {
			unix.SetsockoptInt(c.fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, ka.Intvl)
		}
		if ka.Cnt > 0 {
			unix.SetsockoptInt(c.fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, ka.Cnt)
		}
	}
	if c.tmpl.linger >= 0 {
		unix.SetsockoptLinger(c.fd, unix.SOL_SOCKET, unix.SO_LINGER,
			&unix.Linger{Onoff: 1, Linger: int32(c.tmpl.linger)})
	}
}

func (c *conn) onWritable() {
	switch c.state {
	case stateConnecting:
		c.checkConnected()
	case stateWriting:
		c.writeRequest()
	}
}

func (c *conn) onReadable() {
	switch c.state {
	case stateReading, stateClosing:
		c.readResponse()
	}
}

// checkConnected probes SO_ERROR on the first writability after a
// non-blocking connect, then sets up the transport.
func (c *conn) checkConnected() {
	soerr, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil || soerr != 0 {
		logrus.Debugf("connect %v: %v", c.tmpl.Addr, unix.Errno(soerr))
		c.connError()
		return
	}
	if c.stats.writeable == 0 {
		c.stats.writeable = now()
	}
	if c.tmpl.TLS {
		tr, err := newTLSTransport(c.fd, c.tlsCfg)
		if err != nil {
			logrus.Errorf("tls transport: %v", err)
			c.connError()
			return
		}
		c.tr = tr
		if tr.Handshake() != ioOK {
			c.connError()
			return
		}
		if c.stats.handshake == 0 {
			c.stats.handshake = now()
		}
	} else {
		c.tr = &plainTransport{fd: c.fd}
	}
	c.maybeDelay()
}

// maybeDelay draws a uniform inter-request delay when the template has
// one, otherwise goes straight to writing.
func (c *conn) maybeDelay() {
	if c.delayed {
		d := time.Duration(c.rnd.uniform(c.tmpl.delayMin, c.tmpl.delayMax)) * time.Millisecond
		c.worker.reactor.interest(c.fd, false, false)
		c.state = stateDelaying
		c.delayedID = c.worker.reactor.addTimer(d, 0, func() {
			c.delayedID = 0
			c.beginRequest()
		})
		return
	}
	c.beginRequest()
}

// beginRequest picks the request image for the next request and resets
// the write cursor. The close variant is used for the last request
// before a forced reconnect or the lifetime cap, and when configured
// unconditionally.
func (c *conn) beginRequest() {
	c.headerCClose = c.wantClose()

	img, hlen := c.tmpl.request, c.tmpl.headerLen
	if c.headerCClose {
		img, hlen = c.tmpl.requestCClose, c.tmpl.headerLenCClose
	}
	if c.work.Cookies && len(c.cookieJar) > 0 {
		c.reqBuf = c.reqBuf[:0]
		c.reqBuf = append(c.reqBuf, img[:hlen]...)
		c.reqBuf = append(c.reqBuf, "Cookie: "...)
		c.reqBuf = append(c.reqBuf, strings.Join(c.cookieJar, "; ")...)
		c.reqBuf = append(c.reqBuf, "\r\n"...)
		c.reqBuf = append(c.reqBuf, img[hlen:]...)
		img = c.reqBuf
	}

	c.image = img
	c.written = 0
	c.writtenOverhead = 0
	c.bodyRemaining = c.tmpl.bodySize
	c.chunk = nil
	c.chunkSent = 0
	c.chunkPayload = 0
	c.parser.reset()
	c.parser.skipBody = c.tmpl.Method == "HEAD"

	c.state = stateWriting
	c.worker.reactor.interest(c.fd, false, true)
}

// wantClose reports whether the next request must carry Connection:
// close: the last request before a forced reconnect, the last before
// the lifetime cap, or always when configured.
func (c *conn) wantClose() bool {
	return c.tmpl.cclose ||
		(c.tmpl.keepAliveReqs > 0 && c.stats.reqs+1 >= c.tmpl.keepAliveReqs) ||
		(c.tmpl.reqsMax > 0 && c.stats.reqsTotal+1 >= c.tmpl.reqsMax)
}

// writeRequest emits the image and, for random bodies, the chunked
// stream, resuming partial writes from the exact byte they stopped at.
func (c *conn) writeRequest() {
	if c.stats.established == 0 {
		c.stats.established = now()
	}
	for c.written < len(c.image) {
		n, res := c.tr.Write(c.image[c.written:])
		switch res {
		case ioOK:
			if c.stats.handshake == 0 {
				c.stats.handshake = now()
			}
			c.written += n
			c.stats.writtenTotal += int64(n)
		case ioAgain:
			return
		default:
			c.connError()
			return
		}
	}

	if c.tmpl.chunked {
		for c.bodyRemaining > 0 || c.chunkSent < len(c.chunk) {
			if c.chunkSent == len(c.chunk) {
				n := c.bodyRemaining
				if n > c.tmpl.chunkLen {
					n = c.tmpl.chunkLen
				}
				c.chunk = renderChunk(c.bodyBuf, c.tmpl.payloadOff, n, n == c.bodyRemaining)
				c.chunkSent = 0
				c.chunkPayload = n
				c.bodyRemaining -= n
			}
			n, res := c.tr.Write(c.chunk[c.chunkSent:])
			switch res {
			case ioOK:
				c.chunkSent += n
				c.stats.writtenTotal += int64(n)
				if c.chunkSent == len(c.chunk) {
					c.writtenOverhead += len(c.chunk) - c.chunkPayload
				}
			case ioAgain:
				return
			default:
				c.connError()
				return
			}
		}
	}

	c.state = stateReading
	c.worker.reactor.interest(c.fd, true, false)
}

// readResponse drains the socket into the worker's scratch buffer and
// feeds the parser until it would block.
func (c *conn) readResponse() {
	for {
		n, res := c.tr.Read(c.worker.buf)
		switch res {
		case ioOK:
			c.stats.readTotal += int64(n)
			if c.state == stateClosing {
				continue
			}
			if err := c.parser.feed(c.worker.buf[:n]); err != nil {
				logrus.Debugf("conn %d: %v", c.index, err)
				c.parserError()
				return
			}
			if c.state != stateReading {
				// completion callback advanced the lifecycle
				return
			}
		case ioAgain:
			return
		case ioEOF:
			if c.state == stateClosing {
				c.reconnect()
				return
			}
			if err := c.parser.finishEOF(); err != nil {
				logrus.Debugf("conn %d: %v", c.index, err)
				c.connError()
			}
			return
		default:
			c.connError()
			return
		}
	}
}

// onMessageComplete is the parser's message_complete event: account the
// response and decide the connection's next state.
func (c *conn) onMessageComplete() {
	c.stats.reqs++
	c.stats.reqsTotal++
	status := c.parser.status
	if status >= 400 {
		c.stats.errStatus++
	}
	c.work.countRequest(status)

	if c.tmpl.reqsMax > 0 && c.stats.reqsTotal >= c.tmpl.reqsMax {
		c.terminal()
		return
	}

	serverClose := !c.parser.keepAlive()
	kaReached := c.tmpl.keepAliveReqs > 0 && c.stats.reqs >= c.tmpl.keepAliveReqs
	if c.headerCClose || serverClose || kaReached {
		if serverClose || c.tmpl.closeClient {
			c.reconnect()
			return
		}
		c.state = stateClosing
		c.worker.reactor.interest(c.fd, true, false)
		return
	}

	c.maybeDelay()
}

// reconnect tears the socket down and dials again, keeping lifetime
// counters and (when enabled) the TLS session for resumption.
func (c *conn) reconnect() {
	c.closeSocket()
	c.stats.reqs = 0
	c.written = 0
	c.writtenOverhead = 0
	c.chunk = nil
	c.chunkSent = 0
	c.parser.reset()
	c.connect()
}

func (c *conn) connError() {
	c.stats.errConn++
	c.closeSocket()
	if c.work.stopped() {
		return
	}
	c.timerID = c.worker.reactor.addTimer(reconnectBackoff, 0, func() {
		c.timerID = 0
		c.stats.reqs = 0
		c.parser.reset()
		c.connect()
	})
}

func (c *conn) parserError() {
	c.stats.errParser++
	c.reconnect()
}

func (c *conn) terminal() {
	c.closeSocket()
	c.state = stateTerminal
	c.work.connDone()
}

// closeSocket cancels pending timers and releases the fd. Idempotent.
func (c *conn) closeSocket() {
	if c.delayedID != 0 {
		c.worker.reactor.cancelTimer(c.delayedID)
		c.delayedID = 0
	}
	if c.timerID != 0 {
		c.worker.reactor.cancelTimer(c.timerID)
		c.timerID = 0
	}
	if c.fd >= 0 {
		c.worker.reactor.unregister(c.fd)
		if c.tr != nil {
			c.tr.Close()
			c.tr = nil
		}
		unix.Close(c.fd)
		c.fd = -1
	}
	c.state = stateIdle
}

func (c *conn) onHeaderField(name []byte) {
	c.inSetCookie = asciiEqualFold(name, "set-cookie")
}

func (c *conn) onHeaderValue(value []byte) {
	if c.inSetCookie {
		c.cookieJar = append(c.cookieJar, string(value))
	}
}

func toSockaddr(a *net.TCPAddr) (int, unix.Sockaddr) {
	if ip4 := a.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: a.Port}
		copy(sa.Addr[:], ip4)
		return unix.AF_INET, sa
	}
	sa := &unix.SockaddrInet6{Port: a.Port}
	copy(sa.Addr[:], a.IP.To16())
	return unix.AF_INET6, sa
}
