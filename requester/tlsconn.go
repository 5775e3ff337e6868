// Copyright 2020 The barrage Authors. All rights reserved.
// Use of this source code is governed by the Apache License,
// Version 2.0, that can be found in the LICENSE file.

package requester

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// ioResult classifies one transport operation: progress was made, the
// operation would block until the next readiness event, the peer closed,
// or the connection is unusable.
type ioResult int

const (
	ioOK ioResult = iota
	ioAgain
	ioEOF
	ioFatal
)

// transport abstracts plain and TLS byte streams over a reactor-owned
// socket.
type transport interface {
	Read(p []byte) (int, ioResult)
	Write(p []byte) (int, ioResult)
	Handshake() ioResult
	Close()
}

// plainTransport does non-blocking I/O straight on the socket.
type plainTransport struct {
	fd int
}

func (t *plainTransport) Read(p []byte) (int, ioResult) {
	for {
		n, err := unix.Read(t.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, ioAgain
		case err != nil:
			return 0, ioFatal
		case n == 0:
			return 0, ioEOF
		}
		return n, ioOK
	}
}

func (t *plainTransport) Write(p []byte) (int, ioResult) {
	for {
		n, err := unix.Write(t.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, ioAgain
		case err != nil:
			return 0, ioFatal
		}
		return n, ioOK
	}
}

func (t *plainTransport) Handshake() ioResult { return ioOK }
func (t *plainTransport) Close()              {}

// aLongTimeAgo is a sentinel past deadline: a Read against it returns
// whatever plaintext the TLS layer has buffered and reports a timeout
// instead of blocking on the socket. That timeout is the would-block
// signal, and the buffered-data-first behavior is the TLS readability
// probe distinct from the socket's.
var aLongTimeAgo = time.Unix(1, 0)

// tlsTransport wraps the reactor's socket in crypto/tls. The tls.Conn
// sits on a dup of the fd (via net.FileConn); readiness is still
// observed on the original fd by the reactor.
type tlsTransport struct {
	raw  net.Conn
	conn *tls.Conn
}

func newTLSTransport(fd int, cfg *tls.Config) (*tlsTransport, error) {
	nfd, err := unix.Dup(fd)
	if err != nil {
		return nil, err
	}
	f := os.NewFile(uintptr(nfd), "tls-conn")
	raw, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return nil, err
	}
	return &tlsTransport{
		raw:  raw,
		conn: tls.Client(raw, cfg),
	}, nil
}

// Handshake drives the TLS handshake. It parks the calling goroutine on
// the runtime poller rather than the reactor; crypto/tls cannot be
// resumed across readiness events, so the handshake runs to completion
// once the TCP connect has finished.
func (t *tlsTransport) Handshake() ioResult {
	t.raw.SetDeadline(time.Time{})
	if err := t.conn.Handshake(); err != nil {
		return ioFatal
	}
	return ioOK
}

func (t *tlsTransport) Read(p []byte) (int, ioResult) {
	t.raw.SetReadDeadline(aLongTimeAgo)
	n, err := t.conn.Read(p)
	if n > 0 {
		// surface any error on the next call
		return n, ioOK
	}
	switch {
	case err == nil:
		return 0, ioOK
	case errors.Is(err, io.EOF):
		return 0, ioEOF
	case isTimeout(err):
		return 0, ioAgain
	}
	return 0, ioFatal
}

// Write never uses a deadline: a timed-out TLS write leaves the stream
// corrupt, so large records park the goroutine on the runtime poller
// instead.
func (t *tlsTransport) Write(p []byte) (int, ioResult) {
	t.raw.SetWriteDeadline(time.Time{})
	n, err := t.conn.Write(p)
	if err != nil {
		return n, ioFatal
	}
	return n, ioOK
}

func (t *tlsTransport) Close() {
	t.conn.Close()
}

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// newTLSConfig builds the process-wide TLS context. sslVersion selects
// the protocol floor: 0 auto, 1 SSLv3, 2-4 TLS 1.0-1.2.
func newTLSConfig(sslVersion int) *tls.Config {
	cfg := &tls.Config{
		InsecureSkipVerify: true,
	}
	switch sslVersion {
	case 1:
		cfg.MinVersion = tls.VersionSSL30 //nolint:staticcheck // requested explicitly
	case 2:
		cfg.MinVersion = tls.VersionTLS10
	case 3:
		cfg.MinVersion = tls.VersionTLS11
	case 4:
		cfg.MinVersion = tls.VersionTLS12
	}
	return cfg
}
