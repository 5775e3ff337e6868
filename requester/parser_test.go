// Copyright 2020 The barrage Authors. All rights reserved.
// Use of this source code is governed by the Apache License,
// Version 2.0, that can be found in the LICENSE file.

package requester

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestParser() (*responseParser, *int) {
	completes := 0
	p := &responseParser{}
	p.hooks.complete = func() { completes++ }
	p.reset()
	return p, &completes
}

func TestParseContentLength(t *testing.T) {
	p, completes := newTestParser()
	resp := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"

	require.NoError(t, p.feed([]byte(resp)))
	assert.Equal(t, 1, *completes)
	assert.Equal(t, 200, p.status)
	assert.True(t, p.keepAlive())
}

func TestParseByteAtATime(t *testing.T) {
	p, completes := newTestParser()
	resp := "HTTP/1.1 404 Not Found\r\nContent-Length: 3\r\nX-Y: z\r\n\r\nabc"

	for i := 0; i < len(resp); i++ {
		require.NoError(t, p.feed([]byte{resp[i]}))
	}
	assert.Equal(t, 1, *completes)
	assert.Equal(t, 404, p.status)
}

func TestParseChunked(t *testing.T) {
	p, completes := newTestParser()
	resp := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n6;ext=1\r\n world\r\n0\r\n\r\n"

	require.NoError(t, p.feed([]byte(resp)))
	assert.Equal(t, 1, *completes)
	assert.True(t, p.keepAlive())
}

func TestParseNoBodyStatuses(t *testing.T) {
	for _, resp := range []string{
		"HTTP/1.1 204 No Content\r\n\r\n",
		"HTTP/1.1 304 Not Modified\r\n\r\n",
		"HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n",
	} {
		p, completes := newTestParser()
		require.NoError(t, p.feed([]byte(resp)))
		assert.Equal(t, 1, *completes, "response %q", resp)
	}
}

func TestParseConnectionClose(t *testing.T) {
	p, _ := newTestParser()
	require.NoError(t, p.feed([]byte("HTTP/1.1 200 OK\r\nConnection: close\r\nContent-Length: 0\r\n\r\n")))
	assert.False(t, p.keepAlive())

	// HTTP/1.0 defaults to close
	p10, _ := newTestParser()
	require.NoError(t, p10.feed([]byte("HTTP/1.0 200 OK\r\nContent-Length: 0\r\n\r\n")))
	assert.False(t, p10.keepAlive())

	// but an explicit keep-alive overrides
	pka, _ := newTestParser()
	require.NoError(t, pka.feed([]byte("HTTP/1.0 200 OK\r\nConnection: keep-alive\r\nContent-Length: 0\r\n\r\n")))
	assert.True(t, pka.keepAlive())
}

func TestParseBodyToEOF(t *testing.T) {
	p, completes := newTestParser()
	require.NoError(t, p.feed([]byte("HTTP/1.1 200 OK\r\n\r\npartial body")))
	assert.Equal(t, 0, *completes)
	assert.False(t, p.keepAlive())

	require.NoError(t, p.finishEOF())
	assert.Equal(t, 1, *completes)
}

func TestParseEOFMidResponse(t *testing.T) {
	p, _ := newTestParser()
	require.NoError(t, p.feed([]byte("HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nabc")))
	assert.Error(t, p.finishEOF())
}

func TestParseSetCookieHooks(t *testing.T) {
	var fields, values []string
	p := &responseParser{}
	p.hooks.complete = func() {}
	p.hooks.headerField = func(b []byte) { fields = append(fields, string(b)) }
	p.hooks.headerValue = func(b []byte) { values = append(values, string(b)) }
	p.reset()

	resp := "HTTP/1.1 200 OK\r\nSet-Cookie: a=1; Path=/\r\nSET-COOKIE: b=2\r\nContent-Length: 0\r\n\r\n"
	require.NoError(t, p.feed([]byte(resp)))
	assert.Equal(t, []string{"Set-Cookie", "SET-COOKIE", "Content-Length"}, fields)
	assert.Equal(t, []string{"a=1; Path=/", "b=2", "0"}, values)
}

func TestParseSkipBody(t *testing.T) {
	p, completes := newTestParser()
	p.skipBody = true
	require.NoError(t, p.feed([]byte("HTTP/1.1 200 OK\r\nContent-Length: 1234\r\n\r\n")))
	assert.Equal(t, 1, *completes)
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name string
		resp string
	}{
		{"garbage status", "NOPE 200 OK\r\n\r\n"},
		{"short status", "HTTP/1.1\r\n\r\n"},
		{"bad status code", "HTTP/1.1 xyz Bad\r\n\r\n"},
		{"bad content length", "HTTP/1.1 200 OK\r\nContent-Length: ten\r\n\r\n"},
		{"bad chunk size", "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n"},
		{"header without colon", "HTTP/1.1 200 OK\r\nBogus header\r\n\r\n"},
	}

	for _, test := range cases {
		t.Run(test.name, func(t *testing.T) {
			p, _ := newTestParser()
			assert.Error(t, p.feed([]byte(test.resp)))
		})
	}
}

func TestParseIgnoresBytesAfterComplete(t *testing.T) {
	p, completes := newTestParser()
	resp := "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nokEXTRA"
	require.NoError(t, p.feed([]byte(resp)))
	assert.Equal(t, 1, *completes)
}

func TestParserReset(t *testing.T) {
	p, completes := newTestParser()
	require.NoError(t, p.feed([]byte("HTTP/1.1 500 Oops\r\nConnection: close\r\nContent-Length: 0\r\n\r\n")))
	require.Equal(t, 1, *completes)

	p.reset()
	require.NoError(t, p.feed([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")))
	assert.Equal(t, 2, *completes)
	assert.Equal(t, 200, p.status)
	assert.True(t, p.keepAlive())
}

func TestAsciiEqualFold(t *testing.T) {
	assert.True(t, asciiEqualFold([]byte("Set-Cookie"), "set-cookie"))
	assert.True(t, asciiEqualFold([]byte("CONTENT-LENGTH"), "content-length"))
	assert.False(t, asciiEqualFold([]byte("Content-Type"), "content-length"))
	assert.False(t, asciiEqualFold([]byte("short"), "longer-name"))
}
