// Copyright 2020 The barrage Authors. All rights reserved.
// Use of this source code is governed by the Apache License,
// Version 2.0, that can be found in the LICENSE file.

package requester

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bpowers/barrage/config"
)

func testLookup(host string, port int) (*net.TCPAddr, error) {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}, nil
}

func mustTemplate(t *testing.T, cfg config.Request) *Template {
	t.Helper()
	tmpl, err := NewTemplate(cfg, 0, testLookup)
	require.NoError(t, err)
	return tmpl
}

func TestRequestImage(t *testing.T) {
	tmpl := mustTemplate(t, config.Request{
		Host:   "example.com",
		Port:   80,
		Scheme: "http",
		Method: "GET",
		Path:   "/",
	})

	req := string(tmpl.request)
	assert.True(t, strings.HasPrefix(req, "GET / HTTP/1.1\r\n"))
	assert.Contains(t, req, "Host: example.com\r\n")
	assert.NotContains(t, req, "example.com:80")
	assert.Contains(t, req, "User-Agent: "+userAgent+"\r\n")
	assert.Contains(t, req, "Accept: */*\r\n")
	assert.NotContains(t, req, "Connection: close")
	assert.True(t, strings.HasSuffix(req, "\r\n\r\n"))

	cc := string(tmpl.requestCClose)
	assert.Contains(t, cc, "Connection: close\r\n")

	// splice offset points at the blank line in both images
	assert.Equal(t, "\r\n", string(tmpl.request[tmpl.headerLen:tmpl.headerLen+2]))
	assert.Equal(t, "\r\n", string(tmpl.requestCClose[tmpl.headerLenCClose:tmpl.headerLenCClose+2]))
}

func TestRequestImageHostPort(t *testing.T) {
	cases := []struct {
		scheme string
		port   int
		want   string
	}{
		{"http", 80, "Host: example.com\r\n"},
		{"http", 8080, "Host: example.com:8080\r\n"},
		{"https", 443, "Host: example.com\r\n"},
		{"https", 8443, "Host: example.com:8443\r\n"},
	}

	for _, test := range cases {
		tmpl := mustTemplate(t, config.Request{
			Host: "example.com", Port: test.port, Scheme: test.scheme,
			Method: "GET", Path: "/",
		})
		assert.Contains(t, string(tmpl.request), test.want)
	}
}

func TestRequestImageHeaders(t *testing.T) {
	tmpl := mustTemplate(t, config.Request{
		Host: "h", Port: 8080, Method: "POST", Path: "/submit",
		Headers: map[string]string{
			"User-Agent": "custom/1.0",
			"X-Token":    "abc",
		},
		Body: config.Body{Type: config.BodyContent, Content: "hello"},
	})

	req := string(tmpl.request)
	assert.True(t, strings.HasPrefix(req, "POST /submit HTTP/1.1\r\n"))
	assert.Contains(t, req, "User-Agent: custom/1.0\r\n")
	assert.NotContains(t, req, userAgent)
	assert.Contains(t, req, "X-Token: abc\r\n")
	assert.Contains(t, req, "Content-Length: 5\r\n")
	assert.True(t, strings.HasSuffix(req, "\r\n\r\nhello"))
}

func TestRequestImageChunked(t *testing.T) {
	tmpl := mustTemplate(t, config.Request{
		Host: "h", Port: 80, Method: "PUT", Path: "/up",
		Body: config.Body{Type: config.BodyRandom, Size: 100000},
	})

	req := string(tmpl.request)
	assert.Contains(t, req, "Transfer-Encoding: chunked\r\n")
	assert.NotContains(t, req, "Content-Length")
	// the body is streamed, never part of the image
	assert.True(t, strings.HasSuffix(req, "\r\n\r\n"))

	assert.Equal(t, 100000, tmpl.bodySize)
	assert.Equal(t, 100000, tmpl.chunkLen)
	assert.Equal(t, hexDigits(100000)+2, tmpl.payloadOff)
}

func TestChunkLenCapped(t *testing.T) {
	tmpl := mustTemplate(t, config.Request{
		Host: "h", Port: 80,
		Body: config.Body{Type: config.BodyRandom, Size: 3 * maxReqLen},
	})
	assert.Equal(t, maxReqLen, tmpl.chunkLen)
	assert.Equal(t, 3*maxReqLen, tmpl.bodySize)
}

func TestBodyBufDeterministicPerInstance(t *testing.T) {
	tmpl := mustTemplate(t, config.Request{
		Host: "h", Port: 80,
		Body: config.Body{Type: config.BodyRandom, Size: 4096},
	})

	a := tmpl.newBodyBuf(3)
	b := tmpl.newBodyBuf(3)
	other := tmpl.newBodyBuf(4)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, other)
	assert.Len(t, a, tmpl.payloadOff+tmpl.chunkLen+2+5)
}

// parseChunks walks wire bytes produced by renderChunk calls and
// returns the total payload length and whether the terminator was seen.
func parseChunks(t *testing.T, wire []byte) (int, bool) {
	t.Helper()
	total := 0
	for len(wire) > 0 {
		i := strings.Index(string(wire), "\r\n")
		require.Greater(t, i, 0)
		n, err := strconv.ParseInt(string(wire[:i]), 16, 64)
		require.NoError(t, err)
		if n == 0 {
			require.Equal(t, "0\r\n\r\n", string(wire))
			return total, true
		}
		wire = wire[i+2:]
		require.GreaterOrEqual(t, len(wire), int(n)+2)
		wire = wire[n:]
		require.Equal(t, "\r\n", string(wire[:2]))
		wire = wire[2:]
		total += int(n)
	}
	return total, false
}

func TestRenderChunkFraming(t *testing.T) {
	cases := []struct {
		size     int
		chunkLen int
	}{
		{100, 100},
		{4096, 4096},
		{100000, 1 << 12}, // forces many chunks plus a short tail
		{1 << 13, 1 << 12},
	}

	for _, test := range cases {
		t.Run(fmt.Sprintf("size=%d", test.size), func(t *testing.T) {
			payloadOff := hexDigits(test.chunkLen) + 2
			buf := make([]byte, payloadOff+test.chunkLen+2+5)
			newPRNG(1).fill(buf[payloadOff : payloadOff+test.chunkLen])

			var wire []byte
			remaining := test.size
			for remaining > 0 {
				n := remaining
				if n > test.chunkLen {
					n = test.chunkLen
				}
				wire = append(wire, renderChunk(buf, payloadOff, n, n == remaining)...)
				remaining -= n
			}

			total, terminated := parseChunks(t, wire)
			assert.Equal(t, test.size, total)
			assert.True(t, terminated)
		})
	}
}

func TestHexDigits(t *testing.T) {
	cases := []struct {
		n, want int
	}{
		{0, 1},
		{1, 1},
		{0xf, 1},
		{0x10, 2},
		{0xff, 2},
		{0x100, 3},
		{100000, 5},
		{1 << 20, 6},
	}
	for _, test := range cases {
		assert.Equal(t, test.want, hexDigits(test.n), "hexDigits(%d)", test.n)
	}
}

func TestChunkOverhead(t *testing.T) {
	// <len>\r\n<body>\r\n0\r\n\r\n
	assert.Equal(t, 1+9, chunkOverhead(0xf))
	assert.Equal(t, 5+9, chunkOverhead(100000))
}
