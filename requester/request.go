// Copyright 2020 The barrage Authors. All rights reserved.
// Use of this source code is governed by the Apache License,
// Version 2.0, that can be found in the LICENSE file.

package requester

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/bpowers/barrage/config"
)

// Version is the tool version, reported in User-Agent and --version.
const Version = "0.2.0"

const userAgent = "barrage/" + Version

const (
	// maxReqLen caps the payload of a single chunk; a power of two and a
	// multiple of sndBuf.
	maxReqLen = 1 << 20
	sndBuf    = 32 << 10
	recvBuf   = 64 << 10
)

// Template is the immutable description of one kind of client. It owns
// the pre-rendered request byte images; connection instances borrow
// them.
type Template struct {
	Index int

	TLS        bool
	Host       string
	Port       int
	Addr       *net.TCPAddr
	SourceAddr *net.TCPAddr

	Method string
	Path   string

	// request is the keep-alive image, requestCClose the variant with a
	// Connection: close header. headerLen marks the byte offset of the
	// blank line so a Cookie header can be spliced in.
	request         []byte
	requestCClose   []byte
	headerLen       int
	headerLenCClose int

	chunked    bool
	bodySize   int
	chunkLen   int // payload bytes per full chunk
	payloadOff int // offset of the payload inside an instance body buffer

	delayMin int // ms
	delayMax int // ms
	rampUp   int // ms

	reqsMax       int
	keepAliveReqs int

	cclose      bool
	closeClient bool
	linger      int // seconds; -1 means SO_LINGER disabled

	keepAlive config.KeepAlive

	tlsSessionReuse bool
	clients         int
}

// LookupFunc resolves a host/port pair to a socket address.
type LookupFunc func(host string, port int) (*net.TCPAddr, error)

// NewTemplate builds a connection template from one request-file entry,
// resolving its addresses and pre-rendering both request images.
func NewTemplate(cfg config.Request, index int, lookup LookupFunc) (*Template, error) {
	t := &Template{
		Index:           index,
		TLS:             cfg.Scheme == "https",
		Host:            cfg.Host,
		Port:            cfg.Port,
		Method:          cfg.Method,
		Path:            cfg.Path,
		delayMin:        cfg.Delay.Min,
		delayMax:        cfg.Delay.Max,
		rampUp:          cfg.RampUp,
		reqsMax:         cfg.MaxRequests,
		keepAliveReqs:   cfg.KeepAliveRequests,
		cclose:          cfg.Close.Client,
		closeClient:     cfg.Close.Client,
		linger:          -1,
		keepAlive:       cfg.TCP.KeepAlive,
		tlsSessionReuse: cfg.TLSSessionReuse,
		clients:         cfg.Clients,
	}
	if cfg.Close.Linger != nil && *cfg.Close.Linger >= 0 {
		t.linger = *cfg.Close.Linger
	}

	addr, err := lookup(cfg.Host, cfg.Port)
	if err != nil {
		return nil, err
	}
	t.Addr = addr
	if cfg.HostFrom != "" {
		src, err := lookup(cfg.HostFrom, 0)
		if err != nil {
			return nil, err
		}
		t.SourceAddr = src
	}

	var body []byte
	switch cfg.Body.Type {
	case config.BodyRandom:
		if cfg.Body.Size > 0 {
			t.chunked = true
			t.bodySize = cfg.Body.Size
			t.chunkLen = cfg.Body.Size
			if t.chunkLen > maxReqLen {
				t.chunkLen = maxReqLen
			}
			t.payloadOff = hexDigits(t.chunkLen) + 2
		}
	default:
		body = []byte(cfg.Body.Content)
	}

	headers := cfg.SortedHeaders()
	t.request, t.headerLen = t.render(headers, body, false)
	t.requestCClose, t.headerLenCClose = t.render(headers, body, true)
	return t, nil
}

// render produces one request byte image and the splice offset of its
// blank line. For chunked bodies the image stops after the blank line;
// the body is streamed at emission time.
func (t *Template) render(headers []config.Header, body []byte, cclose bool) ([]byte, int) {
	var b bytes.Buffer
	b.WriteString(t.Method)
	b.WriteByte(' ')
	b.WriteString(t.Path)
	b.WriteString(" HTTP/1.1\r\nHost: ")
	b.WriteString(t.hostHeader())
	b.WriteString("\r\n")

	seen := map[string]bool{}
	for _, h := range headers {
		seen[strings.ToLower(h.Name)] = true
		b.WriteString(h.Name)
		b.WriteString(": ")
		b.WriteString(h.Value)
		b.WriteString("\r\n")
	}
	if !seen["user-agent"] {
		b.WriteString("User-Agent: " + userAgent + "\r\n")
	}
	if !seen["accept"] {
		b.WriteString("Accept: */*\r\n")
	}
	if cclose {
		b.WriteString("Connection: close\r\n")
	}
	if t.chunked {
		b.WriteString("Transfer-Encoding: chunked\r\n")
	} else if len(body) > 0 {
		b.WriteString("Content-Length: " + strconv.Itoa(len(body)) + "\r\n")
	}

	headerLen := b.Len()
	b.WriteString("\r\n")
	if !t.chunked {
		b.Write(body)
	}
	return b.Bytes(), headerLen
}

// hostHeader elides the port when it is the scheme default.
func (t *Template) hostHeader() string {
	host := t.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if (t.TLS && t.Port == 443) || (!t.TLS && t.Port == 80) {
		return host
	}
	return fmt.Sprintf("%s:%d", host, t.Port)
}

// newBodyBuf allocates and fills an instance's random-body buffer: chunk
// framing space, then chunkLen bytes of the instance's PRNG stream, then
// space for the trailing CRLF and the terminating chunk.
func (t *Template) newBodyBuf(instance int) []byte {
	if !t.chunked {
		return nil
	}
	buf := make([]byte, t.payloadOff+t.chunkLen+2+5)
	newPRNG(bodySeed(t.Index, instance)).fill(buf[t.payloadOff : t.payloadOff+t.chunkLen])
	return buf
}

func bodySeed(template, instance int) uint64 {
	return uint64(template)<<32 | uint64(uint32(instance))
}

// renderChunk frames a chunk of n payload bytes in place and returns the
// wire slice: <hex-len>\r\n<payload>\r\n, plus the 0\r\n\r\n terminator
// when this is the body's last chunk. The framing is right-aligned so
// the payload never moves.
func renderChunk(buf []byte, payloadOff, n int, last bool) []byte {
	s := strconv.FormatUint(uint64(n), 16)
	start := payloadOff - len(s) - 2
	copy(buf[start:], s)
	buf[payloadOff-2] = '\r'
	buf[payloadOff-1] = '\n'

	end := payloadOff + n
	buf[end] = '\r'
	buf[end+1] = '\n'
	end += 2
	if last {
		copy(buf[end:], "0\r\n\r\n")
		end += 5
	}
	return buf[start:end]
}

// hexDigits returns the number of hex digits needed for n.
func hexDigits(n int) int {
	d := 1
	for n > 0xf {
		n >>= 4
		d++
	}
	return d
}

// chunkOverhead is the framing cost of one full chunk plus the body
// terminator: length line, both CRLFs, and 0\r\n\r\n.
func chunkOverhead(chunkLen int) int {
	return hexDigits(chunkLen) + 9
}
