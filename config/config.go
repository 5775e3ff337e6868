// Copyright 2020 The barrage Authors. All rights reserved.
// Use of this source code is governed by the Apache License,
// Version 2.0, that can be found in the LICENSE file.

// Package config loads the JSON request file describing connection
// templates. Unknown keys and type mismatches are fatal.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/go-playground/validator/v10"
)

const (
	BodyContent = "content"
	BodyRandom  = "random"
)

// Body is either a literal byte string or a requested number of random
// bytes. A bare JSON string is accepted for backward compatibility and
// treated as content.
type Body struct {
	Content string `json:"content"`
	Size    int    `json:"size" validate:"min=0"`
	Type    string `json:"type" validate:"omitempty,oneof=content random"`
}

func (b *Body) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		b.Content = s
		b.Type = BodyContent
		return nil
	}
	type body Body // drop methods to avoid recursion
	var v body
	if err := strictUnmarshal(data, &v); err != nil {
		return err
	}
	*b = Body(v)
	if b.Type == "" {
		b.Type = BodyContent
	}
	return nil
}

// Delay is the per-request pacing window in milliseconds.
type Delay struct {
	Min int `json:"min" validate:"min=0"`
	Max int `json:"max" validate:"min=0,gtefield=Min"`
}

// KeepAlive holds the TCP keep-alive probe parameters.
type KeepAlive struct {
	Enable bool `json:"enable"`
	Idle   int  `json:"idle" validate:"min=0"`
	Intvl  int  `json:"intvl" validate:"min=0"`
	Cnt    int  `json:"cnt" validate:"min=0"`
}

type TCP struct {
	KeepAlive KeepAlive `json:"keep-alive"`
}

// Close describes the connection-close discipline. Linger, when present
// and non-negative, enables SO_LINGER with that many seconds.
type Close struct {
	Client bool `json:"client"`
	Linger *int `json:"linger"`
}

// Header is one configured request header. The request file carries
// headers as a JSON object; they are emitted in sorted-name order.
type Header struct {
	Name  string
	Value string
}

// Request is one connection template from the request file.
type Request struct {
	Host              string            `json:"host" validate:"required"`
	Port              int               `json:"port" validate:"required,min=1,max=65535"`
	HostFrom          string            `json:"host_from"`
	Scheme            string            `json:"scheme" validate:"omitempty,oneof=http https"`
	Method            string            `json:"method"`
	Path              string            `json:"path"`
	Headers           map[string]string `json:"headers"`
	Body              Body              `json:"body"`
	Delay             Delay             `json:"delay"`
	TCP               TCP               `json:"tcp"`
	Close             Close             `json:"close"`
	MaxRequests       int               `json:"max-requests" validate:"min=0"`
	KeepAliveRequests int               `json:"keep-alive-requests" validate:"min=0"`
	TLSSessionReuse   bool              `json:"tls-session-reuse"`
	Clients           int               `json:"clients" validate:"min=0"`
	RampUp            int               `json:"ramp-up" validate:"min=0"`
}

// SortedHeaders returns the configured headers as an ordered list.
func (r *Request) SortedHeaders() []Header {
	hs := make([]Header, 0, len(r.Headers))
	for k, v := range r.Headers {
		hs = append(hs, Header{Name: k, Value: v})
	}
	sort.Slice(hs, func(i, j int) bool { return hs[i].Name < hs[j].Name })
	return hs
}

var validate = validator.New()

// Load parses and validates the request file at path.
func Load(path string) ([]Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("os.ReadFile(%s): %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a JSON array of connection templates, applying defaults.
func Parse(data []byte) ([]Request, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("request file is not a JSON array: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("request file contains no requests")
	}

	reqs := make([]Request, 0, len(raw))
	for i, msg := range raw {
		var r Request
		if err := strictUnmarshal(msg, &r); err != nil {
			return nil, fmt.Errorf("request %d: %w", i, err)
		}
		applyDefaults(&r)
		if err := validate.Struct(&r); err != nil {
			return nil, fmt.Errorf("request %d: %w", i, describeValidation(err))
		}
		reqs = append(reqs, r)
	}
	return reqs, nil
}

func applyDefaults(r *Request) {
	if r.Scheme == "" {
		r.Scheme = "http"
	}
	if r.Method == "" {
		r.Method = "GET"
	}
	if r.Path == "" {
		r.Path = "/"
	}
	if r.Clients == 0 {
		r.Clients = 1
	}
}

// strictUnmarshal decodes with unknown keys rejected, naming the
// offending key on type mismatches.
func strictUnmarshal(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if terr, ok := err.(*json.UnmarshalTypeError); ok {
			return fmt.Errorf("key %q: expected %s, got %s", terr.Field, terr.Type, terr.Value)
		}
		return err
	}
	return nil
}

func describeValidation(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return err
	}
	e := verrs[0]
	return fmt.Errorf("key %q: fails %q constraint", e.Field(), e.Tag())
}
