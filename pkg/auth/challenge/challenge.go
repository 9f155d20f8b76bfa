// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package challenge parses WWW-Authenticate header values into an ordered,
// case-insensitive set of authentication challenges.
//
// The grammar follows RFC 7235 with the token68 form used by Negotiate:
//
//	Negotiate
//	Negotiate YIIBhwYGKwYBBQUCoIIBezCCAXeg==
//	Bearer realm="example.com", error="invalid_token"
//	Negotiate, Bearer authority="https://idp.example.com/", clientid="abc"
package challenge

import (
	"strings"
)

// Kind describes which form of data a challenge carries.
type Kind int

const (
	// KindNone is a bare scheme with no credential and no parameters.
	KindNone Kind = iota
	// KindCredential is a scheme followed by a single token or token68.
	KindCredential
	// KindParams is a scheme followed by name=value parameters.
	KindParams
)

// String returns a human readable name for the kind
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindCredential:
		return "credential"
	case KindParams:
		return "params"
	default:
		return "unknown"
	}
}

// Param is a single auth-param of a challenge.
type Param struct {
	Name  string
	Value string
}

// Params is an ordered auth-param list with case-insensitive lookup.
// Insertion order is preserved. Setting an existing name replaces the value in place.
type Params struct {
	entries []Param
	index   map[string]int
}

func newParams() *Params {
	return &Params{index: make(map[string]int)}
}

func (p *Params) set(name, value string) {
	key := strings.ToLower(name)
	if i, ok := p.index[key]; ok {
		p.entries[i].Value = value
		return
	}
	p.index[key] = len(p.entries)
	p.entries = append(p.entries, Param{Name: name, Value: value})
}

// Get returns the value of the named parameter.
func (p *Params) Get(name string) (string, bool) {
	if p == nil {
		return "", false
	}
	i, ok := p.index[strings.ToLower(name)]
	if !ok {
		return "", false
	}
	return p.entries[i].Value, true
}

// Has reports whether the named parameter is present.
func (p *Params) Has(name string) bool {
	_, ok := p.Get(name)
	return ok
}

// Keys returns the parameter names in the order they appeared.
func (p *Params) Keys() []string {
	if p == nil {
		return nil
	}
	keys := make([]string, len(p.entries))
	for i, e := range p.entries {
		keys[i] = e.Name
	}
	return keys
}

// All returns a copy of the parameters in order.
func (p *Params) All() []Param {
	if p == nil {
		return nil
	}
	out := make([]Param, len(p.entries))
	copy(out, p.entries)
	return out
}

// Len returns the number of parameters.
func (p *Params) Len() int {
	if p == nil {
		return 0
	}
	return len(p.entries)
}

// Challenge is one scheme entry within a WWW-Authenticate header.
//
// At most one of Credential and Params is set.
type Challenge struct {
	Scheme     string
	Credential string
	Params     *Params
}

// Kind reports which form of data the challenge carries.
func (c *Challenge) Kind() Kind {
	switch {
	case c.Params != nil:
		return KindParams
	case c.Credential != "":
		return KindCredential
	default:
		return KindNone
	}
}

// Param is a shorthand for c.Params.Get that is safe on challenges without parameters.
func (c *Challenge) Param(name string) (string, bool) {
	return c.Params.Get(name)
}

// String renders the challenge in header form.
func (c *Challenge) String() string {
	var b strings.Builder
	b.WriteString(c.Scheme)
	switch c.Kind() {
	case KindCredential:
		b.WriteByte(' ')
		b.WriteString(c.Credential)
	case KindParams:
		for i, p := range c.Params.entries {
			if i == 0 {
				b.WriteByte(' ')
			} else {
				b.WriteString(", ")
			}
			b.WriteString(p.Name)
			b.WriteByte('=')
			b.WriteString(quote(p.Value))
		}
	case KindNone:
	}
	return b.String()
}

// Set is the ordered collection of challenges parsed from one header.
// Scheme lookup is case-insensitive. A repeated scheme keeps its first
// position and takes the later value.
type Set struct {
	challenges []*Challenge
	index      map[string]int
}

func newSet() *Set {
	return &Set{index: make(map[string]int)}
}

func (s *Set) add(c *Challenge) {
	key := strings.ToLower(c.Scheme)
	if i, ok := s.index[key]; ok {
		s.challenges[i] = c
		return
	}
	s.index[key] = len(s.challenges)
	s.challenges = append(s.challenges, c)
}

// Get returns the challenge for the given scheme.
func (s *Set) Get(scheme string) (*Challenge, bool) {
	if s == nil {
		return nil, false
	}
	i, ok := s.index[strings.ToLower(scheme)]
	if !ok {
		return nil, false
	}
	return s.challenges[i], true
}

// Has reports whether the server offered the given scheme.
func (s *Set) Has(scheme string) bool {
	_, ok := s.Get(scheme)
	return ok
}

// Schemes returns the scheme names in header order.
func (s *Set) Schemes() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.challenges))
	for i, c := range s.challenges {
		out[i] = c.Scheme
	}
	return out
}

// All returns the challenges in header order.
func (s *Set) All() []*Challenge {
	if s == nil {
		return nil
	}
	out := make([]*Challenge, len(s.challenges))
	copy(out, s.challenges)
	return out
}

// Len returns the number of distinct schemes.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.challenges)
}

// String renders the set back into a WWW-Authenticate header value.
func (s *Set) String() string {
	parts := make([]string, 0, s.Len())
	for _, c := range s.All() {
		parts = append(parts, c.String())
	}
	return strings.Join(parts, ", ")
}

func quote(v string) string {
	var b strings.Builder
	b.Grow(len(v) + 2)
	b.WriteByte('"')
	for i := 0; i < len(v); i++ {
		if v[i] == '"' || v[i] == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(v[i])
	}
	b.WriteByte('"')
	return b.String()
}
