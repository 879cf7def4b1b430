// Package matcher decides whether a credential may publish to or subscribe to a
// topic, based on the glob patterns attached to that credential.
//
// A pattern is a topic path in which '*' matches any run of characters, '/'
// included, so "/*" covers every topic and "/demo/*" covers everything below
// /demo. Patterns are tried exact ones first, then in alphabetical order, and the
// first match wins.
package matcher

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Operation is the action being authorized.
type Operation string

const (
	OpPublish   Operation = "publish"
	OpSubscribe Operation = "subscribe"
)

// Denial reasons.
const (
	ReasonClientNotFound = "Client not found"
	ReasonNoMatch        = "No matching pattern found"
)

// Result is the outcome of an evaluation.
type Result struct {
	IsOK    bool   `json:"is_ok" yaml:"is_ok"`
	Reason  string `json:"reason,omitempty" yaml:"reason,omitempty"`
	Pattern string `json:"pattern,omitempty" yaml:"pattern,omitempty"`
}

// Pattern is one compiled glob.
type Pattern struct {
	Raw   string
	re    *regexp.Regexp
	exact bool
}

// Compile turns a glob into an anchored, case-insensitive pattern.
func Compile(raw string) (Pattern, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Pattern{}, fmt.Errorf("empty pattern")
	}

	parts := strings.Split(raw, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	re, err := regexp.Compile("(?i)^" + strings.Join(parts, ".*") + "$")
	if err != nil {
		return Pattern{}, fmt.Errorf("invalid pattern `%s`: %w", raw, err)
	}

	return Pattern{Raw: raw, re: re, exact: !strings.Contains(raw, "*")}, nil
}

// Match reports whether topicName matches the pattern.
func (p Pattern) Match(topicName string) bool {
	return p.re.MatchString(topicName)
}

// IsExact reports whether the pattern has no wildcard.
func (p Pattern) IsExact() bool {
	return p.exact
}

type client struct {
	pub []Pattern
	sub []Pattern
}

// Matcher holds the compiled permissions of every known credential.
// It is safe for concurrent use.
type Matcher struct {
	mu      sync.RWMutex
	clients map[int64]*client
	cache   map[string]*regexp.Regexp
}

// New creates an empty Matcher.
func New() *Matcher {
	return &Matcher{
		clients: make(map[int64]*client),
		cache:   make(map[string]*regexp.Regexp),
	}
}

// SetClient replaces the patterns of credential secID.
// Patterns that fail to compile are returned as an error and nothing is changed.
func (m *Matcher) SetClient(secID int64, pub, sub []string) error {
	c := &client{}
	var err error
	if c.pub, err = m.compileAll(pub); err != nil {
		return err
	}
	if c.sub, err = m.compileAll(sub); err != nil {
		return err
	}

	m.mu.Lock()
	m.clients[secID] = c
	m.mu.Unlock()
	return nil
}

// RemoveClient drops all patterns of credential secID.
func (m *Matcher) RemoveClient(secID int64) {
	m.mu.Lock()
	delete(m.clients, secID)
	m.mu.Unlock()
}

// ClientCount returns the number of credentials with patterns.
func (m *Matcher) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// ClearCache forgets compiled patterns. Already loaded clients keep working.
func (m *Matcher) ClearCache() {
	m.mu.Lock()
	m.cache = make(map[string]*regexp.Regexp)
	m.mu.Unlock()
}

// Evaluate checks whether secID may perform op on topicName.
func (m *Matcher) Evaluate(secID int64, topicName string, op Operation) Result {
	m.mu.RLock()
	c, ok := m.clients[secID]
	m.mu.RUnlock()

	if !ok {
		return Result{Reason: ReasonClientNotFound}
	}

	var patterns []Pattern
	switch op {
	case OpPublish:
		patterns = c.pub
	case OpSubscribe:
		patterns = c.sub
	default:
		return Result{Reason: "Invalid operation: " + string(op)}
	}

	for _, p := range patterns {
		if p.Match(topicName) {
			return Result{IsOK: true, Pattern: p.Raw}
		}
	}

	return Result{Reason: ReasonNoMatch}
}

// Patterns returns the raw pub and sub patterns of secID in evaluation order.
func (m *Matcher) Patterns(secID int64) (pub, sub []string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.clients[secID]
	if !ok {
		return nil, nil
	}
	for _, p := range c.pub {
		pub = append(pub, p.Raw)
	}
	for _, p := range c.sub {
		sub = append(sub, p.Raw)
	}
	return pub, sub
}

// Clients returns the IDs of all credentials with patterns, sorted.
func (m *Matcher) Clients() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]int64, 0, len(m.clients))
	for id := range m.clients {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *Matcher) compileAll(raws []string) ([]Pattern, error) {
	out := make([]Pattern, 0, len(raws))
	for _, raw := range raws {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}

		m.mu.RLock()
		re, cached := m.cache[raw]
		m.mu.RUnlock()

		if cached {
			out = append(out, Pattern{Raw: raw, re: re, exact: !strings.Contains(raw, "*")})
			continue
		}

		p, err := Compile(raw)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.cache[raw] = p.re
		m.mu.Unlock()

		out = append(out, p)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].exact != out[j].exact {
			return out[i].exact
		}
		return out[i].Raw < out[j].Raw
	})

	return out, nil
}
