package pubsub

import (
	"time"

	"github.com/coregx/gopubsub/model"
)

// Pull delivery ceilings. Client-requested caps are clamped to these.
const (
	DefaultMaxLen      = 5_000_000
	DefaultMaxMessages = 1000
)

// Defaults for the delivery worker.
const (
	DefaultBatchSize      = 100
	DefaultSweepLimit     = 1000
	DefaultWorkerInterval = time.Second

	// DefaultHeartbeatInterval is how often a process re-announces itself.
	DefaultHeartbeatInterval = 10 * time.Second

	// DefaultServerTTL is how long a process counts as live after its last
	// announcement. It is also how long a new process waits before claiming
	// sub_keys that have no live owner.
	DefaultServerTTL = 30 * time.Second
)

// Config holds the library-side settings shared by the publish, receive and
// delivery services.
type Config struct {
	// MaxLen is both the default and the ceiling for the total size of one pull.
	// Publications larger than MaxLen are rejected since no pull could return them.
	MaxLen int

	// MaxMessages is both the default and the ceiling for the message count of one pull.
	MaxMessages int

	// BatchSize bounds how many messages one push delivery round sends per sub_key.
	BatchSize int

	// SweepLimit bounds how many queue rows one expiry sweep may expire.
	SweepLimit int

	// DefaultPriority is used for publications without a priority.
	DefaultPriority int

	// DefaultExpiration is used for publications without an expiration. It is
	// counted in whole seconds.
	DefaultExpiration time.Duration
}

// DefaultConfig returns the settings used when none are given.
func DefaultConfig() Config {
	return Config{
		MaxLen:            DefaultMaxLen,
		MaxMessages:       DefaultMaxMessages,
		BatchSize:         DefaultBatchSize,
		SweepLimit:        DefaultSweepLimit,
		DefaultPriority:   model.DefaultPriority,
		DefaultExpiration: model.DefaultExpiration * time.Second,
	}
}

// ClampPull applies the pull ceilings to client-requested caps. Nil means the
// client asked for nothing and gets the default. Values at or below the ceiling,
// zero and negative ones included, are returned unchanged.
func (c Config) ClampPull(maxLen, maxMessages *int) (int, int) {
	outLen, outMessages := c.MaxLen, c.MaxMessages
	if maxLen != nil {
		outLen = min(*maxLen, c.MaxLen)
	}
	if maxMessages != nil {
		outMessages = min(*maxMessages, c.MaxMessages)
	}
	return outLen, outMessages
}

// ExpirationSeconds returns DefaultExpiration in seconds, at least one.
func (c Config) ExpirationSeconds() int64 {
	return max(int64(c.DefaultExpiration/time.Second), model.MinExpiration)
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxLen <= 0 {
		c.MaxLen = d.MaxLen
	}
	if c.MaxMessages <= 0 {
		c.MaxMessages = d.MaxMessages
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.SweepLimit <= 0 {
		c.SweepLimit = d.SweepLimit
	}
	c.DefaultPriority = model.NormalizePriority(c.DefaultPriority)
	if c.DefaultExpiration <= 0 {
		c.DefaultExpiration = d.DefaultExpiration
	}
	return c
}
