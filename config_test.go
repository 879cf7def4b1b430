package pubsub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/coregx/gopubsub/model"
)

func intPtr(v int) *int { return &v }

func TestConfig_ClampPull(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name         string
		maxLen       *int
		maxMessages  *int
		wantLen      int
		wantMessages int
	}{
		{"defaults when absent", nil, nil, DefaultMaxLen, DefaultMaxMessages},
		{"within ceilings", intPtr(100), intPtr(5), 100, 5},
		{"above ceilings", intPtr(10_000_000), intPtr(2000), DefaultMaxLen, DefaultMaxMessages},
		{"zero is kept", intPtr(0), intPtr(0), 0, 0},
		{"negative is kept", intPtr(-5), intPtr(-1), -5, -1},
		{"only one given", nil, intPtr(3), DefaultMaxLen, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotLen, gotMessages := cfg.ClampPull(tt.maxLen, tt.maxMessages)
			assert.Equal(t, tt.wantLen, gotLen)
			assert.Equal(t, tt.wantMessages, gotMessages)
		})
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	got := Config{MaxMessages: 10, BatchSize: -1}.withDefaults()

	assert.Equal(t, DefaultMaxLen, got.MaxLen)
	assert.Equal(t, 10, got.MaxMessages)
	assert.Equal(t, DefaultBatchSize, got.BatchSize)
	assert.Equal(t, DefaultSweepLimit, got.SweepLimit)
	assert.Equal(t, model.DefaultPriority, got.DefaultPriority)
	assert.Equal(t, int64(model.DefaultExpiration), got.ExpirationSeconds())
}

func TestConfig_PublicationDefaults(t *testing.T) {
	tests := []struct {
		name           string
		cfg            Config
		wantPriority   int
		wantExpiration int64
	}{
		{"kept", Config{DefaultPriority: 2, DefaultExpiration: time.Hour}, 2, 3600},
		{"priority out of range", Config{DefaultPriority: 12, DefaultExpiration: time.Minute}, model.DefaultPriority, 60},
		{"sub-second expiration", Config{DefaultPriority: 9, DefaultExpiration: 300 * time.Millisecond}, 9, 1},
		{"unset", Config{}, model.DefaultPriority, model.DefaultExpiration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.cfg.withDefaults()
			assert.Equal(t, tt.wantPriority, got.DefaultPriority)
			assert.Equal(t, tt.wantExpiration, got.ExpirationSeconds())
		})
	}
}
