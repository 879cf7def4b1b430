package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePriority(t *testing.T) {
	tests := []struct {
		name     string
		input    int
		expected int
	}{
		{"absent", 0, DefaultPriority},
		{"negative", -3, DefaultPriority},
		{"too high", 10, DefaultPriority},
		{"lowest", 1, 1},
		{"highest", 9, 9},
		{"middle", 7, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizePriority(tt.input))
		})
	}
}

func TestClampExpiration(t *testing.T) {
	tests := []struct {
		name     string
		input    float64
		expected int64
	}{
		{"zero", 0, 1},
		{"negative", -100, 1},
		{"rounds down below one", 0.4, 1},
		{"rounds half up", 1.5, 2},
		{"rounds down", 10.2, 10},
		{"unchanged", 3600, 3600},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ClampExpiration(tt.input))
		})
	}
}

func TestNewMessage(t *testing.T) {
	recv := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	topic := NewTopic("/demo/orders", "orders")
	topic.ID = 3
	topic.HasGD = true

	msg := NewMessage("zpsmabc", topic, `{"x":1}`, 42, 0, time.Time{}, recv)

	assert.Equal(t, "zpsmabc", msg.PubMsgID)
	assert.Equal(t, int64(3), msg.TopicID)
	assert.Equal(t, "/demo/orders", msg.TopicName)
	assert.Equal(t, DefaultPriority, msg.Priority)
	assert.Equal(t, int64(1), msg.Expiration)
	assert.Equal(t, recv.Add(time.Second), msg.ExpirationTime)
	assert.Equal(t, recv, msg.PubTime, "pub_time falls back to recv_time")
	assert.Equal(t, 7, msg.Size)
	assert.True(t, msg.HasGD)

	assert.False(t, msg.IsExpired(recv))
	assert.True(t, msg.IsExpired(recv.Add(time.Second)))
}

func TestFormatISO(t *testing.T) {
	assert.Equal(t, "", FormatISO(time.Time{}))
	ts := time.Date(2025, 1, 2, 3, 4, 5, 6000, time.UTC)
	assert.Equal(t, "2025-01-02T03:04:05.000006", FormatISO(ts))
}
