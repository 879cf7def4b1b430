package retry

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultStrategy(t *testing.T) {
	strategy := DefaultStrategy()

	assert.Equal(t, 10, strategy.MaxAttempts)
	assert.Equal(t, 5*time.Second, strategy.BaseDelay)
	assert.Equal(t, 5*time.Minute, strategy.MaxDelay)
	assert.Equal(t, 2.0, strategy.ExponentialBase)
	assert.Equal(t, 3, strategy.WarnThreshold)
	require.NoError(t, strategy.Validate())
}

func TestStrategy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(s *Strategy)
		wantErr bool
	}{
		{name: "Defaults", mutate: func(_ *Strategy) {}},
		{name: "Zero attempts", mutate: func(s *Strategy) { s.MaxAttempts = 0 }, wantErr: true},
		{name: "Zero base delay", mutate: func(s *Strategy) { s.BaseDelay = 0 }, wantErr: true},
		{name: "Max below base", mutate: func(s *Strategy) { s.MaxDelay = time.Second }, wantErr: true},
		{name: "Shrinking base", mutate: func(s *Strategy) { s.ExponentialBase = 0.5 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultStrategy()
			tt.mutate(&s)
			err := s.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStrategy_CalculateRetryDelay(t *testing.T) {
	strategy := DefaultStrategy()

	tests := []struct {
		name          string
		attemptNumber int
		expectedDelay time.Duration
	}{
		{name: "Zero attempts - base delay", attemptNumber: 0, expectedDelay: 5 * time.Second},
		{name: "First attempt", attemptNumber: 1, expectedDelay: 10 * time.Second},
		{name: "Second attempt", attemptNumber: 2, expectedDelay: 20 * time.Second},
		{name: "Fourth attempt", attemptNumber: 4, expectedDelay: 80 * time.Second},
		{name: "Fifth attempt", attemptNumber: 5, expectedDelay: 160 * time.Second},
		{name: "Sixth attempt - capped", attemptNumber: 6, expectedDelay: 5 * time.Minute},
		{name: "Large attempt number - still capped", attemptNumber: 100, expectedDelay: 5 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expectedDelay, strategy.CalculateRetryDelay(tt.attemptNumber))
		})
	}
}

func TestStrategy_NextAttempt(t *testing.T) {
	strategy := DefaultStrategy()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	assert.Equal(t, now.Add(10*time.Second), strategy.NextAttempt(now, 1))
	assert.Equal(t, now.Add(5*time.Minute), strategy.NextAttempt(now, 9))
}

func TestStrategy_ShouldWarn(t *testing.T) {
	strategy := DefaultStrategy()

	assert.False(t, strategy.ShouldWarn(1))
	assert.False(t, strategy.ShouldWarn(2))
	assert.True(t, strategy.ShouldWarn(3))
	assert.True(t, strategy.ShouldWarn(9))
}

func TestStrategy_IsRetryable(t *testing.T) {
	strategy := DefaultStrategy()

	tests := []struct {
		name         string
		attemptCount int
		expected     bool
	}{
		{name: "No attempts", attemptCount: 0, expected: true},
		{name: "Few attempts", attemptCount: 5, expected: true},
		{name: "At max attempts", attemptCount: 10, expected: false},
		{name: "Beyond max attempts", attemptCount: 15, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, strategy.IsRetryable(tt.attemptCount))
		})
	}
}

func TestStrategy_GetRetrySchedule(t *testing.T) {
	strategy := Strategy{
		MaxAttempts:     5,
		BaseDelay:       10 * time.Second,
		MaxDelay:        2 * time.Minute,
		ExponentialBase: 2.0,
		WarnThreshold:   3,
	}

	schedule := strategy.GetRetrySchedule()

	assert.Contains(t, schedule, "Retry Schedule:")
	assert.Contains(t, schedule, "Attempt 5")
	assert.NotContains(t, schedule, "Attempt 6")
	assert.Contains(t, schedule, "20s")
	assert.Contains(t, schedule, "1m20s")
	assert.Contains(t, schedule, "2m0s")
	assert.True(t, strings.HasSuffix(schedule, "→ Expire\n"))
}

// Realistic flow: a message failing every push is tried MaxAttempts times.
func TestStrategy_RealisticRetryFlow(t *testing.T) {
	strategy := DefaultStrategy()

	var delays []time.Duration
	attempts := 0
	for strategy.IsRetryable(attempts) {
		attempts++
		delays = append(delays, strategy.CalculateRetryDelay(attempts))
	}

	assert.Equal(t, strategy.MaxAttempts, attempts)
	for i := 1; i < len(delays); i++ {
		assert.GreaterOrEqual(t, delays[i], delays[i-1])
	}
	assert.Equal(t, 5*time.Minute, delays[len(delays)-1])
}

func TestStrategy_BoundaryValues(t *testing.T) {
	t.Run("Exponential base of 1", func(t *testing.T) {
		strategy := Strategy{
			BaseDelay:       30 * time.Second,
			ExponentialBase: 1.0,
			MaxDelay:        1 * time.Minute,
		}

		assert.Equal(t, strategy.CalculateRetryDelay(1), strategy.CalculateRetryDelay(5))
	})

	t.Run("Max delay equals base delay", func(t *testing.T) {
		strategy := Strategy{
			BaseDelay:       30 * time.Second,
			ExponentialBase: 2.0,
			MaxDelay:        30 * time.Second,
		}

		assert.Equal(t, 30*time.Second, strategy.CalculateRetryDelay(1))
	})
}

func BenchmarkCalculateRetryDelay(b *testing.B) {
	strategy := DefaultStrategy()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = strategy.CalculateRetryDelay(i % 10)
	}
}
