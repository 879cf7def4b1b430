package matcher

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		topic   string
		match   bool
	}{
		{"exact", "/demo/1", "/demo/1", true},
		{"exact mismatch", "/demo/1", "/demo/2", false},
		{"single level wildcard", "/demo/*", "/demo/x", true},
		{"wildcard spans levels", "/demo/*", "/demo/x/y", true},
		{"wildcard needs prefix", "/demo/*", "/other/x", false},
		{"all topics", "/*", "/any/thing", true},
		{"infix wildcard", "/orders/*/eu", "/orders/2025/eu", true},
		{"infix wildcard mismatch", "/orders/*/eu", "/orders/2025/us", false},
		{"case insensitive", "/Demo/*", "/demo/X", true},
		{"regexp meta is literal", "/a.b", "/axb", false},
		{"anchored", "/demo", "/demo/1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Compile(tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.match, p.Match(tt.topic))
		})
	}

	_, err := Compile("  ")
	assert.Error(t, err)
}

func TestMatcher_Evaluate(t *testing.T) {
	m := New()
	require.NoError(t, m.SetClient(1, []string{"/demo/*"}, []string{"/demo/*"}))
	require.NoError(t, m.SetClient(2, nil, []string{"/only/sub"}))

	tests := []struct {
		name        string
		secID       int64
		topic       string
		op          Operation
		wantOK      bool
		wantReason  string
		wantPattern string
	}{
		{"publish allowed", 1, "/demo/x", OpPublish, true, "", "/demo/*"},
		{"publish denied", 1, "/other/x", OpPublish, false, ReasonNoMatch, ""},
		{"subscribe allowed", 1, "/demo/x", OpSubscribe, true, "", "/demo/*"},
		{"no pub patterns", 2, "/only/sub", OpPublish, false, ReasonNoMatch, ""},
		{"exact sub", 2, "/only/sub", OpSubscribe, true, "", "/only/sub"},
		{"unknown client", 99, "/demo/x", OpPublish, false, ReasonClientNotFound, ""},
		{"invalid operation", 1, "/demo/x", Operation("delete"), false, "Invalid operation: delete", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := m.Evaluate(tt.secID, tt.topic, tt.op)
			assert.Equal(t, tt.wantOK, res.IsOK)
			assert.Equal(t, tt.wantReason, res.Reason)
			assert.Equal(t, tt.wantPattern, res.Pattern)
			if !res.IsOK {
				assert.NotEmpty(t, res.Reason)
			}
		})
	}
}

func TestMatcher_ExactPatternsFirst(t *testing.T) {
	m := New()
	require.NoError(t, m.SetClient(1, []string{"/z/*", "/a/*", "/z/exact"}, nil))

	pub, _ := m.Patterns(1)
	assert.Equal(t, []string{"/z/exact", "/a/*", "/z/*"}, pub)

	res := m.Evaluate(1, "/z/exact", OpPublish)
	assert.True(t, res.IsOK)
	assert.Equal(t, "/z/exact", res.Pattern)
}

func TestMatcher_ClientLifecycle(t *testing.T) {
	m := New()
	require.NoError(t, m.SetClient(3, []string{"/a"}, nil))
	require.NoError(t, m.SetClient(1, []string{"/b"}, nil))
	assert.Equal(t, 2, m.ClientCount())
	assert.Equal(t, []int64{1, 3}, m.Clients())

	require.NoError(t, m.SetClient(1, []string{"/c"}, nil))
	assert.False(t, m.Evaluate(1, "/b", OpPublish).IsOK, "SetClient replaces patterns")
	assert.True(t, m.Evaluate(1, "/c", OpPublish).IsOK)

	m.ClearCache()
	assert.True(t, m.Evaluate(1, "/c", OpPublish).IsOK, "clearing the cache keeps loaded clients")

	m.RemoveClient(1)
	assert.Equal(t, ReasonClientNotFound, m.Evaluate(1, "/c", OpPublish).Reason)
	assert.Equal(t, 1, m.ClientCount())
}

func TestMatcher_ConcurrentEvaluate(t *testing.T) {
	m := New()
	require.NoError(t, m.SetClient(1, []string{"/demo/*"}, nil))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%4 == 0 {
				_ = m.SetClient(int64(i+10), []string{"/demo/*"}, nil)
				return
			}
			assert.True(t, m.Evaluate(1, "/demo/x", OpPublish).IsOK)
		}(i)
	}
	wg.Wait()
}
