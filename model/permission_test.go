package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewPermission(t *testing.T) {
	tests := []struct {
		name       string
		pub        []string
		sub        []string
		wantAccess AccessType
		wantLines  []string
	}{
		{
			name:       "publisher only",
			pub:        []string{"/demo/*"},
			wantAccess: AccessPublisher,
			wantLines:  []string{"pub=/demo/*"},
		},
		{
			name:       "subscriber only",
			sub:        []string{" /demo/* "},
			wantAccess: AccessSubscriber,
			wantLines:  []string{"sub=/demo/*"},
		},
		{
			name:       "both",
			pub:        []string{"/a/*"},
			sub:        []string{"/b/*", "/c"},
			wantAccess: AccessPublisherSubscriber,
			wantLines:  []string{"pub=/a/*", "sub=/b/*", "sub=/c"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPermission(1, tt.pub, tt.sub)
			assert.Equal(t, tt.wantAccess, p.AccessType)
			assert.Equal(t, tt.wantLines, p.Lines())
			assert.NoError(t, p.Validate())
		})
	}
}

func TestPermission_Validate(t *testing.T) {
	tests := []struct {
		name    string
		perm    Permission
		wantErr bool
	}{
		{
			name:    "valid",
			perm:    Permission{SecurityID: 1, Pattern: "pub=/demo/*\nsub=/demo/*", AccessType: AccessPublisherSubscriber},
			wantErr: false,
		},
		{
			name:    "blank lines only",
			perm:    Permission{SecurityID: 1, Pattern: "\n  \n", AccessType: AccessPublisherSubscriber},
			wantErr: true,
		},
		{
			name:    "missing prefix",
			perm:    Permission{SecurityID: 1, Pattern: "/demo/*", AccessType: AccessPublisher},
			wantErr: true,
		},
		{
			name:    "empty pattern after prefix",
			perm:    Permission{SecurityID: 1, Pattern: "pub=", AccessType: AccessPublisher},
			wantErr: true,
		},
		{
			name:    "sub line on publisher access",
			perm:    Permission{SecurityID: 1, Pattern: "sub=/demo/*", AccessType: AccessPublisher},
			wantErr: true,
		},
		{
			name:    "missing security",
			perm:    Permission{Pattern: "pub=/demo/*", AccessType: AccessPublisher},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.perm.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPermission_Patterns(t *testing.T) {
	p := Permission{Pattern: "pub=/a/*\n\nsub=/b/*\n  pub=/c  "}

	assert.Equal(t, []string{"/a/*", "/c"}, p.PubPatterns())
	assert.Equal(t, []string{"/b/*"}, p.SubPatterns())
}

func TestParsePatternList(t *testing.T) {
	assert.Equal(t, "pub=/*\nsub=/*", ParsePatternList(""))
	assert.Equal(t, "pub=/demo/*\nsub=/demo/*", ParsePatternList("pub=/demo/*, sub=/demo/*,"))
}

func TestNewPermissionFromList(t *testing.T) {
	tests := []struct {
		name   string
		list   string
		access AccessType
		pub    []string
		sub    []string
	}{
		{"default", "", AccessPublisherSubscriber, []string{"/*"}, []string{"/*"}},
		{"publish only", "pub=/demo/*", AccessPublisher, []string{"/demo/*"}, nil},
		{"subscribe only", "sub=/a, sub=/b/*", AccessSubscriber, nil, []string{"/a", "/b/*"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPermissionFromList(7, tt.list)
			assert.Equal(t, tt.access, p.AccessType)
			assert.Equal(t, tt.pub, p.PubPatterns())
			assert.Equal(t, tt.sub, p.SubPatterns())
			assert.NoError(t, p.Validate())
		})
	}
}
