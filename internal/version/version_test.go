package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsDev(t *testing.T) {
	original := Version
	defer func() { Version = original }()

	tests := []struct {
		version  string
		expected bool
	}{
		{"dev", true},
		{"1.0.0", false},
		{"v1.2.3", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			Version = tt.version
			assert.Equal(t, tt.expected, IsDev())
		})
	}
}

func TestFullAndUserAgent(t *testing.T) {
	original, commit, date := Version, Commit, Date
	defer func() { Version, Commit, Date = original, commit, date }()

	Version = "dev"
	assert.Equal(t, "crmsync version dev (built from source)", Full())
	assert.Equal(t, "crmsync/dev (https://github.com/basecamp/crmsync)", UserAgent())

	Version, Commit, Date = "1.2.0", "abc123", "2026-01-02T00:00:00Z"
	assert.Equal(t, "crmsync version 1.2.0 (abc123, 2026-01-02T00:00:00Z)", Full())
	assert.Contains(t, UserAgent(), "crmsync/1.2.0")
}
