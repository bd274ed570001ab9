package source

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInWindowBoundaries(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		ts   time.Time
		want bool
	}{
		{"inside", start.Add(12 * time.Hour), true},
		{"exactly at start", start, true},
		{"exactly at end", end, true},
		{"one millisecond past end", end.Add(time.Millisecond), false},
		{"one millisecond before start", start.Add(-time.Millisecond), false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, InWindow(tt.ts, start, end), tt.name)
	}
}
