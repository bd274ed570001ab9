package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeframe(t *testing.T) {
	day := 24 * time.Hour

	tests := []struct {
		in   string
		want time.Duration
	}{
		{"12h", 12 * time.Hour},
		{"1d", day},
		{"7d", 7 * day},
		{"2w", 14 * day},
		{"1m", 30 * day},
		{"1y", 365 * day},
	}

	for _, tt := range tests {
		got, err := ParseTimeframe(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParseTimeframeRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "d", "7", "-7d", "7x", "0d", "7 d", "1.5d"} {
		_, err := ParseTimeframe(in)
		assert.Error(t, err, in)
	}
}

func TestWindowEndsNow(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	start, end, err := Window("24h", now)
	require.NoError(t, err)
	assert.Equal(t, now, end)
	assert.Equal(t, now.Add(-24*time.Hour), start)
}
