package pipeline

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var timeframePattern = regexp.MustCompile(`^(\d+)([hdwmy])$`)

// ParseTimeframe converts a shorthand like "24h", "7d", "2w", "1m", or
// "1y" into a duration. Months count as 30 days and years as 365.
func ParseTimeframe(s string) (time.Duration, error) {
	groups := timeframePattern.FindStringSubmatch(s)
	if groups == nil {
		return 0, fmt.Errorf("invalid timeframe %q: want <number><h|d|w|m|y>", s)
	}

	n, err := strconv.Atoi(groups[1])
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid timeframe %q: want a positive count", s)
	}

	day := 24 * time.Hour
	switch groups[2] {
	case "h":
		return time.Duration(n) * time.Hour, nil
	case "d":
		return time.Duration(n) * day, nil
	case "w":
		return time.Duration(n) * 7 * day, nil
	case "m":
		return time.Duration(n) * 30 * day, nil
	case "y":
		return time.Duration(n) * 365 * day, nil
	}
	return 0, fmt.Errorf("invalid timeframe unit in %q", s)
}

// Window converts a timeframe ending now into an inclusive [start, end]
// pair.
func Window(timeframe string, now time.Time) (time.Time, time.Time, error) {
	d, err := ParseTimeframe(timeframe)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end := now.UTC()
	return end.Add(-d), end, nil
}
