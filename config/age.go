package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const day = 24 * time.Hour

// ageUnits maps the calendar suffixes accepted by ParseAge to their length.
// Months and years are approximations.
var ageUnits = map[byte]time.Duration{
	'd': day,
	'w': 7 * day,
	'm': 30 * day,
	'y': 365 * day,
}

// ParseAge parses an age such as "7d", "2w", "3m" or "1y". Go durations like
// "36h" are accepted too; a bare "m" suffix means months, not minutes.
// Negative ages are rejected.
func ParseAge(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("age is empty")
	}

	if unit, ok := ageUnits[s[len(s)-1]]; ok {
		n, err := strconv.Atoi(s[:len(s)-1])
		if err != nil || n < 0 || strings.HasPrefix(s, "+") {
			return 0, fmt.Errorf("invalid age %q (expected <number><d|w|m|y>, e.g. 7d, 2w, 3m, 1y)", s)
		}
		return time.Duration(n) * unit, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid age %q (expected <number><d|w|m|y>, e.g. 7d, 2w, 3m, 1y)", s)
	}
	return d, nil
}

// Cutoff returns the instant age before now. An empty age yields the zero
// time, which disables age filtering.
func Cutoff(age string, now time.Time) (time.Time, error) {
	if strings.TrimSpace(age) == "" {
		return time.Time{}, nil
	}
	d, err := ParseAge(age)
	if err != nil {
		return time.Time{}, err
	}
	return now.Add(-d), nil
}
