package config

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseSize parses a human-readable size like "256KB" or "1.5MiB" into
// bytes. Suffixes are binary multiples whether or not the "i" is present.
// A plain number is treated as bytes.
func ParseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	units := []struct {
		suffixes []string
		mult     float64
	}{
		{[]string{"TIB", "TB"}, 1 << 40},
		{[]string{"GIB", "GB"}, 1 << 30},
		{[]string{"MIB", "MB"}, 1 << 20},
		{[]string{"KIB", "KB"}, 1 << 10},
		{[]string{"B"}, 1},
	}

	num, mult := s, 1.0
	for _, u := range units {
		matched := false
		for _, suf := range u.suffixes {
			if strings.HasSuffix(s, suf) {
				num, mult, matched = strings.TrimSpace(strings.TrimSuffix(s, suf)), u.mult, true
				break
			}
		}
		if matched {
			break
		}
	}
	if num == "" {
		return 0, fmt.Errorf("missing number in size: %s", s)
	}

	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size: %s", s)
	}
	return int64(n * mult), nil
}
