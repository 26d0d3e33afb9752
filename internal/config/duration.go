package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// firstSet returns the trimmed value, or the trimmed fallback when value is
// blank. Both blank is an error naming kind.
func firstSet(value, fallback, kind string) (string, error) {
	for _, s := range []string{value, fallback} {
		if s = strings.TrimSpace(s); s != "" {
			return s, nil
		}
	}
	return "", fmt.Errorf("empty %s", kind)
}

// DurationOrDefault parses value as a Go duration, or fallback when value is
// blank. Whole days may be written as "30d"; mixing days with other units
// is not supported.
func DurationOrDefault(value, fallback string) (time.Duration, error) {
	s, err := firstSet(value, fallback, "duration")
	if err != nil {
		return 0, err
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		if n, err := strconv.Atoi(days); err == nil {
			if n < 0 {
				return 0, fmt.Errorf("duration %q: negative day count", s)
			}
			return time.Duration(n) * 24 * time.Hour, nil
		}
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("duration %q: %w", s, err)
	}
	return d, nil
}

// ByteSizeOrDefault parses a humanize byte size such as "1GiB", "512 MB" or
// "4096", or fallback when value is blank.
func ByteSizeOrDefault(value, fallback string) (int64, error) {
	s, err := firstSet(value, fallback, "byte size")
	if err != nil {
		return 0, err
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("byte size %q: %w", s, err)
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("byte size %q overflows int64", s)
	}
	return int64(n), nil
}
