package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParseSize parses a human-readable size string to bytes.
// Supports formats: "100", "500kb", "1mb", "1gb" (decimal) and
// "64kib", "10mib", "1gib" (binary), case insensitive.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	s = strings.ToLower(s)

	multiplier := int64(1)
	numStr := s

	switch {
	case strings.HasSuffix(s, "kib"):
		multiplier = 1 << 10
		numStr = s[:len(s)-3]
	case strings.HasSuffix(s, "mib"):
		multiplier = 1 << 20
		numStr = s[:len(s)-3]
	case strings.HasSuffix(s, "gib"):
		multiplier = 1 << 30
		numStr = s[:len(s)-3]
	case strings.HasSuffix(s, "kb"):
		multiplier = 1_000
		numStr = s[:len(s)-2]
	case strings.HasSuffix(s, "mb"):
		multiplier = 1_000_000
		numStr = s[:len(s)-2]
	case strings.HasSuffix(s, "gb"):
		multiplier = 1_000_000_000
		numStr = s[:len(s)-2]
	case strings.HasSuffix(s, "b"):
		numStr = s[:len(s)-1]
	}

	numStr = strings.TrimSpace(numStr)
	if numStr == "" {
		return 0, fmt.Errorf("invalid size value: %q", s)
	}

	value, err := strconv.ParseFloat(numStr, 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("invalid size value: %q", s)
	}

	if value < 0 {
		return 0, fmt.Errorf("size cannot be negative: %q", s)
	}

	return int64(value * float64(multiplier)), nil
}
