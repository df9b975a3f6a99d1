package config

import (
	"fmt"
	"math"
	"strings"
)

// ParseBytes parses a human size such as "50MB", "1.5G" or "4096" into bytes
func ParseBytes(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty string")
	}

	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, "IB")
	s = strings.TrimSuffix(s, "B")

	var multiplier int64 = 1
	numStr := s
	if len(s) > 0 {
		switch s[len(s)-1] {
		case 'K':
			multiplier = 1024
		case 'M':
			multiplier = 1024 * 1024
		case 'G':
			multiplier = 1024 * 1024 * 1024
		case 'T':
			multiplier = 1024 * 1024 * 1024 * 1024
		}
		if multiplier > 1 {
			numStr = strings.TrimSpace(s[:len(s)-1])
		}
	}

	var num float64
	if _, err := fmt.Sscanf(numStr, "%g", &num); err != nil {
		return 0, fmt.Errorf("invalid number format: %s", s)
	}
	if math.IsNaN(num) {
		return 0, fmt.Errorf("invalid number format: %s", s)
	}
	if num < 0 {
		return 0, fmt.Errorf("negative size: %s", s)
	}

	bytes := num * float64(multiplier)
	// float64(math.MaxInt64) rounds up to 2^63, which no int64 holds
	if bytes >= float64(math.MaxInt64) {
		return 0, fmt.Errorf("size too large: %s", s)
	}
	return int64(bytes), nil
}

// FormatBytes renders a byte count with a binary unit suffix
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGT"[exp])
}
