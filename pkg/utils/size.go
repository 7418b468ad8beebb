package utils

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var sizeRe = regexp.MustCompile(`^([\d.]+)\s*([A-Za-z]+)$`)

// ParseDataSize parses human-friendly sizes like "500GB", "1.5TB" or a bare
// byte count into bytes. Units are 1024-based.
func ParseDataSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(sizeStr)
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}

	if val, err := strconv.ParseInt(sizeStr, 10, 64); err == nil {
		return val, nil
	}

	matches := sizeRe.FindStringSubmatch(sizeStr)
	if len(matches) != 3 {
		return 0, fmt.Errorf("invalid size format: %s (expected format like '1GB', '512MB')", sizeStr)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value: %s", matches[1])
	}

	unit := strings.TrimSuffix(strings.ToUpper(matches[2]), "IB")
	multiplier := int64(0)
	switch unit {
	case "B", "BYTE", "BYTES":
		multiplier = 1
	case "KB", "K":
		multiplier = 1 << 10
	case "MB", "M":
		multiplier = 1 << 20
	case "GB", "G":
		multiplier = 1 << 30
	case "TB", "T":
		multiplier = 1 << 40
	default:
		return 0, fmt.Errorf("unknown unit: %s (supported: B, KB, MB, GB, TB)", matches[2])
	}

	bytes := int64(value * float64(multiplier))
	if bytes < 0 {
		return 0, fmt.Errorf("size overflow or negative value")
	}
	return bytes, nil
}

// FormatDataSize renders bytes as a human-readable 1024-based size.
func FormatDataSize(bytes int64) string {
	if bytes < 0 {
		return "invalid"
	}

	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	units := []string{"KB", "MB", "GB", "TB", "PB"}
	value := float64(bytes)
	idx := -1
	for value >= unit && idx < len(units)-1 {
		value /= unit
		idx++
	}

	if value == float64(int64(value)) {
		return fmt.Sprintf("%.0f %s", value, units[idx])
	}
	return fmt.Sprintf("%.1f %s", value, units[idx])
}
