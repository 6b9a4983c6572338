// Package bytesize parses and formats the byte sizes and transfer rates
// used in device configuration (block sizes, extent caps, sync rates).
package bytesize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Byte size units.
const (
	B  int64 = 1
	KB int64 = 1024
	MB int64 = 1024 * KB
	GB int64 = 1024 * MB
	TB int64 = 1024 * GB
)

// Bit-rate units (SI), expressed in bytes per second.
const (
	Kbps int64 = 1000 / 8
	Mbps int64 = 1000 * 1000 / 8
	Gbps int64 = 1000 * 1000 * 1000 / 8
)

var (
	// sizePattern matches size strings like "4KB", "1.5 GB", "1024"
	sizePattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([a-zA-Z]*)\s*$`)

	// ratePattern matches rate strings like "250KB/s", "10mbps"
	ratePattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([a-zA-Z/]+)\s*$`)
)

// Parse parses a byte size string like "4KB", "1.5GB", or "1024" into bytes.
// Supported units: B, KB, MB, GB, TB (case-insensitive). Without a unit,
// bytes are assumed.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	matches := sizePattern.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid size format: %q", s)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %q", matches[1])
	}

	if value < 0 {
		return 0, fmt.Errorf("negative size not allowed: %v", value)
	}

	unit := strings.ToUpper(matches[2])
	var multiplier int64

	switch unit {
	case "", "B":
		multiplier = B
	case "KB", "K", "KI":
		multiplier = KB
	case "MB", "M", "MI":
		multiplier = MB
	case "GB", "G", "GI":
		multiplier = GB
	case "TB", "T", "TI":
		multiplier = TB
	default:
		return 0, fmt.Errorf("unknown unit: %q", matches[2])
	}

	return int64(value * float64(multiplier)), nil
}

// Format formats a byte count into a human-readable string.
func Format(bytes int64) string {
	if bytes == 0 {
		return "0 B"
	}

	units := []struct {
		threshold int64
		unit      string
	}{
		{TB, "TB"},
		{GB, "GB"},
		{MB, "MB"},
		{KB, "KB"},
	}

	for _, u := range units {
		if bytes >= u.threshold {
			return fmt.Sprintf("%.2f %s", float64(bytes)/float64(u.threshold), u.unit)
		}
	}

	return fmt.Sprintf("%d B", bytes)
}

// ParseRate parses a transfer rate string into bytes per second.
// Supported formats:
//   - Bytes: B/s, KB/s, MB/s, GB/s (binary units)
//   - Bits: bps, kbps, mbps, gbps (SI units, case-insensitive)
func ParseRate(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty rate string")
	}

	matches := ratePattern.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid rate format: %q", s)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %q", matches[1])
	}

	if value < 0 {
		return 0, fmt.Errorf("negative rate not allowed: %v", value)
	}

	unit := strings.ToLower(matches[2])
	var bytesPerSec int64

	switch unit {
	case "bps":
		bytesPerSec = int64(value / 8)
	case "kbps":
		bytesPerSec = int64(value * float64(Kbps))
	case "mbps":
		bytesPerSec = int64(value * float64(Mbps))
	case "gbps":
		bytesPerSec = int64(value * float64(Gbps))

	case "b/s":
		bytesPerSec = int64(value)
	case "kb/s":
		bytesPerSec = int64(value * float64(KB))
	case "mb/s":
		bytesPerSec = int64(value * float64(MB))
	case "gb/s":
		bytesPerSec = int64(value * float64(GB))

	default:
		return 0, fmt.Errorf("unknown rate unit: %q", matches[2])
	}

	return bytesPerSec, nil
}
