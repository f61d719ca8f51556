package util

import "fmt"

// FormatMbps formats a binary-megabit throughput figure.
func FormatMbps(mbps float64) string {
	if mbps < 0 {
		mbps = 0
	}
	if mbps >= 1024 {
		return fmt.Sprintf("%.2f Gbps", mbps/1024)
	}
	return fmt.Sprintf("%.2f Mbps", mbps)
}

// FormatBytes formats byte counts with binary units.
func FormatBytes(bytes float64) string {
	return formatWithUnits(bytes, []string{"B", "KiB", "MiB", "GiB", "TiB"}, 1024)
}

// FormatMillis formats a latency value in milliseconds.
func FormatMillis(ms float64) string {
	if ms < 0 {
		return "0 ms"
	}
	if ms >= 1000 {
		return fmt.Sprintf("%.2f s", ms/1000)
	}
	return fmt.Sprintf("%.2f ms", ms)
}

func formatWithUnits(value float64, units []string, base float64) string {
	if value < 0 {
		return "0"
	}
	idx := 0
	for value >= base && idx < len(units)-1 {
		value /= base
		idx++
	}
	if value >= 100 {
		return fmt.Sprintf("%.0f %s", value, units[idx])
	}
	if value >= 10 {
		return fmt.Sprintf("%.1f %s", value, units[idx])
	}
	return fmt.Sprintf("%.2f %s", value, units[idx])
}
