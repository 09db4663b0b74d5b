// Package utils holds small formatting helpers shared by the API and CLI.
package utils

import (
	"fmt"
	"time"
)

// FormatResponseTime renders a latency for humans: μs, ms, s, or m+s.
func FormatResponseTime(duration time.Duration) string {
	if duration == 0 {
		return "0ms"
	}

	ms := float64(duration.Nanoseconds()) / 1e6

	if ms < 1 {
		us := float64(duration.Nanoseconds()) / 1e3
		if us < 1 {
			return "< 1μs"
		}
		return fmt.Sprintf("%.0fμs", us)
	} else if ms < 1000 {
		return fmt.Sprintf("%.0fms", ms)
	} else if ms < 60000 {
		seconds := ms / 1000
		if seconds < 10 {
			return fmt.Sprintf("%.1fs", seconds)
		}
		return fmt.Sprintf("%.0fs", seconds)
	}
	minutes := int(ms / 60000)
	seconds := (ms - float64(minutes*60000)) / 1000
	return fmt.Sprintf("%dm%.0fs", minutes, seconds)
}

// FormatUptime renders a long duration as days, hours and minutes.
func FormatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

// FormatBytes renders a byte count with a binary unit.
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < 0 {
		return "-" + FormatBytes(-bytes)
	}
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatPercentage renders value/total with one decimal.
func FormatPercentage(value, total int64) string {
	if total == 0 {
		return "0.0%"
	}
	return fmt.Sprintf("%.1f%%", float64(value)/float64(total)*100)
}
