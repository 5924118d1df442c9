package utils

import (
	"strconv"
	"strings"
	"time"

	"github.com/life-stream-dev/life-stream-go-session-hub/internal/logger"
)

// ParseStringTime parses durations such as "500ms", "10s", "20M", "48h" or "2d".
// Invalid input is logged and yields 0.
func ParseStringTime(timeString string) time.Duration {
	timeString = strings.ToLower(strings.TrimSpace(timeString))
	if timeString == "" {
		return 0
	}
	if duration, err := time.ParseDuration(timeString); err == nil {
		return duration
	}
	if cutString, found := strings.CutSuffix(timeString, "d"); found {
		number, err := strconv.Atoi(cutString)
		if err != nil {
			logger.ErrorF("Error parsing time string: %s", err.Error())
			return 0
		}
		return time.Duration(number) * time.Hour * 24
	}
	logger.ErrorF("invalid time format: %s", timeString)
	return 0
}

// DurationOr returns the parsed duration, or fallback when the string is empty or invalid.
func DurationOr(timeString string, fallback time.Duration) time.Duration {
	if d := ParseStringTime(timeString); d > 0 {
		return d
	}
	return fallback
}
