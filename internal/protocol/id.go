package protocol

import (
	"strings"
	"time"
)

// TimeLayout is the second-resolution UTC timestamp carried on hub frames.
const TimeLayout = "2006-01-02T15:04:05"

var idStripper = strings.NewReplacer(":", "", "-", "")

func Timestamp(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// MessageID derives "<sender>-<YYYYMMDDTHHMMSS>" from a hub timestamp. Two
// messages from one sender within the same second share an id.
func MessageID(sender, timestamp string) string {
	return sender + "-" + idStripper.Replace(timestamp)
}
