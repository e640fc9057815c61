package timestamp

import (
	"fmt"
	"time"
)

// Relative renders how long ago ms happened, for list and marker labels.
func Relative(ms int64, now time.Time) string {
	diff := now.UnixMilli() - ms
	if diff < 0 {
		diff = 0
	}
	m := diff / 60000
	switch {
	case m < 1:
		return "just now"
	case m == 1:
		return "1 min ago"
	case m < 60:
		return fmt.Sprintf("%d min ago", m)
	}
	h := m / 60
	if h == 1 {
		return "1 h ago"
	}
	return fmt.Sprintf("%d h ago", h)
}
