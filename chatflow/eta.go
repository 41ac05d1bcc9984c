package chatflow

import (
	"fmt"
	"time"
)

// FormatETA renders a queue wait for the status message. Short waits get a
// vague word instead of a precise figure nobody can act on.
func FormatETA(d time.Duration) string {
	if d < time.Minute {
		return "soon"
	}
	if d < 10*time.Minute {
		return "shortly"
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	return fmt.Sprintf("~%d h %d min", hours, minutes)
}
