package notifier

import (
	"fmt"
	"strings"
	"time"

	"eldercare/internal/delivery"
	"eldercare/internal/tasksource"
)

const timeLayout = "15:04"

func elderName(t tasksource.Task) string {
	if n := strings.TrimSpace(t.ElderName); n != "" {
		return n
	}
	return "Your relative"
}

func taskName(t tasksource.Task) string {
	if n := strings.TrimSpace(t.Name); n != "" {
		return n
	}
	return t.ID
}

func elderText(t tasksource.Task, r delivery.Reminder, loc *time.Location) string {
	var b strings.Builder
	if r.Deliveries > 1 {
		b.WriteString("Reminder again: ")
	} else {
		b.WriteString("Reminder: ")
	}
	fmt.Fprintf(&b, "%s (%s).", taskName(t), r.ScheduledAt.In(loc).Format(timeLayout))
	if r.Late {
		b.WriteString(" This reminder is late.")
	}
	if in := strings.TrimSpace(t.Instructions); in != "" {
		b.WriteString(" ")
		b.WriteString(in)
	}
	return b.String()
}

func caregiverSubject(t tasksource.Task, reason delivery.Reason) string {
	var what string
	switch reason {
	case delivery.ReasonExpired:
		what = "not confirmed"
	case delivery.ReasonDismissed:
		what = "dismissed"
	case delivery.ReasonExcessiveSnooze:
		what = "snoozed repeatedly"
	default:
		what = string(reason)
	}
	return fmt.Sprintf("[eldercare] %s: %s %s", elderName(t), taskName(t), what)
}

func caregiverText(t tasksource.Task, reason delivery.Reason, r delivery.Reminder, loc *time.Location) string {
	at := r.ScheduledAt.In(loc).Format(timeLayout)
	switch reason {
	case delivery.ReasonExpired:
		return fmt.Sprintf("%s has not confirmed %q scheduled at %s.", elderName(t), taskName(t), at)
	case delivery.ReasonDismissed:
		return fmt.Sprintf("%s dismissed %q scheduled at %s.", elderName(t), taskName(t), at)
	case delivery.ReasonExcessiveSnooze:
		return fmt.Sprintf("%s snoozed %q %d times (scheduled at %s).", elderName(t), taskName(t), r.SnoozeCount, at)
	default:
		return fmt.Sprintf("%s: %q scheduled at %s needs attention (%s).", elderName(t), taskName(t), at, reason)
	}
}
