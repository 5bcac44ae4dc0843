// Package delivery drives each reminder through its lifecycle:
//
//	Scheduled -> Sent -> {Done | Dismissed | Expired | Snoozed}
//	Snoozed   -> Sent (after the snooze delay)
//
// Every reminder is owned by one goroutine (its actor) that receives due
// notices, acknowledgments and timer ticks through a mailbox, so transitions
// of one reminder never interleave. Escalations to the caregiver happen at
// most once per (reminder, reason); failed ones are kept pending and retried.
package delivery
