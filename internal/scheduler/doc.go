// Package scheduler keeps a rolling horizon of materialized occurrences for
// every active task and fires each one once when the clock reaches it.
//
// Per task the scheduler remembers the watermark: the last instant it fired.
// Watermarks are persisted after every fire, so a restart re-expands from the
// watermark and fires what was missed (tagged late) instead of dropping it.
package scheduler
