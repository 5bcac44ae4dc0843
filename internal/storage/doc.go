// Package storage persists the engine's durable state: per-task scheduling
// watermarks, delivered escalations (so a restart never notifies a caregiver
// twice) and the reminder audit trail.
//
// Drivers: "memory" (tests, ephemeral runs), "file" (JSONL journal + snapshot)
// and "sqlite" (modernc.org/sqlite, no cgo).
package storage
