// Package storage keeps a bounded history of timer ticks.
//
// Drivers:
//   - file: JSON Lines, compacted to the newest records
//   - sqlite: a SQLite database file (modernc.org/sqlite, no cgo)
//
// Schedules are never persisted; only what each tick did.
package storage
