// Package journal records completed task runs.
//
// Drivers:
//   - "file": append-only JSON Lines
//   - "sqlite": SQLite database (modernc.org/sqlite, no cgo)
//
// Only finished runs are stored. Pending work is never persisted.
package journal
