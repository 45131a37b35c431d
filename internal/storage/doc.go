// Package storage persists the rule set and the two append-only ledgers
// (delivery log and usage) behind one Store interface.
//
// Backends:
//   - "memory": process-local, used by tests and the one-shot CLI
//   - "file": JSON Lines files replayed into memory on open
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
package storage
