// Package storage persists work-time totals, closed sessions, scalar
// markers, per-user counters, cooldown deadlines and the audit log.
//
// Drivers:
//   - "file": JSON snapshots plus JSON Lines journals next to a path prefix
//   - "sqlite": modernc.org/sqlite database file
//   - "postgres" (alias "pgx"): PostgreSQL through the pgx stdlib driver
//
// An empty driver or "none" disables storage; Open then returns (nil, nil).
package storage
