// Package storage persists selected picks and their outcomes.
//
// Drivers:
//   - "sqlite": modernc.org/sqlite database file (":memory:" for tests)
//   - "postgres": PostgreSQL via lib/pq
//   - "memory" (or empty): process-local, lost on restart
//
// It also keeps notifier dedup state so restarts don't resend a pick.
package storage
