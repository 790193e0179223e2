// Package postgres implements store.Store on PostgreSQL with pgx/v5.
//
// Run transitions are conditional UPDATEs on the status column. Schedules
// advance with a compare-and-set on next_run. Fan-out batch results are
// keyed by (run_id, batch_index) so a redelivered batch inserts nothing.
// The scheduler leader lease is a single row updated only by its holder or
// once it has expired.
//
// Usage:
//
//	s, err := postgres.New(ctx, "postgres://localhost:5432/datenschleuder?sslmode=disable")
//	if err != nil { ... }
//	if err := s.Migrate(ctx); err != nil { ... }
package postgres
