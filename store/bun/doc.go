// Package bunstore implements the pipevine stores on PostgreSQL via the
// Bun ORM. Claiming pending executions uses FOR UPDATE SKIP LOCKED so
// multiple workers can poll the same table without contention, and the
// append-only history table enforces the (execution_id, seq) uniqueness
// that backs the replay protocol.
//
// Usage:
//
//	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
//	db := bun.NewDB(sqldb, pgdialect.New())
//	s := bunstore.New(db)
//	if err := s.Migrate(ctx); err != nil { ... }
package bunstore
