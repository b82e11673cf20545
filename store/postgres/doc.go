// Package postgres implements the pipevine stores using pgx/v5 with raw
// SQL. Features: SKIP LOCKED claiming, lease-based leader election on the
// workers table, embedded SQL migrations.
package postgres
