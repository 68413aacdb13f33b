// Package migrations embeds SQL migration files for use at runtime.
// Migrations are embedded so they work regardless of working directory.
package migrations

import "embed"

// FS is the embedded Postgres migrations filesystem (e.g. 001_maintenance_runs.sql).
// The SQLite schema lives in internal/storage/sqlite.
//
//go:embed *.sql
var FS embed.FS
