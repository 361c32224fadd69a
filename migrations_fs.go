package relay

import (
	"embed"
	"io/fs"
)

//go:embed data/sql/migrations/*.sql data/sql/migrations/sqlite/*.sql
var migrationsFS embed.FS

// GetMigrationsFS returns the embedded schema for the bus, dispatcher and
// orchestrator tables. Postgres files sit at data/sql/migrations and the
// sqlite variants under its sqlite subdirectory.
func GetMigrationsFS() fs.FS {
	return migrationsFS
}
