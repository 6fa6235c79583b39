// Package migrations embeds SQL migration files for use at runtime.
// Migrations are embedded so they work regardless of working directory.
package migrations

import (
	"embed"
	"io/fs"
)

// FS is the embedded migrations filesystem. Top-level .sql files are the
// PostgreSQL migrations; sqlite/ holds the SQLite equivalents.
//
//go:embed *.sql sqlite/*.sql
var FS embed.FS

// SQLite returns the SQLite migration files.
func SQLite() fs.FS {
	sub, err := fs.Sub(FS, "sqlite")
	if err != nil {
		panic(err) // directory is embedded at build time
	}
	return sub
}
