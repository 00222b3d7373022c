package cache

import (
	"embed"
	"io/fs"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// PostgresMigrations returns the versioned PostgreSQL schema files.
func PostgresMigrations() fs.FS {
	sub, err := fs.Sub(migrationsFS, "migrations/postgres")
	if err != nil {
		panic(err)
	}
	return sub
}

func sqliteMigrations() fs.FS {
	sub, err := fs.Sub(migrationsFS, "migrations/sqlite")
	if err != nil {
		panic(err)
	}
	return sub
}
