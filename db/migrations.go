// Package db carries the SQL migrations so binaries do not depend on the
// working directory.
package db

import (
	"embed"
	"io/fs"
	"os"
)

//go:embed migrations/*.sql
var embedded embed.FS

// Migrations returns the migration files from dir, or the embedded copy
// when dir is empty.
func Migrations(dir string) (fs.FS, error) {
	if dir != "" {
		return os.DirFS(dir), nil
	}
	return fs.Sub(embedded, "migrations")
}
