package store

import (
	"os"
	"path/filepath"
	"strings"
)

// DefaultDataRoot returns the directory holding local databases.
// Defaults to ~/.fieldsync/data, falls back to ./.fieldsync/data if the
// home directory is unavailable.
func DefaultDataRoot() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		cwd, _ := os.Getwd()
		return filepath.Join(cwd, ".fieldsync", "data")
	}
	return filepath.Join(home, ".fieldsync", "data")
}

// EncodeDatabasePath encodes a database name for filesystem use.
// Replaces "/" with "__".
func EncodeDatabasePath(name string) string {
	return strings.ReplaceAll(name, "/", "__")
}

// DatabaseFilePath returns the SQLite file for a database name.
// Example: DatabaseFilePath("geology-data") -> ~/.fieldsync/data/geology-data/field.db
func DatabaseFilePath(name string) string {
	return filepath.Join(DefaultDataRoot(), EncodeDatabasePath(name), "field.db")
}
