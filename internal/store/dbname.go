// Package store resolves where local field data lives and which remote
// database it replicates with.
package store

import (
	"errors"
	"regexp"
)

// DefaultDatabase is the database name used when none is configured.
const DefaultDatabase = "geology-data"

// ErrInvalidDatabaseName indicates a name the remote server would reject.
var ErrInvalidDatabaseName = errors.New("invalid database name: must start with a lowercase letter and contain only a-z, 0-9, _, $, (, ), +, -, /")

// Remote database names: a lowercase letter followed by lowercase letters,
// digits and _$()+-/ characters.
var dbNameRegex = regexp.MustCompile(`^[a-z][a-z0-9_$()+/-]*$`)

const maxDatabaseNameLength = 238

// ValidateDatabaseName checks name against the remote server's naming rules.
func ValidateDatabaseName(name string) error {
	if name == "" || len(name) > maxDatabaseNameLength {
		return ErrInvalidDatabaseName
	}
	if !dbNameRegex.MatchString(name) {
		return ErrInvalidDatabaseName
	}
	return nil
}
