package store

import (
	"fmt"
	"os"
)

// DatabaseEnv names the environment variable consulted by ResolveDatabase.
const DatabaseEnv = "FIELDSYNC_DATABASE"

// ResolveDatabase determines the database name.
// Priority: explicit > FIELDSYNC_DATABASE env > DefaultDatabase.
func ResolveDatabase(explicit string) (string, error) {
	if explicit != "" {
		if err := ValidateDatabaseName(explicit); err != nil {
			return "", fmt.Errorf("invalid database %q: %w", explicit, err)
		}
		return explicit, nil
	}

	if env := os.Getenv(DatabaseEnv); env != "" {
		if err := ValidateDatabaseName(env); err != nil {
			return "", fmt.Errorf("invalid %s %q: %w", DatabaseEnv, env, err)
		}
		return env, nil
	}

	return DefaultDatabase, nil
}
