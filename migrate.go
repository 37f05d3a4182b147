package fieldsync

import (
	"context"

	"go.uber.org/zap"
)

// MigrateIdentity rewrites the author of every local record written as
// oldID to newID, then makes newID the Student ID, which restarts
// replication under the new identity.
//
// oldID must be the current Student ID and differ from newID; violations
// return a *MigrationError before anything is written. Records are
// rewritten one at a time. If a write fails the records already moved
// stay moved and the error reports how many; running the migration again
// completes the rest.
func (c *Client) MigrateIdentity(ctx context.Context, oldID, newID string) (int, error) {
	oldID = c.identity.Normalize(oldID)
	newID = c.identity.Normalize(newID)
	if oldID == "" || newID == "" {
		return 0, &MigrationError{Reason: ReasonEmptyID}
	}

	current, err := c.identity.CurrentStudentID()
	if err != nil {
		return 0, &MigrationError{Reason: ReasonStoreFailure, Err: err}
	}

	switch {
	case oldID != current:
		return 0, &MigrationError{Reason: ReasonNotCurrent}
	case oldID == newID:
		return 0, &MigrationError{Reason: ReasonSameID}
	}

	docs, err := c.store.AllDocs(true)
	if err != nil {
		return 0, &MigrationError{Reason: ReasonStoreFailure, Err: err}
	}

	updated := 0
	for _, doc := range docs {
		if doc.String("authorId") != oldID {
			continue
		}
		if err := ctx.Err(); err != nil {
			return updated, &MigrationError{Reason: ReasonStoreFailure, Updated: updated, Err: err}
		}

		doc.Fields["authorId"] = newID
		if _, err := c.store.Put(doc); err != nil {
			c.logger.Warn("identity migration interrupted",
				zap.String("id", doc.ID),
				zap.Int("updated", updated),
				zap.Error(err),
			)
			return updated, &MigrationError{Reason: ReasonStoreFailure, Updated: updated, Err: err}
		}
		updated++
	}

	if _, err := c.identity.SetStudentID(newID); err != nil {
		return updated, &MigrationError{Reason: ReasonStoreFailure, Updated: updated, Err: err}
	}

	c.logger.Info("identity migrated",
		zap.String("from", oldID),
		zap.String("to", newID),
		zap.Int("updated", updated),
	)
	return updated, nil
}

// AdoptIdentity makes newID the Student ID without touching existing
// records. Records written under the previous identity stay in the local
// store and are still pushed, but replication no longer pulls them.
func (c *Client) AdoptIdentity(ctx context.Context, newID string) error {
	newID = c.identity.Normalize(newID)
	if newID == "" {
		return &MigrationError{Reason: ReasonEmptyID}
	}
	if _, err := c.identity.SetStudentID(newID); err != nil {
		return &MigrationError{Reason: ReasonStoreFailure, Err: err}
	}
	return nil
}
