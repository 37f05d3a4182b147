// Package status defines the replication status values and a fan-out
// broadcaster that delivers them to observers.
package status

// Status is the externally visible sync state.
type Status string

const (
	Syncing Status = "syncing"
	Synced  Status = "synced"
	Paused  Status = "paused"
	Error   Status = "error"
	Offline Status = "offline"
)

// IsValid reports whether s is one of the known statuses.
func (s Status) IsValid() bool {
	switch s {
	case Syncing, Synced, Paused, Error, Offline:
		return true
	}
	return false
}

// Description returns a short human-readable label.
func (s Status) Description() string {
	switch s {
	case Syncing:
		return "Syncing to server..."
	case Synced:
		return "Synced with server"
	case Paused:
		return "Sync paused"
	case Error:
		return "Sync error"
	case Offline:
		return "Offline - Data saved locally"
	}
	return "Connecting..."
}

func (s Status) String() string { return string(s) }
