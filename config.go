package fieldsync

import (
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/geofield/fieldsync/internal/identity"
	"github.com/geofield/fieldsync/internal/store"
)

// Config configures the fieldsync client.
type Config struct {
	// LocalPath is the path to the local SQLite database.
	// If empty, it is derived from Database.
	LocalPath string

	// Database is the database name, shared by the local data directory
	// and the remote server. If empty, resolved using explicit >
	// FIELDSYNC_DATABASE env > "geology-data".
	Database string

	// RemoteURL is the base URL of the CouchDB-compatible server.
	// If empty, the client works offline only.
	RemoteURL string

	// AdminUser and AdminPassword authenticate database and filter
	// provisioning.
	AdminUser     string
	AdminPassword string

	// IPLookupURL answers the public IP used for the fallback identity.
	IPLookupURL string

	// StudentIDMaxLength limits Student IDs, in characters.
	StudentIDMaxLength int

	// AutoSync provisions the remote and starts live replication on New.
	// Defaults to true.
	AutoSync bool

	// OfflineMode disables every remote operation even when RemoteURL is
	// set.
	OfflineMode bool

	// NetworkWatch polls the host's network interfaces and feeds the
	// result to the sync status.
	NetworkWatch bool

	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	RetryAfterPause time.Duration
	ProbeInterval   time.Duration
	ProbeTimeout    time.Duration
	PollInterval    time.Duration
	BatchSize       int

	// ProvisionRetries is how often database and filter provisioning is
	// retried before working offline.
	ProvisionRetries int

	// Debug enables verbose logging of remote communication and status
	// transitions.
	Debug bool

	// DebugLogPath is the path to write debug logs.
	// Defaults to stderr if empty.
	DebugLogPath string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Database:           store.DefaultDatabase,
		LocalPath:          store.DatabaseFilePath(store.DefaultDatabase),
		IPLookupURL:        identity.DefaultLookupURL,
		StudentIDMaxLength: identity.DefaultMaxLength,
		AutoSync:           true,
		NetworkWatch:       true,
		BaseBackoff:        time.Second,
		MaxBackoff:         10 * time.Second,
		RetryAfterPause:    2 * time.Second,
		ProbeInterval:      10 * time.Second,
		ProbeTimeout:       5 * time.Second,
		PollInterval:       5 * time.Second,
		BatchSize:          100,
		ProvisionRetries:   3,
	}
}

// ConfigFromEnv reads configuration from environment variables.
//
//	FIELDSYNC_DB_PATH        → LocalPath
//	FIELDSYNC_DATABASE       → Database
//	FIELDSYNC_REMOTE_URL     → RemoteURL
//	FIELDSYNC_ADMIN_USER     → AdminUser
//	FIELDSYNC_ADMIN_PASSWORD → AdminPassword
//	FIELDSYNC_IP_LOOKUP_URL  → IPLookupURL
//	FIELDSYNC_OFFLINE        → OfflineMode (any non-empty value enables)
//	FIELDSYNC_DEBUG          → Debug (any non-empty value enables)
//	FIELDSYNC_DEBUG_LOG      → DebugLogPath
//
// AutoSync and NetworkWatch are true unless FIELDSYNC_AUTO_SYNC or
// FIELDSYNC_NETWORK_WATCH parse as false.
func ConfigFromEnv() Config {
	return Config{
		LocalPath:     os.Getenv("FIELDSYNC_DB_PATH"),
		Database:      os.Getenv(store.DatabaseEnv),
		RemoteURL:     os.Getenv("FIELDSYNC_REMOTE_URL"),
		AdminUser:     os.Getenv("FIELDSYNC_ADMIN_USER"),
		AdminPassword: os.Getenv("FIELDSYNC_ADMIN_PASSWORD"),
		IPLookupURL:   os.Getenv("FIELDSYNC_IP_LOOKUP_URL"),
		AutoSync:      envBool("FIELDSYNC_AUTO_SYNC", true),
		OfflineMode:   os.Getenv("FIELDSYNC_OFFLINE") != "",
		NetworkWatch:  envBool("FIELDSYNC_NETWORK_WATCH", true),
		Debug:         os.Getenv("FIELDSYNC_DEBUG") != "",
		DebugLogPath:  os.Getenv("FIELDSYNC_DEBUG_LOG"),
	}
}

func envBool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

// Validate checks the configuration for errors.
// Returns *ValidationError for invalid fields.
func (c *Config) Validate() error {
	if c.LocalPath == "" {
		return &ValidationError{Field: "LocalPath", Message: "required: path to SQLite database"}
	}

	if c.Database != "" {
		if err := store.ValidateDatabaseName(c.Database); err != nil {
			return &ValidationError{Field: "Database", Message: err.Error()}
		}
	}

	if c.RemoteURL != "" {
		u, err := url.Parse(c.RemoteURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return &ValidationError{Field: "RemoteURL", Message: "must be an absolute http(s) URL"}
		}
	}

	if c.StudentIDMaxLength < 0 {
		return &ValidationError{Field: "StudentIDMaxLength", Message: "must be non-negative"}
	}

	if c.BaseBackoff <= 0 {
		return &ValidationError{Field: "BaseBackoff", Message: "must be positive"}
	}
	if c.MaxBackoff < c.BaseBackoff {
		return &ValidationError{Field: "MaxBackoff", Message: "must be at least BaseBackoff"}
	}

	for _, d := range []struct {
		field string
		value time.Duration
	}{
		{"RetryAfterPause", c.RetryAfterPause},
		{"ProbeInterval", c.ProbeInterval},
		{"ProbeTimeout", c.ProbeTimeout},
		{"PollInterval", c.PollInterval},
	} {
		if d.value <= 0 {
			return &ValidationError{Field: d.field, Message: "must be positive"}
		}
	}

	if c.BatchSize <= 0 {
		return &ValidationError{Field: "BatchSize", Message: "must be positive"}
	}
	if c.ProvisionRetries < 0 {
		return &ValidationError{Field: "ProvisionRetries", Message: "must be non-negative"}
	}

	return nil
}

// IsOffline returns true if the client never talks to a remote server.
func (c *Config) IsOffline() bool {
	return c.OfflineMode || c.RemoteURL == ""
}

// WithDefaults fills in default values for unset fields.
// Database resolution: explicit Database field > FIELDSYNC_DATABASE env > "geology-data".
// LocalPath is derived from the resolved Database if not explicitly set.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()

	if c.Database == "" {
		resolved, err := store.ResolveDatabase("")
		if err == nil {
			c.Database = resolved
		} else {
			c.Database = defaults.Database
		}
	}

	if c.LocalPath == "" {
		c.LocalPath = store.DatabaseFilePath(c.Database)
	}

	if c.IPLookupURL == "" {
		c.IPLookupURL = defaults.IPLookupURL
	}
	if c.StudentIDMaxLength == 0 {
		c.StudentIDMaxLength = defaults.StudentIDMaxLength
	}
	if c.BaseBackoff == 0 {
		c.BaseBackoff = defaults.BaseBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = defaults.MaxBackoff
	}
	if c.RetryAfterPause == 0 {
		c.RetryAfterPause = defaults.RetryAfterPause
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = defaults.ProbeInterval
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = defaults.ProbeTimeout
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.BatchSize == 0 {
		c.BatchSize = defaults.BatchSize
	}

	return c
}
