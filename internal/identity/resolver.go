// Package identity resolves the author identity stamped on records and
// used to scope pull replication.
//
// The active identity is, in priority order, the Student ID entered by
// the user, an ID derived from the host's public IP address, or a random
// device ID created on first use.
package identity

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Settings keys.
const (
	KeyStudentID  = "student_id"
	KeyIPFallback = "ip_fallback_id"
	KeyDeviceID   = "device_id"
	KeySkipPrompt = "skip_student_prompt"
)

// DefaultMaxLength is the Student ID length limit, in characters.
const DefaultMaxLength = 50

// Source names where the active identity comes from.
type Source string

const (
	SourceStudent Source = "student"
	SourceIP      Source = "ip"
	SourceDevice  Source = "device"
)

// Settings is device-local key/value storage. A missing key reports
// ok=false.
type Settings interface {
	GetSetting(key string) (value string, ok bool, err error)
	SetSetting(key, value string) error
	DeleteSetting(key string) error
}

// Opt configures a Resolver.
type Opt func(*Resolver)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(r *Resolver) { r.logger = logger }
}

// WithLookup sets the IP lookup used by ResolveIPFallback.
func WithLookup(l IPLookup) Opt {
	return func(r *Resolver) { r.lookup = l }
}

// WithMaxLength sets the Student ID length limit.
func WithMaxLength(n int) Opt {
	return func(r *Resolver) { r.maxLen = n }
}

// WithClock sets the clock used to timestamp device IDs.
func WithClock(clock clockwork.Clock) Opt {
	return func(r *Resolver) { r.clock = clock }
}

// WithOnChange registers fn to run after the active identity changes,
// with the new author ID.
func WithOnChange(fn func(authorID string)) Opt {
	return func(r *Resolver) { r.onChange = fn }
}

// Resolver answers which author ID is active.
type Resolver struct {
	settings Settings
	lookup   IPLookup
	maxLen   int
	clock    clockwork.Clock
	logger   *zap.Logger
	onChange func(string)

	mu          sync.Mutex
	device      string
	ipAttempted bool
}

// NewResolver returns a resolver over settings.
func NewResolver(settings Settings, opts ...Opt) *Resolver {
	r := &Resolver{
		settings: settings,
		maxLen:   DefaultMaxLength,
		clock:    clockwork.NewRealClock(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Normalize trims id and truncates it to max characters. A max of zero
// or less disables truncation.
func Normalize(id string, max int) string {
	id = strings.TrimSpace(id)
	if max > 0 && utf8.RuneCountInString(id) > max {
		id = strings.TrimSpace(string([]rune(id)[:max]))
	}
	return id
}

// Normalize applies the resolver's length limit to id.
func (r *Resolver) Normalize(id string) string {
	return Normalize(id, r.maxLen)
}

func (r *Resolver) read(key string) (string, error) {
	v, ok, err := r.settings.GetSetting(key)
	if err != nil {
		return "", fmt.Errorf("identity: read %s: %w", key, err)
	}
	if !ok {
		return "", nil
	}
	return v, nil
}

// get is read for callers that fall through to the next identity source
// on failure.
func (r *Resolver) get(key string) string {
	v, err := r.read(key)
	if err != nil {
		r.logger.Warn("read identity setting", zap.String("key", key), zap.Error(err))
		return ""
	}
	return v
}

// AuthorID returns the active identity. It never returns an empty string.
func (r *Resolver) AuthorID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, _ := r.resolveLocked()
	return id
}

// Source reports which identity AuthorID currently returns.
func (r *Resolver) Source() Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, src := r.resolveLocked()
	return src
}

func (r *Resolver) resolveLocked() (string, Source) {
	if id := r.get(KeyStudentID); id != "" {
		return id, SourceStudent
	}
	if id := r.get(KeyIPFallback); id != "" {
		return id, SourceIP
	}
	return r.deviceLocked(), SourceDevice
}

// DeviceID returns the device ID, creating it if needed.
func (r *Resolver) DeviceID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deviceLocked()
}

func (r *Resolver) deviceLocked() string {
	if r.device != "" {
		return r.device
	}
	if id := r.get(KeyDeviceID); id != "" {
		r.device = id
		return id
	}

	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	id := "d_" + random + "_" + strconv.FormatInt(r.clock.Now().UnixMilli(), 10)
	if err := r.settings.SetSetting(KeyDeviceID, id); err != nil {
		// Keep the ID for this process so the identity stays stable.
		r.logger.Warn("persist device id", zap.Error(err))
	}
	r.device = id
	r.logger.Info("created device id", zap.String("device_id", id))
	return id
}

// StudentID returns the stored Student ID, or "" when unset or
// unreadable.
func (r *Resolver) StudentID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(KeyStudentID)
}

// CurrentStudentID is StudentID for callers that must tell an unset
// Student ID apart from a failed read.
func (r *Resolver) CurrentStudentID() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.read(KeyStudentID)
}

// IPFallbackID returns the stored IP fallback ID, or "" when unset.
func (r *Resolver) IPFallbackID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(KeyIPFallback)
}

// SetStudentID stores the normalized id, or clears the Student ID when
// id is blank, and returns the stored value. Existing records keep their
// author.
func (r *Resolver) SetStudentID(id string) (string, error) {
	id = r.Normalize(id)

	r.mu.Lock()
	var err error
	if id == "" {
		err = r.settings.DeleteSetting(KeyStudentID)
	} else {
		err = r.settings.SetSetting(KeyStudentID, id)
	}
	if err != nil {
		r.mu.Unlock()
		return "", fmt.Errorf("identity: set student id: %w", err)
	}
	author, src := r.resolveLocked()
	r.mu.Unlock()

	r.logger.Info("student id updated",
		zap.String("author_id", author),
		zap.String("source", string(src)),
	)
	r.changed(author)
	return id, nil
}

// ResolveIPFallback looks up the public IP and stores the derived
// fallback ID. It runs at most once per resolver and does nothing when a
// Student ID or fallback ID is already stored. Failures are logged and
// leave the fallback unset.
func (r *Resolver) ResolveIPFallback(ctx context.Context) string {
	r.mu.Lock()
	if r.ipAttempted || r.lookup == nil {
		r.mu.Unlock()
		return ""
	}
	r.ipAttempted = true
	if r.get(KeyStudentID) != "" {
		r.mu.Unlock()
		return ""
	}
	if existing := r.get(KeyIPFallback); existing != "" {
		r.mu.Unlock()
		return existing
	}
	r.mu.Unlock()

	ip, err := r.lookup.LookupIP(ctx)
	if err != nil {
		r.logger.Info("ip fallback unavailable", zap.Error(err))
		return ""
	}
	id := FallbackID(ip)

	r.mu.Lock()
	if err := r.settings.SetSetting(KeyIPFallback, id); err != nil {
		r.mu.Unlock()
		r.logger.Warn("persist ip fallback id", zap.Error(err))
		return ""
	}
	author, _ := r.resolveLocked()
	r.mu.Unlock()

	r.logger.Info("ip fallback resolved", zap.String("ip_fallback_id", id))
	r.changed(author)
	return id
}

// SkipPrompt reports whether the user chose not to be asked for a
// Student ID.
func (r *Resolver) SkipPrompt() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, _ := strconv.ParseBool(r.get(KeySkipPrompt))
	return v
}

// SetSkipPrompt stores the skip-prompt flag.
func (r *Resolver) SetSkipPrompt(skip bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	if skip {
		err = r.settings.SetSetting(KeySkipPrompt, "true")
	} else {
		err = r.settings.DeleteSetting(KeySkipPrompt)
	}
	if err != nil {
		return fmt.Errorf("identity: set skip prompt: %w", err)
	}
	return nil
}

func (r *Resolver) changed(authorID string) {
	if r.onChange != nil {
		r.onChange(authorID)
	}
}
