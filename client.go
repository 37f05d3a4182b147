package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/geofield/fieldsync/internal/couch"
	"github.com/geofield/fieldsync/internal/identity"
	"github.com/geofield/fieldsync/internal/netwatch"
	"github.com/geofield/fieldsync/internal/replication"
	"github.com/geofield/fieldsync/internal/status"
)

// SyncStatus is the replication status reported to observers.
type SyncStatus = status.Status

const (
	StatusSyncing = status.Syncing
	StatusSynced  = status.Synced
	StatusPaused  = status.Paused
	StatusError   = status.Error
	StatusOffline = status.Offline
)

// IdentitySource names where the active author ID comes from.
type IdentitySource = identity.Source

const (
	SourceStudent = identity.SourceStudent
	SourceIP      = identity.SourceIP
	SourceDevice  = identity.SourceDevice
)

// Client is the main interface for recording field data and keeping it
// replicated.
type Client struct {
	store       *Store
	config      Config
	logger      *zap.Logger
	identity    *identity.Resolver
	broadcaster *status.Broadcaster
	remote      *couch.Client
	controller  *replication.Controller
	monitor     *netwatch.Monitor

	// syncMu serializes session starts so the last one always uses the
	// latest identity.
	syncMu      sync.Mutex
	syncWanted  bool
	provisioned atomic.Bool

	cancelBootstrap context.CancelFunc
	bootstrapDone   chan struct{}
	closeOnce       sync.Once
	closeErr        error
}

// New creates a new client. With a RemoteURL and AutoSync it provisions
// the remote database and starts live replication in the background;
// failures there never prevent the client from being used locally.
func New(cfg Config) (*Client, error) {
	cfg = cfg.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewDebugLogger(cfg.Debug, cfg.DebugLogPath)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}

	st, err := NewStore(cfg.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}

	c := &Client{
		store:         st,
		config:        cfg,
		logger:        logger,
		bootstrapDone: make(chan struct{}),
	}

	initial := status.Offline
	if !cfg.IsOffline() {
		initial = status.Syncing
	}
	c.broadcaster = status.NewBroadcaster(initial)

	idOpts := []identity.Opt{
		identity.WithLogger(logger.Named("identity")),
		identity.WithMaxLength(cfg.StudentIDMaxLength),
		identity.WithOnChange(c.identityChanged),
	}
	if !cfg.IsOffline() {
		idOpts = append(idOpts, identity.WithLookup(identity.NewHTTPLookup(cfg.IPLookupURL, cfg.ProbeTimeout)))
	}
	c.identity = identity.NewResolver(st, idOpts...)

	if !cfg.IsOffline() {
		c.remote, err = couch.NewClient(cfg.RemoteURL, cfg.Database,
			couch.WithLogger(logger.Named("couch")),
			couch.WithAdminCredentials(cfg.AdminUser, cfg.AdminPassword),
			couch.WithProvisionRetries(cfg.ProvisionRetries, 500*time.Millisecond),
		)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("client: %w", err)
		}

		c.controller = replication.NewController(st, c.remote,
			replication.WithLogger(logger.Named("replication")),
			replication.WithBroadcaster(c.broadcaster),
			replication.WithProber(replication.ProberFunc(c.probeRemote)),
			replication.WithOptions(replication.Options{
				RetryAfterPause: cfg.RetryAfterPause,
				ProbeInterval:   cfg.ProbeInterval,
				ProbeTimeout:    cfg.ProbeTimeout,
				BaseBackoff:     cfg.BaseBackoff,
				MaxBackoff:      cfg.MaxBackoff,
				BatchSize:       cfg.BatchSize,
				PollInterval:    cfg.PollInterval,
				LongpollTimeout: replication.DefaultOptions().LongpollTimeout,
			}),
		)

		if cfg.NetworkWatch {
			c.monitor = netwatch.New(func(online bool) {
				_ = c.controller.SetNetworkOnline(online)
			}, netwatch.WithLogger(logger.Named("netwatch")))
			c.monitor.Start()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancelBootstrap = cancel
	if c.controller != nil && cfg.AutoSync {
		go c.bootstrap(ctx)
	} else {
		close(c.bootstrapDone)
	}

	return c, nil
}

// bootstrap provisions the remote, resolves the IP fallback identity and
// starts replication.
func (c *Client) bootstrap(ctx context.Context) {
	defer close(c.bootstrapDone)

	if err := c.provision(ctx); err != nil {
		c.logger.Warn("remote provisioning failed, working offline", zap.Error(err))
	}
	if c.identity.StudentID() == "" {
		c.identity.ResolveIPFallback(ctx)
	}
	if ctx.Err() != nil {
		return
	}

	if err := c.startSync(); err != nil {
		c.logger.Debug("start sync", zap.Error(err))
	}
}

func (c *Client) startSync() error {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()
	c.syncWanted = true
	return c.controller.StartSync(c.identity.AuthorID())
}

// provision creates the remote database and author filter once.
// Failures other than the server being unreachable are logged and not
// retried.
func (c *Client) provision(ctx context.Context) error {
	if c.provisioned.Load() {
		return nil
	}
	created, err := c.remote.EnsureDatabase(ctx)
	if err == nil {
		if created {
			c.logger.Info("created remote database", zap.String("database", c.config.Database))
		}
		err = c.remote.EnsureFilter(ctx)
	}
	if err != nil && couch.IsConnectivity(err) {
		return err
	}
	c.provisioned.Store(true)
	return err
}

// probeRemote checks reachability, finishing provisioning first if it
// never completed.
func (c *Client) probeRemote(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.ProbeTimeout)
	defer cancel()

	if err := c.provision(ctx); err != nil {
		if couch.IsConnectivity(err) {
			return err
		}
		c.logger.Warn("remote provisioning failed", zap.Error(err))
	}
	_, err := c.remote.Info(ctx)
	return err
}

func (c *Client) identityChanged(authorID string) {
	if c.controller == nil {
		return
	}
	c.syncMu.Lock()
	defer c.syncMu.Unlock()
	if !c.syncWanted {
		return
	}
	if err := c.controller.StartSync(c.identity.AuthorID()); err != nil {
		c.logger.Debug("restart sync after identity change", zap.String("author_id", authorID), zap.Error(err))
	}
}

func newRecordID(t RecordType) string {
	return string(t) + "_" + ulid.Make().String()
}

// RecordGrain stores a grain-size observation authored by the current
// identity. Only local write failures are returned.
func (c *Client) RecordGrain(ctx context.Context, params GrainParams) (*Record, error) {
	if !params.GrainSize.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidGrainSize, params.GrainSize)
	}

	loc := params.Location
	if loc.Latitude == nil || loc.Longitude == nil {
		if loc.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingGPS, loc.Error)
		}
		return nil, ErrMissingGPS
	}
	lat, lon := *loc.Latitude, *loc.Longitude
	if !finite(lat) || !finite(lon) || math.Abs(lat) > 90 || math.Abs(lon) > 180 {
		return nil, fmt.Errorf("%w: %v, %v", ErrInvalidCoordinates, lat, lon)
	}

	grain := &GrainData{
		GrainSize: params.GrainSize,
		Notes:     params.Notes,
		GPS:       GPS{Latitude: lat, Longitude: lon, Text: FormatGPS(lat, lon)},
		Timestamp: params.Timestamp,
	}
	if params.SizeMeasurement != nil {
		v := *params.SizeMeasurement
		if !finite(v) || v < 0 {
			return nil, fmt.Errorf("%w: sizeMeasurement %v", ErrInvalidMeasurement, v)
		}
		v = roundTo(v, 2)
		grain.SizeMeasurement = &v
	}
	if params.Quantity != nil {
		v := *params.Quantity
		if !finite(v) || v < 0 {
			return nil, fmt.Errorf("%w: quantity %v", ErrInvalidMeasurement, v)
		}
		v = math.Round(v)
		grain.Quantity = &v
	}

	now := time.Now().UTC()
	if grain.Timestamp.IsZero() {
		grain.Timestamp = now
	}

	return c.create(&Record{
		ID:        newRecordID(RecordGrain),
		Type:      RecordGrain,
		AuthorID:  c.identity.AuthorID(),
		CreatedAt: now,
		Grain:     grain,
	})
}

// RecordFlow stores a flow measurement authored by the current identity.
func (c *Client) RecordFlow(ctx context.Context, params FlowParams) (*Record, error) {
	for _, m := range []struct {
		name  string
		value float64
	}{
		{"depth", params.Depth},
		{"velocity", params.Velocity},
		{"distanceFromBank", params.DistanceFromBank},
	} {
		if !finite(m.value) || m.value < 0 {
			return nil, fmt.Errorf("%w: %s %v", ErrInvalidMeasurement, m.name, m.value)
		}
	}

	return c.create(&Record{
		ID:        newRecordID(RecordFlow),
		Type:      RecordFlow,
		AuthorID:  c.identity.AuthorID(),
		CreatedAt: time.Now().UTC(),
		Flow: &FlowData{
			Depth:            params.Depth,
			Velocity:         params.Velocity,
			DistanceFromBank: params.DistanceFromBank,
		},
	})
}

func (c *Client) create(r *Record) (*Record, error) {
	doc, err := r.toDocument()
	if err != nil {
		return nil, err
	}
	rev, err := c.store.Put(doc)
	if err != nil {
		return nil, err
	}
	r.Rev = rev
	c.logger.Debug("record created",
		zap.String("id", r.ID),
		zap.String("type", string(r.Type)),
		zap.String("author_id", r.AuthorID),
	)
	return r, nil
}

// Get returns a local record by id.
func (c *Client) Get(id string) (*Record, error) {
	doc, err := c.store.Get(id)
	if err != nil {
		return nil, err
	}
	return recordFromDocument(*doc)
}

// Records returns local records authored by authorID, newest first. An
// empty authorID returns every record.
func (c *Client) Records(ctx context.Context, authorID string) ([]Record, error) {
	docs, err := c.store.AllDocs(true)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(docs))
	for _, doc := range docs {
		if authorID != "" && doc.String("authorId") != authorID {
			continue
		}
		r, err := recordFromDocument(doc)
		if err != nil {
			// Design documents and foreign document types are not records.
			continue
		}
		records = append(records, *r)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// MyRecords returns the records authored by the current identity,
// newest first.
func (c *Client) MyRecords(ctx context.Context) ([]Record, error) {
	return c.Records(ctx, c.identity.AuthorID())
}

// FetchRemote reads a record directly from the remote server, bypassing
// replication and its author filter.
func (c *Client) FetchRemote(ctx context.Context, id string) (*Record, error) {
	if c.remote == nil {
		return nil, ErrOffline
	}
	doc, err := c.remote.Get(ctx, id)
	if err != nil {
		if couch.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, syncError("get", err)
	}
	return recordFromDocument(*doc)
}

// Stats returns store statistics.
func (c *Client) Stats() (*StoreStats, error) {
	return c.store.Stats()
}

// AuthorID returns the identity stamped on new records. It is never
// empty.
func (c *Client) AuthorID() string {
	return c.identity.AuthorID()
}

// StudentID returns the Student ID, or "" when unset.
func (c *Client) StudentID() string {
	return c.identity.StudentID()
}

// SetStudentID stores a Student ID, or clears it when id is blank, and
// restarts replication for the resulting identity. Existing records keep
// their author; see MigrateIdentity.
func (c *Client) SetStudentID(id string) (string, error) {
	return c.identity.SetStudentID(id)
}

// IdentitySource reports where AuthorID comes from.
func (c *Client) IdentitySource() IdentitySource {
	return c.identity.Source()
}

// SkipStudentIDPrompt reports whether the user opted out of being asked
// for a Student ID.
func (c *Client) SkipStudentIDPrompt() bool {
	return c.identity.SkipPrompt()
}

// SetSkipStudentIDPrompt stores the opt-out.
func (c *Client) SetSkipStudentIDPrompt(skip bool) error {
	return c.identity.SetSkipPrompt(skip)
}

// Status returns the current sync status.
func (c *Client) Status() SyncStatus {
	if c.controller != nil {
		return c.controller.Status()
	}
	return c.broadcaster.Current()
}

// OnStatusChange registers fn for status changes and returns a function
// removing exactly this registration.
func (c *Client) OnStatusChange(fn func(SyncStatus)) func() {
	return c.broadcaster.Subscribe(fn)
}

// SetNetworkOnline reports the host's network interface state, for hosts
// that have their own connectivity signal.
func (c *Client) SetNetworkOnline(online bool) error {
	if c.controller == nil {
		return ErrOffline
	}
	return c.controller.SetNetworkOnline(online)
}

// RestartSync replaces the replication session with a fresh one for the
// current identity, starting replication if it was not running.
func (c *Client) RestartSync() error {
	if c.controller == nil {
		return ErrOffline
	}
	return c.startSync()
}

// Probe checks that the remote database is reachable.
func (c *Client) Probe(ctx context.Context) error {
	if c.remote == nil {
		return ErrOffline
	}
	ctx, cancel := context.WithTimeout(ctx, c.config.ProbeTimeout)
	defer cancel()
	if _, err := c.remote.Info(ctx); err != nil {
		return syncError("info", err)
	}
	return nil
}

func syncError(op string, err error) error {
	var ce *couch.Error
	if errors.As(err, &ce) {
		return &SyncError{Operation: op, StatusCode: ce.StatusCode, Err: err}
	}
	return &SyncError{Operation: op, Err: err}
}

// Close stops replication and closes the store. It is safe to call more
// than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancelBootstrap()
		<-c.bootstrapDone

		if c.monitor != nil {
			c.monitor.Stop()
		}
		if c.controller != nil {
			_ = c.controller.Close()
		}
		c.closeErr = c.store.Close()
		_ = c.logger.Sync()
	})
	return c.closeErr
}
