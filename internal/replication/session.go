package replication

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/geofield/fieldsync/internal/couch"
)

// Metadata keys used for replication bookkeeping in the local store.
const (
	PushCheckpointKey = "replication:push:seq"
	LastPushKey       = "replication:push:last"
	LastPullKey       = "replication:pull:last"
)

// PullCheckpointKey is the metadata key holding the pull position for one
// author. Each identity pulls from its own checkpoint.
func PullCheckpointKey(authorID string) string {
	return "replication:pull:since:" + authorID
}

// LocalStore is the local side of replication.
type LocalStore interface {
	// LocalChanges returns locally originated writes after since, in
	// sequence order, and the sequence of the last one returned.
	LocalChanges(since int64, limit int) ([]couch.Document, int64, error)
	// PutReplicated stores a remote revision if it wins.
	PutReplicated(doc couch.Document) (bool, error)
	GetMetadata(key string) (string, error)
	SetMetadata(key, value string) error
	// Notify signals that local writes are waiting.
	Notify() <-chan struct{}
}

// Remote is the remote side of replication.
type Remote interface {
	Info(ctx context.Context) (*couch.DBInfo, error)
	BulkDocs(ctx context.Context, docs []couch.Document) error
	Changes(ctx context.Context, req couch.ChangesRequest) (*couch.ChangesResponse, error)
}

// Direction is a replication direction.
type Direction string

const (
	Push Direction = "push"
	Pull Direction = "pull"
)

// EventKind classifies session events.
type EventKind int

const (
	EventActive EventKind = iota
	EventChange
	EventIdle
	EventPaused
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventActive:
		return "active"
	case EventChange:
		return "change"
	case EventIdle:
		return "idle"
	case EventPaused:
		return "paused"
	case EventFailed:
		return "failed"
	}
	return "unknown"
}

// StatusLocalFailure is the StatusCode of a failure that happened on the
// local side, where no HTTP status exists but the remote is not to blame.
const StatusLocalFailure = -1

// Event is emitted by a session. Session identifies the emitting session
// so that trailing events of a replaced session can be told apart.
type Event struct {
	Session    uint64
	Kind       EventKind
	Direction  Direction
	Docs       int
	StatusCode int
	Err        error
}

// Lifecycle is the state of a session.
type Lifecycle string

const (
	LifecycleActive    Lifecycle = "active"
	LifecyclePaused    Lifecycle = "paused"
	LifecycleError     Lifecycle = "error"
	LifecycleCancelled Lifecycle = "cancelled"
)

// SessionConfig configures one live session.
type SessionConfig struct {
	AuthorID        string
	BatchSize       int
	PollInterval    time.Duration
	LongpollTimeout time.Duration
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
}

// Session is one live bidirectional replication. Push sends every local
// write; pull only receives documents whose authorId equals AuthorID.
type Session struct {
	id       uint64
	cfg      SessionConfig
	local    LocalStore
	remote   Remote
	backoffs map[Direction]*Backoff
	clock    clockwork.Clock
	logger   *zap.Logger
	emit     func(Event)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	state        Lifecycle
	idle         map[Direction]bool
	paused       map[Direction]bool
	idleReported bool
}

func newSession(id uint64, cfg SessionConfig, local LocalStore, remote Remote,
	clock clockwork.Clock, logger *zap.Logger, emit func(Event)) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:     id,
		cfg:    cfg,
		local:  local,
		remote: remote,
		backoffs: map[Direction]*Backoff{
			Push: NewBackoff(cfg.BaseBackoff, cfg.MaxBackoff),
			Pull: NewBackoff(cfg.BaseBackoff, cfg.MaxBackoff),
		},
		clock:  clock,
		logger: logger.With(zap.Uint64("session", id), zap.String("author_id", cfg.AuthorID)),
		emit:   emit,
		ctx:    ctx,
		cancel: cancel,
		state:  LifecycleActive,
		idle:   map[Direction]bool{},
		paused: map[Direction]bool{},
	}
}

// ID returns the session number.
func (s *Session) ID() uint64 { return s.id }

// AuthorID returns the pull filter parameter bound at start.
func (s *Session) AuthorID() string { return s.cfg.AuthorID }

// State returns the current lifecycle state.
func (s *Session) State() Lifecycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) start(onExit func()) {
	s.wg.Add(2)
	go func() {
		s.send(Event{Kind: EventActive})
		go s.loop(Push, s.pushOnce, s.waitLocal)
		go s.loop(Pull, s.pullOnce, func(context.Context) bool { return true })
	}()

	go func() {
		s.wg.Wait()
		if onExit != nil {
			onExit()
		}
	}()
}

// Cancel stops the session. In-flight requests are aborted and no further
// events are emitted. It does not wait for the loops to exit.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.state != LifecycleError {
		s.state = LifecycleCancelled
	}
	s.mu.Unlock()
	s.cancel()
}

// Wait blocks until both replication loops have exited.
func (s *Session) Wait() { s.wg.Wait() }

func (s *Session) send(ev Event) {
	if s.ctx.Err() != nil {
		return
	}
	ev.Session = s.id
	s.emit(ev)
}

type cycleFunc func(ctx context.Context, caughtUp bool) (docs int, done bool, err error)

func (s *Session) loop(dir Direction, cycle cycleFunc, wait func(context.Context) bool) {
	defer s.wg.Done()

	caughtUp := false
	for {
		n, done, err := cycle(s.ctx, caughtUp)
		if s.ctx.Err() != nil {
			return
		}
		if err != nil {
			caughtUp = false
			if !s.failed(dir, err) {
				return
			}
			continue
		}
		caughtUp = done
		s.progressed(dir, n, done)
		if done && !wait(s.ctx) {
			return
		}
	}
}

func (s *Session) progressed(dir Direction, n int, done bool) {
	s.backoffs[dir].Reset()

	s.mu.Lock()
	wasPaused := s.paused[dir]
	s.paused[dir] = false
	stillPaused := s.paused[Push] || s.paused[Pull]
	resumed := wasPaused && !stillPaused
	if !stillPaused && s.state == LifecyclePaused {
		s.state = LifecycleActive
	}
	s.idle[dir] = done
	allIdle := s.idle[Push] && s.idle[Pull]
	reportIdle := allIdle && !s.idleReported
	if reportIdle {
		s.idleReported = true
	}
	if !allIdle {
		s.idleReported = false
	}
	s.mu.Unlock()

	if resumed {
		s.send(Event{Kind: EventActive})
	}
	if n > 0 {
		s.logger.Debug("replicated batch", zap.String("direction", string(dir)), zap.Int("docs", n))
		s.send(Event{Kind: EventChange, Direction: dir, Docs: n})
	}
	if reportIdle {
		s.send(Event{Kind: EventIdle})
	}
}

// failed handles a cycle error and reports whether the loop should retry.
// Connectivity failures pause and back off; anything else ends the session.
func (s *Session) failed(dir Direction, err error) bool {
	code := StatusLocalFailure
	var ce *couch.Error
	if errors.As(err, &ce) {
		code = ce.StatusCode
	}

	if IsConnectivityStatus(code) {
		s.mu.Lock()
		first := !s.paused[Push] && !s.paused[Pull]
		s.paused[dir] = true
		s.state = LifecyclePaused
		s.idle[dir] = false
		s.idleReported = false
		s.mu.Unlock()

		delay := s.backoffs[dir].Next()
		s.logger.Debug("replication paused",
			zap.String("direction", string(dir)),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
		if first {
			s.send(Event{Kind: EventPaused, Direction: dir, StatusCode: code, Err: err})
		}
		select {
		case <-s.ctx.Done():
			return false
		case <-s.clock.After(delay):
			return true
		}
	}

	s.mu.Lock()
	s.state = LifecycleError
	s.mu.Unlock()
	s.logger.Warn("replication failed",
		zap.String("direction", string(dir)),
		zap.Int("status", code),
		zap.Error(err),
	)
	s.send(Event{Kind: EventFailed, Direction: dir, StatusCode: code, Err: err})
	s.cancel()
	return false
}

func (s *Session) waitLocal(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-s.local.Notify():
		return true
	case <-s.clock.After(s.cfg.PollInterval):
		return true
	}
}

func (s *Session) pushOnce(ctx context.Context, _ bool) (int, bool, error) {
	raw, err := s.local.GetMetadata(PushCheckpointKey)
	if err != nil {
		return 0, false, err
	}
	since, _ := strconv.ParseInt(raw, 10, 64)

	docs, last, err := s.local.LocalChanges(since, s.cfg.BatchSize)
	if err != nil {
		return 0, false, err
	}
	if len(docs) == 0 {
		return 0, true, nil
	}

	if err := s.remote.BulkDocs(ctx, docs); err != nil {
		return 0, false, err
	}
	if err := s.local.SetMetadata(PushCheckpointKey, strconv.FormatInt(last, 10)); err != nil {
		return 0, false, err
	}
	s.recordTime(LastPushKey)
	return len(docs), len(docs) < s.cfg.BatchSize, nil
}

func (s *Session) pullOnce(ctx context.Context, caughtUp bool) (int, bool, error) {
	key := PullCheckpointKey(s.cfg.AuthorID)
	since, err := s.local.GetMetadata(key)
	if err != nil {
		return 0, false, err
	}

	resp, err := s.remote.Changes(ctx, couch.ChangesRequest{
		Since:       since,
		Filter:      couch.AuthorFilter,
		Params:      map[string]string{"authorId": s.cfg.AuthorID},
		IncludeDocs: true,
		Longpoll:    caughtUp,
		Timeout:     s.cfg.LongpollTimeout,
		Limit:       s.cfg.BatchSize,
	})
	if err != nil {
		return 0, false, err
	}

	written := 0
	for _, ch := range resp.Results {
		if ch.Doc == nil {
			continue
		}
		ok, err := s.local.PutReplicated(*ch.Doc)
		if err != nil {
			return written, false, err
		}
		if ok {
			written++
		}
	}

	if resp.LastSeq != "" && resp.LastSeq != since {
		if err := s.local.SetMetadata(key, resp.LastSeq); err != nil {
			return written, false, err
		}
	}
	if written > 0 {
		s.recordTime(LastPullKey)
	}
	return written, resp.Pending == 0, nil
}

// recordTime stamps key with the current time. The stamp is informational;
// failing to store it does not stop replication.
func (s *Session) recordTime(key string) {
	if err := s.local.SetMetadata(key, s.clock.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		s.logger.Debug("record replication time", zap.String("key", key), zap.Error(err))
	}
}
