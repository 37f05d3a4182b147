// Package replication runs live replication between the local store and
// the remote server and derives the sync status from network, probe and
// session observations.
package replication

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/geofield/fieldsync/internal/status"
)

// ErrClosed is returned by Controller methods after Close.
var ErrClosed = errors.New("replication: controller closed")

// Options holds the controller timings and batch sizes.
type Options struct {
	// RetryAfterPause delays the restart that follows a successful probe
	// after the session paused.
	RetryAfterPause time.Duration
	// ProbeInterval is the background probe period while paused.
	ProbeInterval time.Duration
	// ProbeTimeout bounds a single reachability probe.
	ProbeTimeout time.Duration
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	BatchSize    int
	// PollInterval is how often push looks for local writes it was not
	// notified about.
	PollInterval    time.Duration
	LongpollTimeout time.Duration
}

// DefaultOptions returns the standard timings.
func DefaultOptions() Options {
	return Options{
		RetryAfterPause: 2 * time.Second,
		ProbeInterval:   10 * time.Second,
		ProbeTimeout:    5 * time.Second,
		BaseBackoff:     time.Second,
		MaxBackoff:      10 * time.Second,
		BatchSize:       100,
		PollInterval:    5 * time.Second,
		LongpollTimeout: 25 * time.Second,
	}
}

// Opt configures a Controller.
type Opt func(*Controller)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(c *Controller) { c.logger = logger }
}

// WithClock sets the clock used for timers and backoff waits.
func WithClock(clock clockwork.Clock) Opt {
	return func(c *Controller) { c.clock = clock }
}

// WithOptions overrides the timings.
func WithOptions(o Options) Opt {
	return func(c *Controller) { c.opts = o }
}

// WithProber replaces the default remote info prober.
func WithProber(p Prober) Opt {
	return func(c *Controller) { c.prober = p }
}

// WithBroadcaster publishes status changes to b instead of a private
// broadcaster.
func WithBroadcaster(b *status.Broadcaster) Opt {
	return func(c *Controller) { c.broadcaster = b }
}

// WithEventObserver registers fn to see every session event accepted by
// the controller, on the controller goroutine.
func WithEventObserver(fn func(Event)) Opt {
	return func(c *Controller) { c.observer = fn }
}

type probeResult struct {
	reason ProbeReason
	err    error
}

// Controller owns the single live replication session. All of its state
// is confined to one goroutine; public methods hand work to it and wait.
type Controller struct {
	local       LocalStore
	remote      Remote
	prober      Prober
	broadcaster *status.Broadcaster
	clock       clockwork.Clock
	logger      *zap.Logger
	opts        Options
	observer    func(Event)

	cmds     chan func()
	events   chan Event
	probes   chan probeResult
	statuses chan status.Status
	quit     chan struct{}
	done     chan struct{}
	closing  sync.Once

	current atomic.Value // status.Status
	live    atomic.Int32

	// owned by the run goroutine
	state       State
	session     *Session
	generation  uint64
	authorID    string
	pauseTimer  clockwork.Timer
	probeTicker clockwork.Ticker
}

// NewController creates a controller and starts its goroutine. No session
// runs until StartSync.
func NewController(local LocalStore, remote Remote, opts ...Opt) *Controller {
	c := &Controller{
		local:    local,
		remote:   remote,
		clock:    clockwork.NewRealClock(),
		logger:   zap.NewNop(),
		opts:     DefaultOptions(),
		cmds:     make(chan func()),
		events:   make(chan Event, 64),
		probes:   make(chan probeResult, 4),
		statuses: make(chan status.Status, 64),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		state:    InitialState(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.prober == nil {
		c.prober = RemoteProber(remote, c.opts.ProbeTimeout)
	}
	if c.broadcaster == nil {
		c.broadcaster = status.NewBroadcaster(c.state.Status)
	}
	c.current.Store(c.state.Status)

	dispatched := make(chan struct{})
	go c.dispatch(dispatched)
	go c.run(dispatched)
	return c
}

// exec runs fn on the controller goroutine and waits for it.
func (c *Controller) exec(fn func()) error {
	ran := make(chan struct{})
	select {
	case c.cmds <- func() { fn(); close(ran) }:
	case <-c.quit:
		return ErrClosed
	}
	<-ran
	return nil
}

// StartSync cancels any existing session and starts a new one pulling
// documents authored by authorID.
func (c *Controller) StartSync(authorID string) error {
	return c.exec(func() {
		c.authorID = authorID
		c.apply(SyncRequested{})
		c.startSession("start")
	})
}

// RestartSync replaces the running session with a fresh one for the same
// author. It does nothing if sync was never started or was cancelled.
func (c *Controller) RestartSync() error {
	return c.exec(func() { c.restart("manual") })
}

// CancelSync stops the current session, if any, and publishes paused (or
// offline when the network is down).
func (c *Controller) CancelSync() error {
	return c.exec(func() {
		c.cancelSession()
		c.apply(SyncCancelled{})
	})
}

// SetNetworkOnline feeds a network-interface observation. Repeated
// reports of the same state are ignored.
func (c *Controller) SetNetworkOnline(online bool) error {
	return c.exec(func() {
		if online == c.state.NetworkOnline {
			return
		}
		c.apply(NetworkChanged{Online: online})
	})
}

// AuthorID returns the author the current session pulls for.
func (c *Controller) AuthorID() string {
	var id string
	if err := c.exec(func() { id = c.authorID }); err != nil {
		return ""
	}
	return id
}

// Status returns the current sync status.
func (c *Controller) Status() status.Status {
	return c.current.Load().(status.Status)
}

// Subscribe registers fn for status changes and returns its unsubscribe
// function. Callbacks run on a dedicated goroutine, in publish order.
func (c *Controller) Subscribe(fn func(status.Status)) func() {
	return c.broadcaster.Subscribe(fn)
}

// LiveSessions returns how many sessions still have running loops. A
// replaced session counts until its loops observe cancellation.
func (c *Controller) LiveSessions() int {
	return int(c.live.Load())
}

// Close cancels the session, stops timers and ends the controller
// goroutine. It is safe to call more than once.
func (c *Controller) Close() error {
	c.closing.Do(func() { close(c.quit) })
	<-c.done
	return nil
}

func (c *Controller) run(dispatched chan struct{}) {
	defer func() {
		close(c.statuses)
		<-dispatched
		close(c.done)
	}()

	for {
		select {
		case <-c.quit:
			c.stopTimers()
			if s := c.session; s != nil {
				c.cancelSession()
				s.Wait()
			}
			return
		case fn := <-c.cmds:
			fn()
		case ev := <-c.events:
			c.handleEvent(ev)
		case res := <-c.probes:
			c.handleProbe(res)
		case <-timerChan(c.pauseTimer):
			c.pauseTimer = nil
			c.restart("retry after pause")
		case <-tickerChan(c.probeTicker):
			c.apply(PeriodicTick{})
		}
	}
}

func (c *Controller) dispatch(dispatched chan struct{}) {
	defer close(dispatched)
	for s := range c.statuses {
		c.broadcaster.Publish(s)
	}
}

func timerChan(t clockwork.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.Chan()
}

func tickerChan(t clockwork.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.Chan()
}

func (c *Controller) apply(in Input) {
	step := Transition(c.state, in)
	prev := c.state.Status
	c.state = step.State
	if c.state.Status != prev {
		c.logger.Info("sync status changed",
			zap.Stringer("from", prev),
			zap.Stringer("to", c.state.Status),
		)
		c.current.Store(c.state.Status)
		c.statuses <- c.state.Status
	}

	for _, eff := range step.Effects {
		switch eff {
		case EffectProbe:
			c.probe(step.Probe)
		case EffectRestartNow:
			c.restart("probe succeeded")
		case EffectRestartAfterPause:
			c.armPauseRetry()
		case EffectStartPeriodicProbe:
			if c.probeTicker == nil {
				c.probeTicker = c.clock.NewTicker(c.opts.ProbeInterval)
			}
		case EffectStopTimers:
			c.stopTimers()
		}
	}
}

func (c *Controller) handleEvent(ev Event) {
	if c.session == nil || ev.Session != c.session.ID() {
		c.logger.Debug("dropping event from replaced session",
			zap.Uint64("session", ev.Session),
			zap.Stringer("kind", ev.Kind),
		)
		return
	}
	if c.observer != nil {
		c.observer(ev)
	}

	switch ev.Kind {
	case EventActive:
		c.apply(SessionActive{})
	case EventChange:
		c.apply(SessionChanged{})
	case EventIdle:
		c.apply(SessionIdle{})
	case EventPaused:
		c.apply(SessionPaused{})
	case EventFailed:
		c.apply(SessionFailed{StatusCode: ev.StatusCode})
	}
}

func (c *Controller) probe(reason ProbeReason) {
	go func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-c.quit:
				cancel()
			case <-ctx.Done():
			}
		}()

		err := c.prober.Probe(ctx)
		select {
		case c.probes <- probeResult{reason: reason, err: err}:
		case <-c.quit:
		}
	}()
}

func (c *Controller) handleProbe(res probeResult) {
	if res.err != nil {
		c.logger.Debug("remote probe failed", zap.Stringer("reason", res.reason), zap.Error(res.err))
	}
	c.apply(ProbeCompleted{Reason: res.reason, OK: res.err == nil})
}

func (c *Controller) armPauseRetry() {
	if c.pauseTimer != nil {
		c.pauseTimer.Stop()
	}
	c.pauseTimer = c.clock.NewTimer(c.opts.RetryAfterPause)
}

func (c *Controller) stopTimers() {
	if c.pauseTimer != nil {
		c.pauseTimer.Stop()
		c.pauseTimer = nil
	}
	if c.probeTicker != nil {
		c.probeTicker.Stop()
		c.probeTicker = nil
	}
}

func (c *Controller) restart(reason string) {
	if !c.state.SyncWanted {
		return
	}
	c.startSession(reason)
}

func (c *Controller) cancelSession() {
	if c.session == nil {
		return
	}
	c.session.Cancel()
	c.session = nil
}

// startSession is the cancel-then-replace step. It runs only on the
// controller goroutine.
func (c *Controller) startSession(reason string) {
	c.stopTimers()
	c.cancelSession()

	c.generation++
	cfg := SessionConfig{
		AuthorID:        c.authorID,
		BatchSize:       c.opts.BatchSize,
		PollInterval:    c.opts.PollInterval,
		LongpollTimeout: c.opts.LongpollTimeout,
		BaseBackoff:     c.opts.BaseBackoff,
		MaxBackoff:      c.opts.MaxBackoff,
	}
	s := newSession(c.generation, cfg, c.local, c.remote, c.clock, c.logger, c.deliver)
	c.session = s

	c.logger.Info("replication session started",
		zap.Uint64("session", s.ID()),
		zap.String("author_id", c.authorID),
		zap.String("reason", reason),
	)
	c.live.Add(1)
	s.start(func() { c.live.Add(-1) })
}

func (c *Controller) deliver(ev Event) {
	select {
	case c.events <- ev:
	case <-c.quit:
	}
}
