// Package netwatch reports whether the host has a usable network
// interface.
package netwatch

import (
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// DefaultInterval is how often interfaces are polled.
const DefaultInterval = 3 * time.Second

// Opt configures a Monitor.
type Opt func(*Monitor)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(m *Monitor) { m.logger = logger }
}

// WithClock sets the clock driving the poll ticker.
func WithClock(clock clockwork.Clock) Opt {
	return func(m *Monitor) { m.clock = clock }
}

// WithInterval sets the poll interval.
func WithInterval(d time.Duration) Opt {
	return func(m *Monitor) { m.interval = d }
}

// WithCheck replaces the interface inspection, mainly for tests.
func WithCheck(check func() bool) Opt {
	return func(m *Monitor) { m.check = check }
}

// Monitor polls the interface table and calls onChange when the online
// state flips. The first observation is always reported.
type Monitor struct {
	onChange func(online bool)
	check    func() bool
	interval time.Duration
	clock    clockwork.Clock
	logger   *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New returns a monitor; call Start to begin polling.
func New(onChange func(online bool), opts ...Opt) *Monitor {
	m := &Monitor{
		onChange: onChange,
		check:    Online,
		interval: DefaultInterval,
		clock:    clockwork.NewRealClock(),
		logger:   zap.NewNop(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins polling in a new goroutine.
func (m *Monitor) Start() {
	go m.run()
}

// Stop ends polling and waits for the goroutine. Stop before Start is
// not allowed.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

func (m *Monitor) run() {
	defer close(m.done)

	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	last := m.check()
	m.report(last)
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.Chan():
			if now := m.check(); now != last {
				last = now
				m.report(now)
			}
		}
	}
}

func (m *Monitor) report(online bool) {
	m.logger.Debug("network interface state", zap.Bool("online", online))
	if m.onChange != nil {
		m.onChange(online)
	}
}

// Online reports whether any non-loopback interface is up and has an
// address.
func Online() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil || len(addrs) == 0 {
			continue
		}
		return true
	}
	return false
}
