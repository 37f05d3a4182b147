package netwatch_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geofield/fieldsync/internal/netwatch"
)

func TestMonitor_ReportsChanges(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var up atomic.Bool
	up.Store(true)

	var mu sync.Mutex
	var seen []bool
	m := netwatch.New(func(online bool) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, online)
	},
		netwatch.WithClock(clock),
		netwatch.WithInterval(time.Second),
		netwatch.WithCheck(up.Load),
	)
	m.Start()
	defer m.Stop()

	snapshot := func() []bool {
		mu.Lock()
		defer mu.Unlock()
		return append([]bool(nil), seen...)
	}

	require.Eventually(t, func() bool { return len(snapshot()) == 1 }, time.Second, time.Millisecond)

	// Unchanged state is not reported again.
	clock.Advance(time.Second)
	clock.Advance(time.Second)

	up.Store(false)
	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		return len(snapshot()) == 2
	}, time.Second, time.Millisecond)

	assert.Equal(t, []bool{true, false}, snapshot())
}

func TestMonitor_StopIsIdempotent(t *testing.T) {
	m := netwatch.New(nil, netwatch.WithCheck(func() bool { return false }))
	m.Start()
	m.Stop()
	m.Stop()
}
