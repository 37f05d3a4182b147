package status

import "sync"

// Broadcaster holds the current Status and notifies subscribers of changes.
// Callbacks run on the publishing goroutine, outside the internal lock, so a
// callback may subscribe or unsubscribe without deadlocking.
type Broadcaster struct {
	mu      sync.Mutex
	current Status
	nextID  uint64
	subs    map[uint64]func(Status)
}

// NewBroadcaster returns a Broadcaster whose current value is initial.
func NewBroadcaster(initial Status) *Broadcaster {
	return &Broadcaster{
		current: initial,
		subs:    make(map[uint64]func(Status)),
	}
}

// Subscribe registers fn and returns a function removing exactly this
// registration. The returned function is safe to call more than once.
func (b *Broadcaster) Subscribe(fn func(Status)) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish records s as current and delivers it to every subscriber.
// Delivery order across subscribers is unspecified.
func (b *Broadcaster) Publish(s Status) {
	b.mu.Lock()
	b.current = s
	fns := make([]func(Status), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

// Current returns the most recently published status.
func (b *Broadcaster) Current() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Len returns the number of registered subscribers.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
