package replication

import (
	"context"
	"time"
)

// Prober checks whether the remote store is actually reachable, as
// opposed to the network interface merely being up.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// RemoteProber returns a Prober issuing remote.Info with timeout.
func RemoteProber(remote Remote, timeout time.Duration) Prober {
	return ProberFunc(func(ctx context.Context) error {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		_, err := remote.Info(ctx)
		return err
	})
}
