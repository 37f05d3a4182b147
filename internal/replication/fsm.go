package replication

import (
	"net/http"

	"github.com/geofield/fieldsync/internal/status"
)

// State is everything the status derivation depends on. SyncWanted is set
// between StartSync and CancelSync; without it no session runs and probes
// never lead to one.
type State struct {
	Status        status.Status
	NetworkOnline bool
	SyncWanted    bool
}

// InitialState is the state of a freshly created controller: the network
// is assumed up until told otherwise and status reads syncing until the
// first session or probe reports.
func InitialState() State {
	return State{Status: status.Syncing, NetworkOnline: true}
}

// ProbeReason records why a reachability probe was issued; it decides
// what a successful probe leads to.
type ProbeReason int

const (
	// ProbeReconnect follows the network interface coming back.
	ProbeReconnect ProbeReason = iota
	// ProbePeriodic is the background probe while paused.
	ProbePeriodic
	// ProbeSessionPaused follows the session reporting paused.
	ProbeSessionPaused
)

func (r ProbeReason) String() string {
	switch r {
	case ProbeReconnect:
		return "reconnect"
	case ProbePeriodic:
		return "periodic"
	case ProbeSessionPaused:
		return "session_paused"
	}
	return "unknown"
}

// Input is one observation fed to Transition.
type Input interface{ input() }

// NetworkChanged reports the network interface going up or down.
type NetworkChanged struct{ Online bool }

// ProbeCompleted reports the outcome of a reachability probe.
type ProbeCompleted struct {
	Reason ProbeReason
	OK     bool
}

// SessionActive reports the session started transferring.
type SessionActive struct{}

// SessionChanged reports a push or pull batch completed.
type SessionChanged struct{}

// SessionIdle reports the session caught up in both directions.
type SessionIdle struct{}

// SessionPaused reports the session stalled on a connectivity failure and
// is backing off.
type SessionPaused struct{}

// SessionFailed reports the session stopped on an error. StatusCode is 0
// when no HTTP status was available.
type SessionFailed struct{ StatusCode int }

// PeriodicTick is the background probe timer firing.
type PeriodicTick struct{}

// SyncRequested reports that replication was started.
type SyncRequested struct{}

// SyncCancelled reports that replication was stopped on request.
type SyncCancelled struct{}

func (NetworkChanged) input() {}
func (ProbeCompleted) input() {}
func (SessionActive) input()  {}
func (SessionChanged) input() {}
func (SessionIdle) input()    {}
func (SessionPaused) input()  {}
func (SessionFailed) input()  {}
func (PeriodicTick) input()   {}
func (SyncRequested) input()  {}
func (SyncCancelled) input()  {}

// Effect is an action the controller must carry out after a transition.
type Effect int

const (
	// EffectProbe issues a reachability probe; see Transition for its reason.
	EffectProbe Effect = iota
	// EffectRestartNow replaces the session immediately.
	EffectRestartNow
	// EffectRestartAfterPause replaces the session after the retry-after-pause delay.
	EffectRestartAfterPause
	// EffectStartPeriodicProbe arms the background probe timer.
	EffectStartPeriodicProbe
	// EffectStopTimers disarms the pause and periodic timers.
	EffectStopTimers
)

func (e Effect) String() string {
	switch e {
	case EffectProbe:
		return "probe"
	case EffectRestartNow:
		return "restart_now"
	case EffectRestartAfterPause:
		return "restart_after_pause"
	case EffectStartPeriodicProbe:
		return "start_periodic_probe"
	case EffectStopTimers:
		return "stop_timers"
	}
	return "unknown"
}

// Step is the result of one transition. Probe is meaningful only when
// Effects contains EffectProbe.
type Step struct {
	State   State
	Effects []Effect
	Probe   ProbeReason
}

// IsConnectivityStatus reports whether an error status code means the
// remote is absent rather than faulty.
func IsConnectivityStatus(code int) bool {
	return code == 0 || code == http.StatusNotFound
}

// Transition is the single status derivation function. It is pure: the
// same state and input always produce the same step. A network reported
// offline overrides every other input. With sync not wanted, status rests
// at paused (or offline) and nothing is probed or restarted.
func Transition(s State, in Input) Step {
	switch in := in.(type) {
	case NetworkChanged:
		s.NetworkOnline = in.Online
		if !in.Online {
			s.Status = status.Offline
			return Step{State: s, Effects: []Effect{EffectStopTimers}}
		}
		if !s.SyncWanted {
			s.Status = status.Paused
			return Step{State: s}
		}
		return Step{State: s, Effects: []Effect{EffectProbe}, Probe: ProbeReconnect}

	case SyncRequested:
		s.SyncWanted = true
		return Step{State: s}

	case SyncCancelled:
		s.SyncWanted = false
		s.Status = status.Paused
		if !s.NetworkOnline {
			s.Status = status.Offline
		}
		return Step{State: s, Effects: []Effect{EffectStopTimers}}
	}

	if !s.NetworkOnline {
		s.Status = status.Offline
		return Step{State: s}
	}
	if !s.SyncWanted {
		return Step{State: s}
	}

	switch in := in.(type) {
	case ProbeCompleted:
		if !in.OK {
			s.Status = status.Paused
			return Step{State: s, Effects: []Effect{EffectStartPeriodicProbe}}
		}
		s.Status = status.Syncing
		if in.Reason == ProbeSessionPaused {
			return Step{State: s, Effects: []Effect{EffectStopTimers, EffectRestartAfterPause}}
		}
		return Step{State: s, Effects: []Effect{EffectStopTimers, EffectRestartNow}}

	case SessionActive:
		s.Status = status.Syncing

	case SessionChanged, SessionIdle:
		s.Status = status.Synced

	case SessionPaused:
		return Step{State: s, Effects: []Effect{EffectProbe}, Probe: ProbeSessionPaused}

	case SessionFailed:
		if IsConnectivityStatus(in.StatusCode) {
			s.Status = status.Offline
			return Step{State: s, Effects: []Effect{EffectStartPeriodicProbe}}
		}
		s.Status = status.Error

	case PeriodicTick:
		if s.Status == status.Paused || s.Status == status.Offline {
			return Step{State: s, Effects: []Effect{EffectProbe}, Probe: ProbePeriodic}
		}
	}
	return Step{State: s}
}
