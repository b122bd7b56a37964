package connector

import (
	"sync/atomic"
)

// LifecycleState is the connector lifecycle position
type LifecycleState int32

const (
	StateUninitialised LifecycleState = iota
	StateConnecting
	StateConnected
	StateStarted
	StateStopping
	StateStopped
	StateDisconnected
	StateDisposed
)

// String returns a string representation of the lifecycle state
func (s LifecycleState) String() string {
	switch s {
	case StateUninitialised:
		return "uninitialised"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStarted:
		return "started"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateDisconnected:
		return "disconnected"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// EpisodePhase tracks the current failure episode
type EpisodePhase int32

const (
	// EpisodeIdle means no failure has been reported
	EpisodeIdle EpisodePhase = iota
	// EpisodeCounting means reports are being collected towards quorum
	EpisodeCounting
	// EpisodeHandling means quorum was reached and the reconnect is in progress
	EpisodeHandling
)

// String returns a string representation of the episode phase
func (p EpisodePhase) String() string {
	switch p {
	case EpisodeIdle:
		return "idle"
	case EpisodeCounting:
		return "counting"
	case EpisodeHandling:
		return "handling"
	default:
		return "unknown"
	}
}

// State is an immutable snapshot of the connector's coordination flags.
// It is only ever replaced as a whole through stateCell.
type State struct {
	Lifecycle     LifecycleState
	Episode       EpisodePhase
	Reported      int
	Disconnecting bool
	Stopping      bool

	// RetryBrokerConnection is set when a transport failure was handed to the
	// retry policy instead of quorum accounting.
	RetryBrokerConnection bool
	// StillConnectingReceivers is set by receivers while they establish consumers.
	StillConnectingReceivers bool
}

// HandlingException reports whether a failure episode is open
func (s State) HandlingException() bool {
	return s.Episode != EpisodeIdle
}

// stateCell holds the current State behind an atomic pointer
type stateCell struct {
	p atomic.Pointer[State]
}

func newStateCell() *stateCell {
	c := &stateCell{}
	c.p.Store(&State{})
	return c
}

// Load returns the current snapshot
func (c *stateCell) Load() State {
	return *c.p.Load()
}

// Update applies fn until its result is installed with compare-and-swap.
// fn returns false to leave the state unchanged, in which case Update reports
// false. fn may run more than once and must not have side effects.
func (c *stateCell) Update(fn func(State) (State, bool)) (prev State, next State, ok bool) {
	for {
		oldp := c.p.Load()
		n, ok := fn(*oldp)
		if !ok {
			return *oldp, *oldp, false
		}
		if c.p.CompareAndSwap(oldp, &n) {
			return *oldp, n, true
		}
	}
}

// Set installs the result of fn unconditionally and returns the previous state
func (c *stateCell) Set(fn func(*State)) State {
	prev, _, _ := c.Update(func(s State) (State, bool) {
		fn(&s)
		return s, true
	})
	return prev
}
