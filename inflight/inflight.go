// Package inflight tracks live invocations and drives the server lifecycle:
// admission control, graceful draining and the background tasks owned by the
// server process.
package inflight

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/objectwire/objectwire/rpcerrors"
	"github.com/objectwire/objectwire/telemetry"
)

// State is the server lifecycle state. Transitions only move forward:
// running to draining to stopped.
type State int32

const (
	// StateRunning admits new invocations.
	StateRunning State = iota
	// StateDraining rejects new invocations while live ones finish.
	StateDraining
	// StateStopped rejects everything; remaining invocations are cancelled.
	StateStopped
)

// drainPollInterval is how often the drain loop re-checks the in-flight set.
const drainPollInterval = 100 * time.Millisecond

type (
	// Call is one tracked invocation.
	Call struct {
		// CallID identifies the invocation.
		CallID uuid.UUID
		// ActorID is the target actor's identifier.
		ActorID string
		// Method is the target identifier being invoked.
		Method string
		// StartTime is when tracking began.
		StartTime time.Time
	}

	// Stats summarizes tracker activity.
	Stats struct {
		// InFlight is the number of currently tracked invocations.
		InFlight int
		// Completed is the number of invocations that finished.
		Completed uint64
		// MeanDuration is the mean completed invocation duration.
		MeanDuration time.Duration
		// MaxDuration is the longest completed invocation duration.
		MaxDuration time.Duration
		// PerActor counts completed invocations by actor identifier.
		PerActor map[string]uint64
	}

	// Health is the externally probeable server condition.
	Health struct {
		// Status is "healthy", "draining" or "unhealthy".
		Status string
		// InFlight is the number of live invocations.
		InFlight int
		// Completed is the number of finished invocations.
		Completed uint64
		// Uptime is the time since the tracker was created.
		Uptime time.Duration
	}

	// Tracker records live invocations, owns background tasks and enforces
	// the lifecycle state machine.
	Tracker struct {
		logger telemetry.Logger
		now    func() time.Time
		start  time.Time

		mu    sync.Mutex
		state State
		calls map[uuid.UUID]*trackedCall
		tasks map[uuid.UUID]context.CancelFunc

		completed     uint64
		totalDuration time.Duration
		maxDuration   time.Duration
		perActor      map[string]uint64
	}

	trackedCall struct {
		call   Call
		cancel context.CancelFunc
	}

	// TrackerOption customizes a Tracker.
	TrackerOption func(*Tracker)
)

// WithTrackerLogger sets the tracker's logger.
func WithTrackerLogger(logger telemetry.Logger) TrackerOption {
	return func(t *Tracker) { t.logger = logger }
}

// WithTrackerClock overrides the time source for tests.
func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker in the running state.
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		logger:   telemetry.NewNoopLogger(),
		now:      time.Now,
		calls:    make(map[uuid.UUID]*trackedCall),
		tasks:    make(map[uuid.UUID]context.CancelFunc),
		perActor: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.start = t.now()
	return t
}

// State reports the current lifecycle state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Begin admits and tracks one invocation. It derives a cancellable context
// so a hard stop can abort the call, and rejects with ErrShuttingDown when
// the server is no longer running.
func (t *Tracker) Begin(ctx context.Context, callID uuid.UUID, actorID, method string) (context.Context, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateRunning {
		return ctx, rpcerrors.ErrShuttingDown
	}
	ctx, cancel := context.WithCancel(ctx)
	t.calls[callID] = &trackedCall{
		call:   Call{CallID: callID, ActorID: actorID, Method: method, StartTime: t.now()},
		cancel: cancel,
	}
	return ctx, nil
}

// End completes tracking for callID, folding its duration into the
// statistics. Unknown call identifiers are ignored.
func (t *Tracker) End(callID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tc, ok := t.calls[callID]
	if !ok {
		return
	}
	delete(t.calls, callID)
	tc.cancel()

	d := t.now().Sub(tc.call.StartTime)
	t.completed++
	t.totalDuration += d
	if d > t.maxDuration {
		t.maxDuration = d
	}
	t.perActor[tc.call.ActorID]++
}

// Calls snapshots the currently tracked invocations.
func (t *Tracker) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Call, 0, len(t.calls))
	for _, tc := range t.calls {
		out = append(out, tc.call)
	}
	return out
}

// Stats snapshots the tracker statistics.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Stats{
		InFlight:    len(t.calls),
		Completed:   t.completed,
		MaxDuration: t.maxDuration,
		PerActor:    make(map[string]uint64, len(t.perActor)),
	}
	if t.completed > 0 {
		s.MeanDuration = t.totalDuration / time.Duration(t.completed)
	}
	for k, v := range t.perActor {
		s.PerActor[k] = v
	}
	return s
}

// Health reports the load-balancer probe view of the tracker.
func (t *Tracker) Health() Health {
	t.mu.Lock()
	defer t.mu.Unlock()
	status := "healthy"
	switch t.state {
	case StateDraining:
		status = "draining"
	case StateStopped:
		status = "unhealthy"
	}
	return Health{
		Status:    status,
		InFlight:  len(t.calls),
		Completed: t.completed,
		Uptime:    t.now().Sub(t.start),
	}
}

// StartTask registers and launches a background task owned by the server.
// The task runs until it returns or the tracker stops; its identifier can
// cancel it early via StopTask.
func (t *Tracker) StartTask(ctx context.Context, id uuid.UUID, run func(ctx context.Context)) error {
	t.mu.Lock()
	if t.state == StateStopped {
		t.mu.Unlock()
		return rpcerrors.ErrShuttingDown
	}
	ctx, cancel := context.WithCancel(ctx)
	t.tasks[id] = cancel
	t.mu.Unlock()

	go func() {
		defer func() {
			t.mu.Lock()
			delete(t.tasks, id)
			t.mu.Unlock()
			cancel()
		}()
		run(ctx)
	}()
	return nil
}

// StopTask cancels one background task. Unknown identifiers are ignored.
func (t *Tracker) StopTask(id uuid.UUID) {
	t.mu.Lock()
	cancel, ok := t.tasks[id]
	delete(t.tasks, id)
	t.mu.Unlock()
	if ok {
		cancel()
	}
}

// GracefulShutdown stops admitting invocations, waits up to timeout for the
// in-flight set to drain, polling every 100ms, then cancels whatever
// remains along with all background tasks. It returns nil when the set
// drained and ctx.Err or a timeout-shaped nil otherwise; either way the
// tracker ends stopped.
func (t *Tracker) GracefulShutdown(ctx context.Context, timeout time.Duration) error {
	t.mu.Lock()
	if t.state == StateStopped {
		t.mu.Unlock()
		return nil
	}
	t.state = StateDraining
	remaining := len(t.calls)
	t.mu.Unlock()

	t.logger.Info(ctx, "draining", "inflight", remaining, "timeout", timeout.String())

	deadline := t.now().Add(timeout)
	for timeout > 0 {
		t.mu.Lock()
		n := len(t.calls)
		t.mu.Unlock()
		if n == 0 {
			break
		}
		if !t.now().Before(deadline) {
			t.logger.Warn(ctx, "drain timeout, cancelling remaining calls", "inflight", n)
			break
		}
		select {
		case <-ctx.Done():
			t.stop()
			return ctx.Err()
		case <-time.After(drainPollInterval):
		}
	}

	t.stop()
	return nil
}

// Shutdown stops immediately: equivalent to GracefulShutdown with a zero
// timeout.
func (t *Tracker) Shutdown() {
	t.mu.Lock()
	if t.state == StateStopped {
		t.mu.Unlock()
		return
	}
	t.state = StateDraining
	t.mu.Unlock()
	t.stop()
}

// stop cancels every remaining call and background task and transitions to
// stopped.
func (t *Tracker) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, tc := range t.calls {
		tc.cancel()
		delete(t.calls, id)
	}
	for id, cancel := range t.tasks {
		cancel()
		delete(t.tasks, id)
	}
	t.state = StateStopped
}
