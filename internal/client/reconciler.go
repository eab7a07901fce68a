package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"call-signaling/internal/calls"
	"call-signaling/internal/signaling"
)

const DefaultPollInterval = 2 * time.Second

// StatusSource is the authoritative status lookup; *Client satisfies it.
type StatusSource interface {
	Status(ctx context.Context, sessionID string) (calls.Session, error)
}

type ReconcilerOptions struct {
	Interval time.Duration
	// Reactions runs on every observed state change, one at a time and in
	// the order the changes were accepted. It must not call Observe.
	Reactions func(calls.Session)
	Logger    *slog.Logger
}

// Reconciler converges a client's view of one session with the server. Polled
// snapshots and pushed envelopes both go through Observe; stale or repeated
// states are dropped so Reactions fires once per state.
type Reconciler struct {
	src       StatusSource
	sessionID string
	interval  time.Duration
	react     func(calls.Session)
	log       *slog.Logger

	// reactMu spans the staleness check and the reaction so a slow
	// reaction cannot land after a newer one.
	reactMu sync.Mutex

	mu   sync.Mutex
	last calls.Session
	seen bool

	done     chan struct{}
	doneOnce sync.Once
}

func NewReconciler(src StatusSource, sessionID string, o ReconcilerOptions) *Reconciler {
	if o.Interval <= 0 {
		o.Interval = DefaultPollInterval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Reconciler{
		src:       src,
		sessionID: sessionID,
		interval:  o.Interval,
		react:     o.Reactions,
		log:       o.Logger,
		done:      make(chan struct{}),
	}
}

// Observe applies a snapshot and reports whether it changed the known state.
func (r *Reconciler) Observe(s calls.Session) bool {
	if s.ID != r.sessionID || !s.State.Valid() {
		return false
	}

	r.reactMu.Lock()
	defer r.reactMu.Unlock()

	r.mu.Lock()
	if r.seen {
		if r.last.State.IsTerminal() || s.State == r.last.State {
			r.mu.Unlock()
			return false
		}
		if s.State.Rank() < r.last.State.Rank() ||
			(s.Version > 0 && r.last.Version > 0 && s.Version < r.last.Version) {
			r.mu.Unlock()
			return false
		}
	}
	r.last = s
	r.seen = true
	r.mu.Unlock()

	if r.react != nil {
		r.react(s)
	}
	if s.State.IsTerminal() {
		r.Stop()
	}
	return true
}

// ObserveEnvelope feeds a pushed frame into Observe. Frames without a state are ignored.
func (r *Reconciler) ObserveEnvelope(env signaling.Envelope) bool {
	s, ok := SessionFromEnvelope(env)
	if !ok {
		return false
	}
	return r.Observe(s)
}

// Current returns the last observed snapshot.
func (r *Reconciler) Current() (calls.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.seen
}

// Stop ends Run. Safe to call more than once.
func (r *Reconciler) Stop() {
	r.doneOnce.Do(func() { close(r.done) })
}

func (r *Reconciler) Done() <-chan struct{} { return r.done }

// Run polls until the session is terminal, Stop is called or ctx ends
// (the user left the call screen). It returns the last observed snapshot.
func (r *Reconciler) Run(ctx context.Context) (calls.Session, error) {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		select {
		case <-r.done:
			s, _ := r.Current()
			return s, nil
		default:
		}

		r.poll(ctx)

		select {
		case <-ctx.Done():
			s, _ := r.Current()
			return s, ctx.Err()
		case <-r.done:
			s, _ := r.Current()
			return s, nil
		case <-t.C:
		}
	}
}

func (r *Reconciler) poll(ctx context.Context) {
	s, err := r.src.Status(ctx, r.sessionID)
	switch {
	case err == nil:
		r.Observe(s)
	case errors.Is(err, calls.ErrNotFound):
		// Not visible yet (replica lag) or the id came from a stale push.
		r.log.Debug("status poll: session not found", "session_id", r.sessionID)
	case ctx.Err() != nil:
	default:
		r.log.Warn("status poll failed", "session_id", r.sessionID, "err", err)
	}
}

// SessionFromEnvelope builds the partial snapshot a pushed frame carries.
func SessionFromEnvelope(env signaling.Envelope) (calls.Session, bool) {
	st := calls.State(env.Status)
	if env.SessionID == "" || !st.Valid() {
		return calls.Session{}, false
	}
	return calls.Session{
		ID:        env.SessionID,
		CallerID:  env.CallerID,
		CalleeID:  env.ReceiverID,
		State:     st,
		EndReason: calls.EndReason(env.Reason),
		Version:   env.Version,
	}, true
}
