package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"call-signaling/internal/pricing"
)

const (
	DefaultRingWindow = 60 * time.Second

	maxTransitionAttempts = 3
	timeoutRetryDelay     = time.Second
	timeoutFireBudget     = 5 * time.Second
)

// Funds answers whether a caller can pay for the first minute of a call.
type Funds interface {
	CanAfford(ctx context.Context, userID string, amountMinor int64) (bool, error)
}

// Recorder receives every applied transition. Failures are logged, never surfaced.
type Recorder interface {
	RecordTransition(ctx context.Context, from State, s Session, actor Actor) error
}

type Options struct {
	Fanout   *Fanout
	Funds    Funds
	Biller   *Biller
	Recorder Recorder
	Logger   *slog.Logger

	RingWindow time.Duration
	Clock      Clock
	NewID      func() string
}

// Service is the call lifecycle: it decides transitions, applies them through
// the store, keeps the ring timers and runs the side effects of each change.
type Service struct {
	store    Store
	oracle   pricing.Oracle
	funds    Funds
	fanout   *Fanout
	biller   *Biller
	recorder Recorder
	log      *slog.Logger

	timeouts   *Supervisor
	ringWindow time.Duration
	now        Clock
	newID      func() string
}

func NewService(store Store, oracle pricing.Oracle, opts Options) *Service {
	s := &Service{
		store:      store,
		oracle:     oracle,
		funds:      opts.Funds,
		fanout:     opts.Fanout,
		biller:     opts.Biller,
		recorder:   opts.Recorder,
		log:        opts.Logger,
		ringWindow: opts.RingWindow,
		now:        opts.Clock,
		newID:      opts.NewID,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.ringWindow <= 0 {
		s.ringWindow = DefaultRingWindow
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	s.timeouts = NewSupervisor(s.onRingTimeout)
	return s
}

func (s *Service) RingWindow() time.Duration { return s.ringWindow }

// PendingTimers is the number of armed ring timers.
func (s *Service) PendingTimers() int { return s.timeouts.Pending() }

// Shutdown disarms every ring timer. Sessions stay RINGING in the store and
// are picked up again by Recover.
func (s *Service) Shutdown() { s.timeouts.StopAll() }

// Initiate creates a RINGING session from callerID to calleeID and notifies the callee.
func (s *Service) Initiate(ctx context.Context, callerID, calleeID string, ct CallType) (Session, error) {
	callerID = strings.TrimSpace(callerID)
	calleeID = strings.TrimSpace(calleeID)
	if callerID == "" || calleeID == "" || callerID == calleeID {
		return Session{}, ErrInvalidArgument
	}
	if ct != CallTypeVoice && ct != CallTypeVideo {
		return Session{}, ErrInvalidArgument
	}

	prices, err := s.oracle.GetPrices(ctx, calleeID)
	if errors.Is(err, pricing.ErrCalleeNotFound) {
		return Session{}, ErrCalleeNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("%w: price lookup: %v", ErrUpstreamUnavailable, err)
	}
	rate, enabled := prices.Rate(ct == CallTypeVideo)
	if !enabled {
		return Session{}, ErrCallTypeDisabled
	}
	if rate > 0 && s.funds != nil {
		ok, err := s.funds.CanAfford(ctx, callerID, rate)
		if err != nil {
			return Session{}, fmt.Errorf("%w: balance check: %v", ErrUpstreamUnavailable, err)
		}
		if !ok {
			return Session{}, ErrInsufficientBalance
		}
	}

	sess := Session{
		ID:             s.newID(),
		CallerID:       callerID,
		CalleeID:       calleeID,
		CallType:       ct,
		State:          StateRinging,
		CreatedAt:      s.now().UTC(),
		PricePerMinute: rate,
		Version:        1,
	}

	// Every committed RINGING session has an armed timer.
	s.timeouts.Start(sess.ID, s.ringWindow)
	created, err := s.store.Create(ctx, sess)
	if err != nil {
		s.timeouts.Stop(sess.ID)
		return Session{}, err
	}

	s.log.Info("call initiated",
		"session_id", created.ID, "caller_id", callerID, "callee_id", calleeID, "call_type", ct)
	s.record(ctx, "", created, UserActor(callerID))
	s.fanout.Publish(ctx, created, callerID)
	return created, nil
}

func (s *Service) Accept(ctx context.Context, userID, sessionID string) (Session, error) {
	return s.transition(ctx, sessionID, EventAccept, UserActor(userID), "")
}

func (s *Service) Reject(ctx context.Context, userID, sessionID string) (Session, error) {
	return s.transition(ctx, sessionID, EventReject, UserActor(userID), "")
}

func (s *Service) Cancel(ctx context.Context, userID, sessionID string) (Session, error) {
	return s.transition(ctx, sessionID, EventCancel, UserActor(userID), "")
}

// End hangs up an accepted call. An empty reason means NORMAL.
func (s *Service) End(ctx context.Context, userID, sessionID string, reason EndReason) (Session, error) {
	return s.transition(ctx, sessionID, EventEnd, UserActor(userID), reason)
}

// Fail drives a session to FAILED on an unrecoverable signaling or network fault.
func (s *Service) Fail(ctx context.Context, sessionID string, reason EndReason) (Session, error) {
	return s.transition(ctx, sessionID, EventError, SystemActor, reason)
}

// Timeout drives a RINGING session to MISSED.
func (s *Service) Timeout(ctx context.Context, sessionID string) (Session, error) {
	return s.transition(ctx, sessionID, EventTimeout, SystemActor, "")
}

func (s *Service) transition(ctx context.Context, id string, ev Event, actor Actor, reason EndReason) (Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Session{}, ErrInvalidArgument
	}

	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		cur, err := s.store.Get(ctx, id)
		if err != nil {
			return Session{}, err
		}
		d, err := Decide(cur, ev, actor)
		if err != nil {
			return Session{}, err
		}
		if d.Noop {
			return cur, nil
		}

		now := s.now()
		if ev == EventAccept && cur.State == StateRinging && s.expired(cur, now) {
			// Too late to answer: settle as MISSED and report against that state.
			if _, err := s.Timeout(ctx, id); err != nil && !errors.Is(err, ErrInvalidTransition) {
				return Session{}, err
			}
			continue
		}

		stopped := false
		next, err := s.store.CompareAndTransition(ctx, id, cur.State, func(c Session) (Session, error) {
			if c.State == StateRinging {
				stopped = s.timeouts.Stop(id)
			}
			return applyTransition(c, ev, d.To, now, reason), nil
		})
		if errors.Is(err, errStateChanged) {
			continue
		}
		if err != nil {
			if stopped {
				s.timeouts.Start(id, cur.RingDeadline(s.ringWindow).Sub(s.now()))
			}
			return Session{}, err
		}
		return s.afterTransition(ctx, d.From, next, ev, actor), nil
	}
	return Session{}, fmt.Errorf("%w: session %s kept changing", ErrConflict, id)
}

func (s *Service) expired(cur Session, now time.Time) bool {
	return !now.Before(cur.RingDeadline(s.ringWindow))
}

func (s *Service) afterTransition(ctx context.Context, from State, next Session, ev Event, actor Actor) Session {
	s.log.Info("call transition",
		"session_id", next.ID, "event", ev, "from", from, "to", next.State,
		"actor", actor.String(), "end_reason", next.EndReason)
	s.record(ctx, from, next, actor)

	if next.State == StateEnded && s.biller != nil {
		billed, err := s.biller.Bill(ctx, next)
		if err != nil {
			s.log.Error("billing failed", "session_id", next.ID, "err", err)
		}
		next = billed
	}

	s.fanout.Publish(ctx, next, actor.UserID)
	return next
}

func (s *Service) record(ctx context.Context, from State, next Session, actor Actor) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.RecordTransition(ctx, from, next, actor); err != nil {
		s.log.Warn("audit record failed", "session_id", next.ID, "err", err)
	}
}

// onRingTimeout is the supervisor callback. It runs outside any request.
func (s *Service) onRingTimeout(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), timeoutFireBudget)
	defer cancel()

	_, err := s.Timeout(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNotFound):
		s.log.Debug("ring timer fired for settled session", "session_id", id, "err", err)
	default:
		s.log.Error("ring timeout not applied; retrying", "session_id", id, "err", err)
		s.timeouts.Start(id, timeoutRetryDelay)
	}
}

// Status is the authoritative snapshot for one of the parties. A RINGING
// session past its window is settled here even if its timer has not fired yet.
func (s *Service) Status(ctx context.Context, userID, sessionID string) (Session, error) {
	cur, err := s.store.Get(ctx, strings.TrimSpace(sessionID))
	if err != nil {
		return Session{}, err
	}
	if !cur.IsParty(userID) {
		return Session{}, ErrUnauthorized
	}
	if cur.State == StateRinging && s.expired(cur, s.now()) {
		if next, err := s.Timeout(ctx, cur.ID); err == nil {
			return next, nil
		}
		return s.store.Get(ctx, cur.ID)
	}
	return cur, nil
}

// Get returns a session without a party check; for operators and internal callers.
func (s *Service) Get(ctx context.Context, sessionID string) (Session, error) {
	return s.store.Get(ctx, strings.TrimSpace(sessionID))
}

func (s *Service) History(ctx context.Context, userID string, p Page) (HistoryPage, error) {
	if strings.TrimSpace(userID) == "" {
		return HistoryPage{}, ErrInvalidArgument
	}
	return s.store.ListHistory(ctx, userID, p)
}

func (s *Service) Missed(ctx context.Context, userID string) ([]Session, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidArgument
	}
	return s.store.ListMissed(ctx, userID)
}

func (s *Service) Active(ctx context.Context, userID string) ([]Session, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidArgument
	}
	return s.store.ListActive(ctx, userID)
}

// Recover re-arms ring timers for sessions left RINGING by a previous process
// and retries charges that failed before it stopped. Sessions already past
// their window fire immediately.
func (s *Service) Recover(ctx context.Context) (int, error) {
	ringing, err := s.store.ListRinging(ctx)
	if err != nil {
		return 0, err
	}
	now := s.now()
	for _, r := range ringing {
		s.timeouts.Start(r.ID, r.RingDeadline(s.ringWindow).Sub(now))
	}
	if len(ringing) > 0 {
		s.log.Info("ring timers recovered", "count", len(ringing))
	}
	if s.biller != nil {
		if _, err := s.biller.RetryUnbilled(ctx); err != nil {
			s.log.Error("unbilled call retry failed", "err", err)
		}
	}
	return len(ringing), nil
}
