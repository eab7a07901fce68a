package calls

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"call-signaling/internal/signaling"
)

// Notifier pushes an envelope to every live channel of a user.
// It returns signaling.ErrChannelUnavailable when the user has none.
type Notifier interface {
	Notify(ctx context.Context, userID string, env signaling.Envelope) error
}

const defaultPublishTimeout = 2 * time.Second

// Fanout delivers state changes to the counterparty, best effort.
// Undelivered events are left for the client's poller.
type Fanout struct {
	notifier Notifier
	log      *slog.Logger
	timeout  time.Duration
}

func NewFanout(n Notifier, log *slog.Logger) *Fanout {
	if log == nil {
		log = slog.Default()
	}
	return &Fanout{notifier: n, log: log, timeout: defaultPublishTimeout}
}

// Publish notifies every party other than actorID. A system event (empty
// actorID) goes to both parties.
func (f *Fanout) Publish(ctx context.Context, s Session, actorID string) {
	if f == nil || f.notifier == nil {
		return
	}
	env := EnvelopeFor(s)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
	defer cancel()

	for _, uid := range Recipients(s, actorID) {
		err := f.notifier.Notify(ctx, uid, env)
		switch {
		case err == nil:
		case errors.Is(err, signaling.ErrChannelUnavailable):
			f.log.Debug("no live channel; left for poller",
				"session_id", s.ID, "user_id", uid, "type", env.Type)
		default:
			f.log.Warn("signal push failed",
				"session_id", s.ID, "user_id", uid, "type", env.Type, "err", err)
		}
	}
}

// Recipients lists who hears about a change made by actorID.
func Recipients(s Session, actorID string) []string {
	switch actorID {
	case s.CallerID:
		return []string{s.CalleeID}
	case s.CalleeID:
		return []string{s.CallerID}
	default:
		return []string{s.CallerID, s.CalleeID}
	}
}

var stateMessage = map[State]signaling.MessageType{
	StateRinging:   signaling.TypeInvite,
	StateAccepted:  signaling.TypeAccept,
	StateRejected:  signaling.TypeReject,
	StateCancelled: signaling.TypeCancel,
	StateEnded:     signaling.TypeEnd,
	StateMissed:    signaling.TypeTimeout,
	StateFailed:    signaling.TypeFailed,
}

// EnvelopeFor renders the session's current state as a channel frame.
func EnvelopeFor(s Session) signaling.Envelope {
	return signaling.Envelope{
		Type:       stateMessage[s.State],
		SessionID:  s.ID,
		CallerID:   s.CallerID,
		ReceiverID: s.CalleeID,
		Status:     string(s.State),
		Version:    s.Version,
		Reason:     string(s.EndReason),
	}
}
