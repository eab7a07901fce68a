package httpapi

import (
	"context"
	"log/slog"

	"call-signaling/internal/calls"
	"call-signaling/internal/signaling"
)

// SignalRouter applies inbound signaling messages through the call service.
// The sender gets the resulting session back; the counterparty hears about it
// through the fanout.
type SignalRouter struct {
	Calls *calls.Service
	Log   *slog.Logger
}

func (r SignalRouter) Handle(ctx context.Context, c *signaling.Conn, env signaling.Envelope) {
	uid := c.UserID()

	var (
		s   calls.Session
		err error
	)
	switch env.Type {
	case signaling.TypeAccept:
		s, err = r.Calls.Accept(ctx, uid, env.SessionID)
	case signaling.TypeReject:
		s, err = r.Calls.Reject(ctx, uid, env.SessionID)
	case signaling.TypeCancel:
		s, err = r.Calls.Cancel(ctx, uid, env.SessionID)
	case signaling.TypeEnd:
		reason, ok := calls.ParseEndReason(env.Reason)
		if !ok {
			err = calls.ErrInvalidArgument
			break
		}
		s, err = r.Calls.End(ctx, uid, env.SessionID, reason)
	default:
		err = calls.ErrInvalidArgument
	}

	if err != nil {
		r.reply(c, errorEnvelope(env, err))
		return
	}
	r.reply(c, calls.EnvelopeFor(s))
}

func (r SignalRouter) reply(c *signaling.Conn, env signaling.Envelope) {
	if err := c.Send(env); err != nil {
		r.logger().Debug("signal reply dropped", "user_id", c.UserID(), "session_id", env.SessionID, "err", err)
	}
}

func (r SignalRouter) logger() *slog.Logger {
	if r.Log == nil {
		return slog.Default()
	}
	return r.Log
}

// errorEnvelope carries the error code and, when known, the authoritative
// state so the client can resync without polling.
func errorEnvelope(in signaling.Envelope, err error) signaling.Envelope {
	_, code := Classify(err)
	out := signaling.Envelope{
		Type:      signaling.TypeError,
		SessionID: in.SessionID,
		Code:      code,
	}
	if st, ok := calls.CurrentState(err); ok {
		out.Status = string(st)
	}
	return out
}
