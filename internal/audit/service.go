package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// No Update/Delete methods are provided by design.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs internal audit information.
//
// IMPORTANT:
// - Audit is internal-only. Do not expose these records to call parties.
// - Callers should treat audit logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}
	if e.Type == EventTypeCallTransition && (e.SessionID == "" || e.ToState == "") {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// LogTransition records one applied call state change. An empty actor means
// the system (ring timer, fault handling).
func (s *Service) LogTransition(ctx context.Context, sessionID, from, to, actorUserID, actorRole, message string) error {
	if actorUserID == "" && actorRole == "" {
		actorRole = "system"
	}
	return s.Append(ctx, Event{
		Type:        EventTypeCallTransition,
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		SessionID:   sessionID,
		FromState:   from,
		ToState:     to,
		Message:     message,
	})
}

// LogAdminAction records an operator intervention on a session.
func (s *Service) LogAdminAction(ctx context.Context, actorUserID, actorRole, ip, message, sessionID, metadata string) error {
	return s.Append(ctx, Event{
		Type:        EventTypeAdminAction,
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		IPAddress:   ip,
		SessionID:   sessionID,
		Message:     message,
		Metadata:    metadata,
	})
}
