package calls

import (
	"context"

	"call-signaling/internal/audit"
)

// AuditAdapter bridges the service's transition hook to the shared audit.Service.
type AuditAdapter struct {
	Audit *audit.Service
}

func (a AuditAdapter) RecordTransition(ctx context.Context, from State, s Session, actor Actor) error {
	if a.Audit == nil {
		return nil
	}
	role := "user"
	if actor.System {
		role = "system"
	}
	return a.Audit.LogTransition(ctx, s.ID, string(from), string(s.State), actor.UserID, role, string(s.EndReason))
}
