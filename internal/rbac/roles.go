package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
	// RoleSystem is carried by internal service tokens (reconcilers, ops tooling).
	RoleSystem = "system"
)

func IsAdmin(role string) bool { return role == RoleAdmin }

// IsSystem reports whether role may drive system-only call events.
func IsSystem(role string) bool { return role == RoleSystem }
