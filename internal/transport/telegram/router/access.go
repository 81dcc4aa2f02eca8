package router

// Role is the caller's effective role, resolved once per update.
type Role int

const (
	RoleStudent Role = iota
	RoleCurator
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleCurator:
		return "curator"
	default:
		return "student"
	}
}

// Access is the minimum role a route requires.
type Access int

const (
	AccessEveryone Access = iota
	AccessCurator
	AccessAdmin
)

// Allowed is the authorization check: routes never wrap handlers in
// guard decorators, the router calls this before dispatching.
func Allowed(access Access, role Role) bool {
	switch access {
	case AccessEveryone:
		return true
	case AccessCurator:
		return role == RoleCurator || role == RoleAdmin
	case AccessAdmin:
		return role == RoleAdmin
	default:
		return false
	}
}
