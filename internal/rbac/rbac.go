// Package rbac decides whether an actor may touch a resource based on role and ownership.
package rbac

type Role string

const (
	RoleAdmin          Role = "Admin"
	RoleManager        Role = "Manager"
	RoleSalesExecutive Role = "Sales Executive"
)

// Actor is the authenticated identity performing a request.
type Actor struct {
	ID   string
	Role Role
}

// CanAccess reports whether an actor with the given role and id may act on a resource owned by
// ownerID. Admins and managers reach every resource; sales executives only their own.
func CanAccess(role Role, actorID, ownerID string) bool {
	switch role {
	case RoleAdmin, RoleManager:
		return true
	case RoleSalesExecutive:
		return actorID != "" && actorID == ownerID
	default:
		return false
	}
}

func (a Actor) CanAccess(ownerID string) bool {
	return CanAccess(a.Role, a.ID, ownerID)
}

// Privileged reports whether the role sees every record regardless of owner.
func Privileged(role Role) bool {
	return role == RoleAdmin || role == RoleManager
}

func Valid(role string) bool {
	switch Role(role) {
	case RoleAdmin, RoleManager, RoleSalesExecutive:
		return true
	default:
		return false
	}
}

// Normalize maps stored role strings onto a known role, falling back to the least privileged one.
func Normalize(role string) Role {
	switch role {
	case string(RoleAdmin), string(RoleManager), string(RoleSalesExecutive):
		return Role(role)
	default:
		return RoleSalesExecutive
	}
}
