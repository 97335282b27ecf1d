package rbac

type Role string
type Action string

const (
	RoleAdmin  Role = "admin"
	RoleClient Role = "client"
	RoleNone   Role = ""
)

const (
	ActionRead   Action = "read"
	ActionReview Action = "review"
	ActionManage Action = "manage"
)

// Can reports whether a role may perform an action. Admins manage all
// records; clients read their own data and review pending updates.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return action == ActionRead || action == ActionManage
	case RoleClient:
		return action == ActionRead || action == ActionReview
	default:
		return false
	}
}

// Normalize maps an unrecognized role to RoleNone, which routes the
// user to the public landing page.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleAdmin, RoleClient:
		return Role(role)
	default:
		return RoleNone
	}
}
