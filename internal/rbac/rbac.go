// Package rbac maps account roles to the actions they may perform.
package rbac

type Role string
type Action string

const (
	RoleUser    Role = "user"
	RoleManager Role = "manager"
	RoleAdmin   Role = "admin"
)

const (
	// ActionRead covers every list and detail view.
	ActionRead Action = "read"
	// ActionEdit covers board moves, note edits and checklist ticks.
	ActionEdit Action = "edit"
	// ActionManage covers performances, scenes, locations and deletes.
	ActionManage Action = "manage"
	// ActionAdmin covers account approval and role changes.
	ActionAdmin Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleManager:
		return action == ActionRead || action == ActionEdit || action == ActionManage
	case RoleUser:
		return action == ActionRead || action == ActionEdit
	default:
		return false
	}
}

// Normalize maps unknown role names to the least privileged role.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleUser, RoleManager, RoleAdmin:
		return Role(role)
	default:
		return RoleUser
	}
}
