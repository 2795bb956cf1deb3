package identity

import "errors"

// Actor is an authenticated caller resolved from an API token.
type Actor struct {
	ID    int64
	Name  string
	Roles []string
}

// Role names gating procurement lifecycle actions.
const (
	RoleView      = "procurement.view"
	RoleRequester = "procurement.requester"
	RoleApprover  = "procurement.approver"
	RoleBuyer     = "procurement.buyer"
	RoleInspector = "procurement.inspector"
	RolePoster    = "procurement.poster"

	RoleMasterView = "masterdata.view"
	RoleMasterEdit = "masterdata.edit"
)

var (
	// ErrInvalidToken indicates the presented credential could not be resolved.
	ErrInvalidToken = errors.New("identity: invalid token")
	// ErrInactiveActor indicates the actor exists but is disabled.
	ErrInactiveActor = errors.New("identity: actor inactive")
)

// HasAny reports whether the actor holds at least one of the given roles.
func (a Actor) HasAny(roles ...string) bool {
	if len(roles) == 0 {
		return true
	}
	held := make(map[string]struct{}, len(a.Roles))
	for _, r := range a.Roles {
		held[r] = struct{}{}
	}
	for _, r := range roles {
		if _, ok := held[r]; ok {
			return true
		}
	}
	return false
}
