package models

const (
	RoleUser  = "USER"
	RoleAdmin = "ADMIN"
)

// Principal is the authenticated identity an operation runs on behalf of.
// It is resolved by the caller and passed explicitly into every operation.
type Principal struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
}

func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (p Principal) IsAdmin() bool {
	return p.HasRole(RoleAdmin)
}
