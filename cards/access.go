package cards

import "github.com/alovak/bankcards/cards/models"

type Action string

const (
	ActionView     Action = "view"
	ActionBlock    Action = "block"
	ActionActivate Action = "activate"
	ActionDelete   Action = "delete"
	ActionTransfer Action = "transfer"
)

type Decision bool

const (
	Allowed Decision = true
	Denied  Decision = false
)

// Authorize allows the card owner and administrators, for every action.
func Authorize(card *models.Card, principal models.Principal, action Action) Decision {
	if card == nil || principal.UserID == "" {
		return Denied
	}
	if principal.IsAdmin() {
		return Allowed
	}
	if card.OwnerID == principal.UserID {
		return Allowed
	}
	return Denied
}

// RequireAdmin guards operations that have no card to check yet.
func RequireAdmin(principal models.Principal) error {
	if principal.IsAdmin() {
		return nil
	}
	return &Error{Kind: ErrAccessDenied, Reason: "admin role required", UserID: principal.UserID}
}

func authorize(card *models.Card, principal models.Principal, action Action) error {
	if Authorize(card, principal, action) == Allowed {
		return nil
	}
	id := ""
	if card != nil {
		id = card.ID
	}
	return accessDenied(id, principal.UserID)
}
