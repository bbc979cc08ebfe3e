package cards

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Kind is the closed set of failure categories. Each Kind is itself an error
// so callers can branch with errors.Is(err, cards.ErrNotFound).
type Kind string

func (k Kind) Error() string { return string(k) }

const (
	ErrValidation        Kind = "validation error"
	ErrNotFound          Kind = "not found"
	ErrAccessDenied      Kind = "access denied"
	ErrStateConflict     Kind = "state conflict"
	ErrExpired           Kind = "card expired"
	ErrInsufficientFunds Kind = "insufficient funds"
	ErrBusy              Kind = "busy"
	ErrPersistence       Kind = "persistence failure"
)

// Error carries a Kind plus whatever context identifies the failing entity.
// Err is set for PersistenceFailure and holds the storage error unchanged.
type Error struct {
	Kind          Kind
	Reason        string
	CardID        string
	TransactionID string
	UserID        string
	Amount        *decimal.Decimal
	Err           error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Kind))
	if e.Reason != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Reason)
	}
	if e.CardID != "" {
		fmt.Fprintf(&sb, " (card %s)", e.CardID)
	}
	if e.TransactionID != "" {
		fmt.Fprintf(&sb, " (transaction %s)", e.TransactionID)
	}
	if e.UserID != "" {
		fmt.Fprintf(&sb, " (user %s)", e.UserID)
	}
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}
	return sb.String()
}

func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or "" when err is not a domain error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return ""
}

func validationErr(reason string) error {
	return &Error{Kind: ErrValidation, Reason: reason}
}

func cardNotFound(id string) error {
	return &Error{Kind: ErrNotFound, Reason: "card not found", CardID: id}
}

func accessDenied(cardID, userID string) error {
	return &Error{Kind: ErrAccessDenied, CardID: cardID, UserID: userID}
}

func stateConflict(reason, cardID string) error {
	return &Error{Kind: ErrStateConflict, Reason: reason, CardID: cardID}
}

func busyErr(reason string, err error) error {
	return &Error{Kind: ErrBusy, Reason: reason, Err: err}
}

// persistence wraps a storage error unless it is already a domain error.
func persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != "" {
		return err
	}
	return &Error{Kind: ErrPersistence, Reason: op, Err: err}
}
