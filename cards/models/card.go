package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type CardStatus string

const (
	CardStatusActive  CardStatus = "ACTIVE"
	CardStatusBlocked CardStatus = "BLOCKED"
	CardStatusExpired CardStatus = "EXPIRED"
)

// Card is the stored form of a bank card. The PAN is only ever held as
// ciphertext and a keyed fingerprint; neither is serialized.
type Card struct {
	ID             string          `json:"id"`
	PANCiphertext  string          `json:"-"`
	PANFingerprint []byte          `json:"-"`
	Holder         string          `json:"holder"`
	ExpireDate     time.Time       `json:"expire_date"`
	Status         CardStatus      `json:"status"`
	Balance        decimal.Decimal `json:"balance"`
	OwnerID        string          `json:"owner_id"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (c *Card) Clone() *Card {
	if c == nil {
		return nil
	}
	cp := *c
	if c.PANFingerprint != nil {
		cp.PANFingerprint = append([]byte(nil), c.PANFingerprint...)
	}
	return &cp
}

// CardView is the display-safe representation of a card.
type CardView struct {
	ID         string          `json:"id"`
	MaskedPAN  string          `json:"masked_pan"`
	Holder     string          `json:"holder"`
	ExpireDate string          `json:"expire_date"`
	Status     CardStatus      `json:"status"`
	Balance    decimal.Decimal `json:"balance"`
	OwnerID    string          `json:"owner_id"`
}

type CreateCard struct {
	PAN        string    `json:"pan"`
	Holder     string    `json:"holder"`
	ExpireDate time.Time `json:"expire_date"`
	OwnerID    string    `json:"owner_id"`
}

// User is the minimal owner record the card store resolves owner ids against.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}
