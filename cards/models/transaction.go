package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionStatus string

const (
	TransactionStatusCompleted TransactionStatus = "COMPLETED"
	TransactionStatusFailed    TransactionStatus = "FAILED"
	TransactionStatusPending   TransactionStatus = "PENDING"
)

// Transaction is an append-only ledger entry. Card references are ids only.
type Transaction struct {
	ID          string            `json:"id"`
	FromCardID  string            `json:"from_card_id"`
	ToCardID    string            `json:"to_card_id"`
	Amount      decimal.Decimal   `json:"amount"`
	Timestamp   time.Time         `json:"timestamp"`
	Status      TransactionStatus `json:"status"`
	Description string            `json:"description"`
}

type TransferRequest struct {
	FromCardID  string          `json:"from_card_id"`
	ToCardID    string          `json:"to_card_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
}

// TransactionView is a transaction with both sides shown as masked PANs.
type TransactionView struct {
	ID          string            `json:"id"`
	FromCardID  string            `json:"from_card_id"`
	ToCardID    string            `json:"to_card_id"`
	FromMasked  string            `json:"from_card_masked"`
	ToMasked    string            `json:"to_card_masked"`
	Amount      decimal.Decimal   `json:"amount"`
	Timestamp   time.Time         `json:"timestamp"`
	Status      TransactionStatus `json:"status"`
	Description string            `json:"description"`
}
