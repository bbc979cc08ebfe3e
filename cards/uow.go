package cards

import (
	"context"
	"database/sql"
	"errors"

	"github.com/alovak/bankcards/cards/models"
)

var errUnitClosed = errors.New("unit of work already closed")

// memUnitOfWork stages writes and applies them under the repository lock on
// Commit. Card locks held by the caller keep concurrent units from touching
// the same cards.
type memUnitOfWork struct {
	repo   *Repository
	cards  map[string]*models.Card // nil value marks a delete
	order  []string
	txs    []*models.Transaction
	closed bool
}

func newMemUnitOfWork(repo *Repository) *memUnitOfWork {
	return &memUnitOfWork{repo: repo, cards: make(map[string]*models.Card)}
}

func (u *memUnitOfWork) GetCard(ctx context.Context, id string) (*models.Card, error) {
	if u.closed {
		return nil, errUnitClosed
	}
	if c, ok := u.cards[id]; ok {
		if c == nil {
			return nil, ErrNotFound
		}
		return c.Clone(), nil
	}
	return u.repo.GetCard(ctx, id)
}

func (u *memUnitOfWork) stage(id string, c *models.Card) {
	if _, ok := u.cards[id]; !ok {
		u.order = append(u.order, id)
	}
	u.cards[id] = c
}

func (u *memUnitOfWork) SaveCard(_ context.Context, card *models.Card) error {
	if u.closed {
		return errUnitClosed
	}
	u.stage(card.ID, card.Clone())
	return nil
}

func (u *memUnitOfWork) DeleteCard(ctx context.Context, id string) error {
	if u.closed {
		return errUnitClosed
	}
	if _, err := u.GetCard(ctx, id); err != nil {
		return err
	}
	u.stage(id, nil)
	return nil
}

func (u *memUnitOfWork) SaveTransaction(_ context.Context, tx *models.Transaction) error {
	if u.closed {
		return errUnitClosed
	}
	cp := *tx
	u.txs = append(u.txs, &cp)
	return nil
}

// Commit validates every staged write before applying any of them.
func (u *memUnitOfWork) Commit() error {
	if u.closed {
		return errUnitClosed
	}
	u.closed = true

	r := u.repo
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range u.order {
		c := u.cards[id]
		if c == nil {
			if _, ok := r.cards[id]; !ok {
				return ErrNotFound
			}
			continue
		}
		if c.Balance.IsNegative() {
			return &Error{Kind: ErrStateConflict, Reason: "negative balance", CardID: id}
		}
		if fp := string(c.PANFingerprint); fp != "" {
			for otherID, other := range r.cards {
				if otherID != id && string(other.PANFingerprint) == fp {
					if staged, ok := u.cards[otherID]; !ok || staged != nil {
						return errDuplicatePAN
					}
				}
			}
		}
	}

	for _, id := range u.order {
		if u.cards[id] == nil {
			_ = r.deleteCardLocked(id)
		}
	}
	for _, id := range u.order {
		if c := u.cards[id]; c != nil {
			_ = r.putCardLocked(c)
		}
	}
	r.transactions = append(r.transactions, u.txs...)
	return nil
}

func (u *memUnitOfWork) Rollback() error {
	u.closed = true
	u.cards = nil
	u.txs = nil
	return nil
}

// pgUnitOfWork runs on one sql.Tx; GetCard takes a row lock.
type pgUnitOfWork struct {
	tx *sql.Tx
}

func (u *pgUnitOfWork) GetCard(ctx context.Context, id string) (*models.Card, error) {
	return scanCard(u.tx.QueryRowContext(ctx, selectCard+` WHERE card_id=$1 FOR UPDATE`, id))
}

func (u *pgUnitOfWork) SaveCard(ctx context.Context, card *models.Card) error {
	return upsertCard(ctx, u.tx, card)
}

func (u *pgUnitOfWork) DeleteCard(ctx context.Context, id string) error {
	return deleteCard(ctx, u.tx, id)
}

func (u *pgUnitOfWork) SaveTransaction(ctx context.Context, tx *models.Transaction) error {
	return insertTransaction(ctx, u.tx, tx)
}

func (u *pgUnitOfWork) Commit() error {
	return mapPGError(u.tx.Commit())
}

func (u *pgUnitOfWork) Rollback() error {
	err := u.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}
