package cards

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/alovak/bankcards/cards/models"
)

type CardStore interface {
	GetCard(ctx context.Context, id string) (*models.Card, error)
	SaveCard(ctx context.Context, card *models.Card) error
	DeleteCard(ctx context.Context, id string) error
	ListCardsByOwner(ctx context.Context, ownerID string) ([]*models.Card, error)
	ListCards(ctx context.Context) ([]*models.Card, error)
}

type TransactionStore interface {
	SaveTransaction(ctx context.Context, tx *models.Transaction) error
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
	// ListTransactionsByCards returns distinct transactions with either side in
	// cardIDs, newest first.
	ListTransactionsByCards(ctx context.Context, cardIDs []string) ([]*models.Transaction, error)
}

type UserDirectory interface {
	UserExists(ctx context.Context, userID string) (bool, error)
}

// UnitOfWork groups reads and writes that commit or roll back together. Reads
// through a unit of work see its own staged writes.
type UnitOfWork interface {
	GetCard(ctx context.Context, id string) (*models.Card, error)
	SaveCard(ctx context.Context, card *models.Card) error
	DeleteCard(ctx context.Context, id string) error
	SaveTransaction(ctx context.Context, tx *models.Transaction) error
	Commit() error
	Rollback() error
}

type Store interface {
	CardStore
	TransactionStore
	UserDirectory
	Begin(ctx context.Context) (UnitOfWork, error)
}

// Repository is the card store. With a nil db it keeps everything in memory
// (tests and local runs); otherwise it talks to PostgreSQL.
type Repository struct {
	mu           sync.RWMutex
	cards        map[string]*models.Card
	panIndex     map[string]string
	transactions []*models.Transaction
	users        map[string]*models.User

	db          *sql.DB
	lockTimeout time.Duration
}

func NewRepository() *Repository {
	return &Repository{
		cards:    make(map[string]*models.Card),
		panIndex: make(map[string]string),
		users:    make(map[string]*models.User),
	}
}

// NewPGRepository constructs a db-backed repository. lockTimeout bounds row
// lock waits inside a unit of work.
func NewPGRepository(db *sql.DB, lockTimeout time.Duration) *Repository {
	return &Repository{db: db, lockTimeout: lockTimeout}
}

// Ping returns DB readiness
func (r *Repository) Ping(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	return r.db.PingContext(ctx)
}

func (r *Repository) AddUser(ctx context.Context, user *models.User) error {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		cp := *user
		r.users[user.ID] = &cp
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
        INSERT INTO bank.users(user_id, username) VALUES ($1,$2)
        ON CONFLICT (user_id) DO UPDATE SET username = EXCLUDED.username
    `, user.ID, user.Username)
	return mapPGError(err)
}

func (r *Repository) UserExists(ctx context.Context, userID string) (bool, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		_, ok := r.users[userID]
		return ok, nil
	}
	var ok bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM bank.users WHERE user_id=$1)`, userID).Scan(&ok)
	return ok, err
}

func (r *Repository) GetCard(ctx context.Context, id string) (*models.Card, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		c, ok := r.cards[id]
		if !ok {
			return nil, ErrNotFound
		}
		return c.Clone(), nil
	}
	return scanCard(r.db.QueryRowContext(ctx, selectCard+` WHERE card_id=$1`, id))
}

// SaveCard inserts or replaces a card outside any unit of work.
func (r *Repository) SaveCard(ctx context.Context, card *models.Card) error {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.putCardLocked(card)
	}
	return upsertCard(ctx, r.db, card)
}

func (r *Repository) DeleteCard(ctx context.Context, id string) error {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.deleteCardLocked(id)
	}
	return deleteCard(ctx, r.db, id)
}

func (r *Repository) ListCardsByOwner(ctx context.Context, ownerID string) ([]*models.Card, error) {
	if r.db == nil {
		return r.listMem(func(c *models.Card) bool { return c.OwnerID == ownerID }), nil
	}
	return r.queryCards(ctx, selectCard+` WHERE owner_id=$1 ORDER BY created_at, card_id`, ownerID)
}

func (r *Repository) ListCards(ctx context.Context) ([]*models.Card, error) {
	if r.db == nil {
		return r.listMem(func(*models.Card) bool { return true }), nil
	}
	return r.queryCards(ctx, selectCard+` ORDER BY created_at, card_id`)
}

func (r *Repository) SaveTransaction(ctx context.Context, tx *models.Transaction) error {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		cp := *tx
		r.transactions = append(r.transactions, &cp)
		return nil
	}
	return insertTransaction(ctx, r.db, tx)
}

func (r *Repository) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		for _, t := range r.transactions {
			if t.ID == id {
				cp := *t
				return &cp, nil
			}
		}
		return nil, ErrNotFound
	}
	row := r.db.QueryRowContext(ctx, selectTransaction+` WHERE tx_id=$1`, id)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (r *Repository) ListTransactionsByCards(ctx context.Context, cardIDs []string) ([]*models.Transaction, error) {
	if len(cardIDs) == 0 {
		return nil, nil
	}
	if r.db == nil {
		set := make(map[string]struct{}, len(cardIDs))
		for _, id := range cardIDs {
			set[id] = struct{}{}
		}
		r.mu.RLock()
		var out []*models.Transaction
		for _, t := range r.transactions {
			_, from := set[t.FromCardID]
			_, to := set[t.ToCardID]
			if from || to {
				cp := *t
				out = append(out, &cp)
			}
		}
		r.mu.RUnlock()
		sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
		return out, nil
	}
	rows, err := r.db.QueryContext(ctx, selectTransaction+`
        WHERE from_card_id = ANY($1) OR to_card_id = ANY($1)
        ORDER BY created_at DESC, tx_id DESC`, pq.Array(cardIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Begin opens a unit of work. On PostgreSQL it is a transaction with bounded
// lock and statement waits; cards read through it are locked FOR UPDATE.
func (r *Repository) Begin(ctx context.Context) (UnitOfWork, error) {
	if r.db == nil {
		return newMemUnitOfWork(r), nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapPGError(err)
	}
	if r.lockTimeout > 0 {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`SET LOCAL lock_timeout = '%dms'`, r.lockTimeout.Milliseconds())); err != nil {
			_ = tx.Rollback()
			return nil, mapPGError(err)
		}
	}
	if _, err := tx.ExecContext(ctx, `SET LOCAL statement_timeout = '5s'`); err != nil {
		_ = tx.Rollback()
		return nil, mapPGError(err)
	}
	return &pgUnitOfWork{tx: tx}, nil
}

func (r *Repository) listMem(keep func(*models.Card) bool) []*models.Card {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Card, 0)
	for _, c := range r.cards {
		if keep(c) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// putCardLocked must be called with r.mu held for writing.
func (r *Repository) putCardLocked(card *models.Card) error {
	fp := hex.EncodeToString(card.PANFingerprint)
	if fp != "" {
		if owner, ok := r.panIndex[fp]; ok && owner != card.ID {
			return errDuplicatePAN
		}
	}
	if prev, ok := r.cards[card.ID]; ok {
		delete(r.panIndex, hex.EncodeToString(prev.PANFingerprint))
	}
	r.cards[card.ID] = card.Clone()
	if fp != "" {
		r.panIndex[fp] = card.ID
	}
	return nil
}

// deleteCardLocked must be called with r.mu held for writing.
func (r *Repository) deleteCardLocked(id string) error {
	c, ok := r.cards[id]
	if !ok {
		return ErrNotFound
	}
	delete(r.panIndex, hex.EncodeToString(c.PANFingerprint))
	delete(r.cards, id)
	return nil
}

func (r *Repository) queryCards(ctx context.Context, query string, args ...any) ([]*models.Card, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.Card, 0)
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

var errDuplicatePAN = &Error{Kind: ErrStateConflict, Reason: "card number already registered"}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

const selectCard = `SELECT card_id, owner_id, pan_ciphertext, pan_hash, holder, expire_date, status, balance, created_at, updated_at FROM bank.cards`

const selectTransaction = `SELECT tx_id, from_card_id, to_card_id, amount, created_at, status, description FROM bank.transactions`

func scanCard(row scanner) (*models.Card, error) {
	var c models.Card
	var status string
	err := row.Scan(&c.ID, &c.OwnerID, &c.PANCiphertext, &c.PANFingerprint, &c.Holder, &c.ExpireDate, &status, &c.Balance, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapPGError(err)
	}
	c.Status = models.CardStatus(status)
	c.ExpireDate = time.Date(c.ExpireDate.Year(), c.ExpireDate.Month(), c.ExpireDate.Day(), 0, 0, 0, 0, time.UTC)
	return &c, nil
}

func scanTransaction(row scanner) (*models.Transaction, error) {
	var t models.Transaction
	var status string
	if err := row.Scan(&t.ID, &t.FromCardID, &t.ToCardID, &t.Amount, &t.Timestamp, &status, &t.Description); err != nil {
		return nil, err
	}
	t.Status = models.TransactionStatus(status)
	return &t, nil
}

func upsertCard(ctx context.Context, db execer, c *models.Card) error {
	_, err := db.ExecContext(ctx, `
        INSERT INTO bank.cards(card_id, owner_id, pan_ciphertext, pan_hash, holder, expire_date, status, balance, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
        ON CONFLICT (card_id) DO UPDATE SET
            holder      = EXCLUDED.holder,
            expire_date = EXCLUDED.expire_date,
            status      = EXCLUDED.status,
            balance     = EXCLUDED.balance,
            updated_at  = EXCLUDED.updated_at
    `, c.ID, c.OwnerID, c.PANCiphertext, c.PANFingerprint, c.Holder, c.ExpireDate, string(c.Status), c.Balance, c.CreatedAt, c.UpdatedAt)
	if isUniqueViolation(err) {
		return errDuplicatePAN
	}
	return mapPGError(err)
}

func deleteCard(ctx context.Context, db execer, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM bank.cards WHERE card_id=$1`, id)
	if err != nil {
		return mapPGError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func insertTransaction(ctx context.Context, db execer, t *models.Transaction) error {
	_, err := db.ExecContext(ctx, `
        INSERT INTO bank.transactions(tx_id, from_card_id, to_card_id, amount, created_at, status, description)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
    `, t.ID, t.FromCardID, t.ToCardID, t.Amount, t.Timestamp, string(t.Status), t.Description)
	return mapPGError(err)
}

func pgCode(err error) string {
	var pe *pq.Error
	if errors.As(err, &pe) {
		return string(pe.Code)
	}
	var pgerr *pgconn.PgError
	if errors.As(err, &pgerr) {
		return pgerr.Code
	}
	return ""
}

func isUniqueViolation(err error) bool {
	return err != nil && pgCode(err) == "23505"
}

// mapPGError turns lock_not_available, serialization_failure and
// deadlock_detected into Busy; other errors pass through.
func mapPGError(err error) error {
	if err == nil {
		return nil
	}
	switch pgCode(err) {
	case "55P03", "40001", "40P01":
		return busyErr("card row locked", err)
	}
	return err
}
