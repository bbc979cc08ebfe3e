package cards

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"

	"github.com/alovak/bankcards/cards/models"
)

const (
	defaultTransferDescription = "Transfer between own cards"
	publishTimeout             = 5 * time.Second
)

// Transfer moves amount from one card to another. Both cards are locked in
// ascending id order and re-read inside the unit of work before any check
// that depends on their state; nothing is written unless every check passes.
func (s *Service) Transfer(ctx context.Context, req models.TransferRequest, principal models.Principal) (*models.Transaction, error) {
	amount := req.Amount
	if !amount.IsPositive() {
		return nil, validationErr("amount must be positive")
	}
	if !amount.Equal(amount.Truncate(2)) {
		return nil, validationErr("amount must have at most two decimal places")
	}

	description := strings.TrimSpace(req.Description)
	if description == "" {
		description = defaultTransferDescription
	}

	var out *models.Transaction
	err := s.inCardUnit(ctx, "transfer", []string{req.FromCardID, req.ToCardID}, func(ctx context.Context, uow UnitOfWork) error {
		found := make(map[string]*models.Card, 2)
		for _, id := range orderedKeys([]string{req.FromCardID, req.ToCardID}) {
			card, err := uow.GetCard(ctx, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return persistence("finding card", err)
			}
			found[id] = card
		}

		from, ok := found[req.FromCardID]
		if !ok {
			return cardNotFound(req.FromCardID)
		}
		to, ok := found[req.ToCardID]
		if !ok {
			return cardNotFound(req.ToCardID)
		}

		if err := authorize(from, principal, ActionTransfer); err != nil {
			return err
		}
		if err := authorize(to, principal, ActionTransfer); err != nil {
			return err
		}

		if from.ID == to.ID {
			return stateConflict("same card", from.ID)
		}

		if from.Status != models.CardStatusActive {
			return stateConflict("from card not active", from.ID)
		}
		if to.Status != models.CardStatusActive {
			return stateConflict("to card not active", to.ID)
		}

		if from.Balance.LessThan(amount) {
			return &Error{Kind: ErrInsufficientFunds, CardID: from.ID, Amount: &amount}
		}

		now := s.now().UTC()
		from.Balance = from.Balance.Sub(amount)
		from.UpdatedAt = now
		to.Balance = to.Balance.Add(amount)
		to.UpdatedAt = now

		if err := uow.SaveCard(ctx, from); err != nil {
			return persistence("debiting card", err)
		}
		if err := uow.SaveCard(ctx, to); err != nil {
			return persistence("crediting card", err)
		}

		tx := &models.Transaction{
			ID:          uuid.New().String(),
			FromCardID:  from.ID,
			ToCardID:    to.ID,
			Amount:      amount,
			Timestamp:   now,
			Status:      models.TransactionStatusCompleted,
			Description: description,
		}
		if err := uow.SaveTransaction(ctx, tx); err != nil {
			return persistence("recording transaction", err)
		}
		out = tx
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("transfer completed",
		slog.String("tx_id", out.ID),
		slog.String("from_card_id", out.FromCardID),
		slog.String("to_card_id", out.ToCardID),
		slog.String("amount", out.Amount.StringFixed(2)),
	)
	s.publish(ctx, out)
	return out, nil
}

// publish is best-effort: the transfer is already committed.
func (s *Service) publish(ctx context.Context, tx *models.Transaction) {
	if s.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.publisher.PublishTransferCompleted(ctx, tx); err != nil {
		s.logger.Warn("publishing transfer event", slog.String("tx_id", tx.ID), slog.Any("err", err))
	}
}

// ListTransactionsInvolving returns transactions where either side is one of
// cardIDs, newest first, each at most once.
func (s *Service) ListTransactionsInvolving(ctx context.Context, cardIDs []string) ([]*models.Transaction, error) {
	ids := orderedKeys(cardIDs)
	if len(ids) == 0 {
		return []*models.Transaction{}, nil
	}
	list, err := s.store.ListTransactionsByCards(ctx, ids)
	if err != nil {
		return nil, persistence("listing transactions", err)
	}
	seen := make(map[string]struct{}, len(list))
	out := make([]*models.Transaction, 0, len(list))
	for _, t := range list {
		if _, ok := seen[t.ID]; ok {
			continue
		}
		seen[t.ID] = struct{}{}
		out = append(out, t)
	}
	return out, nil
}

func (s *Service) ListMyTransactions(ctx context.Context, principal models.Principal) ([]*models.Transaction, error) {
	owned, err := s.ListMyCards(ctx, principal)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(owned))
	for _, c := range owned {
		ids = append(ids, c.ID)
	}
	return s.ListTransactionsInvolving(ctx, ids)
}

// GetTransaction returns a transaction visible to principal through either of
// its cards. Administrators see every transaction, including ones whose cards
// were deleted.
func (s *Service) GetTransaction(ctx context.Context, id string, principal models.Principal) (*models.Transaction, error) {
	tx, err := s.store.GetTransaction(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, &Error{Kind: ErrNotFound, Reason: "transaction not found", TransactionID: id}
	}
	if err != nil {
		return nil, persistence("finding transaction", err)
	}
	if principal.IsAdmin() {
		return tx, nil
	}
	for _, cardID := range []string{tx.FromCardID, tx.ToCardID} {
		card, err := s.store.GetCard(ctx, cardID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, persistence("finding card", err)
		}
		if Authorize(card, principal, ActionView) == Allowed {
			return tx, nil
		}
	}
	return nil, &Error{Kind: ErrAccessDenied, TransactionID: id, UserID: principal.UserID}
}

// TransactionView masks both sides. A side whose card no longer exists is
// shown as "****".
func (s *Service) TransactionView(ctx context.Context, tx *models.Transaction) (models.TransactionView, error) {
	from, err := s.maskedSide(ctx, tx.FromCardID)
	if err != nil {
		return models.TransactionView{}, err
	}
	to, err := s.maskedSide(ctx, tx.ToCardID)
	if err != nil {
		return models.TransactionView{}, err
	}
	return models.TransactionView{
		ID:          tx.ID,
		FromCardID:  tx.FromCardID,
		ToCardID:    tx.ToCardID,
		FromMasked:  from,
		ToMasked:    to,
		Amount:      tx.Amount,
		Timestamp:   tx.Timestamp,
		Status:      tx.Status,
		Description: tx.Description,
	}, nil
}

func (s *Service) TransactionViews(ctx context.Context, list []*models.Transaction) ([]models.TransactionView, error) {
	out := make([]models.TransactionView, 0, len(list))
	for _, t := range list {
		v, err := s.TransactionView(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *Service) maskedSide(ctx context.Context, cardID string) (string, error) {
	card, err := s.store.GetCard(ctx, cardID)
	if errors.Is(err, ErrNotFound) {
		return maskedSentinel, nil
	}
	if err != nil {
		return "", persistence("finding card", err)
	}
	return s.maskedPAN(card)
}

const maskedSentinel = "****"
