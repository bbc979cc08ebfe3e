package cards

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/exp/slog"

	"github.com/alovak/bankcards/cards/models"
	"github.com/alovak/bankcards/internal/cardgen"
	"github.com/alovak/bankcards/internal/expiry"
	"github.com/alovak/bankcards/internal/security"
)

// holderRule applies to the trimmed holder name.
const holderRule = "required,max=100"

// TransferPublisher is notified after a transfer commits.
type TransferPublisher interface {
	PublishTransferCompleted(ctx context.Context, tx *models.Transaction) error
}

type Service struct {
	store        Store
	codec        security.PANCodec
	fingerprints security.Fingerprinter
	locker       Locker
	publisher    TransferPublisher
	logger       *slog.Logger

	now      func() time.Time
	loc      *time.Location
	attempts int
	backoff  time.Duration
}

type ServiceOption func(*Service)

func WithLocker(l Locker) ServiceOption { return func(s *Service) { s.locker = l } }

func WithPublisher(p TransferPublisher) ServiceOption { return func(s *Service) { s.publisher = p } }

func WithLogger(l *slog.Logger) ServiceOption { return func(s *Service) { s.logger = l } }

// WithClock replaces time.Now; expiry checks use the clock's civil date in loc.
func WithClock(now func() time.Time, loc *time.Location) ServiceOption {
	return func(s *Service) {
		s.now = now
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithRetry sets how many times a busy unit of work is attempted and the
// linear backoff step between attempts.
func WithRetry(attempts int, backoff time.Duration) ServiceOption {
	return func(s *Service) {
		if attempts > 0 {
			s.attempts = attempts
		}
		s.backoff = backoff
	}
}

func NewService(store Store, codec security.PANCodec, fingerprints security.Fingerprinter, opts ...ServiceOption) *Service {
	s := &Service{
		store:        store,
		codec:        codec,
		fingerprints: fingerprints,
		locker:       NewKeyedLocker(2 * time.Second),
		logger:       slog.Default(),
		now:          time.Now,
		loc:          time.UTC,
		attempts:     3,
		backoff:      50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) CreateCard(ctx context.Context, req models.CreateCard, principal models.Principal) (*models.Card, error) {
	if err := RequireAdmin(principal); err != nil {
		return nil, err
	}

	pan := req.PAN
	if err := cardgen.ValidatePAN(pan); err != nil {
		return nil, validationErr("card number must be 16 digits")
	}

	holder := strings.TrimSpace(req.Holder)
	if err := validateVar("holder", holder, holderRule); err != nil {
		return nil, err
	}

	exists, err := s.store.UserExists(ctx, req.OwnerID)
	if err != nil {
		return nil, persistence("finding owner", err)
	}
	if !exists {
		return nil, &Error{Kind: ErrNotFound, Reason: "owner not found", UserID: req.OwnerID}
	}

	if req.ExpireDate.IsZero() {
		return nil, validationErr("expire date is required")
	}
	if expiry.IsPast(req.ExpireDate, s.now(), s.loc) {
		return nil, validationErr("expire date is in the past")
	}

	ciphertext, err := s.codec.Encrypt(pan)
	if err != nil {
		return nil, persistence("encrypting pan", err)
	}

	now := s.now().UTC()
	card := &models.Card{
		ID:             uuid.New().String(),
		PANCiphertext:  ciphertext,
		PANFingerprint: s.fingerprints.Fingerprint(pan),
		Holder:         holder,
		ExpireDate:     expiry.Civil(req.ExpireDate, time.UTC),
		Status:         models.CardStatusActive,
		Balance:        decimal.Zero,
		OwnerID:        req.OwnerID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.SaveCard(ctx, card); err != nil {
		return nil, persistence("creating card", err)
	}

	s.logger.Info("card created", slog.String("card_id", card.ID), slog.String("owner_id", card.OwnerID))
	return card, nil
}

func (s *Service) GetCard(ctx context.Context, id string, principal models.Principal) (*models.Card, error) {
	card, err := s.store.GetCard(ctx, id)
	if err != nil {
		return nil, notFoundOr(err, id, "finding card")
	}
	if err := authorize(card, principal, ActionView); err != nil {
		return nil, err
	}
	return card, nil
}

func (s *Service) ListMyCards(ctx context.Context, principal models.Principal) ([]*models.Card, error) {
	list, err := s.store.ListCardsByOwner(ctx, principal.UserID)
	if err != nil {
		return nil, persistence("listing cards", err)
	}
	return list, nil
}

func (s *Service) ListAllCards(ctx context.Context, principal models.Principal) ([]*models.Card, error) {
	if err := RequireAdmin(principal); err != nil {
		return nil, err
	}
	list, err := s.store.ListCards(ctx)
	if err != nil {
		return nil, persistence("listing cards", err)
	}
	return list, nil
}

// BlockCard moves an ACTIVE or BLOCKED card to BLOCKED. Expired cards stay as
// they are.
func (s *Service) BlockCard(ctx context.Context, id string, principal models.Principal) (*models.Card, error) {
	var out *models.Card
	err := s.inCardUnit(ctx, "block", []string{id}, func(ctx context.Context, uow UnitOfWork) error {
		card, err := loadCard(ctx, uow, id)
		if err != nil {
			return err
		}
		if err := authorize(card, principal, ActionBlock); err != nil {
			return err
		}
		out = card
		switch card.Status {
		case models.CardStatusExpired:
			return stateConflict("card expired", id)
		case models.CardStatusBlocked:
			return nil
		}
		card.Status = models.CardStatusBlocked
		card.UpdatedAt = s.now().UTC()
		return persistence("saving card", uow.SaveCard(ctx, card))
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("card blocked", slog.String("card_id", id))
	return out, nil
}

// ActivateCard returns a BLOCKED card to ACTIVE. A card whose expiry date has
// passed is marked EXPIRED, the change is kept, and ErrExpired is returned.
func (s *Service) ActivateCard(ctx context.Context, id string, principal models.Principal) (*models.Card, error) {
	var out *models.Card
	var expired bool
	err := s.inCardUnit(ctx, "activate", []string{id}, func(ctx context.Context, uow UnitOfWork) error {
		expired = false
		card, err := loadCard(ctx, uow, id)
		if err != nil {
			return err
		}
		if err := authorize(card, principal, ActionActivate); err != nil {
			return err
		}
		out = card

		if expiry.IsPast(card.ExpireDate, s.now(), s.loc) {
			expired = true
			if card.Status == models.CardStatusExpired {
				return nil
			}
			card.Status = models.CardStatusExpired
			card.UpdatedAt = s.now().UTC()
			return persistence("saving card", uow.SaveCard(ctx, card))
		}

		switch card.Status {
		case models.CardStatusActive:
			return nil
		case models.CardStatusExpired:
			return stateConflict("card expired", id)
		}
		card.Status = models.CardStatusActive
		card.UpdatedAt = s.now().UTC()
		return persistence("saving card", uow.SaveCard(ctx, card))
	})
	if err != nil {
		return nil, err
	}
	if expired {
		s.logger.Info("card expired on activation", slog.String("card_id", id))
		return nil, &Error{Kind: ErrExpired, Reason: "expire date has passed", CardID: id}
	}
	s.logger.Info("card activated", slog.String("card_id", id))
	return out, nil
}

// DeleteCard removes a card with a zero balance. Transactions keep referring
// to its id.
func (s *Service) DeleteCard(ctx context.Context, id string, principal models.Principal) error {
	err := s.inCardUnit(ctx, "delete", []string{id}, func(ctx context.Context, uow UnitOfWork) error {
		card, err := loadCard(ctx, uow, id)
		if err != nil {
			return err
		}
		if err := authorize(card, principal, ActionDelete); err != nil {
			return err
		}
		if !card.Balance.IsZero() {
			return stateConflict("card has non-zero balance", id)
		}
		return notFoundOr(uow.DeleteCard(ctx, id), id, "deleting card")
	})
	if err != nil {
		return err
	}
	s.logger.Info("card deleted", slog.String("card_id", id))
	return nil
}

// MaskedView decrypts the PAN only to mask it; the plaintext does not leave
// this call.
func (s *Service) MaskedView(card *models.Card) (models.CardView, error) {
	masked, err := s.maskedPAN(card)
	if err != nil {
		return models.CardView{}, err
	}
	return models.CardView{
		ID:         card.ID,
		MaskedPAN:  masked,
		Holder:     card.Holder,
		ExpireDate: expiry.Format(card.ExpireDate),
		Status:     card.Status,
		Balance:    card.Balance,
		OwnerID:    card.OwnerID,
	}, nil
}

func (s *Service) MaskedViews(list []*models.Card) ([]models.CardView, error) {
	out := make([]models.CardView, 0, len(list))
	for _, c := range list {
		v, err := s.MaskedView(c)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *Service) maskedPAN(card *models.Card) (string, error) {
	pan, err := s.codec.Decrypt(card.PANCiphertext)
	if err != nil {
		return "", &Error{Kind: ErrPersistence, Reason: "decrypting pan", CardID: card.ID, Err: err}
	}
	return cardgen.MaskPAN(pan), nil
}

// inCardUnit locks ids, runs fn inside a unit of work and commits. Busy
// attempts are retried with linear backoff.
func (s *Service) inCardUnit(ctx context.Context, op string, ids []string, fn func(context.Context, UnitOfWork) error) error {
	var err error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		err = s.runCardUnit(ctx, ids, fn)
		if !errors.Is(err, ErrBusy) {
			return err
		}
		s.logger.Debug("cards busy", slog.String("op", op), slog.Int("attempt", attempt), slog.Any("cards", ids))
		if attempt == s.attempts {
			break
		}
		select {
		case <-time.After(time.Duration(attempt) * s.backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (s *Service) runCardUnit(ctx context.Context, ids []string, fn func(context.Context, UnitOfWork) error) error {
	unlock, err := s.locker.Lock(ctx, ids)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return busyErr("card locked", err)
	}
	defer unlock()

	uow, err := s.store.Begin(ctx)
	if err != nil {
		return persistence("beginning unit of work", err)
	}
	defer uow.Rollback()

	if err := fn(ctx, uow); err != nil {
		return err
	}
	return persistence("committing", uow.Commit())
}

func loadCard(ctx context.Context, uow UnitOfWork, id string) (*models.Card, error) {
	card, err := uow.GetCard(ctx, id)
	if err != nil {
		return nil, notFoundOr(err, id, "finding card")
	}
	return card, nil
}

func notFoundOr(err error, id, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return cardNotFound(id)
	}
	return persistence(op, err)
}
