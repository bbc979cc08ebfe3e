package cards_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alovak/bankcards/cards"
	"github.com/alovak/bankcards/cards/models"
)

func TestCreateCard(t *testing.T) {
	ctx := context.Background()

	t.Run("stores an active card with zero balance", func(t *testing.T) {
		f := newFixture(t)

		card, err := f.svc.CreateCard(ctx, models.CreateCard{
			PAN:        "4000000000000002",
			Holder:     "  ALICE SMITH ",
			ExpireDate: future,
			OwnerID:    "alice",
		}, admin)
		require.NoError(t, err)

		require.NotEmpty(t, card.ID)
		require.Equal(t, models.CardStatusActive, card.Status)
		require.True(t, card.Balance.IsZero())
		require.Equal(t, "ALICE SMITH", card.Holder)
		require.Equal(t, "alice", card.OwnerID)
		require.Equal(t, testNow, card.CreatedAt)

		stored := f.card(card.ID)
		require.NotContains(t, stored.PANCiphertext, "4000000000000002")
		require.NotEmpty(t, stored.PANFingerprint)

		pan, err := f.codec.Decrypt(stored.PANCiphertext)
		require.NoError(t, err)
		require.Equal(t, "4000000000000002", pan)
	})

	t.Run("requires an administrator", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.svc.CreateCard(ctx, models.CreateCard{PAN: "bad", OwnerID: "alice"}, alice)
		requireKind(t, err, cards.ErrAccessDenied)
	})

	t.Run("rejects a used card number", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.svc.CreateCard(ctx, models.CreateCard{
			PAN: "4000000000000009", Holder: "A", ExpireDate: future, OwnerID: "alice",
		}, admin)
		require.NoError(t, err)

		_, err = f.svc.CreateCard(ctx, models.CreateCard{
			PAN: "4000000000000009", Holder: "B", ExpireDate: future, OwnerID: "bob",
		}, admin)
		e := requireKind(t, err, cards.ErrStateConflict)
		require.Equal(t, "card number already registered", e.Reason)
	})

	t.Run("rejects separators and whitespace in the card number", func(t *testing.T) {
		f := newFixture(t)

		for _, pan := range []string{"4000-0000-0000-0099", "4000 0000 0000 0098", " 4000000000000097\t"} {
			_, err := f.svc.CreateCard(ctx, models.CreateCard{
				PAN: pan, Holder: "A", ExpireDate: future, OwnerID: "alice",
			}, admin)
			e := requireKind(t, err, cards.ErrValidation)
			require.Equal(t, "card number must be 16 digits", e.Reason, pan)
		}
		list, err := f.svc.ListAllCards(ctx, admin)
		require.NoError(t, err)
		require.Empty(t, list)
	})

	t.Run("expire date today is accepted", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.svc.CreateCard(ctx, models.CreateCard{
			PAN: "4000000000000010", Holder: "A", ExpireDate: time.Date(2030, time.June, 15, 0, 0, 0, 0, time.UTC), OwnerID: "alice",
		}, admin)
		require.NoError(t, err)
	})

	t.Run("expire date is checked in the configured zone", func(t *testing.T) {
		moscow := time.FixedZone("UTC+3", 3*60*60)
		f := newFixture(t)
		f.now = time.Date(2030, time.June, 15, 22, 30, 0, 0, time.UTC)
		f.svc = cards.NewService(f.repo, f.codec, f.fp,
			cards.WithClock(f.clock, moscow),
			cards.WithLogger(discardLogger()),
		)

		_, err := f.svc.CreateCard(ctx, models.CreateCard{
			PAN: "4000000000000011", Holder: "A", ExpireDate: time.Date(2030, time.June, 15, 0, 0, 0, 0, time.UTC), OwnerID: "alice",
		}, admin)
		e := requireKind(t, err, cards.ErrValidation)
		require.Equal(t, "expire date is in the past", e.Reason)
	})
}

func TestCreateCardValidation(t *testing.T) {
	ctx := context.Background()
	past := time.Date(2020, time.January, 31, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		req    models.CreateCard
		kind   cards.Kind
		reason string
	}{
		{
			name:   "short card number",
			req:    models.CreateCard{PAN: "4000", Holder: "", ExpireDate: past, OwnerID: "nobody"},
			kind:   cards.ErrValidation,
			reason: "card number must be 16 digits",
		},
		{
			name:   "letters in card number",
			req:    models.CreateCard{PAN: "4000abcd00000000", Holder: "A", ExpireDate: future, OwnerID: "alice"},
			kind:   cards.ErrValidation,
			reason: "card number must be 16 digits",
		},
		{
			name:   "blank holder",
			req:    models.CreateCard{PAN: "4000000000000001", Holder: "   ", ExpireDate: past, OwnerID: "nobody"},
			kind:   cards.ErrValidation,
			reason: "holder is required",
		},
		{
			name:   "long holder",
			req:    models.CreateCard{PAN: "4000000000000001", Holder: strings.Repeat("x", 101), ExpireDate: future, OwnerID: "alice"},
			kind:   cards.ErrValidation,
			reason: "holder must be at most 100 characters",
		},
		{
			name:   "unknown owner",
			req:    models.CreateCard{PAN: "4000000000000001", Holder: "A", ExpireDate: past, OwnerID: "nobody"},
			kind:   cards.ErrNotFound,
			reason: "owner not found",
		},
		{
			name:   "missing expire date",
			req:    models.CreateCard{PAN: "4000000000000001", Holder: "A", OwnerID: "alice"},
			kind:   cards.ErrValidation,
			reason: "expire date is required",
		},
		{
			name:   "past expire date",
			req:    models.CreateCard{PAN: "4000000000000001", Holder: "A", ExpireDate: past, OwnerID: "alice"},
			kind:   cards.ErrValidation,
			reason: "expire date is in the past",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			_, err := f.svc.CreateCard(ctx, tt.req, admin)
			e := requireKind(t, err, tt.kind)
			require.Equal(t, tt.reason, e.Reason)

			list, err := f.svc.ListAllCards(ctx, admin)
			require.NoError(t, err)
			require.Empty(t, list)
		})
	}

	t.Run("holder of exactly 100 characters is accepted", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.CreateCard(ctx, models.CreateCard{
			PAN: "4000000000000001", Holder: strings.Repeat("é", 100), ExpireDate: future, OwnerID: "alice",
		}, admin)
		require.NoError(t, err)
	})
}

func TestGetCardAccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	card := f.createCard("alice")

	got, err := f.svc.GetCard(ctx, card.ID, alice)
	require.NoError(t, err)
	require.Equal(t, card.ID, got.ID)

	_, err = f.svc.GetCard(ctx, card.ID, admin)
	require.NoError(t, err)

	_, err = f.svc.GetCard(ctx, card.ID, bob)
	e := requireKind(t, err, cards.ErrAccessDenied)
	require.Equal(t, card.ID, e.CardID)
	require.Equal(t, "bob", e.UserID)

	_, err = f.svc.GetCard(ctx, "missing", alice)
	e = requireKind(t, err, cards.ErrNotFound)
	require.Equal(t, "missing", e.CardID)

	_, err = f.svc.GetCard(ctx, card.ID, models.Principal{})
	requireKind(t, err, cards.ErrAccessDenied)
}

func TestListCards(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a1 := f.createCard("alice")
	f.now = f.now.Add(time.Minute)
	a2 := f.createCard("alice")
	b1 := f.createCard("bob")

	mine, err := f.svc.ListMyCards(ctx, alice)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	require.Equal(t, a1.ID, mine[0].ID)
	require.Equal(t, a2.ID, mine[1].ID)

	none, err := f.svc.ListMyCards(ctx, admin)
	require.NoError(t, err)
	require.Empty(t, none)

	_, err = f.svc.ListAllCards(ctx, bob)
	requireKind(t, err, cards.ErrAccessDenied)

	all, err := f.svc.ListAllCards(ctx, admin)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, a1.ID, all[0].ID)

	var ids []string
	for _, c := range all {
		ids = append(ids, c.ID)
	}
	require.Contains(t, ids, b1.ID)
}

func TestBlockCard(t *testing.T) {
	ctx := context.Background()

	t.Run("owner blocks an active card", func(t *testing.T) {
		f := newFixture(t)
		card := f.createCard("alice")

		got, err := f.svc.BlockCard(ctx, card.ID, alice)
		require.NoError(t, err)
		require.Equal(t, models.CardStatusBlocked, got.Status)
		require.Equal(t, models.CardStatusBlocked, f.card(card.ID).Status)

		// blocking twice is a no-op
		got, err = f.svc.BlockCard(ctx, card.ID, alice)
		require.NoError(t, err)
		require.Equal(t, models.CardStatusBlocked, got.Status)
	})

	t.Run("expired card stays expired", func(t *testing.T) {
		f := newFixture(t)
		card := f.createCard("alice")
		f.update(card.ID, func(c *models.Card) { c.Status = models.CardStatusExpired })

		_, err := f.svc.BlockCard(ctx, card.ID, admin)
		e := requireKind(t, err, cards.ErrStateConflict)
		require.Equal(t, "card expired", e.Reason)
		require.Equal(t, models.CardStatusExpired, f.card(card.ID).Status)
	})

	t.Run("stranger is denied", func(t *testing.T) {
		f := newFixture(t)
		card := f.createCard("alice")

		_, err := f.svc.BlockCard(ctx, card.ID, bob)
		requireKind(t, err, cards.ErrAccessDenied)
		require.Equal(t, models.CardStatusActive, f.card(card.ID).Status)
	})

	t.Run("unknown card", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.BlockCard(ctx, "missing", admin)
		requireKind(t, err, cards.ErrNotFound)
	})

	t.Run("balance survives blocking", func(t *testing.T) {
		f := newFixture(t)
		card := f.fundedCard("alice", "75.25")

		_, err := f.svc.BlockCard(ctx, card.ID, alice)
		require.NoError(t, err)
		require.Equal(t, "75.25", f.balance(card.ID))
	})
}

func TestActivateCard(t *testing.T) {
	ctx := context.Background()

	t.Run("blocked card becomes active", func(t *testing.T) {
		f := newFixture(t)
		card := f.createCard("alice")
		_, err := f.svc.BlockCard(ctx, card.ID, alice)
		require.NoError(t, err)

		got, err := f.svc.ActivateCard(ctx, card.ID, admin)
		require.NoError(t, err)
		require.Equal(t, models.CardStatusActive, got.Status)
		require.Equal(t, models.CardStatusActive, f.card(card.ID).Status)

		got, err = f.svc.ActivateCard(ctx, card.ID, admin)
		require.NoError(t, err)
		require.Equal(t, models.CardStatusActive, got.Status)
	})

	t.Run("past expire date marks the card expired", func(t *testing.T) {
		f := newFixture(t)
		card := f.createCard("alice")
		_, err := f.svc.BlockCard(ctx, card.ID, alice)
		require.NoError(t, err)

		f.now = future.AddDate(0, 0, 1)

		_, err = f.svc.ActivateCard(ctx, card.ID, admin)
		e := requireKind(t, err, cards.ErrExpired)
		require.Equal(t, card.ID, e.CardID)
		require.Equal(t, models.CardStatusExpired, f.card(card.ID).Status)

		// the card stays expired on later attempts
		_, err = f.svc.ActivateCard(ctx, card.ID, admin)
		requireKind(t, err, cards.ErrExpired)
		require.Equal(t, models.CardStatusExpired, f.card(card.ID).Status)
	})

	t.Run("expired status with future date is a conflict", func(t *testing.T) {
		f := newFixture(t)
		card := f.createCard("alice")
		f.update(card.ID, func(c *models.Card) { c.Status = models.CardStatusExpired })

		_, err := f.svc.ActivateCard(ctx, card.ID, admin)
		e := requireKind(t, err, cards.ErrStateConflict)
		require.Equal(t, "card expired", e.Reason)
	})

	t.Run("stranger is denied", func(t *testing.T) {
		f := newFixture(t)
		card := f.createCard("alice")
		f.update(card.ID, func(c *models.Card) { c.Status = models.CardStatusBlocked })

		_, err := f.svc.ActivateCard(ctx, card.ID, bob)
		requireKind(t, err, cards.ErrAccessDenied)
		require.Equal(t, models.CardStatusBlocked, f.card(card.ID).Status)
	})
}

func TestDeleteCard(t *testing.T) {
	ctx := context.Background()

	t.Run("zero balance card is removed", func(t *testing.T) {
		f := newFixture(t)
		card := f.createCard("alice")

		require.NoError(t, f.svc.DeleteCard(ctx, card.ID, admin))

		_, err := f.svc.GetCard(ctx, card.ID, admin)
		requireKind(t, err, cards.ErrNotFound)

		err = f.svc.DeleteCard(ctx, card.ID, admin)
		requireKind(t, err, cards.ErrNotFound)
	})

	t.Run("non-zero balance is kept", func(t *testing.T) {
		f := newFixture(t)
		card := f.fundedCard("alice", "50.00")

		err := f.svc.DeleteCard(ctx, card.ID, admin)
		e := requireKind(t, err, cards.ErrStateConflict)
		require.Equal(t, "card has non-zero balance", e.Reason)
		require.Equal(t, "50.00", f.balance(card.ID))
	})

	t.Run("stranger is denied", func(t *testing.T) {
		f := newFixture(t)
		card := f.createCard("alice")

		err := f.svc.DeleteCard(ctx, card.ID, bob)
		requireKind(t, err, cards.ErrAccessDenied)
		f.card(card.ID)
	})

	t.Run("card number can be registered again", func(t *testing.T) {
		f := newFixture(t)
		card, err := f.svc.CreateCard(ctx, models.CreateCard{
			PAN: "4000000000000077", Holder: "A", ExpireDate: future, OwnerID: "alice",
		}, admin)
		require.NoError(t, err)
		require.NoError(t, f.svc.DeleteCard(ctx, card.ID, admin))

		_, err = f.svc.CreateCard(ctx, models.CreateCard{
			PAN: "4000000000000077", Holder: "A", ExpireDate: future, OwnerID: "bob",
		}, admin)
		require.NoError(t, err)
	})
}

func TestMaskedView(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	card, err := f.svc.CreateCard(ctx, models.CreateCard{
		PAN: "4111111111111111", Holder: "ALICE", ExpireDate: future, OwnerID: "alice",
	}, admin)
	require.NoError(t, err)

	view, err := f.svc.MaskedView(card)
	require.NoError(t, err)
	require.Equal(t, "**** **** **** 1111", view.MaskedPAN)
	require.Equal(t, "2032-12-31", view.ExpireDate)
	require.Equal(t, models.CardStatusActive, view.Status)

	body, err := json.Marshal(view)
	require.NoError(t, err)
	require.NotContains(t, string(body), "4111111111111111")

	// card JSON never carries the ciphertext or fingerprint either
	body, err = json.Marshal(card)
	require.NoError(t, err)
	require.NotContains(t, string(body), card.PANCiphertext)

	t.Run("undecryptable ciphertext is a persistence failure", func(t *testing.T) {
		f.update(card.ID, func(c *models.Card) { c.PANCiphertext = "AQAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA" })

		_, err := f.svc.MaskedView(f.card(card.ID))
		e := requireKind(t, err, cards.ErrPersistence)
		require.Equal(t, "decrypting pan", e.Reason)
		require.Equal(t, card.ID, e.CardID)

		_, err = f.svc.MaskedViews([]*models.Card{f.card(card.ID)})
		requireKind(t, err, cards.ErrPersistence)
	})
}
