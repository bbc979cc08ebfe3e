package cards_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"github.com/alovak/bankcards/cards"
	"github.com/alovak/bankcards/cards/models"
	"github.com/alovak/bankcards/internal/security"
)

var (
	alice = models.Principal{UserID: "alice", Roles: []string{models.RoleUser}}
	bob   = models.Principal{UserID: "bob", Roles: []string{models.RoleUser}}
	admin = models.Principal{UserID: "admin", Roles: []string{models.RoleAdmin}}

	testNow = time.Date(2030, time.June, 15, 12, 0, 0, 0, time.UTC)
	future  = time.Date(2032, time.December, 31, 0, 0, 0, 0, time.UTC)
)

type fixture struct {
	t     *testing.T
	repo  *cards.Repository
	svc   *cards.Service
	codec *security.AESCodec
	fp    *security.HMACFingerprinter
	now   time.Time
	pans  int
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, opts ...cards.ServiceOption) *fixture {
	t.Helper()
	return newFixtureWithStore(t, nil, opts...)
}

// newFixtureWithStore runs the service on wrap(repo) when wrap is set.
func newFixtureWithStore(t *testing.T, wrap func(*cards.Repository) cards.Store, opts ...cards.ServiceOption) *fixture {
	t.Helper()

	codec, fp, err := security.NewCodecs(bytes.Repeat([]byte{0x5a}, security.MasterKeySize))
	require.NoError(t, err)

	repo := cards.NewRepository()
	for _, u := range []string{"alice", "bob", "admin"} {
		require.NoError(t, repo.AddUser(context.Background(), &models.User{ID: u, Username: u}))
	}

	f := &fixture{t: t, repo: repo, codec: codec, fp: fp, now: testNow}

	var store cards.Store = repo
	if wrap != nil {
		store = wrap(repo)
	}

	all := append([]cards.ServiceOption{
		cards.WithClock(f.clock, time.UTC),
		cards.WithLocker(cards.NewKeyedLocker(time.Second)),
		cards.WithRetry(3, time.Millisecond),
		cards.WithLogger(discardLogger()),
	}, opts...)
	f.svc = cards.NewService(store, codec, fp, all...)
	return f
}

func (f *fixture) clock() time.Time { return f.now }

func (f *fixture) nextPAN() string {
	f.pans++
	return fmt.Sprintf("4000%012d", f.pans)
}

func (f *fixture) createCard(owner string) *models.Card {
	f.t.Helper()
	card, err := f.svc.CreateCard(context.Background(), models.CreateCard{
		PAN:        f.nextPAN(),
		Holder:     "CARD HOLDER",
		ExpireDate: future,
		OwnerID:    owner,
	}, admin)
	require.NoError(f.t, err)
	return card
}

func (f *fixture) fundedCard(owner, balance string) *models.Card {
	f.t.Helper()
	card := f.createCard(owner)
	f.update(card.ID, func(c *models.Card) { c.Balance = decimal.RequireFromString(balance) })
	return card
}

func (f *fixture) update(id string, fn func(*models.Card)) {
	f.t.Helper()
	card, err := f.repo.GetCard(context.Background(), id)
	require.NoError(f.t, err)
	fn(card)
	require.NoError(f.t, f.repo.SaveCard(context.Background(), card))
}

func (f *fixture) card(id string) *models.Card {
	f.t.Helper()
	card, err := f.repo.GetCard(context.Background(), id)
	require.NoError(f.t, err)
	return card
}

func (f *fixture) balance(id string) string {
	f.t.Helper()
	return f.card(id).Balance.StringFixed(2)
}

func (f *fixture) ledger(ids ...string) []*models.Transaction {
	f.t.Helper()
	list, err := f.svc.ListTransactionsInvolving(context.Background(), ids)
	require.NoError(f.t, err)
	return list
}

func amount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func requireKind(t *testing.T, err error, kind cards.Kind) *cards.Error {
	t.Helper()
	require.Error(t, err)
	require.ErrorIs(t, err, kind, "got %v", err)
	var e *cards.Error
	require.ErrorAs(t, err, &e)
	return e
}
