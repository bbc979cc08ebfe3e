package cards_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/alovak/bankcards/cards"
	"github.com/alovak/bankcards/cards/models"
	"github.com/alovak/bankcards/internal/middleware"
)

type apiFixture struct {
	*fixture
	router chi.Router
	tokens map[string]string
}

func newAPIFixture(t *testing.T, opts ...cards.ServiceOption) *apiFixture {
	t.Helper()
	f := newFixture(t, opts...)
	auth := middleware.NewAuthenticator([]byte("test-secret"))

	router := chi.NewRouter()
	router.Group(func(r chi.Router) {
		r.Use(auth.Middleware)
		cards.NewAPI(f.svc).AppendRoutes(r)
	})

	tokens := map[string]string{}
	for _, p := range []models.Principal{alice, bob, admin} {
		token, err := auth.Issue(p.UserID, p.Roles, time.Hour)
		require.NoError(t, err)
		tokens[p.UserID] = token
	}
	return &apiFixture{fixture: f, router: router, tokens: tokens}
}

func (a *apiFixture) do(as, method, path string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case []byte:
		buf.Write(b)
	default:
		require.NoError(a.t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token, ok := a.tokens[as]; ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) (string, string) {
	t.Helper()
	var resp struct {
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp.Error, resp.Reason
}

func TestAPI(t *testing.T) {
	a := newAPIFixture(t)

	var cardA, cardB models.CardView

	t.Run("create card", func(t *testing.T) {
		w := a.do("admin", http.MethodPost, "/api/cards", map[string]string{
			"pan":         "4111111111111111",
			"holder":      "ALICE",
			"expire_date": "12/32",
			"owner_id":    "alice",
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		require.NotContains(t, w.Body.String(), "4111111111111111")

		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cardA))
		require.NotEmpty(t, cardA.ID)
		require.Equal(t, "**** **** **** 1111", cardA.MaskedPAN)
		require.Equal(t, "2032-12-31", cardA.ExpireDate)
		require.Equal(t, models.CardStatusActive, cardA.Status)

		w = a.do("admin", http.MethodPost, "/api/cards", map[string]string{
			"pan":         "4000000000000002",
			"holder":      "ALICE",
			"expire_date": "2032-06-30",
			"owner_id":    "alice",
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cardB))
	})

	t.Run("create card needs the admin role", func(t *testing.T) {
		w := a.do("alice", http.MethodPost, "/api/cards", map[string]string{"pan": "4000000000000003"})
		require.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("create card with a bad expire date", func(t *testing.T) {
		w := a.do("admin", http.MethodPost, "/api/cards", map[string]string{
			"pan": "4000000000000004", "holder": "A", "expire_date": "13/30", "owner_id": "alice",
		})
		require.Equal(t, http.StatusBadRequest, w.Code)
		kind, _ := decodeError(t, w)
		require.Equal(t, string(cards.ErrValidation), kind)
	})

	t.Run("requests without a token are rejected", func(t *testing.T) {
		w := a.do("", http.MethodGet, "/api/cards/my", nil)
		require.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("get card", func(t *testing.T) {
		w := a.do("alice", http.MethodGet, "/api/cards/"+cardA.ID, nil)
		require.Equal(t, http.StatusOK, w.Code)

		w = a.do("bob", http.MethodGet, "/api/cards/"+cardA.ID, nil)
		require.Equal(t, http.StatusForbidden, w.Code)
		kind, _ := decodeError(t, w)
		require.Equal(t, string(cards.ErrAccessDenied), kind)

		w = a.do("alice", http.MethodGet, "/api/cards/missing", nil)
		require.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("list cards", func(t *testing.T) {
		w := a.do("alice", http.MethodGet, "/api/cards/my", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var mine []models.CardView
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &mine))
		require.Len(t, mine, 2)

		w = a.do("bob", http.MethodGet, "/api/cards/my", nil)
		require.Equal(t, http.StatusOK, w.Code)
		require.JSONEq(t, `[]`, w.Body.String())

		w = a.do("bob", http.MethodGet, "/api/cards", nil)
		require.Equal(t, http.StatusForbidden, w.Code)

		w = a.do("admin", http.MethodGet, "/api/cards", nil)
		require.Equal(t, http.StatusOK, w.Code)
	})

	var tx models.TransactionView

	t.Run("transfer", func(t *testing.T) {
		a.update(cardA.ID, func(c *models.Card) { c.Balance = amount("1000.00") })

		w := a.do("alice", http.MethodPost, "/api/transfers", map[string]string{
			"from_card_id": cardA.ID,
			"to_card_id":   cardB.ID,
			"amount":       "100.00",
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tx))
		require.Equal(t, models.TransactionStatusCompleted, tx.Status)
		require.Equal(t, "**** **** **** 1111", tx.FromMasked)
		require.Equal(t, "**** **** **** 0002", tx.ToMasked)
		require.NotContains(t, w.Body.String(), "4111111111111111")

		require.Equal(t, "900.00", a.balance(cardA.ID))
		require.Equal(t, "100.00", a.balance(cardB.ID))
	})

	t.Run("transfer failures", func(t *testing.T) {
		w := a.do("alice", http.MethodPost, "/api/transfers", map[string]string{
			"from_card_id": cardA.ID, "to_card_id": cardB.ID, "amount": "5000.00",
		})
		require.Equal(t, http.StatusUnprocessableEntity, w.Code)
		kind, _ := decodeError(t, w)
		require.Equal(t, string(cards.ErrInsufficientFunds), kind)

		w = a.do("alice", http.MethodPost, "/api/transfers", map[string]string{
			"from_card_id": cardA.ID, "to_card_id": cardA.ID, "amount": "1.00",
		})
		require.Equal(t, http.StatusConflict, w.Code)
		_, reason := decodeError(t, w)
		require.Equal(t, "same card", reason)

		w = a.do("alice", http.MethodPost, "/api/transfers", map[string]string{
			"from_card_id": cardA.ID, "to_card_id": cardB.ID, "amount": "-1",
		})
		require.Equal(t, http.StatusBadRequest, w.Code)

		w = a.do("bob", http.MethodPost, "/api/transfers", map[string]string{
			"from_card_id": cardA.ID, "to_card_id": cardB.ID, "amount": "1",
		})
		require.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("transactions", func(t *testing.T) {
		w := a.do("alice", http.MethodGet, "/api/transfers/my", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var list []models.TransactionView
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
		require.Len(t, list, 1)
		require.Equal(t, tx.ID, list[0].ID)

		w = a.do("alice", http.MethodGet, "/api/transfers/"+tx.ID, nil)
		require.Equal(t, http.StatusOK, w.Code)

		w = a.do("bob", http.MethodGet, "/api/transfers/"+tx.ID, nil)
		require.Equal(t, http.StatusForbidden, w.Code)

		w = a.do("admin", http.MethodGet, "/api/transfers/missing", nil)
		require.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("block and activate", func(t *testing.T) {
		w := a.do("alice", http.MethodPut, "/api/cards/"+cardB.ID+"/block", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var view models.CardView
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
		require.Equal(t, models.CardStatusBlocked, view.Status)

		w = a.do("alice", http.MethodPut, "/api/cards/"+cardB.ID+"/activate", nil)
		require.Equal(t, http.StatusForbidden, w.Code)

		w = a.do("admin", http.MethodPut, "/api/cards/"+cardB.ID+"/activate", nil)
		require.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("activate after expiry", func(t *testing.T) {
		a.now = time.Date(2032, time.July, 1, 0, 0, 0, 0, time.UTC)
		defer func() { a.now = testNow }()

		w := a.do("admin", http.MethodPut, "/api/cards/"+cardB.ID+"/activate", nil)
		require.Equal(t, http.StatusConflict, w.Code)
		kind, _ := decodeError(t, w)
		require.Equal(t, string(cards.ErrExpired), kind)
		require.Equal(t, models.CardStatusExpired, a.card(cardB.ID).Status)
	})

	t.Run("delete", func(t *testing.T) {
		w := a.do("admin", http.MethodDelete, "/api/cards/"+cardA.ID, nil)
		require.Equal(t, http.StatusConflict, w.Code)
		_, reason := decodeError(t, w)
		require.Equal(t, "card has non-zero balance", reason)

		a.update(cardA.ID, func(c *models.Card) { c.Balance = amount("0") })

		w = a.do("alice", http.MethodDelete, "/api/cards/"+cardA.ID, nil)
		require.Equal(t, http.StatusForbidden, w.Code)

		w = a.do("admin", http.MethodDelete, "/api/cards/"+cardA.ID, nil)
		require.Equal(t, http.StatusNoContent, w.Code)

		// the ledger keeps the transfer and masks the deleted side
		w = a.do("admin", http.MethodGet, "/api/transfers/"+tx.ID, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var view models.TransactionView
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
		require.Equal(t, "****", view.FromMasked)
	})

	t.Run("persistence failures hide details", func(t *testing.T) {
		a.update(cardB.ID, func(c *models.Card) { c.PANCiphertext = "not-a-ciphertext" })

		w := a.do("alice", http.MethodGet, "/api/cards/"+cardB.ID, nil)
		require.Equal(t, http.StatusInternalServerError, w.Code)
		require.JSONEq(t, `{"error":"persistence failure"}`, w.Body.String())
	})
}

func TestAPI_Busy(t *testing.T) {
	locker := cards.NewKeyedLocker(10 * time.Millisecond)
	a := newAPIFixture(t, cards.WithLocker(locker), cards.WithRetry(1, 0))
	from := a.fundedCard("alice", "10.00")
	to := a.createCard("alice")

	unlock, err := locker.Lock(context.Background(), []string{from.ID})
	require.NoError(t, err)
	defer unlock()

	w := a.do("alice", http.MethodPost, "/api/transfers", map[string]string{
		"from_card_id": from.ID, "to_card_id": to.ID, "amount": "1",
	})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestAPI_RequestValidation(t *testing.T) {
	a := newAPIFixture(t)
	card := a.fundedCard("alice", "10")

	tests := []struct {
		name   string
		path   string
		body   any
		status int
		reason string
	}{
		{
			name: "malformed card body", path: "/api/cards", body: []byte(`{"pan":`),
			status: http.StatusBadRequest, reason: "malformed request body",
		},
		{
			name: "missing card number", path: "/api/cards",
			body:   map[string]string{"holder": "A", "owner_id": "alice", "expire_date": "12/39"},
			status: http.StatusBadRequest, reason: "pan is required",
		},
		{
			name: "blank holder", path: "/api/cards",
			body:   map[string]string{"pan": "4000000000000120", "holder": "   ", "owner_id": "alice", "expire_date": "12/39"},
			status: http.StatusBadRequest, reason: "holder is required",
		},
		{
			name: "long holder", path: "/api/cards",
			body:   map[string]string{"pan": "4000000000000121", "holder": strings.Repeat("x", 101), "owner_id": "alice", "expire_date": "12/39"},
			status: http.StatusBadRequest, reason: "holder must be at most 100 characters",
		},
		{
			name: "missing owner", path: "/api/cards",
			body:   map[string]string{"pan": "4000000000000122", "holder": "A", "expire_date": "12/39"},
			status: http.StatusBadRequest, reason: "owner_id is required",
		},
		{
			name: "separators in card number", path: "/api/cards",
			body:   map[string]string{"pan": "4000-0000-0000-0123", "holder": "A", "owner_id": "alice", "expire_date": "12/39"},
			status: http.StatusBadRequest, reason: "card number must be 16 digits",
		},
		{
			name: "malformed transfer body", path: "/api/transfers", body: []byte(`[1,2]`),
			status: http.StatusBadRequest, reason: "malformed request body",
		},
		{
			name: "missing amount", path: "/api/transfers",
			body:   map[string]string{"from_card_id": card.ID, "to_card_id": card.ID},
			status: http.StatusBadRequest, reason: "amount must be positive",
		},
		{
			name: "empty target card", path: "/api/transfers",
			body:   map[string]string{"from_card_id": card.ID, "amount": "1"},
			status: http.StatusNotFound, reason: "card not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := a.do("admin", http.MethodPost, tt.path, tt.body)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			require.Equal(t, "application/json", w.Header().Get("Content-Type"))
			_, reason := decodeError(t, w)
			require.Equal(t, tt.reason, reason)
		})
	}
	require.Equal(t, "10.00", a.balance(card.ID))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&cards.Error{Kind: cards.ErrValidation}, http.StatusBadRequest},
		{&cards.Error{Kind: cards.ErrNotFound}, http.StatusNotFound},
		{cards.ErrNotFound, http.StatusNotFound},
		{&cards.Error{Kind: cards.ErrAccessDenied}, http.StatusForbidden},
		{&cards.Error{Kind: cards.ErrStateConflict}, http.StatusConflict},
		{&cards.Error{Kind: cards.ErrExpired}, http.StatusConflict},
		{&cards.Error{Kind: cards.ErrInsufficientFunds}, http.StatusUnprocessableEntity},
		{fmt.Errorf("wrapped: %w", &cards.Error{Kind: cards.ErrBusy}), http.StatusServiceUnavailable},
		{&cards.Error{Kind: cards.ErrPersistence}, http.StatusInternalServerError},
		{errors.New("unexpected"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, cards.StatusFor(tt.err), tt.err.Error())
	}
}
