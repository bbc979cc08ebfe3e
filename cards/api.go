package cards

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"golang.org/x/exp/slog"

	"github.com/alovak/bankcards/cards/models"
	"github.com/alovak/bankcards/internal/expiry"
	"github.com/alovak/bankcards/internal/middleware"
)

// API is a HTTP API for the cards service. Routes expect a principal in the
// request context; see middleware.Authenticator.
type API struct {
	cards *Service
}

func NewAPI(cards *Service) *API {
	return &API{
		cards: cards,
	}
}

// Field order is the order failures are reported in.
type createCardRequest struct {
	PAN        string `json:"pan" validate:"required"`
	Holder     string `json:"holder" validate:"required,max=100"`
	OwnerID    string `json:"owner_id" validate:"required"`
	ExpireDate string `json:"expire_date" validate:"required"`
}

// Card ids are not required here: an empty id is an unknown card.
type transferRequest struct {
	Amount      decimal.Decimal `json:"amount" validate:"positive_decimal"`
	FromCardID  string          `json:"from_card_id"`
	ToCardID    string          `json:"to_card_id"`
	Description string          `json:"description"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func (a *API) AppendRoutes(r chi.Router) {
	admin := middleware.RequireRole(models.RoleAdmin)

	r.Route("/api/cards", func(r chi.Router) {
		r.With(admin).Post("/", a.createCard)
		r.With(admin).Get("/", a.listAllCards)
		r.Get("/my", a.listMyCards)
		r.Route("/{cardID}", func(r chi.Router) {
			r.Get("/", a.getCard)
			r.Put("/block", a.blockCard)
			r.With(admin).Put("/activate", a.activateCard)
			r.With(admin).Delete("/", a.deleteCard)
		})
	})
	r.Route("/api/transfers", func(r chi.Router) {
		r.Post("/", a.transfer)
		r.Get("/my", a.listMyTransactions)
		r.Get("/{transactionID}", a.getTransaction)
	})
}

func (a *API) createCard(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	body := createCardRequest{}
	if err := decodeBody(r, &body); err != nil {
		a.writeError(w, err)
		return
	}
	exp, err := expiry.ParseExpireDate(body.ExpireDate)
	if err != nil {
		a.writeError(w, validationErr(err.Error()))
		return
	}

	card, err := a.cards.CreateCard(r.Context(), models.CreateCard{
		PAN:        body.PAN,
		Holder:     body.Holder,
		ExpireDate: exp,
		OwnerID:    body.OwnerID,
	}, p)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeCard(w, http.StatusCreated, card)
}

func (a *API) listAllCards(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	list, err := a.cards.ListAllCards(r.Context(), p)
	a.writeCards(w, list, err)
}

func (a *API) listMyCards(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	list, err := a.cards.ListMyCards(r.Context(), p)
	a.writeCards(w, list, err)
}

func (a *API) getCard(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	card, err := a.cards.GetCard(r.Context(), chi.URLParam(r, "cardID"), p)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeCard(w, http.StatusOK, card)
}

func (a *API) blockCard(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	card, err := a.cards.BlockCard(r.Context(), chi.URLParam(r, "cardID"), p)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeCard(w, http.StatusOK, card)
}

func (a *API) activateCard(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	card, err := a.cards.ActivateCard(r.Context(), chi.URLParam(r, "cardID"), p)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeCard(w, http.StatusOK, card)
}

func (a *API) deleteCard(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if err := a.cards.DeleteCard(r.Context(), chi.URLParam(r, "cardID"), p); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) transfer(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	body := transferRequest{}
	if err := decodeBody(r, &body); err != nil {
		a.writeError(w, err)
		return
	}

	tx, err := a.cards.Transfer(r.Context(), models.TransferRequest{
		FromCardID:  body.FromCardID,
		ToCardID:    body.ToCardID,
		Amount:      body.Amount,
		Description: body.Description,
	}, p)
	if err != nil {
		a.writeError(w, err)
		return
	}

	view, err := a.cards.TransactionView(r.Context(), tx)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (a *API) listMyTransactions(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	list, err := a.cards.ListMyTransactions(r.Context(), p)
	if err != nil {
		a.writeError(w, err)
		return
	}
	views, err := a.cards.TransactionViews(r.Context(), list)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *API) getTransaction(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	tx, err := a.cards.GetTransaction(r.Context(), chi.URLParam(r, "transactionID"), p)
	if err != nil {
		a.writeError(w, err)
		return
	}
	view, err := a.cards.TransactionView(r.Context(), tx)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) writeCard(w http.ResponseWriter, status int, card *models.Card) {
	view, err := a.cards.MaskedView(card)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, status, view)
}

func (a *API) writeCards(w http.ResponseWriter, list []*models.Card, err error) {
	if err != nil {
		a.writeError(w, err)
		return
	}
	views, err := a.cards.MaskedViews(list)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// decodeBody reads a JSON body into req and checks its validate tags.
func decodeBody(r *http.Request, req any) error {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		return validationErr("malformed request body")
	}
	if body, ok := req.(*createCardRequest); ok {
		body.Holder = strings.TrimSpace(body.Holder)
	}
	return validateStruct(req)
}

func principal(w http.ResponseWriter, r *http.Request) (models.Principal, bool) {
	p, err := middleware.PrincipalFrom(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return models.Principal{}, false
	}
	return p, true
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	switch KindOf(err) {
	case ErrValidation:
		return http.StatusBadRequest
	case ErrNotFound:
		return http.StatusNotFound
	case ErrAccessDenied:
		return http.StatusForbidden
	case ErrStateConflict, ErrExpired:
		return http.StatusConflict
	case ErrInsufficientFunds:
		return http.StatusUnprocessableEntity
	case ErrBusy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	resp := errorResponse{Error: string(KindOf(err))}
	if status == http.StatusInternalServerError {
		a.cards.logger.Error("request failed", slog.Any("err", err))
		resp = errorResponse{Error: string(ErrPersistence)}
	} else {
		var e *Error
		if errors.As(err, &e) {
			resp.Reason = e.Reason
		}
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(1))
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
