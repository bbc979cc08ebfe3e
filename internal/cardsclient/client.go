// Package cardsclient is a small typed client for the cards HTTP API, used by
// the command line tools.
package cardsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alovak/bankcards/cards/models"
)

type Client struct {
	Base  string
	Token string
	HTTP  *http.Client
}

func New(base, token string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{Base: strings.TrimRight(base, "/"), Token: token, HTTP: hc}
}

// APIError is a non-2xx answer. Kind and Reason are filled from the JSON
// error body when there is one.
type APIError struct {
	Status int
	Kind   string
	Reason string
	Body   string
}

func (e *APIError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("cards api status=%d body=%s", e.Status, e.Body)
	}
	if e.Reason == "" {
		return fmt.Sprintf("cards api status=%d: %s", e.Status, e.Kind)
	}
	return fmt.Sprintf("cards api status=%d: %s: %s", e.Status, e.Kind, e.Reason)
}

// CreateCardReq mirrors the create card body; ExpireDate is YYYY-MM-DD or MM/YY.
type CreateCardReq struct {
	PAN        string `json:"pan"`
	Holder     string `json:"holder"`
	ExpireDate string `json:"expire_date"`
	OwnerID    string `json:"owner_id"`
}

type TransferReq struct {
	FromCardID  string          `json:"from_card_id"`
	ToCardID    string          `json:"to_card_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
}

func (c *Client) CreateCard(ctx context.Context, req CreateCardReq) (*models.CardView, error) {
	var out models.CardView
	if err := c.do(ctx, http.MethodPost, "/api/cards", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetCard(ctx context.Context, id string) (*models.CardView, error) {
	var out models.CardView
	if err := c.do(ctx, http.MethodGet, "/api/cards/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListMyCards(ctx context.Context) ([]models.CardView, error) {
	var out []models.CardView
	return out, c.do(ctx, http.MethodGet, "/api/cards/my", nil, &out)
}

func (c *Client) ListAllCards(ctx context.Context) ([]models.CardView, error) {
	var out []models.CardView
	return out, c.do(ctx, http.MethodGet, "/api/cards", nil, &out)
}

func (c *Client) BlockCard(ctx context.Context, id string) (*models.CardView, error) {
	var out models.CardView
	if err := c.do(ctx, http.MethodPut, "/api/cards/"+url.PathEscape(id)+"/block", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ActivateCard(ctx context.Context, id string) (*models.CardView, error) {
	var out models.CardView
	if err := c.do(ctx, http.MethodPut, "/api/cards/"+url.PathEscape(id)+"/activate", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteCard(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/cards/"+url.PathEscape(id), nil, nil)
}

func (c *Client) Transfer(ctx context.Context, req TransferReq) (*models.TransactionView, error) {
	var out models.TransactionView
	if err := c.do(ctx, http.MethodPost, "/api/transfers", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListMyTransactions(ctx context.Context) ([]models.TransactionView, error) {
	var out []models.TransactionView
	return out, c.do(ctx, http.MethodGet, "/api/transfers/my", nil, &out)
}

func (c *Client) GetTransaction(ctx context.Context, id string) (*models.TransactionView, error) {
	var out models.TransactionView
	if err := c.do(ctx, http.MethodGet, "/api/transfers/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.Base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		raw, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		var payload struct {
			Error  string `json:"error"`
			Reason string `json:"reason"`
		}
		if json.Unmarshal(raw, &payload) == nil {
			apiErr.Kind, apiErr.Reason = payload.Error, payload.Reason
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
