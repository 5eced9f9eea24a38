// Package lixsdk is a typed client for the LixCarbon settlement HTTP API.
package lixsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Client is a minimal LixCarbon HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

type Token struct {
	Code       string          `json:"code"`
	Category   string          `json:"category"`
	Weight     decimal.Decimal `json:"weight"`
	Redeemed   bool            `json:"redeemed"`
	IssuedAt   string          `json:"issued_at"`
	RedeemedAt string          `json:"redeemed_at,omitempty"`
	RedeemedBy string          `json:"redeemed_by,omitempty"`
}

// Record is a redeemed deposit owned by a company.
type Record struct {
	ID                 string          `json:"id"`
	OwnerID            string          `json:"owner_id"`
	TokenCode          string          `json:"token_code"`
	Category           string          `json:"category"`
	Weight             decimal.Decimal `json:"weight"`
	Credit             decimal.Decimal `json:"credit"`
	LotID              string          `json:"lot_id,omitempty"`
	ProportionalPayout decimal.Decimal `json:"proportional_payout"`
	Status             string          `json:"status"`
	CreatedAt          string          `json:"created_at"`
	ValidatedAt        string          `json:"validated_at"`
	PaymentRequestedAt string          `json:"payment_requested_at,omitempty"`
	PaidAt             string          `json:"paid_at,omitempty"`
}

type Lot struct {
	ID                  string          `json:"id"`
	WeightCeiling       decimal.Decimal `json:"weight_ceiling"`
	WeightUsed          decimal.Decimal `json:"weight_used"`
	RecordCount         int             `json:"record_count"`
	AmountPaid          decimal.Decimal `json:"amount_paid"`
	CompanySharePercent decimal.Decimal `json:"company_share_percent"`
	AmountDistributed   decimal.Decimal `json:"amount_distributed"`
	Status              string          `json:"status"`
	CreatedAt           string          `json:"created_at"`
	PaidAt              string          `json:"paid_at,omitempty"`
}

type LotDetail struct {
	Lot     Lot      `json:"lot"`
	Records []Record `json:"records"`
}

type LotStats struct {
	Total       int             `json:"total"`
	Pending     int             `json:"pending"`
	Paid        int             `json:"paid"`
	TotalWeight decimal.Decimal `json:"total_weight"`
	TotalValue  decimal.Decimal `json:"total_value"`
}

type Share struct {
	RecordID string          `json:"record_id"`
	OwnerID  string          `json:"owner_id"`
	Weight   decimal.Decimal `json:"weight"`
	Amount   decimal.Decimal `json:"amount"`
}

// Settlement is the result of applying a validator payment to a lot.
type Settlement struct {
	LotID               string          `json:"lot_id"`
	AmountPaid          decimal.Decimal `json:"amount_paid"`
	CompanySharePercent decimal.Decimal `json:"company_share_percent"`
	CompanyShare        decimal.Decimal `json:"company_share"`
	AmountDistributed   decimal.Decimal `json:"amount_distributed"`
	RecordsUpdated      int             `json:"records_updated"`
	Shares              []Share         `json:"shares"`
}

type Payment struct {
	TotalPaid decimal.Decimal `json:"total_paid"`
	Records   []Record        `json:"records"`
}

type Bucket struct {
	Count   int             `json:"count"`
	Weight  decimal.Decimal `json:"weight"`
	Amount  decimal.Decimal `json:"amount"`
	Records []Record        `json:"records"`
}

// PaymentSummary splits an owner's records into pending, available and paid.
type PaymentSummary struct {
	Pending   Bucket `json:"pending"`
	Available Bucket `json:"available"`
	Paid      Bucket `json:"paid"`
}

type CategoryTotals struct {
	Count  int             `json:"count"`
	Weight decimal.Decimal `json:"weight"`
	Credit decimal.Decimal `json:"credit"`
}

type OwnerStats struct {
	TotalWeight decimal.Decimal           `json:"total_weight"`
	TotalCredit decimal.Decimal           `json:"total_credit"`
	ByCategory  map[string]CategoryTotals `json:"by_category"`
	ByStatus    map[string]int            `json:"by_status"`
}

type OwnerPayables struct {
	OwnerID string          `json:"owner_id"`
	Total   decimal.Decimal `json:"total"`
	Records []Record        `json:"records"`
}

type Payables struct {
	Count  int             `json:"count"`
	Total  decimal.Decimal `json:"total"`
	Owners []OwnerPayables `json:"owners"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type Principal struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

// APIError wraps non-2xx responses. Code and Details come from the error envelope when present.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IssueToken registers a deposit printed by a totem.
func (c *Client) IssueToken(ctx context.Context, code, category string, weight decimal.Decimal) (Token, error) {
	body := map[string]any{"code": code, "category": category, "weight": weight.String()}
	var resp Token
	err := c.do(ctx, http.MethodPost, "tokens", body, &resp)
	return resp, err
}

// GenerateToken asks the server to simulate a totem deposit.
func (c *Client) GenerateToken(ctx context.Context) (Token, error) {
	var resp Token
	err := c.do(ctx, http.MethodPost, "totem/tokens", nil, &resp)
	return resp, err
}

func (c *Client) ListTokens(ctx context.Context, limit int) ([]Token, error) {
	var resp struct {
		Items []Token `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("tokens", url.Values{"limit": intParam(limit)}), nil, &resp)
	return resp.Items, err
}

// Redeem turns a token into a record owned by the caller.
func (c *Client) Redeem(ctx context.Context, code string) (Record, error) {
	var resp Record
	err := c.do(ctx, http.MethodPost, "redemptions", map[string]any{"code": code}, &resp)
	return resp, err
}

func (c *Client) WhoAmI(ctx context.Context) (Principal, error) {
	var resp Principal
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

func (c *Client) MyRecords(ctx context.Context) ([]Record, error) {
	var resp struct {
		Items []Record `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "me/records", nil, &resp)
	return resp.Items, err
}

func (c *Client) MyPayments(ctx context.Context) (PaymentSummary, error) {
	var resp PaymentSummary
	err := c.do(ctx, http.MethodGet, "me/payments", nil, &resp)
	return resp, err
}

func (c *Client) MyStats(ctx context.Context) (OwnerStats, error) {
	var resp OwnerStats
	err := c.do(ctx, http.MethodGet, "me/stats", nil, &resp)
	return resp, err
}

// RecordsByStatus lists every record in a status. Requires settlement.admin.
func (c *Client) RecordsByStatus(ctx context.Context, status string) ([]Record, error) {
	var resp struct {
		Items []Record `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("records", url.Values{"status": {status}}), nil, &resp)
	return resp.Items, err
}

func (c *Client) GetRecord(ctx context.Context, id string) (Record, error) {
	var resp Record
	err := c.do(ctx, http.MethodGet, "records/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// CreateLot batches the oldest validated records up to ceiling kg.
func (c *Client) CreateLot(ctx context.Context, ceiling decimal.Decimal) (LotDetail, error) {
	var resp LotDetail
	err := c.do(ctx, http.MethodPost, "lots", map[string]any{"weight_ceiling": ceiling.String()}, &resp)
	return resp, err
}

func (c *Client) ListLots(ctx context.Context) ([]Lot, error) {
	var resp struct {
		Items []Lot `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "lots", nil, &resp)
	return resp.Items, err
}

func (c *Client) GetLot(ctx context.Context, id string) (LotDetail, error) {
	var resp LotDetail
	err := c.do(ctx, http.MethodGet, "lots/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) LotStats(ctx context.Context) (LotStats, error) {
	var resp LotStats
	err := c.do(ctx, http.MethodGet, "lots/stats", nil, &resp)
	return resp, err
}

// SettleLot records the validator's payment for a pending lot.
func (c *Client) SettleLot(ctx context.Context, id string, amount decimal.Decimal) (Settlement, error) {
	var resp Settlement
	endpoint := fmt.Sprintf("lots/%s/settlement", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"amount_paid": amount.String()}, &resp)
	return resp, err
}

// Pay finalizes released records. Either every id is paid or none is.
func (c *Client) Pay(ctx context.Context, recordIDs ...string) (Payment, error) {
	if recordIDs == nil {
		recordIDs = []string{}
	}
	var resp Payment
	err := c.do(ctx, http.MethodPost, "payments", map[string]any{"record_ids": recordIDs}, &resp)
	return resp, err
}

func (c *Client) Payables(ctx context.Context) (Payables, error) {
	var resp Payables
	err := c.do(ctx, http.MethodGet, "payments/payable", nil, &resp)
	return resp, err
}

// PaymentHistory lists paid records, optionally for a single owner.
func (c *Client) PaymentHistory(ctx context.Context, ownerID string) ([]Record, error) {
	q := url.Values{}
	if ownerID != "" {
		q.Set("owner_id", ownerID)
	}
	var resp struct {
		Items []Record `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("payments/history", q), nil, &resp)
	return resp.Items, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{"limit": intParam(limit)}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}

func withQuery(endpoint string, q url.Values) string {
	for k, v := range q {
		if len(v) == 0 || v[0] == "" {
			delete(q, k)
		}
	}
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func intParam(n int) []string {
	if n <= 0 {
		return nil
	}
	return []string{strconv.Itoa(n)}
}
