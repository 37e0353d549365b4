package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/mbd888/tradeflow/internal/auth"
)

// Config holds the configuration for connecting to the tradeflow API.
type Config struct {
	APIURL      string // Base URL, e.g. "http://localhost:8080"
	CompanyID   string // Acting company, sent as X-Actor-ID
	AdminSecret string // Optional; lets the tools read any trade
}

// Client is an HTTP client for the tradeflow API.
type Client struct {
	cfg  Config
	http *resty.Client
}

// NewClient creates a client for the tradeflow API.
func NewClient(cfg Config) *Client {
	r := resty.New().
		SetBaseURL(cfg.APIURL).
		SetTimeout(30*time.Second).
		SetHeader("Accept", "application/json").
		SetHeader(auth.HeaderActor, cfg.CompanyID)
	if cfg.AdminSecret != "" {
		r.SetHeader(auth.HeaderAdminSecret, cfg.AdminSecret)
	}
	return &Client{cfg: cfg, http: r}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	req := c.http.R().SetContext(ctx)
	if query != nil {
		req.SetQueryParamsFromValues(query)
	}
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode() >= 400 {
		var apiErr apiError
		if json.Unmarshal(resp.Body(), &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode(), apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode(), resp.String())
	}

	return json.RawMessage(resp.Body()), nil
}

// GetTrade returns one trade.
func (c *Client) GetTrade(ctx context.Context, tradeID string) (json.RawMessage, error) {
	return c.do(ctx, resty.MethodGet, "/v1/trades/"+url.PathEscape(tradeID), nil, nil)
}

// GetReadiness returns the readiness snapshot of a trade.
func (c *Client) GetReadiness(ctx context.Context, tradeID string) (json.RawMessage, error) {
	return c.do(ctx, resty.MethodGet, "/v1/trades/"+url.PathEscape(tradeID)+"/readiness", nil, nil)
}

// GetEscrow returns the escrow account and event log of a trade.
func (c *Client) GetEscrow(ctx context.Context, tradeID string) (json.RawMessage, error) {
	return c.do(ctx, resty.MethodGet, "/v1/trades/"+url.PathEscape(tradeID)+"/escrow", nil, nil)
}

// ListTrades lists the trades of the configured company.
func (c *Client) ListTrades(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.do(ctx, resty.MethodGet, "/v1/companies/"+url.PathEscape(c.cfg.CompanyID)+"/trades", q, nil)
}

// OpenDispute raises a dispute on a trade as the configured company.
func (c *Client) OpenDispute(ctx context.Context, tradeID, reason string) (json.RawMessage, error) {
	body := map[string]string{"reason": reason}
	return c.do(ctx, resty.MethodPost, "/v1/trades/"+url.PathEscape(tradeID)+"/disputes", nil, body)
}
