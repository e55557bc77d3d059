// Package broker implements the REST and websocket clients for the broker
// API the engine trades through. The REST client satisfies
// domain.ExecutionVenue and domain.AccountProvider; the stream feeds the
// price cache.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/calebwestray/protectbot/internal/crypto"
	"github.com/calebwestray/protectbot/internal/domain"
)

// Client is the REST client for the broker API.
type Client struct {
	baseURL    string
	auth       *crypto.HMACAuth
	httpClient *http.Client
}

// Compile-time interface checks.
var (
	_ domain.ExecutionVenue  = (*Client)(nil)
	_ domain.AccountProvider = (*Client)(nil)
)

// NewClient creates a new broker REST client.
//
// baseURL is the API root, e.g. "https://api.broker.example.com".
func NewClient(baseURL string, auth *crypto.HMACAuth) *Client {
	return &Client{
		baseURL: baseURL,
		auth:    auth,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SubmitLimitOrder places a limit order.
func (c *Client) SubmitLimitOrder(ctx context.Context, req domain.OrderRequest) (domain.VenueOrder, error) {
	req.Type = domain.OrderTypeLimit
	return c.submitOrder(ctx, req)
}

// SubmitMarketOrder places a market order.
func (c *Client) SubmitMarketOrder(ctx context.Context, req domain.OrderRequest) (domain.VenueOrder, error) {
	req.Type = domain.OrderTypeMarket
	return c.submitOrder(ctx, req)
}

// SubmitStopOrder places a stop order.
func (c *Client) SubmitStopOrder(ctx context.Context, req domain.OrderRequest) (domain.VenueOrder, error) {
	req.Type = domain.OrderTypeStop
	return c.submitOrder(ctx, req)
}

func (c *Client) submitOrder(ctx context.Context, req domain.OrderRequest) (domain.VenueOrder, error) {
	body, err := c.doSignedRequest(ctx, http.MethodPost, "/v1/orders", toOrderRequestJSON(req))
	if err != nil {
		return domain.VenueOrder{}, fmt.Errorf("broker: submit %s order: %w", req.Type, err)
	}

	var resp orderJSON
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.VenueOrder{}, fmt.Errorf("broker: decode order response: %w", err)
	}

	return resp.toDomain(), nil
}

// CancelOrder cancels an existing order by its ID.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	path := fmt.Sprintf("/v1/orders/%s", url.PathEscape(orderID))

	if _, err := c.doSignedRequest(ctx, http.MethodDelete, path, nil); err != nil {
		return fmt.Errorf("broker: cancel order %s: %w", orderID, err)
	}

	return nil
}

// GetOrderStatus returns the broker's current view of an order.
func (c *Client) GetOrderStatus(ctx context.Context, orderID string) (domain.VenueOrder, error) {
	path := fmt.Sprintf("/v1/orders/%s", url.PathEscape(orderID))

	body, err := c.doSignedRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return domain.VenueOrder{}, fmt.Errorf("broker: get order %s: %w", orderID, err)
	}

	var resp orderJSON
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.VenueOrder{}, fmt.Errorf("broker: decode order: %w", err)
	}

	return resp.toDomain(), nil
}

// GetLatestPrice returns the last traded price for a symbol.
func (c *Client) GetLatestPrice(ctx context.Context, symbol string) (float64, error) {
	path := fmt.Sprintf("/v1/quotes/%s", url.PathEscape(symbol))

	body, err := c.doSignedRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, fmt.Errorf("broker: get quote %s: %w", symbol, err)
	}

	var resp quoteJSON
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("broker: decode quote: %w", err)
	}

	return resp.Price, nil
}

// OpenQuantity returns the broker's signed open quantity for a symbol.
// A symbol with no open position reports zero.
func (c *Client) OpenQuantity(ctx context.Context, symbol string) (int64, error) {
	path := fmt.Sprintf("/v1/positions/%s", url.PathEscape(symbol))

	body, err := c.doSignedRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("broker: get position %s: %w", symbol, err)
	}

	var resp positionJSON
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("broker: decode position: %w", err)
	}

	return resp.Quantity, nil
}

// Equity returns the total account value.
func (c *Client) Equity(ctx context.Context) (float64, error) {
	acct, err := c.account(ctx)
	if err != nil {
		return 0, err
	}
	return acct.Equity, nil
}

// BuyingPower returns the notional available for new positions.
func (c *Client) BuyingPower(ctx context.Context) (float64, error) {
	acct, err := c.account(ctx)
	if err != nil {
		return 0, err
	}
	return acct.BuyingPower, nil
}

func (c *Client) account(ctx context.Context) (accountJSON, error) {
	body, err := c.doSignedRequest(ctx, http.MethodGet, "/v1/account", nil)
	if err != nil {
		return accountJSON{}, fmt.Errorf("broker: get account: %w", err)
	}

	var resp accountJSON
	if err := json.Unmarshal(body, &resp); err != nil {
		return accountJSON{}, fmt.Errorf("broker: decode account: %w", err)
	}

	return resp, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doSignedRequest builds, signs, sends, and reads an HTTP request against
// the broker API.
func (c *Client) doSignedRequest(ctx context.Context, method, path string, reqBody any) ([]byte, error) {
	var (
		bodyReader io.Reader
		bodyStr    string
	)
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
		bodyStr = string(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	for k, v := range c.auth.Headers(method, path, bodyStr) {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, domain.ErrVenueTimeout
		}
		var urlErr *url.Error
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			return nil, domain.ErrVenueTimeout
		}
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}

	return respBody, nil
}

// checkStatus maps non-2xx HTTP status codes onto the domain error
// sentinels so callers can branch with errors.Is.
func checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr errorJSON
	_ = json.Unmarshal(body, &apiErr)

	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s (%s)", domain.ErrNotFound, apiErr.Message, apiErr.Code)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s (%s)", domain.ErrUnauthorized, apiErr.Message, apiErr.Code)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s (%s)", domain.ErrRateLimited, apiErr.Message, apiErr.Code)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s (%s)", domain.ErrOrderConflict, apiErr.Message, apiErr.Code)
	case http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %s (%s)", domain.ErrVenueTimeout, apiErr.Message, apiErr.Code)
	default:
		return fmt.Errorf("broker: HTTP %d: %s (%s)", statusCode, apiErr.Message, apiErr.Code)
	}
}
