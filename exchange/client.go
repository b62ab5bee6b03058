// Package exchange is the boundary to the CLOB order API. Everything past
// this package speaks typed requests, results, and categorized errors; no
// HTTP detail leaks upward.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/config"
	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/models"
)

// OrderRequest is one copy order to submit. ClientOrderID carries the
// idempotency key so a resubmission after an ambiguous failure cannot double
// fill on the exchange side.
type OrderRequest struct {
	CredentialID  int64
	MarketID      string
	Side          models.Side
	Quantity      decimal.Decimal
	LimitPrice    decimal.Decimal
	ClientOrderID string
}

// OrderResult is the exchange's answer to a submitted order.
type OrderResult struct {
	OrderID        string
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
	Fees           decimal.Decimal
	FullyFilled    bool
}

// Quote is the top of book for one outcome token.
type Quote struct {
	BestBid decimal.Decimal
	BestAsk decimal.Decimal
}

// BestPriceFor returns the price a taker on the given side would pay.
func (q Quote) BestPriceFor(side models.Side) decimal.Decimal {
	if side == models.SideBuy {
		return q.BestAsk
	}
	return q.BestBid
}

// Client is the exchange boundary used by the execution coordinator.
type Client interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	GetQuote(ctx context.Context, marketID string) (Quote, error)
}

// HTTPClient talks to the CLOB REST API.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPClient builds a client from config; the API key comes from the
// environment.
func NewHTTPClient(cfg config.ExchangeConfig) *HTTPClient {
	return &HTTPClient{
		baseURL: cfg.BaseURL,
		apiKey:  os.Getenv("EXCHANGE_API_KEY"),
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.RequestTimeoutSec) * time.Second,
		},
	}
}

type orderPayload struct {
	ClientOrderID string `json:"client_order_id"`
	CredentialID  int64  `json:"credential_id"`
	TokenID       string `json:"token_id"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	Price         string `json:"price"`
	OrderType     string `json:"order_type"`
}

type orderResponse struct {
	OrderID    string `json:"order_id"`
	Status     string `json:"status"`
	FilledSize string `json:"filled_size"`
	AvgPrice   string `json:"avg_price"`
	Fees       string `json:"fees"`
}

// SubmitOrder places a limit order and reports the fill.
func (c *HTTPClient) SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	payload := orderPayload{
		ClientOrderID: req.ClientOrderID,
		CredentialID:  req.CredentialID,
		TokenID:       req.MarketID,
		Side:          string(req.Side),
		Size:          req.Quantity.String(),
		Price:         req.LimitPrice.String(),
		OrderType:     "GTC",
	}

	var resp orderResponse
	if err := c.do(ctx, http.MethodPost, "/order", payload, &resp); err != nil {
		return OrderResult{}, err
	}

	result := OrderResult{
		OrderID:     resp.OrderID,
		FullyFilled: resp.Status == "matched",
	}
	var err error
	if result.FilledQuantity, err = decimal.NewFromString(orZero(resp.FilledSize)); err != nil {
		return OrderResult{}, fmt.Errorf("exchange: parse filled size %q: %w", resp.FilledSize, err)
	}
	if result.AvgFillPrice, err = decimal.NewFromString(orZero(resp.AvgPrice)); err != nil {
		return OrderResult{}, fmt.Errorf("exchange: parse avg price %q: %w", resp.AvgPrice, err)
	}
	if result.Fees, err = decimal.NewFromString(orZero(resp.Fees)); err != nil {
		return OrderResult{}, fmt.Errorf("exchange: parse fees %q: %w", resp.Fees, err)
	}
	return result, nil
}

type bookResponse struct {
	Bids []struct {
		Price string `json:"price"`
	} `json:"bids"`
	Asks []struct {
		Price string `json:"price"`
	} `json:"asks"`
}

// GetQuote fetches the top of book for a token.
func (c *HTTPClient) GetQuote(ctx context.Context, marketID string) (Quote, error) {
	var book bookResponse
	if err := c.do(ctx, http.MethodGet, "/book?token_id="+marketID, nil, &book); err != nil {
		return Quote{}, err
	}

	var quote Quote
	var err error
	if len(book.Bids) > 0 {
		if quote.BestBid, err = decimal.NewFromString(book.Bids[0].Price); err != nil {
			return Quote{}, fmt.Errorf("exchange: parse bid %q: %w", book.Bids[0].Price, err)
		}
	}
	if len(book.Asks) > 0 {
		if quote.BestAsk, err = decimal.NewFromString(book.Asks[0].Price); err != nil {
			return Quote{}, fmt.Errorf("exchange: parse ask %q: %w", book.Asks[0].Price, err)
		}
	}
	return quote, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("exchange: marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("exchange: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return TimeoutError(err)
		}
		return NetworkError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return NetworkError(err)
	}

	if resp.StatusCode >= 400 {
		return Categorize(resp.StatusCode, string(respBody), resp.Header)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("exchange: decode response: %w", err)
		}
	}
	return nil
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}
