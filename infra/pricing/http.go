// Package pricing provides the HTTP client fetching hourly electricity
// prices and mining economics from the market data service.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	corepricing "github.com/minegrid/curtaild/core/pricing"
)

// Config defines the market data endpoint.
type Config struct {
	BaseURL   string `json:"base_url"`
	APIKey    string `json:"api_key"`
	TimeoutMS int    `json:"timeout_ms"`
}

// Client fetches prices and economics over HTTP. The API serves
// /prices?date=YYYY-MM-DD and /economics.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a market data client.
func NewClient(cfg Config) *Client {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
	}
}

type pricesResponse struct {
	Date   string    `json:"date"`
	Prices []float64 `json:"prices"`
}

// HourlyPrices returns the 24 hourly prices for the given day.
func (c *Client) HourlyPrices(ctx context.Context, date time.Time) ([]float64, error) {
	url := fmt.Sprintf("%s/prices?date=%s", c.baseURL, date.UTC().Format("2006-01-02"))
	var out pricesResponse
	if err := c.get(ctx, url, &out); err != nil {
		return nil, err
	}
	if len(out.Prices) != 24 {
		return nil, fmt.Errorf("market data returned %d prices, want 24", len(out.Prices))
	}
	return out.Prices, nil
}

type economicsResponse struct {
	BTCPriceUSD       float64 `json:"btc_price_usd"`
	YieldBTCPerTHHour float64 `json:"yield_btc_per_th_hour"`
}

// Economics returns the current mining economics.
func (c *Client) Economics(ctx context.Context) (corepricing.Economics, error) {
	var out economicsResponse
	if err := c.get(ctx, c.baseURL+"/economics", &out); err != nil {
		return corepricing.Economics{}, err
	}
	return corepricing.Economics{
		BTCPriceUSD:       out.BTCPriceUSD,
		YieldBTCPerTHHour: out.YieldBTCPerTHHour,
	}, nil
}

func (c *Client) get(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, body)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
