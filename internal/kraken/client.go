// Package kraken fetches OHLC bars from the Kraken public REST API.
package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/barstats/internal/models"
)

// Client provides access to the Kraken OHLC endpoint.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	maxRetries     int
	retryDelayBase time.Duration
}

// ClientConfig holds retry settings for the client.
type ClientConfig struct {
	MaxRetries     int
	RetryDelayBase time.Duration
}

// ohlcResponse is the envelope returned by /0/public/OHLC. The result object
// holds one key per pair plus "last", the cursor for the next poll.
type ohlcResponse struct {
	Error  []string                   `json:"error"`
	Result map[string]json.RawMessage `json:"result"`
}

// NewClient creates a new Kraken client.
func NewClient(baseURL string, timeout time.Duration, cfg ClientConfig) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelayBase <= 0 {
		cfg.RetryDelayBase = time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		maxRetries:     cfg.MaxRetries,
		retryDelayBase: cfg.RetryDelayBase,
	}
}

// FetchOHLC retrieves bars of interval minutes for pair committed after since
// (unix seconds, 0 for the most recent page). It returns the bars in the order
// Kraken sent them and the cursor to pass as since on the next call.
// The final bar of each page is the still-forming bar and is re-sent on the
// next poll with updated values.
func (c *Client) FetchOHLC(ctx context.Context, pair string, interval int, since int64) ([]models.Bar, int64, error) {
	u, err := url.Parse(c.baseURL + "/0/public/OHLC")
	if err != nil {
		return nil, 0, fmt.Errorf("failed to parse URL: %w", err)
	}

	q := u.Query()
	q.Set("pair", pair)
	q.Set("interval", strconv.Itoa(interval))
	if since > 0 {
		q.Set("since", strconv.FormatInt(since, 10))
	}
	u.RawQuery = q.Encode()

	resp, err := c.doRequest(ctx, u.String())
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch OHLC: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var body ohlcResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, 0, fmt.Errorf("failed to decode OHLC response: %w", err)
	}
	if len(body.Error) > 0 {
		return nil, 0, fmt.Errorf("kraken error: %s", strings.Join(body.Error, "; "))
	}

	return parseResult(body.Result)
}

// parseResult extracts the bars and the "last" cursor from the result object.
func parseResult(result map[string]json.RawMessage) ([]models.Bar, int64, error) {
	var last int64
	if raw, ok := result["last"]; ok {
		if err := json.Unmarshal(raw, &last); err != nil {
			return nil, 0, fmt.Errorf("failed to parse last: %w", err)
		}
	}

	// Kraken keys the rows by its canonical pair name, which can differ from
	// the requested one (ETHEUR -> XETHZEUR).
	var rows []json.RawMessage
	found := false
	for key, raw := range result {
		if key == "last" {
			continue
		}
		if found {
			return nil, 0, fmt.Errorf("unexpected extra result key: %s", key)
		}
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, 0, fmt.Errorf("failed to parse rows for %s: %w", key, err)
		}
		found = true
	}
	if !found {
		return nil, 0, fmt.Errorf("response has no OHLC rows")
	}

	bars := make([]models.Bar, 0, len(rows))
	for i, raw := range rows {
		bar, err := parseRow(raw)
		if err != nil {
			return nil, 0, fmt.Errorf("row %d: %w", i, err)
		}
		bars = append(bars, bar)
	}
	return bars, last, nil
}

// parseRow decodes [time, open, high, low, close, vwap, volume, count].
// Prices and volume arrive as decimal strings.
func parseRow(raw json.RawMessage) (models.Bar, error) {
	var fields []json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return models.Bar{}, fmt.Errorf("failed to parse row: %w", err)
	}
	if len(fields) != 8 {
		return models.Bar{}, fmt.Errorf("expected 8 fields, got %d", len(fields))
	}

	var bar models.Bar
	if err := json.Unmarshal(fields[0], &bar.Time); err != nil {
		return models.Bar{}, fmt.Errorf("failed to parse time: %w", err)
	}

	prices := []*float64{&bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.VWAP, &bar.Volume}
	for j, dst := range prices {
		var d decimal.Decimal
		if err := json.Unmarshal(fields[j+1], &d); err != nil {
			return models.Bar{}, fmt.Errorf("failed to parse field %d: %w", j+1, err)
		}
		*dst = d.InexactFloat64()
	}

	if err := json.Unmarshal(fields[7], &bar.Count); err != nil {
		return models.Bar{}, fmt.Errorf("failed to parse count: %w", err)
	}
	return bar, nil
}

// doRequest performs HTTP request with retry logic
func (c *Client) doRequest(ctx context.Context, urlStr string) (*http.Response, error) {
	var lastErr error

	for i := 0; i < c.maxRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelayBase * time.Duration(i)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			continue
		}

		return resp, nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
