// Package fetcher reads oracle prices: candle history from the benchmarks API and the
// latest price with its confidence interval from the price service.
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"vault-rebalancer/internal/version"
	"vault-rebalancer/internal/volatility"
)

const (
	defaultHermesURL     = "https://hermes.pyth.network"
	defaultBenchmarksURL = "https://benchmarks.pyth.network"
)

// Options parameterise the oracle client.
type Options struct {
	HermesURL     string
	BenchmarksURL string
	// FeedID is the hex price feed id used for latest prices.
	FeedID string
	// Symbol is the benchmarks symbol used for history, e.g. "Crypto.ETH/USD".
	Symbol string
	// Resolution is the candle width in minutes.
	Resolution int
	// Window is how far back history reaches.
	Window  time.Duration
	Timeout time.Duration
	Now     func() time.Time
}

// Oracle is an HTTP price source.
type Oracle struct {
	opts   Options
	client *http.Client
	logger zerolog.Logger
}

// New builds an oracle client.
func New(opts Options, logger zerolog.Logger) *Oracle {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Resolution <= 0 {
		opts.Resolution = 60
	}
	if opts.Window <= 0 {
		opts.Window = 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.HermesURL = strings.TrimRight(opts.HermesURL, "/")
	if opts.HermesURL == "" {
		opts.HermesURL = defaultHermesURL
	}
	opts.BenchmarksURL = strings.TrimRight(opts.BenchmarksURL, "/")
	if opts.BenchmarksURL == "" {
		opts.BenchmarksURL = defaultBenchmarksURL
	}
	return &Oracle{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		logger: logger.With().Str("component", "price_fetcher").Logger(),
	}
}

func (o *Oracle) getJSON(ctx context.Context, endpoint string, query url.Values, out any) error {
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := o.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return parseHTTPError(resp.StatusCode, payload)
	}
	return json.Unmarshal(payload, out)
}

type errorResponse struct {
	Error   string `json:"error"`
	Errmsg  string `json:"errmsg"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		for _, msg := range []string{apiErr.Error, apiErr.Errmsg, apiErr.Message} {
			if msg != "" {
				return fmt.Errorf("oracle api error (%d): %s", status, msg)
			}
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("oracle api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("oracle api error (%d)", status)
}

// unavailable wraps a fetch failure so callers can detect it with errors.Is.
func unavailable(what string, err error) error {
	if errors.Is(err, volatility.ErrDataUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", volatility.ErrDataUnavailable, what, err)
}

var _ volatility.PriceSource = (*Oracle)(nil)
