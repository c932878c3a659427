// Package swap talks to the DEX aggregation service that quotes, validates and executes
// swaps through the delegated signer.
package swap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"vault-rebalancer/internal/version"
)

const (
	quotePath    = "/quote"
	precheckPath = "/precheck"
	executePath  = "/execute"
)

// ErrQuoteRejected is returned when the service refuses to quote.
var ErrQuoteRejected = errors.New("swap: quote rejected")

// QuoteRequest describes an exact-in swap.
type QuoteRequest struct {
	ChainID     int64
	TokenIn     common.Address
	TokenOut    common.Address
	AmountIn    *big.Int
	Recipient   common.Address
	SlippageBps int64
}

// SignedQuote is an executable quote as returned by the service. Payload is echoed back
// verbatim on precheck and execute so the service can verify its own signature.
type SignedQuote struct {
	ID           string
	TokenIn      common.Address
	TokenOut     common.Address
	AmountIn     *big.Int
	AmountOut    *big.Int
	MinAmountOut *big.Int
	Router       common.Address
	ExpiresAt    time.Time
	Payload      json.RawMessage
}

// Provider is the capability the saga needs.
type Provider interface {
	Quote(ctx context.Context, req QuoteRequest) (SignedQuote, error)
	Precheck(ctx context.Context, quote SignedQuote) (bool, error)
	Execute(ctx context.Context, quote SignedQuote) (common.Hash, error)
}

// Options parameterise the HTTP client.
type Options struct {
	BaseURL string
	APIKey  string
	// Session is the delegated-signer JWT presented on execute.
	Session    string
	PKPAddress string
	Timeout    time.Duration
}

// Client is an HTTP Provider.
type Client struct {
	opts    Options
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewClient builds a swap client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		opts:    opts,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "swap_client").Logger(),
	}
}

// WithSession returns a copy bound to another delegated-signer session.
func (c *Client) WithSession(pkpAddress, jwt string) *Client {
	cp := *c
	cp.opts.PKPAddress = pkpAddress
	cp.opts.Session = jwt
	cp.logger = c.logger.With().Str("pkp", pkpAddress).Logger()
	return &cp
}

// Quote asks the service for a signed quote.
func (c *Client) Quote(ctx context.Context, req QuoteRequest) (SignedQuote, error) {
	if c.baseURL == "" {
		return SignedQuote{}, errors.New("swap: base url not configured")
	}
	if req.AmountIn == nil || req.AmountIn.Sign() <= 0 {
		return SignedQuote{}, errors.New("swap: amountIn must be positive")
	}

	payload := quoteRequest{
		ChainID:     req.ChainID,
		TokenIn:     req.TokenIn.Hex(),
		TokenOut:    req.TokenOut.Hex(),
		AmountIn:    req.AmountIn.String(),
		Recipient:   req.Recipient.Hex(),
		SlippageBps: req.SlippageBps,
	}

	raw, err := c.post(ctx, quotePath, payload, false)
	if err != nil {
		return SignedQuote{}, fmt.Errorf("request quote: %w", err)
	}

	var res quoteResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return SignedQuote{}, fmt.Errorf("decode quote: %w", err)
	}
	if res.Error != "" {
		return SignedQuote{}, fmt.Errorf("%w: %s", ErrQuoteRejected, res.Error)
	}

	quote, err := res.Quote.toSignedQuote()
	if err != nil {
		return SignedQuote{}, err
	}
	quote.Payload = json.RawMessage(raw)

	c.logger.Debug().Str("quote_id", quote.ID).
		Str("amount_in", quote.AmountIn.String()).
		Str("amount_out", quote.AmountOut.String()).
		Msg("quote received")
	return quote, nil
}

// Precheck validates a quote before execution. A false result is a definitive rejection.
func (c *Client) Precheck(ctx context.Context, quote SignedQuote) (bool, error) {
	if !quote.ExpiresAt.IsZero() && time.Now().After(quote.ExpiresAt) {
		return false, nil
	}

	raw, err := c.post(ctx, precheckPath, signedEnvelope{Quote: quote.Payload, PKPAddress: c.opts.PKPAddress}, true)
	if err != nil {
		return false, fmt.Errorf("precheck: %w", err)
	}

	var res precheckResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return false, fmt.Errorf("decode precheck: %w", err)
	}
	if !res.OK {
		c.logger.Warn().Str("quote_id", quote.ID).Str("reason", res.Reason).Msg("precheck rejected quote")
	}
	return res.OK, nil
}

// Execute submits the swap and returns its transaction hash.
func (c *Client) Execute(ctx context.Context, quote SignedQuote) (common.Hash, error) {
	raw, err := c.post(ctx, executePath, signedEnvelope{Quote: quote.Payload, PKPAddress: c.opts.PKPAddress}, true)
	if err != nil {
		return common.Hash{}, fmt.Errorf("execute swap: %w", err)
	}

	var res executeResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return common.Hash{}, fmt.Errorf("decode execute: %w", err)
	}
	if res.Error != "" {
		return common.Hash{}, fmt.Errorf("execute swap: %s", res.Error)
	}
	if !isHash(res.SwapTxHash) {
		return common.Hash{}, fmt.Errorf("execute swap: invalid tx hash %q", res.SwapTxHash)
	}
	return common.HexToHash(res.SwapTxHash), nil
}

func (c *Client) post(ctx context.Context, path string, payload any, withSession bool) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if c.opts.APIKey != "" {
		req.Header.Set("X-API-Key", c.opts.APIKey)
	}
	if withSession && c.opts.Session != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Session)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseHTTPError(resp.StatusCode, raw)
	}
	return raw, nil
}

type quoteRequest struct {
	ChainID     int64  `json:"chainId"`
	TokenIn     string `json:"tokenIn"`
	TokenOut    string `json:"tokenOut"`
	AmountIn    string `json:"amountIn"`
	Recipient   string `json:"recipient"`
	SlippageBps int64  `json:"slippageBps"`
}

type quoteBody struct {
	ID           string `json:"id"`
	TokenIn      string `json:"tokenIn"`
	TokenOut     string `json:"tokenOut"`
	AmountIn     string `json:"amountIn"`
	AmountOut    string `json:"amountOut"`
	MinAmountOut string `json:"minAmountOut"`
	Router       string `json:"router"`
	ExpiresAt    int64  `json:"expiresAt"`
}

type quoteResponse struct {
	Quote     quoteBody `json:"quote"`
	Signature string    `json:"signature"`
	Error     string    `json:"error"`
}

type signedEnvelope struct {
	Quote      json.RawMessage `json:"signedQuote"`
	PKPAddress string          `json:"pkpAddress,omitempty"`
}

type precheckResponse struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason"`
}

type executeResponse struct {
	SwapTxHash string `json:"swapTxHash"`
	Error      string `json:"error"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (q quoteBody) toSignedQuote() (SignedQuote, error) {
	amountIn, ok := new(big.Int).SetString(q.AmountIn, 10)
	if !ok {
		return SignedQuote{}, fmt.Errorf("parse amountIn %q", q.AmountIn)
	}
	amountOut, ok := new(big.Int).SetString(q.AmountOut, 10)
	if !ok {
		return SignedQuote{}, fmt.Errorf("parse amountOut %q", q.AmountOut)
	}
	minOut := new(big.Int)
	if q.MinAmountOut != "" {
		if _, ok := minOut.SetString(q.MinAmountOut, 10); !ok {
			return SignedQuote{}, fmt.Errorf("parse minAmountOut %q", q.MinAmountOut)
		}
	}
	if amountOut.Sign() <= 0 {
		return SignedQuote{}, fmt.Errorf("%w: zero output", ErrQuoteRejected)
	}

	out := SignedQuote{
		ID:           q.ID,
		TokenIn:      common.HexToAddress(q.TokenIn),
		TokenOut:     common.HexToAddress(q.TokenOut),
		AmountIn:     amountIn,
		AmountOut:    amountOut,
		MinAmountOut: minOut,
		Router:       common.HexToAddress(q.Router),
	}
	if q.ExpiresAt > 0 {
		out.ExpiresAt = time.Unix(q.ExpiresAt, 0).UTC()
	}
	return out, nil
}

func isHash(v string) bool {
	v = strings.TrimPrefix(v, "0x")
	if len(v) != 64 {
		return false
	}
	for _, r := range v {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Error != "" {
			return fmt.Errorf("swap api error (%d): %s", status, apiErr.Error)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("swap api error (%d): %s", status, apiErr.Message)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("swap api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("swap api error (%d)", status)
}

var _ Provider = (*Client)(nil)
