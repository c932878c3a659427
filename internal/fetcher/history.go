package fetcher

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"vault-rebalancer/internal/volatility"
)

const historyPath = "/v1/shims/tradingview/history"

type historyResponse struct {
	Status string    `json:"s"`
	Times  []int64   `json:"t"`
	Closes []float64 `json:"c"`
	Errmsg string    `json:"errmsg"`
}

// History returns closing prices over the configured window, oldest first.
func (o *Oracle) History(ctx context.Context) ([]volatility.Sample, error) {
	return o.HistoryEnding(ctx, o.opts.Now())
}

// HistoryEnding returns the window of closing prices that ends at to.
func (o *Oracle) HistoryEnding(ctx context.Context, to time.Time) ([]volatility.Sample, error) {
	if o.opts.Symbol == "" {
		return nil, unavailable("history", errors.New("price symbol not configured"))
	}

	from := to.Add(-o.opts.Window)
	query := url.Values{}
	query.Set("symbol", o.opts.Symbol)
	query.Set("resolution", strconv.Itoa(o.opts.Resolution))
	query.Set("from", strconv.FormatInt(from.Unix(), 10))
	query.Set("to", strconv.FormatInt(to.Unix(), 10))

	var res historyResponse
	if err := o.getJSON(ctx, o.opts.BenchmarksURL+historyPath, query, &res); err != nil {
		return nil, unavailable("history", err)
	}

	switch res.Status {
	case "ok":
	case "no_data":
		return []volatility.Sample{}, nil
	default:
		msg := res.Errmsg
		if msg == "" {
			msg = "status " + res.Status
		}
		return nil, unavailable("history", errors.New(msg))
	}
	if len(res.Times) != len(res.Closes) {
		return nil, unavailable("history", errors.New("mismatched candle arrays"))
	}

	samples := make([]volatility.Sample, 0, len(res.Closes))
	for i, c := range res.Closes {
		samples = append(samples, volatility.Sample{
			Price:     decimal.NewFromFloat(c),
			Timestamp: res.Times[i],
		})
	}
	o.logger.Debug().Int("samples", len(samples)).Str("symbol", o.opts.Symbol).Msg("price history fetched")
	return samples, nil
}
