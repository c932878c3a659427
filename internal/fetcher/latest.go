package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"vault-rebalancer/internal/volatility"
)

const latestPath = "/v2/updates/price/latest"

type latestResponse struct {
	Parsed []struct {
		ID    string     `json:"id"`
		Price priceField `json:"price"`
	} `json:"parsed"`
}

type priceField struct {
	Price       string `json:"price"`
	Conf        string `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

// Latest returns the current price and confidence interval scaled by the feed exponent.
func (o *Oracle) Latest(ctx context.Context) (volatility.Latest, error) {
	if o.opts.FeedID == "" {
		return volatility.Latest{}, unavailable("latest", errors.New("price feed id not configured"))
	}

	query := url.Values{}
	query.Add("ids[]", o.opts.FeedID)
	query.Set("parsed", "true")

	var res latestResponse
	if err := o.getJSON(ctx, o.opts.HermesURL+latestPath, query, &res); err != nil {
		return volatility.Latest{}, unavailable("latest", err)
	}

	want := strings.TrimPrefix(strings.ToLower(o.opts.FeedID), "0x")
	for _, p := range res.Parsed {
		if strings.TrimPrefix(strings.ToLower(p.ID), "0x") != want {
			continue
		}
		price, err := decimal.NewFromString(p.Price.Price)
		if err != nil {
			return volatility.Latest{}, unavailable("latest", fmt.Errorf("parse price: %w", err))
		}
		conf, err := decimal.NewFromString(p.Price.Conf)
		if err != nil {
			return volatility.Latest{}, unavailable("latest", fmt.Errorf("parse confidence: %w", err))
		}
		return volatility.Latest{
			Price:      price.Shift(p.Price.Expo),
			Confidence: conf.Shift(p.Price.Expo),
			Timestamp:  p.Price.PublishTime,
		}, nil
	}
	return volatility.Latest{}, unavailable("latest", fmt.Errorf("feed %s missing from response", o.opts.FeedID))
}
