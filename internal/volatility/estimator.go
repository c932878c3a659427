// Package volatility turns price history into a single volatility magnitude in basis points.
package volatility

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// MinReadingBps is the floor applied to every computed reading.
	MinReadingBps = 1

	fallbackMinBps = 50
	fallbackMaxBps = 500
)

var (
	// ErrDataUnavailable indicates the price source could not supply samples.
	ErrDataUnavailable = errors.New("volatility: price data unavailable")

	bpsPerUnit = decimal.NewFromInt(10_000)
)

// Sample is one historical price observation.
type Sample struct {
	Price     decimal.Decimal
	Timestamp int64
}

// Latest is the most recent price together with its confidence interval.
type Latest struct {
	Price      decimal.Decimal
	Confidence decimal.Decimal
	Timestamp  int64
}

// Reading is a derived volatility magnitude.
type Reading struct {
	MagnitudeBps int64
	ComputedAt   time.Time
	SampleCount  int
	Degraded     bool
}

// PriceSource supplies chronological price samples (oldest first) and the latest quote.
type PriceSource interface {
	History(ctx context.Context) ([]Sample, error)
	Latest(ctx context.Context) (Latest, error)
}

// Options tune the degraded-mode fallback.
type Options struct {
	// FallbackScalar multiplies confidence/price when history is too short.
	FallbackScalar float64
	// FallbackJitter bounds the random factor applied to the fallback, e.g. 0.2 => [0.8, 1.2].
	FallbackJitter float64
	Rand           *rand.Rand
	Now            func() time.Time
}

// Estimator computes readings from a PriceSource.
type Estimator struct {
	source PriceSource
	opts   Options

	rngMu sync.Mutex
}

// NewEstimator builds an Estimator. A nil Rand is seeded from the clock.
func NewEstimator(source PriceSource, opts Options) *Estimator {
	if opts.FallbackScalar <= 0 {
		opts.FallbackScalar = 10
	}
	if opts.FallbackJitter <= 0 || opts.FallbackJitter >= 1 {
		opts.FallbackJitter = 0.2
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Estimator{source: source, opts: opts}
}

// Estimate fetches history and returns a reading. Fewer than two samples switch to the
// confidence-ratio fallback; a failing source is reported as ErrDataUnavailable.
func (e *Estimator) Estimate(ctx context.Context) (Reading, error) {
	if e.source == nil {
		return Reading{}, fmt.Errorf("%w: no price source configured", ErrDataUnavailable)
	}

	samples, err := e.source.History(ctx)
	if err != nil {
		return Reading{}, fmt.Errorf("%w: %v", ErrDataUnavailable, err)
	}

	if len(samples) >= 2 {
		bps, err := FromSamples(samples)
		if err != nil {
			return Reading{}, err
		}
		return Reading{MagnitudeBps: bps, ComputedAt: e.opts.Now().UTC(), SampleCount: len(samples)}, nil
	}

	latest, err := e.source.Latest(ctx)
	if err != nil {
		return Reading{}, fmt.Errorf("%w: %v", ErrDataUnavailable, err)
	}

	bps, err := e.fallback(latest)
	if err != nil {
		return Reading{}, err
	}
	return Reading{MagnitudeBps: bps, ComputedAt: e.opts.Now().UTC(), SampleCount: len(samples), Degraded: true}, nil
}

// FromSamples returns the sample standard deviation (n-1) of simple returns in basis points.
func FromSamples(samples []Sample) (int64, error) {
	if len(samples) < 2 {
		return 0, fmt.Errorf("%w: need at least 2 samples, got %d", ErrDataUnavailable, len(samples))
	}
	returns, err := simpleReturns(samples)
	if err != nil {
		return 0, err
	}
	return toBps(stddev(returns)), nil
}

func simpleReturns(samples []Sample) ([]float64, error) {
	returns := make([]float64, 0, len(samples)-1)
	for i := 1; i < len(samples); i++ {
		prev := samples[i-1].Price
		if !prev.IsPositive() {
			return nil, fmt.Errorf("volatility: non-positive price at index %d", i-1)
		}
		r := samples[i].Price.Sub(prev).Div(prev)
		returns = append(returns, r.InexactFloat64())
	}
	return returns, nil
}

func stddev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	if len(values) == 1 {
		return 0
	}
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(values)-1))
}

func toBps(v float64) int64 {
	bps := int64(math.Round(v * bpsPerUnit.InexactFloat64()))
	if bps < MinReadingBps {
		return MinReadingBps
	}
	return bps
}

func (e *Estimator) fallback(latest Latest) (int64, error) {
	if !latest.Price.IsPositive() {
		return 0, fmt.Errorf("%w: latest price not positive", ErrDataUnavailable)
	}

	ratio := latest.Confidence.Abs().Div(latest.Price).InexactFloat64()

	e.rngMu.Lock()
	jitter := 1 - e.opts.FallbackJitter + e.opts.Rand.Float64()*2*e.opts.FallbackJitter
	e.rngMu.Unlock()

	raw := ratio * bpsPerUnit.InexactFloat64() * e.opts.FallbackScalar * jitter
	bps := int64(math.Round(raw))
	if bps < fallbackMinBps {
		bps = fallbackMinBps
	}
	if bps > fallbackMaxBps {
		bps = fallbackMaxBps
	}
	return bps, nil
}
