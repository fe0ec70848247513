// Package source implements clients for the external data providers.
//
// Four capability sets are covered:
//
//   - Pricer:        crypto spot prices over REST (primary + fallback)
//   - MarketLister:  prediction market discovery queries
//   - BookPricer:    per-outcome prices from one market's order book
//   - StreamingPricer: push price updates over a long-lived WebSocket
//
// Every client respects the shared rate limiter keyed by its source name,
// normalizes numeric fields to fixed-point decimals, maps transport
// failures into the typed error kinds below, and tracks its own health
// from call outcomes, last-success age, and limiter saturation.
package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"polymarket-lab/pkg/types"
)

// ErrorKind classifies a source failure for retry and health decisions.
type ErrorKind string

const (
	KindTransient   ErrorKind = "transient_network"
	KindRateLimit   ErrorKind = "rate_limit"
	KindProtocol    ErrorKind = "protocol_format"
	KindUnavailable ErrorKind = "unavailable"
)

// Error is a classified source failure. Transient and rate-limit kinds are
// recoverable; protocol kinds count toward source degradation.
type Error struct {
	Source string
	Kind   ErrorKind
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Source, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// newError wraps err with a source name and kind.
func newError(source string, kind ErrorKind, err error) *Error {
	return &Error{Source: source, Kind: kind, Err: err}
}

// Kind extracts the error kind, or "" for non-source errors.
func Kind(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// IsTransient reports whether the error is worth retrying.
func IsTransient(err error) bool {
	k := Kind(err)
	return k == KindTransient || k == KindRateLimit
}

// classifyStatus maps an HTTP response to an error kind. 2xx returns "".
func classifyStatus(code int) ErrorKind {
	switch {
	case code >= 200 && code < 300:
		return ""
	case code == http.StatusTooManyRequests:
		return KindRateLimit
	case code >= 500:
		return KindTransient
	case code == http.StatusNotFound, code == http.StatusServiceUnavailable:
		return KindUnavailable
	default:
		return KindProtocol
	}
}

// Pricer fetches crypto spot prices for one or many symbols.
type Pricer interface {
	Name() string
	Price(ctx context.Context, symbol string) (types.PriceQuote, error)
	Prices(ctx context.Context, symbols []string) ([]types.PriceQuote, error)
	Healthy() bool
	Status() types.HealthStatus
}

// ListQuery narrows a market listing request.
type ListQuery struct {
	ActiveOnly      bool
	MinVolume24hUSD float64
	Keyword         string
}

// MarketLister queries active prediction markets.
type MarketLister interface {
	Name() string
	ListMarkets(ctx context.Context, q ListQuery) ([]types.Market, error)
	Healthy() bool
	Status() types.HealthStatus
}

// BookPricer returns per-outcome prices for a single market.
type BookPricer interface {
	Name() string
	OutcomePrices(ctx context.Context, marketID string) (map[string]decimal.Decimal, error)
	Healthy() bool
	Status() types.HealthStatus
}

// StreamingPricer pushes quote updates from a long-lived connection.
// Run blocks until the context ends; Quotes is the consumer side.
type StreamingPricer interface {
	Name() string
	Run(ctx context.Context) error
	Quotes() <-chan types.PriceQuote
	Subscribe(symbols []string) error
}

// newRestClient builds a resty client with the shared timeout and retry
// policy: transient transport errors, 5xx, and 429 are retried with
// exponential backoff and jitter up to maxRetries.
func newRestClient(baseURL string, maxRetries int, retryBase time.Duration) *resty.Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryBase <= 0 {
		retryBase = 500 * time.Millisecond
	}
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(maxRetries).
		SetRetryWaitTime(retryBase).
		SetRetryMaxWaitTime(10 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		}).
		SetHeader("Accept", "application/json")
}

// parseDecimal normalizes a provider's numeric string to a decimal,
// classifying failures as protocol errors.
func parseDecimal(source, field, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, newError(source, KindProtocol,
			fmt.Errorf("parse %s %q: %w", field, raw, err))
	}
	return d, nil
}
