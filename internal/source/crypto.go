// crypto.go implements the two crypto spot price clients.
//
// The primary pricer talks to a high-limit exchange-style API that serves
// symbol batches in one call. The fallback pricer covers the same symbols
// on a lower-rate aggregator API, one symbol per request. Both normalize
// into types.PriceQuote with decimal prices.
package source

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"polymarket-lab/internal/config"
	"polymarket-lab/internal/ratelimit"
	"polymarket-lab/pkg/types"
)

// tickerDTO is the primary API's batch ticker shape.
type tickerDTO struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	Volume    string `json:"quoteVolume"`
	CloseTime int64  `json:"closeTime"` // unix millis
}

// PrimaryCryptoPricer is the high-limit REST client. It batches all
// requested symbols into a single call.
type PrimaryCryptoPricer struct {
	name    string
	http    *resty.Client
	limiter *ratelimit.Limiter
	health  *tracker
	logger  *slog.Logger
}

// NewPrimaryCryptoPricer builds the primary pricer from config.
func NewPrimaryCryptoPricer(cfg config.SourcesConfig, limiter *ratelimit.Limiter, logger *slog.Logger) *PrimaryCryptoPricer {
	name := cfg.Crypto.Primary.Name
	if name == "" {
		name = "crypto_primary"
	}
	return &PrimaryCryptoPricer{
		name:    name,
		http:    newRestClient(cfg.Crypto.Primary.BaseURL, cfg.MaxRetries, cfg.RetryBase),
		limiter: limiter,
		health:  newTracker(name, limiter, logger),
		logger:  logger.With("component", "pricer_primary"),
	}
}

func (p *PrimaryCryptoPricer) Name() string { return p.name }

func (p *PrimaryCryptoPricer) Healthy() bool { return p.health.Healthy() }

func (p *PrimaryCryptoPricer) Status() types.HealthStatus { return p.health.Status() }

// Health reports the tracker state for the health endpoint.
func (p *PrimaryCryptoPricer) Health() HealthReport { return p.health.Report() }

// Price fetches a single symbol.
func (p *PrimaryCryptoPricer) Price(ctx context.Context, symbol string) (types.PriceQuote, error) {
	quotes, err := p.Prices(ctx, []string{symbol})
	if err != nil {
		return types.PriceQuote{}, err
	}
	if len(quotes) == 0 {
		return types.PriceQuote{}, newError(p.name, KindUnavailable,
			fmt.Errorf("no quote for %s", symbol))
	}
	return quotes[0], nil
}

// Prices fetches a batch of symbols in one request.
func (p *PrimaryCryptoPricer) Prices(ctx context.Context, symbols []string) ([]types.PriceQuote, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	if err := p.limiter.Wait(ctx, p.name); err != nil {
		return nil, err
	}

	var tickers []tickerDTO
	err := p.health.do(func() error {
		resp, err := p.http.R().
			SetContext(ctx).
			SetQueryParam("symbols", strings.Join(symbols, ",")).
			SetResult(&tickers).
			Get("/ticker")
		if err != nil {
			return newError(p.name, KindTransient, err)
		}
		if kind := classifyStatus(resp.StatusCode()); kind != "" {
			return newError(p.name, kind,
				fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	quotes := make([]types.PriceQuote, 0, len(tickers))
	for _, t := range tickers {
		q, err := p.normalize(t)
		if err != nil {
			p.logger.Warn("dropping malformed ticker", "symbol", t.Symbol, "error", err)
			continue
		}
		quotes = append(quotes, q)
	}
	if len(quotes) == 0 {
		return nil, newError(p.name, KindProtocol,
			fmt.Errorf("no parseable tickers in response of %d", len(tickers)))
	}
	return quotes, nil
}

func (p *PrimaryCryptoPricer) normalize(t tickerDTO) (types.PriceQuote, error) {
	price, err := parseDecimal(p.name, "price", t.LastPrice)
	if err != nil {
		return types.PriceQuote{}, err
	}
	if !price.IsPositive() {
		return types.PriceQuote{}, newError(p.name, KindProtocol,
			fmt.Errorf("non-positive price %s for %s", price, t.Symbol))
	}
	volume, err := parseDecimal(p.name, "volume", t.Volume)
	if err != nil {
		return types.PriceQuote{}, err
	}
	ts := time.UnixMilli(t.CloseTime).UTC()
	if t.CloseTime == 0 {
		ts = time.Now().UTC()
	}
	return types.PriceQuote{
		Symbol:    strings.ToUpper(t.Symbol),
		Source:    p.name,
		Price:     price,
		Volume24h: volume,
		Timestamp: ts,
	}, nil
}

// fallbackDTO is the fallback API's per-symbol shape.
type fallbackDTO struct {
	Symbol       string `json:"symbol"`
	PriceUSD     string `json:"price_usd"`
	Volume24hUSD string `json:"volume_24h_usd"`
	UpdatedAt    string `json:"updated_at"` // RFC3339
}

// FallbackCryptoPricer is the lower-rate, broader-coverage client used
// when the primary is unhealthy or to corroborate its quotes.
type FallbackCryptoPricer struct {
	name    string
	http    *resty.Client
	limiter *ratelimit.Limiter
	health  *tracker
	logger  *slog.Logger
}

// NewFallbackCryptoPricer builds the fallback pricer from config.
func NewFallbackCryptoPricer(cfg config.SourcesConfig, limiter *ratelimit.Limiter, logger *slog.Logger) *FallbackCryptoPricer {
	name := cfg.Crypto.Fallback.Name
	if name == "" {
		name = "crypto_fallback"
	}
	return &FallbackCryptoPricer{
		name:    name,
		http:    newRestClient(cfg.Crypto.Fallback.BaseURL, cfg.MaxRetries, cfg.RetryBase),
		limiter: limiter,
		health:  newTracker(name, limiter, logger),
		logger:  logger.With("component", "pricer_fallback"),
	}
}

func (p *FallbackCryptoPricer) Name() string { return p.name }

func (p *FallbackCryptoPricer) Healthy() bool { return p.health.Healthy() }

func (p *FallbackCryptoPricer) Status() types.HealthStatus { return p.health.Status() }

// Health reports the tracker state for the health endpoint.
func (p *FallbackCryptoPricer) Health() HealthReport { return p.health.Report() }

// Price fetches one symbol.
func (p *FallbackCryptoPricer) Price(ctx context.Context, symbol string) (types.PriceQuote, error) {
	if err := p.limiter.Wait(ctx, p.name); err != nil {
		return types.PriceQuote{}, err
	}

	var dto fallbackDTO
	err := p.health.do(func() error {
		resp, err := p.http.R().
			SetContext(ctx).
			SetResult(&dto).
			Get("/prices/" + strings.ToLower(symbol))
		if err != nil {
			return newError(p.name, KindTransient, err)
		}
		if kind := classifyStatus(resp.StatusCode()); kind != "" {
			return newError(p.name, kind,
				fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
		}
		return nil
	})
	if err != nil {
		return types.PriceQuote{}, err
	}
	return p.normalize(dto)
}

// Prices fetches symbols one call each; the fallback API has no batching.
func (p *FallbackCryptoPricer) Prices(ctx context.Context, symbols []string) ([]types.PriceQuote, error) {
	quotes := make([]types.PriceQuote, 0, len(symbols))
	for _, s := range symbols {
		q, err := p.Price(ctx, s)
		if err != nil {
			p.logger.Warn("fallback quote failed", "symbol", s, "error", err)
			continue
		}
		quotes = append(quotes, q)
	}
	if len(quotes) == 0 && len(symbols) > 0 {
		return nil, newError(p.name, KindUnavailable,
			fmt.Errorf("all %d symbol fetches failed", len(symbols)))
	}
	return quotes, nil
}

func (p *FallbackCryptoPricer) normalize(dto fallbackDTO) (types.PriceQuote, error) {
	price, err := parseDecimal(p.name, "price_usd", dto.PriceUSD)
	if err != nil {
		return types.PriceQuote{}, err
	}
	if !price.IsPositive() {
		return types.PriceQuote{}, newError(p.name, KindProtocol,
			fmt.Errorf("non-positive price %s for %s", price, dto.Symbol))
	}
	volume := decimal.Zero
	if dto.Volume24hUSD != "" {
		volume, err = parseDecimal(p.name, "volume_24h_usd", dto.Volume24hUSD)
		if err != nil {
			return types.PriceQuote{}, err
		}
	}
	ts := time.Now().UTC()
	if dto.UpdatedAt != "" {
		parsed, err := time.Parse(time.RFC3339, dto.UpdatedAt)
		if err != nil {
			return types.PriceQuote{}, newError(p.name, KindProtocol,
				fmt.Errorf("parse updated_at %q: %w", dto.UpdatedAt, err))
		}
		ts = parsed.UTC()
	}
	return types.PriceQuote{
		Symbol:    strings.ToUpper(dto.Symbol),
		Source:    p.name,
		Price:     price,
		Volume24h: volume,
		Timestamp: ts,
	}, nil
}
