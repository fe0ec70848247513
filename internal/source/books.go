// books.go implements the prediction-market order book pricer.
//
// The pricer fetches the order book for a market and derives a mid price
// per outcome as (bestBid + bestAsk) / 2. Outcomes with an empty side are
// omitted from the result so callers can tell "no price" from "price zero".
package source

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"polymarket-lab/internal/config"
	"polymarket-lab/internal/ratelimit"
	"polymarket-lab/pkg/types"
)

// bookLevelDTO is one price level in the provider's book response.
type bookLevelDTO struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// outcomeBookDTO is the book for a single outcome token.
type outcomeBookDTO struct {
	Outcome string         `json:"outcome"`
	Bids    []bookLevelDTO `json:"bids"` // sorted best-first
	Asks    []bookLevelDTO `json:"asks"` // sorted best-first
}

// bookResponseDTO is the provider's full response for one market.
type bookResponseDTO struct {
	MarketID string           `json:"market_id"`
	Books    []outcomeBookDTO `json:"books"`
}

// PredictionMarketPricer fetches per-outcome mid prices from the
// prediction market order book endpoint.
type PredictionMarketPricer struct {
	name    string
	http    *resty.Client
	limiter *ratelimit.Limiter
	health  *tracker
	logger  *slog.Logger
}

// NewPredictionMarketPricer builds the book pricer from config. It shares
// the lister's source name (and therefore its rate limit bucket) unless
// the book endpoint is configured separately.
func NewPredictionMarketPricer(cfg config.SourcesConfig, limiter *ratelimit.Limiter, logger *slog.Logger) *PredictionMarketPricer {
	name := cfg.Prediction.Name
	if name == "" {
		name = "prediction_markets"
	}
	return &PredictionMarketPricer{
		name:    name,
		http:    newRestClient(cfg.Prediction.BookBaseURL, cfg.MaxRetries, cfg.RetryBase),
		limiter: limiter,
		health:  newTracker(name+"_books", limiter, logger),
		logger:  logger.With("component", "book_pricer"),
	}
}

func (p *PredictionMarketPricer) Name() string { return p.name }

func (p *PredictionMarketPricer) Healthy() bool { return p.health.Healthy() }

func (p *PredictionMarketPricer) Status() types.HealthStatus { return p.health.Status() }

// Health reports the tracker state for the health endpoint.
func (p *PredictionMarketPricer) Health() HealthReport { return p.health.Report() }

// OutcomePrices returns the mid price per outcome for one market.
func (p *PredictionMarketPricer) OutcomePrices(ctx context.Context, marketID string) (map[string]decimal.Decimal, error) {
	if err := p.limiter.Wait(ctx, p.name); err != nil {
		return nil, err
	}

	var dto bookResponseDTO
	err := p.health.do(func() error {
		resp, err := p.http.R().
			SetContext(ctx).
			SetQueryParam("market_id", marketID).
			SetResult(&dto).
			Get("/book")
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
		return nil, fmt.Errorf("fetch book for %s: %w", marketID, err)
	}

	mids := make(map[string]decimal.Decimal, len(dto.Books))
	for _, book := range dto.Books {
		mid, ok, err := p.midPrice(book)
		if err != nil {
			return nil, err
		}
		if !ok {
			p.logger.Debug("book missing a side, skipping outcome",
				"market_id", marketID, "outcome", book.Outcome)
			continue
		}
		mids[normalizeOutcome(book.Outcome)] = mid
	}
	if len(mids) == 0 {
		return nil, newError(p.name, KindUnavailable,
			fmt.Errorf("no priceable outcomes for market %s", marketID))
	}
	return mids, nil
}

// midPrice derives (bestBid + bestAsk) / 2 for one outcome book.
// ok is false when either side is empty.
func (p *PredictionMarketPricer) midPrice(book outcomeBookDTO) (decimal.Decimal, bool, error) {
	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		return decimal.Zero, false, nil
	}
	bid, err := parseDecimal(p.name, "bid", book.Bids[0].Price)
	if err != nil {
		return decimal.Zero, false, err
	}
	ask, err := parseDecimal(p.name, "ask", book.Asks[0].Price)
	if err != nil {
		return decimal.Zero, false, err
	}
	return bid.Add(ask).Div(decimal.NewFromInt(2)), true, nil
}
