// markets.go implements the prediction-market listing client.
//
// The lister pages through the provider's market query API and normalizes
// each record into types.Market. Outcome names and prices arrive as
// JSON-encoded array strings and are re-parsed here; markets whose shape
// cannot be normalized are dropped with a warning rather than failing the
// whole page.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"polymarket-lab/internal/config"
	"polymarket-lab/internal/ratelimit"
	"polymarket-lab/pkg/types"
)

const listPageSize = 100

// listedMarketDTO is the JSON shape returned by the market query API.
type listedMarketDTO struct {
	ID            string  `json:"id"`
	Question      string  `json:"question"`
	Category      string  `json:"category"`
	Active        bool    `json:"active"`
	Closed        bool    `json:"closed"`
	EndDate       string  `json:"endDate"`
	Liquidity     string  `json:"liquidity"`
	Volume24hr    float64 `json:"volume24hr"`
	Outcomes      string  `json:"outcomes"`      // JSON array string, e.g. `["Yes","No"]`
	OutcomePrices string  `json:"outcomePrices"` // JSON array string, aligned with Outcomes
}

// PredictionMarketLister queries active markets from the prediction
// market provider.
type PredictionMarketLister struct {
	name    string
	http    *resty.Client
	limiter *ratelimit.Limiter
	health  *tracker
	logger  *slog.Logger
}

// NewPredictionMarketLister builds the lister from config.
func NewPredictionMarketLister(cfg config.SourcesConfig, limiter *ratelimit.Limiter, logger *slog.Logger) *PredictionMarketLister {
	name := cfg.Prediction.Name
	if name == "" {
		name = "prediction_markets"
	}
	return &PredictionMarketLister{
		name:    name,
		http:    newRestClient(cfg.Prediction.ListBaseURL, cfg.MaxRetries, cfg.RetryBase),
		limiter: limiter,
		health:  newTracker(name, limiter, logger),
		logger:  logger.With("component", "market_lister"),
	}
}

func (l *PredictionMarketLister) Name() string { return l.name }

func (l *PredictionMarketLister) Healthy() bool { return l.health.Healthy() }

func (l *PredictionMarketLister) Status() types.HealthStatus { return l.health.Status() }

// Health reports the tracker state for the health endpoint.
func (l *PredictionMarketLister) Health() HealthReport { return l.health.Report() }

// ListMarkets pages through the query API and returns normalized markets.
func (l *PredictionMarketLister) ListMarkets(ctx context.Context, q ListQuery) ([]types.Market, error) {
	var all []types.Market
	offset := 0

	for {
		if err := l.limiter.Wait(ctx, l.name); err != nil {
			return nil, err
		}

		var page []listedMarketDTO
		err := l.health.do(func() error {
			params := map[string]string{
				"limit":  strconv.Itoa(listPageSize),
				"offset": strconv.Itoa(offset),
			}
			if q.ActiveOnly {
				params["active"] = "true"
				params["closed"] = "false"
			}
			if q.MinVolume24hUSD > 0 {
				params["volume_num_min"] = strconv.FormatFloat(q.MinVolume24hUSD, 'f', -1, 64)
			}
			if q.Keyword != "" {
				params["keyword"] = q.Keyword
			}

			resp, err := l.http.R().
				SetContext(ctx).
				SetQueryParams(params).
				SetResult(&page).
				Get("/markets")
			if err != nil {
				return newError(l.name, KindTransient, err)
			}
			if kind := classifyStatus(resp.StatusCode()); kind != "" {
				return newError(l.name, kind,
					fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("fetch markets page at offset %d: %w", offset, err)
		}

		for _, dto := range page {
			m, err := l.normalize(dto)
			if err != nil {
				l.logger.Warn("dropping malformed market", "id", dto.ID, "error", err)
				continue
			}
			all = append(all, m)
		}

		if len(page) < listPageSize {
			break
		}
		offset += listPageSize
	}

	return all, nil
}

// normalize converts the provider DTO into the internal Market record,
// re-parsing the JSON-encoded outcome and price array strings.
func (l *PredictionMarketLister) normalize(dto listedMarketDTO) (types.Market, error) {
	if dto.ID == "" {
		return types.Market{}, newError(l.name, KindProtocol, fmt.Errorf("market without id"))
	}

	var outcomes []string
	if err := json.Unmarshal([]byte(dto.Outcomes), &outcomes); err != nil {
		return types.Market{}, newError(l.name, KindProtocol,
			fmt.Errorf("parse outcomes %q: %w", dto.Outcomes, err))
	}
	var rawPrices []string
	if err := json.Unmarshal([]byte(dto.OutcomePrices), &rawPrices); err != nil {
		return types.Market{}, newError(l.name, KindProtocol,
			fmt.Errorf("parse outcomePrices %q: %w", dto.OutcomePrices, err))
	}
	if len(outcomes) != len(rawPrices) || len(outcomes) == 0 {
		return types.Market{}, newError(l.name, KindProtocol,
			fmt.Errorf("outcomes/prices length mismatch: %d vs %d", len(outcomes), len(rawPrices)))
	}

	prices := make(map[string]decimal.Decimal, len(outcomes))
	for i, outcome := range outcomes {
		p, err := parseDecimal(l.name, "outcome price", rawPrices[i])
		if err != nil {
			return types.Market{}, err
		}
		prices[normalizeOutcome(outcome)] = p
	}

	liquidity := decimal.Zero
	if dto.Liquidity != "" {
		var err error
		liquidity, err = parseDecimal(l.name, "liquidity", dto.Liquidity)
		if err != nil {
			return types.Market{}, err
		}
	}

	var endTime time.Time
	if dto.EndDate != "" {
		parsed, err := time.Parse(time.RFC3339, dto.EndDate)
		if err != nil {
			return types.Market{}, newError(l.name, KindProtocol,
				fmt.Errorf("parse endDate %q: %w", dto.EndDate, err))
		}
		endTime = parsed.UTC()
	}

	normalized := make([]string, len(outcomes))
	for i, o := range outcomes {
		normalized[i] = normalizeOutcome(o)
	}

	return types.Market{
		ID:           dto.ID,
		Question:     dto.Question,
		Outcomes:     normalized,
		Prices:       prices,
		LiquidityUSD: liquidity,
		Volume24hUSD: decimal.NewFromFloat(dto.Volume24hr),
		EndTime:      endTime,
		Category:     dto.Category,
		Source:       l.name,
		FetchedAt:    time.Now().UTC(),
	}, nil
}

// normalizeOutcome upper-cases outcome tags so "Yes"/"yes"/"YES" compare equal.
func normalizeOutcome(outcome string) string {
	switch outcome {
	case "Yes", "yes", "YES":
		return "YES"
	case "No", "no", "NO":
		return "NO"
	default:
		return outcome
	}
}
