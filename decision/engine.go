package decision

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"tradeflow/llm"
	"tradeflow/market"
	"tradeflow/pool"
)

// Candidates below this open-interest notional are too thin to trade.
const minOpenInterestUSD = 15_000_000

// SnapshotFetcher produces one market snapshot per symbol.
type SnapshotFetcher interface {
	Get(ctx context.Context, symbol string) (*market.Snapshot, error)
}

// OIStatsSource supplies open-interest growth positions; nil means the feed
// is not configured.
type OIStatsSource interface {
	GetOITopPositions(ctx context.Context) []pool.OIPosition
}

// Engine assembles the cycle context, prompts the model and parses the
// result into validated decisions.
type Engine struct {
	client    llm.Client
	fetcher   SnapshotFetcher
	oiStats   OIStatsSource
	templates *TemplateLibrary
	log       zerolog.Logger
}

// NewEngine creates a decision engine. oiStats may be nil.
func NewEngine(client llm.Client, fetcher SnapshotFetcher, oiStats OIStatsSource, templates *TemplateLibrary) *Engine {
	return &Engine{
		client:    client,
		fetcher:   fetcher,
		oiStats:   oiStats,
		templates: templates,
		log:       zlog.With().Str("component", "decision").Logger(),
	}
}

// Decide runs one full decision round: fetch snapshots, build both prompts,
// call the model, and parse the response. Invalid decisions are dropped with
// a warning; the remaining valid ones are returned.
func (e *Engine) Decide(ctx context.Context, tc *Context, opts PromptOptions) (*FullDecision, error) {
	e.assembleMarketContext(ctx, tc)

	systemPrompt := e.BuildSystemPrompt(tc.Account.TotalEquity, tc.BTCETHLeverage, tc.AltcoinLeverage, opts)
	userPrompt := e.BuildUserPrompt(tc)

	response, err := e.client.Chat(ctx, systemPrompt, userPrompt)
	if err != nil {
		return nil, fmt.Errorf("model call failed: %w", err)
	}

	full := &FullDecision{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		RawResponse:  response,
		Timestamp:    time.Now(),
	}

	cotTrace, decisions, err := ParseResponse(response)
	full.CoTTrace = cotTrace
	if err != nil {
		return full, fmt.Errorf("failed to parse model response: %w", err)
	}

	limits := Limits{
		AccountEquity:   tc.Account.TotalEquity,
		BTCETHLeverage:  tc.BTCETHLeverage,
		AltcoinLeverage: tc.AltcoinLeverage,
	}
	valid, errs := ValidateAll(decisions, limits)
	for _, verr := range errs {
		e.log.Warn().Err(verr).Msg("decision dropped")
	}
	full.Decisions = valid
	return full, nil
}

// assembleMarketContext fetches snapshots for every position symbol and
// every candidate, applies the liquidity filter, and loads OI growth stats.
func (e *Engine) assembleMarketContext(ctx context.Context, tc *Context) {
	tc.Snapshots = make(map[string]*market.Snapshot)
	tc.OIStats = make(map[string]OIStat)

	positionSymbols := make(map[string]bool, len(tc.Positions))
	symbols := make([]string, 0, len(tc.Positions)+len(tc.Candidates))
	for _, pos := range tc.Positions {
		if !positionSymbols[pos.Symbol] {
			positionSymbols[pos.Symbol] = true
			symbols = append(symbols, pos.Symbol)
		}
	}
	for _, coin := range tc.Candidates {
		if !positionSymbols[coin.Symbol] {
			symbols = append(symbols, coin.Symbol)
		}
	}

	for _, symbol := range symbols {
		snapshot, err := e.fetcher.Get(ctx, symbol)
		if err != nil {
			// One failed symbol never blocks the cycle.
			e.log.Warn().Err(err).Str("symbol", symbol).Msg("market data fetch failed")
			continue
		}

		// Liquidity filter: skip thin candidates. Open positions always
		// stay in; the model must still decide whether to close them.
		if !positionSymbols[symbol] && snapshot.OpenInterest != nil && snapshot.CurrentPrice > 0 {
			if oiUSD := snapshot.OpenInterestUSD(); oiUSD > 0 && oiUSD < minOpenInterestUSD {
				e.log.Warn().Str("symbol", symbol).
					Float64("oi_millions", oiUSD/1_000_000).
					Msg("open interest below 15M USD, candidate dropped")
				continue
			}
		}
		tc.Snapshots[symbol] = snapshot
	}

	if e.oiStats == nil {
		return
	}
	for _, pos := range e.oiStats.GetOITopPositions(ctx) {
		tc.OIStats[pos.Symbol] = OIStat{
			Rank:              pos.Rank,
			OIDeltaPercent:    pos.OIDeltaPercent,
			OIDeltaValue:      pos.OIDeltaValue,
			PriceDeltaPercent: pos.PriceDeltaPercent,
			NetLong:           pos.NetLong,
			NetShort:          pos.NetShort,
		}
	}
}
