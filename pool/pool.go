package pool

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"tradeflow/market"
)

// ErrFeedUnavailable marks an upstream signal feed that could not be fetched
// after retries.
var ErrFeedUnavailable = errors.New("signal feed unavailable")

// DefaultMainstreamCoins is the hard-coded fallback set used when no feed is
// configured and the cache is empty.
var DefaultMainstreamCoins = []string{
	"BTCUSDT", "ETHUSDT", "SOLUSDT", "BNBUSDT",
	"XRPUSDT", "DOGEUSDT", "ADAUSDT", "HYPEUSDT",
}

// CoinInfo is one entry of the scored feed.
type CoinInfo struct {
	Pair            string  `json:"pair"`
	Score           float64 `json:"score"`
	StartTime       int64   `json:"start_time"`
	StartPrice      float64 `json:"start_price"`
	LastScore       float64 `json:"last_score"`
	MaxScore        float64 `json:"max_score"`
	MaxPrice        float64 `json:"max_price"`
	IncreasePercent float64 `json:"increase_percent"`
	IsAvailable     bool    `json:"is_available"`
}

// OIPosition is one entry of the open-interest-growth feed.
type OIPosition struct {
	Symbol            string  `json:"symbol"`
	Rank              int     `json:"rank"`
	CurrentOI         float64 `json:"current_oi"`
	OIDelta           float64 `json:"oi_delta"`
	OIDeltaPercent    float64 `json:"oi_delta_percent"`
	OIDeltaValue      float64 `json:"oi_delta_value"`
	PriceDeltaPercent float64 `json:"price_delta_percent"`
	NetLong           float64 `json:"net_long"`
	NetShort          float64 `json:"net_short"`
}

// Merged is the union of both feeds with per-symbol origin tags
// ("ai500", "oi_top").
type Merged struct {
	AI500Coins    []CoinInfo
	OITopCoins    []OIPosition
	AllSymbols    []string
	SymbolSources map[string][]string
}

// Pool merges the two ranked signal feeds with disk-cached fallback.
type Pool struct {
	coinPoolURL     string
	oiTopURL        string
	useDefaultCoins bool
	cacheDir        string
	client          *resty.Client
	log             zerolog.Logger
}

func New(coinPoolURL, oiTopURL string, useDefaultCoins bool, cacheDir, proxy string) *Pool {
	client := resty.New().
		SetTimeout(30 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(4 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	if proxy != "" {
		client.SetProxy(proxy)
	}

	return &Pool{
		coinPoolURL:     coinPoolURL,
		oiTopURL:        oiTopURL,
		useDefaultCoins: useDefaultCoins,
		cacheDir:        cacheDir,
		client:          client,
		log:             zlog.With().Str("component", "pool").Logger(),
	}
}

// setRetryWait shrinks backoff in tests.
func (p *Pool) setRetryWait(wait, max time.Duration) {
	p.client.SetRetryWaitTime(wait).SetRetryMaxWaitTime(max)
}

// GetCoinPool resolves the scored feed: defaults when disabled or
// unconfigured, then live fetch, then cache, then defaults.
func (p *Pool) GetCoinPool(ctx context.Context) []CoinInfo {
	if p.useDefaultCoins {
		p.log.Info().Msg("default mainstream coin list enabled")
		return symbolsToCoins(DefaultMainstreamCoins)
	}
	if p.coinPoolURL == "" {
		p.log.Warn().Msg("no coin pool URL configured, using default coins")
		return symbolsToCoins(DefaultMainstreamCoins)
	}

	coins, err := p.fetchCoinPool(ctx)
	if err == nil {
		p.saveCoinPoolCache(coins)
		return coins
	}
	p.log.Warn().Err(err).Msg("coin pool fetch failed after retries, trying cache")

	cached, cacheErr := p.loadCoinPoolCache()
	if cacheErr == nil {
		p.log.Info().Int("coins", len(cached)).Msg("using cached coin pool")
		return cached
	}
	p.log.Warn().Err(cacheErr).Msg("coin pool cache unavailable, using default coins")

	return symbolsToCoins(DefaultMainstreamCoins)
}

// GetTopRatedCoins returns up to limit symbols from the scored feed, highest
// score first, normalized.
func (p *Pool) GetTopRatedCoins(ctx context.Context, limit int) []string {
	coins := p.GetCoinPool(ctx)
	sort.SliceStable(coins, func(i, j int) bool {
		return coins[i].Score > coins[j].Score
	})

	symbols := make([]string, 0, limit)
	for _, c := range coins {
		if len(symbols) >= limit {
			break
		}
		symbols = append(symbols, market.NormalizeSymbol(c.Pair))
	}
	return symbols
}

// GetOITopPositions resolves the OI-growth feed: empty when unconfigured,
// then live fetch, then cache, then empty.
func (p *Pool) GetOITopPositions(ctx context.Context) []OIPosition {
	if p.oiTopURL == "" {
		return nil
	}

	positions, err := p.fetchOITop(ctx)
	if err == nil {
		p.saveOITopCache(positions)
		return positions
	}
	p.log.Warn().Err(err).Msg("OI top fetch failed after retries, trying cache")

	cached, cacheErr := p.loadOITopCache()
	if cacheErr == nil {
		p.log.Info().Int("positions", len(cached)).Msg("using cached OI top data")
		return cached
	}
	p.log.Warn().Err(cacheErr).Msg("OI top cache unavailable, continuing without OI signal")
	return nil
}

// GetOITopSymbols returns the normalized symbols of the OI-growth feed.
func (p *Pool) GetOITopSymbols(ctx context.Context) []string {
	positions := p.GetOITopPositions(ctx)
	symbols := make([]string, 0, len(positions))
	for _, pos := range positions {
		symbols = append(symbols, market.NormalizeSymbol(pos.Symbol))
	}
	return symbols
}

// GetMerged returns the deduplicated union of the top ai500Limit scored
// symbols and all OI-growth symbols, each tagged with its origins.
func (p *Pool) GetMerged(ctx context.Context, ai500Limit int) *Merged {
	ai500Symbols := p.GetTopRatedCoins(ctx, ai500Limit)
	oiTopPositions := p.GetOITopPositions(ctx)

	sources := make(map[string][]string)
	var all []string
	for _, s := range ai500Symbols {
		if _, seen := sources[s]; !seen {
			all = append(all, s)
		}
		sources[s] = append(sources[s], "ai500")
	}
	for _, pos := range oiTopPositions {
		s := market.NormalizeSymbol(pos.Symbol)
		if _, seen := sources[s]; !seen {
			all = append(all, s)
		}
		sources[s] = append(sources[s], "oi_top")
	}

	merged := &Merged{
		AI500Coins:    p.GetCoinPool(ctx),
		OITopCoins:    oiTopPositions,
		AllSymbols:    all,
		SymbolSources: sources,
	}

	p.log.Info().
		Int("ai500", len(ai500Symbols)).
		Int("oi_top", len(oiTopPositions)).
		Int("total", len(all)).
		Msg("candidate pool merged")

	return merged
}

type coinPoolResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Coins []CoinInfo `json:"coins"`
	} `json:"data"`
}

type oiTopResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Positions []OIPosition `json:"positions"`
		TimeRange string       `json:"time_range"`
	} `json:"data"`
}

func (p *Pool) fetchCoinPool(ctx context.Context) ([]CoinInfo, error) {
	var body coinPoolResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetResult(&body).
		Get(p.coinPoolURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFeedUnavailable, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: status %d", ErrFeedUnavailable, resp.StatusCode())
	}
	if !body.Success {
		return nil, fmt.Errorf("%w: feed reported failure", ErrFeedUnavailable)
	}
	if len(body.Data.Coins) == 0 {
		return nil, fmt.Errorf("%w: empty coin list", ErrFeedUnavailable)
	}
	return body.Data.Coins, nil
}

func (p *Pool) fetchOITop(ctx context.Context) ([]OIPosition, error) {
	var body oiTopResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetResult(&body).
		Get(p.oiTopURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFeedUnavailable, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: status %d", ErrFeedUnavailable, resp.StatusCode())
	}
	if !body.Success {
		return nil, fmt.Errorf("%w: feed reported failure", ErrFeedUnavailable)
	}
	return body.Data.Positions, nil
}

func symbolsToCoins(symbols []string) []CoinInfo {
	coins := make([]CoinInfo, 0, len(symbols))
	for _, s := range symbols {
		coins = append(coins, CoinInfo{Pair: s, IsAvailable: true})
	}
	return coins
}
