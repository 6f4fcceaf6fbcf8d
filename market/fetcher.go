package market

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const defaultBaseURL = "https://fapi.binance.com"

// Kline is one candle from the market provider.
type Kline struct {
	OpenTime  int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime int64
}

// Fetcher produces Snapshots from the public futures REST API.
type Fetcher struct {
	client *resty.Client
	log    zerolog.Logger
}

// NewFetcher builds a fetcher with a 30 s per-call timeout. proxy may be
// empty.
func NewFetcher(proxy string) *Fetcher {
	client := resty.New().
		SetBaseURL(defaultBaseURL).
		SetTimeout(30 * time.Second).
		SetHeader("Accept", "application/json")
	if proxy != "" {
		client.SetProxy(proxy)
	}
	return &Fetcher{
		client: client,
		log:    zlog.With().Str("component", "market").Logger(),
	}
}

// SetBaseURL overrides the provider endpoint (tests, mirrors).
func (f *Fetcher) SetBaseURL(u string) {
	f.client.SetBaseURL(u)
}

// SetTimeout overrides the per-call timeout.
func (f *Fetcher) SetTimeout(d time.Duration) {
	f.client.SetTimeout(d)
}

// Get builds the full Snapshot for a symbol: two candle horizons, open
// interest, funding rate, derived indicator series. An OI failure degrades to
// a nil OI; candle failures are fatal for the symbol.
func (f *Fetcher) Get(ctx context.Context, symbol string) (*Snapshot, error) {
	symbol = NormalizeSymbol(symbol)

	klines3m, err := f.getKlines(ctx, symbol, "3m", 40)
	if err != nil {
		return nil, fmt.Errorf("failed to get 3m klines for %s: %w", symbol, err)
	}
	klines4h, err := f.getKlines(ctx, symbol, "4h", 60)
	if err != nil {
		return nil, fmt.Errorf("failed to get 4h klines for %s: %w", symbol, err)
	}
	if len(klines3m) == 0 || len(klines4h) == 0 {
		return nil, fmt.Errorf("empty kline response for %s", symbol)
	}

	closes3m := make([]float64, len(klines3m))
	for i, k := range klines3m {
		closes3m[i] = k.Close
	}

	currentPrice := closes3m[len(closes3m)-1]
	ema20 := emaSeries(closes3m, 20)
	macd := macdSeries(closes3m)
	rsi7 := rsiSeries(closes3m, 7)
	rsi14 := rsiSeries(closes3m, 14)

	priceChange1h := 0.0
	if len(closes3m) >= 21 {
		ago := closes3m[len(closes3m)-21]
		if ago > 0 {
			priceChange1h = (currentPrice - ago) / ago * 100
		}
	}

	priceChange4h := 0.0
	if len(klines4h) >= 2 {
		ago := klines4h[len(klines4h)-2].Close
		if ago > 0 {
			priceChange4h = (currentPrice - ago) / ago * 100
		}
	}

	oi, err := f.getOpenInterest(ctx, symbol)
	if err != nil {
		f.log.Warn().Err(err).Str("symbol", symbol).Msg("open interest unavailable")
		oi = nil
	}

	funding, err := f.getFundingRate(ctx, symbol)
	if err != nil {
		f.log.Warn().Err(err).Str("symbol", symbol).Msg("funding rate unavailable")
		funding = decimal.Zero
	}

	return &Snapshot{
		Symbol:        symbol,
		CurrentPrice:  currentPrice,
		PriceChange1h: priceChange1h,
		PriceChange4h: priceChange4h,
		CurrentEMA20:  ema20[len(ema20)-1],
		CurrentMACD:   macd[len(macd)-1],
		CurrentRSI7:   rsi7[len(rsi7)-1],
		OpenInterest:  oi,
		FundingRate:   funding,
		Intraday: &IntradaySeries{
			MidPrices: closes3m,
			EMA20:     ema20,
			MACD:      macd,
			RSI7:      rsi7,
			RSI14:     rsi14,
		},
		LongerTerm: f.longerTerm(klines4h),
	}, nil
}

func (f *Fetcher) longerTerm(klines []Kline) *LongerTermData {
	closes := make([]float64, len(klines))
	highs := make([]float64, len(klines))
	lows := make([]float64, len(klines))
	volumes := make([]float64, len(klines))
	for i, k := range klines {
		closes[i] = k.Close
		highs[i] = k.High
		lows[i] = k.Low
		volumes[i] = k.Volume
	}

	return &LongerTermData{
		EMA20:         lastEMA(closes, 20),
		EMA50:         lastEMA(closes, 50),
		ATR3:          atr(highs, lows, closes, 3),
		ATR14:         atr(highs, lows, closes, 14),
		CurrentVolume: volumes[len(volumes)-1],
		AverageVolume: meanOf(volumes),
		MACD:          macdSeries(closes),
		RSI14:         rsiSeries(closes, 14),
	}
}

func (f *Fetcher) getKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	resp, err := f.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":   symbol,
			"interval": interval,
			"limit":    strconv.Itoa(limit),
		}).
		Get("/fapi/v1/klines")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("klines request failed with status %d", resp.StatusCode())
	}

	// Each kline arrives as a mixed-type array:
	// [openTime, "open", "high", "low", "close", "volume", closeTime, ...]
	var raw [][]json.RawMessage
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse klines: %w", err)
	}

	klines := make([]Kline, 0, len(raw))
	for _, item := range raw {
		if len(item) < 7 {
			continue
		}
		var k Kline
		json.Unmarshal(item[0], &k.OpenTime)
		k.Open = parseQuoted(item[1])
		k.High = parseQuoted(item[2])
		k.Low = parseQuoted(item[3])
		k.Close = parseQuoted(item[4])
		k.Volume = parseQuoted(item[5])
		json.Unmarshal(item[6], &k.CloseTime)
		klines = append(klines, k)
	}
	return klines, nil
}

func (f *Fetcher) getOpenInterest(ctx context.Context, symbol string) (*OIData, error) {
	resp, err := f.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol": symbol,
			"period": "5m",
			"limit":  "30",
		}).
		Get("/futures/data/openInterestHist")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("open interest request failed with status %d", resp.StatusCode())
	}

	var rows []struct {
		SumOpenInterest string `json:"sumOpenInterest"`
	}
	if err := json.Unmarshal(resp.Body(), &rows); err != nil {
		return nil, fmt.Errorf("failed to parse open interest: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no open interest data for %s", symbol)
	}

	values := make([]float64, 0, len(rows))
	for _, row := range rows {
		v, err := strconv.ParseFloat(row.SumOpenInterest, 64)
		if err != nil {
			continue
		}
		values = append(values, v)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("no parseable open interest data for %s", symbol)
	}

	return &OIData{
		Latest:  values[len(values)-1],
		Average: meanOf(values),
	}, nil
}

func (f *Fetcher) getFundingRate(ctx context.Context, symbol string) (decimal.Decimal, error) {
	resp, err := f.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		Get("/fapi/v1/premiumIndex")
	if err != nil {
		return decimal.Zero, err
	}
	if resp.IsError() {
		return decimal.Zero, fmt.Errorf("funding rate request failed with status %d", resp.StatusCode())
	}

	var body struct {
		LastFundingRate string `json:"lastFundingRate"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse funding rate: %w", err)
	}
	if body.LastFundingRate == "" {
		return decimal.Zero, nil
	}

	rate, err := decimal.NewFromString(body.LastFundingRate)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad funding rate %q: %w", body.LastFundingRate, err)
	}
	return rate, nil
}

func parseQuoted(raw json.RawMessage) float64 {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		v, _ := strconv.ParseFloat(s, 64)
		return v
	}
	var v float64
	json.Unmarshal(raw, &v)
	return v
}
