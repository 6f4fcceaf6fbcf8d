package market

import (
	"strings"

	"github.com/shopspring/decimal"
)

// OIData is open interest over a recent window, in contracts.
type OIData struct {
	Latest  float64 `json:"latest"`
	Average float64 `json:"average"`
}

// IntradaySeries holds 3-minute interval series, oldest to latest. All slices
// have equal length.
type IntradaySeries struct {
	MidPrices []float64 `json:"mid_prices"`
	EMA20     []float64 `json:"ema20_values"`
	MACD      []float64 `json:"macd_values"`
	RSI7      []float64 `json:"rsi7_values"`
	RSI14     []float64 `json:"rsi14_values"`
}

// LongerTermData holds 4-hour timeframe context.
type LongerTermData struct {
	EMA20         float64   `json:"ema20"`
	EMA50         float64   `json:"ema50"`
	ATR3          float64   `json:"atr3"`
	ATR14         float64   `json:"atr14"`
	CurrentVolume float64   `json:"current_volume"`
	AverageVolume float64   `json:"average_volume"`
	MACD          []float64 `json:"macd_values"`
	RSI14         []float64 `json:"rsi14_values"`
}

// Snapshot is the per-symbol market evidence handed to the decision engine.
// OpenInterest is nil when the venue reports none, never zeroed.
type Snapshot struct {
	Symbol        string          `json:"symbol"`
	CurrentPrice  float64         `json:"current_price"`
	PriceChange1h float64         `json:"price_change_1h"`
	PriceChange4h float64         `json:"price_change_4h"`
	CurrentEMA20  float64         `json:"current_ema20"`
	CurrentMACD   float64         `json:"current_macd"`
	CurrentRSI7   float64         `json:"current_rsi7"`
	OpenInterest  *OIData         `json:"open_interest,omitempty"`
	FundingRate   decimal.Decimal `json:"funding_rate"`
	Intraday      *IntradaySeries `json:"intraday_series,omitempty"`
	LongerTerm    *LongerTermData `json:"longer_term_context,omitempty"`
}

// OpenInterestUSD returns latest OI notional in USD, or 0 when OI is unknown.
func (s *Snapshot) OpenInterestUSD() float64 {
	if s.OpenInterest == nil {
		return 0
	}
	return s.OpenInterest.Latest * s.CurrentPrice
}

// NormalizeSymbol uppercases and appends the USDT suffix when absent.
func NormalizeSymbol(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if !strings.HasSuffix(symbol, "USDT") {
		symbol += "USDT"
	}
	return symbol
}
