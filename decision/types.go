package decision

import (
	"time"

	"tradeflow/market"
)

// Valid action constants
const (
	ActionOpenLong   = "open_long"
	ActionOpenShort  = "open_short"
	ActionCloseLong  = "close_long"
	ActionCloseShort = "close_short"
	ActionHold       = "hold"
	ActionWait       = "wait"
)

// Decision represents a single trading decision from the model
type Decision struct {
	Symbol string `json:"symbol"`
	Action string `json:"action"` // "open_long", "open_short", "close_long", "close_short", "hold", "wait"

	// Opening position parameters
	Leverage        int     `json:"leverage,omitempty"`
	PositionSizeUSD float64 `json:"position_size_usd,omitempty"`
	StopLoss        float64 `json:"stop_loss,omitempty"`
	TakeProfit      float64 `json:"take_profit,omitempty"`

	// Common parameters
	Confidence int     `json:"confidence,omitempty"` // Confidence level (0-100)
	RiskUSD    float64 `json:"risk_usd,omitempty"`   // Maximum USD risk
	Reasoning  string  `json:"reasoning,omitempty"`
}

// FullDecision is the complete model response with chain of thought
type FullDecision struct {
	SystemPrompt string     `json:"system_prompt"`
	UserPrompt   string     `json:"user_prompt"`
	CoTTrace     string     `json:"cot_trace"` // Chain of thought
	Decisions    []Decision `json:"decisions"`
	RawResponse  string     `json:"raw_response"`
	Timestamp    time.Time  `json:"timestamp"`
}

// PositionInfo represents one open position, enriched with the holding-time
// stamp maintained by the trader loop.
type PositionInfo struct {
	Symbol           string  `json:"symbol"`
	Side             string  `json:"side"` // "long" or "short"
	EntryPrice       float64 `json:"entry_price"`
	MarkPrice        float64 `json:"mark_price"`
	Quantity         float64 `json:"quantity"`
	Leverage         int     `json:"leverage"`
	UnrealizedPnL    float64 `json:"unrealized_pnl"`
	UnrealizedPnLPct float64 `json:"unrealized_pnl_pct"`
	LiquidationPrice float64 `json:"liquidation_price"`
	MarginUsed       float64 `json:"margin_used"`
	FirstSeenMS      int64   `json:"first_seen_ms"`
}

// AccountInfo is the account snapshot the model reasons over
type AccountInfo struct {
	TotalEquity      float64 `json:"total_equity"`
	AvailableBalance float64 `json:"available_balance"`
	TotalPnL         float64 `json:"total_pnl"`
	TotalPnLPct      float64 `json:"total_pnl_pct"`
	MarginUsed       float64 `json:"margin_used"`
	MarginUsedPct    float64 `json:"margin_used_pct"`
	PositionCount    int     `json:"position_count"`
}

// Candidate is one tradable symbol plus the feed(s) that nominated it
// ("ai500", "oi_top").
type Candidate struct {
	Symbol  string   `json:"symbol"`
	Sources []string `json:"sources"`
}

// OIStat is open-interest growth context for one symbol.
type OIStat struct {
	Rank              int     `json:"rank"`
	OIDeltaPercent    float64 `json:"oi_delta_percent"`
	OIDeltaValue      float64 `json:"oi_delta_value"`
	PriceDeltaPercent float64 `json:"price_delta_percent"`
	NetLong           float64 `json:"net_long"`
	NetShort          float64 `json:"net_short"`
}

// Context is the assembled single-cycle input to Decide. Snapshots and
// OIStats are populated by the engine during context assembly.
type Context struct {
	CurrentTime    time.Time
	RuntimeMinutes int
	CycleNumber    int

	Account    AccountInfo
	Positions  []PositionInfo
	Candidates []Candidate

	Snapshots map[string]*market.Snapshot
	OIStats   map[string]OIStat

	// Sharpe is nil until the journal holds enough history.
	Sharpe *float64

	BTCETHLeverage  int
	AltcoinLeverage int
}

// PromptOptions carries one trader's prompt configuration.
type PromptOptions struct {
	TemplateName string
	CustomPrompt string
	OverrideBase bool
}
