package journal

import "time"

// AccountSnapshot is the per-cycle account state embedded in a Record.
// total_balance holds total equity (wallet + unrealized).
type AccountSnapshot struct {
	TotalBalance          float64 `json:"total_balance"`
	AvailableBalance      float64 `json:"available_balance"`
	TotalUnrealizedProfit float64 `json:"total_unrealized_profit"`
	PositionCount         int     `json:"position_count"`
	MarginUsedPct         float64 `json:"margin_used_pct"`
}

// PositionSnapshot is one open position at record time.
type PositionSnapshot struct {
	Symbol           string  `json:"symbol"`
	Side             string  `json:"side"`
	PositionAmt      float64 `json:"position_amt"`
	EntryPrice       float64 `json:"entry_price"`
	MarkPrice        float64 `json:"mark_price"`
	UnrealizedProfit float64 `json:"unrealized_profit"`
	Leverage         float64 `json:"leverage"`
	LiquidationPrice float64 `json:"liquidation_price"`
}

// ActionRecord is the outcome of executing one decision.
type ActionRecord struct {
	Action    string    `json:"action"`
	Symbol    string    `json:"symbol"`
	Quantity  float64   `json:"quantity"`
	Leverage  int       `json:"leverage"`
	Price     float64   `json:"price"`
	OrderID   int64     `json:"order_id"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	Error     string    `json:"error"`
}

// Record is one cycle's journal entry. Field names are a stable on-disk
// schema: the analyzer and external tooling read them.
type Record struct {
	Timestamp      time.Time          `json:"timestamp"`
	CycleNumber    int                `json:"cycle_number"`
	SystemPrompt   string             `json:"system_prompt,omitempty"`
	InputPrompt    string             `json:"input_prompt"`
	CoTTrace       string             `json:"cot_trace"`
	DecisionJSON   string             `json:"decision_json"`
	AccountState   AccountSnapshot    `json:"account_state"`
	Positions      []PositionSnapshot `json:"positions"`
	CandidateCoins []string           `json:"candidate_coins"`
	Decisions      []ActionRecord     `json:"decisions"`
	ExecutionLog   []string           `json:"execution_log"`
	Success        bool               `json:"success"`
	ErrorMessage   string             `json:"error_message"`
}

// TradeOutcome is one matched open/close pair found by the analyzer.
type TradeOutcome struct {
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Quantity      float64   `json:"quantity"`
	Leverage      int       `json:"leverage"`
	OpenPrice     float64   `json:"open_price"`
	ClosePrice    float64   `json:"close_price"`
	PositionValue float64   `json:"position_value"`
	MarginUsed    float64   `json:"margin_used"`
	PnL           float64   `json:"pn_l"`
	PnLPct        float64   `json:"pn_l_pct"`
	Duration      string    `json:"duration"`
	OpenTime      time.Time `json:"open_time"`
	CloseTime     time.Time `json:"close_time"`
}

// SymbolStats is the per-symbol roll-up inside a Performance report.
type SymbolStats struct {
	Symbol        string  `json:"symbol"`
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"`
	TotalPnL      float64 `json:"total_pn_l"`
	AvgPnL        float64 `json:"avg_pn_l"`
}

// Performance is the self-feedback report derived from the journal.
type Performance struct {
	TotalTrades   int                     `json:"total_trades"`
	WinningTrades int                     `json:"winning_trades"`
	LosingTrades  int                     `json:"losing_trades"`
	WinRate       float64                 `json:"win_rate"`
	AvgWin        float64                 `json:"avg_win"`
	AvgLoss       float64                 `json:"avg_loss"`
	ProfitFactor  float64                 `json:"profit_factor"`
	SharpeRatio   float64                 `json:"sharpe_ratio"`
	RecentTrades  []TradeOutcome          `json:"recent_trades"`
	SymbolStats   map[string]*SymbolStats `json:"symbol_stats"`
	BestSymbol    string                  `json:"best_symbol"`
	WorstSymbol   string                  `json:"worst_symbol"`
}

// Statistics is the cycle-level tally over the whole journal.
type Statistics struct {
	TotalCycles         int `json:"total_cycles"`
	SuccessfulCycles    int `json:"successful_cycles"`
	FailedCycles        int `json:"failed_cycles"`
	TotalOpenPositions  int `json:"total_open_positions"`
	TotalClosePositions int `json:"total_close_positions"`
}
