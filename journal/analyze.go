package journal

import (
	"fmt"
	"math"
	"time"
)

const defaultAnalysisWindow = 100

// AnalyzePerformance matches opens to closes over the most recent window of
// records and aggregates trade outcomes. Records older than the window (up to
// 3x the window) are walked first so a close inside the window can match an
// open that happened before it.
func (j *Journal) AnalyzePerformance(window int) (*Performance, error) {
	if window <= 0 {
		window = defaultAnalysisWindow
	}

	records, err := j.Latest(window)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return &Performance{SymbolStats: map[string]*SymbolStats{}}, nil
	}

	type openState struct {
		openPrice float64
		openedAt  time.Time
		quantity  float64
		leverage  int
	}
	openPositions := make(map[string]*openState)

	apply := func(action ActionRecord) {
		key := positionKey(action.Symbol, sideOf(action.Action))
		switch action.Action {
		case "open_long", "open_short":
			openPositions[key] = &openState{
				openPrice: action.Price,
				openedAt:  action.Timestamp,
				quantity:  action.Quantity,
				leverage:  action.Leverage,
			}
		case "close_long", "close_short":
			delete(openPositions, key)
		}
	}

	// Preroll: pre-fill open-position state from records before the window.
	allRecords, err := j.Latest(window * 3)
	if err == nil && len(allRecords) > len(records) {
		preroll := allRecords[:len(allRecords)-len(records)]
		for _, r := range preroll {
			for _, action := range r.Decisions {
				if !action.Success || sideOf(action.Action) == "" {
					continue
				}
				apply(action)
			}
		}
	}

	perf := &Performance{SymbolStats: map[string]*SymbolStats{}}
	var trades []TradeOutcome
	var totalWin, totalLoss float64

	for _, r := range records {
		for _, action := range r.Decisions {
			if !action.Success {
				continue
			}
			side := sideOf(action.Action)
			if side == "" {
				continue
			}
			key := positionKey(action.Symbol, side)

			switch action.Action {
			case "open_long", "open_short":
				openPositions[key] = &openState{
					openPrice: action.Price,
					openedAt:  action.Timestamp,
					quantity:  action.Quantity,
					leverage:  action.Leverage,
				}

			case "close_long", "close_short":
				open, ok := openPositions[key]
				if !ok {
					continue
				}

				var pnl float64
				if side == "long" {
					pnl = open.quantity * (action.Price - open.openPrice)
				} else {
					pnl = open.quantity * (open.openPrice - action.Price)
				}

				positionValue := open.quantity * open.openPrice
				leverage := open.leverage
				if leverage < 1 {
					leverage = 1
				}
				marginUsed := positionValue / float64(leverage)
				pnlPct := 0.0
				if marginUsed > 0 {
					pnlPct = pnl / marginUsed * 100
				}

				trade := TradeOutcome{
					Symbol:        action.Symbol,
					Side:          side,
					Quantity:      open.quantity,
					Leverage:      open.leverage,
					OpenPrice:     open.openPrice,
					ClosePrice:    action.Price,
					PositionValue: positionValue,
					MarginUsed:    marginUsed,
					PnL:           pnl,
					PnLPct:        pnlPct,
					Duration:      formatDuration(open.openedAt, action.Timestamp),
					OpenTime:      open.openedAt,
					CloseTime:     action.Timestamp,
				}
				trades = append(trades, trade)
				delete(openPositions, key)

				if pnl > 0 {
					perf.WinningTrades++
					totalWin += pnl
				} else if pnl < 0 {
					perf.LosingTrades++
					totalLoss += pnl
				}

				stats, ok := perf.SymbolStats[action.Symbol]
				if !ok {
					stats = &SymbolStats{Symbol: action.Symbol}
					perf.SymbolStats[action.Symbol] = stats
				}
				stats.TotalTrades++
				stats.TotalPnL += pnl
				if pnl > 0 {
					stats.WinningTrades++
				} else if pnl < 0 {
					stats.LosingTrades++
				}
			}
		}
	}

	perf.TotalTrades = len(trades)
	if perf.TotalTrades > 0 {
		perf.WinRate = float64(perf.WinningTrades) / float64(perf.TotalTrades) * 100
	}
	if perf.WinningTrades > 0 {
		perf.AvgWin = totalWin / float64(perf.WinningTrades)
	}
	if perf.LosingTrades > 0 {
		perf.AvgLoss = totalLoss / float64(perf.LosingTrades)
	}
	switch {
	case totalLoss != 0:
		perf.ProfitFactor = totalWin / math.Abs(totalLoss)
	case totalWin > 0:
		perf.ProfitFactor = 999.0
	}

	bestPnL := math.Inf(-1)
	worstPnL := math.Inf(1)
	for symbol, stats := range perf.SymbolStats {
		if stats.TotalTrades == 0 {
			continue
		}
		stats.WinRate = float64(stats.WinningTrades) / float64(stats.TotalTrades) * 100
		stats.AvgPnL = stats.TotalPnL / float64(stats.TotalTrades)
		if stats.TotalPnL > bestPnL {
			bestPnL = stats.TotalPnL
			perf.BestSymbol = symbol
		}
		if stats.TotalPnL < worstPnL {
			worstPnL = stats.TotalPnL
			perf.WorstSymbol = symbol
		}
	}

	// Last 10 trades, newest first.
	for i := len(trades) - 1; i >= 0 && len(perf.RecentTrades) < 10; i-- {
		perf.RecentTrades = append(perf.RecentTrades, trades[i])
	}

	perf.SharpeRatio = sharpeRatio(records)
	return perf, nil
}

// sharpeRatio is the mean of per-cycle equity returns over their population
// standard deviation. Zero variance saturates at +-999.
func sharpeRatio(records []*Record) float64 {
	if len(records) < 2 {
		return 0
	}

	var equities []float64
	for _, r := range records {
		if r.AccountState.TotalBalance > 0 {
			equities = append(equities, r.AccountState.TotalBalance)
		}
	}
	if len(equities) < 2 {
		return 0
	}

	var returns []float64
	for i := 1; i < len(equities); i++ {
		if equities[i-1] > 0 {
			returns = append(returns, (equities[i]-equities[i-1])/equities[i-1])
		}
	}
	if len(returns) < 2 {
		return 0
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))
	stdDev := math.Sqrt(variance)

	if stdDev == 0 {
		if mean > 0 {
			return 999.0
		}
		if mean < 0 {
			return -999.0
		}
		return 0
	}
	return mean / stdDev
}

func sideOf(action string) string {
	switch action {
	case "open_long", "close_long":
		return "long"
	case "open_short", "close_short":
		return "short"
	}
	return ""
}

func positionKey(symbol, side string) string {
	return fmt.Sprintf("%s_%s", symbol, side)
}

// formatDuration renders holding time as "<h>h<m>m0s" or "<m>m0s".
func formatDuration(open, close time.Time) string {
	if open.IsZero() || close.IsZero() || close.Before(open) {
		return "0s"
	}
	d := close.Sub(open)
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	if hours > 0 {
		return fmt.Sprintf("%dh%dm0s", hours, minutes)
	}
	return fmt.Sprintf("%dm0s", minutes)
}
