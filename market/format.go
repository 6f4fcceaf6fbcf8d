package market

import (
	"fmt"
	"strings"
)

// Format renders a snapshot as the readable block embedded in the user
// prompt. Layout is stable: downstream prompt templates refer to these
// labels.
func Format(data *Snapshot) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("current_price = %.2f, current_ema20 = %.3f, current_macd = %.3f, current_rsi (7 period) = %.3f\n\n",
		data.CurrentPrice, data.CurrentEMA20, data.CurrentMACD, data.CurrentRSI7))

	sb.WriteString(fmt.Sprintf("In addition, here is the latest %s open interest and funding rate for perps:\n\n", data.Symbol))

	if data.OpenInterest != nil {
		sb.WriteString(fmt.Sprintf("Open Interest: Latest: %.2f Average: %.2f\n\n",
			data.OpenInterest.Latest, data.OpenInterest.Average))
	}

	sb.WriteString(fmt.Sprintf("Funding Rate: %s\n\n", data.FundingRate.StringFixed(8)))

	if data.Intraday != nil {
		sb.WriteString("Intraday series (3-minute intervals, oldest to latest):\n\n")
		if len(data.Intraday.MidPrices) > 0 {
			sb.WriteString(fmt.Sprintf("Mid prices: %s\n\n", formatFloats(data.Intraday.MidPrices)))
		}
		if len(data.Intraday.EMA20) > 0 {
			sb.WriteString(fmt.Sprintf("EMA indicators (20-period): %s\n\n", formatFloats(data.Intraday.EMA20)))
		}
		if len(data.Intraday.MACD) > 0 {
			sb.WriteString(fmt.Sprintf("MACD indicators: %s\n\n", formatFloats(data.Intraday.MACD)))
		}
		if len(data.Intraday.RSI7) > 0 {
			sb.WriteString(fmt.Sprintf("RSI indicators (7-Period): %s\n\n", formatFloats(data.Intraday.RSI7)))
		}
		if len(data.Intraday.RSI14) > 0 {
			sb.WriteString(fmt.Sprintf("RSI indicators (14-Period): %s\n\n", formatFloats(data.Intraday.RSI14)))
		}
	}

	if data.LongerTerm != nil {
		lt := data.LongerTerm
		sb.WriteString("Longer-term context (4-hour timeframe):\n\n")
		sb.WriteString(fmt.Sprintf("20-Period EMA: %.3f vs. 50-Period EMA: %.3f\n\n", lt.EMA20, lt.EMA50))
		sb.WriteString(fmt.Sprintf("3-Period ATR: %.3f vs. 14-Period ATR: %.3f\n\n", lt.ATR3, lt.ATR14))
		sb.WriteString(fmt.Sprintf("Current Volume: %.3f vs. Average Volume: %.3f\n\n", lt.CurrentVolume, lt.AverageVolume))
		if len(lt.MACD) > 0 {
			sb.WriteString(fmt.Sprintf("MACD indicators: %s\n\n", formatFloats(lt.MACD)))
		}
		if len(lt.RSI14) > 0 {
			sb.WriteString(fmt.Sprintf("RSI indicators (14-Period): %s\n", formatFloats(lt.RSI14)))
		}
	}

	return sb.String()
}

func formatFloats(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf("%.3f", v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
