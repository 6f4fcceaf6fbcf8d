package decision

import (
	"fmt"
	"strings"
	"time"

	"tradeflow/market"
)

// BuildSystemPrompt layers the named template, the hard risk constraints
// derived from the account, and the output format contract. A custom prompt
// is appended as a personalized-strategy section; with OverrideBase it
// replaces everything.
func (e *Engine) BuildSystemPrompt(equity float64, btcEthLev, altLev int, opts PromptOptions) string {
	if opts.OverrideBase && opts.CustomPrompt != "" {
		return opts.CustomPrompt
	}

	base := e.buildBasePrompt(equity, btcEthLev, altLev, opts.TemplateName)
	if opts.CustomPrompt == "" {
		return base
	}

	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\n# Personalized Strategy\n\n")
	b.WriteString(opts.CustomPrompt)
	b.WriteString("\n\nNote: the personalized strategy supplements the base rules and must never override the risk constraints above.\n")
	return b.String()
}

func (e *Engine) buildBasePrompt(equity float64, btcEthLev, altLev int, templateName string) string {
	var b strings.Builder

	b.WriteString(e.templates.Get(templateName))
	b.WriteString("\n\n")

	b.WriteString("# Hard Constraints (risk control)\n\n")
	b.WriteString("1. Risk-reward ratio: must be >= 1:3 (risk 1% to earn 3%+)\n")
	b.WriteString("2. Max concurrent positions: 3 (quality over quantity)\n")
	fmt.Fprintf(&b, "3. Per-symbol size: altcoins %.0f-%.0f USDT (%dx leverage) | BTC/ETH %.0f-%.0f USDT (%dx leverage)\n",
		equity*0.8, equity*1.5, altLev, equity*5, equity*10, btcEthLev)
	b.WriteString("4. Margin: total usage <= 90%\n\n")

	b.WriteString("# Output Format\n\n")
	b.WriteString("**Step 1: chain of thought (plain text)**\n")
	b.WriteString("Concisely explain your analysis.\n\n")
	b.WriteString("**Step 2: JSON decision array**\n\n")
	b.WriteString("```json\n[\n")
	fmt.Fprintf(&b,
		`  {"symbol": "BTCUSDT", "action": "open_short", "leverage": %d, "position_size_usd": %.0f, "stop_loss": 97000, "take_profit": 91000, "confidence": 85, "risk_usd": 300, "reasoning": "downtrend + MACD cross"},`+"\n",
		btcEthLev, equity*5)
	b.WriteString(`  {"symbol": "ETHUSDT", "action": "close_long", "reasoning": "take profit"}` + "\n")
	b.WriteString("]\n```\n\n")
	b.WriteString("**Fields**:\n")
	b.WriteString("- `action`: open_long | open_short | close_long | close_short | hold | wait\n")
	b.WriteString("- `confidence`: 0-100 (opens should be >= 75)\n")
	b.WriteString("- opens require: leverage, position_size_usd, stop_loss, take_profit, confidence, risk_usd, reasoning\n")

	return b.String()
}

// BuildUserPrompt renders the dynamic per-cycle context.
func (e *Engine) BuildUserPrompt(ctx *Context) string {
	var b strings.Builder

	fmt.Fprintf(&b, "**Time**: %s | **Cycle**: #%d | **Runtime**: %d minutes\n\n",
		ctx.CurrentTime.Format("2006-01-02 15:04:05"), ctx.CycleNumber, ctx.RuntimeMinutes)

	if btc, ok := ctx.Snapshots["BTCUSDT"]; ok {
		fmt.Fprintf(&b, "**BTC**: %.4f (1h: %+.4f%%, 4h: %+.4f%%) | MACD: %.4f | RSI: %.2f\n\n",
			btc.CurrentPrice, btc.PriceChange1h, btc.PriceChange4h, btc.CurrentMACD, btc.CurrentRSI7)
	}

	balancePct := 0.0
	if ctx.Account.TotalEquity > 0 {
		balancePct = ctx.Account.AvailableBalance / ctx.Account.TotalEquity * 100
	}
	fmt.Fprintf(&b, "**Account**: equity %.4f | balance %.4f (%.1f%%) | PnL %+.2f%% | margin %.1f%% | positions %d\n\n",
		ctx.Account.TotalEquity, ctx.Account.AvailableBalance, balancePct,
		ctx.Account.TotalPnLPct, ctx.Account.MarginUsedPct, ctx.Account.PositionCount)

	if len(ctx.Positions) > 0 {
		b.WriteString("## Open Positions\n")
		for i, pos := range ctx.Positions {
			fmt.Fprintf(&b, "%d. %s %s | entry %.4f mark %.4f | PnL %+.2f%% | leverage %dx | margin %.0f | liq %.4f%s\n",
				i+1, pos.Symbol, strings.ToUpper(pos.Side),
				pos.EntryPrice, pos.MarkPrice, pos.UnrealizedPnLPct,
				pos.Leverage, pos.MarginUsed, pos.LiquidationPrice,
				holdingDuration(pos.FirstSeenMS, ctx.CurrentTime))
			if snapshot, ok := ctx.Snapshots[pos.Symbol]; ok {
				b.WriteString(market.Format(snapshot))
				b.WriteString("\n")
			}
		}
		b.WriteString("\n")
	} else {
		b.WriteString("**Open Positions**: none\n\n")
	}

	fmt.Fprintf(&b, "## Candidate Coins (%d)\n\n", len(ctx.Snapshots))
	displayed := 0
	for _, coin := range ctx.Candidates {
		snapshot, ok := ctx.Snapshots[coin.Symbol]
		if !ok {
			continue
		}
		displayed++
		fmt.Fprintf(&b, "### %d. %s%s\n", displayed, coin.Symbol, sourceTag(coin.Sources))
		b.WriteString(market.Format(snapshot))
		if stat, ok := ctx.OIStats[coin.Symbol]; ok {
			fmt.Fprintf(&b, "oi_top: rank #%d, oi_delta %+.2f%%, price_delta %+.2f%%, net_long %.0f, net_short %.0f\n",
				stat.Rank, stat.OIDeltaPercent, stat.PriceDeltaPercent, stat.NetLong, stat.NetShort)
		}
		b.WriteString("\n")
	}

	if ctx.Sharpe != nil {
		fmt.Fprintf(&b, "## Sharpe Ratio: %.2f\n\n", *ctx.Sharpe)
	}

	b.WriteString("---\n")
	b.WriteString("Analyze and output your decisions now (chain of thought + JSON).")

	return b.String()
}

func sourceTag(sources []string) string {
	if len(sources) > 1 {
		return " (AI500 + OI_Top dual signal)"
	}
	if len(sources) == 1 && sources[0] == "oi_top" {
		return " (OI_Top open-interest growth)"
	}
	return ""
}

// holdingDuration renders how long a position has been held, from the
// trader-maintained first-seen stamp.
func holdingDuration(firstSeenMS int64, now time.Time) string {
	if firstSeenMS <= 0 {
		return ""
	}
	minutes := int(now.UnixMilli()-firstSeenMS) / (1000 * 60)
	if minutes < 0 {
		return ""
	}
	if minutes < 60 {
		return fmt.Sprintf(" | held %dm", minutes)
	}
	return fmt.Sprintf(" | held %dh%dm", minutes/60, minutes%60)
}
