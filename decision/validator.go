package decision

import (
	"fmt"
)

// ValidActions is the set of valid trading actions
var ValidActions = map[string]bool{
	ActionOpenLong:   true,
	ActionOpenShort:  true,
	ActionCloseLong:  true,
	ActionCloseShort: true,
	ActionHold:       true,
	ActionWait:       true,
}

const minRiskReward = 3.0

// Limits are the account numbers the validator checks opens against.
type Limits struct {
	AccountEquity   float64
	BTCETHLeverage  int
	AltcoinLeverage int
}

// Validate checks one decision against the account limits. It is a pure
// function; a failing decision is dropped by the caller, never mutated.
func Validate(d *Decision, limits Limits) error {
	if !ValidActions[d.Action] {
		return fmt.Errorf("invalid action: %q", d.Action)
	}
	if d.Action == ActionOpenLong || d.Action == ActionOpenShort {
		return validateOpen(d, limits)
	}
	return nil
}

// ValidateAll partitions decisions into valid ones and per-decision errors.
func ValidateAll(decisions []Decision, limits Limits) (valid []Decision, errs []error) {
	for i := range decisions {
		if err := Validate(&decisions[i], limits); err != nil {
			errs = append(errs, fmt.Errorf("decision #%d (%s %s): %w",
				i+1, decisions[i].Action, decisions[i].Symbol, err))
			continue
		}
		valid = append(valid, decisions[i])
	}
	return valid, errs
}

func validateOpen(d *Decision, limits Limits) error {
	// "ALL" is only meaningful for wait/hold.
	if d.Symbol == "ALL" || d.Symbol == "" {
		return fmt.Errorf("invalid symbol %q for opening a position", d.Symbol)
	}

	maxLeverage := limits.AltcoinLeverage
	maxPositionValue := limits.AccountEquity * 1.5
	if isBTCOrETH(d.Symbol) {
		maxLeverage = limits.BTCETHLeverage
		maxPositionValue = limits.AccountEquity * 10
	}

	if d.Leverage <= 0 || d.Leverage > maxLeverage {
		return fmt.Errorf("leverage must be within 1-%d for %s: %d", maxLeverage, d.Symbol, d.Leverage)
	}

	if d.PositionSizeUSD <= 0 {
		return fmt.Errorf("position size must be greater than 0: %.2f", d.PositionSizeUSD)
	}
	// 1% tolerance absorbs float noise from the model.
	if d.PositionSizeUSD > maxPositionValue*1.01 {
		if isBTCOrETH(d.Symbol) {
			return fmt.Errorf("BTC/ETH position value cannot exceed %.0f USDT (10x account equity), actual: %.0f",
				maxPositionValue, d.PositionSizeUSD)
		}
		return fmt.Errorf("altcoin position value cannot exceed %.0f USDT (1.5x account equity), actual: %.0f",
			maxPositionValue, d.PositionSizeUSD)
	}

	if d.StopLoss <= 0 || d.TakeProfit <= 0 {
		return fmt.Errorf("stop loss and take profit must be greater than 0")
	}
	if d.Action == ActionOpenLong && d.StopLoss >= d.TakeProfit {
		return fmt.Errorf("for longs, stop loss must be below take profit")
	}
	if d.Action == ActionOpenShort && d.StopLoss <= d.TakeProfit {
		return fmt.Errorf("for shorts, stop loss must be above take profit")
	}

	return validateRiskReward(d)
}

// validateRiskReward estimates the entry 20% of the way from stop loss to
// take profit and requires reward/risk >= 3.
func validateRiskReward(d *Decision) error {
	var entry, riskPct, rewardPct float64
	if d.Action == ActionOpenLong {
		entry = d.StopLoss + (d.TakeProfit-d.StopLoss)*0.2
		riskPct = (entry - d.StopLoss) / entry * 100
		rewardPct = (d.TakeProfit - entry) / entry * 100
	} else {
		entry = d.StopLoss - (d.StopLoss-d.TakeProfit)*0.2
		riskPct = (d.StopLoss - entry) / entry * 100
		rewardPct = (entry - d.TakeProfit) / entry * 100
	}

	ratio := 0.0
	if riskPct > 0 {
		ratio = rewardPct / riskPct
	}
	if ratio < minRiskReward {
		return fmt.Errorf("risk-reward ratio too low (%.2f:1), must be >= %.1f:1 [risk %.2f%% reward %.2f%%] [SL %.4f TP %.4f]",
			ratio, minRiskReward, riskPct, rewardPct, d.StopLoss, d.TakeProfit)
	}
	return nil
}

// isBTCOrETH checks if symbol is BTC or ETH
func isBTCOrETH(symbol string) bool {
	return symbol == "BTCUSDT" || symbol == "ETHUSDT"
}

// IsOpeningAction checks if action opens a new position
func IsOpeningAction(action string) bool {
	return action == ActionOpenLong || action == ActionOpenShort
}

// IsClosingAction checks if action closes a position
func IsClosingAction(action string) bool {
	return action == ActionCloseLong || action == ActionCloseShort
}

// GetActionDirection returns "long" or "short" for an action
func GetActionDirection(action string) string {
	switch action {
	case ActionOpenLong, ActionCloseLong:
		return "long"
	case ActionOpenShort, ActionCloseShort:
		return "short"
	default:
		return ""
	}
}
