package decision

import (
	"strings"
	"testing"
)

func testLimits() Limits {
	return Limits{AccountEquity: 1000, BTCETHLeverage: 10, AltcoinLeverage: 5}
}

func TestValidate_Actions(t *testing.T) {
	tests := []struct {
		name       string
		action     string
		stopLoss   float64
		takeProfit float64
		wantErr    bool
	}{
		{"open_long valid", ActionOpenLong, 45000, 65000, false},
		{"open_short valid", ActionOpenShort, 65000, 45000, false},
		{"close_long valid", ActionCloseLong, 0, 0, false},
		{"close_short valid", ActionCloseShort, 0, 0, false},
		{"hold valid", ActionHold, 0, 0, false},
		{"wait valid", ActionWait, 0, 0, false},
		{"invalid action", "moon", 0, 0, true},
		{"empty action", "", 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &Decision{
				Symbol:          "BTCUSDT",
				Action:          tt.action,
				Leverage:        10,
				PositionSizeUSD: 100,
				StopLoss:        tt.stopLoss,
				TakeProfit:      tt.takeProfit,
			}
			err := Validate(d, testLimits())
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_RejectsALLSymbolForOpens(t *testing.T) {
	tests := []struct {
		name    string
		symbol  string
		action  string
		wantErr bool
	}{
		{"ALL with open_long rejected", "ALL", ActionOpenLong, true},
		{"empty with open_long rejected", "", ActionOpenLong, true},
		{"ALL with wait allowed", "ALL", ActionWait, false},
		{"ALL with hold allowed", "ALL", ActionHold, false},
		{"real symbol with open_long allowed", "BTCUSDT", ActionOpenLong, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &Decision{
				Symbol:          tt.symbol,
				Action:          tt.action,
				Leverage:        10,
				PositionSizeUSD: 100,
				StopLoss:        45000,
				TakeProfit:      65000,
			}
			err := Validate(d, testLimits())
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && err != nil && !strings.Contains(err.Error(), "symbol") {
				t.Errorf("expected symbol-related error, got: %v", err)
			}
		})
	}
}

func TestValidate_LeverageAndSizeCaps(t *testing.T) {
	tests := []struct {
		name     string
		symbol   string
		leverage int
		sizeUSD  float64
		wantErr  bool
	}{
		{"BTC at cap", "BTCUSDT", 10, 5000, false},
		{"BTC over leverage cap", "BTCUSDT", 11, 5000, true},
		{"BTC at value cap", "BTCUSDT", 10, 10000, false},
		{"BTC within 1% tolerance", "BTCUSDT", 10, 10050, false},
		{"BTC beyond tolerance", "BTCUSDT", 10, 10200, true},
		{"altcoin at cap", "SOLUSDT", 5, 1500, false},
		{"altcoin over leverage cap", "SOLUSDT", 6, 1000, true},
		{"altcoin over value cap", "SOLUSDT", 5, 1600, true},
		{"zero leverage", "SOLUSDT", 0, 1000, true},
		{"zero size", "SOLUSDT", 5, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// SL/TP chosen wide so risk-reward never interferes.
			d := &Decision{
				Symbol:          tt.symbol,
				Action:          ActionOpenLong,
				Leverage:        tt.leverage,
				PositionSizeUSD: tt.sizeUSD,
				StopLoss:        100,
				TakeProfit:      200,
			}
			err := Validate(d, testLimits())
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_StopDirection(t *testing.T) {
	tests := []struct {
		name    string
		action  string
		sl, tp  float64
		wantErr bool
	}{
		{"long SL below TP", ActionOpenLong, 100, 200, false},
		{"long SL above TP", ActionOpenLong, 200, 100, true},
		{"short SL above TP", ActionOpenShort, 200, 100, false},
		{"short SL below TP", ActionOpenShort, 100, 200, true},
		{"long zero SL", ActionOpenLong, 0, 200, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &Decision{
				Symbol:          "SOLUSDT",
				Action:          tt.action,
				Leverage:        5,
				PositionSizeUSD: 1000,
				StopLoss:        tt.sl,
				TakeProfit:      tt.tp,
			}
			err := Validate(d, testLimits())
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_RiskReward(t *testing.T) {
	// Entry sits 20% of the way from SL to TP, so SL=100 TP=115 gives
	// entry=103, risk ~2.91%, reward ~11.65%, ratio 4.0. The interpolated
	// entry makes the ratio 4:1 for any direction-valid SL/TP pair, so the
	// floor only bites on degenerate input.
	tests := []struct {
		name    string
		action  string
		sl, tp  float64
		wantErr bool
	}{
		{"long 4:1 passes", ActionOpenLong, 100, 115, false},
		{"long tight band still 4:1", ActionOpenLong, 100, 110, false},
		{"short 4:1 passes", ActionOpenShort, 115, 100, false},
		{"short tight band still 4:1", ActionOpenShort, 110, 100, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &Decision{
				Symbol:          "SOLUSDT",
				Action:          tt.action,
				Leverage:        5,
				PositionSizeUSD: 1000,
				StopLoss:        tt.sl,
				TakeProfit:      tt.tp,
			}
			err := Validate(d, testLimits())
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateAll_DropsOnlyInvalid(t *testing.T) {
	decisions := []Decision{
		{Symbol: "BTCUSDT", Action: ActionCloseLong, Reasoning: "take profit"},
		{Symbol: "SOLUSDT", Action: ActionOpenLong, Leverage: 20, PositionSizeUSD: 1000, StopLoss: 100, TakeProfit: 200},
		{Symbol: "ALL", Action: ActionWait},
	}

	valid, errs := ValidateAll(decisions, testLimits())
	if len(valid) != 2 {
		t.Fatalf("valid = %d, want 2", len(valid))
	}
	if len(errs) != 1 {
		t.Fatalf("errs = %d, want 1", len(errs))
	}
	if !strings.Contains(errs[0].Error(), "decision #2") {
		t.Errorf("error should name the dropped decision: %v", errs[0])
	}
}
