package decision

import (
	"strings"
	"testing"
)

func TestParseResponse_CoTAndDecisions(t *testing.T) {
	response := `The market looks weak. BTC is rolling over on the 4h.

[
  {"symbol": "BTCUSDT", "action": "open_short", "leverage": 5, "position_size_usd": 5000, "stop_loss": 97000, "take_profit": 85000, "confidence": 80, "risk_usd": 200, "reasoning": "downtrend"},
  {"symbol": "ETHUSDT", "action": "close_long", "reasoning": "take profit"}
]`

	cot, decisions, err := ParseResponse(response)
	if err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	if !strings.HasPrefix(cot, "The market looks weak") {
		t.Errorf("cot = %q, want the prose before the array", cot)
	}
	if strings.Contains(cot, "[") {
		t.Error("cot should not contain the JSON array")
	}
	if len(decisions) != 2 {
		t.Fatalf("got %d decisions, want 2", len(decisions))
	}
	if decisions[0].Action != ActionOpenShort || decisions[0].StopLoss != 97000 {
		t.Errorf("decisions[0] = %+v", decisions[0])
	}
	if decisions[1].Action != ActionCloseLong {
		t.Errorf("decisions[1] = %+v", decisions[1])
	}
}

func TestParseResponse_BalancedBrackets(t *testing.T) {
	// The reasoning mentions arrays; only the first balanced block counts.
	response := `Analysis first.
[{"symbol": "BTCUSDT", "action": "wait", "reasoning": "ranges [1,2] noted"}]
trailing text [not json]`

	_, decisions, err := ParseResponse(response)
	if err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	if len(decisions) != 1 || decisions[0].Action != ActionWait {
		t.Fatalf("decisions = %+v, want single wait", decisions)
	}
}

func TestParseResponse_CurlyQuotes(t *testing.T) {
	response := `ok
[{“symbol”: “BTCUSDT”, “action”: “hold”, “reasoning”: “steady”}]`

	_, decisions, err := ParseResponse(response)
	if err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	if len(decisions) != 1 || decisions[0].Symbol != "BTCUSDT" {
		t.Fatalf("decisions = %+v", decisions)
	}
}

func TestParseResponse_Errors(t *testing.T) {
	tests := []struct {
		name     string
		response string
	}{
		{"no array", "just prose, no decisions"},
		{"unterminated array", `reasoning [{"symbol": "BTCUSDT"`},
		{"unknown field rejected", `[{"symbol": "BTCUSDT", "action": "hold", "moon_factor": 9}]`},
		{"object not array", `{"symbol": "BTCUSDT", "action": "hold"}` + "["},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := ParseResponse(tt.response); err == nil {
				t.Error("ParseResponse() expected error")
			}
		})
	}
}

func TestParseResponse_NoProse(t *testing.T) {
	response := `[{"symbol": "ALL", "action": "wait", "reasoning": "choppy"}]`
	cot, decisions, err := ParseResponse(response)
	if err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	if cot != response {
		// With no text before '[', the whole response is kept as the trace.
		t.Errorf("cot = %q", cot)
	}
	if len(decisions) != 1 {
		t.Fatalf("decisions = %+v", decisions)
	}
}
