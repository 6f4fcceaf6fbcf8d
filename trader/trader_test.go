package trader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"tradeflow/decision"
	"tradeflow/journal"
	"tradeflow/market"
	"tradeflow/pool"
	"tradeflow/venue"
)

type fakeVenue struct {
	mu        sync.Mutex
	balance   venue.Balance
	positions []venue.Position
	calls     []string
}

func (f *fakeVenue) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeVenue) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeVenue) GetBalance(context.Context) (*venue.Balance, error) {
	f.record("GetBalance")
	b := f.balance
	return &b, nil
}

func (f *fakeVenue) GetPositions(context.Context) ([]venue.Position, error) {
	f.record("GetPositions")
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]venue.Position(nil), f.positions...), nil
}

func (f *fakeVenue) SetLeverage(_ context.Context, symbol string, leverage int) error {
	f.record(fmt.Sprintf("SetLeverage %s %d", symbol, leverage))
	return nil
}

func (f *fakeVenue) SetMarginMode(_ context.Context, symbol string, cross bool) error {
	f.record(fmt.Sprintf("SetMarginMode %s %v", symbol, cross))
	return nil
}

func (f *fakeVenue) GetMarketPrice(_ context.Context, symbol string) (float64, error) {
	f.record("GetMarketPrice " + symbol)
	return 100, nil
}

func (f *fakeVenue) OpenLong(_ context.Context, symbol string, qty float64, lev int) (*venue.OrderResult, error) {
	f.record("OpenLong " + symbol)
	return &venue.OrderResult{OrderID: 1, Symbol: symbol, Quantity: qty}, nil
}

func (f *fakeVenue) OpenShort(_ context.Context, symbol string, qty float64, lev int) (*venue.OrderResult, error) {
	f.record("OpenShort " + symbol)
	return &venue.OrderResult{OrderID: 2, Symbol: symbol, Quantity: qty}, nil
}

func (f *fakeVenue) CloseLong(_ context.Context, symbol string, qty float64) (*venue.OrderResult, error) {
	f.record("CloseLong " + symbol)
	return &venue.OrderResult{OrderID: 3, Symbol: symbol, Quantity: qty}, nil
}

func (f *fakeVenue) CloseShort(_ context.Context, symbol string, qty float64) (*venue.OrderResult, error) {
	f.record("CloseShort " + symbol)
	return &venue.OrderResult{OrderID: 4, Symbol: symbol, Quantity: qty}, nil
}

func (f *fakeVenue) SetStopLoss(_ context.Context, symbol, side string, qty, trigger float64) error {
	f.record("SetStopLoss " + symbol)
	return nil
}

func (f *fakeVenue) SetTakeProfit(_ context.Context, symbol, side string, qty, trigger float64) error {
	f.record("SetTakeProfit " + symbol)
	return nil
}

func (f *fakeVenue) CancelAllOrders(_ context.Context, symbol string) error {
	f.record("CancelAllOrders " + symbol)
	return nil
}

func (f *fakeVenue) FormatQuantity(_ context.Context, _ string, qty float64) (string, error) {
	return fmt.Sprintf("%.3f", qty), nil
}

type fakeLLM struct {
	mu       sync.Mutex
	response string
	calls    int
}

func (f *fakeLLM) Chat(context.Context, string, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.response, nil
}

func (f *fakeLLM) Model() string { return "test-model" }

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeFetcher struct{ snapshots map[string]*market.Snapshot }

func (f *fakeFetcher) Get(_ context.Context, symbol string) (*market.Snapshot, error) {
	if s, ok := f.snapshots[symbol]; ok {
		return s, nil
	}
	return nil, os.ErrNotExist
}

type fakeCandidates struct{ merged *pool.Merged }

func (f *fakeCandidates) GetMerged(context.Context, int) *pool.Merged { return f.merged }

func testTemplates(t *testing.T) *decision.TemplateLibrary {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "default.txt"), []byte("You are a futures trader."), 0644); err != nil {
		t.Fatal(err)
	}
	lib, err := decision.LoadTemplates(dir)
	if err != nil {
		t.Fatal(err)
	}
	return lib
}

func newTestTrader(t *testing.T, fv *fakeVenue, llmResponse string) (*AutoTrader, *fakeLLM) {
	t.Helper()

	client := &fakeLLM{response: llmResponse}
	fetcher := &fakeFetcher{snapshots: map[string]*market.Snapshot{
		"BTCUSDT": {Symbol: "BTCUSDT", CurrentPrice: 50000},
		"ETHUSDT": {Symbol: "ETHUSDT", CurrentPrice: 3000},
	}}
	engine := decision.NewEngine(client, fetcher, nil, testTemplates(t))

	jnl, err := journal.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	tr, err := New(Config{
		ID:                 "t1",
		Name:               "alpha",
		ScanInterval:       time.Minute,
		InitialBalance:     1000,
		BTCETHLeverage:     10,
		AltcoinLeverage:    5,
		MaxDailyLossPct:    10,
		StopTradingMinutes: 60,
	}, fv, engine, fetcher, nil, jnl, nil)
	if err != nil {
		t.Fatal(err)
	}
	tr.actionPause = 0
	return tr, client
}

func lastRecord(t *testing.T, tr *AutoTrader) *journal.Record {
	t.Helper()
	records, err := tr.journal.Latest(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	return records[0]
}

func TestNew_RequiresInitialBalance(t *testing.T) {
	_, err := New(Config{ID: "x"}, &fakeVenue{}, nil, nil, nil, nil, nil)
	if err == nil {
		t.Error("New() expected error for zero initial balance")
	}
}

func TestRunCycle_CooldownSkipsVenue(t *testing.T) {
	fv := &fakeVenue{balance: venue.Balance{WalletBalance: 1000, AvailableBalance: 800}}
	tr, client := newTestTrader(t, fv, `[{"symbol": "ALL", "action": "wait", "reasoning": "x"}]`)

	now := time.Now()
	tr.now = func() time.Time { return now }
	tr.stopUntil = now.Add(10 * time.Minute)

	tr.runCycle(context.Background())

	record := lastRecord(t, tr)
	if record.Success {
		t.Error("cooldown cycle must be recorded as unsuccessful")
	}
	if !strings.Contains(record.ErrorMessage, "cooldown") {
		t.Errorf("error message %q should carry the cooldown token", record.ErrorMessage)
	}
	if !strings.Contains(record.ErrorMessage, "10 minutes") {
		t.Errorf("error message %q should carry the remaining minutes", record.ErrorMessage)
	}
	if calls := fv.callLog(); len(calls) != 0 {
		t.Errorf("no venue calls expected during cooldown, got %v", calls)
	}
	if client.callCount() != 0 {
		t.Error("model must not be consulted during cooldown")
	}
}

func TestRunCycle_SameSideReopenRefused(t *testing.T) {
	fv := &fakeVenue{
		balance: venue.Balance{WalletBalance: 1000, AvailableBalance: 500},
		positions: []venue.Position{{
			Symbol: "BTCUSDT", Side: "long", Quantity: 0.1,
			EntryPrice: 50000, MarkPrice: 51000, Leverage: 10,
		}},
	}
	response := `Adding to the winner.
[{"symbol": "BTCUSDT", "action": "open_long", "leverage": 10, "position_size_usd": 5000, "stop_loss": 45000, "take_profit": 65000, "reasoning": "trend"}]`
	tr, _ := newTestTrader(t, fv, response)

	tr.runCycle(context.Background())

	record := lastRecord(t, tr)
	if len(record.Decisions) != 1 {
		t.Fatalf("got %d action records, want 1", len(record.Decisions))
	}
	action := record.Decisions[0]
	if action.Success {
		t.Error("same-side reopen must be refused")
	}
	if !strings.Contains(action.Error, "close_long") {
		t.Errorf("refusal %q should point at the close action", action.Error)
	}
	for _, call := range fv.callLog() {
		if strings.HasPrefix(call, "OpenLong") {
			t.Fatalf("no open order expected, got call %q", call)
		}
	}
}

func TestRunCycle_ClosesExecuteBeforeOpens(t *testing.T) {
	fv := &fakeVenue{
		balance: venue.Balance{WalletBalance: 1000, AvailableBalance: 500},
		positions: []venue.Position{{
			Symbol: "BTCUSDT", Side: "long", Quantity: 0.1,
			EntryPrice: 50000, MarkPrice: 51000, Leverage: 10,
		}},
	}
	response := `Rotating.
[
  {"symbol": "ETHUSDT", "action": "open_short", "leverage": 10, "position_size_usd": 5000, "stop_loss": 3500, "take_profit": 2500, "reasoning": "weak"},
  {"symbol": "BTCUSDT", "action": "close_long", "reasoning": "done"}
]`
	tr, _ := newTestTrader(t, fv, response)

	tr.runCycle(context.Background())

	var closeIdx, openIdx = -1, -1
	for i, call := range fv.callLog() {
		if call == "CloseLong BTCUSDT" {
			closeIdx = i
		}
		if call == "OpenShort ETHUSDT" {
			openIdx = i
		}
	}
	if closeIdx == -1 || openIdx == -1 {
		t.Fatalf("both orders expected, calls: %v", fv.callLog())
	}
	if closeIdx > openIdx {
		t.Error("close must execute before the open")
	}

	record := lastRecord(t, tr)
	if len(record.Decisions) != 2 {
		t.Fatalf("got %d action records, want 2", len(record.Decisions))
	}
	if record.Decisions[0].Action != decision.ActionCloseLong || record.Decisions[1].Action != decision.ActionOpenShort {
		t.Errorf("record order = %s, %s", record.Decisions[0].Action, record.Decisions[1].Action)
	}
	if !record.Decisions[1].Success {
		t.Errorf("open should succeed: %s", record.Decisions[1].Error)
	}
}

func TestRunCycle_OpenPlacesProtectiveOrders(t *testing.T) {
	fv := &fakeVenue{balance: venue.Balance{WalletBalance: 1000, AvailableBalance: 900}}
	response := `Going long.
[{"symbol": "BTCUSDT", "action": "open_long", "leverage": 10, "position_size_usd": 5000, "stop_loss": 45000, "take_profit": 65000, "reasoning": "trend"}]`
	tr, _ := newTestTrader(t, fv, response)

	tr.runCycle(context.Background())

	calls := strings.Join(fv.callLog(), " | ")
	for _, want := range []string{"OpenLong BTCUSDT", "SetStopLoss BTCUSDT", "SetTakeProfit BTCUSDT"} {
		if !strings.Contains(calls, want) {
			t.Errorf("missing venue call %q in %s", want, calls)
		}
	}

	record := lastRecord(t, tr)
	action := record.Decisions[0]
	if !action.Success {
		t.Fatalf("open failed: %s", action.Error)
	}
	if action.Quantity != 5000.0/50000.0 {
		t.Errorf("quantity = %v, want size/price", action.Quantity)
	}
	if action.Price != 50000 {
		t.Errorf("price = %v", action.Price)
	}
}

func TestBuildContext_FirstSeenLifecycle(t *testing.T) {
	fv := &fakeVenue{
		balance: venue.Balance{WalletBalance: 1000, AvailableBalance: 500},
		positions: []venue.Position{{
			Symbol: "BTCUSDT", Side: "long", Quantity: 0.1,
			EntryPrice: 50000, MarkPrice: 51000, Leverage: 10,
		}},
	}
	tr, _ := newTestTrader(t, fv, "")

	base := time.Now()
	tr.now = func() time.Time { return base }

	tc, err := tr.buildContext(context.Background(), &journal.Record{})
	if err != nil {
		t.Fatal(err)
	}
	if tc.Positions[0].FirstSeenMS != base.UnixMilli() {
		t.Errorf("first_seen = %d, want %d", tc.Positions[0].FirstSeenMS, base.UnixMilli())
	}

	// The stamp survives later cycles while the position is open.
	tr.now = func() time.Time { return base.Add(30 * time.Minute) }
	tc, err = tr.buildContext(context.Background(), &journal.Record{})
	if err != nil {
		t.Fatal(err)
	}
	if tc.Positions[0].FirstSeenMS != base.UnixMilli() {
		t.Error("first_seen must not move while the position stays open")
	}

	// Once the position is gone the entry is dropped, so a reopen restarts
	// the clock.
	fv.mu.Lock()
	fv.positions = nil
	fv.mu.Unlock()
	if _, err := tr.buildContext(context.Background(), &journal.Record{}); err != nil {
		t.Fatal(err)
	}
	if _, ok := tr.firstSeen["BTCUSDT_long"]; ok {
		t.Error("closed position should be evicted from the first-seen map")
	}
}

func TestRunCycle_DailyLossTriggersCooldown(t *testing.T) {
	fv := &fakeVenue{balance: venue.Balance{WalletBalance: 800, AvailableBalance: 800}}
	tr, client := newTestTrader(t, fv, `[{"symbol": "ALL", "action": "wait", "reasoning": "x"}]`)

	now := time.Now()
	tr.now = func() time.Time { return now }
	tr.dayStartEquity = 1000
	tr.lastDailyRoll = now

	tr.runCycle(context.Background())

	record := lastRecord(t, tr)
	if record.Success {
		t.Error("loss-limit cycle must be recorded as unsuccessful")
	}
	if !strings.Contains(record.ErrorMessage, "daily loss") {
		t.Errorf("error message = %q", record.ErrorMessage)
	}
	if !tr.stopUntil.Equal(now.Add(60 * time.Minute)) {
		t.Errorf("stopUntil = %v, want now+60m", tr.stopUntil)
	}
	if client.callCount() != 0 {
		t.Error("model must not be consulted once the loss limit fires")
	}
}

func TestRunCycle_AppendsContextSnapshots(t *testing.T) {
	fv := &fakeVenue{
		balance: venue.Balance{WalletBalance: 1000, AvailableBalance: 600, UnrealizedProfit: 50},
		positions: []venue.Position{{
			Symbol: "ETHUSDT", Side: "short", Quantity: 1,
			EntryPrice: 3000, MarkPrice: 2900, Leverage: 5, UnrealizedProfit: 100,
		}},
	}
	response := `ok
[{"symbol": "ALL", "action": "wait", "reasoning": "nothing sets up"}]`
	tr, _ := newTestTrader(t, fv, response)
	tr.candidates = &fakeCandidates{merged: &pool.Merged{
		AllSymbols:    []string{"SOLUSDT"},
		SymbolSources: map[string][]string{"SOLUSDT": {"ai500"}},
	}}

	tr.runCycle(context.Background())

	record := lastRecord(t, tr)
	if !record.Success {
		t.Fatalf("cycle failed: %s", record.ErrorMessage)
	}
	if record.AccountState.TotalBalance != 1050 {
		t.Errorf("total balance = %v, want wallet+unrealized", record.AccountState.TotalBalance)
	}
	if len(record.Positions) != 1 || record.Positions[0].Symbol != "ETHUSDT" {
		t.Errorf("positions = %+v", record.Positions)
	}
	if len(record.CandidateCoins) != 1 || record.CandidateCoins[0] != "SOLUSDT" {
		t.Errorf("candidates = %v", record.CandidateCoins)
	}
	if record.CoTTrace == "" || record.InputPrompt == "" {
		t.Error("prompt and trace must be journaled")
	}
}

func TestClosePosition_ValidatesSide(t *testing.T) {
	fv := &fakeVenue{positions: []venue.Position{{
		Symbol: "BTCUSDT", Side: "long", Quantity: 0.1, MarkPrice: 50000,
	}}}
	tr, _ := newTestTrader(t, fv, "")

	if err := tr.ClosePosition(context.Background(), "BTCUSDT", "sideways"); err == nil {
		t.Error("invalid side must be rejected")
	}
	if err := tr.ClosePosition(context.Background(), "BTCUSDT", "short"); err == nil {
		t.Error("closing an absent short must fail")
	}
	if err := tr.ClosePosition(context.Background(), "BTCUSDT", "long"); err != nil {
		t.Errorf("ClosePosition() error = %v", err)
	}
}

func TestCloseAllPositions(t *testing.T) {
	fv := &fakeVenue{positions: []venue.Position{
		{Symbol: "BTCUSDT", Side: "long", Quantity: 0.1, MarkPrice: 50000},
		{Symbol: "ETHUSDT", Side: "short", Quantity: 1, MarkPrice: 3000},
	}}
	tr, _ := newTestTrader(t, fv, "")

	closed, err := tr.CloseAllPositions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if closed != 2 {
		t.Errorf("closed = %d, want 2", closed)
	}
	calls := strings.Join(fv.callLog(), " | ")
	if !strings.Contains(calls, "CloseLong BTCUSDT") || !strings.Contains(calls, "CloseShort ETHUSDT") {
		t.Errorf("calls = %s", calls)
	}
}

func TestOrderDecisions_StablePartition(t *testing.T) {
	input := []decision.Decision{
		{Symbol: "A", Action: decision.ActionOpenLong},
		{Symbol: "B", Action: decision.ActionWait},
		{Symbol: "C", Action: decision.ActionCloseShort},
		{Symbol: "D", Action: decision.ActionOpenShort},
		{Symbol: "E", Action: decision.ActionCloseLong},
		{Symbol: "F", Action: decision.ActionHold},
	}

	got := orderDecisions(input)
	var symbols []string
	for _, d := range got {
		symbols = append(symbols, d.Symbol)
	}
	want := "C E A D B F"
	if s := strings.Join(symbols, " "); s != want {
		t.Errorf("order = %s, want %s", s, want)
	}
}

func TestRunAndStop(t *testing.T) {
	fv := &fakeVenue{balance: venue.Balance{WalletBalance: 1000, AvailableBalance: 1000}}
	tr, client := newTestTrader(t, fv, `[{"symbol": "ALL", "action": "wait", "reasoning": "x"}]`)

	errCh := make(chan error, 1)
	go func() { errCh <- tr.Run(context.Background()) }()

	deadline := time.After(5 * time.Second)
	for client.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("first cycle did not fire")
		case <-time.After(10 * time.Millisecond):
		}
	}

	tr.Stop()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after Stop()")
	}
	if tr.IsRunning() {
		t.Error("trader still reports running")
	}
}
