package journal

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return j
}

func actionAt(action, symbol string, qty float64, leverage int, price float64, ts time.Time) ActionRecord {
	return ActionRecord{
		Action:    action,
		Symbol:    symbol,
		Quantity:  qty,
		Leverage:  leverage,
		Price:     price,
		Timestamp: ts,
		Success:   true,
	}
}

func TestAppend_CycleNumbersAreMonotonic(t *testing.T) {
	dir := t.TempDir()
	j, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 12; i++ {
		if err := j.Append(&Record{Success: true}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if j.CycleNumber() != i {
			t.Fatalf("cycle = %d, want %d", j.CycleNumber(), i)
		}
	}

	// A reopened journal resumes the counter instead of restarting at 1.
	j2, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := j2.Append(&Record{Success: true}); err != nil {
		t.Fatal(err)
	}
	if j2.CycleNumber() != 13 {
		t.Errorf("resumed cycle = %d, want 13", j2.CycleNumber())
	}
}

func TestLatest_OldestFirst(t *testing.T) {
	j := newTestJournal(t)
	for i := 0; i < 15; i++ {
		if err := j.Append(&Record{Success: true}); err != nil {
			t.Fatal(err)
		}
	}

	records, err := j.Latest(5)
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("got %d records, want 5", len(records))
	}
	want := []int{11, 12, 13, 14, 15}
	for i, r := range records {
		if r.CycleNumber != want[i] {
			t.Errorf("records[%d].CycleNumber = %d, want %d", i, r.CycleNumber, want[i])
		}
	}
}

func TestByDate(t *testing.T) {
	j := newTestJournal(t)
	now := time.Now()
	if err := j.Append(&Record{Timestamp: now, Success: true}); err != nil {
		t.Fatal(err)
	}
	if err := j.Append(&Record{Timestamp: now.AddDate(0, 0, -3), Success: true}); err != nil {
		t.Fatal(err)
	}

	today, err := j.ByDate(now)
	if err != nil {
		t.Fatal(err)
	}
	if len(today) != 1 {
		t.Errorf("got %d records for today, want 1", len(today))
	}
}

func TestClean_RemovesByModTime(t *testing.T) {
	j := newTestJournal(t)
	for i := 0; i < 3; i++ {
		if err := j.Append(&Record{Success: true}); err != nil {
			t.Fatal(err)
		}
	}

	// Age two files past the cutoff.
	files, err := j.recordFiles()
	if err != nil {
		t.Fatal(err)
	}
	old := time.Now().AddDate(0, 0, -10)
	for _, name := range files[:2] {
		if err := os.Chtimes(filepath.Join(j.dir, name), old, old); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := j.Clean(7)
	if err != nil {
		t.Fatalf("Clean() error = %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	remaining, _ := j.recordFiles()
	if len(remaining) != 1 {
		t.Errorf("remaining files = %d, want 1", len(remaining))
	}
}

func TestStatistics(t *testing.T) {
	j := newTestJournal(t)
	now := time.Now()

	j.Append(&Record{
		Success: true,
		Decisions: []ActionRecord{
			actionAt("open_long", "BTCUSDT", 0.1, 5, 50000, now),
			actionAt("open_short", "ETHUSDT", 1, 5, 3000, now),
		},
	})
	j.Append(&Record{
		Success: true,
		Decisions: []ActionRecord{
			actionAt("close_long", "BTCUSDT", 0.1, 5, 51000, now),
			{Action: "open_long", Symbol: "SOLUSDT", Success: false, Error: "rejected"},
		},
	})
	j.Append(&Record{Success: false, ErrorMessage: "engine failure"})

	stats, err := j.Statistics()
	if err != nil {
		t.Fatalf("Statistics() error = %v", err)
	}
	if stats.TotalCycles != 3 {
		t.Errorf("TotalCycles = %d, want 3", stats.TotalCycles)
	}
	if stats.SuccessfulCycles != 2 || stats.FailedCycles != 1 {
		t.Errorf("success/fail = %d/%d, want 2/1", stats.SuccessfulCycles, stats.FailedCycles)
	}
	if stats.TotalOpenPositions != 2 {
		t.Errorf("TotalOpenPositions = %d, want 2 (failed opens excluded)", stats.TotalOpenPositions)
	}
	if stats.TotalClosePositions != 1 {
		t.Errorf("TotalClosePositions = %d, want 1", stats.TotalClosePositions)
	}
}

func TestAnalyzePerformance_TradeMatching(t *testing.T) {
	j := newTestJournal(t)
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// Long on BTC: +100 USDT over 90 minutes. Short on ETH: -50 USDT.
	j.Append(&Record{
		AccountState: AccountSnapshot{TotalBalance: 1000},
		Success:      true,
		Decisions: []ActionRecord{
			actionAt("open_long", "BTCUSDT", 0.1, 5, 50000, t0),
			actionAt("open_short", "ETHUSDT", 1, 2, 3000, t0),
		},
	})
	j.Append(&Record{
		AccountState: AccountSnapshot{TotalBalance: 1050},
		Success:      true,
		Decisions: []ActionRecord{
			actionAt("close_long", "BTCUSDT", 0.1, 5, 51000, t0.Add(90*time.Minute)),
			actionAt("close_short", "ETHUSDT", 1, 2, 3050, t0.Add(30*time.Minute)),
		},
	})

	perf, err := j.AnalyzePerformance(100)
	if err != nil {
		t.Fatalf("AnalyzePerformance() error = %v", err)
	}

	if perf.TotalTrades != 2 || perf.WinningTrades != 1 || perf.LosingTrades != 1 {
		t.Fatalf("trades = %d/%d/%d, want 2 total, 1 win, 1 loss",
			perf.TotalTrades, perf.WinningTrades, perf.LosingTrades)
	}
	if perf.ProfitFactor != 2.0 {
		t.Errorf("ProfitFactor = %v, want 2.0 (100 win / 50 loss)", perf.ProfitFactor)
	}
	if perf.BestSymbol != "BTCUSDT" || perf.WorstSymbol != "ETHUSDT" {
		t.Errorf("best/worst = %s/%s, want BTCUSDT/ETHUSDT", perf.BestSymbol, perf.WorstSymbol)
	}

	// Recent trades are newest first; the BTC close is the later action but
	// both fall in the same record, so order follows the decision array
	// reversed.
	if len(perf.RecentTrades) != 2 {
		t.Fatalf("RecentTrades = %d, want 2", len(perf.RecentTrades))
	}
	btc := perf.RecentTrades[1]
	if btc.Symbol != "BTCUSDT" {
		btc = perf.RecentTrades[0]
	}
	if btc.PnL != 100 {
		t.Errorf("BTC pnl = %v, want 100", btc.PnL)
	}
	// margin = 0.1*50000/5 = 1000; pnl_pct = 100/1000*100 = 10
	if btc.PnLPct != 10 {
		t.Errorf("BTC pnl_pct = %v, want 10", btc.PnLPct)
	}
	if btc.Duration != "1h30m0s" {
		t.Errorf("BTC duration = %q, want 1h30m0s", btc.Duration)
	}

	var eth TradeOutcome
	for _, tr := range perf.RecentTrades {
		if tr.Symbol == "ETHUSDT" {
			eth = tr
		}
	}
	if eth.PnL != -50 {
		t.Errorf("ETH pnl = %v, want -50", eth.PnL)
	}
	if eth.Duration != "30m0s" {
		t.Errorf("ETH duration = %q, want 30m0s", eth.Duration)
	}
}

func TestAnalyzePerformance_PrerollMatchesOldOpen(t *testing.T) {
	j := newTestJournal(t)
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	j.Append(&Record{
		AccountState: AccountSnapshot{TotalBalance: 1000},
		Success:      true,
		Decisions:    []ActionRecord{actionAt("open_long", "BTCUSDT", 0.1, 5, 50000, t0)},
	})
	j.Append(&Record{AccountState: AccountSnapshot{TotalBalance: 1000}, Success: true})
	j.Append(&Record{
		AccountState: AccountSnapshot{TotalBalance: 1100},
		Success:      true,
		Decisions:    []ActionRecord{actionAt("close_long", "BTCUSDT", 0.1, 5, 51000, t0.Add(time.Hour))},
	})

	// Window of 2 sees only the empty record and the close; the open is
	// recovered from the preroll.
	perf, err := j.AnalyzePerformance(2)
	if err != nil {
		t.Fatal(err)
	}
	if perf.TotalTrades != 1 {
		t.Fatalf("TotalTrades = %d, want 1 (open matched from preroll)", perf.TotalTrades)
	}
	if perf.RecentTrades[0].PnL != 100 {
		t.Errorf("pnl = %v, want 100", perf.RecentTrades[0].PnL)
	}
}

func recordsWithEquities(equities []float64) []*Record {
	records := make([]*Record, len(equities))
	for i, e := range equities {
		records[i] = &Record{AccountState: AccountSnapshot{TotalBalance: e}}
	}
	return records
}

func TestSharpeRatio(t *testing.T) {
	equities := []float64{1000, 1010, 1005, 1020, 1015, 1030, 1025, 1040, 1035, 1050}

	var returns []float64
	for i := 1; i < len(equities); i++ {
		returns = append(returns, (equities[i]-equities[i-1])/equities[i-1])
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
	want := mean / math.Sqrt(variance)

	got := sharpeRatio(recordsWithEquities(equities))
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("sharpeRatio = %v, want %v", got, want)
	}
}

func TestSharpeRatio_InvariantUnderReturnShuffle(t *testing.T) {
	equities := []float64{1000, 1010, 1005, 1020, 1015, 1030, 1025, 1040, 1035, 1050}
	base := sharpeRatio(recordsWithEquities(equities))

	var returns []float64
	for i := 1; i < len(equities); i++ {
		returns = append(returns, (equities[i]-equities[i-1])/equities[i-1])
	}

	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 5; trial++ {
		shuffled := append([]float64(nil), returns...)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		// Rebuild an equity curve realizing the shuffled returns.
		rebuilt := []float64{equities[0]}
		for _, r := range shuffled {
			rebuilt = append(rebuilt, rebuilt[len(rebuilt)-1]*(1+r))
		}

		got := sharpeRatio(recordsWithEquities(rebuilt))
		if math.Abs(got-base) > 1e-9 {
			t.Errorf("trial %d: sharpe = %v, want %v (shuffle invariant)", trial, got, base)
		}
	}
}

func TestSharpeRatio_Saturation(t *testing.T) {
	tests := []struct {
		name     string
		equities []float64
		want     float64
	}{
		{"steady gain saturates positive", []float64{1000, 1100, 1210}, 999},
		{"steady loss saturates negative", []float64{1000, 900, 810}, -999},
		{"flat equity is zero", []float64{1000, 1000, 1000}, 0},
		{"fewer than two equities", []float64{1000}, 0},
		{"empty", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sharpeRatio(recordsWithEquities(tt.equities)); got != tt.want {
				t.Errorf("sharpeRatio(%v) = %v, want %v", tt.equities, got, tt.want)
			}
		})
	}
}
