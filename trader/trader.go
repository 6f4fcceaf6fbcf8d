package trader

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"tradeflow/decision"
	"tradeflow/events"
	"tradeflow/journal"
	"tradeflow/pool"
	"tradeflow/venue"
)

const (
	defaultScanInterval = 3 * time.Minute
	defaultAI500Limit   = 20
	performanceWindow   = 100
)

// Notifier receives loop events for fan-out to connected clients.
type Notifier interface {
	Broadcast(evt events.Event)
}

// CandidateSource supplies the merged candidate pool for one cycle.
type CandidateSource interface {
	GetMerged(ctx context.Context, ai500Limit int) *pool.Merged
}

// Config is the per-trader runtime configuration resolved by the supervisor
// from the trader, model, and exchange rows.
type Config struct {
	ID       string
	Name     string
	AIModel  string
	Exchange string

	ScanInterval   time.Duration
	InitialBalance float64

	BTCETHLeverage  int
	AltcoinLeverage int

	// Risk control: pause trading for StopTradingMinutes once the day's loss
	// exceeds MaxDailyLossPct of the day-start equity. Zero disables the check.
	MaxDailyLossPct    float64
	StopTradingMinutes int

	IsCrossMargin bool

	// TradingSymbols, when non-empty, replaces the candidate pool.
	TradingSymbols []string

	PromptTemplate     string
	CustomPrompt       string
	OverrideBasePrompt bool
}

// AutoTrader runs the scan/decide/execute loop for one account. A single
// goroutine owns the loop; the mutex guards the fields that the manual hooks
// and status queries touch from outside it.
type AutoTrader struct {
	cfg Config

	venue      venue.Venue
	engine     *decision.Engine
	fetcher    decision.SnapshotFetcher
	candidates CandidateSource
	journal    *journal.Journal
	notifier   Notifier
	log        zerolog.Logger

	mu            sync.Mutex
	running       bool
	stopRequested bool
	stopCh        chan struct{}
	startTime     time.Time
	cycleCount    int

	customPrompt string
	overrideBase bool

	// Cross-cycle state owned by the loop goroutine.
	firstSeen      map[string]int64 // "SYMBOL_side" -> first seen, unix ms
	stopUntil      time.Time
	dayStartEquity float64
	lastDailyRoll  time.Time

	// Injectable for tests.
	now         func() time.Time
	actionPause time.Duration
}

// New validates the configuration and assembles a trader around its
// collaborators. The fetcher resolves fill prices for position sizing;
// candidates and notifier may be nil.
func New(cfg Config, v venue.Venue, engine *decision.Engine, fetcher decision.SnapshotFetcher,
	candidates CandidateSource, jnl *journal.Journal, notifier Notifier) (*AutoTrader, error) {
	if cfg.InitialBalance <= 0 {
		return nil, fmt.Errorf("trader %s: initial balance must be positive", cfg.ID)
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = defaultScanInterval
	}

	return &AutoTrader{
		cfg:          cfg,
		venue:        v,
		engine:       engine,
		fetcher:      fetcher,
		candidates:   candidates,
		journal:      jnl,
		notifier:     notifier,
		log:          zlog.With().Str("component", "trader").Str("trader", cfg.Name).Logger(),
		customPrompt: cfg.CustomPrompt,
		overrideBase: cfg.OverrideBasePrompt,
		firstSeen:    make(map[string]int64),
		now:          time.Now,
		actionPause:  time.Second,
	}, nil
}

// ID returns the trader's identifier.
func (t *AutoTrader) ID() string { return t.cfg.ID }

// Name returns the trader's display name.
func (t *AutoTrader) Name() string { return t.cfg.Name }

// Run executes the trading loop until the context is cancelled or Stop is
// called. The first cycle fires immediately; subsequent cycles on the
// configured interval.
func (t *AutoTrader) Run(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return fmt.Errorf("trader %s is already running", t.cfg.ID)
	}
	t.running = true
	t.stopRequested = false
	t.stopCh = make(chan struct{})
	t.startTime = t.now()
	stopCh := t.stopCh
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
	}()

	t.log.Info().
		Float64("initial_balance", t.cfg.InitialBalance).
		Dur("interval", t.cfg.ScanInterval).
		Msg("trading loop started")

	ticker := time.NewTicker(t.cfg.ScanInterval)
	defer ticker.Stop()

	t.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			t.log.Info().Msg("trading loop cancelled")
			return ctx.Err()
		case <-stopCh:
			t.log.Info().Msg("trading loop stopped")
			return nil
		case <-ticker.C:
			t.runCycle(ctx)
		}
	}
}

// Stop signals the loop to exit after the in-flight cycle. Safe to call more
// than once and before Run.
func (t *AutoTrader) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running || t.stopRequested {
		return
	}
	t.stopRequested = true
	close(t.stopCh)
}

// IsRunning reports whether the loop is active.
func (t *AutoTrader) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// SetCustomPrompt replaces the trader's strategy addendum. With overrideBase
// the text replaces the entire system prompt instead of extending it.
func (t *AutoTrader) SetCustomPrompt(text string, overrideBase bool) {
	t.mu.Lock()
	t.customPrompt = text
	t.overrideBase = overrideBase
	t.mu.Unlock()
	t.log.Info().Bool("override_base", overrideBase).Msg("custom prompt updated")
}

// Status returns a snapshot of the trader's runtime state.
func (t *AutoTrader) Status() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	runtimeMinutes := 0
	if !t.startTime.IsZero() {
		runtimeMinutes = int(t.now().Sub(t.startTime).Minutes())
	}
	return map[string]interface{}{
		"id":              t.cfg.ID,
		"name":            t.cfg.Name,
		"ai_model":        t.cfg.AIModel,
		"exchange":        t.cfg.Exchange,
		"is_running":      t.running,
		"cycle_count":     t.cycleCount,
		"runtime_minutes": runtimeMinutes,
		"initial_balance": t.cfg.InitialBalance,
	}
}

func (t *AutoTrader) runCycle(ctx context.Context) {
	t.mu.Lock()
	t.cycleCount++
	cycle := t.cycleCount
	t.mu.Unlock()

	now := t.now()
	t.log.Info().Int("cycle", cycle).Time("at", now).Msg("decision cycle starting")

	record := &journal.Record{
		Timestamp: now,
		Success:   true,
	}

	// Risk-control cooldown: skip the cycle but still journal the skip so
	// the gap is visible in the record stream.
	if now.Before(t.stopUntil) {
		remaining := int(t.stopUntil.Sub(now).Minutes() + 0.5)
		t.log.Warn().Int("remaining_minutes", remaining).Msg("risk-control cooldown active, skipping cycle")
		record.Success = false
		record.ErrorMessage = fmt.Sprintf("risk-control cooldown active, %d minutes remaining", remaining)
		t.appendRecord(record)
		return
	}

	tc, err := t.buildContext(ctx, record)
	if err != nil {
		t.log.Error().Err(err).Msg("failed to build trading context")
		record.Success = false
		record.ErrorMessage = err.Error()
		t.appendRecord(record)
		return
	}

	if t.dailyLossExceeded(tc.Account.TotalEquity) {
		t.stopUntil = now.Add(time.Duration(t.cfg.StopTradingMinutes) * time.Minute)
		t.log.Warn().
			Float64("daily_pnl", tc.Account.TotalEquity-t.dayStartEquity).
			Time("until", t.stopUntil).
			Msg("daily loss limit hit, entering cooldown")
		record.Success = false
		record.ErrorMessage = fmt.Sprintf("daily loss limit hit, risk-control cooldown active until %s",
			t.stopUntil.Format(time.RFC3339))
		t.appendRecord(record)
		return
	}

	t.log.Info().
		Float64("equity", tc.Account.TotalEquity).
		Float64("available", tc.Account.AvailableBalance).
		Int("positions", tc.Account.PositionCount).
		Int("candidates", len(tc.Candidates)).
		Msg("context assembled, requesting decision")

	t.mu.Lock()
	opts := decision.PromptOptions{
		TemplateName: t.cfg.PromptTemplate,
		CustomPrompt: t.customPrompt,
		OverrideBase: t.overrideBase,
	}
	t.mu.Unlock()

	full, err := t.engine.Decide(ctx, tc, opts)
	if full != nil {
		record.SystemPrompt = full.SystemPrompt
		record.InputPrompt = full.UserPrompt
		record.CoTTrace = full.CoTTrace
		if len(full.Decisions) > 0 {
			if data, jerr := json.MarshalIndent(full.Decisions, "", "  "); jerr == nil {
				record.DecisionJSON = string(data)
			}
		}
	}
	if err != nil {
		t.log.Error().Err(err).Msg("decision request failed")
		record.Success = false
		record.ErrorMessage = err.Error()
		t.appendRecord(record)
		return
	}

	ordered := orderDecisions(full.Decisions)
	for i, d := range ordered {
		t.log.Info().
			Int("order", i+1).
			Str("symbol", d.Symbol).
			Str("action", d.Action).
			Str("reasoning", d.Reasoning).
			Msg("executing decision")

		action := journal.ActionRecord{
			Action:    d.Action,
			Symbol:    d.Symbol,
			Leverage:  d.Leverage,
			Timestamp: t.now(),
		}
		if execErr := t.execute(ctx, &d, &action); execErr != nil {
			t.log.Error().Err(execErr).Str("symbol", d.Symbol).Str("action", d.Action).Msg("decision execution failed")
			action.Error = execErr.Error()
			record.ExecutionLog = append(record.ExecutionLog,
				fmt.Sprintf("%s %s failed: %v", d.Symbol, d.Action, execErr))
		} else {
			action.Success = true
			record.ExecutionLog = append(record.ExecutionLog,
				fmt.Sprintf("%s %s ok", d.Symbol, d.Action))
			t.publishTrade(&d, &action)
			t.pause(ctx)
		}
		record.Decisions = append(record.Decisions, action)
	}

	t.appendRecord(record)
}

// buildContext gathers the account, position, and candidate state for one
// cycle and fills the record's snapshots along the way.
func (t *AutoTrader) buildContext(ctx context.Context, record *journal.Record) (*decision.Context, error) {
	balance, err := t.venue.GetBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	positions, err := t.venue.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}

	now := t.now()
	totalEquity := balance.TotalEquity()
	t.rollDaily(now, totalEquity)

	var (
		posInfos        []decision.PositionInfo
		totalMarginUsed float64
	)
	currentKeys := make(map[string]bool, len(positions))
	for _, p := range positions {
		key := positionKey(p.Symbol, p.Side)
		currentKeys[key] = true
		if _, seen := t.firstSeen[key]; !seen {
			t.firstSeen[key] = now.UnixMilli()
		}

		pnlPct := 0.0
		if p.EntryPrice > 0 {
			if p.Side == "long" {
				pnlPct = (p.MarkPrice - p.EntryPrice) / p.EntryPrice * 100
			} else {
				pnlPct = (p.EntryPrice - p.MarkPrice) / p.EntryPrice * 100
			}
		}
		leverage := p.Leverage
		if leverage <= 0 {
			leverage = 1
		}
		marginUsed := p.Quantity * p.MarkPrice / float64(leverage)
		totalMarginUsed += marginUsed

		posInfos = append(posInfos, decision.PositionInfo{
			Symbol:           p.Symbol,
			Side:             p.Side,
			EntryPrice:       p.EntryPrice,
			MarkPrice:        p.MarkPrice,
			Quantity:         p.Quantity,
			Leverage:         leverage,
			UnrealizedPnL:    p.UnrealizedProfit,
			UnrealizedPnLPct: pnlPct,
			LiquidationPrice: p.LiquidationPrice,
			MarginUsed:       marginUsed,
			FirstSeenMS:      t.firstSeen[key],
		})
		record.Positions = append(record.Positions, journal.PositionSnapshot{
			Symbol:           p.Symbol,
			Side:             p.Side,
			PositionAmt:      p.Quantity,
			EntryPrice:       p.EntryPrice,
			MarkPrice:        p.MarkPrice,
			UnrealizedProfit: p.UnrealizedProfit,
			Leverage:         float64(leverage),
			LiquidationPrice: p.LiquidationPrice,
		})
	}

	// Drop holding-time entries for positions no longer on the book.
	for key := range t.firstSeen {
		if !currentKeys[key] {
			delete(t.firstSeen, key)
		}
	}

	candidates := t.resolveCandidates(ctx)
	for _, c := range candidates {
		record.CandidateCoins = append(record.CandidateCoins, c.Symbol)
	}

	totalPnL := totalEquity - t.cfg.InitialBalance
	totalPnLPct := 0.0
	if t.cfg.InitialBalance > 0 {
		totalPnLPct = totalPnL / t.cfg.InitialBalance * 100
	}
	marginUsedPct := 0.0
	if totalEquity > 0 {
		marginUsedPct = totalMarginUsed / totalEquity * 100
	}

	account := decision.AccountInfo{
		TotalEquity:      totalEquity,
		AvailableBalance: balance.AvailableBalance,
		TotalPnL:         totalPnL,
		TotalPnLPct:      totalPnLPct,
		MarginUsed:       totalMarginUsed,
		MarginUsedPct:    marginUsedPct,
		PositionCount:    len(posInfos),
	}
	record.AccountState = journal.AccountSnapshot{
		TotalBalance:          totalEquity,
		AvailableBalance:      balance.AvailableBalance,
		TotalUnrealizedProfit: balance.UnrealizedProfit,
		PositionCount:         len(posInfos),
		MarginUsedPct:         marginUsedPct,
	}

	runtimeMinutes := 0
	t.mu.Lock()
	if !t.startTime.IsZero() {
		runtimeMinutes = int(now.Sub(t.startTime).Minutes())
	}
	t.mu.Unlock()

	tc := &decision.Context{
		CurrentTime:     now,
		RuntimeMinutes:  runtimeMinutes,
		CycleNumber:     t.journal.CycleNumber() + 1,
		Account:         account,
		Positions:       posInfos,
		Candidates:      candidates,
		Sharpe:          t.recentSharpe(),
		BTCETHLeverage:  t.cfg.BTCETHLeverage,
		AltcoinLeverage: t.cfg.AltcoinLeverage,
	}
	return tc, nil
}

// resolveCandidates prefers the trader's fixed symbol list; otherwise it
// queries the merged signal pool.
func (t *AutoTrader) resolveCandidates(ctx context.Context) []decision.Candidate {
	if len(t.cfg.TradingSymbols) > 0 {
		candidates := make([]decision.Candidate, 0, len(t.cfg.TradingSymbols))
		for _, symbol := range t.cfg.TradingSymbols {
			candidates = append(candidates, decision.Candidate{Symbol: symbol})
		}
		return candidates
	}
	if t.candidates == nil {
		return nil
	}

	merged := t.candidates.GetMerged(ctx, defaultAI500Limit)
	if merged == nil {
		return nil
	}
	candidates := make([]decision.Candidate, 0, len(merged.AllSymbols))
	for _, symbol := range merged.AllSymbols {
		candidates = append(candidates, decision.Candidate{
			Symbol:  symbol,
			Sources: merged.SymbolSources[symbol],
		})
	}
	return candidates
}

// recentSharpe reads the performance report; nil until the journal holds at
// least one completed trade.
func (t *AutoTrader) recentSharpe() *float64 {
	perf, err := t.journal.AnalyzePerformance(performanceWindow)
	if err != nil {
		t.log.Warn().Err(err).Msg("performance analysis failed")
		return nil
	}
	if perf.TotalTrades == 0 {
		return nil
	}
	sharpe := perf.SharpeRatio
	return &sharpe
}

func (t *AutoTrader) rollDaily(now time.Time, equity float64) {
	if t.dayStartEquity == 0 {
		t.dayStartEquity = equity
		t.lastDailyRoll = now
		return
	}
	if now.Sub(t.lastDailyRoll) > 24*time.Hour {
		t.dayStartEquity = equity
		t.lastDailyRoll = now
		t.log.Info().Float64("day_start_equity", equity).Msg("daily PnL counter rolled")
	}
}

func (t *AutoTrader) dailyLossExceeded(equity float64) bool {
	if t.cfg.MaxDailyLossPct <= 0 || t.dayStartEquity <= 0 {
		return false
	}
	lossPct := (t.dayStartEquity - equity) / t.dayStartEquity * 100
	return lossPct >= t.cfg.MaxDailyLossPct
}

func (t *AutoTrader) execute(ctx context.Context, d *decision.Decision, action *journal.ActionRecord) error {
	switch d.Action {
	case decision.ActionOpenLong:
		return t.executeOpen(ctx, d, action, "long")
	case decision.ActionOpenShort:
		return t.executeOpen(ctx, d, action, "short")
	case decision.ActionCloseLong:
		return t.executeClose(ctx, d, action, "long")
	case decision.ActionCloseShort:
		return t.executeClose(ctx, d, action, "short")
	case decision.ActionHold, decision.ActionWait:
		return nil
	default:
		return fmt.Errorf("unknown action %q", d.Action)
	}
}

// executeOpen places a market open plus its SL/TP brackets. The same-side
// check re-reads the venue: the validator cannot see venue state, so this is
// the second line of defense against stacking a position.
func (t *AutoTrader) executeOpen(ctx context.Context, d *decision.Decision, action *journal.ActionRecord, side string) error {
	positions, err := t.venue.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("get positions: %w", err)
	}
	for _, p := range positions {
		if p.Symbol == d.Symbol && p.Side == side {
			closeAction := decision.ActionCloseLong
			if side == "short" {
				closeAction = decision.ActionCloseShort
			}
			return fmt.Errorf("%s already has a %s position; issue %s first before reopening",
				d.Symbol, side, closeAction)
		}
	}

	snap, err := t.fetcher.Get(ctx, d.Symbol)
	if err != nil {
		return fmt.Errorf("get market price: %w", err)
	}
	if snap.CurrentPrice <= 0 {
		return fmt.Errorf("%s: invalid market price %.8f", d.Symbol, snap.CurrentPrice)
	}

	quantity := d.PositionSizeUSD / snap.CurrentPrice
	action.Quantity = quantity
	action.Price = snap.CurrentPrice

	var result *venue.OrderResult
	if side == "long" {
		result, err = t.venue.OpenLong(ctx, d.Symbol, quantity, d.Leverage)
	} else {
		result, err = t.venue.OpenShort(ctx, d.Symbol, quantity, d.Leverage)
	}
	if err != nil {
		return err
	}
	action.OrderID = result.OrderID

	t.log.Info().
		Str("symbol", d.Symbol).
		Str("side", side).
		Float64("quantity", quantity).
		Int("leverage", d.Leverage).
		Msg("position opened")

	if d.StopLoss > 0 && d.TakeProfit > 0 {
		if err := t.venue.SetStopLoss(ctx, d.Symbol, side, quantity, d.StopLoss); err != nil {
			return fmt.Errorf("set stop loss: %w", err)
		}
		if err := t.venue.SetTakeProfit(ctx, d.Symbol, side, quantity, d.TakeProfit); err != nil {
			return fmt.Errorf("set take profit: %w", err)
		}
		t.log.Info().
			Str("symbol", d.Symbol).
			Float64("stop_loss", d.StopLoss).
			Float64("take_profit", d.TakeProfit).
			Msg("protective orders placed")
	}
	return nil
}

func (t *AutoTrader) executeClose(ctx context.Context, d *decision.Decision, action *journal.ActionRecord, side string) error {
	positions, err := t.venue.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("get positions: %w", err)
	}

	var quantity, markPrice float64
	for _, p := range positions {
		if p.Symbol == d.Symbol && p.Side == side {
			quantity = p.Quantity
			markPrice = p.MarkPrice
			break
		}
	}
	if quantity == 0 {
		return fmt.Errorf("%s: no %s position to close", d.Symbol, side)
	}
	action.Quantity = quantity
	action.Price = markPrice

	var result *venue.OrderResult
	if side == "long" {
		result, err = t.venue.CloseLong(ctx, d.Symbol, quantity)
	} else {
		result, err = t.venue.CloseShort(ctx, d.Symbol, quantity)
	}
	if err != nil {
		return err
	}
	action.OrderID = result.OrderID

	t.log.Info().
		Str("symbol", d.Symbol).
		Str("side", side).
		Float64("quantity", quantity).
		Msg("position closed")
	return nil
}

// CloseAllPositions issues a close for every open position, continuing past
// individual failures. Returns the number closed and the last error.
func (t *AutoTrader) CloseAllPositions(ctx context.Context) (int, error) {
	positions, err := t.venue.GetPositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("get positions: %w", err)
	}

	closed := 0
	var lastErr error
	for _, p := range positions {
		var cerr error
		if p.Side == "short" {
			_, cerr = t.venue.CloseShort(ctx, p.Symbol, p.Quantity)
		} else {
			_, cerr = t.venue.CloseLong(ctx, p.Symbol, p.Quantity)
		}
		if cerr != nil {
			t.log.Error().Err(cerr).Str("symbol", p.Symbol).Str("side", p.Side).Msg("failed to close position")
			lastErr = cerr
			continue
		}
		closed++
	}
	return closed, lastErr
}

// ClosePosition closes one (symbol, side) position at its full current size.
func (t *AutoTrader) ClosePosition(ctx context.Context, symbol, side string) error {
	if side != "long" && side != "short" {
		return fmt.Errorf("invalid side %q, want long or short", side)
	}
	d := &decision.Decision{Symbol: symbol}
	action := &journal.ActionRecord{}
	return t.executeClose(ctx, d, action, side)
}

func (t *AutoTrader) appendRecord(record *journal.Record) {
	if err := t.journal.Append(record); err != nil {
		t.log.Warn().Err(err).Msg("failed to append decision record")
		return
	}
	if t.notifier != nil {
		t.notifier.Broadcast(events.Event{
			Type:      events.TypeDecision,
			TraderID:  t.cfg.ID,
			Message:   fmt.Sprintf("cycle %d recorded", record.CycleNumber),
			Timestamp: record.Timestamp.UnixMilli(),
		})
	}
}

func (t *AutoTrader) publishTrade(d *decision.Decision, action *journal.ActionRecord) {
	if t.notifier == nil {
		return
	}
	t.notifier.Broadcast(events.Event{
		Type:     events.TypeTrade,
		TraderID: t.cfg.ID,
		Symbol:   d.Symbol,
		Message:  fmt.Sprintf("%s %s qty %.6f", d.Symbol, d.Action, action.Quantity),
		Data: map[string]interface{}{
			"action":   d.Action,
			"quantity": action.Quantity,
			"price":    action.Price,
			"leverage": d.Leverage,
		},
		Timestamp: action.Timestamp.UnixMilli(),
	})
}

// pause is the inter-action rate limiter; it respects cancellation.
func (t *AutoTrader) pause(ctx context.Context) {
	if t.actionPause <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(t.actionPause):
	}
}

// orderDecisions stable-partitions into [closes, opens, others] so a close
// intended to make room always lands before the open that needs it.
func orderDecisions(decisions []decision.Decision) []decision.Decision {
	ordered := make([]decision.Decision, 0, len(decisions))
	for _, d := range decisions {
		if d.Action == decision.ActionCloseLong || d.Action == decision.ActionCloseShort {
			ordered = append(ordered, d)
		}
	}
	for _, d := range decisions {
		if d.Action == decision.ActionOpenLong || d.Action == decision.ActionOpenShort {
			ordered = append(ordered, d)
		}
	}
	for _, d := range decisions {
		switch d.Action {
		case decision.ActionCloseLong, decision.ActionCloseShort, decision.ActionOpenLong, decision.ActionOpenShort:
		default:
			ordered = append(ordered, d)
		}
	}
	return ordered
}

func positionKey(symbol, side string) string {
	return symbol + "_" + side
}
