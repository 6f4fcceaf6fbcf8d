package trader

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"tradeflow/config"
	"tradeflow/decision"
	"tradeflow/journal"
	"tradeflow/llm"
	"tradeflow/market"
	"tradeflow/pool"
	"tradeflow/store"
	"tradeflow/venue"
)

const stopDrainTimeout = 10 * time.Second

// Supervisor owns the live trader set. The mutex guards only the maps; it is
// never held across a venue, model, or database call.
type Supervisor struct {
	cfg       *config.Config
	templates *decision.TemplateLibrary
	notifier  Notifier
	log       zerolog.Logger

	traderStore   *store.TraderStore
	modelStore    *store.AIModelStore
	exchangeStore *store.ExchangeStore
	systemStore   *store.SystemConfigStore

	mu      sync.Mutex
	traders map[string]*AutoTrader
	cancels map[string]context.CancelFunc
	dones   map[string]chan struct{}
}

func NewSupervisor(cfg *config.Config, templates *decision.TemplateLibrary, notifier Notifier) *Supervisor {
	return &Supervisor{
		cfg:           cfg,
		templates:     templates,
		notifier:      notifier,
		log:           zlog.With().Str("component", "supervisor").Logger(),
		traderStore:   store.NewTraderStore(),
		modelStore:    store.NewAIModelStore(),
		exchangeStore: store.NewExchangeStore(),
		systemStore:   store.NewSystemConfigStore(),
		traders:       make(map[string]*AutoTrader),
		cancels:       make(map[string]context.CancelFunc),
		dones:         make(map[string]chan struct{}),
	}
}

// Register adds an already-constructed trader. Idempotent on id: a second
// registration of the same id is ignored.
func (s *Supervisor) Register(t *AutoTrader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.traders[t.ID()]; exists {
		return
	}
	s.traders[t.ID()] = t
}

// LoadForUser reads the user's trader rows and registers every enabled one
// whose model and exchange rows are present and enabled. Already-registered
// ids are skipped.
func (s *Supervisor) LoadForUser(userID string) error {
	rows, err := s.traderStore.ListByUser(userID)
	if err != nil {
		return fmt.Errorf("list traders for %s: %w", userID, err)
	}
	s.log.Info().Str("user", userID).Int("rows", len(rows)).Msg("loading traders")

	for _, row := range rows {
		s.mu.Lock()
		_, exists := s.traders[row.ID]
		s.mu.Unlock()
		if exists {
			continue
		}
		if !row.Enabled {
			s.log.Debug().Str("trader", row.Name).Msg("trader disabled, skipping")
			continue
		}

		model, err := s.modelStore.Get(row.AIModelID)
		if err != nil || !model.Enabled {
			s.log.Warn().Str("trader", row.Name).Str("model_id", row.AIModelID).
				Msg("model missing or disabled, skipping trader")
			continue
		}
		exch, err := s.exchangeStore.Get(row.ExchangeID)
		if err != nil || !exch.Enabled {
			s.log.Warn().Str("trader", row.Name).Str("exchange_id", row.ExchangeID).
				Msg("exchange missing or disabled, skipping trader")
			continue
		}

		t, err := s.buildTrader(row, model, exch)
		if err != nil {
			s.log.Error().Err(err).Str("trader", row.Name).Msg("failed to build trader")
			continue
		}
		s.Register(t)
		s.log.Info().Str("trader", row.Name).Str("id", row.ID).Msg("trader registered")
	}
	return nil
}

// buildTrader assembles the full dependency chain for one trader row.
func (s *Supervisor) buildTrader(row *store.Trader, model *store.AIModel, exch *store.Exchange) (*AutoTrader, error) {
	client, err := llm.New(llm.Config{
		Provider:  model.Provider,
		APIKey:    model.APIKey,
		BaseURL:   model.CustomAPIURL,
		ModelName: model.CustomModelName,
		Proxy:     s.cfg.HTTPProxy,
	})
	if err != nil {
		return nil, fmt.Errorf("llm client: %w", err)
	}

	v, err := venue.New(exch.Exchange, venue.Credentials{
		APIKey:    exch.APIKey,
		SecretKey: exch.SecretKey,
		Testnet:   exch.Testnet,
	})
	if err != nil {
		return nil, fmt.Errorf("venue: %w", err)
	}

	coinPoolURL, oiTopURL := s.signalFeeds(row)
	candidates := pool.New(coinPoolURL, oiTopURL, coinPoolURL == "" && oiTopURL == "",
		s.cfg.CacheDir, s.cfg.HTTPProxy)

	fetcher := market.NewFetcher(s.cfg.HTTPProxy)

	var oiStats decision.OIStatsSource
	if row.UseOITop {
		oiStats = candidates
	}
	engine := decision.NewEngine(client, fetcher, oiStats, s.templates)

	jnl, err := journal.New(filepath.Join(s.cfg.LogRoot, row.ID))
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}

	btcEthLev := row.BTCETHLeverage
	if btcEthLev <= 0 {
		btcEthLev = s.cfg.BTCETHLeverage
	}
	altLev := row.AltcoinLeverage
	if altLev <= 0 {
		altLev = s.cfg.AltcoinLeverage
	}

	var symbols []string
	for _, sym := range strings.Split(row.TradingSymbols, ",") {
		if sym = strings.TrimSpace(sym); sym != "" {
			symbols = append(symbols, market.NormalizeSymbol(sym))
		}
	}
	if len(symbols) == 0 && coinPoolURL == "" && oiTopURL == "" {
		// With no feeds and no per-trader list, an operator-configured
		// default set takes precedence over the pool's built-in one.
		symbols = s.DefaultCoins()
	}

	return New(Config{
		ID:                 row.ID,
		Name:               row.Name,
		AIModel:            model.Provider,
		Exchange:           exch.Exchange,
		ScanInterval:       time.Duration(row.ScanIntervalMinutes) * time.Minute,
		InitialBalance:     row.InitialBalance,
		BTCETHLeverage:     btcEthLev,
		AltcoinLeverage:    altLev,
		MaxDailyLossPct:    s.cfg.MaxDailyLossPct,
		StopTradingMinutes: s.stopTradingMinutes(),
		IsCrossMargin:      row.IsCrossMargin,
		TradingSymbols:     symbols,
		PromptTemplate:     row.SystemPromptTemplate,
		CustomPrompt:       row.CustomPrompt,
		OverrideBasePrompt: row.OverrideBasePrompt,
	}, v, engine, fetcher, candidates, jnl, s.notifier)
}

// signalFeeds resolves the feed URLs the row opted into, falling back to the
// process-wide system configuration.
func (s *Supervisor) signalFeeds(row *store.Trader) (coinPoolURL, oiTopURL string) {
	if row.UseCoinPool {
		coinPoolURL, _ = s.systemStore.Get("coin_pool_api_url")
	}
	if row.UseOITop {
		oiTopURL, _ = s.systemStore.Get("oi_top_api_url")
	}
	return coinPoolURL, oiTopURL
}

func (s *Supervisor) stopTradingMinutes() int {
	if raw, err := s.systemStore.Get("stop_trading_minutes"); err == nil && raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return s.cfg.StopTradingMinutes
}

// Start launches one registered trader.
func (s *Supervisor) Start(traderID string) error {
	s.mu.Lock()
	t, ok := s.traders[traderID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("trader not registered: %s", traderID)
	}
	if t.IsRunning() {
		s.mu.Unlock()
		return fmt.Errorf("trader %s is already running", traderID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancels[traderID] = cancel
	s.dones[traderID] = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		if err := t.Run(ctx); err != nil && err != context.Canceled {
			s.log.Error().Err(err).Str("trader", t.Name()).Msg("trader loop exited with error")
		}
	}()
	s.log.Info().Str("trader", t.Name()).Msg("trader started")
	return nil
}

// StartAll launches every registered trader that is not already running.
func (s *Supervisor) StartAll() {
	for _, id := range s.ids() {
		if err := s.Start(id); err != nil {
			s.log.Warn().Err(err).Str("id", id).Msg("start skipped")
		}
	}
}

// Stop signals one trader and waits up to the drain deadline before forcing
// cancellation.
func (s *Supervisor) Stop(traderID string) {
	s.mu.Lock()
	t, ok := s.traders[traderID]
	cancel := s.cancels[traderID]
	done := s.dones[traderID]
	delete(s.cancels, traderID)
	delete(s.dones, traderID)
	s.mu.Unlock()
	if !ok {
		return
	}

	t.Stop()
	s.drain(map[string]chan struct{}{traderID: done}, map[string]context.CancelFunc{traderID: cancel})
	s.log.Info().Str("trader", t.Name()).Msg("trader stopped")
}

// StopAll signals every running trader, then waits with a shared 10 s
// deadline before cancelling the stragglers.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	traders := make([]*AutoTrader, 0, len(s.traders))
	for _, t := range s.traders {
		traders = append(traders, t)
	}
	dones := s.dones
	cancels := s.cancels
	s.dones = make(map[string]chan struct{})
	s.cancels = make(map[string]context.CancelFunc)
	s.mu.Unlock()

	s.log.Info().Int("traders", len(traders)).Msg("stopping all traders")
	for _, t := range traders {
		t.Stop()
	}
	s.drain(dones, cancels)
	s.log.Info().Msg("all traders stopped")
}

func (s *Supervisor) drain(dones map[string]chan struct{}, cancels map[string]context.CancelFunc) {
	deadline := time.Now().Add(stopDrainTimeout)
	for id, done := range dones {
		if done == nil {
			continue
		}
		select {
		case <-done:
			continue
		case <-time.After(time.Until(deadline)):
		}
		s.log.Warn().Str("id", id).Msg("drain deadline reached, cancelling")
		if cancel := cancels[id]; cancel != nil {
			cancel()
		}
		<-done
	}
	for _, cancel := range cancels {
		if cancel != nil {
			cancel()
		}
	}
}

// Get returns a registered trader by id, or nil.
func (s *Supervisor) Get(traderID string) *AutoTrader {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.traders[traderID]
}

// List returns the registered trader ids.
func (s *Supervisor) List() []string {
	return s.ids()
}

// Status returns one trader's status, or nil if not registered.
func (s *Supervisor) Status(traderID string) map[string]interface{} {
	t := s.Get(traderID)
	if t == nil {
		return nil
	}
	return t.Status()
}

// StatusAll returns every registered trader's status.
func (s *Supervisor) StatusAll() []map[string]interface{} {
	s.mu.Lock()
	traders := make([]*AutoTrader, 0, len(s.traders))
	for _, t := range s.traders {
		traders = append(traders, t)
	}
	s.mu.Unlock()

	statuses := make([]map[string]interface{}, 0, len(traders))
	for _, t := range traders {
		statuses = append(statuses, t.Status())
	}
	return statuses
}

func (s *Supervisor) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.traders))
	for id := range s.traders {
		ids = append(ids, id)
	}
	return ids
}

// DefaultCoins parses the optional default_coins JSON list from the system
// configuration.
func (s *Supervisor) DefaultCoins() []string {
	raw, err := s.systemStore.Get("default_coins")
	if err != nil || raw == "" {
		return nil
	}
	var coins []string
	if err := json.Unmarshal([]byte(raw), &coins); err != nil {
		s.log.Warn().Err(err).Msg("malformed default_coins config, ignoring")
		return nil
	}
	return coins
}
