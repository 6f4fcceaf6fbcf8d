package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Trader is one per-user trader row. Field semantics follow the
// configuration contract consumed by the supervisor.
type Trader struct {
	ID                   string    `json:"id"`
	UserID               string    `json:"user_id"`
	Name                 string    `json:"name"`
	AIModelID            string    `json:"ai_model_id"`
	ExchangeID           string    `json:"exchange_id"`
	Enabled              bool      `json:"enabled"`
	InitialBalance       float64   `json:"initial_balance"`
	ScanIntervalMinutes  int       `json:"scan_interval_minutes"`
	BTCETHLeverage       int       `json:"btc_eth_leverage"`
	AltcoinLeverage      int       `json:"altcoin_leverage"`
	TradingSymbols       string    `json:"trading_symbols"` // comma-separated override
	SystemPromptTemplate string    `json:"system_prompt_template"`
	CustomPrompt         string    `json:"custom_prompt"`
	OverrideBasePrompt   bool      `json:"override_base_prompt"`
	IsCrossMargin        bool      `json:"is_cross_margin"`
	UseCoinPool          bool      `json:"use_coin_pool"`
	UseOITop             bool      `json:"use_oi_top"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// TraderStore handles trader persistence
type TraderStore struct{}

func NewTraderStore() *TraderStore {
	return &TraderStore{}
}

const traderColumns = `id, user_id, name, ai_model_id, exchange_id, enabled,
	initial_balance, scan_interval_minutes, btc_eth_leverage, altcoin_leverage,
	trading_symbols, system_prompt_template, custom_prompt, override_base_prompt,
	is_cross_margin, use_coin_pool, use_oi_top, created_at, updated_at`

func scanTrader(row interface{ Scan(...any) error }) (*Trader, error) {
	var t Trader
	err := row.Scan(
		&t.ID, &t.UserID, &t.Name, &t.AIModelID, &t.ExchangeID, &t.Enabled,
		&t.InitialBalance, &t.ScanIntervalMinutes, &t.BTCETHLeverage, &t.AltcoinLeverage,
		&t.TradingSymbols, &t.SystemPromptTemplate, &t.CustomPrompt, &t.OverrideBasePrompt,
		&t.IsCrossMargin, &t.UseCoinPool, &t.UseOITop, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *TraderStore) Create(t *Trader) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.UserID == "" {
		t.UserID = "default"
	}
	if t.ScanIntervalMinutes <= 0 {
		t.ScanIntervalMinutes = 3
	}
	if t.SystemPromptTemplate == "" {
		t.SystemPromptTemplate = "default"
	}

	_, err := db.Exec(`INSERT INTO traders (
		id, user_id, name, ai_model_id, exchange_id, enabled,
		initial_balance, scan_interval_minutes, btc_eth_leverage, altcoin_leverage,
		trading_symbols, system_prompt_template, custom_prompt, override_base_prompt,
		is_cross_margin, use_coin_pool, use_oi_top
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Name, t.AIModelID, t.ExchangeID, t.Enabled,
		t.InitialBalance, t.ScanIntervalMinutes, t.BTCETHLeverage, t.AltcoinLeverage,
		t.TradingSymbols, t.SystemPromptTemplate, t.CustomPrompt, t.OverrideBasePrompt,
		t.IsCrossMargin, t.UseCoinPool, t.UseOITop,
	)
	if err != nil {
		return fmt.Errorf("failed to create trader: %w", err)
	}
	return nil
}

func (s *TraderStore) Get(id string) (*Trader, error) {
	row := db.QueryRow(`SELECT `+traderColumns+` FROM traders WHERE id = ?`, id)
	t, err := scanTrader(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("trader not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trader: %w", err)
	}
	return t, nil
}

func (s *TraderStore) ListByUser(userID string) ([]*Trader, error) {
	rows, err := db.Query(`SELECT `+traderColumns+` FROM traders WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list traders: %w", err)
	}
	defer rows.Close()

	var traders []*Trader
	for rows.Next() {
		t, err := scanTrader(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trader: %w", err)
		}
		traders = append(traders, t)
	}
	return traders, rows.Err()
}

func (s *TraderStore) Update(t *Trader) error {
	_, err := db.Exec(`UPDATE traders SET
		name = ?, ai_model_id = ?, exchange_id = ?, enabled = ?,
		initial_balance = ?, scan_interval_minutes = ?, btc_eth_leverage = ?, altcoin_leverage = ?,
		trading_symbols = ?, system_prompt_template = ?, custom_prompt = ?, override_base_prompt = ?,
		is_cross_margin = ?, use_coin_pool = ?, use_oi_top = ?,
		updated_at = CURRENT_TIMESTAMP
	WHERE id = ?`,
		t.Name, t.AIModelID, t.ExchangeID, t.Enabled,
		t.InitialBalance, t.ScanIntervalMinutes, t.BTCETHLeverage, t.AltcoinLeverage,
		t.TradingSymbols, t.SystemPromptTemplate, t.CustomPrompt, t.OverrideBasePrompt,
		t.IsCrossMargin, t.UseCoinPool, t.UseOITop,
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update trader: %w", err)
	}
	return nil
}

func (s *TraderStore) Delete(id string) error {
	_, err := db.Exec(`DELETE FROM traders WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete trader: %w", err)
	}
	return nil
}
