package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Exchange is a venue credentials row referenced by traders.exchange_id.
type Exchange struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Exchange  string    `json:"exchange"` // venue adapter id, e.g. "binance"
	APIKey    string    `json:"api_key"`
	SecretKey string    `json:"secret_key"`
	Testnet   bool      `json:"testnet"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

type ExchangeStore struct{}

func NewExchangeStore() *ExchangeStore {
	return &ExchangeStore{}
}

func (s *ExchangeStore) Create(e *Exchange) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.UserID == "" {
		e.UserID = "default"
	}
	if e.Exchange == "" {
		e.Exchange = "binance"
	}
	_, err := db.Exec(`INSERT INTO exchanges (id, user_id, name, exchange, api_key, secret_key, testnet, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.Name, e.Exchange, e.APIKey, e.SecretKey, e.Testnet, e.Enabled)
	if err != nil {
		return fmt.Errorf("failed to create exchange: %w", err)
	}
	return nil
}

func (s *ExchangeStore) Get(id string) (*Exchange, error) {
	var e Exchange
	err := db.QueryRow(`SELECT id, user_id, name, exchange, api_key, secret_key, testnet, enabled, created_at
		FROM exchanges WHERE id = ?`, id).
		Scan(&e.ID, &e.UserID, &e.Name, &e.Exchange, &e.APIKey, &e.SecretKey, &e.Testnet, &e.Enabled, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("exchange not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get exchange: %w", err)
	}
	return &e, nil
}

func (s *ExchangeStore) ListByUser(userID string) ([]*Exchange, error) {
	rows, err := db.Query(`SELECT id, user_id, name, exchange, api_key, secret_key, testnet, enabled, created_at
		FROM exchanges WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list exchanges: %w", err)
	}
	defer rows.Close()

	var exchanges []*Exchange
	for rows.Next() {
		var e Exchange
		if err := rows.Scan(&e.ID, &e.UserID, &e.Name, &e.Exchange, &e.APIKey, &e.SecretKey, &e.Testnet, &e.Enabled, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan exchange: %w", err)
		}
		exchanges = append(exchanges, &e)
	}
	return exchanges, rows.Err()
}

func (s *ExchangeStore) Delete(id string) error {
	_, err := db.Exec(`DELETE FROM exchanges WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete exchange: %w", err)
	}
	return nil
}
