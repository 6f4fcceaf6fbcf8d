package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AIModel is an LLM configuration row referenced by traders.ai_model_id.
type AIModel struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	Name            string    `json:"name"`
	Provider        string    `json:"provider"` // "openrouter", "deepseek", "qwen", "custom"
	APIKey          string    `json:"api_key"`
	CustomAPIURL    string    `json:"custom_api_url"`
	CustomModelName string    `json:"custom_model_name"`
	Enabled         bool      `json:"enabled"`
	CreatedAt       time.Time `json:"created_at"`
}

type AIModelStore struct{}

func NewAIModelStore() *AIModelStore {
	return &AIModelStore{}
}

func (s *AIModelStore) Create(m *AIModel) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.UserID == "" {
		m.UserID = "default"
	}
	_, err := db.Exec(`INSERT INTO ai_models (id, user_id, name, provider, api_key, custom_api_url, custom_model_name, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.Name, m.Provider, m.APIKey, m.CustomAPIURL, m.CustomModelName, m.Enabled)
	if err != nil {
		return fmt.Errorf("failed to create ai model: %w", err)
	}
	return nil
}

func (s *AIModelStore) Get(id string) (*AIModel, error) {
	var m AIModel
	err := db.QueryRow(`SELECT id, user_id, name, provider, api_key, custom_api_url, custom_model_name, enabled, created_at
		FROM ai_models WHERE id = ?`, id).
		Scan(&m.ID, &m.UserID, &m.Name, &m.Provider, &m.APIKey, &m.CustomAPIURL, &m.CustomModelName, &m.Enabled, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("ai model not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ai model: %w", err)
	}
	return &m, nil
}

func (s *AIModelStore) ListByUser(userID string) ([]*AIModel, error) {
	rows, err := db.Query(`SELECT id, user_id, name, provider, api_key, custom_api_url, custom_model_name, enabled, created_at
		FROM ai_models WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ai models: %w", err)
	}
	defer rows.Close()

	var models []*AIModel
	for rows.Next() {
		var m AIModel
		if err := rows.Scan(&m.ID, &m.UserID, &m.Name, &m.Provider, &m.APIKey, &m.CustomAPIURL, &m.CustomModelName, &m.Enabled, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ai model: %w", err)
		}
		models = append(models, &m)
	}
	return models, rows.Err()
}

func (s *AIModelStore) Delete(id string) error {
	_, err := db.Exec(`DELETE FROM ai_models WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete ai model: %w", err)
	}
	return nil
}
