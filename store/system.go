package store

import (
	"database/sql"
	"fmt"
)

// SystemConfigStore holds process-wide key/value settings shared by all
// traders: signal feed URLs, default coin list, leverage caps, pause window.
type SystemConfigStore struct{}

func NewSystemConfigStore() *SystemConfigStore {
	return &SystemConfigStore{}
}

// Get returns the value for key, or "" when the key is absent.
func (s *SystemConfigStore) Get(key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM system_config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get system config %q: %w", key, err)
	}
	return value, nil
}

func (s *SystemConfigStore) Set(key, value string) error {
	_, err := db.Exec(`INSERT INTO system_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set system config %q: %w", key, err)
	}
	return nil
}
