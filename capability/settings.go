package capability

import (
	"database/sql"
	"errors"
	"fmt"
)

// SettingsStore persists plugin settings in the host database, namespaced by
// plugin id so one plugin can never read or clobber another's keys.
type SettingsStore struct {
	db *sql.DB
}

// NewSettingsStore creates the store and its backing table if missing.
func NewSettingsStore(db *sql.DB) (*SettingsStore, error) {
	if db == nil {
		return nil, errors.New("capability: settings store requires a database")
	}
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS plugin_settings (
		plugin_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (plugin_id, key)
	)`)
	if err != nil {
		return nil, fmt.Errorf("create plugin_settings table: %w", err)
	}
	return &SettingsStore{db: db}, nil
}

// Namespace returns the settings view for a single plugin id.
func (s *SettingsStore) Namespace(pluginID string) *Settings {
	return &Settings{store: s, pluginID: pluginID}
}

// DeleteNamespace removes every setting owned by a plugin. Called on Unload.
func (s *SettingsStore) DeleteNamespace(pluginID string) error {
	_, err := s.db.Exec(`DELETE FROM plugin_settings WHERE plugin_id = ?`, pluginID)
	if err != nil {
		return fmt.Errorf("delete settings for %q: %w", pluginID, err)
	}
	return nil
}

// Settings is a per-plugin key/value view over the shared store.
type Settings struct {
	store    *SettingsStore
	pluginID string
}

// Get returns the value for key and whether it exists.
func (s *Settings) Get(key string) (string, bool, error) {
	var value string
	err := s.store.db.QueryRow(
		`SELECT value FROM plugin_settings WHERE plugin_id = ? AND key = ?`,
		s.pluginID, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %q: %w", key, err)
	}
	return value, true, nil
}

// Set stores a value for key, replacing any previous value.
func (s *Settings) Set(key, value string) error {
	_, err := s.store.db.Exec(
		`INSERT INTO plugin_settings (plugin_id, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(plugin_id, key) DO UPDATE SET value = excluded.value`,
		s.pluginID, key, value,
	)
	if err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}
	return nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (s *Settings) Delete(key string) error {
	_, err := s.store.db.Exec(
		`DELETE FROM plugin_settings WHERE plugin_id = ? AND key = ?`,
		s.pluginID, key,
	)
	if err != nil {
		return fmt.Errorf("delete setting %q: %w", key, err)
	}
	return nil
}

// All returns every key/value pair in the plugin's namespace.
func (s *Settings) All() (map[string]string, error) {
	rows, err := s.store.db.Query(
		`SELECT key, value FROM plugin_settings WHERE plugin_id = ?`, s.pluginID,
	)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan setting row: %w", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate setting rows: %w", err)
	}
	return out, nil
}
