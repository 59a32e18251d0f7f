package plugin

import (
	"database/sql"
	"fmt"
	"time"
)

// StateStore persists enable/disable state so the host restores plugins
// after a restart.
type StateStore struct {
	db *sql.DB
}

// NewStateStore creates the store and its backing table if missing. A nil
// db yields a store whose operations are no-ops, for hosts running without
// persistence.
func NewStateStore(db *sql.DB) (*StateStore, error) {
	s := &StateStore{db: db}
	if db == nil {
		return s, nil
	}
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS plugin_state (
		id TEXT PRIMARY KEY,
		enabled BOOLEAN NOT NULL DEFAULT 0,
		version TEXT NOT NULL,
		enabled_at TEXT,
		disabled_at TEXT,
		last_error TEXT
	)`)
	if err != nil {
		return nil, fmt.Errorf("create plugin_state table: %w", err)
	}
	return s, nil
}

// SetEnabled records a plugin's enabled flag with a transition timestamp.
func (s *StateStore) SetEnabled(id string, enabled bool, version string) error {
	if s.db == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339)
	var enabledAt, disabledAt any
	if enabled {
		enabledAt = now
	} else {
		disabledAt = now
	}
	_, err := s.db.Exec(`INSERT INTO plugin_state (id, enabled, version, enabled_at, disabled_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			enabled = excluded.enabled,
			version = excluded.version,
			enabled_at = CASE WHEN excluded.enabled_at IS NOT NULL THEN excluded.enabled_at ELSE plugin_state.enabled_at END,
			disabled_at = CASE WHEN excluded.disabled_at IS NOT NULL THEN excluded.disabled_at ELSE plugin_state.disabled_at END`,
		id, enabled, version, enabledAt, disabledAt,
	)
	if err != nil {
		return fmt.Errorf("persist state for %q: %w", id, err)
	}
	return nil
}

// SetError records a plugin's last lifecycle error for operator visibility.
func (s *StateStore) SetError(id, version, message string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.Exec(`INSERT INTO plugin_state (id, enabled, version, last_error)
		VALUES (?, 0, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_error = excluded.last_error`,
		id, version, message,
	)
	if err != nil {
		return fmt.Errorf("persist error for %q: %w", id, err)
	}
	return nil
}

// EnabledIDs returns the ids of plugins recorded as enabled.
func (s *StateStore) EnabledIDs() ([]string, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.Query(`SELECT id FROM plugin_state WHERE enabled = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query plugin_state: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan plugin_state row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plugin_state rows: %w", err)
	}
	return ids, nil
}

// Timestamps returns a plugin's recorded enable/disable times, when present.
func (s *StateStore) Timestamps(id string) (enabledAt, disabledAt string, err error) {
	if s.db == nil {
		return "", "", nil
	}
	var ea, da sql.NullString
	err = s.db.QueryRow(`SELECT enabled_at, disabled_at FROM plugin_state WHERE id = ?`, id).Scan(&ea, &da)
	if err == sql.ErrNoRows {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("query timestamps for %q: %w", id, err)
	}
	return ea.String, da.String, nil
}

// Delete removes a plugin's persisted state. Called on Unload.
func (s *StateStore) Delete(id string) error {
	if s.db == nil {
		return nil
	}
	if _, err := s.db.Exec(`DELETE FROM plugin_state WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete state for %q: %w", id, err)
	}
	return nil
}
