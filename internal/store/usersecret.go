package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// UserCookies is the durable record of a user's media-source authentication
// artifact. Cookies is treated as an opaque blob by every component above
// this store — the core never parses cookie content.
type UserCookies struct {
	TeamID    string
	UserID    string
	Cookies   []byte
	UpdatedAt time.Time
}

// UserSettings is the durable record of a user's recognized preferences.
// Unknown keys are preserved but never interpreted by this store or by any
// caller above it.
type UserSettings struct {
	TeamID    string
	UserID    string
	Settings  map[string]any
	UpdatedAt time.Time
}

// Recognized setting keys, per the specification's data model. Keys outside
// this set are preserved in Settings but never interpreted.
const (
	SettingPreferredLanguage = "preferred_language"
	SettingWhisperModel      = "whisper_model"
	SettingIncludeTimestamps = "include_timestamps"
	SettingAllowLocalWhisper = "allow_local_whisper"
)

// PutUserCookies upserts a user's cookie jar, sealing it before it touches
// disk.
func (s *Store) PutUserCookies(c UserCookies) error {
	sealed, err := s.box.Seal(c.Cookies)
	if err != nil {
		return fmt.Errorf("store: seal cookies: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO user_cookies (team_id, user_id, cookies, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(team_id, user_id) DO UPDATE SET
			cookies = excluded.cookies,
			updated_at = excluded.updated_at
	`, c.TeamID, c.UserID, sealed, nowRFC3339())
	if err != nil {
		return fmt.Errorf("store: put user_cookies (%s,%s): %w", c.TeamID, c.UserID, err)
	}
	return nil
}

// GetUserCookies returns the decrypted cookie jar for (teamID, userID).
func (s *Store) GetUserCookies(teamID, userID string) (UserCookies, error) {
	var sealed []byte
	var updatedAt string
	err := s.db.QueryRow(`
		SELECT cookies, updated_at FROM user_cookies WHERE team_id = ? AND user_id = ?
	`, teamID, userID).Scan(&sealed, &updatedAt)
	if err == sql.ErrNoRows {
		return UserCookies{}, ErrNotFound
	}
	if err != nil {
		return UserCookies{}, fmt.Errorf("store: get user_cookies (%s,%s): %w", teamID, userID, err)
	}
	plain, err := s.box.Open(sealed)
	if err != nil {
		return UserCookies{}, fmt.Errorf("store: open user_cookies (%s,%s): %w", teamID, userID, err)
	}
	ts, _ := time.Parse(time.RFC3339Nano, updatedAt)
	return UserCookies{TeamID: teamID, UserID: userID, Cookies: plain, UpdatedAt: ts}, nil
}

// DeleteUserCookies removes a user's stored cookie jar.
func (s *Store) DeleteUserCookies(teamID, userID string) error {
	res, err := s.db.Exec(`DELETE FROM user_cookies WHERE team_id = ? AND user_id = ?`, teamID, userID)
	if err != nil {
		return fmt.Errorf("store: delete user_cookies (%s,%s): %w", teamID, userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PutUserSettings upserts a user's settings map, sealing the JSON-encoded
// blob before it touches disk.
func (s *Store) PutUserSettings(rec UserSettings) error {
	raw, err := json.Marshal(rec.Settings)
	if err != nil {
		return fmt.Errorf("store: marshal settings: %w", err)
	}
	sealed, err := s.box.Seal(raw)
	if err != nil {
		return fmt.Errorf("store: seal settings: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO user_settings (team_id, user_id, settings, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(team_id, user_id) DO UPDATE SET
			settings = excluded.settings,
			updated_at = excluded.updated_at
	`, rec.TeamID, rec.UserID, sealed, nowRFC3339())
	if err != nil {
		return fmt.Errorf("store: put user_settings (%s,%s): %w", rec.TeamID, rec.UserID, err)
	}
	return nil
}

// GetUserSettings returns the decrypted settings map for (teamID, userID).
// Returns an empty, zero-value map (not an error) when no settings have
// ever been saved for that user — settings are optional.
func (s *Store) GetUserSettings(teamID, userID string) (UserSettings, error) {
	var sealed []byte
	var updatedAt string
	err := s.db.QueryRow(`
		SELECT settings, updated_at FROM user_settings WHERE team_id = ? AND user_id = ?
	`, teamID, userID).Scan(&sealed, &updatedAt)
	if err == sql.ErrNoRows {
		return UserSettings{TeamID: teamID, UserID: userID, Settings: map[string]any{}}, nil
	}
	if err != nil {
		return UserSettings{}, fmt.Errorf("store: get user_settings (%s,%s): %w", teamID, userID, err)
	}
	plain, err := s.box.Open(sealed)
	if err != nil {
		return UserSettings{}, fmt.Errorf("store: open user_settings (%s,%s): %w", teamID, userID, err)
	}
	var settings map[string]any
	if err := json.Unmarshal(plain, &settings); err != nil {
		return UserSettings{}, fmt.Errorf("store: unmarshal settings (%s,%s): %w", teamID, userID, err)
	}
	ts, _ := time.Parse(time.RFC3339Nano, updatedAt)
	return UserSettings{TeamID: teamID, UserID: userID, Settings: settings, UpdatedAt: ts}, nil
}

// DeleteUserSettings removes a user's stored settings.
func (s *Store) DeleteUserSettings(teamID, userID string) error {
	res, err := s.db.Exec(`DELETE FROM user_settings WHERE team_id = ? AND user_id = ?`, teamID, userID)
	if err != nil {
		return fmt.Errorf("store: delete user_settings (%s,%s): %w", teamID, userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
