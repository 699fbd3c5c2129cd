package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Workspace is a durable record of a chat-platform tenant's credentials.
// BotToken, SigningSecret, and AppToken are held decrypted only for the
// lifetime of this struct in memory; at rest they are sealed via
// [secretbox.Box].
type Workspace struct {
	TeamID        string
	TeamName      string
	BotToken      string
	SigningSecret string
	AppToken      string // empty when not configured
	Active        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PutWorkspace upserts a workspace record, sealing its secret fields and
// setting UpdatedAt. CreatedAt is preserved across updates by re-reading
// the existing row's created_at when present.
func (s *Store) PutWorkspace(w Workspace) error {
	botToken, err := s.box.Seal([]byte(w.BotToken))
	if err != nil {
		return fmt.Errorf("store: seal bot_token: %w", err)
	}
	signingSecret, err := s.box.Seal([]byte(w.SigningSecret))
	if err != nil {
		return fmt.Errorf("store: seal signing_secret: %w", err)
	}
	var appToken any
	if w.AppToken != "" {
		sealed, err := s.box.Seal([]byte(w.AppToken))
		if err != nil {
			return fmt.Errorf("store: seal app_token: %w", err)
		}
		appToken = sealed
	}

	createdAt := w.CreatedAt
	if createdAt.IsZero() {
		if existing, err := s.GetWorkspace(w.TeamID); err == nil {
			createdAt = existing.CreatedAt
		} else {
			createdAt = time.Now().UTC()
		}
	}

	_, err = s.db.Exec(`
		INSERT INTO workspaces (team_id, team_name, bot_token, signing_secret, app_token, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(team_id) DO UPDATE SET
			team_name = excluded.team_name,
			bot_token = excluded.bot_token,
			signing_secret = excluded.signing_secret,
			app_token = excluded.app_token,
			active = excluded.active,
			updated_at = excluded.updated_at
	`, w.TeamID, w.TeamName, botToken, signingSecret, appToken, w.Active, createdAt.Format(time.RFC3339Nano), nowRFC3339())
	if err != nil {
		return fmt.Errorf("store: put workspace %q: %w", w.TeamID, err)
	}
	return nil
}

// GetWorkspace returns the decrypted workspace for teamID. Returns
// ErrNotFound if no such row exists, or [errs.AuthFailure] (wrapped) if any
// sealed field fails to open.
func (s *Store) GetWorkspace(teamID string) (Workspace, error) {
	row := s.db.QueryRow(`
		SELECT team_id, team_name, bot_token, signing_secret, app_token, active, created_at, updated_at
		FROM workspaces WHERE team_id = ?`, teamID)
	return scanWorkspace(row, s.box)
}

// ListWorkspaces returns every workspace row. When activeOnly is true, only
// workspaces with active=true are returned.
func (s *Store) ListWorkspaces(activeOnly bool) ([]Workspace, error) {
	query := `SELECT team_id, team_name, bot_token, signing_secret, app_token, active, created_at, updated_at FROM workspaces`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("store: list workspaces: %w", err)
	}
	defer rows.Close()

	var out []Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows, s.box)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// DeactivateWorkspace marks a workspace inactive without deleting it,
// retaining it for audit per the specification's Workspace lifecycle.
func (s *Store) DeactivateWorkspace(teamID string) error {
	res, err := s.db.Exec(`UPDATE workspaces SET active = 0, updated_at = ? WHERE team_id = ?`, nowRFC3339(), teamID)
	if err != nil {
		return fmt.Errorf("store: deactivate workspace %q: %w", teamID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteWorkspace hard-removes a workspace row. Reserved for admin use.
func (s *Store) DeleteWorkspace(teamID string) error {
	res, err := s.db.Exec(`DELETE FROM workspaces WHERE team_id = ?`, teamID)
	if err != nil {
		return fmt.Errorf("store: delete workspace %q: %w", teamID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// scanner abstracts over *sql.Row and *sql.Rows for shared scan logic.
type scanner interface {
	Scan(dest ...any) error
}

func scanWorkspace(row scanner, box interface {
	Open([]byte) ([]byte, error)
}) (Workspace, error) {
	var (
		w                       Workspace
		botToken, signingSecret []byte
		appToken                []byte
		active                  bool
		createdAt, updatedAt    string
	)
	if err := row.Scan(&w.TeamID, &w.TeamName, &botToken, &signingSecret, &appToken, &active, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return Workspace{}, ErrNotFound
		}
		return Workspace{}, fmt.Errorf("store: scan workspace: %w", err)
	}

	plainBot, err := box.Open(botToken)
	if err != nil {
		return Workspace{}, fmt.Errorf("store: open bot_token: %w", err)
	}
	plainSigning, err := box.Open(signingSecret)
	if err != nil {
		return Workspace{}, fmt.Errorf("store: open signing_secret: %w", err)
	}
	if len(appToken) > 0 {
		plainApp, err := box.Open(appToken)
		if err != nil {
			return Workspace{}, fmt.Errorf("store: open app_token: %w", err)
		}
		w.AppToken = string(plainApp)
	}

	w.BotToken = string(plainBot)
	w.SigningSecret = string(plainSigning)
	w.Active = active
	w.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	w.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return w, nil
}
