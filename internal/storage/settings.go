package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/user/groupbot/internal/apperror"
)

type settingsRow struct {
	Session          string        `db:"session"`
	Enabled          bool          `db:"enabled"`
	Threshold        int           `db:"threshold"`
	TextMessage      string        `db:"text_message"`
	SendToAll        bool          `db:"send_to_all"`
	SelectedGroups   string        `db:"selected_groups"`
	ImagePath        string        `db:"image_path"`
	AudioPath        string        `db:"audio_path"`
	VideoPath        string        `db:"video_path"`
	RandomMode       bool          `db:"random_mode"`
	GlobalTemplateID sql.NullInt64 `db:"global_template_id"`
	UpdatedAt        time.Time     `db:"updated_at"`
}

func (r *settingsRow) toSettings() (*Settings, error) {
	s := &Settings{
		Enabled:     r.Enabled,
		Threshold:   r.Threshold,
		TextMessage: r.TextMessage,
		SendToAll:   r.SendToAll,
		Media:       Media{ImagePath: r.ImagePath, AudioPath: r.AudioPath, VideoPath: r.VideoPath},
		RandomMode:  r.RandomMode,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.GlobalTemplateID.Valid {
		id := r.GlobalTemplateID.Int64
		s.GlobalTemplateID = &id
	}
	if err := json.Unmarshal([]byte(r.SelectedGroups), &s.SelectedGroups); err != nil {
		return nil, fmt.Errorf("failed to decode selected groups: %w", err)
	}
	if s.Threshold < 1 {
		s.Threshold = DefaultThreshold
	}
	return s, nil
}

// Settings returns the session's settings, creating the row on first access.
func (s *SessionStore) Settings(ctx context.Context) (*Settings, error) {
	return s.settings(ctx, s.db)
}

type queryer interface {
	sqlx.ExecerContext
	sqlx.QueryerContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

func (s *SessionStore) settings(ctx context.Context, q queryer) (*Settings, error) {
	if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO settings (session) VALUES (?)`, s.session); err != nil {
		return nil, fmt.Errorf("failed to create settings: %w", err)
	}

	var row settingsRow
	if err := q.GetContext(ctx, &row, `SELECT * FROM settings WHERE session = ?`, s.session); err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}
	return row.toSettings()
}

// UpdateSettings applies fn to the current settings and stores the result
// in one transaction. Nothing is written when fn or validation fails.
func (s *SessionStore) UpdateSettings(ctx context.Context, fn func(*Settings) error) (*Settings, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := s.settings(ctx, tx)
	if err != nil {
		return nil, err
	}
	if err := fn(current); err != nil {
		return nil, err
	}

	if current.Threshold < 1 {
		return nil, apperror.NewValidation("threshold must be at least 1")
	}
	if current.GlobalTemplateID != nil {
		ok, err := s.templateExists(ctx, tx, *current.GlobalTemplateID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, apperror.NewValidation(fmt.Sprintf("template %d does not exist", *current.GlobalTemplateID))
		}
	}

	groups := dedupe(current.SelectedGroups)
	groupsJSON, err := json.Marshal(groups)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal selected groups: %w", err)
	}
	media := current.Media.trimmed()

	query := `
		UPDATE settings SET
			enabled = ?,
			threshold = ?,
			text_message = ?,
			send_to_all = ?,
			selected_groups = ?,
			image_path = ?,
			audio_path = ?,
			video_path = ?,
			random_mode = ?,
			global_template_id = ?,
			updated_at = ?
		WHERE session = ?
	`
	_, err = tx.ExecContext(ctx, query,
		current.Enabled,
		current.Threshold,
		current.TextMessage,
		current.SendToAll,
		string(groupsJSON),
		media.ImagePath,
		media.AudioPath,
		media.VideoPath,
		current.RandomMode,
		nullInt64(current.GlobalTemplateID),
		s.now().UTC(),
		s.session,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update settings: %w", err)
	}

	updated, err := s.settings(ctx, tx)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit settings: %w", err)
	}
	return updated, nil
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullBool(v *bool) sql.NullBool {
	if v == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *v, Valid: true}
}
