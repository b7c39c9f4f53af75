package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/user/groupbot/internal/apperror"
)

type presetRow struct {
	Session     string        `db:"session"`
	GroupID     string        `db:"group_id"`
	Enabled     sql.NullBool  `db:"enabled"`
	Threshold   sql.NullInt64 `db:"threshold"`
	CooldownSec sql.NullInt64 `db:"cooldown_sec"`
	RotateIndex int           `db:"rotate_index"`
	TemplateID  sql.NullInt64 `db:"template_id"`
	Messages    string        `db:"messages"`
	UpdatedAt   time.Time     `db:"updated_at"`
}

func (r *presetRow) toPreset() (*Preset, error) {
	p := &Preset{
		GroupID:     r.GroupID,
		RotateIndex: r.RotateIndex,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.Enabled.Valid {
		v := r.Enabled.Bool
		p.Enabled = &v
	}
	if r.Threshold.Valid {
		v := int(r.Threshold.Int64)
		p.Threshold = &v
	}
	if r.CooldownSec.Valid {
		v := int(r.CooldownSec.Int64)
		p.CooldownSec = &v
	}
	if r.TemplateID.Valid {
		v := r.TemplateID.Int64
		p.TemplateID = &v
	}
	if err := json.Unmarshal([]byte(r.Messages), &p.Messages); err != nil {
		return nil, fmt.Errorf("failed to decode preset messages: %w", err)
	}
	return p, nil
}

// Preset returns the group's preset, or nil when none is stored.
func (s *SessionStore) Preset(ctx context.Context, groupID string) (*Preset, error) {
	return s.preset(ctx, s.db, groupID)
}

func (s *SessionStore) preset(ctx context.Context, q queryer, groupID string) (*Preset, error) {
	var row presetRow
	err := q.GetContext(ctx, &row, `SELECT * FROM group_presets WHERE session = ? AND group_id = ?`, s.session, groupID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get preset: %w", err)
	}
	return row.toPreset()
}

// Presets returns all presets of the session.
func (s *SessionStore) Presets(ctx context.Context) ([]Preset, error) {
	var rows []presetRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM group_presets WHERE session = ? ORDER BY group_id`, s.session); err != nil {
		return nil, fmt.Errorf("failed to list presets: %w", err)
	}

	presets := make([]Preset, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toPreset()
		if err != nil {
			return nil, err
		}
		presets = append(presets, *p)
	}
	return presets, nil
}

// SetPreset creates or partially updates a group preset. A stored template
// reference that no longer resolves is cleared unless the update sets a
// new one.
func (s *SessionStore) SetPreset(ctx context.Context, groupID string, u PresetUpdate) (*Preset, error) {
	if v := u.Threshold.value; u.Threshold.set && v != nil && *v < 1 {
		return nil, apperror.NewValidation("threshold must be at least 1")
	}
	if v := u.CooldownSec.value; u.CooldownSec.set && v != nil && *v < 0 {
		return nil, apperror.NewValidation("cooldown must not be negative")
	}
	if u.RotateIndex != nil && *u.RotateIndex < 0 {
		return nil, apperror.NewValidation("rotate index must not be negative")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := s.preset(ctx, tx, groupID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		current = &Preset{GroupID: groupID, Messages: []SnapshotMessage{}}
	}

	templateID := u.TemplateID.apply(current.TemplateID)
	if templateID != nil {
		ok, err := s.templateExists(ctx, tx, *templateID)
		if err != nil {
			return nil, err
		}
		switch {
		case ok:
		case u.TemplateID.set:
			return nil, apperror.NewValidation(fmt.Sprintf("template %d does not exist", *templateID))
		default:
			templateID = nil
		}
	}

	messages := current.Messages
	if u.Messages != nil {
		messages = sanitizeSnapshot(*u.Messages)
	}
	messagesJSON, err := json.Marshal(messages)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal preset messages: %w", err)
	}

	rotate := current.RotateIndex
	if u.RotateIndex != nil {
		rotate = *u.RotateIndex
	}

	query := `
		INSERT INTO group_presets (session, group_id, enabled, threshold, cooldown_sec, rotate_index, template_id, messages, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session, group_id) DO UPDATE SET
			enabled = excluded.enabled,
			threshold = excluded.threshold,
			cooldown_sec = excluded.cooldown_sec,
			rotate_index = excluded.rotate_index,
			template_id = excluded.template_id,
			messages = excluded.messages,
			updated_at = excluded.updated_at
	`
	_, err = tx.ExecContext(ctx, query,
		s.session,
		groupID,
		nullBool(u.Enabled.apply(current.Enabled)),
		nullInt(u.Threshold.apply(current.Threshold)),
		nullInt(u.CooldownSec.apply(current.CooldownSec)),
		rotate,
		nullInt64(templateID),
		string(messagesJSON),
		s.now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to save preset: %w", err)
	}

	saved, err := s.preset(ctx, tx, groupID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit preset: %w", err)
	}
	return saved, nil
}

// BumpRotateIndex stores the next snapshot index for a group.
func (s *SessionStore) BumpRotateIndex(ctx context.Context, groupID string, next int) error {
	if next < 0 {
		next = 0
	}
	query := `UPDATE group_presets SET rotate_index = ? WHERE session = ? AND group_id = ?`
	if _, err := s.db.ExecContext(ctx, query, next, s.session, groupID); err != nil {
		return fmt.Errorf("failed to bump rotate index: %w", err)
	}
	return nil
}

func sanitizeSnapshot(in []SnapshotMessage) []SnapshotMessage {
	out := make([]SnapshotMessage, 0, len(in))
	for _, m := range in {
		clean := SnapshotMessage{Text: strings.TrimSpace(m.Text), Media: m.Media.trimmed()}
		if clean.IsEmpty() {
			continue
		}
		out = append(out, clean)
	}
	return out
}
