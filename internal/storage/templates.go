package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/user/groupbot/internal/apperror"
)

const templateColumns = `id, name, text, image_path, audio_path, video_path, created_at, updated_at`

// Templates returns all templates of the session ordered by id.
func (s *SessionStore) Templates(ctx context.Context) ([]Template, error) {
	var templates []Template
	query := `SELECT ` + templateColumns + ` FROM templates WHERE session = ? ORDER BY id ASC`
	if err := s.db.SelectContext(ctx, &templates, query, s.session); err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	return templates, nil
}

// ContentTemplates returns the templates that have text or media.
func (s *SessionStore) ContentTemplates(ctx context.Context) ([]Template, error) {
	all, err := s.Templates(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, t := range all {
		if t.HasContent() {
			out = append(out, t)
		}
	}
	return out, nil
}

// Template returns a template by id, or nil when it does not exist.
func (s *SessionStore) Template(ctx context.Context, id int64) (*Template, error) {
	var t Template
	query := `SELECT ` + templateColumns + ` FROM templates WHERE session = ? AND id = ?`
	err := s.db.GetContext(ctx, &t, query, s.session, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	return &t, nil
}

// TemplateExists reports whether a template id resolves in this session.
func (s *SessionStore) TemplateExists(ctx context.Context, id int64) (bool, error) {
	return s.templateExists(ctx, s.db, id)
}

func (s *SessionStore) templateExists(ctx context.Context, q queryer, id int64) (bool, error) {
	var n int
	err := q.GetContext(ctx, &n, `SELECT COUNT(1) FROM templates WHERE session = ? AND id = ?`, s.session, id)
	if err != nil {
		return false, fmt.Errorf("failed to check template: %w", err)
	}
	return n > 0, nil
}

// CreateTemplate validates and stores a new template.
func (s *SessionStore) CreateTemplate(ctx context.Context, in TemplateInput) (*Template, error) {
	name := strings.TrimSpace(in.Name)
	text := strings.TrimSpace(in.Text)
	if err := validateTemplate(name, text); err != nil {
		return nil, err
	}
	media := in.Media.trimmed()
	now := s.now().UTC()

	query := `
		INSERT INTO templates (session, name, text, image_path, audio_path, video_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query, s.session, name, text, media.ImagePath, media.AudioPath, media.VideoPath, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create template: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.Template(ctx, id)
}

// UpdateTemplate applies a partial update to a template.
func (s *SessionStore) UpdateTemplate(ctx context.Context, id int64, u TemplateUpdate) (*Template, error) {
	current, err := s.Template(ctx, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, apperror.NewNotFound(fmt.Sprintf("template %d not found", id))
	}

	next := *current
	if u.Name != nil {
		next.Name = strings.TrimSpace(*u.Name)
	}
	if u.Text != nil {
		next.Text = strings.TrimSpace(*u.Text)
	}
	if u.ImagePath != nil {
		next.ImagePath = strings.TrimSpace(*u.ImagePath)
	}
	if u.AudioPath != nil {
		next.AudioPath = strings.TrimSpace(*u.AudioPath)
	}
	if u.VideoPath != nil {
		next.VideoPath = strings.TrimSpace(*u.VideoPath)
	}
	if err := validateTemplate(next.Name, next.Text); err != nil {
		return nil, err
	}

	query := `
		UPDATE templates SET
			name = ?, text = ?, image_path = ?, audio_path = ?, video_path = ?, updated_at = ?
		WHERE session = ? AND id = ?
	`
	_, err = s.db.ExecContext(ctx, query,
		next.Name, next.Text, next.ImagePath, next.AudioPath, next.VideoPath, s.now().UTC(), s.session, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update template: %w", err)
	}
	return s.Template(ctx, id)
}

// DeleteTemplate removes a template and clears every reference to it.
func (s *SessionStore) DeleteTemplate(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `DELETE FROM templates WHERE session = ? AND id = ?`, s.session, id)
	if err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return apperror.NewNotFound(fmt.Sprintf("template %d not found", id))
	}

	if err := s.clearTemplateReferences(ctx, tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

// ClearTemplateReferences nulls out every preset and settings reference to
// the template id.
func (s *SessionStore) ClearTemplateReferences(ctx context.Context, id int64) error {
	return s.clearTemplateReferences(ctx, s.db, id)
}

func (s *SessionStore) clearTemplateReferences(ctx context.Context, q queryer, id int64) error {
	if _, err := q.ExecContext(ctx,
		`UPDATE group_presets SET template_id = NULL WHERE session = ? AND template_id = ?`, s.session, id); err != nil {
		return fmt.Errorf("failed to clear preset references: %w", err)
	}
	if _, err := q.ExecContext(ctx,
		`UPDATE settings SET global_template_id = NULL WHERE session = ? AND global_template_id = ?`, s.session, id); err != nil {
		return fmt.Errorf("failed to clear settings reference: %w", err)
	}
	return nil
}

func validateTemplate(name, text string) error {
	switch {
	case name == "":
		return apperror.NewValidation("template name is required")
	case utf8.RuneCountInString(name) > MaxTemplateName:
		return apperror.NewValidation(fmt.Sprintf("template name must be at most %d characters", MaxTemplateName))
	case text == "":
		return apperror.NewValidation("template text is required")
	case utf8.RuneCountInString(text) > MaxTemplateText:
		return apperror.NewValidation(fmt.Sprintf("template text must be at most %d characters", MaxTemplateText))
	}
	return nil
}
