package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertGroup records a group sighting. An empty name never overwrites a
// known one.
func (s *SessionStore) UpsertGroup(ctx context.Context, groupID, name string) error {
	query := `
		INSERT INTO group_counters (session, group_id, group_name, count, last_reset)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(session, group_id) DO UPDATE SET
			group_name = CASE WHEN excluded.group_name = '' THEN group_counters.group_name ELSE excluded.group_name END
	`
	_, err := s.db.ExecContext(ctx, query, s.session, groupID, name, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert group: %w", err)
	}
	return nil
}

// Increment adds one to the group's counter and returns the new value.
func (s *SessionStore) Increment(ctx context.Context, groupID string) (int, error) {
	var count int
	query := `UPDATE group_counters SET count = count + 1 WHERE session = ? AND group_id = ? RETURNING count`
	err := s.db.GetContext(ctx, &count, query, s.session, groupID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("group %s is not registered", groupID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}
	return count, nil
}

// Reset sets the group's counter to zero and stamps last_reset.
func (s *SessionStore) Reset(ctx context.Context, groupID string) error {
	query := `UPDATE group_counters SET count = 0, last_reset = ? WHERE session = ? AND group_id = ?`
	_, err := s.db.ExecContext(ctx, query, s.now().UTC(), s.session, groupID)
	if err != nil {
		return fmt.Errorf("failed to reset counter: %w", err)
	}
	return nil
}

// SetLastSent stamps the group's last send time. A zero t means now.
func (s *SessionStore) SetLastSent(ctx context.Context, groupID string, t time.Time) error {
	if t.IsZero() {
		t = s.now()
	}
	query := `UPDATE group_counters SET last_sent = ? WHERE session = ? AND group_id = ?`
	_, err := s.db.ExecContext(ctx, query, t.UTC(), s.session, groupID)
	if err != nil {
		return fmt.Errorf("failed to set last sent: %w", err)
	}
	return nil
}

// Counter returns a group's counter, or nil when the group is unknown.
func (s *SessionStore) Counter(ctx context.Context, groupID string) (*GroupCounter, error) {
	var c GroupCounter
	query := `
		SELECT group_id, group_name, count, last_reset, last_sent
		FROM group_counters
		WHERE session = ? AND group_id = ?
	`
	err := s.db.GetContext(ctx, &c, query, s.session, groupID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get counter: %w", err)
	}
	return &c, nil
}

// Counters returns all group counters of the session ordered by name.
func (s *SessionStore) Counters(ctx context.Context) ([]GroupCounter, error) {
	var counters []GroupCounter
	query := `
		SELECT group_id, group_name, count, last_reset, last_sent
		FROM group_counters
		WHERE session = ?
		ORDER BY group_name, group_id
	`
	if err := s.db.SelectContext(ctx, &counters, query, s.session); err != nil {
		return nil, fmt.Errorf("failed to list counters: %w", err)
	}
	return counters, nil
}

// Purge deletes every row that belongs to the session.
func (s *SessionStore) Purge(ctx context.Context) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"group_counters", "group_presets", "templates", "settings"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE session = ?`, s.session); err != nil {
			return fmt.Errorf("failed to purge %s: %w", table, err)
		}
	}
	return tx.Commit()
}
