package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const profileTemplate = `# %s

## Persona
Not yet known.

## Communication Style
Not yet observed.

## Interests & Domains
Not yet observed.

## Working Patterns
Not yet observed.

## Notes
`

// BlankProfile is the templated profile every user starts with.
func BlankProfile(displayName string) string {
	name := strings.TrimSpace(displayName)
	if name == "" {
		name = "Unknown"
	}
	return fmt.Sprintf(profileTemplate, name)
}

// EnsureUser creates a blank profile on first contact. Existing users are untouched,
// except that an empty stored display name is filled in. It reports whether the user
// was created.
func (s *Store) EnsureUser(ctx context.Context, userID, displayName string) (bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, fmt.Errorf("ensure user: empty user id")
	}
	displayName = strings.TrimSpace(displayName)
	now := s.stamp()

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO user_models (user_id, display_name, profile, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO NOTHING
	`, userID, displayName, BlankProfile(displayName), now, now)
	if err != nil {
		return false, fmt.Errorf("ensure user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ensure user rows: %w", err)
	}
	if n == 0 && displayName != "" {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE user_models SET display_name = ? WHERE user_id = ? AND display_name = ''
		`, displayName, userID); err != nil {
			return false, fmt.Errorf("fill display name: %w", err)
		}
	}
	return n > 0, nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (*UserModel, error) {
	var u UserModel
	var checked, created, updated int64
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, display_name, profile, interaction_count, last_checked_at, created_at, updated_at
		FROM user_models WHERE user_id = ?
	`, strings.TrimSpace(userID)).Scan(&u.UserID, &u.DisplayName, &u.Profile, &u.InteractionCount, &checked, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.LastCheckedAt = fromStamp(checked)
	u.CreatedAt = fromStamp(created)
	u.UpdatedAt = fromStamp(updated)
	return &u, nil
}

// SaveProfile replaces the whole profile and records the change note.
func (s *Store) SaveProfile(ctx context.Context, userID, profile, changeNote, traceID string) error {
	profile = strings.TrimSpace(profile)
	if profile == "" {
		return fmt.Errorf("save profile: empty profile")
	}
	now := s.stamp()

	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save profile: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE user_models SET profile = ?, updated_at = ?, last_checked_at = ? WHERE user_id = ?
	`, profile, now, now, strings.TrimSpace(userID))
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_model_changes (user_id, change_note, trace_id, created_at)
		VALUES (?, ?, ?, ?)
	`, strings.TrimSpace(userID), strings.TrimSpace(changeNote), strings.TrimSpace(traceID), now); err != nil {
		return fmt.Errorf("record profile change: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save profile: %w", err)
	}
	return nil
}

// IncrementInteraction bumps the per-user turn counter and returns the new value.
func (s *Store) IncrementInteraction(ctx context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE user_models SET interaction_count = interaction_count + 1
		WHERE user_id = ?
		RETURNING interaction_count
	`, strings.TrimSpace(userID)).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment interaction: %w", err)
	}
	return count, nil
}

// ShouldCheck is true when the user's interaction count is a positive multiple of
// interval. Unknown users and non-positive intervals never check.
func (s *Store) ShouldCheck(ctx context.Context, userID string, interval int64) (bool, error) {
	if interval <= 0 {
		return false, nil
	}
	u, err := s.GetUser(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return u.InteractionCount > 0 && u.InteractionCount%interval == 0, nil
}

func (s *Store) MarkChecked(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `UPDATE user_models SET last_checked_at = ? WHERE user_id = ?`, s.stamp(), strings.TrimSpace(userID)); err != nil {
		return fmt.Errorf("mark checked: %w", err)
	}
	return nil
}

// ProfileHistory returns the change log for a user, newest first.
func (s *Store) ProfileHistory(ctx context.Context, userID string, limit int) ([]ProfileChange, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, change_note, trace_id, created_at
		FROM user_model_changes
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, strings.TrimSpace(userID), limit)
	if err != nil {
		return nil, fmt.Errorf("query profile history: %w", err)
	}
	defer rows.Close()

	var out []ProfileChange
	for rows.Next() {
		var c ProfileChange
		var created int64
		if err := rows.Scan(&c.ID, &c.UserID, &c.ChangeNote, &c.TraceID, &created); err != nil {
			return nil, fmt.Errorf("scan profile change: %w", err)
		}
		c.CreatedAt = fromStamp(created)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profile history: %w", err)
	}
	return out, nil
}
