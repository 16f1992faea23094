package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PutWhisper stores w as the single pending whisper, replacing any unconsumed one.
func (s *Store) PutWhisper(ctx context.Context, w Whisper) error {
	created := s.stamp()
	if !w.CreatedAt.IsZero() {
		created = w.CreatedAt.UnixNano()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_whisper (id, text, source, influence, created_at) VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET text = excluded.text, source = excluded.source,
			influence = excluded.influence, created_at = excluded.created_at
	`, w.Text, w.Source, w.Influence, created)
	if err != nil {
		return fmt.Errorf("put whisper: %w", err)
	}
	return nil
}

// PendingWhisper peeks at the pending whisper; nil when the slot is empty.
func (s *Store) PendingWhisper(ctx context.Context) (*Whisper, error) {
	return scanWhisper(s.db.QueryRowContext(ctx, `SELECT text, source, influence, created_at FROM pending_whisper WHERE id = 1`))
}

// TakeWhisper reads and clears the slot in one transaction.
func (s *Store) TakeWhisper(ctx context.Context) (*Whisper, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin take whisper: %w", err)
	}
	defer tx.Rollback()

	w, err := scanWhisper(tx.QueryRowContext(ctx, `SELECT text, source, influence, created_at FROM pending_whisper WHERE id = 1`))
	if err != nil || w == nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_whisper WHERE id = 1`); err != nil {
		return nil, fmt.Errorf("consume whisper: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit take whisper: %w", err)
	}
	return w, nil
}

// ConsumeWhisper clears the slot and reports whether a whisper was pending.
func (s *Store) ConsumeWhisper(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_whisper WHERE id = 1`)
	if err != nil {
		return false, fmt.Errorf("consume whisper: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func scanWhisper(row *sql.Row) (*Whisper, error) {
	var w Whisper
	var created int64
	err := row.Scan(&w.Text, &w.Source, &w.Influence, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read whisper: %w", err)
	}
	w.CreatedAt = fromStamp(created)
	return &w, nil
}
