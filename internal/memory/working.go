package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Append stores one working-memory row and returns its id. CreatedAt is stamped from
// the store clock when zero.
func (s *Store) Append(ctx context.Context, e Entry) (int64, error) {
	thread := strings.TrimSpace(e.ThreadKey)
	if thread == "" {
		return 0, ErrMissingThread
	}
	trace := strings.TrimSpace(e.TraceID)
	if trace == "" {
		return 0, ErrMissingTrace
	}
	kind := e.Kind
	if kind == "" {
		kind = KindNote
	}

	meta := ""
	if !e.Meta.empty() {
		raw, err := json.Marshal(e.Meta)
		if err != nil {
			return 0, fmt.Errorf("encode entry meta: %w", err)
		}
		meta = string(raw)
	}

	created := s.stamp()
	if !e.CreatedAt.IsZero() {
		created = e.CreatedAt.UnixNano()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO working_memory (thread_key, user_id, author, kind, verb, content, meta, created_at, trace_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, thread, strings.TrimSpace(e.UserID), strings.TrimSpace(e.Author), string(kind),
		strings.TrimSpace(e.Verb), e.Content, meta, created, trace)
	if err != nil {
		return 0, fmt.Errorf("append entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append entry id: %w", err)
	}
	return id, nil
}

// Recent returns up to limit of the newest rows of a thread, oldest first.
func (s *Store) Recent(ctx context.Context, threadKey string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_key, user_id, author, kind, verb, content, meta, created_at, trace_id
		FROM (
			SELECT * FROM working_memory
			WHERE thread_key = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)
		ORDER BY created_at ASC, id ASC
	`, strings.TrimSpace(threadKey), limit)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer rows.Close()
	return s.scanEntries(rows)
}

// ByTrace reconstructs every row written under one trace id, in write order.
func (s *Store) ByTrace(ctx context.Context, traceID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_key, user_id, author, kind, verb, content, meta, created_at, trace_id
		FROM working_memory
		WHERE trace_id = ?
		ORDER BY created_at ASC, id ASC
	`, strings.TrimSpace(traceID))
	if err != nil {
		return nil, fmt.Errorf("query trace: %w", err)
	}
	defer rows.Close()
	return s.scanEntries(rows)
}

// TraceExists reports whether traceID was ever issued or written. Issued ids outlive
// the working memory sweep.
func (s *Store) TraceExists(ctx context.Context, traceID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(1) FROM issued_traces WHERE trace_id = ?1)
		     + (SELECT COUNT(1) FROM working_memory WHERE trace_id = ?1)
		     + (SELECT COUNT(1) FROM user_model_changes WHERE trace_id = ?1)`, traceID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check trace: %w", err)
	}
	return n > 0, nil
}

// ReserveTrace records traceID as issued. It returns false when the id was already
// issued or written, leaving the store unchanged.
func (s *Store) ReserveTrace(ctx context.Context, traceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	taken, err := s.TraceExists(ctx, traceID)
	if err != nil || taken {
		return false, err
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO issued_traces (trace_id, issued_at) VALUES (?, ?)`, traceID, s.stamp()); err != nil {
		return false, fmt.Errorf("reserve trace: %w", err)
	}
	return true, nil
}

// RecentTraces lists the newest cycles across all threads.
func (s *Store) RecentTraces(ctx context.Context, limit int) ([]TraceSummary, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT trace_id, MIN(thread_key), COUNT(1), MIN(created_at) AS started
		FROM working_memory
		GROUP BY trace_id
		ORDER BY started DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query traces: %w", err)
	}
	defer rows.Close()

	var out []TraceSummary
	for rows.Next() {
		var ts TraceSummary
		var started int64
		if err := rows.Scan(&ts.TraceID, &ts.ThreadKey, &ts.Entries, &started); err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		ts.StartedAt = fromStamp(started)
		out = append(out, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate traces: %w", err)
	}
	return out, nil
}

// Sweep deletes rows strictly older than ttl. A row exactly ttl old is kept.
func (s *Store) Sweep(ctx context.Context, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-ttl).UnixNano()

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM working_memory WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep working memory: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Debug("swept working memory", zap.Int64("rows", n), zap.Duration("ttl", ttl))
	}
	return n, nil
}

func (s *Store) scanEntries(rows *sql.Rows) ([]Entry, error) {
	result := make([]Entry, 0)
	for rows.Next() {
		var e Entry
		var kind, meta string
		var created int64
		if err := rows.Scan(&e.ID, &e.ThreadKey, &e.UserID, &e.Author, &kind, &e.Verb, &e.Content, &meta, &created, &e.TraceID); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Kind = Kind(kind)
		e.CreatedAt = fromStamp(created)
		if meta != "" {
			if err := json.Unmarshal([]byte(meta), &e.Meta); err != nil {
				// keep the row readable; the raw blob survives in Extra
				s.logger.Warn("undecodable entry meta", zap.Int64("id", e.ID), zap.Error(err))
				e.Meta = Meta{Extra: map[string]string{"raw": meta}}
			}
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return result, nil
}
