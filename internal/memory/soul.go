package memory

import (
	"context"
	"fmt"
	"strings"
	"unicode"
)

// Soul state keys.
const (
	StateCurrentProject = "current_project"
	StateCurrentTask    = "current_task"
	StateCurrentTopic   = "current_topic"
	StateMood           = "mood"
	StateRollingSummary = "rolling_summary"
)

type stateKey struct {
	key   string
	label string
	def   string
}

// render order
var stateKeys = []stateKey{
	{StateCurrentProject, "Current project", ""},
	{StateCurrentTask, "Current task", ""},
	{StateCurrentTopic, "Current topic", ""},
	{StateMood, "Mood", "neutral"},
	{StateRollingSummary, "Conversation summary", ""},
}

var stateAliases = map[string]string{
	"project":              StateCurrentProject,
	"task":                 StateCurrentTask,
	"topic":                StateCurrentTopic,
	"emotional_state":      StateMood,
	"conversation_summary": StateRollingSummary,
	"summary":              StateRollingSummary,
}

// StateKeys lists the known soul state keys in render order.
func StateKeys() []string {
	out := make([]string, len(stateKeys))
	for i, k := range stateKeys {
		out[i] = k.key
	}
	return out
}

// StateDefault returns the default of a known key.
func StateDefault(key string) (string, bool) {
	for _, k := range stateKeys {
		if k.key == key {
			return k.def, true
		}
	}
	return "", false
}

// NormalizeStateKey maps loose spellings ("Current Project", "currentProject",
// "current-project") onto a known key.
func NormalizeStateKey(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	var sb strings.Builder
	prevLower := false
	for _, r := range raw {
		switch {
		case r == ' ' || r == '-' || r == '_':
			sb.WriteRune('_')
			prevLower = false
		case unicode.IsUpper(r):
			if prevLower {
				sb.WriteRune('_')
			}
			sb.WriteRune(unicode.ToLower(r))
			prevLower = false
		default:
			sb.WriteRune(r)
			prevLower = unicode.IsLower(r) || unicode.IsDigit(r)
		}
	}
	key := sb.String()
	if alias, ok := stateAliases[key]; ok {
		key = alias
	}
	if _, ok := StateDefault(key); ok {
		return key, true
	}
	return "", false
}

// GetState returns the current value of key, falling back to its default.
func (s *Store) GetState(ctx context.Context, key string) (string, error) {
	def, ok := StateDefault(key)
	if !ok {
		return "", fmt.Errorf("get state %q: %w", key, ErrUnknownStateKey)
	}
	all, err := s.overrides(ctx)
	if err != nil {
		return "", err
	}
	if v, ok := all[key]; ok {
		return v, nil
	}
	return def, nil
}

// SetState stores an override. Setting a key back to its default removes the override.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	def, ok := StateDefault(key)
	if !ok {
		return fmt.Errorf("set state %q: %w", key, ErrUnknownStateKey)
	}
	value = strings.TrimSpace(value)

	s.mu.Lock()
	defer s.mu.Unlock()
	if value == def {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM soul_state WHERE key = ?`, key); err != nil {
			return fmt.Errorf("reset state %q: %w", key, err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO soul_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, s.stamp())
	if err != nil {
		return fmt.Errorf("set state %q: %w", key, err)
	}
	return nil
}

// AllState merges stored overrides onto the defaults.
func (s *Store) AllState(ctx context.Context) (map[string]string, error) {
	over, err := s.overrides(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(stateKeys))
	for _, k := range stateKeys {
		out[k.key] = k.def
		if v, ok := over[k.key]; ok {
			out[k.key] = v
		}
	}
	return out, nil
}

// IsDefaultState reports whether every key is at its default.
func (s *Store) IsDefaultState(ctx context.Context) (bool, error) {
	all, err := s.AllState(ctx)
	if err != nil {
		return false, err
	}
	for _, k := range stateKeys {
		if all[k.key] != k.def {
			return false, nil
		}
	}
	return true, nil
}

// RenderState produces the prompt block listing only non-default keys. It returns ""
// when every key is at its default.
func (s *Store) RenderState(ctx context.Context) (string, error) {
	all, err := s.AllState(ctx)
	if err != nil {
		return "", err
	}
	return RenderStateMap(all), nil
}

// RenderStateMap is the pure half of RenderState.
func RenderStateMap(values map[string]string) string {
	var lines []string
	for _, k := range stateKeys {
		v, ok := values[k.key]
		if !ok || v == k.def {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", k.label, v))
	}
	if len(lines) == 0 {
		return ""
	}
	return "## Current State\n" + strings.Join(lines, "\n")
}

func (s *Store) overrides(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM soul_state`)
	if err != nil {
		return nil, fmt.Errorf("query state: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state: %w", err)
	}
	return out, nil
}
