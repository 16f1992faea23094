// Package inbox reads the ingress JSONL file that external listeners append to, and
// writes replies for those messages to the outbox file.
package inbox

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tdimino/claudicle/internal/logging"
)

// Record is one ingress line.
type Record struct {
	TS          time.Time `json:"ts"`
	Channel     string    `json:"channel"`
	ThreadKey   string    `json:"thread_key"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	Text        string    `json:"text"`
	Handled     bool      `json:"handled"`
}

// Key identifies a record within the file.
func (r Record) Key() string {
	return r.TS.UTC().Format(time.RFC3339Nano) + "|" + r.ThreadKey + "|" + r.UserID
}

func (r Record) valid() bool {
	return strings.TrimSpace(r.ThreadKey) != "" && strings.TrimSpace(r.UserID) != "" && strings.TrimSpace(r.Text) != ""
}

type Inbox struct {
	path   string
	mu     sync.Mutex
	logger *zap.Logger
}

func New(path string, logger *zap.Logger) *Inbox {
	return &Inbox{path: path, logger: logging.OrNop(logger).Named("inbox")}
}

func (i *Inbox) Path() string { return i.path }

// Append adds a record to the end of the file, stamping TS when zero.
func (i *Inbox) Append(r Record) (Record, error) {
	if r.TS.IsZero() {
		r.TS = time.Now().UTC()
	}
	if !r.valid() {
		return r, fmt.Errorf("append inbox record: thread_key, user_id and text are required")
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return r, appendJSONLine(i.path, r)
}

// ReadPending returns the unhandled records in file order. Malformed lines and
// records missing required fields are skipped and counted.
func (i *Inbox) ReadPending() ([]Record, int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	all, skipped, err := i.readAll()
	if err != nil {
		return nil, 0, err
	}
	pending := make([]Record, 0, len(all))
	for _, r := range all {
		if r.ok && !r.rec.Handled {
			pending = append(pending, r.rec)
		}
	}
	if skipped > 0 {
		i.logger.Warn("skipped malformed inbox lines", zap.Int("count", skipped))
	}
	return pending, skipped, nil
}

// MarkHandled flags the records with the given keys and rewrites the file atomically.
// Malformed lines are preserved verbatim. It returns how many records changed.
func (i *Inbox) MarkHandled(keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	lines, _, err := i.readAll()
	if err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	changed := 0
	for _, l := range lines {
		if l.ok && !l.rec.Handled && want[l.rec.Key()] {
			l.rec.Handled = true
			raw, err := json.Marshal(l.rec)
			if err != nil {
				return 0, fmt.Errorf("encode inbox record: %w", err)
			}
			l.raw = raw
			changed++
		}
		buf.Write(l.raw)
		buf.WriteByte('\n')
	}
	if changed == 0 {
		return 0, nil
	}
	if err := writeAtomic(i.path, buf.Bytes()); err != nil {
		return 0, err
	}
	return changed, nil
}

type line struct {
	raw []byte
	rec Record
	ok  bool
}

func (i *Inbox) readAll() ([]line, int, error) {
	f, err := os.Open(i.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("open inbox: %w", err)
	}
	defer f.Close()

	var out []line
	skipped := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		l := line{raw: append([]byte(nil), raw...)}
		if err := json.Unmarshal(raw, &l.rec); err != nil || !l.rec.valid() {
			skipped++
			l.rec = Record{}
		} else {
			l.ok = true
		}
		out = append(out, l)
	}
	if err := sc.Err(); err != nil {
		return nil, 0, fmt.Errorf("read inbox: %w", err)
	}
	return out, skipped, nil
}

func appendJSONLine(path string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode line: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	if _, err := f.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp inbox: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("write temp inbox: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("close temp inbox: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("replace inbox: %w", err)
	}
	return nil
}
