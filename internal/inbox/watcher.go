package inbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Handler receives each pending record once per watcher lifetime.
type Handler func(ctx context.Context, r Record) error

// Watcher scans the inbox on start and again whenever the file changes.
type Watcher struct {
	inbox    *Inbox
	handle   Handler
	debounce time.Duration
	seen     map[string]bool
	logger   *zap.Logger
}

func NewWatcher(in *Inbox, handle Handler) *Watcher {
	return &Watcher{
		inbox:    in,
		handle:   handle,
		debounce: 100 * time.Millisecond,
		seen:     make(map[string]bool),
		logger:   in.logger.Named("watcher"),
	}
}

// Scan dispatches pending records not yet seen and returns how many were dispatched.
func (w *Watcher) Scan(ctx context.Context) (int, error) {
	pending, _, err := w.inbox.ReadPending()
	if err != nil {
		return 0, err
	}
	live := make(map[string]bool, len(pending))
	n := 0
	for _, r := range pending {
		key := r.Key()
		live[key] = true
		if w.seen[key] {
			continue
		}
		if err := w.handle(ctx, r); err != nil {
			if ctx.Err() != nil {
				return n, ctx.Err()
			}
			w.logger.Warn("dispatch inbox record failed", zap.String("thread", r.ThreadKey), zap.Error(err))
			continue
		}
		w.seen[key] = true
		n++
	}
	// records marked handled leave the pending set and can be forgotten
	for key := range w.seen {
		if !live[key] {
			delete(w.seen, key)
		}
	}
	return n, nil
}

// Run watches the inbox directory until ctx is done. The directory is watched
// rather than the file so atomic replacements are seen.
func (w *Watcher) Run(ctx context.Context) error {
	dir := filepath.Dir(w.inbox.Path())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create inbox dir: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create inbox watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch inbox dir: %w", err)
	}

	if _, err := w.Scan(ctx); err != nil && ctx.Err() == nil {
		w.logger.Warn("initial inbox scan failed", zap.Error(err))
	}

	name := filepath.Base(w.inbox.Path())
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			n, err := w.Scan(ctx)
			if err != nil && ctx.Err() == nil {
				w.logger.Warn("inbox scan failed", zap.Error(err))
			} else if n > 0 {
				w.logger.Debug("dispatched inbox records", zap.Int("count", n))
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("inbox watcher error", zap.Error(err))
		}
	}
}
