package gateway

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tdimino/claudicle/internal/bus"
	"github.com/tdimino/claudicle/internal/logging"
)

const (
	threadQueueSize = 64
	workerIdle      = 30 * time.Second
	drainTimeout    = 30 * time.Second
)

// workers keeps one FIFO queue and goroutine per active thread, so messages on a
// thread are handled in arrival order while different threads run concurrently.
type workers struct {
	mu     sync.Mutex
	queues map[string]chan bus.InboundMessage
	wg     sync.WaitGroup
	quit   chan struct{}
	idle   time.Duration
	grace  time.Duration
	handle func(context.Context, bus.InboundMessage)
	logger *zap.Logger
}

func newWorkers(handle func(context.Context, bus.InboundMessage), logger *zap.Logger) *workers {
	return &workers{
		queues: make(map[string]chan bus.InboundMessage),
		quit:   make(chan struct{}),
		idle:   workerIdle,
		grace:  drainTimeout,
		handle: handle,
		logger: logging.OrNop(logger),
	}
}

// dispatch queues msg on its thread, blocking while that queue is full.
func (w *workers) dispatch(ctx context.Context, msg bus.InboundMessage) {
	key := msg.SessionKey()
	w.mu.Lock()
	q, ok := w.queues[key]
	if !ok {
		q = make(chan bus.InboundMessage, threadQueueSize)
		w.queues[key] = q
		w.wg.Add(1)
		go w.run(ctx, key, q)
	}
	select {
	case q <- msg:
		w.mu.Unlock()
		return
	default:
	}
	// a full queue is never empty, so the worker cannot retire it while we wait
	w.mu.Unlock()
	select {
	case q <- msg:
	case <-w.quit:
	}
}

func (w *workers) run(ctx context.Context, key string, q chan bus.InboundMessage) {
	defer w.wg.Done()
	timer := time.NewTimer(w.idle)
	defer timer.Stop()
	for {
		select {
		case msg := <-q:
			if w.stopping() {
				w.drain(ctx, key, q, msg)
				return
			}
			w.handle(ctx, msg)
			timer.Reset(w.idle)
		case <-timer.C:
			w.mu.Lock()
			if len(q) == 0 {
				delete(w.queues, key)
				w.mu.Unlock()
				return
			}
			w.mu.Unlock()
			timer.Reset(w.idle)
		case <-w.quit:
			w.drain(ctx, key, q)
			return
		}
	}
}

// drain handles what is still queued on a stopping thread until the grace period
// runs out, then logs what it had to drop.
func (w *workers) drain(ctx context.Context, key string, q chan bus.InboundMessage, taken ...bus.InboundMessage) {
	deadline := time.Now().Add(w.grace)
	for {
		var msg bus.InboundMessage
		if len(taken) > 0 {
			msg, taken = taken[0], taken[1:]
		} else {
			select {
			case msg = <-q:
			default:
				return
			}
		}
		if time.Now().After(deadline) {
			w.logger.Warn("dropped queued messages at shutdown", zap.String("thread", key), zap.Int("dropped", 1+len(taken)+len(q)))
			return
		}
		w.handle(ctx, msg)
	}
}

func (w *workers) stopping() bool {
	select {
	case <-w.quit:
		return true
	default:
		return false
	}
}

func (w *workers) active() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queues)
}

// stop makes each worker finish its queue, bounded by the grace period, and waits
// for all of them.
func (w *workers) stop() {
	close(w.quit)
	w.wg.Wait()
}
