package cognition

import (
	"sync"
	"sync/atomic"
)

// CycleContext owns the process-wide message counter. It is seeded once at start
// and passed explicitly to the engine.
type CycleContext struct {
	counter atomic.Int64
}

func NewCycleContext(start int64) *CycleContext {
	c := &CycleContext{}
	c.counter.Store(start)
	return c
}

// Next increments the counter and returns the new value.
func (c *CycleContext) Next() int64 {
	return c.counter.Add(1)
}

func (c *CycleContext) Current() int64 {
	return c.counter.Load()
}

// threadLocks serializes cycles per thread key. Entries are dropped when unused.
type threadLocks struct {
	mu sync.Mutex
	m  map[string]*threadLock
}

type threadLock struct {
	mu   sync.Mutex
	refs int
}

func newThreadLocks() *threadLocks {
	return &threadLocks{m: make(map[string]*threadLock)}
}

func (l *threadLocks) lock(key string) func() {
	l.mu.Lock()
	e := l.m[key]
	if e == nil {
		e = &threadLock{}
		l.m[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.m, key)
		}
		l.mu.Unlock()
	}
}

func (l *threadLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
