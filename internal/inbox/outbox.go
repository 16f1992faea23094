package inbox

import (
	"sync"
	"time"
)

// Reply is one outbox line.
type Reply struct {
	TS        time.Time `json:"ts"`
	Channel   string    `json:"channel"`
	ThreadKey string    `json:"thread_key"`
	UserID    string    `json:"user_id"`
	Text      string    `json:"text"`
	TraceID   string    `json:"trace_id"`
	Degraded  bool      `json:"degraded"`
}

type Outbox struct {
	path string
	mu   sync.Mutex
}

func NewOutbox(path string) *Outbox {
	return &Outbox{path: path}
}

func (o *Outbox) Path() string { return o.path }

func (o *Outbox) Write(r Reply) error {
	if r.TS.IsZero() {
		r.TS = time.Now().UTC()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return appendJSONLine(o.path, r)
}
