package bus

import (
	"time"
)

// Channel name used for messages read from the ingress file.
const InboxChannel = "inbox"

type InboundMessage struct {
	Channel   string
	SenderID  string
	ChatID    string
	Name      string
	Content   string
	Timestamp time.Time
	Metadata  map[string]any
}

// SessionKey is the thread key the cognitive cycle serializes on.
func (m *InboundMessage) SessionKey() string {
	if m.Channel == InboxChannel {
		// inbox records already carry a full thread key
		return m.ChatID
	}
	return m.Channel + ":" + m.ChatID
}

type OutboundMessage struct {
	Channel  string
	ChatID   string
	UserID   string
	Content  string
	ReplyTo  string
	TraceID  string
	Degraded bool
	Metadata map[string]any
}
