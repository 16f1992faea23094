package bus

import (
	"context"
	"sync"
)

// MessageBus connects transport adapters to the gateway. Inbound is a bounded queue;
// outbound messages fan out to the subscribers of their channel.
type MessageBus struct {
	Inbound  chan InboundMessage
	Outbound chan OutboundMessage

	mu   sync.RWMutex
	subs map[string][]func(OutboundMessage)
}

func NewMessageBus(bufSize int) *MessageBus {
	if bufSize <= 0 {
		bufSize = 1
	}
	return &MessageBus{
		Inbound:  make(chan InboundMessage, bufSize),
		Outbound: make(chan OutboundMessage, bufSize),
		subs:     make(map[string][]func(OutboundMessage)),
	}
}

// Publish enqueues msg, blocking while the queue is full.
func (b *MessageBus) Publish(ctx context.Context, msg InboundMessage) error {
	select {
	case b.Inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send enqueues an outbound message.
func (b *MessageBus) Send(ctx context.Context, msg OutboundMessage) error {
	select {
	case b.Outbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MessageBus) SubscribeOutbound(channel string, fn func(OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[channel] = append(b.subs[channel], fn)
}

// Subscribed reports whether any subscriber listens on channel.
func (b *MessageBus) Subscribed(channel string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel]) > 0
}

// DispatchOutbound delivers outbound messages until ctx is done. Messages for a
// channel without subscribers are dropped.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case msg := <-b.Outbound:
			b.mu.RLock()
			subs := b.subs[msg.Channel]
			b.mu.RUnlock()
			for _, fn := range subs {
				fn(msg)
			}
		case <-ctx.Done():
			return
		}
	}
}
