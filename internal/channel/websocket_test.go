package channel

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/tdimino/claudicle/internal/bus"
	"github.com/tdimino/claudicle/internal/config"
)

func startWebSocket(t *testing.T, cfg config.WebSocketConfig) (*WebSocketChannel, *bus.MessageBus) {
	t.Helper()
	b := bus.NewMessageBus(10)
	cfg.Addr = "127.0.0.1:0"
	ch := NewWebSocketChannel(cfg, b, nil)
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { ch.Stop() })
	return ch, b
}

func dial(t *testing.T, ch *WebSocketChannel) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+ch.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, msg wsMessage) {
	t.Helper()
	data, _ := json.Marshal(msg)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func TestNewWebSocketChannel(t *testing.T) {
	ch := NewWebSocketChannel(config.WebSocketConfig{}, bus.NewMessageBus(1), nil)
	if ch.Name() != "websocket" {
		t.Errorf("Name() = %q, want websocket", ch.Name())
	}
	if ch.Addr() != config.DefaultWebSocketAddr {
		t.Errorf("Addr() = %q, want default", ch.Addr())
	}
}

func TestWebSocketRoundTrip(t *testing.T) {
	ch, b := startWebSocket(t, config.WebSocketConfig{Enabled: true})
	conn := dial(t, ch)

	writeFrame(t, conn, wsMessage{Type: "ping"})
	writeFrame(t, conn, wsMessage{Type: "message", Content: "   "})
	writeFrame(t, conn, wsMessage{Type: "message", Content: "hello", UserID: "U1", Name: "Ada"})

	var in bus.InboundMessage
	select {
	case in = <-b.Inbound:
	case <-time.After(2 * time.Second):
		t.Fatal("no inbound message")
	}
	if in.Channel != "websocket" || in.SenderID != "U1" || in.Name != "Ada" || in.Content != "hello" {
		t.Errorf("inbound = %+v", in)
	}
	if in.ChatID == "" {
		t.Fatal("ChatID should identify the connection")
	}

	if err := ch.Send(bus.OutboundMessage{Channel: "websocket", ChatID: in.ChatID, Content: "hi Ada", TraceID: "abc123def456"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var reply wsMessage
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Content != "hi Ada" || reply.TraceID != "abc123def456" || reply.Type != "message" {
		t.Errorf("reply = %+v", reply)
	}
}

func TestWebSocketDefaultsSenderToConnection(t *testing.T) {
	ch, b := startWebSocket(t, config.WebSocketConfig{Enabled: true})
	conn := dial(t, ch)

	writeFrame(t, conn, wsMessage{Type: "message", Content: "anon"})
	select {
	case in := <-b.Inbound:
		if in.SenderID != in.ChatID {
			t.Errorf("SenderID = %q, want connection id %q", in.SenderID, in.ChatID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no inbound message")
	}
}

func TestWebSocketAllowlist(t *testing.T) {
	ch, b := startWebSocket(t, config.WebSocketConfig{Enabled: true, AllowFrom: []string{"U1"}})
	conn := dial(t, ch)

	writeFrame(t, conn, wsMessage{Type: "message", Content: "blocked", UserID: "U2"})
	writeFrame(t, conn, wsMessage{Type: "message", Content: "allowed", UserID: "U1"})

	select {
	case in := <-b.Inbound:
		if in.Content != "allowed" {
			t.Errorf("Content = %q, want allowed", in.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no inbound message")
	}
}

func TestWebSocketSendUnknownClient(t *testing.T) {
	ch, _ := startWebSocket(t, config.WebSocketConfig{Enabled: true})
	if err := ch.Send(bus.OutboundMessage{ChatID: "ws-99", Content: "x"}); err == nil {
		t.Error("expected error for unknown client")
	}
}

func TestChannelManagerWebSocket(t *testing.T) {
	b := bus.NewMessageBus(1)
	m, err := NewChannelManager(config.ChannelsConfig{WebSocket: config.WebSocketConfig{Enabled: true}}, b, nil)
	if err != nil {
		t.Fatalf("NewChannelManager: %v", err)
	}
	names := m.EnabledChannels()
	if len(names) != 1 || names[0] != "websocket" {
		t.Errorf("EnabledChannels() = %v, want [websocket]", names)
	}
	if !b.Subscribed("websocket") {
		t.Error("websocket channel should subscribe to outbound")
	}
}
