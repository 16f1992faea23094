package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tdimino/claudicle/internal/bus"
	"github.com/tdimino/claudicle/internal/config"
)

type mockTelegramBot struct {
	mu          sync.Mutex
	updatesChan chan tgbotapi.Update
	stopped     bool
	sent        []tgbotapi.MessageConfig
	failHTML    bool
	sendErr     error
}

func newMockBot() *mockTelegramBot {
	return &mockTelegramBot{updatesChan: make(chan tgbotapi.Update, 10)}
}

func (m *mockTelegramBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return m.updatesChan
}

func (m *mockTelegramBot) StopReceivingUpdates() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

func (m *mockTelegramBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := c.(tgbotapi.MessageConfig)
	m.sent = append(m.sent, msg)
	if m.sendErr != nil {
		return tgbotapi.Message{}, m.sendErr
	}
	if m.failHTML && msg.ParseMode == tgbotapi.ModeHTML {
		return tgbotapi.Message{}, errors.New("bad markup")
	}
	return tgbotapi.Message{MessageID: 1}, nil
}

func (m *mockTelegramBot) GetSelf() tgbotapi.User {
	return tgbotapi.User{UserName: "claudicle_bot"}
}

func mockFactory(bot TelegramBot, err error) BotFactory {
	return func(string, string, *http.Client) (TelegramBot, error) {
		return bot, err
	}
}

type mockChannel struct {
	name     string
	started  bool
	stopped  bool
	startErr error
	sent     chan bus.OutboundMessage
}

func (m *mockChannel) Name() string { return m.name }

func (m *mockChannel) Start(context.Context) error {
	m.started = true
	return m.startErr
}

func (m *mockChannel) Stop() error {
	m.stopped = true
	return nil
}

func (m *mockChannel) Send(msg bus.OutboundMessage) error {
	m.sent <- msg
	return nil
}

func TestBaseChannelAllowlist(t *testing.T) {
	b := bus.NewMessageBus(1)
	open := NewBaseChannel("test", b, nil)
	if !open.IsAllowed("anyone") {
		t.Error("empty allowlist should admit everyone")
	}

	closed := NewBaseChannel("test", b, []string{"1", "2"})
	if !closed.IsAllowed("2") || closed.IsAllowed("3") {
		t.Error("allowlist not applied")
	}
	if closed.Name() != "test" {
		t.Errorf("Name = %q, want test", closed.Name())
	}
}

func TestNewTelegramChannelRequiresToken(t *testing.T) {
	if _, err := NewTelegramChannel(config.TelegramConfig{}, bus.NewMessageBus(1), nil); err == nil {
		t.Error("expected error for empty token")
	}
}

func TestTelegramHandleMessage(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, err := NewTelegramChannel(config.TelegramConfig{Token: "t", AllowFrom: []string{"123"}}, b, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	ch.handleMessage(ctx, &tgbotapi.Message{
		From: &tgbotapi.User{ID: 999, UserName: "stranger"},
		Chat: &tgbotapi.Chat{ID: 1},
		Text: "let me in",
	})
	ch.handleMessage(ctx, &tgbotapi.Message{
		From: &tgbotapi.User{ID: 123, FirstName: "Ada", LastName: "L"},
		Chat: &tgbotapi.Chat{ID: 456},
		Text: "",
	})
	ch.handleMessage(ctx, &tgbotapi.Message{
		From:    &tgbotapi.User{ID: 123, FirstName: "Ada", LastName: "L"},
		Chat:    &tgbotapi.Chat{ID: 456},
		Caption: "look at this",
		Date:    1700000000,
	})

	select {
	case in := <-b.Inbound:
		if in.Content != "look at this" {
			t.Errorf("content = %q, want caption", in.Content)
		}
		if in.SessionKey() != "telegram:456" {
			t.Errorf("session key = %q", in.SessionKey())
		}
		if in.Name != "Ada L" || in.SenderID != "123" {
			t.Errorf("sender = %q/%q", in.SenderID, in.Name)
		}
	default:
		t.Fatal("expected inbound message")
	}
	select {
	case in := <-b.Inbound:
		t.Errorf("unexpected extra message %+v", in)
	default:
	}
}

func TestTelegramStartAndStop(t *testing.T) {
	b := bus.NewMessageBus(10)
	bot := newMockBot()
	ch, _ := NewTelegramChannelWithFactory(config.TelegramConfig{Token: "t"}, b, mockFactory(bot, nil), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ch.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	bot.updatesChan <- tgbotapi.Update{}
	bot.updatesChan <- tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: 7},
		Chat: &tgbotapi.Chat{ID: 8},
		Text: "ping",
	}}

	select {
	case in := <-b.Inbound:
		if in.Content != "ping" {
			t.Errorf("content = %q, want ping", in.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound message")
	}

	ch.Stop()
	bot.mu.Lock()
	defer bot.mu.Unlock()
	if !bot.stopped {
		t.Error("bot should be stopped")
	}
}

func TestTelegramStartInitError(t *testing.T) {
	ch, _ := NewTelegramChannelWithFactory(config.TelegramConfig{Token: "t"}, bus.NewMessageBus(1), mockFactory(nil, fmt.Errorf("auth failed")), nil)
	if err := ch.Start(context.Background()); err == nil {
		t.Error("expected error from Start")
	}
}

func TestTelegramInvalidProxy(t *testing.T) {
	ch, _ := NewTelegramChannelWithFactory(config.TelegramConfig{Token: "t", Proxy: "://bad"}, bus.NewMessageBus(1), mockFactory(newMockBot(), nil), nil)
	if err := ch.initBot(); err == nil {
		t.Error("expected error for invalid proxy URL")
	}
}

func TestTelegramSend(t *testing.T) {
	ch, _ := NewTelegramChannel(config.TelegramConfig{Token: "t"}, bus.NewMessageBus(1), nil)
	if err := ch.Send(bus.OutboundMessage{ChatID: "1", Content: "x"}); err == nil {
		t.Error("expected error without a bot")
	}

	bot := newMockBot()
	ch.SetBot(bot)
	if err := ch.Send(bus.OutboundMessage{ChatID: "abc", Content: "x"}); err == nil {
		t.Error("expected error for invalid chat id")
	}

	if err := ch.Send(bus.OutboundMessage{ChatID: "42", Content: "**hi** & bye"}); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if len(bot.sent) != 1 || bot.sent[0].Text != "<b>hi</b> &amp; bye" {
		t.Errorf("sent = %+v", bot.sent)
	}
}

func TestTelegramSendFallsBackToPlainText(t *testing.T) {
	bot := newMockBot()
	bot.failHTML = true
	ch, _ := NewTelegramChannel(config.TelegramConfig{Token: "t"}, bus.NewMessageBus(1), nil)
	ch.SetBot(bot)

	if err := ch.Send(bus.OutboundMessage{ChatID: "42", Content: "a < b"}); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if len(bot.sent) != 2 {
		t.Fatalf("expected HTML attempt and plain retry, got %d", len(bot.sent))
	}
	if bot.sent[1].ParseMode != "" || bot.sent[1].Text != "a < b" {
		t.Errorf("retry = %+v", bot.sent[1])
	}

	bot.sendErr = errors.New("down")
	if err := ch.Send(bus.OutboundMessage{ChatID: "42", Content: "x"}); err == nil {
		t.Error("expected send error")
	}
}

func TestSplitMessage(t *testing.T) {
	long := strings.Repeat("line of text\n", 400)
	parts := splitMessage(long, telegramChunkLen)
	if len(parts) < 2 {
		t.Fatalf("expected several parts, got %d", len(parts))
	}
	for _, p := range parts {
		if n := len([]rune(p)); n > telegramChunkLen {
			t.Errorf("part has %d runes", n)
		}
	}
	if strings.Join(parts, "\n") != long {
		t.Error("split lost text")
	}

	noBreaks := splitMessage(strings.Repeat("é", 9), 4)
	if len(noBreaks) != 3 || noBreaks[2] != "é" {
		t.Errorf("parts = %q", noBreaks)
	}
}

func TestToTelegramHTML(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"hello", "hello"},
		{"**bold**", "<b>bold</b>"},
		{"*soft*", "<i>soft</i>"},
		{"`code`", "<code>code</code>"},
		{"a & b", "a &amp; b"},
		{"<tag>", "&lt;tag&gt;"},
		{"```go\nfmt.Println()\n```", "<pre>fmt.Println()\n</pre>"},
		{"2 * 3", "2 * 3"},
	}
	for _, tt := range tests {
		if got := toTelegramHTML(tt.input); got != tt.want {
			t.Errorf("toTelegramHTML(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestChannelManager(t *testing.T) {
	b := bus.NewMessageBus(10)
	m, err := NewChannelManager(config.ChannelsConfig{}, b, nil)
	if err != nil {
		t.Fatalf("NewChannelManager error: %v", err)
	}
	if len(m.EnabledChannels()) != 0 {
		t.Errorf("expected no channels, got %v", m.EnabledChannels())
	}

	mock := &mockChannel{name: "mock", sent: make(chan bus.OutboundMessage, 1)}
	m.Register(mock)
	if err := m.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll error: %v", err)
	}
	if !mock.started {
		t.Error("mock should be started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.DispatchOutbound(ctx)
		close(done)
	}()
	b.Outbound <- bus.OutboundMessage{Channel: "mock", Content: "routed"}
	select {
	case msg := <-mock.sent:
		if msg.Content != "routed" {
			t.Errorf("content = %q", msg.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("outbound message not routed")
	}
	cancel()
	<-done

	_ = m.StopAll()
	if !mock.stopped {
		t.Error("mock should be stopped")
	}
}

func TestChannelManagerStartError(t *testing.T) {
	m, _ := NewChannelManager(config.ChannelsConfig{}, bus.NewMessageBus(1), nil)
	m.Register(&mockChannel{name: "broken", startErr: fmt.Errorf("boom")})
	if err := m.StartAll(context.Background()); err == nil {
		t.Error("expected start error")
	}
}

func TestChannelManagerTelegramToken(t *testing.T) {
	_, err := NewChannelManager(config.ChannelsConfig{Telegram: config.TelegramConfig{Enabled: true}}, bus.NewMessageBus(1), nil)
	if err == nil {
		t.Error("expected error for telegram without token")
	}
}
