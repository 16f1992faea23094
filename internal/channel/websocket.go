package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/tdimino/claudicle/internal/bus"
	"github.com/tdimino/claudicle/internal/config"
	"github.com/tdimino/claudicle/internal/logging"
)

const websocketChannelName = "websocket"

// wsMessage is the JSON frame exchanged with clients. Clients send type "message";
// replies carry the trace id of the cycle that produced them.
type wsMessage struct {
	Type     string `json:"type"`
	Content  string `json:"content,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	Name     string `json:"name,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
	Degraded bool   `json:"degraded,omitempty"`
}

// WebSocketChannel serves /ws. Each connection is its own conversation thread.
type WebSocketChannel struct {
	BaseChannel
	addr    string
	server  *http.Server
	ln      net.Listener
	clients sync.Map
	nextID  atomic.Int64
	logger  *zap.Logger
}

func NewWebSocketChannel(cfg config.WebSocketConfig, b *bus.MessageBus, logger *zap.Logger) *WebSocketChannel {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = config.DefaultWebSocketAddr
	}
	return &WebSocketChannel{
		BaseChannel: NewBaseChannel(websocketChannelName, b, cfg.AllowFrom),
		addr:        addr,
		logger:      logging.OrNop(logger).Named("websocket"),
	}
}

// Addr is the bound listen address once started.
func (w *WebSocketChannel) Addr() string {
	if w.ln != nil {
		return w.ln.Addr().String()
	}
	return w.addr
}

func (w *WebSocketChannel) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", w.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", w.addr, err)
	}
	w.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", w.handleWS)
	w.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	go func() {
		w.logger.Info("listening", zap.String("addr", ln.Addr().String()))
		if err := w.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Error("server error", zap.Error(err))
		}
	}()
	return nil
}

func (w *WebSocketChannel) handleWS(wr http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(wr, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		w.logger.Warn("accept failed", zap.Error(err))
		return
	}

	clientID := fmt.Sprintf("ws-%d", w.nextID.Add(1))
	w.clients.Store(clientID, conn)
	w.logger.Info("client connected", zap.String("client", clientID))
	defer func() {
		w.clients.Delete(clientID)
		conn.CloseNow()
		w.logger.Info("client disconnected", zap.String("client", clientID))
	}()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			w.logger.Debug("undecodable frame", zap.String("client", clientID), zap.Error(err))
			continue
		}
		if msg.Type != "message" || strings.TrimSpace(msg.Content) == "" {
			continue
		}

		userID := strings.TrimSpace(msg.UserID)
		if userID == "" {
			userID = clientID
		}
		if !w.IsAllowed(userID) {
			w.logger.Info("rejected sender", zap.String("sender", userID))
			continue
		}

		if err := w.bus.Publish(ctx, bus.InboundMessage{
			Channel:   websocketChannelName,
			SenderID:  userID,
			ChatID:    clientID,
			Name:      strings.TrimSpace(msg.Name),
			Content:   msg.Content,
			Timestamp: time.Now(),
		}); err != nil {
			return
		}
	}
}

// Send writes the reply to the connection that asked. Replies for closed
// connections are dropped with an error.
func (w *WebSocketChannel) Send(msg bus.OutboundMessage) error {
	v, ok := w.clients.Load(msg.ChatID)
	if !ok {
		return fmt.Errorf("websocket client %s is gone", msg.ChatID)
	}
	data, err := json.Marshal(wsMessage{
		Type:     "message",
		Content:  msg.Content,
		TraceID:  msg.TraceID,
		Degraded: msg.Degraded,
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return v.(*websocket.Conn).Write(ctx, websocket.MessageText, data)
}

func (w *WebSocketChannel) Stop() error {
	if w.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.server.Shutdown(ctx); err != nil {
			w.logger.Warn("shutdown error", zap.Error(err))
		}
	}
	w.clients.Range(func(_, v any) bool {
		v.(*websocket.Conn).CloseNow()
		return true
	})
	w.logger.Info("stopped")
	return nil
}
