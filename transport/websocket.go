package transport

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketTransport carries JSON-RPC over one WebSocket connection, one
// message per text frame.
type WebSocketTransport struct {
	conn   *websocket.Conn
	config WebSocketConfig

	recv chan *InboundMessage
	send chan *OutboundMessage
	done chan struct{}

	mu      sync.Mutex
	closed  bool
	running bool
}

// WebSocketConfig holds WebSocket transport configuration.
type WebSocketConfig struct {
	Config

	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration

	// MaxMessageSize limits incoming frames.
	MaxMessageSize int64

	// PingInterval for keepalive pings (0 = disabled).
	PingInterval time.Duration
}

// DefaultWebSocketConfig returns configuration with sensible defaults.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		Config:         DefaultConfig(),
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 1 << 20,
		PingInterval:   30 * time.Second,
	}
}

// NewWebSocketTransport wraps an upgraded connection.
func NewWebSocketTransport(conn *websocket.Conn, cfg WebSocketConfig) *WebSocketTransport {
	cfg.Config = cfg.Config.withDefaults()
	if cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	return &WebSocketTransport{
		conn:   conn,
		config: cfg,
		recv:   make(chan *InboundMessage, cfg.RecvBufferSize),
		send:   make(chan *OutboundMessage, cfg.SendBufferSize),
		done:   make(chan struct{}),
	}
}

// NewWebSocketUpgrader creates an upgrader that accepts the given origins.
// With no origins every origin is accepted.
func NewWebSocketUpgrader(allowedOrigins ...string) *websocket.Upgrader {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			return allowed[origin] || allowed[u.Host]
		},
	}
}

// Recv returns the channel of incoming messages. It closes when the peer
// disconnects.
func (t *WebSocketTransport) Recv() <-chan *InboundMessage {
	return t.recv
}

// Send queues a message for delivery.
func (t *WebSocketTransport) Send(msg *OutboundMessage) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}

	select {
	case t.send <- msg:
		return nil
	case <-t.done:
		return ErrClosed
	}
}

// Run reads and writes until ctx is cancelled, Close is called, or the
// peer disconnects. Queued messages are written before the connection
// closes.
func (t *WebSocketTransport) Run(ctx context.Context) error {
	t.mu.Lock()
	t.running = true
	t.mu.Unlock()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		t.readLoop(ctx)
	}()
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		t.writeLoop(ctx)
	}()

	select {
	case <-ctx.Done():
	case <-t.done:
	}
	t.Close()
	<-writerDone
	t.closeConn()
	<-readerDone
	return ctx.Err()
}

// Close stops the transport. When Run is active it closes the connection
// after flushing queued messages; otherwise the connection closes now.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	running := t.running
	t.mu.Unlock()

	if !running {
		return t.closeConn()
	}
	return nil
}

func (t *WebSocketTransport) closeConn() error {
	t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return t.conn.Close()
}

func (t *WebSocketTransport) readLoop(ctx context.Context) {
	defer close(t.recv)
	defer t.Close()

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			return
		}

		msg, parseErr := ParseInbound(data)
		if parseErr != nil {
			t.Send(parseErrorResponse(data, parseErr))
			continue
		}

		select {
		case t.recv <- msg:
		case <-ctx.Done():
			return
		case <-t.done:
			return
		}
	}
}

func (t *WebSocketTransport) writeLoop(ctx context.Context) {
	var ping <-chan time.Time
	if t.config.PingInterval > 0 {
		ticker := time.NewTicker(t.config.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			t.drain()
			return
		case <-t.done:
			t.drain()
			return
		case <-ping:
			t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
		case msg := <-t.send:
			t.write(msg)
		}
	}
}

func (t *WebSocketTransport) drain() {
	for {
		select {
		case msg := <-t.send:
			t.write(msg)
		default:
			return
		}
	}
}

func (t *WebSocketTransport) write(msg *OutboundMessage) {
	data, err := MarshalOutbound(msg)
	if err != nil {
		return
	}
	if t.config.WriteTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
	}
	t.conn.WriteMessage(websocket.TextMessage, data)
}
