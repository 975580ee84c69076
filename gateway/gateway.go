package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/vinayprograms/agentbus/auth"
	"github.com/vinayprograms/agentbus/courier"
	"github.com/vinayprograms/agentbus/events"
	"github.com/vinayprograms/agentbus/heartbeat"
	"github.com/vinayprograms/agentbus/logging"
	"github.com/vinayprograms/agentbus/ratelimit"
	"github.com/vinayprograms/agentbus/transport"
)

// ErrClosed is returned when serving after shutdown.
var ErrClosed = errors.New("gateway closed")

// NotifyQueueSize bounds undelivered notifications per session. Further
// notifications are dropped; the messages stay in the mailbox.
const NotifyQueueSize = 64

// Gateway exposes a courier to agents over JSON-RPC 2.0.
type Gateway struct {
	courier  *courier.Courier
	monitor  *heartbeat.Monitor
	signer   *auth.Signer
	limiter  *ratelimit.Limiter
	logger   *logging.Logger
	upgrader *websocket.Upgrader
	wsConfig transport.WebSocketConfig

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup

	mu       sync.Mutex
	sessions map[*session]struct{}
	closed   bool
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithMonitor routes agentbus.heartbeat through a liveness monitor.
// Without one, heartbeats only touch the registry.
func WithMonitor(m *heartbeat.Monitor) Option {
	return func(g *Gateway) { g.monitor = m }
}

// WithSigner requires a bearer token on every WebSocket connection and
// binds the connection to the token's agent.
func WithSigner(s *auth.Signer) Option {
	return func(g *Gateway) { g.signer = s }
}

// WithLimiter throttles sends and broadcasts per sending agent.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(g *Gateway) { g.limiter = l }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithWebSocketConfig sets per-connection WebSocket settings.
func WithWebSocketConfig(cfg transport.WebSocketConfig) Option {
	return func(g *Gateway) { g.wsConfig = cfg }
}

// WithAllowedOrigins restricts browser origins allowed to connect.
func WithAllowedOrigins(origins ...string) Option {
	return func(g *Gateway) { g.upgrader = transport.NewWebSocketUpgrader(origins...) }
}

// New creates a gateway for c.
func New(c *courier.Courier, opts ...Option) *Gateway {
	g := &Gateway{
		courier:  c,
		logger:   logging.Discard(),
		upgrader: transport.NewWebSocketUpgrader(),
		wsConfig: transport.DefaultWebSocketConfig(),
		sessions: make(map[*session]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.ctx, g.cancel = context.WithCancel(context.Background())
	g.unsubscribe = c.Events().Subscribe(events.ObserverFunc(g.observe), events.MessageSent)
	return g
}

// Handler returns the HTTP routes: /ws for WebSocket clients and
// /healthz for probes.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", g)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		closed, n := g.closed, len(g.sessions)
		g.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if closed {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"ok": !closed, "sessions": n})
	})
	return mux
}

// ServeHTTP upgrades the request to a WebSocket session. With a signer
// configured the request must carry a valid agent token, either as a
// bearer Authorization header or a token query parameter.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var claims *auth.Claims
	if g.signer != nil {
		token, ok := auth.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		c, err := g.signer.Verify(token, auth.AudienceAgent)
		if err != nil {
			g.logger.Warn("gateway_auth_failed", logging.Fields{"remote": r.RemoteAddr, "error": err})
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		claims = c
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	t := transport.NewWebSocketTransport(conn, g.wsConfig)
	if err := g.ServeTransport(r.Context(), t, claims); err != nil && !errors.Is(err, ErrClosed) {
		g.logger.Warn("gateway_session_error", logging.Fields{"remote": r.RemoteAddr, "error": err})
	}
}

// ServeTransport runs one client session over t until the client goes
// away, ctx is cancelled or the gateway shuts down. claims may be nil when
// the transport is trusted, as with a co-located stdio agent.
func (g *Gateway) ServeTransport(ctx context.Context, t transport.Transport, claims *auth.Claims) error {
	s, err := g.open(t, claims)
	if err != nil {
		t.Close()
		return err
	}
	defer g.release(s)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(g.ctx, cancel)
	defer stop()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		t.Run(ctx)
	}()
	go s.forward(ctx)

	err = transport.Serve(ctx, t, s)
	cancel()
	t.Close()
	<-runDone

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (g *Gateway) open(t transport.Transport, claims *auth.Claims) (*session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrClosed
	}

	s := newSession(g, t, claims)
	g.sessions[s] = struct{}{}
	g.wg.Add(1)
	g.logger.Debug("gateway_session_opened", logging.Fields{"agent": s.boundAgent()})
	return s, nil
}

func (g *Gateway) release(s *session) {
	g.mu.Lock()
	delete(g.sessions, s)
	g.mu.Unlock()
	g.logger.Debug("gateway_session_closed", logging.Fields{"agent": s.boundAgent()})
	g.wg.Done()
}

// observe tells connected recipients that a message is waiting.
func (g *Gateway) observe(e events.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for s := range g.sessions {
		if s.boundAgent() == e.To {
			s.notify(transport.NewNotification(NotifyMessageAvailable, MessageAvailable{
				MessageID: e.MessageID,
				From:      e.From,
				To:        e.To,
				Type:      e.Data["type"],
				Priority:  e.Data["priority"],
			}))
		}
	}
}

// Sessions returns the number of connected clients.
func (g *Gateway) Sessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// Shutdown stops accepting sessions, closes the open ones and waits for
// them to finish, bounded by ctx.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()

	g.unsubscribe()
	g.cancel()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnShutdown implements shutdown.ShutdownHandler.
func (g *Gateway) OnShutdown(ctx context.Context) error {
	return g.Shutdown(ctx)
}
