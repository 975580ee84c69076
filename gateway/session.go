package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/vinayprograms/agentbus/auth"
	buserrors "github.com/vinayprograms/agentbus/errors"
	"github.com/vinayprograms/agentbus/logging"
	"github.com/vinayprograms/agentbus/transport"
)

// session is one connected client. A session is bound to the agent it
// speaks for: the token subject when authenticated, otherwise the last
// agent that registered, polled or sent a heartbeat over it. Notifications
// go to the bound agent.
type session struct {
	gw        *Gateway
	transport transport.Transport
	claims    *auth.Claims
	notes     chan *transport.Notification

	mu    sync.RWMutex
	agent string
}

func newSession(g *Gateway, t transport.Transport, claims *auth.Claims) *session {
	s := &session{
		gw:        g,
		transport: t,
		claims:    claims,
		notes:     make(chan *transport.Notification, NotifyQueueSize),
	}
	if claims != nil {
		s.agent = claims.AgentID()
	}
	return s
}

func (s *session) boundAgent() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agent
}

func (s *session) bind(agentID string) {
	if s.claims != nil {
		return
	}
	s.mu.Lock()
	s.agent = agentID
	s.mu.Unlock()
}

// authorize rejects calls on behalf of an agent other than the token's.
func (s *session) authorize(agentID string) error {
	if s.claims == nil || s.claims.AgentID() == agentID {
		return nil
	}
	return &transport.Error{
		Code:    CodeUnauthorized,
		Message: "Unauthorized",
		Data: buserrors.New(buserrors.ErrCodeUnauthorized, "token does not permit acting as "+agentID,
			buserrors.WithAgentID(agentID)),
	}
}

func (s *session) notify(n *transport.Notification) {
	select {
	case s.notes <- n:
	default:
		s.gw.logger.Debug("gateway_notification_dropped", logging.Fields{"agent": s.boundAgent(), "method": n.Method})
	}
}

// forward writes queued notifications until ctx ends.
func (s *session) forward(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-s.notes:
			if err := s.transport.Send(&transport.OutboundMessage{Notification: n}); err != nil {
				return
			}
		}
	}
}

// Handle implements transport.Handler.
func (s *session) Handle(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	h, ok := methods[method]
	if !ok {
		return nil, &transport.Error{Code: transport.MethodNotFound, Message: "Method not found", Data: method}
	}
	return h(ctx, s, params)
}
