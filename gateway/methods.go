package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/vinayprograms/agentbus/courier"
	buserrors "github.com/vinayprograms/agentbus/errors"
	"github.com/vinayprograms/agentbus/heartbeat"
	"github.com/vinayprograms/agentbus/message"
	"github.com/vinayprograms/agentbus/registry"
	"github.com/vinayprograms/agentbus/schema"
	"github.com/vinayprograms/agentbus/tasks"
	"github.com/vinayprograms/agentbus/transport"
)

// JSON-RPC methods served by the gateway.
const (
	MethodSendMessage = "agentbus.sendMessage"
	MethodGetMessages = "agentbus.getMessages"
	MethodAcknowledge = "agentbus.acknowledge"
	MethodRemove      = "agentbus.remove"
	MethodResend      = "agentbus.resend"
	MethodRegister    = "agentbus.register"
	MethodUnregister  = "agentbus.unregister"
	MethodListAgents  = "agentbus.listAgents"
	MethodBroadcast   = "agentbus.broadcast"
	MethodTaskState   = "agentbus.taskState"
	MethodHeartbeat   = "agentbus.heartbeat"
	MethodTypes       = "agentbus.types"

	// NotifyMessageAvailable is sent to a connected recipient whenever a
	// message lands in its mailbox.
	NotifyMessageAvailable = "agentbus.messageAvailable"
)

// CodeUnauthorized is the JSON-RPC error code for calls made on behalf of
// another agent than the authenticated one.
const CodeUnauthorized = transport.ServerError - 1

// MessageAvailable is the params of an agentbus.messageAvailable
// notification.
type MessageAvailable struct {
	MessageID string `json:"messageId"`
	From      string `json:"from"`
	To        string `json:"to"`
	Type      string `json:"type"`
	Priority  string `json:"priority,omitempty"`
}

type methodFunc func(ctx context.Context, s *session, params json.RawMessage) (interface{}, error)

var methods = map[string]methodFunc{
	MethodSendMessage: sendMessage,
	MethodGetMessages: getMessages,
	MethodAcknowledge: acknowledge,
	MethodRemove:      remove,
	MethodResend:      resend,
	MethodRegister:    register,
	MethodUnregister:  unregister,
	MethodListAgents:  listAgents,
	MethodBroadcast:   broadcast,
	MethodTaskState:   taskState,
	MethodHeartbeat:   sendHeartbeat,
	MethodTypes:       listTypes,
}

// Result is the envelope of every method result. Bus failures are
// reported here with Success false; malformed calls get JSON-RPC errors.
type Result struct {
	Success bool             `json:"success"`
	Error   *buserrors.Error `json:"error,omitempty"`
}

func ok() Result { return Result{Success: true} }

func failed(err error) Result {
	if e := buserrors.As(err); e != nil {
		return Result{Error: e}
	}
	return Result{Error: buserrors.Wrap(err, "request failed")}
}

// Options are per-message send options. Durations use Go syntax ("30s").
type Options struct {
	Priority             string `json:"priority,omitempty"`
	RequiresConfirmation bool   `json:"requiresConfirmation,omitempty"`
	ConfirmationTimeout  string `json:"confirmationTimeout,omitempty"`
	TTL                  string `json:"ttl,omitempty"`
}

func (o Options) parse() (courier.SendOptions, error) {
	var out courier.SendOptions
	if o.Priority != "" {
		p, err := message.ParsePriority(o.Priority)
		if err != nil {
			return out, err
		}
		out.Priority = p
	}
	out.RequiresConfirmation = o.RequiresConfirmation
	var err error
	if out.ConfirmationTimeout, err = parseDuration("confirmationTimeout", o.ConfirmationTimeout); err != nil {
		return out, err
	}
	if out.TTL, err = parseDuration("ttl", o.TTL); err != nil {
		return out, err
	}
	return out, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, errors.New(field + ": invalid duration " + s)
	}
	return d, nil
}

func parseType(s string) schema.Type {
	if t, err := schema.ParseType(s); err == nil {
		return t
	}
	return schema.Type(s)
}

func decode(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return invalidParams("params are required")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return invalidParams(err.Error())
	}
	return nil
}

func invalidParams(detail string) *transport.Error {
	return &transport.Error{Code: transport.InvalidParams, Message: "Invalid params", Data: detail}
}

func require(field, value string) error {
	if value == "" {
		return invalidParams(field + " is required")
	}
	return nil
}

// SendParams are the params of agentbus.sendMessage.
type SendParams struct {
	From    string         `json:"from"`
	To      string         `json:"to"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
	Options Options        `json:"options,omitempty"`
}

func sendMessage(ctx context.Context, s *session, raw json.RawMessage) (interface{}, error) {
	var p SendParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := require("from", p.From); err != nil {
		return nil, err
	}
	if err := s.authorize(p.From); err != nil {
		return nil, err
	}
	opts, err := p.Options.parse()
	if err != nil {
		return nil, invalidParams(err.Error())
	}
	if res, limited := s.throttle(p.From); limited {
		return res, nil
	}
	return s.gw.courier.Send(ctx, p.From, p.To, parseType(p.Type), p.Payload, opts), nil
}

// throttle takes a send token for from. When none is left it returns the
// rejection to send back.
func (s *session) throttle(from string) (courier.SendResult, bool) {
	if s.gw.limiter == nil || s.gw.limiter.Allow(from) {
		return courier.SendResult{}, false
	}
	return courier.SendResult{Error: buserrors.New(buserrors.ErrCodeCapacity, "send rate exceeded",
		buserrors.WithAgentID(from))}, true
}

// GetMessagesParams are the params of agentbus.getMessages.
type GetMessagesParams struct {
	AgentID        string    `json:"agentId"`
	Type           string    `json:"type,omitempty"`
	From           string    `json:"from,omitempty"`
	Priority       string    `json:"priority,omitempty"`
	Since          time.Time `json:"since,omitempty"`
	Limit          int       `json:"limit,omitempty"`
	Oldest         bool      `json:"oldest,omitempty"`
	MarkRead       bool      `json:"markRead,omitempty"`
	Unacknowledged bool      `json:"unacknowledged,omitempty"`
}

// MessagesResult is the result of agentbus.getMessages.
type MessagesResult struct {
	Result
	Messages []*message.Message `json:"messages"`
}

func getMessages(ctx context.Context, s *session, raw json.RawMessage) (interface{}, error) {
	var p GetMessagesParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := require("agentId", p.AgentID); err != nil {
		return nil, err
	}
	if err := s.authorize(p.AgentID); err != nil {
		return nil, err
	}
	if p.Limit < 0 {
		return nil, invalidParams("limit must not be negative")
	}

	filter := message.Filter{
		From:           p.From,
		Since:          p.Since,
		Limit:          p.Limit,
		Oldest:         p.Oldest,
		MarkRead:       p.MarkRead,
		Unacknowledged: p.Unacknowledged,
	}
	if p.Type != "" {
		filter.Type = parseType(p.Type)
	}
	if p.Priority != "" {
		prio, err := message.ParsePriority(p.Priority)
		if err != nil {
			return nil, invalidParams(err.Error())
		}
		filter.Priority = prio
	}

	s.bind(p.AgentID)
	msgs, err := s.gw.courier.Receive(ctx, p.AgentID, filter)
	if err != nil {
		return MessagesResult{Result: failed(err), Messages: []*message.Message{}}, nil
	}
	if msgs == nil {
		msgs = []*message.Message{}
	}
	return MessagesResult{Result: ok(), Messages: msgs}, nil
}

// MessageRefParams name one message in one mailbox.
type MessageRefParams struct {
	AgentID   string `json:"agentId"`
	MessageID string `json:"messageId"`
}

func (p MessageRefParams) check(s *session) error {
	if err := require("agentId", p.AgentID); err != nil {
		return err
	}
	if err := require("messageId", p.MessageID); err != nil {
		return err
	}
	return s.authorize(p.AgentID)
}

// AcknowledgeResult is the result of agentbus.acknowledge.
type AcknowledgeResult struct {
	Result
	Message *message.Message `json:"message,omitempty"`
}

func acknowledge(ctx context.Context, s *session, raw json.RawMessage) (interface{}, error) {
	var p MessageRefParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := p.check(s); err != nil {
		return nil, err
	}
	m, err := s.gw.courier.Acknowledge(ctx, p.AgentID, p.MessageID)
	if err != nil {
		return AcknowledgeResult{Result: failed(err)}, nil
	}
	return AcknowledgeResult{Result: ok(), Message: m}, nil
}

// RemoveResult is the result of agentbus.remove. Removing an unknown
// message succeeds with Removed false.
type RemoveResult struct {
	Result
	Removed bool `json:"removed"`
}

func remove(ctx context.Context, s *session, raw json.RawMessage) (interface{}, error) {
	var p MessageRefParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := p.check(s); err != nil {
		return nil, err
	}
	removed, err := s.gw.courier.Remove(ctx, p.AgentID, p.MessageID)
	if err != nil {
		return RemoveResult{Result: failed(err)}, nil
	}
	return RemoveResult{Result: ok(), Removed: removed}, nil
}

// resend may be called by the recipient or by the original sender.
// AgentID names the recipient's mailbox either way.
func resend(ctx context.Context, s *session, raw json.RawMessage) (interface{}, error) {
	var p MessageRefParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := require("agentId", p.AgentID); err != nil {
		return nil, err
	}
	if err := require("messageId", p.MessageID); err != nil {
		return nil, err
	}
	if denied := s.authorize(p.AgentID); denied != nil {
		m, err := s.gw.courier.Get(ctx, p.AgentID, p.MessageID)
		if err != nil {
			return courier.SendResult{MessageID: p.MessageID, Error: failed(err).Error}, nil
		}
		if s.authorize(m.From) != nil {
			return nil, denied
		}
	}
	return s.gw.courier.Resend(ctx, p.AgentID, p.MessageID), nil
}

// RegisterParams are the params of agentbus.register.
type RegisterParams struct {
	AgentID      string            `json:"agentId"`
	Endpoint     string            `json:"endpoint,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// AgentResult carries one registration.
type AgentResult struct {
	Result
	Agent *registry.Registration `json:"agent,omitempty"`
}

func register(ctx context.Context, s *session, raw json.RawMessage) (interface{}, error) {
	var p RegisterParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := require("agentId", p.AgentID); err != nil {
		return nil, err
	}
	if err := s.authorize(p.AgentID); err != nil {
		return nil, err
	}

	var opts []registry.Option
	if len(p.Capabilities) > 0 {
		opts = append(opts, registry.WithCapabilities(p.Capabilities...))
	}
	if len(p.Metadata) > 0 {
		opts = append(opts, registry.WithMetadata(p.Metadata))
	}
	reg, err := s.gw.courier.Registry().Register(p.AgentID, p.Endpoint, opts...)
	if err != nil {
		return AgentResult{Result: failed(registryError(err, p.AgentID))}, nil
	}
	s.bind(p.AgentID)
	return AgentResult{Result: ok(), Agent: reg}, nil
}

// AgentParams name one agent.
type AgentParams struct {
	AgentID string `json:"agentId"`
}

// UnregisterResult is the result of agentbus.unregister. Unregistering an
// unknown agent succeeds with Removed false.
type UnregisterResult struct {
	Result
	Removed bool `json:"removed"`
}

func unregister(ctx context.Context, s *session, raw json.RawMessage) (interface{}, error) {
	var p AgentParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := require("agentId", p.AgentID); err != nil {
		return nil, err
	}
	if err := s.authorize(p.AgentID); err != nil {
		return nil, err
	}

	err := s.gw.courier.Registry().Unregister(p.AgentID)
	if errors.Is(err, registry.ErrNotFound) {
		return UnregisterResult{Result: ok()}, nil
	}
	if err != nil {
		return UnregisterResult{Result: failed(registryError(err, p.AgentID))}, nil
	}
	if s.gw.limiter != nil {
		s.gw.limiter.Forget(p.AgentID)
	}
	if s.gw.monitor != nil {
		s.gw.monitor.Forget(p.AgentID)
	}
	return UnregisterResult{Result: ok(), Removed: true}, nil
}

// ListAgentsParams filter agentbus.listAgents.
type ListAgentsParams struct {
	Capabilities []string `json:"capabilities,omitempty"`
	Status       string   `json:"status,omitempty"`
}

// AgentsResult is the result of agentbus.listAgents.
type AgentsResult struct {
	Result
	Agents []registry.Registration `json:"agents"`
}

func listAgents(ctx context.Context, s *session, raw json.RawMessage) (interface{}, error) {
	var p ListAgentsParams
	if len(raw) > 0 {
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
	}
	filter := &registry.Filter{Capabilities: p.Capabilities}
	if p.Status != "" {
		st, err := registry.ParseStatus(p.Status)
		if err != nil {
			return nil, invalidParams(err.Error())
		}
		filter.Status = st
	}

	agents, err := s.gw.courier.Registry().List(filter)
	if err != nil {
		return AgentsResult{Result: failed(registryError(err, "")), Agents: []registry.Registration{}}, nil
	}
	if agents == nil {
		agents = []registry.Registration{}
	}
	return AgentsResult{Result: ok(), Agents: agents}, nil
}

// BroadcastParams are the params of agentbus.broadcast. Without targets
// the message goes to every registered agent except the sender that
// matches the optional capability and status filter.
type BroadcastParams struct {
	From         string         `json:"from"`
	Type         string         `json:"type"`
	Payload      map[string]any `json:"payload"`
	Targets      []string       `json:"targets,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Status       string         `json:"status,omitempty"`
	Options      Options        `json:"options,omitempty"`
}

// BroadcastResult is the result of agentbus.broadcast. Success is false
// when the call failed as a whole or every target failed.
type BroadcastResult struct {
	Success bool `json:"success"`
	courier.BroadcastResult
}

func broadcast(ctx context.Context, s *session, raw json.RawMessage) (interface{}, error) {
	var p BroadcastParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := require("from", p.From); err != nil {
		return nil, err
	}
	if err := s.authorize(p.From); err != nil {
		return nil, err
	}
	opts, err := p.Options.parse()
	if err != nil {
		return nil, invalidParams(err.Error())
	}

	req := courier.BroadcastRequest{
		From:    p.From,
		Type:    parseType(p.Type),
		Payload: p.Payload,
		Targets: p.Targets,
		Options: opts,
	}
	if len(p.Capabilities) > 0 || p.Status != "" {
		req.Filter = &registry.Filter{Capabilities: p.Capabilities}
		if p.Status != "" {
			st, err := registry.ParseStatus(p.Status)
			if err != nil {
				return nil, invalidParams(err.Error())
			}
			req.Filter.Status = st
		}
	}
	if res, limited := s.throttle(p.From); limited {
		return BroadcastResult{BroadcastResult: courier.BroadcastResult{Error: res.Error}}, nil
	}

	res := s.gw.courier.Broadcast(ctx, req)
	return BroadcastResult{Success: res.Error == nil && !res.AllFailed(), BroadcastResult: res}, nil
}

// TaskStateParams are the params of agentbus.taskState.
type TaskStateParams struct {
	TaskID string `json:"taskId"`
}

// TaskResult is the result of agentbus.taskState.
type TaskResult struct {
	Result
	Task *tasks.Thread `json:"task,omitempty"`
}

func taskState(ctx context.Context, s *session, raw json.RawMessage) (interface{}, error) {
	var p TaskStateParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := require("taskId", p.TaskID); err != nil {
		return nil, err
	}

	coord := s.gw.courier.Tasks()
	if coord == nil {
		return TaskResult{Result: failed(buserrors.New(buserrors.ErrCodeUnavailable, "task tracking is disabled"))}, nil
	}
	th, err := coord.Get(ctx, p.TaskID)
	switch {
	case errors.Is(err, tasks.ErrTaskNotFound):
		return TaskResult{Result: failed(buserrors.NotFound("task not found", buserrors.WithTaskID(p.TaskID)))}, nil
	case err != nil:
		return TaskResult{Result: failed(buserrors.Wrap(err, "load task", buserrors.WithTaskID(p.TaskID)))}, nil
	}
	return TaskResult{Result: ok(), Task: th}, nil
}

// HeartbeatParams are the params of agentbus.heartbeat. Timestamp
// defaults to the time the gateway receives the call.
type HeartbeatParams struct {
	AgentID   string            `json:"agentId"`
	Status    string            `json:"status,omitempty"`
	Load      float64           `json:"load,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp,omitempty"`
}

func sendHeartbeat(ctx context.Context, s *session, raw json.RawMessage) (interface{}, error) {
	var p HeartbeatParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := require("agentId", p.AgentID); err != nil {
		return nil, err
	}
	if err := s.authorize(p.AgentID); err != nil {
		return nil, err
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}
	hb := &heartbeat.Heartbeat{
		AgentID:   p.AgentID,
		Timestamp: p.Timestamp,
		Status:    registry.Status(p.Status),
		Load:      p.Load,
		Metadata:  p.Metadata,
	}
	s.bind(p.AgentID)

	if s.gw.monitor != nil {
		if err := s.gw.monitor.Receive(hb); err != nil {
			return failed(heartbeatError(err, p.AgentID)), nil
		}
		return ok(), nil
	}

	if err := hb.Validate(); err != nil {
		return failed(heartbeatError(err, p.AgentID)), nil
	}
	reg := s.gw.courier.Registry()
	var err error
	if hb.Status != "" {
		_, err = reg.UpdateStatus(p.AgentID, hb.Status, hb.Metadata)
	} else {
		err = reg.Touch(p.AgentID)
	}
	if err != nil {
		return failed(registryError(err, p.AgentID)), nil
	}
	return ok(), nil
}

// TypesResult is the result of agentbus.types.
type TypesResult struct {
	Result
	Types []schema.Definition `json:"types"`
}

func listTypes(ctx context.Context, s *session, raw json.RawMessage) (interface{}, error) {
	res := TypesResult{Result: ok()}
	for _, t := range schema.Types() {
		def, _ := schema.Lookup(t)
		res.Types = append(res.Types, def)
	}
	return res, nil
}

func registryError(err error, agentID string) *buserrors.Error {
	opts := []buserrors.Option{buserrors.WithAgentID(agentID)}
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return buserrors.NotFound("agent not registered", opts...)
	case errors.Is(err, registry.ErrClosed):
		return buserrors.WrapWithCode(err, buserrors.ErrCodeClosed, "registry closed", opts...)
	case errors.Is(err, registry.ErrInvalidID), errors.Is(err, registry.ErrInvalidStatus):
		return buserrors.WrapWithCode(err, buserrors.ErrCodeInvalidInput, "invalid registration", opts...)
	default:
		return buserrors.Wrap(err, "registry", opts...)
	}
}

func heartbeatError(err error, agentID string) *buserrors.Error {
	opts := []buserrors.Option{buserrors.WithAgentID(agentID)}
	switch {
	case errors.Is(err, heartbeat.ErrUnknownAgent):
		return buserrors.NotFound("agent not registered", opts...)
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, registry.ErrClosed):
		return registryError(err, agentID)
	default:
		return buserrors.WrapWithCode(err, buserrors.ErrCodeInvalidInput, "heartbeat rejected", opts...)
	}
}
