package transport

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrClosed      = errors.New("transport closed")
	ErrSendTimeout = errors.New("send timeout")
	ErrEmpty       = errors.New("empty outbound message")
)

// Transport carries JSON-RPC messages between the bus and one client.
type Transport interface {
	// Recv returns the channel of incoming messages. It is closed when the
	// transport shuts down or the peer goes away.
	Recv() <-chan *InboundMessage

	// Send queues a message for delivery. Returns ErrClosed once closed.
	Send(msg *OutboundMessage) error

	// Run starts the transport and blocks until ctx is cancelled.
	Run(ctx context.Context) error

	// Close initiates shutdown. Queued sends are drained first.
	Close() error
}

// InboundMessage is one parsed message from the client. Exactly one of
// Request and Notification is set.
type InboundMessage struct {
	Request      *Request
	Notification *Notification

	// Raw holds the bytes as received.
	Raw json.RawMessage
}

// OutboundMessage is one message to the client. Exactly one of Response
// and Notification is set.
type OutboundMessage struct {
	Response     *Response
	Notification *Notification
}

// ParseInbound parses one JSON-RPC 2.0 message. Messages with a non-null
// id are requests, everything else is a notification.
func ParseInbound(data []byte) (*InboundMessage, error) {
	var head struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Method  string          `json:"method"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, &Error{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}
	if head.JSONRPC != Version {
		return nil, &Error{Code: InvalidRequest, Message: "Invalid Request", Data: "jsonrpc must be 2.0"}
	}
	if head.Method == "" {
		return nil, &Error{Code: InvalidRequest, Message: "Invalid Request", Data: "method is required"}
	}

	msg := &InboundMessage{Raw: data}
	if len(head.ID) > 0 && string(head.ID) != "null" {
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, &Error{Code: ParseError, Message: "Parse error", Data: err.Error()}
		}
		msg.Request = &req
		return msg, nil
	}

	var notif Notification
	if err := json.Unmarshal(data, &notif); err != nil {
		return nil, &Error{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}
	msg.Notification = &notif
	return msg, nil
}

// MarshalOutbound serializes an OutboundMessage.
func MarshalOutbound(msg *OutboundMessage) ([]byte, error) {
	switch {
	case msg == nil:
		return nil, ErrEmpty
	case msg.Response != nil:
		return json.Marshal(msg.Response)
	case msg.Notification != nil:
		return json.Marshal(msg.Notification)
	}
	return nil, ErrEmpty
}

// Config holds settings shared by all transports.
type Config struct {
	// RecvBufferSize is the receive channel capacity. Default: 100
	RecvBufferSize int

	// SendBufferSize is the send queue capacity. Default: 100
	SendBufferSize int
}

// DefaultConfig returns the default buffer sizes.
func DefaultConfig() Config {
	return Config{
		RecvBufferSize: 100,
		SendBufferSize: 100,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.RecvBufferSize <= 0 {
		c.RecvBufferSize = def.RecvBufferSize
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = def.SendBufferSize
	}
	return c
}

// parseErrorResponse builds the reply for a message ParseInbound rejected,
// echoing the id when it can be recovered.
func parseErrorResponse(raw []byte, parseErr error) *OutboundMessage {
	var partial struct {
		ID interface{} `json:"id"`
	}
	json.Unmarshal(raw, &partial)

	var rpcErr *Error
	if !errors.As(parseErr, &rpcErr) {
		rpcErr = &Error{Code: ParseError, Message: "Parse error", Data: parseErr.Error()}
	}
	return &OutboundMessage{Response: NewErrorResponse(partial.ID, rpcErr)}
}
