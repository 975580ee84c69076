package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the only protocol version accepted.
const Version = "2.0"

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("jsonrpc %d: %s (%v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("jsonrpc %d: %s", e.Code, e.Message)
}

// Standard error codes. Codes from ServerError down to -32099 are
// reserved for the application.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
	ServerError    = -32000
)

// Notification is a JSON-RPC 2.0 notification. It has no id and gets no
// response.
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// NewResponse builds a successful response.
func NewResponse(id, result interface{}) *Response {
	return &Response{JSONRPC: Version, ID: id, Result: result}
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id interface{}, err *Error) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: err}
}

// NewNotification builds a notification.
func NewNotification(method string, params interface{}) *Notification {
	return &Notification{JSONRPC: Version, Method: method, Params: params}
}

// Handler handles JSON-RPC requests. Returning an *Error sends it as is;
// any other error is reported as InternalError.
type Handler interface {
	Handle(ctx context.Context, method string, params json.RawMessage) (interface{}, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, method string, params json.RawMessage) (interface{}, error)

func (f HandlerFunc) Handle(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	return f(ctx, method, params)
}

// Serve dispatches messages from t to h until the transport's receive
// channel closes or ctx is cancelled. Requests are handled in arrival
// order and each gets exactly one response; notification results are
// discarded. Serve does not start or close the transport.
func Serve(ctx context.Context, t Transport, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-t.Recv():
			if !ok {
				return nil
			}
			if err := dispatch(ctx, t, h, msg); err != nil {
				if errors.Is(err, ErrClosed) {
					return nil
				}
				return err
			}
		}
	}
}

func dispatch(ctx context.Context, t Transport, h Handler, msg *InboundMessage) error {
	if msg.Notification != nil {
		h.Handle(ctx, msg.Notification.Method, notificationParams(msg.Notification))
		return nil
	}
	if msg.Request == nil {
		return nil
	}

	req := msg.Request
	result, err := h.Handle(ctx, req.Method, req.Params)
	if err != nil {
		return t.Send(&OutboundMessage{Response: NewErrorResponse(req.ID, AsError(err))})
	}
	return t.Send(&OutboundMessage{Response: NewResponse(req.ID, result)})
}

// AsError converts err to a JSON-RPC error.
func AsError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &Error{Code: InternalError, Message: "Internal error", Data: err.Error()}
}

func notificationParams(n *Notification) json.RawMessage {
	switch p := n.Params.(type) {
	case nil:
		return nil
	case json.RawMessage:
		return p
	default:
		data, _ := json.Marshal(p)
		return data
	}
}
