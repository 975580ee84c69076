// Package transport carries JSON-RPC 2.0 between the bus and its clients.
//
// # Overview
//
// Agents that do not speak the message bus natively reach the courier
// through a transport: a co-located process over stdin/stdout, or a
// remote one over WebSocket. Both implement Transport with channel-based
// receive and a queued send, so the gateway serves them the same way.
//
//   - StdioTransport: newline-delimited JSON over a reader and writer
//   - WebSocketTransport: one JSON message per text frame
//
// # Usage
//
//	t := transport.NewStdioTransport(os.Stdin, os.Stdout, transport.DefaultConfig())
//	go t.Run(ctx)
//
//	err := transport.Serve(ctx, t, transport.HandlerFunc(
//	    func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
//	        if method != "agentbus.ping" {
//	            return nil, &transport.Error{Code: transport.MethodNotFound, Message: "Method not found"}
//	        }
//	        return "pong", nil
//	    }))
//
// Serve handles requests in arrival order so a client that pipelines
// sends sees them applied in the order it wrote them.
//
// # Thread Safety
//
// All transport methods are safe for concurrent use. The Recv channel is
// closed when the transport shuts down or the peer goes away.
package transport
