// Package gateway serves the bus to agents over JSON-RPC 2.0.
//
// Agents connect over WebSocket at /ws, or over any transport.Transport
// handed to ServeTransport (a stdio pipe for a co-located agent). Every
// method returns a result with a success flag; bus failures such as an
// unknown recipient or a full mailbox are reported in the result's error
// field, while malformed calls get JSON-RPC errors.
//
// # Methods
//
//	agentbus.sendMessage   send one message
//	agentbus.broadcast     send to many agents, best effort per target
//	agentbus.getMessages   read a mailbox with an optional filter
//	agentbus.acknowledge   acknowledge a message, resolving its confirmation
//	agentbus.remove        delete a message from a mailbox
//	agentbus.resend        redeliver an unacknowledged message
//	agentbus.register      register or re-register an agent
//	agentbus.unregister    remove an agent
//	agentbus.listAgents    list agents by capability and status
//	agentbus.heartbeat     report liveness, status and load
//	agentbus.taskState     read the state of a task thread
//	agentbus.types         list message types and their fields
//
// # Sessions
//
// With a signer configured, each WebSocket connection presents an agent
// token and may only act for that agent. Unauthenticated sessions bind to
// the last agent that registered, polled or sent a heartbeat. The bound
// agent receives an agentbus.messageAvailable notification for every
// message delivered to its mailbox. Notifications that cannot be queued
// are dropped; the message itself stays in the mailbox.
//
// # Rate limiting
//
// A ratelimit.Limiter caps sends and broadcasts per sending agent. A
// throttled call fails with a CAPACITY error and is not delivered.
package gateway
