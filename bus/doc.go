// Package bus provides the pub/sub transport the message bus uses for push
// delivery, event forwarding and heartbeats.
//
// Two implementations satisfy MessageBus:
//
//   - NATSBus: backed by a NATS connection
//   - MemoryBus: in-process channels for tests and single-node use
//
// # Subjects
//
// Subjects are dot-separated tokens rooted at SubjectRoot:
//
//	agentbus.events.<event-type>     bus events (see package events)
//	agentbus.heartbeat.<agent-id>    agent heartbeats (see package heartbeat)
//	<any subject>                    push targets of "bus:<subject>" endpoints
//
// Subscriptions may use "*" for one token and ">" for the remaining tokens.
// MemoryBus honors the same wildcards as NATS, so a monitor subscribing to
// "agentbus.heartbeat.*" behaves the same on both.
//
// # Queue Groups
//
// Queue subscriptions deliver each message to one member of the group. Bus
// instances sharing a registry use this so only one of them processes each
// heartbeat:
//
//	sub, _ := b.QueueSubscribe("agentbus.heartbeat.*", "monitors")
//
// Delivery is best-effort: a full subscription buffer drops messages.
package bus
