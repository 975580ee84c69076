// Package registry tracks the agents known to the bus.
//
// # Overview
//
// Every agent that sends or receives messages registers once with an
// endpoint and optional capability labels. The bus resolves the recipient
// of every send through the registry; an unknown recipient fails the send
// instead of silently dropping the message.
//
// # Available Implementations
//
//   - MemoryRegistry: In-memory implementation for testing and single-node use
//   - NATSRegistry: Distributed registry using NATS JetStream KV store
//
// # Basic Usage
//
//	reg := registry.NewMemoryRegistry(registry.MemoryConfig{})
//	_, err := reg.Register("impl-agent", "https://impl.local/inbox",
//	    registry.WithCapabilities("go", "review"),
//	)
//
// Endpoints decide delivery. An empty or "mailbox:" endpoint is pull-only,
// "http(s)://" endpoints receive webhook pushes and "bus:<subject>"
// endpoints receive messages published on the bus. See ParseEndpoint.
//
// Re-registering is idempotent: the endpoint and options are replaced,
// LastSeen is reset and RegisteredAt is kept.
//
// # Liveness
//
// Touch marks an agent as seen. The heartbeat monitor moves agents that
// stop sending heartbeats to StatusUnreachable; the next Touch makes them
// active again.
//
// # Broadcast filters
//
//	agents, _ := reg.List(&registry.Filter{
//	    Capabilities: []string{"review", "qa"}, // any-match
//	    Status:       registry.StatusActive,
//	    Exclude:      []string{sender},
//	})
package registry
