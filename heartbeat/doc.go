// Package heartbeat keeps agent liveness in the registry current.
//
// # Overview
//
// Agents prove liveness by interacting with the bus: every send and
// mailbox poll bumps LastSeen. Agents that go quiet for long stretches
// send heartbeats instead, either published on the bus or through the
// gateway's agentbus.heartbeat method. A Monitor turns heartbeats into
// registry updates and marks agents unreachable once nothing has been
// heard from them for the timeout. The registry's watch stream carries
// the status change to the rest of the bus.
//
//	┌─────────────┐  agentbus.heartbeat.<id>   ┌─────────────┐  Touch / UpdateStatus  ┌──────────┐
//	│   Sender    │ ─────────────────────────> │   Monitor   │ ─────────────────────> │ Registry │
//	│  (agent)    │                            │   (bus)     │                        │          │
//	└─────────────┘                            └─────────────┘                        └──────────┘
//
// # Usage
//
// Agent side:
//
//	sender, _ := heartbeat.NewSender(heartbeat.SenderConfig{
//	    Bus:      b,
//	    AgentID:  "coder",
//	    Interval: 5 * time.Second,
//	})
//	sender.SetStatus(registry.StatusIdle)
//	sender.Start(ctx)
//
// Bus side:
//
//	monitor, _ := heartbeat.NewMonitor(heartbeat.MonitorConfig{
//	    Registry: reg,
//	    Bus:      b,
//	    Timeout:  15 * time.Second, // 3 missed heartbeats
//	})
//	monitor.OnDead(func(agentID string) {
//	    log.Printf("agent %s unreachable", agentID)
//	})
//	monitor.Start()
//
// # Ordering
//
// A heartbeat is accepted only if its timestamp is newer than the last one
// accepted for the same agent and no more than MaxSkew in the future, so
// replayed heartbeats cannot extend liveness. The subject must name the
// same agent as the payload.
package heartbeat
