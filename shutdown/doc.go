// Package shutdown stops a bus process in dependency order.
//
// # Overview
//
// A running bus owns listeners, liveness loops, confirmation timers,
// in-flight pushes and store connections. They must stop in order: the
// gateway first so nothing new arrives, then the courier so timers are
// cancelled and pushes drain, then the stores the courier was writing to.
// The Coordinator runs registered handlers phase by phase on SIGTERM,
// SIGINT or an explicit Shutdown call.
//
//	SIGTERM / SIGINT / Shutdown()
//	          │
//	          ▼
//	  ingress (10) → liveness (20) → courier (30) → storage (40) → telemetry (50)
//
// # Usage
//
//	coord := shutdown.NewCoordinator(shutdown.Config{Timeout: 30 * time.Second, Logger: logger})
//	coord.RegisterWithPhase("gateway", gw, shutdown.PhaseIngress)
//	coord.RegisterWithPhase("courier", c, shutdown.PhaseCourier)
//	coord.RegisterFuncWithPhase("registry", func(context.Context) error {
//	    return reg.Close()
//	}, shutdown.PhaseStorage)
//	coord.HandleSignals()
//
//	<-coord.Done()
//
// Handlers in the same phase run concurrently. Each receives the shared
// shutdown context and should return once it is cancelled. A phase that
// starts after the context ended is skipped and Shutdown returns
// ErrTimeout.
package shutdown
