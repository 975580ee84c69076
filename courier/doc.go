// Package courier is the message bus core. It composes the schema registry,
// the agent registry, the mailbox store, the delivery confirmation tracker,
// the task coordinator and push delivery behind one Courier value.
//
// # Send Path
//
// Send validates the payload, resolves the recipient, applies task
// lifecycle messages to the task read model, appends the message to the
// recipient's mailbox and returns. Confirmation arming and push delivery
// happen on goroutines tracked by the courier and awaited by Shutdown.
//
//	c := courier.New(reg, store,
//	    courier.WithTasks(tasks.NewCoordinator(state.NewMemoryStore())),
//	    courier.WithDispatcher(events.NewDispatcher(logger)),
//	)
//	if err := c.Start(); err != nil {
//	    return err
//	}
//	defer c.Shutdown(context.Background())
//
//	res := c.Send(ctx, "planner", "coder", schema.TaskDelegation, payload, courier.SendOptions{})
//	if !res.Success {
//	    return res.Error
//	}
//
// # Failures
//
// Every send returns a SendResult. Schema and recipient failures are
// reported in the result and never enqueue anything. Mailbox overflow is
// not a failure: the evicted IDs are listed in the result and emitted as
// mailbox.evicted events. A push that exhausts its retries emits
// transport.failure, marks the recipient unreachable and files a
// BLOCKER_REPORT from SystemAgentID into the sender's mailbox.
package courier
