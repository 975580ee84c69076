// Package tasks tracks the lifecycle of delegated tasks.
//
// A task thread is the sequence of bus messages that share a payload
// taskId. The Coordinator interprets that sequence as a state machine:
//
//	DELEGATED → ACCEPTED → IN_PROGRESS → COMPLETED
//	    │                      │
//	    └→ REJECTED            └→ FAILED (fatal ERROR_REPORT)
//
// Thread state is a materialized read model kept in a state.StateStore and
// updated with compare-and-swap each time a lifecycle message is sent, so
// concurrent senders cannot both win a conflicting terminal outcome. The
// same transitions are exposed as a pure function (Transition) and through
// Replay, which rebuilds a thread from its message history.
//
// # Tolerance
//
// Duplicate and out-of-order messages are ignored and logged, never
// fatal: redelivering a message with a known ID, accepting twice, or
// reporting progress on a finished task leaves the thread unchanged.
// Conflicting outcomes are different: accepting a rejected task (or
// rejecting an accepted one), or completing a rejected or failed task,
// returns a DUPLICATE_TERMINAL_TRANSITION error naming the prior message.
//
// # Blockers
//
// BLOCKER_REPORT and ERROR_REPORT annotate an active thread and move it to
// IN_PROGRESS. Blockers never change state on their own; BLOCKER_RESOLVED
// clears the annotation.
//
// # Basic Usage
//
//	store := state.NewMemoryStore()
//	coord := tasks.NewCoordinator(store)
//
//	out, err := coord.Apply(ctx, delegation)
//	if err != nil {
//	    // conflicting terminal transition
//	}
//	th, _ := coord.Get(ctx, "t1")
//	fmt.Println(th.State) // DELEGATED
package tasks
