// Package state provides a revisioned key-value store for shared read models.
//
// Every write carries the revision it expects to replace, so concurrent
// writers never silently overwrite each other: Create fails with ErrExists
// when the key is already present and Update fails with ErrRevisionMismatch
// when another writer got there first. Callers re-read and retry.
//
// Backends: NATS JetStream KV for multi-process deployments and an
// in-memory store for single-process use and tests.
//
//	store := state.NewMemoryStore()
//	rev, _ := store.Create(ctx, "task.t1", data)
//	_, err := store.Update(ctx, "task.t1", next, rev)
//	if errors.Is(err, state.ErrRevisionMismatch) {
//	    // re-read and retry
//	}
package state
