// Package mailbox stores the bounded per-agent message queues.
//
// Every agent owns one mailbox. Appending past the configured cap evicts
// the oldest messages so a mailbox never holds more than
// MaxMessagesPerAgent entries; expired messages are never returned and are
// deleted by EvictExpired, which a Sweeper runs on a fixed interval.
//
// # Implementations
//
//   - MemoryStore: per-agent locking, nothing survives a restart
//   - SQLiteStore: durable single-node storage on modernc.org/sqlite
//   - JetStreamStore: NATS JetStream KV, messages encoded as CBOR
//
// Operations on different mailboxes never contend on a shared lock in
// MemoryStore. SQLiteStore serializes writes through its single connection.
//
// # Usage
//
//	store := mailbox.NewMemoryStore(mailbox.Config{MaxMessagesPerAgent: 100})
//	evicted, _ := store.Append(ctx, "impl-agent", msg)
//	msgs, _ := store.Drain(ctx, "impl-agent", message.Filter{Limit: 10, MarkRead: true})
//	store.Remove(ctx, "impl-agent", msgs[0].ID)
package mailbox
