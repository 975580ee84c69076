// Package ratelimit bounds how fast each agent may send.
//
// A misbehaving agent that loops on sendMessage would otherwise push every
// other message out of its peers' bounded mailboxes. The gateway takes one
// token per sent or broadcast message from the sender's bucket and rejects
// the call with a CAPACITY error when the bucket is empty.
//
//	limiter, _ := ratelimit.New(100, time.Minute) // 100 sends per minute per agent
//	if !limiter.Allow(agentID) {
//	    // reject
//	}
//
// Buckets refill continuously at capacity/window and start full. Wait
// blocks instead of rejecting, for callers that prefer backpressure.
package ratelimit
