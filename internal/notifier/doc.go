// Package notifier paces every outbound bot message.
//
// Channel posts, DMs and button panels go through one token-bucket limiter
// and a bounded retry loop. Send is synchronous for callers that must know
// the outcome (the bump reminder writes its marker only after a successful
// send). Notify queues fire-and-forget messages for a small worker pool.
//
// Messages may carry a dedup key; a key seen within its window is suppressed,
// and the window is persisted to the store so it survives restarts.
package notifier
