// Package notifier announces recorded picks to operators.
//
// A Message fans out to every configured Sender (a Telegram chat, an AMQP
// exchange). Delivery is asynchronous: a bounded queue feeds a worker pool
// that rate limits, retries with backoff, and suppresses duplicates keyed by
// the milestone job that produced the message. Dedup state can be persisted
// so a restart does not resend the same picks.
//
// The service keeps a short in-memory history of delivered messages for the
// HTTP surface.
package notifier
