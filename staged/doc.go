// Package staged implements the transactional outbox.
//
// A step that needs to enqueue follow-up work writes a [Job] row inside its
// own database transaction instead of talking to the queue directly. After
// the transaction commits, the [Publisher] hands the row to its queue
// adapter and deletes it. If the process dies between commit and publish,
// the [Sweeper] finds the row once its grace period passes and publishes it
// again. Delivery is therefore at-least-once; downstream jobs deduplicate
// on the staged ID, which they receive as their job id.
package staged
