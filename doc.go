// Package acidic gives background jobs ACID-like guarantees. A job that
// performs several side-effecting steps can crash or be retried at any point
// without duplicating effects or losing progress.
//
// Acidic is a library, not a service. Import it, configure a store, and
// declare jobs as ordered steps of ordinary Go functions.
//
// # Quick Start
//
//	eng, err := engine.New(pgStore,
//	    engine.WithAdapter(redisqueue.New(rdb)),
//	)
//	engine.Register(eng, workflow.Definition[ChargeArgs]{
//	    Name: "charge",
//	    Declare: func(b *workflow.Builder, args ChargeArgs) {
//	        b.Step("create_charge", createCharge)
//	        b.Step("send_receipt", sendReceipt)
//	    },
//	})
//	res, err := eng.Perform(ctx, idempotency.Invocation{JobID: jid, JobName: "charge", Args: raw})
//
// # Architecture
//
// Every logical job invocation owns one ExecutionRecord row. The record holds
// the idempotency key, the snapshotted workflow, the recovery point (the next
// step to run), the execution context and the last error. A timestamp soft
// lock on the row keeps duplicate deliveries from running concurrently, and a
// transactional outbox lets steps enqueue follow-up work only if their
// transaction commits.
//
// Each subsystem (record, staged) defines its own store interface; a single
// backend (memory, postgres, bun, sqlite) implements all of them.
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based.
package acidic
