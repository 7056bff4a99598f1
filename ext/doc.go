// Package ext defines the extension system for acidic.
//
// Extensions are notified of execution lifecycle events and can react to
// them: recording metrics, writing audit logs, alerting on contention.
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	func (e *MyExtension) OnWorkflowFinished(ctx context.Context, r *record.Record, elapsed time.Duration) error {
//	    log.Printf("%s %s finished in %s", r.JobName, r.IdempotencyKey, elapsed)
//	    return nil
//	}
//
// # Record Hooks
//
//   - [RecordCreated]: a new execution record was persisted
//   - [Replayed]: an invocation hit a finished record
//   - [LockContended]: an invocation found its record locked
//
// # Workflow Hooks
//
//   - [StepCompleted]: a step's transaction committed
//   - [StepFailed]: a step's transaction rolled back
//   - [WorkflowFinished]: the record reached FINISHED
//   - [WorkflowFailed]: a run stopped with a persisted error
//
// # Outbox Hooks
//
//   - [JobStaged]: a staged job row was written
//   - [StagedEnqueued]: a staged job was handed to its queue
//
// [Shutdown] fires when the engine stops.
package ext
