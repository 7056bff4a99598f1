package audithook

// Audit event actions. Each constant corresponds to one ext lifecycle hook
// and becomes the Action field of the audit event.
const (
	ActionRecordCreated    = "record.created"
	ActionRecordReplayed   = "record.replayed"
	ActionLockContended    = "record.lock_contended"
	ActionStepCompleted    = "step.completed"
	ActionStepFailed       = "step.failed"
	ActionWorkflowFinished = "workflow.finished"
	ActionWorkflowFailed   = "workflow.failed"
	ActionJobStaged        = "outbox.staged"
	ActionStagedEnqueued   = "outbox.enqueued"
)

// Audit event categories group related actions.
const (
	CategoryRecord = "acidic.record"
	CategoryStep   = "acidic.step"
	CategoryOutbox = "acidic.outbox"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceRecord = "execution_record"
	ResourceStaged = "staged_job"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionRecordCreated,
		ActionRecordReplayed,
		ActionLockContended,
		ActionStepCompleted,
		ActionStepFailed,
		ActionWorkflowFinished,
		ActionWorkflowFailed,
		ActionJobStaged,
		ActionStagedEnqueued,
	}
}
