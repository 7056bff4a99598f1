// Package audithook records acidic lifecycle events as an audit trail.
//
// Every record, step and outbox hook becomes an [AuditEvent] handed to a
// [Recorder]. Severity is info for normal progress, warning for contention
// and step failures, and critical when a workflow fails.
//
//	eng, _ := engine.New(st,
//	    engine.WithExtension(audithook.New(audithook.LogRecorder(logger))),
//	)
//
// Restrict the trail to failures:
//
//	audithook.New(recorder,
//	    audithook.WithActions(
//	        audithook.ActionStepFailed,
//	        audithook.ActionWorkflowFailed,
//	    ),
//	)
package audithook
