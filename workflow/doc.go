// Package workflow declares the step graph an acidic job runs through.
//
// A job declares an ordered list of named steps. Each step names the handler
// that does its work, optionally lists sub-jobs to await, and names the step
// that comes next. Steps chain linearly in declaration order unless a step
// overrides its successor; the last step leads to [Finished].
//
// The declared [Workflow] is snapshotted into the execution record when the
// record is created, so code changes deployed mid-run cannot reshape an
// in-flight job. Handlers are looked up by name from the freshly built
// [Plan] on every run.
//
// # Declaring a Job
//
//	var Charge = workflow.Definition[ChargeArgs]{
//	    Name: "charge",
//	    Declare: func(b *workflow.Builder, args ChargeArgs) {
//	        b.Given("attempt", 1)
//	        b.Step("create_charge", createCharge)
//	        if args.SendReceipt {
//	            b.Step("send_receipt", sendReceipt,
//	                workflow.Awaits(workflow.AwaitJob("render_pdf", args)))
//	        }
//	    },
//	}
//
// # State Machine
//
// A record's recovery point moves through the declared steps:
//
//	first step → ... → FINISHED
//
// Step handlers read and write the execution context through [Scope]; the
// engine persists it together with the recovery point after every step.
package workflow
