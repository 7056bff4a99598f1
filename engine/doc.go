// Package engine runs registered jobs as idempotent, resumable workflows
// and is the application-level API of acidic.
//
// The engine package sits above every subsystem package (workflow, record,
// staged, queue, store) and below the application, so the subsystems never
// import each other back.
//
// # Building an Engine
//
//	st, _ := postgres.New(ctx, dsn)
//	q := memory.New()
//
//	eng, err := engine.New(st,
//	    engine.WithAdapter(q),
//	    engine.WithExtension(myExtension),
//	    engine.WithMiddleware(middleware.Timeout(30*time.Second, logger)),
//	)
//	q.SetHandler(eng.Handle)
//
// # Registering Jobs
//
//	engine.Register(eng, workflow.Definition[RideArgs]{
//	    Name: "ride_create",
//	    Declare: func(b *workflow.Builder, args RideArgs) {
//	        b.Step("create_ride", createRide).
//	            Step("charge_card", chargeCard).
//	            Step("send_receipt", nil, workflow.Awaits(workflow.AwaitJob("send_receipt", args))).
//	            Step("notify", notify)
//	    },
//	})
//
// # Running Jobs
//
// [Engine.Handle] is a queue.Handler; wire it to any adapter's worker.
// [Engine.Perform] runs an invocation directly. Either way, each step runs
// in one store transaction together with its recovery-point advance, so a
// crash between steps resumes at the first step that did not commit.
//
// # Staging Follow-up Work
//
// Inside a step, [Engine.Stage] writes a job to the outbox in the step's
// transaction; it is enqueued only after that transaction commits.
//
// # Options
//
//   - [WithConfig]: engine and sweeper settings
//   - [WithAdapter]: register a queue adapter
//   - [WithExtension]: register a lifecycle extension
//   - [WithMiddleware]: add step middleware
//   - [WithSerializer]: choose the stored error codec
//   - [WithKeyFunc]: custom idempotency key derivation
//   - [WithTracerProvider], [WithMeterProvider]: OpenTelemetry providers
package engine
