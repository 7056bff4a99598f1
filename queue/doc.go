// Package queue is the boundary between the acidic engine and the host job
// queue.
//
// The engine never dequeues work itself. It hands jobs to an [Adapter]
// (after the producing transaction commits) and receives deliveries through
// a [Handler]. Adapters that can track a group of jobs and fire a callback
// when all of them succeed also implement [Batcher]; steps that await
// sub-jobs require one.
//
// Adapters are looked up by name in a [Registry]; asking for a name that was
// never registered returns acidic.ErrUnknownAdapter.
//
// Implementations live in sub-packages: queue/memory (in-process worker
// pool), queue/redis (Redis lists) and queue/nats (NATS subjects).
//
// # Limits
//
// [Limiter] enforces per-job-name rate limits and concurrency caps for
// adapters that run their own workers:
//
//	queue.NewLimiter(
//	    queue.Limit{Name: "send_email", MaxConcurrency: 5, RateLimit: 10},
//	)
package queue
