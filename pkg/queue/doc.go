// Package queue implements an offline-first request queue: outbound API
// calls are captured as durable requests and replayed against their
// destinations with prioritization, deduplication, batching, retry with
// exponential backoff, and per-zone circuit breaking.
//
// The package is organised around a few components:
//
//   - Manager        — admits requests, runs the processing loop, and
//     delivers results through Outcome handles
//   - Backend        — the storage contract; MemoryBackend ships here,
//     durable implementations live in sibling packages
//   - Scheduler      — pluggable dequeue strategies (fifo, lifo,
//     priority, weighted, adaptive)
//   - BreakerManager — per-destination-zone circuit breakers
//   - BatchManager   — groups batchable requests by zone, endpoint, and
//     priority band with adaptive sizing
//
// The engine never performs destination I/O itself: callers register
// Processor implementations (or a ProcessorFunc) and the manager routes
// claimed requests to them.
//
// # Delivery semantics
//
// Delivery is at-least-once. A request's terminal status is written to
// the backend before its Outcome settles, so a crash between execution
// and acknowledgment re-delivers rather than loses work. Processors
// should be idempotent.
//
// # Usage
//
//	backend := queue.NewMemoryBackend()
//	mgr, err := queue.NewManager(queue.DefaultConfig(), backend)
//	if err != nil {
//	    return err
//	}
//	mgr.RegisterProcessor(queue.ProcessorFunc(func(ctx context.Context, r *queue.Request) (*queue.Result, error) {
//	    resp, err := callDestination(ctx, r)
//	    if err != nil {
//	        return nil, err
//	    }
//	    return &queue.Result{StatusCode: resp.StatusCode, Body: resp.Body}, nil
//	}))
//	if err := mgr.Start(ctx); err != nil {
//	    return err
//	}
//	defer mgr.Stop()
//
//	out, err := mgr.Enqueue(ctx, "/tickets", queue.MethodPost, "zone-a",
//	    queue.WithData(body),
//	    queue.WithPriority(8),
//	)
//	if err != nil {
//	    return err
//	}
//	res, err := out.Await(ctx)
//
// Requests that share a zone, method, endpoint, and payload are
// deduplicated while the original is still live: Enqueue returns the
// original request's Outcome instead of queuing a duplicate.
package queue
