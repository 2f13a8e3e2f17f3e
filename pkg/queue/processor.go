package queue

import (
	"context"
	"sync"
)

// Processor executes queued requests. Implementations are supplied by
// the caller; the queue engine never performs I/O against destinations
// itself.
type Processor interface {
	// ProcessRequest executes a single request and returns its result.
	ProcessRequest(ctx context.Context, r *Request) (*Result, error)

	// ProcessBatch executes a ready batch. Results are positional:
	// result[i] corresponds to batch.Requests[i]. A nil error with a
	// short result slice marks the remaining members failed.
	ProcessBatch(ctx context.Context, b *Batch) ([]*Result, error)

	// CanProcess reports whether this processor can execute the request.
	CanProcess(r *Request) bool

	// Health reports the processor's own liveness.
	Health() Health
}

// processorRegistry maps capability keys to processors. Lookup order is
// exact endpoint, then method, then the default registration; the first
// candidate whose CanProcess accepts the request wins.
type processorRegistry struct {
	mu         sync.RWMutex
	byEndpoint map[string]Processor
	byMethod   map[Method]Processor
	fallback   Processor
}

func newProcessorRegistry() *processorRegistry {
	return &processorRegistry{
		byEndpoint: make(map[string]Processor),
		byMethod:   make(map[Method]Processor),
	}
}

func (pr *processorRegistry) registerEndpoint(endpoint string, p Processor) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.byEndpoint[endpoint] = p
}

func (pr *processorRegistry) registerMethod(method Method, p Processor) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.byMethod[method] = p
}

func (pr *processorRegistry) registerDefault(p Processor) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.fallback = p
}

// resolve returns the processor for the request, or nil when none matches.
func (pr *processorRegistry) resolve(r *Request) Processor {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	if p, ok := pr.byEndpoint[r.Endpoint]; ok && p.CanProcess(r) {
		return p
	}
	if p, ok := pr.byMethod[r.Method]; ok && p.CanProcess(r) {
		return p
	}
	if pr.fallback != nil && pr.fallback.CanProcess(r) {
		return pr.fallback
	}
	return nil
}

func (pr *processorRegistry) empty() bool {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	return len(pr.byEndpoint) == 0 && len(pr.byMethod) == 0 && pr.fallback == nil
}

// health aggregates the health of every registered processor; the worst
// status wins.
func (pr *processorRegistry) health() Health {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	worst := Health{Status: "healthy"}
	rank := map[string]int{"healthy": 0, "degraded": 1, "unhealthy": 2}
	consider := func(p Processor) {
		h := p.Health()
		if rank[h.Status] > rank[worst.Status] {
			worst = h
		}
	}
	for _, p := range pr.byEndpoint {
		consider(p)
	}
	for _, p := range pr.byMethod {
		consider(p)
	}
	if pr.fallback != nil {
		consider(pr.fallback)
	}
	return worst
}

// ProcessorFunc adapts a request function into a Processor that accepts
// everything and executes batches member by member.
type ProcessorFunc func(ctx context.Context, r *Request) (*Result, error)

// ProcessRequest implements Processor.
func (f ProcessorFunc) ProcessRequest(ctx context.Context, r *Request) (*Result, error) {
	return f(ctx, r)
}

// ProcessBatch implements Processor by executing members sequentially.
func (f ProcessorFunc) ProcessBatch(ctx context.Context, b *Batch) ([]*Result, error) {
	results := make([]*Result, len(b.Requests))
	for i, r := range b.Requests {
		res, err := f(ctx, r)
		if err != nil {
			return results[:i], err
		}
		results[i] = res
	}
	return results, nil
}

// CanProcess implements Processor; a ProcessorFunc accepts every request.
func (f ProcessorFunc) CanProcess(*Request) bool { return true }

// Health implements Processor.
func (f ProcessorFunc) Health() Health { return Health{Status: "healthy"} }
