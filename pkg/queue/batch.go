package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// BatchConfig configures batching behavior.
type BatchConfig struct {
	Enabled      bool          `env:"QUEUE_BATCHING_ENABLED" envDefault:"false"`
	MaxBatchSize int           `env:"QUEUE_MAX_BATCH_SIZE" envDefault:"10"`
	BatchTimeout time.Duration `env:"QUEUE_BATCH_TIMEOUT" envDefault:"1s"`
}

// BatchTuning exposes the adaptive batch-sizing constants as
// configuration. The defaults reproduce the original heuristics.
type BatchTuning struct {
	// GrowFactor scales the target size up after fast, fully successful flushes.
	GrowFactor float64 `env:"QUEUE_BATCH_GROW_FACTOR" envDefault:"1.2"`
	// ShrinkFactor scales the target size down after failed or slow flushes.
	ShrinkFactor float64 `env:"QUEUE_BATCH_SHRINK_FACTOR" envDefault:"0.8"`
	// SlowFlush is the flush duration beyond which a batch counts as slow.
	SlowFlush time.Duration `env:"QUEUE_BATCH_SLOW_FLUSH" envDefault:"2s"`
	// EarlyFlushPriority flushes a batch immediately when a member with
	// at least this priority arrives.
	EarlyFlushPriority int `env:"QUEUE_BATCH_EARLY_FLUSH_PRIORITY" envDefault:"10"`
	// HalfFlushPriority flushes at half capacity when a member with at
	// least this priority is present.
	HalfFlushPriority int `env:"QUEUE_BATCH_HALF_FLUSH_PRIORITY" envDefault:"8"`
}

// DefaultBatchTuning returns the original heuristic constants.
func DefaultBatchTuning() BatchTuning {
	return BatchTuning{
		GrowFactor:         1.2,
		ShrinkFactor:       0.8,
		SlowFlush:          2 * time.Second,
		EarlyFlushPriority: PriorityMax,
		HalfFlushPriority:  8,
	}
}

// priorityBand groups priorities into the three bands batches are keyed
// by: low (1-3), mid (4-7), high (8-10).
func priorityBand(priority int) int {
	switch {
	case priority >= 8:
		return 2
	case priority >= 4:
		return 1
	default:
		return 0
	}
}

func batchKey(zone, endpoint string, priority int) string {
	return fmt.Sprintf("%s|%s|%d", zone, endpoint, priorityBand(priority))
}

// BatchManager groups batchable requests by destination zone, endpoint,
// and priority band, decides when a group is ready, and adaptively
// sizes groups from flush feedback. Ready batches are handed to the
// flush callback exactly once.
type BatchManager struct {
	mu      sync.Mutex
	cfg     BatchConfig
	tuning  BatchTuning
	backend Backend
	now     func() time.Time

	open   map[string]*Batch // collecting batches by group key
	timers map[uuid.UUID]*time.Timer

	// targetSize is the adaptive size goal, clamped to [1, MaxBatchSize].
	targetSize float64

	onReady func(*Batch)
	closed  bool
}

// NewBatchManager creates a batch manager persisting through the given
// backend. onReady is invoked (on a separate goroutine) whenever a
// batch becomes ready for execution.
func NewBatchManager(cfg BatchConfig, tuning BatchTuning, backend Backend, onReady func(*Batch)) *BatchManager {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 10
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = time.Second
	}
	if tuning.GrowFactor <= 1 {
		tuning.GrowFactor = 1.2
	}
	if tuning.ShrinkFactor <= 0 || tuning.ShrinkFactor >= 1 {
		tuning.ShrinkFactor = 0.8
	}
	if tuning.SlowFlush <= 0 {
		tuning.SlowFlush = 2 * time.Second
	}
	if tuning.EarlyFlushPriority <= 0 {
		tuning.EarlyFlushPriority = PriorityMax
	}
	if tuning.HalfFlushPriority <= 0 {
		tuning.HalfFlushPriority = 8
	}
	return &BatchManager{
		cfg:        cfg,
		tuning:     tuning,
		backend:    backend,
		now:        time.Now,
		open:       make(map[string]*Batch),
		timers:     make(map[uuid.UUID]*time.Timer),
		targetSize: float64(cfg.MaxBatchSize),
		onReady:    onReady,
	}
}

// TargetSize returns the current adaptive size goal.
func (bm *BatchManager) TargetSize() int {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.clampedTarget()
}

func (bm *BatchManager) clampedTarget() int {
	t := int(bm.targetSize)
	if t < 1 {
		t = 1
	}
	if t > bm.cfg.MaxBatchSize {
		t = bm.cfg.MaxBatchSize
	}
	return t
}

// Add places a batchable request into its group's collecting batch,
// creating the batch on first member. It returns the batch the request
// joined, after applying the flush triggers.
func (bm *BatchManager) Add(ctx context.Context, r *Request) (*Batch, error) {
	bm.mu.Lock()
	if bm.closed {
		bm.mu.Unlock()
		return nil, ErrQueueClosed
	}

	key := batchKey(r.Zone, r.Endpoint, r.Priority)
	b, ok := bm.open[key]
	created := false
	if !ok {
		b = &Batch{
			ID:        uuid.New(),
			Priority:  r.Priority,
			CreatedAt: bm.now(),
			Endpoint:  r.Endpoint,
			Zone:      r.Zone,
			MaxSize:   bm.clampedTarget(),
			Timeout:   bm.cfg.BatchTimeout,
			Status:    BatchStatusCollecting,
		}
		bm.open[key] = b
		created = true
	}

	b.Requests = append(b.Requests, r)
	if r.Priority > b.Priority {
		b.Priority = r.Priority
	}

	flush := bm.shouldFlush(b, r)
	if flush {
		bm.detach(b, key)
	} else if created {
		bm.armTimer(b, key)
	}
	snapshot := *b
	bm.mu.Unlock()

	if err := bm.backend.StoreBatch(ctx, &snapshot); err != nil {
		return nil, err
	}
	if flush {
		bm.ready(b)
	}
	return b, nil
}

// shouldFlush applies the force-flush triggers: full batch, a
// top-priority member, or a high-priority member at half capacity.
// Callers hold the lock.
func (bm *BatchManager) shouldFlush(b *Batch, latest *Request) bool {
	if len(b.Requests) >= b.MaxSize {
		return true
	}
	if latest.Priority >= bm.tuning.EarlyFlushPriority {
		return true
	}
	if b.Priority >= bm.tuning.HalfFlushPriority && len(b.Requests)*2 >= b.MaxSize {
		return true
	}
	return false
}

// armTimer schedules the collection-window flush for a new batch.
// Callers hold the lock.
func (bm *BatchManager) armTimer(b *Batch, key string) {
	id := b.ID
	bm.timers[id] = time.AfterFunc(b.Timeout, func() {
		bm.mu.Lock()
		current, ok := bm.open[key]
		if !ok || current.ID != id || bm.closed {
			bm.mu.Unlock()
			return
		}
		bm.detach(current, key)
		bm.mu.Unlock()
		bm.ready(current)
	})
}

// detach removes a batch from the collecting set. Callers hold the lock.
func (bm *BatchManager) detach(b *Batch, key string) {
	delete(bm.open, key)
	if t, ok := bm.timers[b.ID]; ok {
		t.Stop()
		delete(bm.timers, b.ID)
	}
	b.Status = BatchStatusReady
}

// ready persists the transition and hands the batch to the callback.
func (bm *BatchManager) ready(b *Batch) {
	status := BatchStatusReady
	_ = bm.backend.UpdateBatch(context.Background(), b.ID, BatchUpdate{Status: &status})
	if bm.onReady != nil {
		go bm.onReady(b)
	}
}

// RecordFlush feeds execution feedback into the adaptive sizing: fast
// full successes grow the target, failures or slow flushes shrink it.
func (bm *BatchManager) RecordFlush(size int, duration time.Duration, failed int) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	if failed > 0 || duration > bm.tuning.SlowFlush {
		bm.targetSize *= bm.tuning.ShrinkFactor
	} else if size >= bm.clampedTarget() {
		bm.targetSize *= bm.tuning.GrowFactor
	}
	if bm.targetSize < 1 {
		bm.targetSize = 1
	}
	if bm.targetSize > float64(bm.cfg.MaxBatchSize) {
		bm.targetSize = float64(bm.cfg.MaxBatchSize)
	}
}

// Flush forces every collecting batch out, e.g. on shutdown.
func (bm *BatchManager) Flush() {
	bm.mu.Lock()
	pending := make([]*Batch, 0, len(bm.open))
	for key, b := range bm.open {
		bm.detach(b, key)
		pending = append(pending, b)
	}
	bm.mu.Unlock()

	for _, b := range pending {
		bm.ready(b)
	}
}

// Close stops timers and prevents further collection.
func (bm *BatchManager) Close() {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	bm.closed = true
	for id, t := range bm.timers {
		t.Stop()
		delete(bm.timers, id)
	}
}
