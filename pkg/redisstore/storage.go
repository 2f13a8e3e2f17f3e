package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/asachs01/relayq/pkg/queue"
)

// dequeueScript atomically pops the best eligible pending request:
// highest priority first, earliest eligible-at time first within a
// priority, across every zone (or one zone when ARGV[2] is set).
var dequeueScript = redis.NewScript(`
local prefix = ARGV[1]
local zone = ARGV[2]
local now = ARGV[3]

local zones
if zone ~= '' then
	zones = {zone}
else
	zones = redis.call('SMEMBERS', prefix .. ':zones')
end

for prio = 10, 1, -1 do
	local best = nil
	local bestZone = nil
	local bestScore = nil
	for _, z in ipairs(zones) do
		local res = redis.call('ZRANGEBYSCORE', prefix .. ':pend:' .. z .. ':' .. prio,
			'-inf', now, 'WITHSCORES', 'LIMIT', 0, 1)
		if res[1] then
			local score = tonumber(res[2])
			if best == nil or score < bestScore then
				best = res[1]
				bestZone = z
				bestScore = score
			end
		end
	end
	if best then
		redis.call('ZREM', prefix .. ':pend:' .. bestZone .. ':' .. prio, best)
		return best
	end
end
return false
`)

// record wraps the request with storage-side timing bookkeeping.
type record struct {
	queue.Request
	ClaimedAt  int64 `json:"claimed_at,omitempty"`
	TerminalAt int64 `json:"terminal_at,omitempty"`
}

// Storage implements queue.Backend on a single Redis instance.
type Storage struct {
	cfg Config

	mu     sync.Mutex
	client *redis.Client
}

// New creates an uninitialized storage; the connection is established
// by Initialize.
func New(cfg Config) *Storage {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "relayq"
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	return &Storage{cfg: cfg}
}

// NewWithClient wraps an existing client, e.g. one shared with other
// subsystems or one pointed at a test instance.
func NewWithClient(client *redis.Client, cfg Config) *Storage {
	s := New(cfg)
	s.client = client
	return s
}

// Initialize connects to Redis. Idempotent.
func (s *Storage) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.client.Ping(ctx).Err()
	}
	client, err := Connect(ctx, s.cfg)
	if err != nil {
		return err
	}
	s.client = client
	return nil
}

// Close closes the connection. Safe to call multiple times.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

func (s *Storage) handle() (*redis.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil, queue.ErrBackendNotInitialized
	}
	return s.client, nil
}

func (s *Storage) reqKey(id uuid.UUID) string { return s.cfg.KeyPrefix + ":req:" + id.String() }
func (s *Storage) pendKey(zone string, priority int) string {
	return fmt.Sprintf("%s:pend:%s:%d", s.cfg.KeyPrefix, zone, priority)
}
func (s *Storage) statusKey(st queue.Status) string {
	return s.cfg.KeyPrefix + ":status:" + string(st)
}
func (s *Storage) zonesKey() string            { return s.cfg.KeyPrefix + ":zones" }
func (s *Storage) allKey() string              { return s.cfg.KeyPrefix + ":all" }
func (s *Storage) fpKey() string               { return s.cfg.KeyPrefix + ":fp" }
func (s *Storage) terminalKey() string         { return s.cfg.KeyPrefix + ":terminal" }
func (s *Storage) statsKey() string            { return s.cfg.KeyPrefix + ":stats" }
func (s *Storage) batchKey(id uuid.UUID) string { return s.cfg.KeyPrefix + ":batch:" + id.String() }
func (s *Storage) batchesKey() string          { return s.cfg.KeyPrefix + ":batches" }

// eligibleAt is the pending sorted-set score: the moment the request may
// be claimed, in unix milliseconds.
func eligibleAt(r *queue.Request) float64 {
	at := r.CreatedAt
	if r.ScheduledAt.After(at) {
		at = r.ScheduledAt
	}
	return float64(at.UnixMilli())
}

// Enqueue persists the request and inserts it into every derived index.
func (s *Storage) Enqueue(ctx context.Context, r *queue.Request) error {
	client, err := s.handle()
	if err != nil {
		return err
	}

	exists, err := client.Exists(ctx, s.reqKey(r.ID)).Result()
	if err != nil {
		return err
	}
	if exists > 0 {
		return queue.ErrDuplicateID
	}

	data, err := json.Marshal(record{Request: *r})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	pipe := client.TxPipeline()
	pipe.Set(ctx, s.reqKey(r.ID), data, 0)
	pipe.SAdd(ctx, s.allKey(), r.ID.String())
	pipe.SAdd(ctx, s.zonesKey(), r.Zone)
	pipe.SAdd(ctx, s.statusKey(r.Status), r.ID.String())
	if r.Status == queue.StatusPending {
		pipe.ZAdd(ctx, s.pendKey(r.Zone, r.Priority), redis.Z{Score: eligibleAt(r), Member: r.ID.String()})
	}
	if r.Fingerprint != "" {
		pipe.HSet(ctx, s.fpKey(), r.Fingerprint, r.ID.String())
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Dequeue pops the best eligible request via the Lua script, then marks
// it processing. The pop is the atomic step: once the script removes an
// id from its pending set no other claimer can see it.
func (s *Storage) Dequeue(ctx context.Context, zone string) (*queue.Request, error) {
	client, err := s.handle()
	if err != nil {
		return nil, err
	}

	res, err := dequeueScript.Run(ctx, client, nil,
		s.cfg.KeyPrefix, zone, strconv.FormatInt(time.Now().UnixMilli(), 10)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	id, err := uuid.Parse(res.(string))
	if err != nil {
		return nil, fmt.Errorf("parse dequeued id: %w", err)
	}
	return s.markProcessing(ctx, client, id)
}

// Claim claims one specific eligible pending request. The ZREM on its
// pending set is the atomic step: exactly one caller wins.
func (s *Storage) Claim(ctx context.Context, id uuid.UUID) (*queue.Request, error) {
	client, err := s.handle()
	if err != nil {
		return nil, err
	}

	rec, err := s.load(ctx, client, id)
	if err != nil {
		return nil, err
	}
	if !rec.Request.Eligible(time.Now()) {
		return nil, queue.ErrNotClaimable
	}

	removed, err := client.ZRem(ctx, s.pendKey(rec.Zone, rec.Priority), id.String()).Result()
	if err != nil {
		return nil, err
	}
	if removed == 0 {
		return nil, queue.ErrNotClaimable
	}
	return s.markProcessing(ctx, client, id)
}

func (s *Storage) markProcessing(ctx context.Context, client *redis.Client, id uuid.UUID) (*queue.Request, error) {
	rec, err := s.load(ctx, client, id)
	if err != nil {
		return nil, err
	}

	prev := rec.Status
	rec.Status = queue.StatusProcessing
	rec.ClaimedAt = time.Now().UnixMilli()
	if err := s.store(ctx, client, rec); err != nil {
		return nil, err
	}

	pipe := client.TxPipeline()
	pipe.SRem(ctx, s.statusKey(prev), id.String())
	pipe.SAdd(ctx, s.statusKey(queue.StatusProcessing), id.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	out := rec.Request
	return &out, nil
}

// Peek returns what Dequeue would claim without mutating anything.
func (s *Storage) Peek(ctx context.Context, zone string) (*queue.Request, error) {
	client, err := s.handle()
	if err != nil {
		return nil, err
	}

	zones := []string{zone}
	if zone == "" {
		zones, err = client.SMembers(ctx, s.zonesKey()).Result()
		if err != nil {
			return nil, err
		}
	}

	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	for prio := queue.PriorityMax; prio >= queue.PriorityMin; prio-- {
		var best *redis.Z
		var bestID string
		for _, z := range zones {
			res, err := client.ZRangeByScoreWithScores(ctx, s.pendKey(z, prio), &redis.ZRangeBy{
				Min: "-inf", Max: now, Count: 1,
			}).Result()
			if err != nil {
				return nil, err
			}
			if len(res) > 0 && (best == nil || res[0].Score < best.Score) {
				best = &res[0]
				bestID = res[0].Member.(string)
			}
		}
		if best != nil {
			id, err := uuid.Parse(bestID)
			if err != nil {
				return nil, err
			}
			rec, err := s.load(ctx, client, id)
			if err != nil {
				return nil, err
			}
			out := rec.Request
			return &out, nil
		}
	}
	return nil, nil
}

// UpdateRequest applies a partial mutation and moves every derived
// index. The manager is the only writer for a claimed request, so a
// load-modify-store without WATCH is sufficient here.
func (s *Storage) UpdateRequest(ctx context.Context, id uuid.UUID, u queue.Update) error {
	client, err := s.handle()
	if err != nil {
		return err
	}

	rec, err := s.load(ctx, client, id)
	if err != nil {
		return err
	}

	prev := rec.Request
	u.Apply(&rec.Request)
	now := time.Now()

	if prev.Status != queue.StatusProcessing && rec.Status == queue.StatusProcessing {
		rec.ClaimedAt = now.UnixMilli()
	}
	if !prev.Status.IsTerminal() && rec.Status.IsTerminal() {
		rec.TerminalAt = now.UnixMilli()
	}
	if err := s.store(ctx, client, rec); err != nil {
		return err
	}

	pipe := client.TxPipeline()
	if prev.Status != rec.Status {
		pipe.SRem(ctx, s.statusKey(prev.Status), id.String())
		pipe.SAdd(ctx, s.statusKey(rec.Status), id.String())
	}
	// Membership in the pending sets follows status, priority, and
	// eligibility time.
	if prev.Status == queue.StatusPending {
		pipe.ZRem(ctx, s.pendKey(prev.Zone, prev.Priority), id.String())
	}
	if rec.Status == queue.StatusPending {
		pipe.ZAdd(ctx, s.pendKey(rec.Zone, rec.Priority), redis.Z{Score: eligibleAt(&rec.Request), Member: id.String()})
	}
	if rec.Status.IsTerminal() {
		pipe.ZAdd(ctx, s.terminalKey(), redis.Z{Score: float64(rec.TerminalAt), Member: id.String()})
		if rec.Fingerprint != "" {
			pipe.HDel(ctx, s.fpKey(), rec.Fingerprint)
		}
	}
	if rec.Status == queue.StatusCompleted && rec.ClaimedAt > 0 {
		pipe.HIncrBy(ctx, s.statsKey(), "wait_total_ms", rec.ClaimedAt-rec.CreatedAt.UnixMilli())
		pipe.HIncrBy(ctx, s.statsKey(), "wait_count", 1)
		pipe.HIncrBy(ctx, s.statsKey(), "proc_total_ms", rec.TerminalAt-rec.ClaimedAt)
		pipe.HIncrBy(ctx, s.statsKey(), "proc_count", 1)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Remove deletes a request and all its index entries.
func (s *Storage) Remove(ctx context.Context, id uuid.UUID) error {
	client, err := s.handle()
	if err != nil {
		return err
	}

	rec, err := s.load(ctx, client, id)
	if err != nil {
		return err
	}
	return s.removeRecord(ctx, client, rec)
}

func (s *Storage) removeRecord(ctx context.Context, client *redis.Client, rec *record) error {
	id := rec.ID.String()
	pipe := client.TxPipeline()
	pipe.Del(ctx, s.reqKey(rec.ID))
	pipe.SRem(ctx, s.allKey(), id)
	pipe.SRem(ctx, s.statusKey(rec.Status), id)
	pipe.ZRem(ctx, s.pendKey(rec.Zone, rec.Priority), id)
	pipe.ZRem(ctx, s.terminalKey(), id)
	if rec.Fingerprint != "" {
		// Only release the fingerprint if it still maps to this request.
		cur, err := client.HGet(ctx, s.fpKey(), rec.Fingerprint).Result()
		if err == nil && cur == id {
			pipe.HDel(ctx, s.fpKey(), rec.Fingerprint)
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}

// GetRequest loads a request by id.
func (s *Storage) GetRequest(ctx context.Context, id uuid.UUID) (*queue.Request, error) {
	client, err := s.handle()
	if err != nil {
		return nil, err
	}
	rec, err := s.load(ctx, client, id)
	if err != nil {
		return nil, err
	}
	out := rec.Request
	return &out, nil
}

// GetByFingerprint returns the live request carrying the fingerprint.
func (s *Storage) GetByFingerprint(ctx context.Context, fingerprint string) (*queue.Request, error) {
	client, err := s.handle()
	if err != nil {
		return nil, err
	}

	idStr, err := client.HGet(ctx, s.fpKey(), fingerprint).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, err
	}

	rec, err := s.load(ctx, client, id)
	if errors.Is(err, queue.ErrRequestNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rec.Status.IsTerminal() {
		return nil, nil
	}
	out := rec.Request
	return &out, nil
}

// GetRequests loads every stored request and filters client-side; Redis
// has no query engine, and the queue is bounded by MaxQueueSize.
func (s *Storage) GetRequests(ctx context.Context, f queue.Filter) ([]*queue.Request, error) {
	client, err := s.handle()
	if err != nil {
		return nil, err
	}

	recs, err := s.loadSet(ctx, client, s.allKey())
	if err != nil {
		return nil, err
	}

	matched := make([]*queue.Request, 0, len(recs))
	for _, rec := range recs {
		r := rec.Request
		if f.Matches(&r) {
			cp := r
			matched = append(matched, &cp)
		}
	}

	less := func(a, b *queue.Request) bool { return a.CreatedAt.Before(b.CreatedAt) }
	switch f.SortBy {
	case queue.SortByScheduledAt:
		less = func(a, b *queue.Request) bool { return a.ScheduledAt.Before(b.ScheduledAt) }
	case queue.SortByPriority:
		less = func(a, b *queue.Request) bool { return a.Priority < b.Priority }
	case queue.SortByRetryCount:
		less = func(a, b *queue.Request) bool { return a.RetryCount < b.RetryCount }
	}
	sort.Slice(matched, func(i, j int) bool {
		if f.SortDesc {
			return less(matched[j], matched[i])
		}
		return less(matched[i], matched[j])
	})

	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

// Size counts pending plus processing requests, per zone when given.
func (s *Storage) Size(ctx context.Context, zone string) (int, error) {
	client, err := s.handle()
	if err != nil {
		return 0, err
	}

	if zone == "" {
		pipe := client.Pipeline()
		pending := pipe.SCard(ctx, s.statusKey(queue.StatusPending))
		processing := pipe.SCard(ctx, s.statusKey(queue.StatusProcessing))
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, err
		}
		return int(pending.Val() + processing.Val()), nil
	}

	count := 0
	for _, st := range []queue.Status{queue.StatusPending, queue.StatusProcessing} {
		recs, err := s.loadSet(ctx, client, s.statusKey(st))
		if err != nil {
			return 0, err
		}
		for _, rec := range recs {
			if rec.Zone == zone {
				count++
			}
		}
	}
	return count, nil
}

// Clear removes matching requests and returns how many were removed.
func (s *Storage) Clear(ctx context.Context, zone string) (int, error) {
	client, err := s.handle()
	if err != nil {
		return 0, err
	}

	recs, err := s.loadSet(ctx, client, s.allKey())
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, rec := range recs {
		if zone != "" && rec.Zone != zone {
			continue
		}
		if err := s.removeRecord(ctx, client, rec); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// StoreBatch persists or replaces a batch record.
func (s *Storage) StoreBatch(ctx context.Context, b *queue.Batch) error {
	client, err := s.handle()
	if err != nil {
		return err
	}

	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	pipe := client.TxPipeline()
	pipe.Set(ctx, s.batchKey(b.ID), data, 0)
	pipe.SAdd(ctx, s.batchesKey(), b.ID.String())
	_, err = pipe.Exec(ctx)
	return err
}

// GetReadyBatches promotes timed-out collecting batches and returns all
// ready ones, highest priority first.
func (s *Storage) GetReadyBatches(ctx context.Context) ([]*queue.Batch, error) {
	client, err := s.handle()
	if err != nil {
		return nil, err
	}

	ids, err := client.SMembers(ctx, s.batchesKey()).Result()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	ready := make([]*queue.Batch, 0, len(ids))
	for _, idStr := range ids {
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		b, err := s.loadBatch(ctx, client, id)
		if errors.Is(err, queue.ErrBatchNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if b.Status == queue.BatchStatusCollecting && b.Timeout > 0 && now.Sub(b.CreatedAt) > b.Timeout {
			b.Status = queue.BatchStatusReady
			if err := s.StoreBatch(ctx, b); err != nil {
				return nil, err
			}
		}
		if b.Status == queue.BatchStatusReady {
			ready = append(ready, b)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
	return ready, nil
}

// UpdateBatch applies a partial update; terminal batches are deleted.
func (s *Storage) UpdateBatch(ctx context.Context, id uuid.UUID, u queue.BatchUpdate) error {
	client, err := s.handle()
	if err != nil {
		return err
	}

	b, err := s.loadBatch(ctx, client, id)
	if err != nil {
		return err
	}

	if u.Status != nil {
		b.Status = *u.Status
		switch b.Status {
		case queue.BatchStatusCompleted, queue.BatchStatusFailed,
			queue.BatchStatusPartial, queue.BatchStatusExpired:
			pipe := client.TxPipeline()
			pipe.Del(ctx, s.batchKey(id))
			pipe.SRem(ctx, s.batchesKey(), id.String())
			_, err := pipe.Exec(ctx)
			return err
		}
	}
	if u.Priority != nil {
		b.Priority = *u.Priority
	}
	if u.Requests != nil {
		b.Requests = u.Requests
	}
	return s.StoreBatch(ctx, b)
}

// Metrics aggregates counts and timing statistics.
func (s *Storage) Metrics(ctx context.Context) (*queue.StorageMetrics, error) {
	client, err := s.handle()
	if err != nil {
		return nil, err
	}

	recs, err := s.loadSet(ctx, client, s.allKey())
	if err != nil {
		return nil, err
	}

	sm := &queue.StorageMetrics{
		ByStatus:   make(map[queue.Status]int),
		ByPriority: make(map[int]int),
	}
	now := time.Now()
	var oldest time.Duration
	for _, rec := range recs {
		sm.ByStatus[rec.Status]++
		sm.ByPriority[rec.Priority]++
		if rec.Status == queue.StatusPending {
			if age := now.Sub(rec.CreatedAt); age > oldest {
				oldest = age
			}
		}
	}
	sm.OldestPendingAge = oldest

	stats, err := client.HGetAll(ctx, s.statsKey()).Result()
	if err != nil {
		return nil, err
	}
	if n := statInt(stats, "wait_count"); n > 0 {
		sm.AvgWait = time.Duration(statInt(stats, "wait_total_ms")/n) * time.Millisecond
	}
	if n := statInt(stats, "proc_count"); n > 0 {
		sm.AvgProcessing = time.Duration(statInt(stats, "proc_total_ms")/n) * time.Millisecond
	}
	return sm, nil
}

// Maintenance expires timed-out queued requests, purges terminal records
// past retention, and drops abandoned collecting batches.
func (s *Storage) Maintenance(ctx context.Context) (queue.MaintenanceResult, error) {
	client, err := s.handle()
	if err != nil {
		return queue.MaintenanceResult{}, err
	}

	var res queue.MaintenanceResult
	now := time.Now()

	for _, st := range []queue.Status{queue.StatusPending, queue.StatusRetrying} {
		recs, err := s.loadSet(ctx, client, s.statusKey(st))
		if err != nil {
			return res, err
		}
		for _, rec := range recs {
			if !rec.Request.Expired(now) {
				continue
			}
			expired := queue.StatusExpired
			if err := s.UpdateRequest(ctx, rec.ID, queue.Update{Status: &expired}); err != nil {
				return res, err
			}
			cp := rec.Request
			cp.Status = queue.StatusExpired
			res.Expired = append(res.Expired, &cp)
		}
	}

	cutoff := strconv.FormatInt(now.Add(-s.cfg.Retention).UnixMilli(), 10)
	stale, err := client.ZRangeByScore(ctx, s.terminalKey(), &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
	if err != nil {
		return res, err
	}
	for _, idStr := range stale {
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		rec, err := s.load(ctx, client, id)
		if errors.Is(err, queue.ErrRequestNotFound) {
			_ = client.ZRem(ctx, s.terminalKey(), idStr).Err()
			continue
		}
		if err != nil {
			return res, err
		}
		if err := s.removeRecord(ctx, client, rec); err != nil {
			return res, err
		}
		res.Purged++
	}

	ids, err := client.SMembers(ctx, s.batchesKey()).Result()
	if err != nil {
		return res, err
	}
	for _, idStr := range ids {
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		b, err := s.loadBatch(ctx, client, id)
		if errors.Is(err, queue.ErrBatchNotFound) {
			_ = client.SRem(ctx, s.batchesKey(), idStr).Err()
			continue
		}
		if err != nil {
			return res, err
		}
		if b.Status == queue.BatchStatusCollecting && b.Timeout > 0 && now.Sub(b.CreatedAt) > 10*b.Timeout {
			pipe := client.TxPipeline()
			pipe.Del(ctx, s.batchKey(id))
			pipe.SRem(ctx, s.batchesKey(), id.String())
			if _, err := pipe.Exec(ctx); err != nil {
				return res, err
			}
		}
	}
	return res, nil
}

func (s *Storage) load(ctx context.Context, client *redis.Client, id uuid.UUID) (*record, error) {
	data, err := client.Get(ctx, s.reqKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, queue.ErrRequestNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal request %s: %w", id, err)
	}
	return &rec, nil
}

func (s *Storage) store(ctx context.Context, client *redis.Client, rec *record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return client.Set(ctx, s.reqKey(rec.ID), data, 0).Err()
}

func (s *Storage) loadSet(ctx context.Context, client *redis.Client, key string) ([]*record, error) {
	ids, err := client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	recs := make([]*record, 0, len(ids))
	for _, idStr := range ids {
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		rec, err := s.load(ctx, client, id)
		if errors.Is(err, queue.ErrRequestNotFound) {
			// Index entry outlived its record; self-heal.
			_ = client.SRem(ctx, key, idStr).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (s *Storage) loadBatch(ctx context.Context, client *redis.Client, id uuid.UUID) (*queue.Batch, error) {
	data, err := client.Get(ctx, s.batchKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, queue.ErrBatchNotFound
	}
	if err != nil {
		return nil, err
	}
	var b queue.Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("unmarshal batch %s: %w", id, err)
	}
	return &b, nil
}

func statInt(m map[string]string, key string) int64 {
	v, err := strconv.ParseInt(m[key], 10, 64)
	if err != nil {
		return 0
	}
	return v
}
