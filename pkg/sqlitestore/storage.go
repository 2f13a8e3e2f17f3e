package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/asachs01/relayq/pkg/queue"
)

const schema = `
CREATE TABLE IF NOT EXISTS requests (
	id           TEXT PRIMARY KEY,
	group_id     TEXT NOT NULL DEFAULT '',
	fingerprint  TEXT NOT NULL DEFAULT '',
	endpoint     TEXT NOT NULL,
	method       TEXT NOT NULL,
	zone         TEXT NOT NULL,
	priority     INTEGER NOT NULL,
	created_at   INTEGER NOT NULL,
	scheduled_at INTEGER NOT NULL DEFAULT 0,
	timeout_ms   INTEGER NOT NULL DEFAULT 0,
	max_retries  INTEGER NOT NULL DEFAULT 0,
	retry_count  INTEGER NOT NULL DEFAULT 0,
	retryable    INTEGER NOT NULL DEFAULT 1,
	batchable    INTEGER NOT NULL DEFAULT 0,
	payload      BLOB,
	headers      TEXT NOT NULL DEFAULT '',
	metadata     TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	last_error   TEXT NOT NULL DEFAULT '',
	history      TEXT NOT NULL DEFAULT '',
	claimed_at   INTEGER NOT NULL DEFAULT 0,
	terminal_at  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_requests_dequeue ON requests (status, priority DESC, created_at);
CREATE INDEX IF NOT EXISTS idx_requests_zone ON requests (zone, status);
CREATE INDEX IF NOT EXISTS idx_requests_endpoint ON requests (endpoint);
CREATE INDEX IF NOT EXISTS idx_requests_scheduled ON requests (scheduled_at);
CREATE INDEX IF NOT EXISTS idx_requests_fingerprint ON requests (fingerprint) WHERE fingerprint != '';
CREATE INDEX IF NOT EXISTS idx_requests_terminal ON requests (terminal_at) WHERE terminal_at != 0;

CREATE TABLE IF NOT EXISTS batches (
	id         TEXT PRIMARY KEY,
	priority   INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	endpoint   TEXT NOT NULL,
	zone       TEXT NOT NULL,
	max_size   INTEGER NOT NULL,
	timeout_ms INTEGER NOT NULL DEFAULT 0,
	status     TEXT NOT NULL,
	members    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_batches_status ON batches (status, priority DESC, created_at);
`

const requestColumns = `id, group_id, fingerprint, endpoint, method, zone, priority,
	created_at, scheduled_at, timeout_ms, max_retries, retry_count, retryable, batchable,
	payload, headers, metadata, status, last_error, history`

var terminalStatuses = []queue.Status{
	queue.StatusCompleted, queue.StatusFailed, queue.StatusExpired, queue.StatusCancelled,
}

// Storage implements queue.Backend on an embedded SQLite database.
type Storage struct {
	cfg Config

	mu sync.Mutex
	db *sql.DB
}

// New creates an uninitialized storage; the database is opened by
// Initialize.
func New(cfg Config) *Storage {
	if cfg.Path == "" {
		cfg.Path = "queue.db"
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	return &Storage{cfg: cfg}
}

// Initialize opens the database and applies the schema. Idempotent.
func (s *Storage) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		s.cfg.Path, s.cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return errors.Join(ErrFailedToOpenDatabase, err)
	}
	// SQLite permits a single writer; funneling everything through one
	// connection avoids SQLITE_BUSY churn under concurrent workers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return errors.Join(ErrFailedToOpenDatabase, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return errors.Join(ErrFailedToApplySchema, err)
	}

	s.db = db
	return nil
}

// Close closes the database. Safe to call multiple times.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Storage) handle() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, queue.ErrBackendNotInitialized
	}
	return s.db, nil
}

// Enqueue persists a new request.
func (s *Storage) Enqueue(ctx context.Context, r *queue.Request) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.GroupID, r.Fingerprint, r.Endpoint, string(r.Method), r.Zone, r.Priority,
		ms(r.CreatedAt), ms(r.ScheduledAt), r.Timeout.Milliseconds(), r.MaxRetries, r.RetryCount,
		boolInt(r.Retryable), boolInt(r.Batchable),
		r.Payload, encodeJSON(r.Headers), encodeJSON(r.Metadata),
		string(r.Status), r.LastError, encodeJSON(r.History),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return queue.ErrDuplicateID
		}
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

// Dequeue claims the highest-eligible pending request with a guarded
// update: the SELECT picks a candidate and the UPDATE only succeeds if
// it is still pending, so concurrent claimers never double-claim.
func (s *Storage) Dequeue(ctx context.Context, zone string) (*queue.Request, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for attempt := 0; attempt < 5; attempt++ {
		q := `SELECT ` + requestColumns + ` FROM requests
			WHERE status = ? AND scheduled_at <= ?`
		args := []any{string(queue.StatusPending), ms(now)}
		if zone != "" {
			q += ` AND zone = ?`
			args = append(args, zone)
		}
		q += ` ORDER BY priority DESC, created_at ASC LIMIT 1`

		r, err := scanRequest(db.QueryRowContext(ctx, q, args...))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		ok, err := s.markProcessing(ctx, db, r.ID, now)
		if err != nil {
			return nil, err
		}
		if ok {
			r.Status = queue.StatusProcessing
			return r, nil
		}
	}
	return nil, nil
}

// Claim atomically claims a specific eligible pending request.
func (s *Storage) Claim(ctx context.Context, id uuid.UUID) (*queue.Request, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	res, err := db.ExecContext(ctx, `
		UPDATE requests SET status = ?, claimed_at = ?
		WHERE id = ? AND status = ? AND scheduled_at <= ?`,
		string(queue.StatusProcessing), ms(now), id.String(), string(queue.StatusPending), ms(now))
	if err != nil {
		return nil, fmt.Errorf("claim request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if _, err := s.GetRequest(ctx, id); err != nil {
			return nil, err
		}
		return nil, queue.ErrNotClaimable
	}
	return s.GetRequest(ctx, id)
}

func (s *Storage) markProcessing(ctx context.Context, db *sql.DB, id uuid.UUID, now time.Time) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE requests SET status = ?, claimed_at = ? WHERE id = ? AND status = ?`,
		string(queue.StatusProcessing), ms(now), id.String(), string(queue.StatusPending))
	if err != nil {
		return false, fmt.Errorf("mark processing: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Peek returns what Dequeue would claim, without claiming it.
func (s *Storage) Peek(ctx context.Context, zone string) (*queue.Request, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	q := `SELECT ` + requestColumns + ` FROM requests
		WHERE status = ? AND scheduled_at <= ?`
	args := []any{string(queue.StatusPending), ms(time.Now())}
	if zone != "" {
		q += ` AND zone = ?`
		args = append(args, zone)
	}
	q += ` ORDER BY priority DESC, created_at ASC LIMIT 1`

	r, err := scanRequest(db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// UpdateRequest applies a partial mutation inside a transaction so the
// history append and the timing bookkeeping stay consistent.
func (s *Storage) UpdateRequest(ctx context.Context, id uuid.UUID, u queue.Update) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	r, err := scanRequest(tx.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return queue.ErrRequestNotFound
	}
	if err != nil {
		return err
	}

	prev := r.Status
	u.Apply(r)

	now := ms(time.Now())
	claimedAtExpr, terminalAtExpr := "claimed_at", "terminal_at"
	args := []any{
		string(r.Status), r.Priority, r.RetryCount, ms(r.ScheduledAt),
		r.LastError, encodeJSON(r.History),
	}
	if prev != queue.StatusProcessing && r.Status == queue.StatusProcessing {
		claimedAtExpr = "?"
		args = append(args, now)
	}
	if !prev.IsTerminal() && r.Status.IsTerminal() {
		terminalAtExpr = "?"
		args = append(args, now)
	}
	args = append(args, id.String())

	_, err = tx.ExecContext(ctx, `
		UPDATE requests SET status = ?, priority = ?, retry_count = ?, scheduled_at = ?,
			last_error = ?, history = ?, claimed_at = `+claimedAtExpr+`, terminal_at = `+terminalAtExpr+`
		WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	return tx.Commit()
}

// Remove deletes a request regardless of status.
func (s *Storage) Remove(ctx context.Context, id uuid.UUID) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	res, err := db.ExecContext(ctx, `DELETE FROM requests WHERE id = ?`, id.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return queue.ErrRequestNotFound
	}
	return nil
}

// GetRequest loads a request by id.
func (s *Storage) GetRequest(ctx context.Context, id uuid.UUID) (*queue.Request, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	r, err := scanRequest(db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, queue.ErrRequestNotFound
	}
	return r, err
}

// GetByFingerprint returns the live request carrying the fingerprint.
func (s *Storage) GetByFingerprint(ctx context.Context, fingerprint string) (*queue.Request, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	r, err := scanRequest(db.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM requests
		WHERE fingerprint = ? AND status NOT IN (`+statusPlaceholders()+`)
		ORDER BY created_at DESC LIMIT 1`,
		append([]any{fingerprint}, terminalArgs()...)...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// GetRequests returns requests matching the filter.
func (s *Storage) GetRequests(ctx context.Context, f queue.Filter) ([]*queue.Request, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(ph, ", ")+")")
	}
	if f.MinPriority > 0 {
		where = append(where, "priority >= ?")
		args = append(args, f.MinPriority)
	}
	if f.MaxPriority > 0 {
		where = append(where, "priority <= ?")
		args = append(args, f.MaxPriority)
	}
	if f.Zone != "" {
		where = append(where, "zone = ?")
		args = append(args, f.Zone)
	}
	if f.Endpoint != "" {
		where = append(where, "endpoint = ?")
		args = append(args, f.Endpoint)
	}
	if !f.CreatedAfter.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, ms(f.CreatedAfter))
	}
	if !f.CreatedBefore.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, ms(f.CreatedBefore))
	}
	if !f.ScheduledAfter.IsZero() {
		where = append(where, "scheduled_at >= ?")
		args = append(args, ms(f.ScheduledAfter))
	}
	if !f.ScheduledBefore.IsZero() {
		where = append(where, "scheduled_at <= ?")
		args = append(args, ms(f.ScheduledBefore))
	}

	q := `SELECT ` + requestColumns + ` FROM requests`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}

	col := "created_at"
	switch f.SortBy {
	case queue.SortByScheduledAt:
		col = "scheduled_at"
	case queue.SortByPriority:
		col = "priority"
	case queue.SortByRetryCount:
		col = "retry_count"
	}
	dir := "ASC"
	if f.SortDesc {
		dir = "DESC"
	}
	q += fmt.Sprintf(" ORDER BY %s %s", col, dir)
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			q += " OFFSET ?"
			args = append(args, f.Offset)
		}
	} else if f.Offset > 0 {
		q += " LIMIT -1 OFFSET ?"
		args = append(args, f.Offset)
	}

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*queue.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Size counts pending plus processing requests, per zone when given.
func (s *Storage) Size(ctx context.Context, zone string) (int, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}

	q := `SELECT COUNT(*) FROM requests WHERE status IN (?, ?)`
	args := []any{string(queue.StatusPending), string(queue.StatusProcessing)}
	if zone != "" {
		q += ` AND zone = ?`
		args = append(args, zone)
	}
	var n int
	err = db.QueryRowContext(ctx, q, args...).Scan(&n)
	return n, err
}

// Clear removes matching requests and returns how many were removed.
func (s *Storage) Clear(ctx context.Context, zone string) (int, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}

	q, args := `DELETE FROM requests`, []any{}
	if zone != "" {
		q += ` WHERE zone = ?`
		args = append(args, zone)
	}
	res, err := db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// StoreBatch persists or replaces a batch record.
func (s *Storage) StoreBatch(ctx context.Context, b *queue.Batch) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO batches (id, priority, created_at, endpoint, zone, max_size, timeout_ms, status, members)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			priority = excluded.priority, status = excluded.status, members = excluded.members`,
		b.ID.String(), b.Priority, ms(b.CreatedAt), b.Endpoint, b.Zone,
		b.MaxSize, b.Timeout.Milliseconds(), string(b.Status), encodeJSON(b.Requests))
	return err
}

// GetReadyBatches promotes timed-out collecting batches and returns all
// ready ones, highest priority first.
func (s *Storage) GetReadyBatches(ctx context.Context) ([]*queue.Batch, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	now := ms(time.Now())
	_, err = db.ExecContext(ctx, `
		UPDATE batches SET status = ?
		WHERE status = ? AND timeout_ms > 0 AND created_at + timeout_ms <= ?`,
		string(queue.BatchStatusReady), string(queue.BatchStatusCollecting), now)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, priority, created_at, endpoint, zone, max_size, timeout_ms, status, members
		FROM batches WHERE status = ? ORDER BY priority DESC, created_at ASC`,
		string(queue.BatchStatusReady))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*queue.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// UpdateBatch applies a partial update; terminal batches are deleted.
func (s *Storage) UpdateBatch(ctx context.Context, id uuid.UUID, u queue.BatchUpdate) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	if u.Status != nil {
		switch *u.Status {
		case queue.BatchStatusCompleted, queue.BatchStatusFailed,
			queue.BatchStatusPartial, queue.BatchStatusExpired:
			res, err := db.ExecContext(ctx, `DELETE FROM batches WHERE id = ?`, id.String())
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return queue.ErrBatchNotFound
			}
			return nil
		}
	}

	sets, args := []string{}, []any{}
	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*u.Status))
	}
	if u.Priority != nil {
		sets = append(sets, "priority = ?")
		args = append(args, *u.Priority)
	}
	if u.Requests != nil {
		sets = append(sets, "members = ?")
		args = append(args, encodeJSON(u.Requests))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id.String())

	res, err := db.ExecContext(ctx,
		`UPDATE batches SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return queue.ErrBatchNotFound
	}
	return nil
}

// Metrics aggregates counts and timing statistics.
func (s *Storage) Metrics(ctx context.Context) (*queue.StorageMetrics, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	sm := &queue.StorageMetrics{
		ByStatus:   make(map[queue.Status]int),
		ByPriority: make(map[int]int),
	}

	rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM requests GROUP BY status`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			rows.Close()
			return nil, err
		}
		sm.ByStatus[queue.Status(st)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = db.QueryContext(ctx, `SELECT priority, COUNT(*) FROM requests GROUP BY priority`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var p, n int
		if err := rows.Scan(&p, &n); err != nil {
			rows.Close()
			return nil, err
		}
		sm.ByPriority[p] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var oldest sql.NullInt64
	err = db.QueryRowContext(ctx,
		`SELECT MIN(created_at) FROM requests WHERE status = ?`,
		string(queue.StatusPending)).Scan(&oldest)
	if err != nil {
		return nil, err
	}
	if oldest.Valid {
		sm.OldestPendingAge = time.Since(time.UnixMilli(oldest.Int64))
	}

	var avgWait, avgProc sql.NullFloat64
	err = db.QueryRowContext(ctx, `
		SELECT AVG(claimed_at - created_at), AVG(terminal_at - claimed_at)
		FROM requests WHERE status = ? AND claimed_at > 0 AND terminal_at > 0`,
		string(queue.StatusCompleted)).Scan(&avgWait, &avgProc)
	if err != nil {
		return nil, err
	}
	if avgWait.Valid {
		sm.AvgWait = time.Duration(avgWait.Float64) * time.Millisecond
	}
	if avgProc.Valid {
		sm.AvgProcessing = time.Duration(avgProc.Float64) * time.Millisecond
	}
	return sm, nil
}

// Maintenance expires timed-out queued requests, purges terminal records
// past retention, and drops abandoned collecting batches.
func (s *Storage) Maintenance(ctx context.Context) (queue.MaintenanceResult, error) {
	db, err := s.handle()
	if err != nil {
		return queue.MaintenanceResult{}, err
	}

	var res queue.MaintenanceResult
	now := time.Now()

	rows, err := db.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM requests
		WHERE status IN (?, ?) AND timeout_ms > 0 AND created_at + timeout_ms <= ?`,
		string(queue.StatusPending), string(queue.StatusRetrying), ms(now))
	if err != nil {
		return res, err
	}
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			rows.Close()
			return res, err
		}
		r.Status = queue.StatusExpired
		res.Expired = append(res.Expired, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return res, err
	}

	for _, r := range res.Expired {
		_, err := db.ExecContext(ctx, `
			UPDATE requests SET status = ?, terminal_at = ? WHERE id = ? AND status IN (?, ?)`,
			string(queue.StatusExpired), ms(now), r.ID.String(),
			string(queue.StatusPending), string(queue.StatusRetrying))
		if err != nil {
			return res, err
		}
	}

	cutoff := ms(now.Add(-s.cfg.Retention))
	del, err := db.ExecContext(ctx,
		`DELETE FROM requests WHERE terminal_at > 0 AND terminal_at <= ?`, cutoff)
	if err != nil {
		return res, err
	}
	if n, err := del.RowsAffected(); err == nil {
		res.Purged = int(n)
	}

	_, err = db.ExecContext(ctx, `
		DELETE FROM batches WHERE status = ? AND timeout_ms > 0 AND created_at + 10 * timeout_ms <= ?`,
		string(queue.BatchStatusCollecting), ms(now))
	return res, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*queue.Request, error) {
	var (
		r                          queue.Request
		id, method, status         string
		createdAt, scheduledAt     int64
		timeoutMS                  int64
		retryable, batchable       int
		headers, metadata, history string
	)
	err := row.Scan(
		&id, &r.GroupID, &r.Fingerprint, &r.Endpoint, &method, &r.Zone, &r.Priority,
		&createdAt, &scheduledAt, &timeoutMS, &r.MaxRetries, &r.RetryCount, &retryable, &batchable,
		&r.Payload, &headers, &metadata, &status, &r.LastError, &history,
	)
	if err != nil {
		return nil, err
	}

	r.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse request id %q: %w", id, err)
	}
	r.Method = queue.Method(method)
	r.Status = queue.Status(status)
	r.CreatedAt = fromMS(createdAt)
	r.ScheduledAt = fromMS(scheduledAt)
	r.Timeout = time.Duration(timeoutMS) * time.Millisecond
	r.Retryable = retryable != 0
	r.Batchable = batchable != 0

	if err := decodeJSON(headers, &r.Headers); err != nil {
		return nil, err
	}
	if err := decodeJSON(metadata, &r.Metadata); err != nil {
		return nil, err
	}
	if err := decodeJSON(history, &r.History); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanBatch(row rowScanner) (*queue.Batch, error) {
	var (
		b                  queue.Batch
		id, status         string
		createdAt, timeout int64
		members            string
	)
	err := row.Scan(&id, &b.Priority, &createdAt, &b.Endpoint, &b.Zone,
		&b.MaxSize, &timeout, &status, &members)
	if err != nil {
		return nil, err
	}

	b.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse batch id %q: %w", id, err)
	}
	b.CreatedAt = fromMS(createdAt)
	b.Timeout = time.Duration(timeout) * time.Millisecond
	b.Status = queue.BatchStatus(status)
	if err := decodeJSON(members, &b.Requests); err != nil {
		return nil, err
	}
	return &b, nil
}

// ms encodes a time as unix milliseconds; zero times become 0 so the
// scheduled_at <= now comparison admits immediately-eligible requests.
func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeJSON(v any) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func decodeJSON[T any](s string, dst *T) error {
	if s == "" || s == "null" {
		return nil
	}
	return json.Unmarshal([]byte(s), dst)
}

func statusPlaceholders() string {
	ph := make([]string, len(terminalStatuses))
	for i := range ph {
		ph[i] = "?"
	}
	return strings.Join(ph, ", ")
}

func terminalArgs() []any {
	args := make([]any, len(terminalStatuses))
	for i, st := range terminalStatuses {
		args[i] = string(st)
	}
	return args
}
