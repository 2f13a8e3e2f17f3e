package queue

import (
	"sync"
	"time"
)

// BreakerStatus is the circuit state for a destination zone.
type BreakerStatus int

const (
	// BreakerClosed allows requests to pass through.
	BreakerClosed BreakerStatus = iota
	// BreakerOpen blocks all requests to the zone.
	BreakerOpen
	// BreakerHalfOpen allows a limited number of trial requests.
	BreakerHalfOpen
)

// String returns the string representation of the breaker status.
func (s BreakerStatus) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the per-zone circuit breakers.
type BreakerConfig struct {
	Enabled          bool          `env:"QUEUE_BREAKER_ENABLED" envDefault:"true"`
	FailureThreshold int           `env:"QUEUE_BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	SuccessThreshold int           `env:"QUEUE_BREAKER_SUCCESS_THRESHOLD" envDefault:"2"`
	OpenTimeout      time.Duration `env:"QUEUE_BREAKER_OPEN_TIMEOUT" envDefault:"30s"`
	// MaxTimeoutFactor caps the adaptive growth of the open timeout:
	// each consecutive open doubles the timeout up to OpenTimeout*factor.
	MaxTimeoutFactor int `env:"QUEUE_BREAKER_MAX_TIMEOUT_FACTOR" envDefault:"8"`
}

// BreakerSnapshot is a point-in-time view of one zone's breaker for
// metrics and monitoring.
type BreakerSnapshot struct {
	Zone          string
	State         string
	Failures      int
	Successes     int
	LastFailure   time.Time
	LastSuccess   time.Time
	NextRetry     time.Time
	TotalFailures int64
	TotalSuccess  int64
}

// zoneBreaker is the failure-isolation state machine for one zone.
type zoneBreaker struct {
	state       BreakerStatus
	failures    int
	successes   int // consecutive successes while half-open
	trials      int // trials admitted but not yet reported while half-open
	lastFailure time.Time
	lastSuccess time.Time
	nextRetry   time.Time

	// consecutiveOpens drives the adaptive open timeout: repeated trips
	// without a stable recovery double the wait, capped by config.
	consecutiveOpens int

	totalFailures int64
	totalSuccess  int64
}

// BreakerManager holds one circuit breaker per destination zone,
// created lazily on first activity. Safe for concurrent use.
type BreakerManager struct {
	mu    sync.Mutex
	cfg   BreakerConfig
	zones map[string]*zoneBreaker
	now   func() time.Time

	// onStateChange is invoked outside critical decisions but inside the
	// lock-free path; the manager uses it to emit lifecycle events.
	onStateChange func(zone string, from, to BreakerStatus)
}

// NewBreakerManager creates a breaker manager with the given configuration.
// Zero/negative thresholds fall back to conservative defaults.
func NewBreakerManager(cfg BreakerConfig) *BreakerManager {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.MaxTimeoutFactor <= 0 {
		cfg.MaxTimeoutFactor = 8
	}
	return &BreakerManager{
		cfg:   cfg,
		zones: make(map[string]*zoneBreaker),
		now:   time.Now,
	}
}

// OnStateChange registers a callback fired on every state transition.
func (m *BreakerManager) OnStateChange(fn func(zone string, from, to BreakerStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = fn
}

func (m *BreakerManager) zone(zone string) *zoneBreaker {
	zb, ok := m.zones[zone]
	if !ok {
		zb = &zoneBreaker{state: BreakerClosed}
		m.zones[zone] = zb
	}
	return zb
}

func (m *BreakerManager) transition(zone string, zb *zoneBreaker, to BreakerStatus) {
	from := zb.state
	if from == to {
		return
	}
	zb.state = to
	if m.onStateChange != nil {
		// Fire synchronously; subscribers are non-blocking by contract.
		m.onStateChange(zone, from, to)
	}
}

// openTimeout returns the adaptive open duration for the breaker.
func (m *BreakerManager) openTimeout(zb *zoneBreaker) time.Duration {
	timeout := m.cfg.OpenTimeout
	for i := 1; i < zb.consecutiveOpens; i++ {
		timeout *= 2
		if timeout >= m.cfg.OpenTimeout*time.Duration(m.cfg.MaxTimeoutFactor) {
			return m.cfg.OpenTimeout * time.Duration(m.cfg.MaxTimeoutFactor)
		}
	}
	return timeout
}

// CanExecute reports whether a request for the zone may run now. An open
// breaker automatically transitions to half-open once its timeout elapses.
func (m *BreakerManager) CanExecute(zone string) bool {
	if !m.cfg.Enabled {
		return true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	zb := m.zone(zone)
	switch zb.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if m.now().After(zb.nextRetry) {
			zb.successes = 0
			zb.trials = 1 // this admission is the first trial
			m.transition(zone, zb, BreakerHalfOpen)
			return true
		}
		return false
	case BreakerHalfOpen:
		// Admissions count in-flight trials, so under concurrent workers
		// at most SuccessThreshold executions run before one reports back.
		if zb.trials < m.cfg.SuccessThreshold {
			zb.trials++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful execution for the zone.
func (m *BreakerManager) RecordSuccess(zone string) {
	if !m.cfg.Enabled {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	zb := m.zone(zone)
	zb.lastSuccess = m.now()
	zb.totalSuccess++

	switch zb.state {
	case BreakerClosed:
		zb.failures = 0
		// A clean success after a stable closed stretch resets the
		// adaptive timeout escalation.
		zb.consecutiveOpens = 0
	case BreakerHalfOpen:
		zb.successes++
		if zb.trials > 0 {
			zb.trials--
		}
		if zb.successes >= m.cfg.SuccessThreshold {
			zb.failures = 0
			zb.successes = 0
			zb.trials = 0
			zb.consecutiveOpens = 0
			m.transition(zone, zb, BreakerClosed)
		}
	}
}

// RecordFailure records a failed execution for the zone. HALF_OPEN
// always reopens immediately on failure.
func (m *BreakerManager) RecordFailure(zone string) {
	if !m.cfg.Enabled {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	zb := m.zone(zone)
	now := m.now()
	zb.lastFailure = now
	zb.totalFailures++

	switch zb.state {
	case BreakerClosed:
		zb.failures++
		if zb.failures >= m.cfg.FailureThreshold {
			zb.consecutiveOpens++
			zb.nextRetry = now.Add(m.openTimeout(zb))
			m.transition(zone, zb, BreakerOpen)
		}
	case BreakerHalfOpen:
		zb.consecutiveOpens++
		zb.failures = m.cfg.FailureThreshold
		zb.successes = 0
		zb.trials = 0
		zb.nextRetry = now.Add(m.openTimeout(zb))
		m.transition(zone, zb, BreakerOpen)
	}
}

// State returns the zone's current status, accounting for the automatic
// open -> half-open transition without performing it.
func (m *BreakerManager) State(zone string) BreakerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	zb, ok := m.zones[zone]
	if !ok {
		return BreakerClosed
	}
	if zb.state == BreakerOpen && m.now().After(zb.nextRetry) {
		return BreakerHalfOpen
	}
	return zb.state
}

// Reset returns the zone's breaker to closed with cleared counters.
func (m *BreakerManager) Reset(zone string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	zb, ok := m.zones[zone]
	if !ok {
		return
	}
	zb.failures = 0
	zb.successes = 0
	zb.trials = 0
	zb.consecutiveOpens = 0
	zb.nextRetry = time.Time{}
	m.transition(zone, zb, BreakerClosed)
}

// Snapshots returns a point-in-time view of every known zone.
func (m *BreakerManager) Snapshots() []BreakerSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]BreakerSnapshot, 0, len(m.zones))
	for zone, zb := range m.zones {
		out = append(out, BreakerSnapshot{
			Zone:          zone,
			State:         zb.state.String(),
			Failures:      zb.failures,
			Successes:     zb.successes,
			LastFailure:   zb.lastFailure,
			LastSuccess:   zb.lastSuccess,
			NextRetry:     zb.nextRetry,
			TotalFailures: zb.totalFailures,
			TotalSuccess:  zb.totalSuccess,
		})
	}
	return out
}
