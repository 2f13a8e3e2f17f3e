package queue

import (
	"math/rand"
	"sync"
	"time"
)

// Strategy selects the scheduling algorithm for the processing loop.
type Strategy string

const (
	StrategyFIFO     Strategy = "fifo"
	StrategyLIFO     Strategy = "lifo"
	StrategyPriority Strategy = "priority"
	StrategyWeighted Strategy = "weighted"
	StrategyAdaptive Strategy = "adaptive"
)

// Valid reports whether the strategy is one of the five known algorithms.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyFIFO, StrategyLIFO, StrategyPriority, StrategyWeighted, StrategyAdaptive:
		return true
	}
	return false
}

// SchedulerTuning exposes the hand-tuned constants of the weighted and
// adaptive strategies as configuration. The defaults reproduce the
// original heuristics.
type SchedulerTuning struct {
	// Weighted strategy: group weight = priority^2 * (1 + min(age/AgeUnit, AgeCap)).
	AgeUnit time.Duration `env:"QUEUE_SCHED_AGE_UNIT" envDefault:"60s"`
	AgeCap  float64       `env:"QUEUE_SCHED_AGE_CAP" envDefault:"2"`

	// Adaptive strategy.
	Smoothing          float64       `env:"QUEUE_SCHED_SMOOTHING" envDefault:"0.1"`
	ResponseTimeScale  time.Duration `env:"QUEUE_SCHED_RT_SCALE" envDefault:"5s"`
	StarvationHorizon  time.Duration `env:"QUEUE_SCHED_STARVATION_HORIZON" envDefault:"300s"`
	RetryPenalty       float64       `env:"QUEUE_SCHED_RETRY_PENALTY" envDefault:"0.9"`
	ExplorationBonus   float64       `env:"QUEUE_SCHED_EXPLORATION_BONUS" envDefault:"1.5"`
	LowSampleBonus     float64       `env:"QUEUE_SCHED_LOW_SAMPLE_BONUS" envDefault:"1.2"`
	LowSampleThreshold int           `env:"QUEUE_SCHED_LOW_SAMPLE_THRESHOLD" envDefault:"10"`
	// DecayFactor shrinks sample counts every update cycle so the EMA
	// stays responsive to regime change.
	DecayFactor float64 `env:"QUEUE_SCHED_DECAY_FACTOR" envDefault:"0.99"`
}

// DefaultSchedulerTuning returns the original heuristic constants.
func DefaultSchedulerTuning() SchedulerTuning {
	return SchedulerTuning{
		AgeUnit:            time.Minute,
		AgeCap:             2,
		Smoothing:          0.1,
		ResponseTimeScale:  5 * time.Second,
		StarvationHorizon:  5 * time.Minute,
		RetryPenalty:       0.9,
		ExplorationBonus:   1.5,
		LowSampleBonus:     1.2,
		LowSampleThreshold: 10,
		DecayFactor:        0.99,
	}
}

// priorityStats tracks the exponential moving averages the adaptive
// strategy scores against, per priority level.
type priorityStats struct {
	samples      float64
	successRate  float64
	avgRespMs    float64
	everObserved bool
}

// Scheduler is the pure selection component: given the eligible pending
// set, it returns the request to execute next. The adaptive strategy
// additionally consumes execution feedback via RecordOutcome.
type Scheduler struct {
	strategy Strategy
	tuning   SchedulerTuning

	mu    sync.Mutex
	stats map[int]*priorityStats
	rng   *rand.Rand
	now   func() time.Time
}

// NewScheduler creates a scheduler for the given strategy. An invalid
// strategy falls back to priority ordering.
func NewScheduler(strategy Strategy, tuning SchedulerTuning) *Scheduler {
	if !strategy.Valid() {
		strategy = StrategyPriority
	}
	if tuning.Smoothing <= 0 || tuning.Smoothing > 1 {
		tuning.Smoothing = 0.1
	}
	if tuning.AgeUnit <= 0 {
		tuning.AgeUnit = time.Minute
	}
	if tuning.AgeCap <= 0 {
		tuning.AgeCap = 2
	}
	if tuning.ResponseTimeScale <= 0 {
		tuning.ResponseTimeScale = 5 * time.Second
	}
	if tuning.StarvationHorizon <= 0 {
		tuning.StarvationHorizon = 5 * time.Minute
	}
	if tuning.RetryPenalty <= 0 || tuning.RetryPenalty > 1 {
		tuning.RetryPenalty = 0.9
	}
	if tuning.ExplorationBonus <= 0 {
		tuning.ExplorationBonus = 1.5
	}
	if tuning.LowSampleBonus <= 0 {
		tuning.LowSampleBonus = 1.2
	}
	if tuning.LowSampleThreshold <= 0 {
		tuning.LowSampleThreshold = 10
	}
	if tuning.DecayFactor <= 0 || tuning.DecayFactor > 1 {
		tuning.DecayFactor = 0.99
	}
	return &Scheduler{
		strategy: strategy,
		tuning:   tuning,
		stats:    make(map[int]*priorityStats),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
	}
}

// Strategy returns the configured strategy.
func (s *Scheduler) Strategy() Strategy { return s.strategy }

// SelectNext picks the next request from the eligible set, or nil when
// the set is empty. It never mutates the candidates.
func (s *Scheduler) SelectNext(candidates []*Request) *Request {
	if len(candidates) == 0 {
		return nil
	}

	switch s.strategy {
	case StrategyFIFO:
		return oldest(candidates)
	case StrategyLIFO:
		return newest(candidates)
	case StrategyWeighted:
		return s.selectWeighted(candidates)
	case StrategyAdaptive:
		return s.selectAdaptive(candidates)
	default:
		return highestPriority(candidates)
	}
}

// RecordOutcome feeds execution feedback to the adaptive strategy.
// Other strategies ignore it.
func (s *Scheduler) RecordOutcome(priority int, success bool, responseTime time.Duration) {
	if s.strategy != StrategyAdaptive {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stats[priority]
	if !ok {
		st = &priorityStats{}
		s.stats[priority] = st
	}

	alpha := s.tuning.Smoothing
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	if !st.everObserved {
		st.successRate = outcome
		st.avgRespMs = float64(responseTime.Milliseconds())
		st.everObserved = true
	} else {
		st.successRate = (1-alpha)*st.successRate + alpha*outcome
		st.avgRespMs = (1-alpha)*st.avgRespMs + alpha*float64(responseTime.Milliseconds())
	}
	st.samples++

	// Periodic decay keeps the sample counts from saturating, so the
	// low-sample exploration bonus can re-engage after regime change.
	for _, other := range s.stats {
		other.samples *= s.tuning.DecayFactor
	}
}

func oldest(candidates []*Request) *Request {
	best := candidates[0]
	for _, r := range candidates[1:] {
		if r.CreatedAt.Before(best.CreatedAt) {
			best = r
		}
	}
	return best
}

func newest(candidates []*Request) *Request {
	best := candidates[0]
	for _, r := range candidates[1:] {
		if r.CreatedAt.After(best.CreatedAt) {
			best = r
		}
	}
	return best
}

func highestPriority(candidates []*Request) *Request {
	best := candidates[0]
	for _, r := range candidates[1:] {
		if r.Priority > best.Priority ||
			(r.Priority == best.Priority && r.CreatedAt.Before(best.CreatedAt)) {
			best = r
		}
	}
	return best
}

// selectWeighted groups candidates by priority and draws a group with
// probability proportional to priority^2 scaled by the age of its
// oldest member, then returns that oldest member. The age boost keeps
// low-priority groups from starving under a steady high-priority inflow.
func (s *Scheduler) selectWeighted(candidates []*Request) *Request {
	now := s.now()

	groups := make(map[int][]*Request)
	for _, r := range candidates {
		groups[r.Priority] = append(groups[r.Priority], r)
	}

	type weighted struct {
		oldest *Request
		weight float64
	}
	entries := make([]weighted, 0, len(groups))
	total := 0.0
	for prio, members := range groups {
		old := oldest(members)
		age := now.Sub(old.CreatedAt).Seconds() / s.tuning.AgeUnit.Seconds()
		if age < 0 {
			age = 0
		}
		if age > s.tuning.AgeCap {
			age = s.tuning.AgeCap
		}
		w := float64(prio*prio) * (1 + age)
		entries = append(entries, weighted{oldest: old, weight: w})
		total += w
	}

	s.mu.Lock()
	draw := s.rng.Float64() * total
	s.mu.Unlock()

	for _, e := range entries {
		draw -= e.weight
		if draw <= 0 {
			return e.oldest
		}
	}
	return entries[len(entries)-1].oldest
}

// selectAdaptive scores every candidate against the per-priority EMAs
// and returns the highest score. Untried and under-sampled priority
// levels receive exploration bonuses so the scheduler keeps probing them.
func (s *Scheduler) selectAdaptive(candidates []*Request) *Request {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var best *Request
	bestScore := -1.0
	for _, r := range candidates {
		score := s.adaptiveScore(r, now)
		if score > bestScore {
			best = r
			bestScore = score
		}
	}
	return best
}

func (s *Scheduler) adaptiveScore(r *Request, now time.Time) float64 {
	st := s.stats[r.Priority]

	successRate := 1.0
	respMs := 0.0
	if st != nil && st.everObserved {
		successRate = st.successRate
		respMs = st.avgRespMs
	}

	rtFrac := respMs / float64(s.tuning.ResponseTimeScale.Milliseconds())
	if rtFrac > 1 {
		rtFrac = 1
	}

	ageFrac := now.Sub(r.CreatedAt).Seconds() / s.tuning.StarvationHorizon.Seconds()
	if ageFrac < 0 {
		ageFrac = 0
	}
	if ageFrac > 1 {
		ageFrac = 1
	}

	score := float64(r.Priority) *
		(0.5 + 0.5*successRate) *
		(1 - 0.3*rtFrac) *
		(1 + 0.5*ageFrac)
	for i := 0; i < r.RetryCount; i++ {
		score *= s.tuning.RetryPenalty
	}

	if st == nil || !st.everObserved {
		score *= s.tuning.ExplorationBonus
	} else if st.samples < float64(s.tuning.LowSampleThreshold) {
		score *= s.tuning.LowSampleBonus
	}
	return score
}
