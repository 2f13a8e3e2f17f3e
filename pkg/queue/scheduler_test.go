package queue_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asachs01/relayq/pkg/queue"
)

func candidate(priority int, age time.Duration) *queue.Request {
	return &queue.Request{
		ID:        uuid.New(),
		Priority:  priority,
		CreatedAt: time.Now().Add(-age),
		Status:    queue.StatusPending,
	}
}

func TestScheduler_SelectNext(t *testing.T) {
	t.Parallel()

	t.Run("empty set returns nil", func(t *testing.T) {
		t.Parallel()

		s := queue.NewScheduler(queue.StrategyFIFO, queue.DefaultSchedulerTuning())
		assert.Nil(t, s.SelectNext(nil))
	})

	t.Run("fifo picks oldest", func(t *testing.T) {
		t.Parallel()

		old := candidate(1, 3*time.Minute)
		mid := candidate(9, 2*time.Minute)
		young := candidate(10, time.Minute)

		s := queue.NewScheduler(queue.StrategyFIFO, queue.DefaultSchedulerTuning())
		assert.Same(t, old, s.SelectNext([]*queue.Request{young, mid, old}))
	})

	t.Run("lifo picks newest", func(t *testing.T) {
		t.Parallel()

		old := candidate(10, 3*time.Minute)
		young := candidate(1, time.Minute)

		s := queue.NewScheduler(queue.StrategyLIFO, queue.DefaultSchedulerTuning())
		assert.Same(t, young, s.SelectNext([]*queue.Request{old, young}))
	})

	t.Run("priority picks highest then oldest", func(t *testing.T) {
		t.Parallel()

		low := candidate(3, time.Minute)
		highYoung := candidate(8, time.Minute)
		highOld := candidate(8, 2*time.Minute)

		s := queue.NewScheduler(queue.StrategyPriority, queue.DefaultSchedulerTuning())
		assert.Same(t, highOld, s.SelectNext([]*queue.Request{low, highYoung, highOld}))
	})

	t.Run("invalid strategy falls back to priority", func(t *testing.T) {
		t.Parallel()

		s := queue.NewScheduler(queue.Strategy("bogus"), queue.DefaultSchedulerTuning())
		assert.Equal(t, queue.StrategyPriority, s.Strategy())
	})
}

func TestScheduler_Weighted(t *testing.T) {
	t.Parallel()

	t.Run("single group returns its oldest member", func(t *testing.T) {
		t.Parallel()

		old := candidate(5, 2*time.Minute)
		young := candidate(5, time.Minute)

		s := queue.NewScheduler(queue.StrategyWeighted, queue.DefaultSchedulerTuning())
		assert.Same(t, old, s.SelectNext([]*queue.Request{young, old}))
	})

	t.Run("high priority dominates the draw", func(t *testing.T) {
		t.Parallel()

		// priority 10 vs priority 1, same age: weights 100 vs 1, so the
		// high group should win the overwhelming majority of draws.
		s := queue.NewScheduler(queue.StrategyWeighted, queue.DefaultSchedulerTuning())
		high := candidate(10, time.Second)
		low := candidate(1, time.Second)

		wins := 0
		for ri := 0; ri < 200; ri++ {
			if s.SelectNext([]*queue.Request{low, high}) == high {
				wins++
			}
		}
		assert.Greater(t, wins, 150)
	})

	t.Run("low priority still gets selected", func(t *testing.T) {
		t.Parallel()

		// Anti-starvation: the low group must win at least occasionally.
		s := queue.NewScheduler(queue.StrategyWeighted, queue.DefaultSchedulerTuning())
		high := candidate(5, time.Second)
		low := candidate(1, 10*time.Minute) // aged to its full boost

		lowWins := 0
		for ri := 0; ri < 2000; ri++ {
			if s.SelectNext([]*queue.Request{high, low}) == low {
				lowWins++
			}
		}
		assert.Greater(t, lowWins, 0)
	})
}

func TestScheduler_Adaptive(t *testing.T) {
	t.Parallel()

	t.Run("no history prefers higher priority", func(t *testing.T) {
		t.Parallel()

		s := queue.NewScheduler(queue.StrategyAdaptive, queue.DefaultSchedulerTuning())
		high := candidate(9, time.Second)
		low := candidate(3, time.Second)
		assert.Same(t, high, s.SelectNext([]*queue.Request{low, high}))
	})

	t.Run("retry count penalizes", func(t *testing.T) {
		t.Parallel()

		s := queue.NewScheduler(queue.StrategyAdaptive, queue.DefaultSchedulerTuning())
		fresh := candidate(5, time.Second)
		retried := candidate(5, time.Second)
		retried.RetryCount = 3
		assert.Same(t, fresh, s.SelectNext([]*queue.Request{retried, fresh}))
	})

	t.Run("starving request gains score", func(t *testing.T) {
		t.Parallel()

		s := queue.NewScheduler(queue.StrategyAdaptive, queue.DefaultSchedulerTuning())
		starved := candidate(5, 10*time.Minute)
		fresh := candidate(5, time.Second)
		assert.Same(t, starved, s.SelectNext([]*queue.Request{fresh, starved}))
	})

	t.Run("failing priority loses to untried one", func(t *testing.T) {
		t.Parallel()

		s := queue.NewScheduler(queue.StrategyAdaptive, queue.DefaultSchedulerTuning())
		// Drive priority 9's success-rate EMA toward zero.
		for ri := 0; ri < 50; ri++ {
			s.RecordOutcome(9, false, 100*time.Millisecond)
		}

		failing := candidate(9, time.Second)
		untried := candidate(5, time.Second)
		// 9 * ~0.5 < 5 * 1.0 * exploration bonus.
		assert.Same(t, untried, s.SelectNext([]*queue.Request{failing, untried}))
	})

	t.Run("feedback for other strategies is ignored", func(t *testing.T) {
		t.Parallel()

		s := queue.NewScheduler(queue.StrategyFIFO, queue.DefaultSchedulerTuning())
		require.NotPanics(t, func() { s.RecordOutcome(5, true, time.Second) })
	})
}
