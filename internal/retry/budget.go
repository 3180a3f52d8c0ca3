package retry

import "time"

// Budget tracks elapsed wall-clock time against a total allowance shared by
// all attempts of one logical operation. A zero allowance never runs out.
type Budget struct {
	total time.Duration
	start time.Time
	now   func() time.Time
}

// NewBudget starts a budget of total measured from now.
func NewBudget(total time.Duration) *Budget {
	return newBudgetWithClock(total, time.Now)
}

func newBudgetWithClock(total time.Duration, now func() time.Time) *Budget {
	return &Budget{total: total, start: now(), now: now}
}

// Elapsed returns the time spent since the budget started.
func (b *Budget) Elapsed() time.Duration {
	return b.now().Sub(b.start)
}

// CanRetry reports whether time remains in the budget.
func (b *Budget) CanRetry() bool {
	if b.total <= 0 {
		return true
	}
	return b.Elapsed() < b.total
}

// Remaining returns the time left, floored at zero. An unlimited budget
// reports the largest representable duration.
func (b *Budget) Remaining() time.Duration {
	if b.total <= 0 {
		return time.Duration(1<<63 - 1)
	}
	if r := b.total - b.Elapsed(); r > 0 {
		return r
	}
	return 0
}
