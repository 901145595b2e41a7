package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestScheduler() (*Scheduler, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(clock.Now), clock
}

func runAll(e *Entry) { e.Callback(e.Params) }

// ============================================================================
// 排程順序
// ============================================================================

func TestIntervalFiresOncePerPeriod(t *testing.T) {
	s, clock := newTestScheduler()
	t0 := clock.now

	var fired []time.Duration
	_, err := s.Interval(5*time.Second, func(any) error {
		fired = append(fired, clock.now.Sub(t0))
		return nil
	}, nil)
	require.NoError(t, err)

	// two sleep cycles, each waking at the next due time
	for i := 0; i < 2; i++ {
		next, ok := s.Next()
		require.True(t, ok)
		clock.now = next
		s.RunDue(runAll)
	}
	clock.now = t0.Add(11 * time.Second)
	assert.Zero(t, s.RunDue(runAll))

	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, fired)
	next, _ := s.Next()
	assert.Equal(t, t0.Add(15*time.Second), next)
}

func TestIntervalSkipsMissedPeriods(t *testing.T) {
	s, clock := newTestScheduler()
	t0 := clock.now
	calls := 0
	_, err := s.Interval(5*time.Second, func(any) error { calls++; return nil }, nil)
	require.NoError(t, err)

	clock.now = t0.Add(23 * time.Second)
	assert.Equal(t, 1, s.RunDue(runAll))
	assert.Equal(t, 1, calls)
	next, _ := s.Next()
	assert.Equal(t, t0.Add(28*time.Second), next)
}

func TestDelayAndScheduleRunOnce(t *testing.T) {
	s, clock := newTestScheduler()
	var order []string
	record := func(name string) Callback {
		return func(p any) error { order = append(order, name+":"+p.(string)); return nil }
	}

	s.Delay(2*time.Second, record("delay"), "a")
	s.Schedule(clock.now.Add(time.Second), record("norm"), "b")
	s.Schedule(clock.now.Add(-time.Hour), record("past"), "c")
	assert.Equal(t, 3, s.Len())

	clock.now = clock.now.Add(3 * time.Second)
	assert.Equal(t, 3, s.RunDue(runAll))
	assert.Equal(t, []string{"past:c", "norm:b", "delay:a"}, order)
	assert.Zero(t, s.Len())
	_, ok := s.Next()
	assert.False(t, ok)
}

func TestCancel(t *testing.T) {
	s, clock := newTestScheduler()
	id := s.Delay(time.Second, func(any) error { t.Fatal("cancelled entry ran"); return nil }, nil)
	require.NoError(t, s.Cancel(id))
	assert.ErrorIs(t, s.Cancel(id), ErrEntryNotFound)

	clock.now = clock.now.Add(time.Minute)
	assert.Zero(t, s.RunDue(runAll))
}

func TestCallbackMayCancelOthers(t *testing.T) {
	s, clock := newTestScheduler()
	var second string
	ran := 0
	s.Delay(time.Second, func(any) error { ran++; return s.Cancel(second) }, nil)
	second = s.Delay(time.Second, func(any) error { ran++; return nil }, nil)

	clock.now = clock.now.Add(time.Second)
	assert.Equal(t, 1, s.RunDue(runAll))
	assert.Equal(t, 1, ran)
}

func TestIntervalRejectsNonPositive(t *testing.T) {
	s, _ := newTestScheduler()
	_, err := s.Interval(0, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidEntry)
}

func TestCronEntry(t *testing.T) {
	s, clock := newTestScheduler() // 12:00:00
	id, err := s.Cron("*/15 * * * *", func(any) error { return nil }, nil)
	require.NoError(t, err)

	e, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, clock.now.Add(15*time.Minute), e.When)

	clock.now = e.When
	s.RunDue(runAll)
	assert.Equal(t, clock.now.Add(15*time.Minute), e.When)
	assert.Equal(t, 1, e.Runs)

	_, err = s.Cron("0 0 31 2 *", nil, nil)
	assert.ErrorIs(t, err, ErrInvalidEntry)
}

// ============================================================================
// Cron 解析
// ============================================================================

func TestParseCron(t *testing.T) {
	valid := []string{"* * * * *", "0 8 * * *", "*/5 * * * *", "0 9-17 * * 1-5", "0,30 * 1,15 * *", "5/10 * * * *", "@daily", "0 0 * * 7"}
	for _, expr := range valid {
		_, err := ParseCron(expr)
		assert.NoError(t, err, expr)
	}

	invalid := []string{"", "* * * *", "60 * * * *", "* 24 * * *", "* * 0 * *", "*/0 * * * *", "a * * * *", "5-1 * * * *"}
	for _, expr := range invalid {
		_, err := ParseCron(expr)
		assert.ErrorIs(t, err, ErrInvalidEntry, expr)
	}
}

func TestCronNext(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 7, 30, 0, time.UTC) // Friday

	tests := []struct {
		expr string
		want time.Time
	}{
		{"* * * * *", time.Date(2024, 3, 1, 12, 8, 0, 0, time.UTC)},
		{"0 8 * * *", time.Date(2024, 3, 2, 8, 0, 0, 0, time.UTC)},
		{"*/10 * * * *", time.Date(2024, 3, 1, 12, 10, 0, 0, time.UTC)},
		{"0 9 * * 1", time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)},
		{"0 0 1 1 *", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"0 0 29 2 *", time.Date(2028, 2, 29, 0, 0, 0, 0, time.UTC)},
		{"@hourly", time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)},
		{"0 0 * * 0", time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC)},
		{"0 0 * * 7", time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		c, err := ParseCron(tt.expr)
		require.NoError(t, err, tt.expr)
		assert.Equal(t, tt.want, c.Next(base), tt.expr)
	}
}

func TestCronDayFieldsEitherMatch(t *testing.T) {
	// 15th of the month OR any Monday
	c, err := ParseCron("0 0 15 * 1")
	require.NoError(t, err)
	assert.True(t, c.Matches(time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC))) // Monday 4th
	assert.True(t, c.Matches(time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC))) // Friday 15th
	assert.False(t, c.Matches(time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)))
}

func TestCronStepDayFieldIsNotRestricted(t *testing.T) {
	// odd days AND Mondays: a */N field does not switch on the OR rule
	c, err := ParseCron("0 0 */2 * 1")
	require.NoError(t, err)
	assert.True(t, c.Matches(time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC))) // Monday 11th
	assert.False(t, c.Matches(time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC))) // Monday 4th
	assert.False(t, c.Matches(time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)))  // Tuesday 5th
}
