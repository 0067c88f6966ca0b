package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Dhoini/channel-subscriptions/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDailyAt_Next(t *testing.T) {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	require.NoError(t, err)
	sched := DailyAt(10, loc)

	before := time.Date(2026, 5, 10, 9, 30, 0, 0, loc)
	assert.Equal(t, time.Date(2026, 5, 10, 10, 0, 0, 0, loc), sched.Next(before))

	exact := time.Date(2026, 5, 10, 10, 0, 0, 0, loc)
	assert.Equal(t, time.Date(2026, 5, 11, 10, 0, 0, 0, loc), sched.Next(exact))

	// 12:00 UTC = 09:00 в Сан-Паулу
	utc := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	assert.True(t, sched.Next(utc).Equal(time.Date(2026, 5, 10, 13, 0, 0, 0, time.UTC)))
}

func TestHourly_Next(t *testing.T) {
	from := time.Date(2026, 5, 10, 9, 59, 59, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 5, 10, 10, 0, 0, 0, time.UTC), Hourly().Next(from))
}

func TestEvery_NonPositive(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, from.Add(time.Minute), Every(0).Next(from))
}

func TestScheduler_RunsPeriodically(t *testing.T) {
	s := New(logger.NewNop())
	var runs atomic.Int32
	require.NoError(t, s.Add(Job{
		Name:     "tick",
		Schedule: Every(10 * time.Millisecond),
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}))

	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))

	stopped := runs.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, stopped, runs.Load())
}

func TestScheduler_RunAtStartAndErrors(t *testing.T) {
	s := New(logger.NewNop())
	var runs atomic.Int32
	require.NoError(t, s.Add(Job{
		Name:       "failing",
		Schedule:   Every(time.Hour),
		RunAtStart: true,
		Run: func(context.Context) error {
			runs.Add(1)
			return errors.New("boom")
		},
	}))

	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
}

func TestScheduler_NoOverlap(t *testing.T) {
	s := New(logger.NewNop())
	var active, maxActive, runs atomic.Int32
	require.NoError(t, s.Add(Job{
		Name:       "slow",
		Schedule:   Every(time.Millisecond),
		RunAtStart: true,
		Run: func(ctx context.Context) error {
			n := active.Add(1)
			defer active.Add(-1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			runs.Add(1)
			time.Sleep(5 * time.Millisecond)
			return nil
		},
	}))

	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool { return runs.Load() >= 5 }, time.Second, time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, int32(1), maxActive.Load())
}

func TestScheduler_StopWaitsForRunningJob(t *testing.T) {
	s := New(logger.NewNop())
	started := make(chan struct{})
	var finished atomic.Bool
	require.NoError(t, s.Add(Job{
		Name:       "long",
		Schedule:   Every(time.Hour),
		RunAtStart: true,
		Run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			finished.Store(true)
			return ctx.Err()
		},
	}))

	require.NoError(t, s.Start(context.Background()))
	<-started
	require.NoError(t, s.Stop(context.Background()))
	assert.True(t, finished.Load())
}

func TestScheduler_StopTimeout(t *testing.T) {
	s := New(logger.NewNop())
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, s.Add(Job{
		Name:       "stuck",
		Schedule:   Every(time.Hour),
		RunAtStart: true,
		Run: func(context.Context) error {
			close(started)
			<-release
			return nil
		},
	}))

	require.NoError(t, s.Start(context.Background()))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)
	close(release)
}

func TestScheduler_Restart(t *testing.T) {
	s := New(logger.NewNop())
	var runs atomic.Int32
	require.NoError(t, s.Add(Job{
		Name:       "once",
		Schedule:   Every(time.Hour),
		RunAtStart: true,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}))

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyRunning)
	assert.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
	assert.False(t, s.Running())

	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
}

func TestScheduler_AddValidation(t *testing.T) {
	s := New(logger.NewNop())
	job := Job{Name: "a", Schedule: Every(time.Second), Run: func(context.Context) error { return nil }}
	require.NoError(t, s.Add(job))
	assert.ErrorIs(t, s.Add(job), ErrDuplicateJob)
	assert.Error(t, s.Add(Job{Name: "b"}))
}

func TestScheduler_RecoversFromPanic(t *testing.T) {
	s := New(logger.NewNop())
	var runs atomic.Int32
	require.NoError(t, s.Add(Job{
		Name:       "panics",
		Schedule:   Every(5 * time.Millisecond),
		RunAtStart: true,
		Run: func(context.Context) error {
			runs.Add(1)
			panic("unexpected")
		},
	}))

	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
}
