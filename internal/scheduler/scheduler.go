// Package scheduler запускает периодические задачи: истечение подписок и напоминания.
// Прогоны одной задачи никогда не пересекаются, Stop дожидается текущих прогонов.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Dhoini/channel-subscriptions/pkg/logger"
)

var (
	// ErrAlreadyRunning повторный Start без Stop
	ErrAlreadyRunning = errors.New("scheduler already running")

	// ErrDuplicateJob задача с таким именем уже зарегистрирована
	ErrDuplicateJob = errors.New("job already registered")
)

// Job периодическая задача
type Job struct {
	Name       string
	Schedule   Schedule
	Run        func(ctx context.Context) error
	RunAtStart bool
}

// Scheduler планировщик задач на таймерах
type Scheduler struct {
	log *logger.Logger
	now func() time.Time

	mu      sync.Mutex
	jobs    []Job
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New создает планировщик
func New(log *logger.Logger) *Scheduler {
	return &Scheduler{log: log.Named("scheduler"), now: time.Now}
}

// Add регистрирует задачу. Задачи, добавленные во время работы, стартуют при следующем Start.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil || job.Schedule == nil {
		return fmt.Errorf("job must have name, schedule and run func")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, j := range s.jobs {
		if j.Name == job.Name {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, job.Name)
		}
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Start запускает все задачи. ctx ограничивает время жизни планировщика.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.loop(runCtx, job)
	}

	s.log.Infow("Scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop отменяет таймеры и ждет завершения текущих прогонов, но не дольше ctx.
// После Stop планировщик можно снова запустить.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Infow("Scheduler stopped")
		return nil
	case <-ctx.Done():
		s.log.Warnw("Scheduler stop timed out, jobs still running")
		return ctx.Err()
	}
}

// Running сообщает, запущен ли планировщик
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()

	if job.RunAtStart {
		s.runOnce(ctx, job)
	}

	for {
		now := s.now()
		next := job.Schedule.Next(now)
		timer := time.NewTimer(next.Sub(now))
		s.log.Debugw("Job scheduled", "job", job.Name, "next", next)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.runOnce(ctx, job)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, job Job) {
	if ctx.Err() != nil {
		return
	}

	started := s.now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("Job panicked", "job", job.Name, "panic", r)
		}
	}()

	if err := job.Run(ctx); err != nil {
		s.log.Errorw("Job failed", "job", job.Name, "error", err, "duration", s.now().Sub(started))
		return
	}
	s.log.Debugw("Job finished", "job", job.Name, "duration", s.now().Sub(started))
}
