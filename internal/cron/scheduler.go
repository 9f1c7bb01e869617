// Package cron fires periodic jobs on a cron schedule. The daemon uses it for
// the drainers' safety tick so work left behind by a missed trigger is still
// picked up.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser accepts 5-field expressions and descriptors such as "@every 5s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Job is run on every tick. Jobs run sequentially and should not block.
type Job struct {
	Name string
	Run  func(ctx context.Context)
}

type Config struct {
	Schedule string
	// Interval overrides Schedule when set.
	Interval time.Duration
	Jobs     []Job
	Logger   *slog.Logger
}

// Scheduler runs its jobs once at start and then on each scheduled tick.
type Scheduler struct {
	schedule cronlib.Schedule
	jobs     []Job
	logger   *slog.Logger

	mu     sync.Mutex
	ticks  uint64
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) (*Scheduler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var sched cronlib.Schedule
	switch {
	case cfg.Interval > 0:
		sched = intervalSchedule(cfg.Interval)
	case cfg.Schedule != "":
		parsed, err := cronParser.Parse(cfg.Schedule)
		if err != nil {
			return nil, fmt.Errorf("parse schedule %q: %w", cfg.Schedule, err)
		}
		sched = parsed
	default:
		sched = intervalSchedule(time.Minute)
	}
	return &Scheduler{
		schedule: sched,
		jobs:     cfg.Jobs,
		logger:   logger.With("component", "cron"),
	}, nil
}

// intervalSchedule is a fixed delay without cronlib's one-second floor.
type intervalSchedule time.Duration

func (d intervalSchedule) Next(t time.Time) time.Time { return t.Add(time.Duration(d)) }

func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "jobs", len(s.jobs))
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) Ticks() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	s.tick(ctx)
	for {
		now := time.Now()
		timer := time.NewTimer(s.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	s.ticks++
	s.mu.Unlock()
	for _, job := range s.jobs {
		s.run(ctx, job)
	}
}

func (s *Scheduler) run(ctx context.Context, job Job) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("cron job panicked", "job", job.Name, "panic", fmt.Sprint(rec))
		}
	}()
	job.Run(ctx)
}

// NextRunTime parses the expression and returns the next run time after the given time.
func NextRunTime(expr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
