// Package schedule runs the gateway's periodic maintenance jobs on a cron
// scheduler.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrUnknownJob   = errors.New("unknown job")
	ErrDuplicateJob = errors.New("duplicate job")
)

// Job is one named maintenance task. Spec accepts standard five-field cron
// expressions and descriptors such as "@every 1m".
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

type Service struct {
	logger *slog.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	jobs    map[string]Job
	entries map[string]cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewService(log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		logger:  log.With(slog.String("service", "schedule")),
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		jobs:    map[string]Job{},
		entries: map[string]cron.EntryID{},
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add registers a job. It may be called before or after Bootstrap.
func (s *Service) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("schedule: job needs a name and a run func")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.Name)
	}
	id, err := s.cron.AddFunc(job.Spec, func() { s.run(job) })
	if err != nil {
		return fmt.Errorf("schedule %s: %w", job.Name, err)
	}
	s.jobs[job.Name] = job
	s.entries[job.Name] = id
	return nil
}

// Bootstrap starts the scheduler.
func (s *Service) Bootstrap(ctx context.Context) error {
	s.cron.Start()
	s.mu.Lock()
	n := len(s.jobs)
	s.mu.Unlock()
	s.logger.Info("scheduler started", slog.Int("jobs", n))
	return nil
}

// Stop halts the scheduler and waits for running jobs within ctx.
func (s *Service) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Trigger runs a job immediately, outside its schedule.
func (s *Service) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return job.Run(ctx)
}

// Next reports when a job fires next. The zero time means the scheduler
// has not started.
func (s *Service) Next(name string) (time.Time, error) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.cron.Entry(id).Next, nil
}

func (s *Service) run(job Job) {
	started := time.Now()
	if err := job.Run(s.ctx); err != nil {
		s.logger.Warn("job failed", slog.String("job", job.Name), slog.Any("error", err))
		return
	}
	s.logger.Debug("job finished", slog.String("job", job.Name), slog.Duration("took", time.Since(started)))
}
