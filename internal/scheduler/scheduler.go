// Package scheduler runs the producer's periodic jobs: dispatch, retry
// scan, cleanup and registry heartbeat. Each job has its own ticker and a
// non-reentrancy guard, so a slow cycle is skipped rather than stacked.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"log/slog"
)

// JobFunc is one scheduled job cycle
type JobFunc func(ctx context.Context) error

// Job is a named periodic job
type Job struct {
	// Name identifies the job in logs
	Name string

	// Interval is the tick cadence
	Interval time.Duration

	// Run executes one cycle
	Run JobFunc

	// LeaderOnly restricts the job to the elected leader when leader
	// election is active. Ignored when no leader gate is configured.
	LeaderOnly bool

	// Timeout bounds one cycle; 0 means 30s
	Timeout time.Duration

	// mu prevents overlapping cycles of the same job
	mu sync.Mutex
}

// Scheduler owns a set of jobs and their ticker goroutines
type Scheduler struct {
	jobs []*Job

	// isLeader gates LeaderOnly jobs; nil means always leader
	isLeader func() bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
}

// New creates an empty scheduler
func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		ctx:    ctx,
		cancel: cancel,
	}
}

// WithLeaderGate restricts LeaderOnly jobs to run only when fn reports
// leadership. Used with multi-instance producers sharing one database.
func (s *Scheduler) WithLeaderGate(fn func() bool) *Scheduler {
	s.isLeader = fn
	return s
}

// Add registers a job. Must be called before Start.
func (s *Scheduler) Add(name string, interval time.Duration, run JobFunc) *Scheduler {
	s.jobs = append(s.jobs, &Job{Name: name, Interval: interval, Run: run})
	return s
}

// AddLeaderOnly registers a job that only the leader runs
func (s *Scheduler) AddLeaderOnly(name string, interval time.Duration, run JobFunc) *Scheduler {
	s.jobs = append(s.jobs, &Job{Name: name, Interval: interval, Run: run, LeaderOnly: true})
	return s
}

// Start launches one ticker goroutine per job and blocks until ctx is
// cancelled. Implements lifecycle.Service.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runningMu.Lock()
	if s.running {
		s.runningMu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.runningMu.Unlock()

	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.runJob(job)
		slog.Info("Scheduled job", "job", job.Name, "interval", job.Interval, "leaderOnly", job.LeaderOnly)
	}

	<-ctx.Done()
	return nil
}

// Stop cancels all job loops and waits for in-flight cycles
func (s *Scheduler) Stop(ctx context.Context) error {
	s.runningMu.Lock()
	s.running = false
	s.runningMu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Scheduler stop timed out waiting for jobs")
	}
	return nil
}

// Name implements lifecycle.Service
func (s *Scheduler) Name() string { return "scheduler" }

// Health implements lifecycle.Service
func (s *Scheduler) Health() error {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	if !s.running {
		return fmt.Errorf("scheduler not running")
	}
	return nil
}

func (s *Scheduler) runJob(job *Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tick(job)
		}
	}
}

// tick runs one cycle if the previous one finished and, for leader-only
// jobs, this instance holds leadership
func (s *Scheduler) tick(job *Job) {
	if job.LeaderOnly && s.isLeader != nil && !s.isLeader() {
		return
	}

	if !job.mu.TryLock() {
		slog.Debug("Skipping tick, previous cycle still running", "job", job.Name)
		return
	}
	defer job.mu.Unlock()

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	if err := job.Run(ctx); err != nil {
		slog.Error("Job cycle failed", "job", job.Name, "error", err)
	}
}
