package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/fiscalops/fleetwatch/pkg/redis"
	"github.com/fiscalops/fleetwatch/pkg/tracing"
)

var (
	// ErrSchedulerStopped is returned when the scheduler is stopped
	ErrSchedulerStopped = errors.New("scheduler stopped")

	// ErrSchedulerAlreadyRunning is returned when trying to start an already running scheduler
	ErrSchedulerAlreadyRunning = errors.New("scheduler already running")
)

const (
	// DefaultLockTTL is the default TTL for distributed locks
	DefaultLockTTL = 60 * time.Second

	// LockKeyPrefix is the prefix for scheduler locks
	LockKeyPrefix = "scheduler:job:"
)

// Job is a unit of periodic work. Run errors are logged, not fatal. The next
// tick still fires.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Config holds configuration for a periodic job
type Config struct {
	// Interval is how often the job runs
	Interval time.Duration

	// LockTTL is how long to hold the distributed lock per run
	LockTTL time.Duration

	// RunOnStart fires the job immediately instead of waiting a full interval
	RunOnStart bool
}

// Scheduler runs a job on a fixed interval. When a locker is provided, only
// one replica runs a given job per tick.
type Scheduler struct {
	job    Job
	locker *redis.Locker
	config Config
	logger ectologger.Logger

	stopCh   chan struct{}
	stoppedC chan struct{}
	running  bool
	mu       sync.RWMutex
}

// NewScheduler creates a new scheduler. locker may be nil for single-replica
// deployments.
func NewScheduler(job Job, locker *redis.Locker, config Config, logger ectologger.Logger) *Scheduler {
	if config.LockTTL <= 0 {
		config.LockTTL = DefaultLockTTL
	}

	return &Scheduler{
		job:      job,
		locker:   locker,
		config:   config,
		logger:   logger,
		stopCh:   make(chan struct{}),
		stoppedC: make(chan struct{}),
	}
}

// Start starts the polling loop
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	s.logger.WithContext(ctx).Infof("Starting job %s: interval=%s", s.job.Name(), s.config.Interval)

	go s.pollLoop(ctx)

	return nil
}

// Stop stops the scheduler gracefully
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logger.WithContext(ctx).Infof("Stopping job %s...", s.job.Name())

	close(s.stopCh)

	select {
	case <-s.stoppedC:
		s.logger.WithContext(ctx).Infof("Job %s stopped gracefully", s.job.Name())
	case <-ctx.Done():
		s.logger.WithContext(ctx).Warnf("Job %s shutdown timed out", s.job.Name())
		return ctx.Err()
	}

	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	defer close(s.stoppedC)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if s.config.RunOnStart {
		s.runCycle(ctx)
	}

	for {
		select {
		case <-s.stopCh:
			s.logger.WithContext(ctx).Debugf("Job %s poll loop stopping", s.job.Name())
			return
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "Scheduler."+s.job.Name())
	defer span.End()

	start := time.Now()

	run := func() error { return s.job.Run(ctx) }

	var err error
	if s.locker != nil {
		err = s.locker.WithLock(ctx, LockKeyPrefix+s.job.Name(), s.config.LockTTL, run)
		if errors.Is(err, redis.ErrLockNotAcquired) {
			s.logger.WithContext(ctx).Debugf("Job %s skipped, another replica holds the lock", s.job.Name())
			return
		}
	} else {
		err = run()
	}

	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Errorf("Job %s failed", s.job.Name())
		return
	}

	s.logger.WithContext(ctx).Infof("Job %s completed in %s", s.job.Name(), time.Since(start))
}

// JobFunc adapts a function to the Job interface.
type JobFunc struct {
	JobName string
	Fn      func(ctx context.Context) error
}

func (j JobFunc) Name() string { return j.JobName }

func (j JobFunc) Run(ctx context.Context) error { return j.Fn(ctx) }
