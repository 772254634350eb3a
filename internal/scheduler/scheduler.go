package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/opentalon/evolve/internal/log"
	"github.com/opentalon/evolve/internal/metrics"
	"github.com/opentalon/evolve/internal/n8n"
)

// Cleaner deletes every workflow matching a filter and returns the ids it
// deleted.
type Cleaner interface {
	DeleteWorkflows(ctx context.Context, filter n8n.ListFilter) ([]string, error)
}

// Job deletes the workflows matching Filter on a cron Schedule.
type Job struct {
	Name     string         `json:"name"`
	Schedule string         `json:"schedule"`
	Filter   n8n.ListFilter `json:"filter"`
	// All must be set for a job whose filter matches every workflow.
	All    bool `json:"all,omitempty"`
	Paused bool `json:"paused,omitempty"`
}

// JobStatus is a job together with its run history.
type JobStatus struct {
	Job
	Next        time.Time `json:"next,omitempty"`
	LastRun     time.Time `json:"last_run,omitempty"`
	LastDeleted int       `json:"last_deleted"`
	LastError   string    `json:"last_error,omitempty"`
}

var (
	ErrJobNotFound = errors.New("job not found")
	ErrUnfiltered  = errors.New("job has an empty filter and would delete every workflow")
)

type runningJob struct {
	job   Job
	entry cron.EntryID

	lastRun     time.Time
	lastDeleted int
	lastErr     error
}

// Scheduler runs cleanup jobs against the workflow platform.
type Scheduler struct {
	mu      sync.RWMutex
	jobs    map[string]*runningJob
	cleaner Cleaner
	cron    *cron.Cron
	logger  *slog.Logger
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// DefaultTimeout bounds one cleanup run.
const DefaultTimeout = 5 * time.Minute

func New(cleaner Cleaner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = log.WithComponent(logger, "scheduler")
	ctx, cancel := context.WithCancel(context.Background())
	cl := cronLogger{logger: logger}
	return &Scheduler{
		jobs:    make(map[string]*runningJob),
		cleaner: cleaner,
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		logger:  logger,
		timeout: DefaultTimeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start registers jobs and starts the cron loop. Invalid jobs are skipped
// and logged.
func (s *Scheduler) Start(jobs []Job) error {
	var errs []error
	for _, j := range jobs {
		if err := s.AddJob(j); err != nil {
			s.logger.Warn("skipping cleanup job", "job", j.Name, log.Error(err))
			errs = append(errs, err)
		}
	}
	s.cron.Start()
	return errors.Join(errs...)
}

// Stop halts the cron loop, cancels running cleanups and waits for them.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

func (s *Scheduler) AddJob(job Job) error {
	if job.Name == "" {
		return fmt.Errorf("job name is required")
	}
	sched, err := cron.ParseStandard(job.Schedule)
	if err != nil {
		return fmt.Errorf("invalid schedule for job %q: %w", job.Name, err)
	}
	if job.Filter.Empty() && !job.All {
		return fmt.Errorf("job %q: %w", job.Name, ErrUnfiltered)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %q already exists", job.Name)
	}
	rj := &runningJob{job: job}
	if !job.Paused {
		rj.entry = s.cron.Schedule(sched, cron.FuncJob(func() { s.execute(rj) }))
	}
	s.jobs[job.Name] = rj
	return nil
}

func (s *Scheduler) RemoveJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rj, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrJobNotFound, name)
	}
	if rj.entry != 0 {
		s.cron.Remove(rj.entry)
	}
	delete(s.jobs, name)
	return nil
}

// RunNow executes the named job immediately, outside its schedule.
func (s *Scheduler) RunNow(name string) (int, error) {
	s.mu.RLock()
	rj, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrJobNotFound, name)
	}
	s.execute(rj)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return rj.lastDeleted, rj.lastErr
}

func (s *Scheduler) ListJobs() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, rj := range s.jobs {
		st := JobStatus{Job: rj.job, LastRun: rj.lastRun, LastDeleted: rj.lastDeleted}
		if rj.entry != 0 {
			st.Next = s.cron.Entry(rj.entry).Next
		}
		if rj.lastErr != nil {
			st.LastError = rj.lastErr.Error()
		}
		out = append(out, st)
	}
	return out
}

func (s *Scheduler) execute(rj *runningJob) {
	s.mu.RLock()
	job := rj.job
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	start := time.Now()
	ids, err := s.cleaner.DeleteWorkflows(ctx, job.Filter)
	metrics.AddCleanupDeleted(len(ids))

	s.mu.Lock()
	rj.lastRun = start
	rj.lastDeleted = len(ids)
	rj.lastErr = err
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("cleanup job failed", "job", job.Name, "deleted", len(ids), log.Error(err))
		return
	}
	s.logger.Info("cleanup job finished", "job", job.Name, "deleted", len(ids),
		log.KeyDurationMS, time.Since(start).Milliseconds())
}

// cronLogger adapts slog to the cron library's logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, log.KeyError, err)...)
}
