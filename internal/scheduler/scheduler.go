// Package scheduler resubmits configured targets to the scan pipeline on a
// cron schedule so that known hosts are rechecked periodically.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/anstrom/camwatch/internal/errors"
	"github.com/anstrom/camwatch/internal/logging"
	"github.com/anstrom/camwatch/internal/scanning"
)

// Submitter queues a target for scanning without waiting for the result.
type Submitter interface {
	SubmitScan(target string) error
}

// Scheduler manages scheduled rescan jobs.
type Scheduler struct {
	cron      *cron.Cron
	submitter Submitter
	logger    *logging.Logger
	jobs      map[uuid.UUID]*job
	mu        sync.RWMutex
	running   bool
}

type job struct {
	id       uuid.UUID
	name     string
	spec     string
	targets  []string
	cronID   cron.EntryID
	lastRun  time.Time
	runs     int
	rejected int
	running  bool
}

// Job is a snapshot of a scheduled job.
type Job struct {
	ID       uuid.UUID `json:"id"`
	Name     string    `json:"name"`
	Spec     string    `json:"spec"`
	Targets  []string  `json:"targets"`
	LastRun  time.Time `json:"last_run,omitempty"`
	NextRun  time.Time `json:"next_run"`
	Runs     int       `json:"runs"`
	Rejected int       `json:"rejected"`
}

// New creates a scheduler that feeds s. Panicking jobs are recovered and
// a job still running when its next tick fires is skipped. Recover sits
// inside SkipIfStillRunning, which only hands its token back when the
// wrapped job returns normally.
func New(s Submitter, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent("scheduler")
	cl := cronLogger{logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.SkipIfStillRunning(cl), cron.Recover(cl)),
		),
		submitter: s,
		logger:    logger,
		jobs:      make(map[uuid.UUID]*job),
	}
}

// Start begins running jobs.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	s.cron.Start()
	s.running = true

	s.logger.Info("Scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop stops the cron loop and waits for running jobs to return or ctx
// to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return errors.Wrap(errors.CodeTimeout, "scheduler stop timed out", ctx.Err())
	}
}

// AddJob schedules targets to be resubmitted on spec, a standard five
// field cron expression or a descriptor such as "@every 30m".
func (s *Scheduler) AddJob(name, spec string, targets []string) (uuid.UUID, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return uuid.Nil, errors.Wrap(errors.CodeValidation, "invalid cron expression", err)
	}
	if len(targets) == 0 {
		return uuid.Nil, errors.New(errors.CodeValidation, "scheduled job has no targets")
	}

	normalized := make([]string, 0, len(targets))
	for _, t := range targets {
		n, err := scanning.NormalizeTarget(t)
		if err != nil {
			return uuid.Nil, err
		}
		normalized = append(normalized, n)
	}

	j := &job{id: uuid.New(), name: name, spec: spec, targets: normalized}

	s.mu.Lock()
	defer s.mu.Unlock()
	j.cronID = s.cron.Schedule(schedule, cron.FuncJob(func() { s.run(j.id) }))
	s.jobs[j.id] = j

	s.logger.Info("Added scheduled job", "job", name, "spec", spec, "targets", len(normalized))
	return j.id, nil
}

// RemoveJob unschedules a job.
func (s *Scheduler) RemoveJob(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return errors.New(errors.CodeNotFound, "job not found")
	}
	s.cron.Remove(j.cronID)
	delete(s.jobs, id)

	s.logger.Info("Removed scheduled job", "job", j.name)
	return nil
}

// RunNow runs a job immediately on the caller's goroutine.
func (s *Scheduler) RunNow(id uuid.UUID) error {
	s.mu.RLock()
	_, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return errors.New(errors.CodeNotFound, "job not found")
	}
	s.run(id)
	return nil
}

// Jobs returns the scheduled jobs ordered by name.
func (s *Scheduler) Jobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, Job{
			ID:       j.id,
			Name:     j.name,
			Spec:     j.spec,
			Targets:  append([]string(nil), j.targets...),
			LastRun:  j.lastRun,
			NextRun:  s.cron.Entry(j.cronID).Next,
			Runs:     j.runs,
			Rejected: j.rejected,
		})
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].Name < jobs[b].Name })
	return jobs
}

// run submits every target of the job. A run that overlaps a RunNow of the
// same job is skipped.
func (s *Scheduler) run(id uuid.UUID) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok || j.running {
		s.mu.Unlock()
		return
	}
	j.running = true
	j.lastRun = time.Now()
	targets := j.targets
	s.mu.Unlock()

	submitted, rejected := 0, 0
	defer func() {
		s.mu.Lock()
		j.running = false
		j.runs++
		j.rejected += rejected
		s.mu.Unlock()
	}()

	for _, target := range targets {
		if err := s.submitter.SubmitScan(target); err != nil {
			rejected++
			s.logger.ErrorScan("Scheduled scan rejected", target, err, "job", j.name)
			if errors.IsCode(err, errors.CodePoolClosed) {
				break
			}
			continue
		}
		submitted++
	}

	s.logger.Info("Scheduled job ran", "job", j.name, "submitted", submitted, "rejected", rejected)
}

// cronLogger adapts the structured logger to cron.Logger.
type cronLogger struct {
	logger *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
