// Package scheduler drives periodic ingestion cycles from a cron
// expression.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	appLog "eventmap/internal/log"
)

// Scheduler runs a single refresh job on a cron schedule. Scheduled runs
// never overlap; a tick that arrives while the job is still running is
// skipped.
type Scheduler struct {
	cron *cron.Cron
	loc  *time.Location

	mu      sync.Mutex
	entryID cron.EntryID
	spec    string
}

// New creates a Scheduler evaluating schedules in loc (UTC if nil).
func New(loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	logger := cronLogger{}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		loc: loc,
	}
}

// Schedule installs job under spec (standard five-field cron syntax or a
// descriptor such as "@every 5m"), replacing any previous schedule. ctx is
// passed to every run.
func (s *Scheduler) Schedule(ctx context.Context, spec string, job func(context.Context)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.cron.AddFunc(spec, func() {
		if ctx.Err() != nil {
			return
		}
		job(ctx)
	})
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q: %w", spec, err)
	}
	if s.entryID != 0 {
		s.cron.Remove(s.entryID)
	}
	s.entryID = id
	s.spec = spec

	appLog.Info("refresh scheduled", "spec", spec, "timezone", s.loc.String())
	return nil
}

// Next returns the next scheduled run, or the zero time if nothing is
// scheduled or the scheduler is not running.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	id := s.entryID
	s.mu.Unlock()
	if id == 0 {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

// Spec returns the installed schedule expression.
func (s *Scheduler) Spec() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spec
}

// Start begins firing scheduled runs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for a running job to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// cronLogger routes cron's internal logging through the app logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}
