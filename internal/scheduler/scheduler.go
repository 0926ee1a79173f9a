// Package scheduler runs OnboardPipe maintenance jobs on cron schedules.
//
// It is used for housekeeping that is independent of any one conversation,
// such as pruning the inbound message ledger.
package scheduler

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultPruneSchedule runs inbound ledger pruning once an hour.
const DefaultPruneSchedule = "@hourly"

// DefaultInboundRetention is how long inbound message ids are remembered.
const DefaultInboundRetention = 7 * 24 * time.Hour

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Standard 5-field expressions plus @hourly style descriptors; panics in
	// jobs are recovered and logged.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Len returns the number of scheduled jobs.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// InboundPruner is the part of the store pruned by PruneInboundJob.
type InboundPruner interface {
	PruneInbound(before time.Time) (int64, error)
}

// PruneInboundJob returns a job that forgets inbound message ids older than
// retention. now defaults to time.Now.
func PruneInboundJob(p InboundPruner, retention time.Duration, now func() time.Time) func() {
	if now == nil {
		now = time.Now
	}
	return func() {
		cutoff := now().Add(-retention)
		n, err := p.PruneInbound(cutoff)
		if err != nil {
			slog.Error("PruneInboundJob: prune failed", "cutoff", cutoff, "error", err)
			return
		}
		if n > 0 {
			slog.Info("PruneInboundJob: pruned inbound ledger", "removed", n, "cutoff", cutoff)
		}
	}
}
