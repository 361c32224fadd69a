package sync

import (
	"context"
	"fmt"
	"slices"
	gosync "sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/robfig/cron/v3"

	"github.com/edulure/go-relay/core"
)

// JobRunner executes a fired job. The default runner calls Orchestrator.RunJob;
// queue-backed deployments replace it to enqueue instead.
type JobRunner func(ctx context.Context, key string, fireAt time.Time) error

type SchedulerOption func(*Scheduler)

func WithJobRunner(runner JobRunner) SchedulerOption {
	return func(s *Scheduler) {
		if runner != nil {
			s.runner = runner
		}
	}
}

func WithSchedulerLogger(logger core.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

func WithSchedulerMetrics(metrics core.MetricsRecorder) SchedulerOption {
	return func(s *Scheduler) {
		s.metrics = metrics
	}
}

// ScheduledJob describes one registered cron entry.
type ScheduledJob struct {
	Key      string
	Cron     string
	Timezone string
	Next     time.Time
}

type scheduledJob struct {
	key      string
	config   core.ScheduleConfig
	schedule locatedSchedule
	entryID  cron.EntryID
}

// locatedSchedule evaluates a cron schedule in a fixed IANA zone.
type locatedSchedule struct {
	schedule cron.Schedule
	location *time.Location
}

func (s locatedSchedule) Next(t time.Time) time.Time {
	return s.schedule.Next(t.In(s.location))
}

type Scheduler struct {
	orchestrator *Orchestrator
	cron         *cron.Cron
	jobs         []*scheduledJob
	runner       JobRunner
	logger       core.Logger
	metrics      core.MetricsRecorder
	observer     *core.Observer

	mu      gosync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewScheduler validates every schedule, enabled or not, and registers the
// enabled ones whose integration is configured on the orchestrator.
func NewScheduler(orchestrator *Orchestrator, schedules core.SchedulesConfig, opts ...SchedulerOption) (*Scheduler, error) {
	if orchestrator == nil {
		return nil, fmt.Errorf("sync: orchestrator is required")
	}
	scheduler := &Scheduler{
		orchestrator: orchestrator,
		cron:         cron.New(cron.WithLocation(time.UTC)),
	}
	scheduler.runner = scheduler.runOrchestratorJob
	for _, opt := range opts {
		if opt != nil {
			opt(scheduler)
		}
	}
	scheduler.observer = core.NewObserver("relay.scheduler", scheduler.logger, scheduler.metrics)

	configured := orchestrator.Integrations()
	candidates := []struct {
		key         string
		config      core.ScheduleConfig
		integration string
	}{
		{key: JobKeyHubSpotSync, config: schedules.HubSpotSync, integration: core.IntegrationHubSpot},
		{key: JobKeySalesforceSync, config: schedules.SalesforceSync, integration: core.IntegrationSalesforce},
		{key: JobKeyReconciliation, config: schedules.Reconciliation},
	}
	for _, candidate := range candidates {
		schedule, location, err := core.ParseSchedule(candidate.config)
		if err != nil {
			if !candidate.config.Enabled && candidate.config.Cron == "" {
				continue
			}
			return nil, core.WrapError(err, goerrors.CategoryValidation, core.ErrorConfigInvalid, fmt.Sprintf("sync: schedule %s", candidate.key))
		}
		if !candidate.config.Enabled {
			continue
		}
		if candidate.integration != "" && !slices.Contains(configured, candidate.integration) {
			continue
		}
		if candidate.integration == "" && len(configured) == 0 {
			continue
		}
		job := &scheduledJob{
			key:      candidate.key,
			config:   candidate.config,
			schedule: locatedSchedule{schedule: schedule, location: location},
		}
		key := candidate.key
		job.entryID = scheduler.cron.Schedule(job.schedule, cron.FuncJob(func() {
			scheduler.fire(key)
		}))
		scheduler.jobs = append(scheduler.jobs, job)
	}
	return scheduler, nil
}

// Jobs lists registered entries with their next fire time after now.
func (s *Scheduler) Jobs(now time.Time) []ScheduledJob {
	out := make([]ScheduledJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, ScheduledJob{
			Key:      job.key,
			Cron:     job.config.Cron,
			Timezone: job.schedule.location.String(),
			Next:     job.schedule.Next(now),
		})
	}
	return out
}

// Next returns the next fire time of key after t.
func (s *Scheduler) Next(key string, t time.Time) (time.Time, bool) {
	for _, job := range s.jobs {
		if job.key == key {
			return job.schedule.Next(t), true
		}
	}
	return time.Time{}, false
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.cron.Start()
	s.observer.Info(ctx, "scheduler started", map[string]any{"jobs": len(s.jobs)})
}

// Stop halts the cron loop and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	cancel()
}

// Trigger fires key immediately through the configured runner.
func (s *Scheduler) Trigger(ctx context.Context, key string) error {
	return s.runner(ctx, key, time.Now().UTC())
}

func (s *Scheduler) fire(key string) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	fireAt := time.Now().UTC()
	err := s.runner(ctx, key, fireAt)
	switch {
	case err == nil:
		s.observer.Count(ctx, "fired.total", 1, map[string]string{"job": key})
	case IsJobBusy(err):
		s.observer.Count(ctx, "skipped.total", 1, map[string]string{"job": key})
		s.observer.Info(ctx, "scheduled job skipped", map[string]any{"job": key, "reason": err.Error()})
	default:
		s.observer.Error(ctx, "scheduled job failed", map[string]any{"job": key, "error": err.Error()})
	}
}

func (s *Scheduler) runOrchestratorJob(ctx context.Context, key string, _ time.Time) error {
	_, err := s.orchestrator.RunJob(ctx, key, core.SyncTriggerScheduler)
	return err
}
