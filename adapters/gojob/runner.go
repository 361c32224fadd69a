package gojob

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	gosync "sync"
	"time"

	"github.com/edulure/go-relay/core"
	"github.com/edulure/go-relay/sync"
)

const (
	JobIDSyncHubSpot       = "relay.sync.hubspot"
	JobIDSyncSalesforce    = "relay.sync.salesforce"
	JobIDReconcile         = "relay.reconciliation"
	JobIDDispatcherRecover = "relay.dispatches.recover"

	DedupPolicyDrop = "drop"
)

const (
	retryBaseDelay = 30 * time.Second
	retryMaxDelay  = 30 * time.Minute
	idlePause      = time.Second
)

var jobIDsByKey = map[string]string{
	sync.JobKeyHubSpotSync:    JobIDSyncHubSpot,
	sync.JobKeySalesforceSync: JobIDSyncSalesforce,
	sync.JobKeyReconciliation: JobIDReconcile,
}

// JobIDForKey maps a scheduler job key to its queue job id.
func JobIDForKey(key string) (string, bool) {
	id, ok := jobIDsByKey[strings.TrimSpace(key)]
	return id, ok
}

// KeyForJobID maps a queue job id back to its scheduler job key.
func KeyForJobID(jobID string) (string, bool) {
	jobID = strings.TrimSpace(jobID)
	for key, id := range jobIDsByKey {
		if id == jobID {
			return key, true
		}
	}
	return "", false
}

// NewJobMessage builds the queue message for one firing. Two firings of the
// same job at the same second share an idempotency key.
func NewJobMessage(jobID string, fireAt time.Time) *core.JobExecutionMessage {
	fireAt = fireAt.UTC()
	return &core.JobExecutionMessage{
		JobID:          jobID,
		ScriptPath:     jobID,
		Parameters:     map[string]any{"fire_at": fireAt.Format(time.RFC3339)},
		IdempotencyKey: fmt.Sprintf("%s:%d", jobID, fireAt.Unix()),
		DedupPolicy:    DedupPolicyDrop,
	}
}

// Trigger returns a scheduler runner that enqueues each firing instead of
// running it in process.
func Trigger(enqueuer core.JobEnqueuer) sync.JobRunner {
	return func(ctx context.Context, key string, fireAt time.Time) error {
		if enqueuer == nil {
			return fmt.Errorf("gojob: enqueuer is not configured")
		}
		jobID, ok := JobIDForKey(key)
		if !ok {
			return core.ValidationError("job", fmt.Sprintf("unknown job %q", key))
		}
		return enqueuer.Enqueue(ctx, NewJobMessage(jobID, fireAt))
	}
}

// JobExecutor runs a scheduler job key under the orchestrator's guard.
type JobExecutor interface {
	RunJob(ctx context.Context, key string, trigger core.SyncTrigger) (bool, error)
}

type DispatchRecoverer interface {
	Recover(ctx context.Context) (int, error)
}

type RunnerOption func(*Runner)

func WithRetryPolicy(policy RetryPolicy) RunnerOption {
	return func(r *Runner) {
		r.policy = policy
	}
}

func WithDispatchRecoverer(recoverer DispatchRecoverer) RunnerOption {
	return func(r *Runner) {
		r.recoverer = recoverer
	}
}

func WithRunnerLogger(logger core.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

func WithRunnerMetrics(metrics core.MetricsRecorder) RunnerOption {
	return func(r *Runner) {
		r.metrics = metrics
	}
}

// WithRunnerRandom injects the retry jitter source; it must return values in [0,1).
func WithRunnerRandom(random func() float64) RunnerOption {
	return func(r *Runner) {
		if random != nil {
			r.random = random
		}
	}
}

// Runner consumes queued relay jobs and executes them through the
// orchestrator. Busy refusals are acknowledged as skips.
type Runner struct {
	executor  JobExecutor
	recoverer DispatchRecoverer
	policy    RetryPolicy
	logger    core.Logger
	metrics   core.MetricsRecorder
	observer  *core.Observer
	random    func() float64

	mu       gosync.Mutex
	attempts map[string]int
}

func NewRunner(executor JobExecutor, opts ...RunnerOption) (*Runner, error) {
	if executor == nil {
		return nil, fmt.Errorf("gojob: job executor is required")
	}
	runner := &Runner{
		executor: executor,
		policy:   DefaultRetryPolicy(),
		random:   rand.Float64,
		attempts: map[string]int{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(runner)
		}
	}
	runner.observer = core.NewObserver("relay.jobs", runner.logger, runner.metrics)
	return runner, nil
}

// Handle executes one delivery and settles it. The returned error is the
// settlement error, not the job error.
func (r *Runner) Handle(ctx context.Context, delivery core.JobDelivery) error {
	if r == nil || delivery == nil {
		return fmt.Errorf("gojob: runner and delivery are required")
	}
	msg := delivery.Message()
	if msg == nil {
		return delivery.Nack(ctx, core.JobNackOptions{DeadLetter: true, Reason: "missing execution message"})
	}
	attemptKey := msg.IdempotencyKey
	if attemptKey == "" {
		attemptKey = msg.JobID
	}
	attempt := r.nextAttempt(attemptKey)
	tags := map[string]string{"job": msg.JobID}

	err := r.execute(ctx, msg)
	switch {
	case err == nil:
		r.clearAttempts(attemptKey)
		r.observer.Count(ctx, "completed.total", 1, tags)
		return delivery.Ack(ctx)
	case sync.IsJobBusy(err):
		r.clearAttempts(attemptKey)
		r.observer.Count(ctx, "skipped.total", 1, tags)
		r.observer.Info(ctx, "queued job skipped", map[string]any{"job": msg.JobID, "reason": err.Error()})
		return delivery.Ack(ctx)
	case core.IsTextCode(err, core.ErrorBadInput):
		r.clearAttempts(attemptKey)
		r.observer.Error(ctx, "queued job rejected", map[string]any{"job": msg.JobID, "error": err.Error()})
		return delivery.Nack(ctx, core.JobNackOptions{DeadLetter: true, Reason: err.Error()})
	}

	opts := r.policy.Settle(core.JobNackOptions{
		Delay:   core.DeliveryBackoff(attempt, retryBaseDelay, retryMaxDelay, 0.8, 1.2, r.random()),
		Requeue: true,
		Reason:  err.Error(),
	}, attempt)
	if opts.DeadLetter {
		r.clearAttempts(attemptKey)
	}
	r.observer.Count(ctx, "failed.total", 1, tags)
	r.observer.Warn(ctx, "queued job failed", map[string]any{
		"job":         msg.JobID,
		"attempt":     attempt,
		"error":       err.Error(),
		"dead_letter": opts.DeadLetter,
		"delay_ms":    opts.Delay.Milliseconds(),
	})
	return delivery.Nack(ctx, opts)
}

// Consume dequeues and handles deliveries until ctx is cancelled.
func (r *Runner) Consume(ctx context.Context, dequeuer core.JobDequeuer) error {
	if dequeuer == nil {
		return fmt.Errorf("gojob: dequeuer is required")
	}
	for ctx.Err() == nil {
		delivery, err := dequeuer.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.observer.Warn(ctx, "dequeue failed", map[string]any{"error": err.Error()})
			r.pause(ctx)
			continue
		}
		if delivery == nil {
			r.pause(ctx)
			continue
		}
		if err := r.Handle(ctx, delivery); err != nil {
			r.observer.Error(ctx, "job settlement failed", map[string]any{"error": err.Error()})
		}
	}
	return nil
}

func (r *Runner) execute(ctx context.Context, msg *core.JobExecutionMessage) error {
	if msg.JobID == JobIDDispatcherRecover {
		if r.recoverer == nil {
			return core.ValidationError("job_id", "dispatch recovery is not configured")
		}
		recovered, err := r.recoverer.Recover(ctx)
		if err == nil && recovered > 0 {
			r.observer.Info(ctx, "dispatches recovered", map[string]any{"count": recovered})
		}
		return err
	}
	key, ok := KeyForJobID(msg.JobID)
	if !ok {
		return core.ValidationError("job_id", fmt.Sprintf("unknown job id %q", msg.JobID))
	}
	_, err := r.executor.RunJob(ctx, key, core.SyncTriggerJob)
	return err
}

func (r *Runner) nextAttempt(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[key]++
	return r.attempts[key]
}

func (r *Runner) clearAttempts(key string) {
	r.mu.Lock()
	delete(r.attempts, key)
	r.mu.Unlock()
}

func (r *Runner) pause(ctx context.Context) {
	timer := time.NewTimer(idlePause)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// ObservingHook logs and counts worker lifecycle events.
type ObservingHook struct {
	observer *core.Observer
}

func NewObservingHook(logger core.Logger, metrics core.MetricsRecorder) *ObservingHook {
	return &ObservingHook{observer: core.NewObserver("relay.jobs.worker", logger, metrics)}
}

func (h *ObservingHook) OnStart(ctx context.Context, event core.JobWorkerEvent) {
	h.observer.Debug(ctx, "job started", hookFields(event))
}

func (h *ObservingHook) OnSuccess(ctx context.Context, event core.JobWorkerEvent) {
	tags := map[string]string{"job": hookJobID(event)}
	h.observer.Count(ctx, "succeeded.total", 1, tags)
	h.observer.Histogram(ctx, "duration_ms", float64(event.Duration.Milliseconds()), tags)
}

func (h *ObservingHook) OnFailure(ctx context.Context, event core.JobWorkerEvent) {
	h.observer.Count(ctx, "failed.total", 1, map[string]string{"job": hookJobID(event)})
	h.observer.Error(ctx, "job failed", hookFields(event))
}

func (h *ObservingHook) OnRetry(ctx context.Context, event core.JobWorkerEvent) {
	fields := hookFields(event)
	fields["delay_ms"] = event.Delay.Milliseconds()
	h.observer.Warn(ctx, "job retrying", fields)
}

func hookJobID(event core.JobWorkerEvent) string {
	if event.Message == nil {
		return ""
	}
	return event.Message.JobID
}

func hookFields(event core.JobWorkerEvent) map[string]any {
	fields := map[string]any{"job": hookJobID(event), "attempt": event.Attempt}
	if event.Err != nil {
		fields["error"] = event.Err.Error()
	}
	return fields
}

var _ core.JobWorkerHook = (*ObservingHook)(nil)
