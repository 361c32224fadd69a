package gojob

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"

	"github.com/edulure/go-relay/core"
)

// RetryPolicy bounds how often a failing relay job goes back on the queue.
type RetryPolicy struct {
	MaxAttempts     int
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, MaxDelay: retryMaxDelay, DeadLetterOnMax: true}
}

// Settle returns the nack options for the given attempt. Once MaxAttempts is
// reached the message is either dead-lettered or dropped, never requeued.
func (p RetryPolicy) Settle(opts core.JobNackOptions, attempt int) core.JobNackOptions {
	opts.Reason = strings.TrimSpace(opts.Reason)
	opts.Delay = max(opts.Delay, 0)
	if p.MaxDelay > 0 {
		opts.Delay = min(opts.Delay, p.MaxDelay)
	}
	exhausted := p.MaxAttempts > 0 && attempt >= p.MaxAttempts
	switch {
	case opts.DeadLetter:
		opts.Requeue = false
	case exhausted:
		opts.Requeue = false
		opts.DeadLetter = p.DeadLetterOnMax
	default:
		opts.Requeue = true
	}
	return opts
}

// isRelayJob reports whether jobID is one the runner knows how to execute.
func isRelayJob(jobID string) bool {
	if jobID == JobIDDispatcherRecover {
		return true
	}
	_, ok := KeyForJobID(jobID)
	return ok
}

func toQueueMessage(msg *core.JobExecutionMessage) (*job.ExecutionMessage, error) {
	if msg == nil {
		return nil, core.ValidationError("message", "execution message is required")
	}
	jobID := strings.TrimSpace(msg.JobID)
	if !isRelayJob(jobID) {
		return nil, core.ValidationError("job_id", fmt.Sprintf("unknown relay job %q", jobID))
	}
	key := strings.TrimSpace(msg.IdempotencyKey)
	if key == "" {
		return nil, core.ValidationError("idempotency_key", "idempotency key is required")
	}
	policy := strings.TrimSpace(msg.DedupPolicy)
	if policy == "" {
		policy = DedupPolicyDrop
	}
	return &job.ExecutionMessage{
		JobID:          jobID,
		ScriptPath:     jobID,
		Parameters:     maps.Clone(msg.Parameters),
		IdempotencyKey: key,
		DedupPolicy:    job.DeduplicationPolicy(policy),
	}, nil
}

func fromQueueMessage(msg *job.ExecutionMessage) *core.JobExecutionMessage {
	if msg == nil {
		return nil
	}
	params := maps.Clone(msg.Parameters)
	if params == nil {
		params = map[string]any{}
	}
	return &core.JobExecutionMessage{
		JobID:          strings.TrimSpace(msg.JobID),
		ScriptPath:     strings.TrimSpace(msg.ScriptPath),
		Parameters:     params,
		IdempotencyKey: strings.TrimSpace(msg.IdempotencyKey),
		DedupPolicy:    string(msg.DedupPolicy),
	}
}

// EnqueuerAdapter puts relay job messages on a go-job queue. Messages for
// unknown jobs or without an idempotency key are refused.
type EnqueuerAdapter struct {
	enqueuer queue.Enqueuer
}

func NewEnqueuerAdapter(enqueuer queue.Enqueuer) *EnqueuerAdapter {
	return &EnqueuerAdapter{enqueuer: enqueuer}
}

func (a *EnqueuerAdapter) Enqueue(ctx context.Context, msg *core.JobExecutionMessage) error {
	if a == nil || a.enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	queued, err := toQueueMessage(msg)
	if err != nil {
		return err
	}
	return a.enqueuer.Enqueue(ctx, queued)
}

type DeliveryAdapter struct {
	delivery queue.Delivery
	policy   RetryPolicy
}

func NewDeliveryAdapter(delivery queue.Delivery, policy RetryPolicy) *DeliveryAdapter {
	return &DeliveryAdapter{delivery: delivery, policy: policy}
}

func (d *DeliveryAdapter) Message() *core.JobExecutionMessage {
	if d == nil || d.delivery == nil {
		return nil
	}
	return fromQueueMessage(d.delivery.Message())
}

func (d *DeliveryAdapter) Ack(ctx context.Context) error {
	if d == nil || d.delivery == nil {
		return fmt.Errorf("gojob: delivery is not configured")
	}
	return d.delivery.Ack(ctx)
}

func (d *DeliveryAdapter) Nack(ctx context.Context, opts core.JobNackOptions) error {
	return d.NackAttempt(ctx, opts, 0)
}

// NackAttempt settles opts against the retry policy for attempt before
// handing them to the queue.
func (d *DeliveryAdapter) NackAttempt(ctx context.Context, opts core.JobNackOptions, attempt int) error {
	if d == nil || d.delivery == nil {
		return fmt.Errorf("gojob: delivery is not configured")
	}
	settled := d.policy.Settle(opts, attempt)
	return d.delivery.Nack(ctx, queue.NackOptions{
		Delay:      settled.Delay,
		Requeue:    settled.Requeue,
		DeadLetter: settled.DeadLetter,
		Reason:     settled.Reason,
	})
}

type DequeuerAdapter struct {
	dequeuer queue.Dequeuer
	policy   RetryPolicy
}

func NewDequeuerAdapter(dequeuer queue.Dequeuer, policy RetryPolicy) *DequeuerAdapter {
	return &DequeuerAdapter{dequeuer: dequeuer, policy: policy}
}

func (a *DequeuerAdapter) Dequeue(ctx context.Context) (core.JobDelivery, error) {
	if a == nil || a.dequeuer == nil {
		return nil, fmt.Errorf("gojob: dequeuer is not configured")
	}
	delivery, err := a.dequeuer.Dequeue(ctx)
	if err != nil || delivery == nil {
		return nil, err
	}
	return NewDeliveryAdapter(delivery, a.policy), nil
}

type hookStage int

const (
	stageStart hookStage = iota
	stageSuccess
	stageFailure
	stageRetry
)

// WorkerHookAdapter forwards go-job worker events to a relay job hook.
type WorkerHookAdapter struct {
	hook core.JobWorkerHook
}

func NewWorkerHookAdapter(hook core.JobWorkerHook) *WorkerHookAdapter {
	return &WorkerHookAdapter{hook: hook}
}

func (a *WorkerHookAdapter) OnStart(ctx context.Context, event worker.Event) {
	a.forward(ctx, stageStart, event)
}

func (a *WorkerHookAdapter) OnSuccess(ctx context.Context, event worker.Event) {
	a.forward(ctx, stageSuccess, event)
}

func (a *WorkerHookAdapter) OnFailure(ctx context.Context, event worker.Event) {
	a.forward(ctx, stageFailure, event)
}

func (a *WorkerHookAdapter) OnRetry(ctx context.Context, event worker.Event) {
	a.forward(ctx, stageRetry, event)
}

func (a *WorkerHookAdapter) forward(ctx context.Context, stage hookStage, event worker.Event) {
	if a == nil || a.hook == nil {
		return
	}
	message := event.Message
	if message == nil && event.Delivery != nil {
		message = event.Delivery.Message()
	}
	mapped := core.JobWorkerEvent{
		Message:   fromQueueMessage(message),
		Attempt:   event.Attempt,
		Delay:     event.Delay,
		Err:       event.Err,
		StartedAt: event.StartedAt,
		Duration:  event.Duration,
	}
	switch stage {
	case stageStart:
		a.hook.OnStart(ctx, mapped)
	case stageSuccess:
		a.hook.OnSuccess(ctx, mapped)
	case stageFailure:
		a.hook.OnFailure(ctx, mapped)
	case stageRetry:
		a.hook.OnRetry(ctx, mapped)
	}
}

var (
	_ core.JobEnqueuer = (*EnqueuerAdapter)(nil)
	_ core.JobDelivery = (*DeliveryAdapter)(nil)
	_ core.JobDequeuer = (*DequeuerAdapter)(nil)
	_ worker.Hook      = (*WorkerHookAdapter)(nil)
)
