package events

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/edulure/go-relay/core"
	"github.com/edulure/go-relay/webhooks"
)

// Publisher is the slice of the webhook bus the dispatcher forwards to.
type Publisher interface {
	Publish(
		ctx context.Context,
		eventType string,
		payload any,
		opts webhooks.PublishOptions,
	) (*core.WebhookEvent, error)
}

type DispatchStats struct {
	Claimed   int
	Delivered int
	Skipped   int
	Retried   int
	Failed    int
	LeaseLost int
}

type Option func(*Dispatcher)

// WithDeadLetterSink records dispatches that exhaust their attempts.
func WithDeadLetterSink(store core.DeadLetterStore) Option {
	return func(d *Dispatcher) {
		d.deadLetters = store
	}
}

func WithLogger(logger core.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

func WithMetrics(metrics core.MetricsRecorder) Option {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

func WithRandom(random func() float64) Option {
	return func(d *Dispatcher) {
		if random != nil {
			d.random = random
		}
	}
}

func WithTicker(factory core.TickerFactory) Option {
	return func(d *Dispatcher) {
		if factory != nil {
			d.newTicker = factory
		}
	}
}

// Dispatcher drains the domain event dispatch queue into the webhook bus.
type Dispatcher struct {
	events      core.DomainEventStore
	dispatches  core.DispatchStore
	publisher   Publisher
	deadLetters core.DeadLetterStore
	config      core.DispatcherConfig

	logger    core.Logger
	metrics   core.MetricsRecorder
	observer  *core.Observer
	now       func() time.Time
	random    func() float64
	newTicker core.TickerFactory
}

func NewDispatcher(
	events core.DomainEventStore,
	dispatches core.DispatchStore,
	publisher Publisher,
	config core.DispatcherConfig,
	opts ...Option,
) (*Dispatcher, error) {
	if events == nil {
		return nil, fmt.Errorf("events: domain event store is required")
	}
	if dispatches == nil {
		return nil, fmt.Errorf("events: dispatch store is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("events: publisher is required")
	}
	dispatcher := &Dispatcher{
		events:     events,
		dispatches: dispatches,
		publisher:  publisher,
		config:     withDispatcherDefaults(config),
		now:        core.SystemNow,
		random:     rand.Float64,
		newTicker:  core.NewTimeTicker,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}
	dispatcher.observer = core.NewObserver("relay.dispatcher", dispatcher.logger, dispatcher.metrics)
	return dispatcher, nil
}

func withDispatcherDefaults(config core.DispatcherConfig) core.DispatcherConfig {
	defaults := core.DefaultConfig().Dispatcher
	if config.PollIntervalMs <= 0 {
		config.PollIntervalMs = defaults.PollIntervalMs
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.InitialBackoffSeconds <= 0 {
		config.InitialBackoffSeconds = defaults.InitialBackoffSeconds
	}
	if config.BackoffMultiplier < 1 {
		config.BackoffMultiplier = defaults.BackoffMultiplier
	}
	if config.MaxBackoffSeconds < config.InitialBackoffSeconds {
		config.MaxBackoffSeconds = max(defaults.MaxBackoffSeconds, config.InitialBackoffSeconds)
	}
	if config.JitterRatio < 0 || config.JitterRatio > 1 {
		config.JitterRatio = defaults.JitterRatio
	}
	if config.RecoverIntervalMs <= 0 {
		config.RecoverIntervalMs = defaults.RecoverIntervalMs
	}
	if config.RecoverTimeoutMinutes <= 0 {
		config.RecoverTimeoutMinutes = defaults.RecoverTimeoutMinutes
	}
	if strings.TrimSpace(config.WorkerID) == "" {
		config.WorkerID = DefaultWorkerID()
	}
	return config
}

// DefaultWorkerID returns hostname-pid-<8 hex chars>.
func DefaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		host = "relay"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

func (d *Dispatcher) WorkerID() string {
	return d.config.WorkerID
}

// Tick claims one batch and processes it sequentially in claim order.
func (d *Dispatcher) Tick(ctx context.Context) (stats DispatchStats, err error) {
	if d == nil {
		return DispatchStats{}, fmt.Errorf("events: dispatcher is not configured")
	}
	ctx, span := core.StartSpan(ctx, "relay.dispatcher.tick", attribute.String("relay.worker_id", d.config.WorkerID))
	defer func() { core.EndSpan(span, err) }()

	now := d.now()
	if depth, depthErr := d.dispatches.CountPending(ctx, now); depthErr != nil {
		d.observer.Warn(ctx, "count pending dispatches failed", map[string]any{"error": depthErr.Error()})
	} else {
		d.observer.Gauge(ctx, "queue_depth", float64(depth), nil)
	}

	claimed, err := d.dispatches.ClaimBatch(ctx, d.config.WorkerID, d.config.BatchSize, now)
	if err != nil {
		return stats, err
	}
	stats.Claimed = len(claimed)
	for _, dispatch := range claimed {
		outcome, processErr := d.ProcessDispatch(ctx, dispatch)
		if processErr != nil {
			err = joinErrors(err, processErr)
			continue
		}
		switch outcome {
		case OutcomeDelivered:
			stats.Delivered++
		case OutcomeSkipped:
			stats.Skipped++
		case OutcomeRetried:
			stats.Retried++
		case OutcomeFailed:
			stats.Failed++
		case OutcomeLeaseLost:
			stats.LeaseLost++
		}
	}
	return stats, err
}

type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeRetried   Outcome = "retried"
	OutcomeFailed    Outcome = "failed"
	OutcomeLeaseLost Outcome = "lease_lost"
)

// ProcessDispatch forwards one claimed dispatch to the bus. The returned error
// reports store failures only; publish failures are recorded on the row. A
// claim recovered by another worker in the meantime is left untouched.
func (d *Dispatcher) ProcessDispatch(ctx context.Context, dispatch core.DomainEventDispatch) (outcome Outcome, err error) {
	startedAt := time.Now()
	fields := map[string]any{
		"dispatch_id": dispatch.ID,
		"event_id":    dispatch.EventID,
		"worker_id":   d.config.WorkerID,
	}
	defer func() {
		if core.IsTextCode(err, core.ErrorLeaseLost) {
			d.observer.Warn(ctx, "dispatch claim lost before resolve", map[string]any{
				"dispatch_id": dispatch.ID,
				"worker_id":   d.config.WorkerID,
				"outcome":     string(outcome),
			})
			outcome, err = OutcomeLeaseLost, nil
		}
		fields["outcome"] = string(outcome)
		d.observer.Observe(ctx, startedAt, "dispatch", err, fields)
	}()

	attempt := dispatch.AttemptCount + 1
	event, found, lookupErr := d.events.FindByID(ctx, dispatch.EventID)
	if lookupErr != nil {
		return d.fail(ctx, dispatch, core.DomainEvent{}, attempt, lookupErr)
	}
	if !found {
		d.observer.Warn(ctx, "domain event missing for dispatch", fields)
		return OutcomeSkipped, d.dispatches.MarkDelivered(ctx, dispatch.ID, core.DispatchDelivered{
			WorkerID:     d.config.WorkerID,
			AttemptCount: attempt,
			Reason:       core.DispatchReasonMissingEvent,
			At:           d.now(),
		})
	}
	fields["event_type"] = event.EventType

	published, publishErr := d.publisher.Publish(ctx, event.EventType, event.Payload, webhooks.PublishOptions{
		Source:        core.SourceDomainEvents,
		CorrelationID: event.CorrelationID,
		Metadata:      publishMetadata(event),
	})
	if publishErr != nil {
		return d.fail(ctx, dispatch, event, attempt, publishErr)
	}

	webhookEventID := ""
	if published != nil {
		webhookEventID = published.ID
	}
	fields["webhook_event_id"] = webhookEventID
	return OutcomeDelivered, d.dispatches.MarkDelivered(ctx, dispatch.ID, core.DispatchDelivered{
		WorkerID:       d.config.WorkerID,
		AttemptCount:   attempt,
		WebhookEventID: webhookEventID,
		At:             d.now(),
	})
}

func (d *Dispatcher) fail(
	ctx context.Context,
	dispatch core.DomainEventDispatch,
	event core.DomainEvent,
	attempt int,
	cause error,
) (Outcome, error) {
	d.observer.Warn(ctx, "dispatch publish failed", map[string]any{
		"dispatch_id": dispatch.ID,
		"event_id":    dispatch.EventID,
		"attempt":     attempt,
		"error":       cause.Error(),
	})
	if attempt >= d.config.MaxAttempts {
		if err := d.dispatches.MarkFailed(ctx, dispatch.ID, core.DispatchFailed{
			WorkerID:     d.config.WorkerID,
			AttemptCount: attempt,
			Cause:        cause,
		}); err != nil {
			return OutcomeFailed, err
		}
		d.recordDeadLetter(ctx, dispatch, event, attempt, cause)
		return OutcomeFailed, nil
	}

	delay := core.DispatchBackoff(
		attempt,
		time.Duration(d.config.InitialBackoffSeconds)*time.Second,
		d.config.BackoffMultiplier,
		time.Duration(d.config.MaxBackoffSeconds)*time.Second,
		d.config.JitterRatio,
		d.random(),
	)
	next := d.now().Add(delay)
	if err := d.dispatches.MarkFailed(ctx, dispatch.ID, core.DispatchFailed{
		WorkerID:        d.config.WorkerID,
		AttemptCount:    attempt,
		Cause:           cause,
		NextAvailableAt: &next,
	}); err != nil {
		return OutcomeRetried, err
	}
	return OutcomeRetried, nil
}

func (d *Dispatcher) recordDeadLetter(
	ctx context.Context,
	dispatch core.DomainEventDispatch,
	event core.DomainEvent,
	attempt int,
	cause error,
) {
	if d.deadLetters == nil {
		return
	}
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	_, err := d.deadLetters.Record(ctx, core.DeadLetter{
		Source:       core.DeadLetterSourceDispatch,
		ReferenceID:  dispatch.ID,
		EventType:    event.EventType,
		Payload:      event.Payload,
		Reason:       reason,
		AttemptCount: attempt,
	})
	if err != nil {
		d.observer.Warn(ctx, "record dispatch dead letter failed", map[string]any{
			"dispatch_id": dispatch.ID,
			"error":       err.Error(),
		})
	}
}

// Recover returns dispatches stuck in processing beyond the recover timeout
// to pending.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	if d == nil {
		return 0, fmt.Errorf("events: dispatcher is not configured")
	}
	now := d.now()
	recovered, err := d.dispatches.RecoverStuck(ctx, now.Add(-d.config.RecoverTimeout()), now)
	if err != nil {
		return 0, err
	}
	if recovered > 0 {
		d.observer.Warn(ctx, "recovered stuck dispatches", map[string]any{"count": recovered})
		d.observer.Count(ctx, "recovered.total", int64(recovered), nil)
	}
	return recovered, nil
}

// Run drives the poll and recovery tickers until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	poll := d.newTicker(d.config.PollInterval())
	defer poll.Stop()
	recovery := d.newTicker(d.config.RecoverInterval())
	defer recovery.Stop()

	d.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-poll.C():
			d.tick(ctx)
		case <-recovery.C():
			if _, err := d.Recover(ctx); err != nil && ctx.Err() == nil {
				d.observer.Error(ctx, "dispatch recovery failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	if _, err := d.Tick(ctx); err != nil && ctx.Err() == nil {
		d.observer.Error(ctx, "dispatcher tick failed", map[string]any{"error": err.Error()})
	}
}

func publishMetadata(event core.DomainEvent) map[string]any {
	metadata := make(map[string]any, len(event.Metadata)+4)
	for key, value := range event.Metadata {
		metadata[key] = value
	}
	metadata["domain_event_id"] = event.ID
	metadata["entity_type"] = event.EntityType
	metadata["entity_id"] = event.EntityID
	if event.PerformedBy != "" {
		metadata["performed_by"] = event.PerformedBy
	}
	return metadata
}

func joinErrors(existing error, next error) error {
	if existing == nil {
		return next
	}
	if next == nil {
		return existing
	}
	return fmt.Errorf("%w; %v", existing, next)
}
