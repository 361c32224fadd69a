package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/edulure/go-relay/core"
	"github.com/edulure/go-relay/transport"
)

type PublishOptions struct {
	Source        string
	CorrelationID string
	Metadata      map[string]any
	DeliverAfter  *time.Time
}

type TickStats struct {
	Recovered int
	Claimed   int
	Delivered int
	Retried   int
	Failed    int
	Deferred  int
	LeaseLost int
}

type deliveryOutcome int

const (
	outcomeDelivered deliveryOutcome = iota
	outcomeRetried
	outcomeFailed
	outcomeDeferred
	outcomeLeaseLost
)

type Option func(*Bus)

func WithTransport(adapter core.TransportAdapter) Option {
	return func(b *Bus) {
		if adapter != nil {
			b.transport = adapter
		}
	}
}

// WithDeadLetterSink mirrors terminally failed deliveries into store.
func WithDeadLetterSink(store core.DeadLetterStore) Option {
	return func(b *Bus) {
		b.deadLetters = store
	}
}

func WithLogger(logger core.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

func WithMetrics(metrics core.MetricsRecorder) Option {
	return func(b *Bus) {
		b.metrics = metrics
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// WithRandom injects the jitter source; it must return values in [0,1).
func WithRandom(random func() float64) Option {
	return func(b *Bus) {
		if random != nil {
			b.random = random
		}
	}
}

func WithTicker(factory core.TickerFactory) Option {
	return func(b *Bus) {
		if factory != nil {
			b.newTicker = factory
		}
	}
}

func WithUUIDGenerator(next func() string) Option {
	return func(b *Bus) {
		if next != nil {
			b.newUUID = next
		}
	}
}

// Bus persists published events as per-subscription deliveries and pushes
// them to subscriber endpoints with signed POST requests.
type Bus struct {
	subscriptions core.SubscriptionStore
	store         core.WebhookStore
	deadLetters   core.DeadLetterStore
	transport     core.TransportAdapter
	config        core.BusConfig

	logger    core.Logger
	metrics   core.MetricsRecorder
	observer  *core.Observer
	now       func() time.Time
	random    func() float64
	newTicker core.TickerFactory
	newUUID   func() string
}

func NewBus(
	subscriptions core.SubscriptionStore,
	store core.WebhookStore,
	config core.BusConfig,
	opts ...Option,
) (*Bus, error) {
	if subscriptions == nil {
		return nil, fmt.Errorf("webhooks: subscription store is required")
	}
	if store == nil {
		return nil, fmt.Errorf("webhooks: webhook store is required")
	}
	bus := &Bus{
		subscriptions: subscriptions,
		store:         store,
		config:        withBusDefaults(config),
		now:           core.SystemNow,
		random:        rand.Float64,
		newTicker:     core.NewTimeTicker,
		newUUID:       uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(bus)
		}
	}
	if bus.transport == nil {
		adapter := transport.NewRESTAdapter(nil)
		adapter.DefaultHeaders["User-Agent"] = bus.config.UserAgent
		bus.transport = adapter
	}
	bus.observer = core.NewObserver("relay.bus", bus.logger, bus.metrics)
	return bus, nil
}

func withBusDefaults(config core.BusConfig) core.BusConfig {
	defaults := core.DefaultConfig().Bus
	if config.PollIntervalMs <= 0 {
		config.PollIntervalMs = defaults.PollIntervalMs
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.DispatchConcurrency <= 0 {
		config.DispatchConcurrency = config.BatchSize
	}
	if config.StuckTimeoutSeconds <= 0 {
		config.StuckTimeoutSeconds = defaults.StuckTimeoutSeconds
	}
	if config.RequestTimeoutMs <= 0 {
		config.RequestTimeoutMs = defaults.RequestTimeoutMs
	}
	if config.DefaultMaxAttempts <= 0 {
		config.DefaultMaxAttempts = defaults.DefaultMaxAttempts
	}
	if config.BackoffBaseSeconds <= 0 {
		config.BackoffBaseSeconds = defaults.BackoffBaseSeconds
	}
	if config.MaxBackoffSeconds <= 0 {
		config.MaxBackoffSeconds = defaults.MaxBackoffSeconds
	}
	if config.JitterMin <= 0 || config.JitterMax < config.JitterMin {
		config.JitterMin = defaults.JitterMin
		config.JitterMax = defaults.JitterMax
	}
	if strings.TrimSpace(config.UserAgent) == "" {
		config.UserAgent = defaults.UserAgent
	}
	return config
}

// Publish records one event and a delivery per matching active subscription.
// It returns nil and writes nothing when no subscription matches.
func (b *Bus) Publish(
	ctx context.Context,
	eventType string,
	payload any,
	opts PublishOptions,
) (event *core.WebhookEvent, err error) {
	startedAt := time.Now()
	eventType = strings.TrimSpace(eventType)
	fields := map[string]any{"event_type": eventType, "source": opts.Source}
	defer func() {
		b.observer.Observe(ctx, startedAt, "publish", err, fields)
	}()

	if eventType == "" {
		return nil, core.ValidationError("event_type", "event type is required")
	}
	body, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	subscriptions, err := b.subscriptions.ListMatching(ctx, eventType)
	if err != nil {
		return nil, err
	}
	active := subscriptions[:0:0]
	for _, subscription := range subscriptions {
		if subscription.Active && subscription.Matches(eventType) {
			active = append(active, subscription)
		}
	}
	fields["subscriptions"] = len(active)
	if len(active) == 0 {
		return nil, nil
	}

	now := b.now()
	ready := now
	if opts.DeliverAfter != nil && opts.DeliverAfter.After(ready) {
		ready = opts.DeliverAfter.UTC()
	}
	record := core.WebhookEvent{
		EventUUID:     b.newUUID(),
		EventType:     eventType,
		Source:        strings.TrimSpace(opts.Source),
		CorrelationID: strings.TrimSpace(opts.CorrelationID),
		Payload:       body,
		Metadata:      copyMetadata(opts.Metadata),
		Status:        core.WebhookEventStatusQueued,
		FirstQueuedAt: now,
	}
	deliveries := make([]core.WebhookDelivery, 0, len(active))
	for _, subscription := range active {
		nextAttemptAt := ready
		if subscription.CircuitOpen(nextAttemptAt) {
			nextAttemptAt = subscription.CircuitOpenUntil.UTC()
		}
		maxAttempts := subscription.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = b.config.DefaultMaxAttempts
		}
		deliveries = append(deliveries, core.WebhookDelivery{
			DeliveryUUID:   b.newUUID(),
			SubscriptionID: subscription.ID,
			MaxAttempts:    maxAttempts,
			Status:         core.DeliveryStatusPending,
			NextAttemptAt:  &nextAttemptAt,
		})
	}

	created, err := b.store.CreateEvent(ctx, record, deliveries)
	if err != nil {
		return nil, err
	}
	fields["webhook_event_id"] = created.ID
	return &created, nil
}

// Tick sweeps stuck deliveries, claims due ones and dispatches the claimed
// set concurrently. It returns once every claimed delivery is resolved.
func (b *Bus) Tick(ctx context.Context) (stats TickStats, err error) {
	ctx, span := core.StartSpan(ctx, "relay.bus.tick")
	defer func() { core.EndSpan(span, err) }()

	now := b.now()
	recovered, recoverErr := b.store.RecoverStuckDeliveries(ctx, now.Add(-b.config.StuckTimeout()), now)
	if recoverErr != nil {
		err = joinErrors(err, recoverErr)
	} else if recovered > 0 {
		stats.Recovered = recovered
		b.observer.Warn(ctx, "recovered stuck webhook deliveries", map[string]any{"count": recovered})
	}

	claimed, claimErr := b.store.ClaimDueDeliveries(ctx, b.config.BatchSize, now)
	if claimErr != nil {
		return stats, joinErrors(err, claimErr)
	}
	stats.Claimed = len(claimed)
	span.SetAttributes(attribute.Int("relay.claimed", len(claimed)))
	if len(claimed) == 0 {
		return stats, err
	}

	var (
		mu       sync.Mutex
		group    errgroup.Group
		resolved = map[string]struct{}{}
	)
	group.SetLimit(b.config.DispatchConcurrency)
	// Attempts already on the wire finish even when ctx is cancelled.
	deliveryCtx := context.WithoutCancel(ctx)
	for _, delivery := range claimed {
		group.Go(func() error {
			outcome, deliverErr := b.dispatchDelivery(deliveryCtx, delivery)
			mu.Lock()
			defer mu.Unlock()
			if deliverErr != nil {
				err = joinErrors(err, deliverErr)
				return nil
			}
			switch outcome {
			case outcomeDelivered:
				stats.Delivered++
			case outcomeRetried:
				stats.Retried++
			case outcomeFailed:
				stats.Failed++
			case outcomeDeferred:
				stats.Deferred++
				return nil
			case outcomeLeaseLost:
				stats.LeaseLost++
				return nil
			}
			resolved[delivery.EventID] = struct{}{}
			return nil
		})
	}
	_ = group.Wait()

	// Aggregates are recomputed once every attempt of the tick has landed so
	// concurrent deliveries of one event cannot overwrite each other.
	for eventID := range resolved {
		if refreshErr := b.refreshEventStatus(deliveryCtx, eventID); refreshErr != nil {
			err = joinErrors(err, refreshErr)
		}
	}
	return stats, err
}

// Run polls on the configured interval until ctx is cancelled. A failing tick
// is logged and the loop keeps going.
func (b *Bus) Run(ctx context.Context) error {
	ticker := b.newTicker(b.config.PollInterval())
	defer ticker.Stop()
	for {
		if _, err := b.Tick(ctx); err != nil && ctx.Err() == nil {
			b.observer.Error(ctx, "webhook bus tick failed", map[string]any{"error": err.Error()})
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
		}
	}
}

// dispatchDelivery performs one attempt for a claimed delivery. A returned
// error means the delivery could not be resolved and stays claimed until the
// stuck sweep picks it up.
func (b *Bus) dispatchDelivery(ctx context.Context, delivery core.WebhookDelivery) (outcome deliveryOutcome, err error) {
	ctx, span := core.StartSpan(ctx, "relay.bus.deliver",
		attribute.String("relay.delivery_id", delivery.ID),
		attribute.String("relay.subscription_id", delivery.SubscriptionID),
	)
	startedAt := time.Now()
	fields := map[string]any{
		"delivery_id":     delivery.ID,
		"subscription_id": delivery.SubscriptionID,
		"attempt":         delivery.AttemptCount + 1,
	}
	defer func() {
		if core.IsTextCode(err, core.ErrorLeaseLost) {
			b.observer.Warn(ctx, "delivery claim lost before resolve", map[string]any{
				"delivery_id": delivery.ID,
				"outcome":     outcome.String(),
			})
			outcome, err = outcomeLeaseLost, nil
		}
		fields["outcome"] = outcome.String()
		b.observer.Observe(ctx, startedAt, "delivery", err, fields)
		core.EndSpan(span, err)
	}()

	subscription, err := b.subscriptions.Get(ctx, delivery.SubscriptionID)
	if err != nil {
		if core.IsTextCode(err, core.ErrorNotFound) {
			return b.fail(ctx, delivery, nil, core.WebhookSubscription{}, 0, "subscription not found", true)
		}
		return outcome, err
	}
	event, err := b.store.GetEvent(ctx, delivery.EventID)
	if err != nil {
		if core.IsTextCode(err, core.ErrorNotFound) {
			return b.fail(ctx, delivery, nil, subscription, 0, "webhook event not found", true)
		}
		return outcome, err
	}
	fields["event_type"] = event.EventType
	fields["source"] = event.Source

	now := b.now()
	if !subscription.Active {
		return b.fail(ctx, delivery, &event, subscription, 0, "subscription inactive", true)
	}
	if subscription.CircuitOpen(now) {
		if err := b.store.DeferDelivery(ctx, delivery.ID, delivery.LastAttemptAt, subscription.CircuitOpenUntil.UTC()); err != nil {
			return outcome, err
		}
		return outcomeDeferred, nil
	}

	attempt := delivery.AttemptCount + 1
	request, err := b.buildRequest(event, delivery, subscription, attempt, now)
	if err != nil {
		return b.fail(ctx, delivery, &event, subscription, 0, err.Error(), true)
	}

	response, sendErr := b.transport.Do(ctx, request)
	if sendErr == nil && response.StatusCode >= http.StatusOK && response.StatusCode < http.StatusMultipleChoices {
		completedAt := b.now()
		if err := b.store.MarkDeliveryDelivered(ctx, delivery.ID, core.DeliveryAttempt{
			ClaimedAt:    delivery.LastAttemptAt,
			AttemptCount: attempt,
			ResponseCode: response.StatusCode,
			At:           completedAt,
		}); err != nil {
			return outcome, err
		}
		if err := b.subscriptions.RecordSuccess(ctx, subscription.ID, completedAt); err != nil {
			b.observer.Warn(ctx, "record subscription success failed", map[string]any{
				"subscription_id": subscription.ID,
				"error":           err.Error(),
			})
		}
		fields["response_code"] = response.StatusCode
		return outcomeDelivered, nil
	}

	reason := ""
	if sendErr != nil {
		reason = sendErr.Error()
	} else {
		reason = fmt.Sprintf("unexpected response status %d", response.StatusCode)
		fields["response_code"] = response.StatusCode
	}
	return b.fail(ctx, delivery, &event, subscription, response.StatusCode, reason, false)
}

// fail records a failed attempt, updates subscription health and the event
// aggregate. permanent failures skip the retry schedule.
func (b *Bus) fail(
	ctx context.Context,
	delivery core.WebhookDelivery,
	event *core.WebhookEvent,
	subscription core.WebhookSubscription,
	responseCode int,
	reason string,
	permanent bool,
) (deliveryOutcome, error) {
	now := b.now()
	attempt := delivery.AttemptCount + 1
	maxAttempts := delivery.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = b.config.DefaultMaxAttempts
	}
	if attempt > maxAttempts {
		attempt = maxAttempts
	}
	terminal := permanent || attempt >= maxAttempts

	if subscription.ID != "" && !permanent {
		updated, err := b.subscriptions.RecordFailure(ctx, subscription.ID, now)
		if err != nil {
			b.observer.Warn(ctx, "record subscription failure failed", map[string]any{
				"subscription_id": subscription.ID,
				"error":           err.Error(),
			})
		} else {
			subscription = updated
			threshold := subscription.CircuitBreakerThreshold
			if threshold > 0 && subscription.ConsecutiveFailures >= threshold && !subscription.CircuitOpen(now) {
				until := now.Add(time.Duration(subscription.CircuitBreakerDurationSeconds) * time.Second)
				if err := b.subscriptions.OpenCircuit(ctx, subscription.ID, until); err != nil {
					b.observer.Warn(ctx, "open subscription circuit failed", map[string]any{
						"subscription_id": subscription.ID,
						"error":           err.Error(),
					})
				} else {
					subscription.CircuitOpenUntil = &until
					b.observer.Count(ctx, "circuit_open.total", 1, map[string]string{"subscription_id": subscription.ID})
					b.observer.Warn(ctx, "subscription circuit opened", map[string]any{
						"subscription_id":      subscription.ID,
						"consecutive_failures": subscription.ConsecutiveFailures,
						"open_until":           until,
					})
				}
			}
		}
	}

	var nextAttemptAt *time.Time
	if !terminal {
		base := time.Duration(b.config.BackoffBaseSeconds) * time.Second
		if subscription.RetryBackoffSeconds > 0 {
			base = time.Duration(subscription.RetryBackoffSeconds) * time.Second
		}
		maximum := time.Duration(b.config.MaxBackoffSeconds) * time.Second
		next := now.Add(core.DeliveryBackoff(attempt, base, maximum, b.config.JitterMin, b.config.JitterMax, b.random()))
		if subscription.CircuitOpenUntil != nil && subscription.CircuitOpenUntil.After(next) {
			next = subscription.CircuitOpenUntil.UTC()
		}
		nextAttemptAt = &next
	}

	if err := b.store.MarkDeliveryFailed(ctx, delivery.ID, core.DeliveryAttempt{
		ClaimedAt:    delivery.LastAttemptAt,
		AttemptCount: attempt,
		ResponseCode: responseCode,
		Error:        truncate(reason, 1024),
		At:           now,
	}, nextAttemptAt); err != nil {
		return outcomeFailed, err
	}

	if !terminal {
		return outcomeRetried, nil
	}
	b.recordDeadLetter(ctx, delivery, event, attempt, reason)
	return outcomeFailed, nil
}

func (b *Bus) recordDeadLetter(
	ctx context.Context,
	delivery core.WebhookDelivery,
	event *core.WebhookEvent,
	attempt int,
	reason string,
) {
	if b.deadLetters == nil {
		return
	}
	letter := core.DeadLetter{
		Source:       core.DeadLetterSourceDelivery,
		ReferenceID:  delivery.ID,
		Reason:       truncate(reason, 1024),
		AttemptCount: attempt,
	}
	if event != nil {
		letter.EventType = event.EventType
		letter.Payload = event.Payload
	}
	if _, err := b.deadLetters.Record(ctx, letter); err != nil {
		b.observer.Warn(ctx, "record delivery dead letter failed", map[string]any{
			"delivery_id": delivery.ID,
			"error":       err.Error(),
		})
	}
}

func (b *Bus) refreshEventStatus(ctx context.Context, eventID string) error {
	deliveries, err := b.store.ListDeliveries(ctx, eventID)
	if err != nil {
		return err
	}
	status := core.AggregateWebhookEventStatus(deliveries)
	var completedAt *time.Time
	switch status {
	case core.WebhookEventStatusDelivered, core.WebhookEventStatusFailed, core.WebhookEventStatusPartial:
		at := b.now()
		completedAt = &at
	}
	return b.store.UpdateEventStatus(ctx, eventID, status, completedAt)
}

type deliveryBody struct {
	EventID       string          `json:"eventId"`
	EventType     string          `json:"eventType"`
	Source        string          `json:"source"`
	CorrelationID string          `json:"correlationId"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      map[string]any  `json:"metadata"`
	QueuedAt      string          `json:"queuedAt"`
	Attempt       int             `json:"attempt"`
}

func (b *Bus) buildRequest(
	event core.WebhookEvent,
	delivery core.WebhookDelivery,
	subscription core.WebhookSubscription,
	attempt int,
	now time.Time,
) (core.TransportRequest, error) {
	target := strings.TrimSpace(subscription.TargetURL)
	if target == "" {
		return core.TransportRequest{}, fmt.Errorf("webhooks: subscription %s has no target url", subscription.ID)
	}
	payload := event.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	metadata := event.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	body, err := json.Marshal(deliveryBody{
		EventID:       event.EventUUID,
		EventType:     event.EventType,
		Source:        event.Source,
		CorrelationID: event.CorrelationID,
		Payload:       payload,
		Metadata:      metadata,
		QueuedAt:      event.FirstQueuedAt.UTC().Format(SentAtLayout),
		Attempt:       attempt,
	})
	if err != nil {
		return core.TransportRequest{}, fmt.Errorf("webhooks: encode delivery body: %w", err)
	}

	sentAt := now.UTC().Format(SentAtLayout)
	headers := make(map[string]string, len(subscription.StaticHeaders)+8)
	for key, value := range subscription.StaticHeaders {
		headers[key] = value
	}
	headers["Content-Type"] = "application/json"
	headers["User-Agent"] = b.config.UserAgent
	headers[HeaderEvent] = event.EventType
	headers[HeaderDelivery] = delivery.DeliveryUUID
	headers[HeaderCorrelation] = event.CorrelationID
	headers[HeaderSentAt] = sentAt
	headers[HeaderAttempt] = strconv.Itoa(attempt)
	headers[HeaderSignature] = Sign(subscription.SigningSecret, sentAt, delivery.DeliveryUUID, body)

	return core.TransportRequest{
		Method:               http.MethodPost,
		URL:                  target,
		Headers:              headers,
		Body:                 body,
		Timeout:              b.attemptTimeout(subscription),
		MaxResponseBodyBytes: 64 << 10,
	}, nil
}

// attemptTimeout bounds one attempt below the stuck sweep so an in-flight
// delivery is never recovered and sent a second time.
func (b *Bus) attemptTimeout(subscription core.WebhookSubscription) time.Duration {
	timeout := b.config.RequestTimeout()
	if subscription.DeliveryTimeoutMs > 0 {
		timeout = time.Duration(subscription.DeliveryTimeoutMs) * time.Millisecond
	}
	stuck := b.config.StuckTimeout()
	return min(timeout, stuck-stuck/10)
}

func (o deliveryOutcome) String() string {
	switch o {
	case outcomeDelivered:
		return "delivered"
	case outcomeRetried:
		return "retried"
	case outcomeFailed:
		return "failed"
	case outcomeDeferred:
		return "deferred"
	case outcomeLeaseLost:
		return "lease_lost"
	default:
		return "unknown"
	}
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch typed := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if len(typed) == 0 {
			return json.RawMessage("null"), nil
		}
		if !json.Valid(typed) {
			return nil, core.ValidationError("payload", "payload must be valid json")
		}
		return typed, nil
	case []byte:
		if !json.Valid(typed) {
			return nil, core.ValidationError("payload", "payload must be valid json")
		}
		return json.RawMessage(typed), nil
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return nil, core.ValidationError("payload", err.Error())
		}
		return encoded, nil
	}
}

func copyMetadata(metadata map[string]any) map[string]any {
	copied := make(map[string]any, len(metadata))
	for key, value := range metadata {
		copied[key] = value
	}
	return copied
}

// truncate cuts value to at most limit bytes on a rune boundary.
func truncate(value string, limit int) string {
	value = strings.ToValidUTF8(value, "")
	if len(value) <= limit {
		return value
	}
	for limit > 0 && !utf8.RuneStart(value[limit]) {
		limit--
	}
	return value[:limit]
}

func joinErrors(existing error, next error) error {
	if next == nil {
		return existing
	}
	if existing == nil {
		return next
	}
	return fmt.Errorf("%w; %v", existing, next)
}
