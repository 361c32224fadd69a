package webhooks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/edulure/go-relay/core"
)

type memorySubscriptionStore struct {
	mu    sync.Mutex
	items map[string]core.WebhookSubscription
}

func newMemorySubscriptionStore(subscriptions ...core.WebhookSubscription) *memorySubscriptionStore {
	store := &memorySubscriptionStore{items: map[string]core.WebhookSubscription{}}
	for _, subscription := range subscriptions {
		store.items[subscription.ID] = subscription
	}
	return store
}

func (s *memorySubscriptionStore) ListMatching(_ context.Context, eventType string) ([]core.WebhookSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []core.WebhookSubscription{}
	for _, subscription := range s.items {
		if subscription.Active && subscription.Matches(eventType) {
			out = append(out, subscription)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memorySubscriptionStore) Get(_ context.Context, id string) (core.WebhookSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subscription, ok := s.items[id]
	if !ok {
		return core.WebhookSubscription{}, core.NotFoundError("subscription not found")
	}
	return subscription, nil
}

func (s *memorySubscriptionStore) Upsert(_ context.Context, subscription core.WebhookSubscription) (core.WebhookSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[subscription.ID] = subscription
	return subscription, nil
}

func (s *memorySubscriptionStore) RecordSuccess(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	subscription := s.items[id]
	subscription.ConsecutiveFailures = 0
	subscription.CircuitOpenUntil = nil
	subscription.LastSuccessAt = &at
	s.items[id] = subscription
	return nil
}

func (s *memorySubscriptionStore) RecordFailure(_ context.Context, id string, at time.Time) (core.WebhookSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subscription := s.items[id]
	subscription.ConsecutiveFailures++
	subscription.LastFailureAt = &at
	s.items[id] = subscription
	return subscription, nil
}

func (s *memorySubscriptionStore) OpenCircuit(_ context.Context, id string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	subscription := s.items[id]
	subscription.CircuitOpenUntil = &until
	s.items[id] = subscription
	return nil
}

func (s *memorySubscriptionStore) get(id string) core.WebhookSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items[id]
}

type memoryWebhookStore struct {
	mu         sync.Mutex
	sequence   int
	events     map[string]core.WebhookEvent
	deliveries map[string]core.WebhookDelivery
	order      []string
}

func newMemoryWebhookStore() *memoryWebhookStore {
	return &memoryWebhookStore{
		events:     map[string]core.WebhookEvent{},
		deliveries: map[string]core.WebhookDelivery{},
	}
}

func (s *memoryWebhookStore) nextID(prefix string) string {
	s.sequence++
	return fmt.Sprintf("%s-%d", prefix, s.sequence)
}

func (s *memoryWebhookStore) CreateEvent(
	_ context.Context,
	event core.WebhookEvent,
	deliveries []core.WebhookDelivery,
) (core.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event.ID = s.nextID("evt")
	event.CreatedAt = event.FirstQueuedAt
	s.events[event.ID] = event
	for _, delivery := range deliveries {
		delivery.ID = s.nextID("dlv")
		delivery.EventID = event.ID
		s.deliveries[delivery.ID] = delivery
		s.order = append(s.order, delivery.ID)
	}
	return event, nil
}

func (s *memoryWebhookStore) GetEvent(_ context.Context, id string) (core.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.events[id]
	if !ok {
		return core.WebhookEvent{}, core.NotFoundError("webhook event not found")
	}
	return event, nil
}

func (s *memoryWebhookStore) UpdateEventStatus(
	_ context.Context,
	id string,
	status core.WebhookEventStatus,
	completedAt *time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event := s.events[id]
	event.Status = status
	event.CompletedAt = completedAt
	s.events[id] = event
	return nil
}

func (s *memoryWebhookStore) ListDeliveries(_ context.Context, eventID string) ([]core.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []core.WebhookDelivery{}
	for _, id := range s.order {
		if delivery := s.deliveries[id]; delivery.EventID == eventID {
			out = append(out, delivery)
		}
	}
	return out, nil
}

func (s *memoryWebhookStore) GetDelivery(_ context.Context, id string) (core.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delivery, ok := s.deliveries[id]
	if !ok {
		return core.WebhookDelivery{}, core.NotFoundError("webhook delivery not found")
	}
	return delivery, nil
}

func (s *memoryWebhookStore) ClaimDueDeliveries(_ context.Context, limit int, now time.Time) ([]core.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []core.WebhookDelivery{}
	for _, id := range s.order {
		if len(out) >= limit {
			break
		}
		delivery := s.deliveries[id]
		if delivery.Status != core.DeliveryStatusPending {
			continue
		}
		if delivery.NextAttemptAt != nil && delivery.NextAttemptAt.After(now) {
			continue
		}
		delivery.Status = core.DeliveryStatusDelivering
		attemptedAt := now
		delivery.LastAttemptAt = &attemptedAt
		s.deliveries[id] = delivery
		out = append(out, delivery)
	}
	return out, nil
}

func (s *memoryWebhookStore) RecoverStuckDeliveries(_ context.Context, attemptedBefore time.Time, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, delivery := range s.deliveries {
		if delivery.Status != core.DeliveryStatusDelivering || delivery.LastAttemptAt == nil {
			continue
		}
		if !delivery.LastAttemptAt.Before(attemptedBefore) {
			continue
		}
		delivery.Status = core.DeliveryStatusPending
		next := now
		delivery.NextAttemptAt = &next
		s.deliveries[id] = delivery
		count++
	}
	return count, nil
}

func (s *memoryWebhookStore) checkClaim(id string, claimedAt *time.Time) error {
	delivery := s.deliveries[id]
	owned := delivery.Status == core.DeliveryStatusDelivering
	if owned && claimedAt != nil {
		owned = delivery.LastAttemptAt != nil && delivery.LastAttemptAt.Equal(*claimedAt)
	}
	if !owned {
		return core.LeaseLostError("delivery reclaimed", map[string]any{"delivery_id": id})
	}
	return nil
}

func (s *memoryWebhookStore) MarkDeliveryDelivered(_ context.Context, id string, attempt core.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkClaim(id, attempt.ClaimedAt); err != nil {
		return err
	}
	delivery := s.deliveries[id]
	delivery.Status = core.DeliveryStatusDelivered
	delivery.AttemptCount = attempt.AttemptCount
	delivery.LastResponseCode = attempt.ResponseCode
	delivery.LastError = ""
	delivery.NextAttemptAt = nil
	at := attempt.At
	delivery.DeliveredAt = &at
	s.deliveries[id] = delivery
	return nil
}

func (s *memoryWebhookStore) MarkDeliveryFailed(
	_ context.Context,
	id string,
	attempt core.DeliveryAttempt,
	nextAttemptAt *time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkClaim(id, attempt.ClaimedAt); err != nil {
		return err
	}
	delivery := s.deliveries[id]
	delivery.AttemptCount = attempt.AttemptCount
	delivery.LastResponseCode = attempt.ResponseCode
	delivery.LastError = attempt.Error
	delivery.NextAttemptAt = nextAttemptAt
	if nextAttemptAt == nil {
		delivery.Status = core.DeliveryStatusFailed
	} else {
		delivery.Status = core.DeliveryStatusPending
	}
	s.deliveries[id] = delivery
	return nil
}

func (s *memoryWebhookStore) DeferDelivery(_ context.Context, id string, claimedAt *time.Time, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkClaim(id, claimedAt); err != nil {
		return err
	}
	delivery := s.deliveries[id]
	delivery.Status = core.DeliveryStatusPending
	delivery.NextAttemptAt = &until
	s.deliveries[id] = delivery
	return nil
}

func (s *memoryWebhookStore) RequeueDelivery(_ context.Context, id string, extraAttempts int, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delivery := s.deliveries[id]
	delivery.Status = core.DeliveryStatusPending
	delivery.MaxAttempts += extraAttempts
	delivery.NextAttemptAt = &now
	s.deliveries[id] = delivery
	return nil
}

func (s *memoryWebhookStore) delivery(id string) core.WebhookDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deliveries[id]
}

func (s *memoryWebhookStore) event(id string) core.WebhookEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[id]
}

type memoryDeadLetterStore struct {
	mu      sync.Mutex
	letters []core.DeadLetter
}

func (s *memoryDeadLetterStore) Record(_ context.Context, letter core.DeadLetter) (core.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	letter.ID = fmt.Sprintf("dl-%d", len(s.letters)+1)
	s.letters = append(s.letters, letter)
	return letter, nil
}

func (s *memoryDeadLetterStore) Get(_ context.Context, id string) (core.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, letter := range s.letters {
		if letter.ID == id {
			return letter, nil
		}
	}
	return core.DeadLetter{}, core.NotFoundError("dead letter not found")
}

func (s *memoryDeadLetterStore) List(_ context.Context, _ core.DeadLetterFilter) ([]core.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.DeadLetter(nil), s.letters...), nil
}

func (s *memoryDeadLetterStore) MarkReplayed(context.Context, string, time.Time) error {
	return nil
}

type manualTicker struct {
	ch      chan time.Time
	stopped bool
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }

func (t *manualTicker) Stop() { t.stopped = true }

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
