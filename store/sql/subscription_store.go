package sqlstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/edulure/go-relay/core"
)

type SubscriptionStore struct {
	db *bun.DB
}

func NewSubscriptionStore(db *bun.DB) (*SubscriptionStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &SubscriptionStore{db: db}, nil
}

// ListMatching returns active subscriptions whose filter accepts eventType,
// ordered by id. Wildcard filters are evaluated in process.
func (s *SubscriptionStore) ListMatching(ctx context.Context, eventType string) ([]core.WebhookSubscription, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: subscription store is not configured")
	}
	var records []subscriptionRecord
	if err := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.active = ?", true).
		OrderExpr("?TableAlias.id ASC").
		Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]core.WebhookSubscription, 0, len(records))
	for _, record := range records {
		subscription := record.toDomain()
		if subscription.Matches(eventType) {
			out = append(out, subscription)
		}
	}
	return out, nil
}

func (s *SubscriptionStore) Get(ctx context.Context, id string) (core.WebhookSubscription, error) {
	if s == nil || s.db == nil {
		return core.WebhookSubscription{}, fmt.Errorf("sqlstore: subscription store is not configured")
	}
	return getSubscription(ctx, s.db, strings.TrimSpace(id))
}

// Upsert writes the configuration fields of a subscription. Health fields of
// an existing row (failure streak, circuit, last success/failure) are kept.
func (s *SubscriptionStore) Upsert(ctx context.Context, subscription core.WebhookSubscription) (core.WebhookSubscription, error) {
	if s == nil || s.db == nil {
		return core.WebhookSubscription{}, fmt.Errorf("sqlstore: subscription store is not configured")
	}
	if err := validateSubscription(subscription); err != nil {
		return core.WebhookSubscription{}, err
	}
	record := newSubscriptionRecord(subscription, time.Now().UTC())
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	sort.Strings(record.EventTypes)

	var saved core.WebhookSubscription
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewInsert().
			Model(record).
			On("CONFLICT (id) DO UPDATE").
			Set("name = EXCLUDED.name").
			Set("target_url = EXCLUDED.target_url").
			Set("signing_secret = EXCLUDED.signing_secret").
			Set("event_types = EXCLUDED.event_types").
			Set("active = EXCLUDED.active").
			Set("static_headers = EXCLUDED.static_headers").
			Set("max_attempts = EXCLUDED.max_attempts").
			Set("retry_backoff_seconds = EXCLUDED.retry_backoff_seconds").
			Set("circuit_breaker_threshold = EXCLUDED.circuit_breaker_threshold").
			Set("circuit_breaker_duration_seconds = EXCLUDED.circuit_breaker_duration_seconds").
			Set("delivery_timeout_ms = EXCLUDED.delivery_timeout_ms").
			Set("updated_at = EXCLUDED.updated_at").
			Exec(ctx)
		if err != nil {
			return err
		}
		saved, err = getSubscription(ctx, tx, record.ID)
		return err
	})
	if err != nil {
		return core.WebhookSubscription{}, err
	}
	return saved, nil
}

// RecordSuccess resets the failure streak and closes the circuit.
func (s *SubscriptionStore) RecordSuccess(ctx context.Context, id string, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: subscription store is not configured")
	}
	at = utcOrNow(at)
	_, err := s.db.NewUpdate().
		Model((*subscriptionRecord)(nil)).
		Set("consecutive_failures = 0").
		Set("circuit_open_until = NULL").
		Set("last_success_at = ?", at).
		Set("updated_at = ?", at).
		Where("id = ?", strings.TrimSpace(id)).
		Exec(ctx)
	return err
}

// RecordFailure increments the failure streak atomically and returns the
// updated subscription.
func (s *SubscriptionStore) RecordFailure(ctx context.Context, id string, at time.Time) (core.WebhookSubscription, error) {
	if s == nil || s.db == nil {
		return core.WebhookSubscription{}, fmt.Errorf("sqlstore: subscription store is not configured")
	}
	id = strings.TrimSpace(id)
	at = utcOrNow(at)
	var updated core.WebhookSubscription
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewUpdate().
			Model((*subscriptionRecord)(nil)).
			Set("consecutive_failures = consecutive_failures + 1").
			Set("last_failure_at = ?", at).
			Set("updated_at = ?", at).
			Where("id = ?", id).
			Exec(ctx); err != nil {
			return err
		}
		var err error
		updated, err = getSubscription(ctx, tx, id)
		return err
	})
	if err != nil {
		return core.WebhookSubscription{}, err
	}
	return updated, nil
}

func (s *SubscriptionStore) OpenCircuit(ctx context.Context, id string, until time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: subscription store is not configured")
	}
	_, err := s.db.NewUpdate().
		Model((*subscriptionRecord)(nil)).
		Set("circuit_open_until = ?", until.UTC()).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", strings.TrimSpace(id)).
		Exec(ctx)
	return err
}

func getSubscription(ctx context.Context, db bun.IDB, id string) (core.WebhookSubscription, error) {
	record := &subscriptionRecord{}
	if err := db.NewSelect().Model(record).Where("?TableAlias.id = ?", id).Limit(1).Scan(ctx); err != nil {
		return core.WebhookSubscription{}, notFound(err, "sqlstore: subscription not found")
	}
	return record.toDomain(), nil
}

func validateSubscription(subscription core.WebhookSubscription) error {
	if strings.TrimSpace(subscription.TargetURL) == "" {
		return core.ValidationError("target_url", "target url is required")
	}
	if strings.TrimSpace(subscription.SigningSecret) == "" {
		return core.ValidationError("signing_secret", "signing secret is required")
	}
	if len(subscription.EventTypes) == 0 {
		return core.ValidationError("event_types", "at least one event type filter is required")
	}
	if subscription.MaxAttempts < 0 || subscription.RetryBackoffSeconds < 0 || subscription.CircuitBreakerThreshold < 0 {
		return core.ValidationError("max_attempts", "delivery limits must not be negative")
	}
	return nil
}
