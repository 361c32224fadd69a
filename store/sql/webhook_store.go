package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"

	"github.com/edulure/go-relay/core"
)

// WebhookStore persists webhook events and their per-subscription deliveries.
type WebhookStore struct {
	db         *bun.DB
	deliveries repository.Repository[*webhookDeliveryRecord]
}

func NewWebhookStore(db *bun.DB) (*WebhookStore, error) {
	deliveries, err := newRepository(db, "webhook delivery", func() *webhookDeliveryRecord { return &webhookDeliveryRecord{} })
	if err != nil {
		return nil, err
	}
	return &WebhookStore{db: db, deliveries: deliveries}, nil
}

// CreateEvent inserts the event and its fan-out deliveries atomically.
func (s *WebhookStore) CreateEvent(
	ctx context.Context,
	event core.WebhookEvent,
	deliveries []core.WebhookDelivery,
) (core.WebhookEvent, error) {
	if s == nil || s.db == nil || s.deliveries == nil {
		return core.WebhookEvent{}, fmt.Errorf("sqlstore: webhook store is not configured")
	}
	if strings.TrimSpace(event.EventType) == "" {
		return core.WebhookEvent{}, core.ValidationError("event_type", "event type is required")
	}
	queuedAt := utcOrNow(event.FirstQueuedAt)
	status := event.Status
	if status == "" {
		status = core.WebhookEventStatusQueued
	}
	record := &webhookEventRecord{
		ID:            strings.TrimSpace(event.ID),
		EventUUID:     strings.TrimSpace(event.EventUUID),
		EventType:     strings.TrimSpace(event.EventType),
		Source:        strings.TrimSpace(event.Source),
		CorrelationID: strings.TrimSpace(event.CorrelationID),
		Payload:       normalizeRaw(event.Payload),
		Metadata:      copyAnyMap(event.Metadata),
		Status:        string(status),
		FirstQueuedAt: queuedAt,
		CompletedAt:   utcPtr(event.CompletedAt),
		CreatedAt:     queuedAt,
		UpdatedAt:     queuedAt,
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.EventUUID == "" {
		record.EventUUID = uuid.NewString()
	}

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(record).Exec(ctx); err != nil {
			if isUniqueViolation(err) {
				return core.WrapError(err, goerrors.CategoryConflict, core.ErrorConflict, "sqlstore: webhook event uuid already exists")
			}
			return err
		}
		for _, delivery := range deliveries {
			deliveryUUID := strings.TrimSpace(delivery.DeliveryUUID)
			if deliveryUUID == "" {
				deliveryUUID = uuid.NewString()
			}
			deliveryStatus := delivery.Status
			if deliveryStatus == "" {
				deliveryStatus = core.DeliveryStatusPending
			}
			if _, err := s.deliveries.CreateTx(ctx, tx, &webhookDeliveryRecord{
				ID:             uuid.NewString(),
				DeliveryUUID:   deliveryUUID,
				EventID:        record.ID,
				SubscriptionID: strings.TrimSpace(delivery.SubscriptionID),
				AttemptCount:   delivery.AttemptCount,
				MaxAttempts:    delivery.MaxAttempts,
				Status:         string(deliveryStatus),
				NextAttemptAt:  utcPtr(delivery.NextAttemptAt),
				CreatedAt:      queuedAt,
				UpdatedAt:      queuedAt,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return core.WebhookEvent{}, err
	}
	return record.toDomain(), nil
}

func (s *WebhookStore) GetEvent(ctx context.Context, id string) (core.WebhookEvent, error) {
	if s == nil || s.db == nil {
		return core.WebhookEvent{}, fmt.Errorf("sqlstore: webhook store is not configured")
	}
	record := &webhookEventRecord{}
	if err := s.db.NewSelect().Model(record).Where("?TableAlias.id = ?", strings.TrimSpace(id)).Limit(1).Scan(ctx); err != nil {
		return core.WebhookEvent{}, notFound(err, "sqlstore: webhook event not found")
	}
	return record.toDomain(), nil
}

func (s *WebhookStore) UpdateEventStatus(
	ctx context.Context,
	id string,
	status core.WebhookEventStatus,
	completedAt *time.Time,
) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: webhook store is not configured")
	}
	_, err := s.db.NewUpdate().
		Model((*webhookEventRecord)(nil)).
		Set("status = ?", string(status)).
		Set("completed_at = ?", utcPtr(completedAt)).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", strings.TrimSpace(id)).
		Exec(ctx)
	return err
}

func (s *WebhookStore) ListDeliveries(ctx context.Context, eventID string) ([]core.WebhookDelivery, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: webhook store is not configured")
	}
	var records []webhookDeliveryRecord
	if err := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.event_id = ?", strings.TrimSpace(eventID)).
		OrderExpr("?TableAlias.created_at ASC, ?TableAlias.subscription_id ASC").
		Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]core.WebhookDelivery, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (s *WebhookStore) GetDelivery(ctx context.Context, id string) (core.WebhookDelivery, error) {
	if s == nil || s.db == nil {
		return core.WebhookDelivery{}, fmt.Errorf("sqlstore: webhook store is not configured")
	}
	record := &webhookDeliveryRecord{}
	if err := s.db.NewSelect().Model(record).Where("?TableAlias.id = ?", strings.TrimSpace(id)).Limit(1).Scan(ctx); err != nil {
		return core.WebhookDelivery{}, notFound(err, "sqlstore: webhook delivery not found")
	}
	return record.toDomain(), nil
}

// ClaimDueDeliveries moves up to limit due pending deliveries to delivering
// and stamps their attempt time.
func (s *WebhookStore) ClaimDueDeliveries(ctx context.Context, limit int, now time.Time) ([]core.WebhookDelivery, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: webhook store is not configured")
	}
	if limit <= 0 {
		limit = 1
	}
	now = now.UTC()
	var records []webhookDeliveryRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		query := `
WITH claimed AS (
	SELECT id
	FROM relay_webhook_deliveries
	WHERE status = ?
	  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
	ORDER BY created_at ASC, id ASC
	LIMIT ?` + skipLocked(s.db) + `
)
UPDATE relay_webhook_deliveries
SET status = ?, last_attempt_at = ?, updated_at = ?
WHERE id IN (SELECT id FROM claimed)
  AND status = ?
RETURNING
	id,
	delivery_uuid,
	event_id,
	subscription_id,
	attempt_count,
	max_attempts,
	status,
	next_attempt_at,
	last_attempt_at,
	last_response_code,
	last_error,
	delivered_at,
	created_at,
	updated_at
`
		return tx.NewRaw(
			query,
			string(core.DeliveryStatusPending),
			now,
			limit,
			string(core.DeliveryStatusDelivering),
			now,
			now,
			string(core.DeliveryStatusPending),
		).Scan(ctx, &records)
	})
	if err != nil {
		return nil, err
	}
	out := make([]core.WebhookDelivery, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

// RecoverStuckDeliveries returns deliveries left in delivering since before
// attemptedBefore to pending, due at now.
func (s *WebhookStore) RecoverStuckDeliveries(ctx context.Context, attemptedBefore time.Time, now time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: webhook store is not configured")
	}
	now = now.UTC()
	res, err := s.db.NewUpdate().
		Model((*webhookDeliveryRecord)(nil)).
		Set("status = ?", string(core.DeliveryStatusPending)).
		Set("next_attempt_at = ?", now).
		Set("updated_at = ?", now).
		Where("status = ?", string(core.DeliveryStatusDelivering)).
		Where("last_attempt_at < ?", attemptedBefore.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *WebhookStore) MarkDeliveryDelivered(ctx context.Context, id string, attempt core.DeliveryAttempt) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: webhook store is not configured")
	}
	id = strings.TrimSpace(id)
	at := utcOrNow(attempt.At)
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := lockDeliveryClaim(ctx, tx, id, attempt.ClaimedAt); err != nil {
			return err
		}
		_, err := tx.NewUpdate().
			Model((*webhookDeliveryRecord)(nil)).
			Set("status = ?", string(core.DeliveryStatusDelivered)).
			Set("attempt_count = ?", attempt.AttemptCount).
			Set("last_response_code = ?", attempt.ResponseCode).
			Set("last_error = ?", "").
			Set("next_attempt_at = NULL").
			Set("last_attempt_at = ?", at).
			Set("delivered_at = ?", at).
			Set("updated_at = ?", at).
			Where("id = ?", id).
			Where("status = ?", string(core.DeliveryStatusDelivering)).
			Exec(ctx)
		return err
	})
}

func (s *WebhookStore) MarkDeliveryFailed(
	ctx context.Context,
	id string,
	attempt core.DeliveryAttempt,
	nextAttemptAt *time.Time,
) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: webhook store is not configured")
	}
	id = strings.TrimSpace(id)
	status := core.DeliveryStatusPending
	if nextAttemptAt == nil {
		status = core.DeliveryStatusFailed
	}
	at := utcOrNow(attempt.At)
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := lockDeliveryClaim(ctx, tx, id, attempt.ClaimedAt); err != nil {
			return err
		}
		_, err := tx.NewUpdate().
			Model((*webhookDeliveryRecord)(nil)).
			Set("status = ?", string(status)).
			Set("attempt_count = ?", attempt.AttemptCount).
			Set("last_response_code = ?", attempt.ResponseCode).
			Set("last_error = ?", validText(attempt.Error)).
			Set("next_attempt_at = ?", utcPtr(nextAttemptAt)).
			Set("last_attempt_at = ?", at).
			Set("updated_at = ?", at).
			Where("id = ?", id).
			Where("status = ?", string(core.DeliveryStatusDelivering)).
			Exec(ctx)
		return err
	})
}

func (s *WebhookStore) DeferDelivery(ctx context.Context, id string, claimedAt *time.Time, until time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: webhook store is not configured")
	}
	id = strings.TrimSpace(id)
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := lockDeliveryClaim(ctx, tx, id, claimedAt); err != nil {
			return err
		}
		_, err := tx.NewUpdate().
			Model((*webhookDeliveryRecord)(nil)).
			Set("status = ?", string(core.DeliveryStatusPending)).
			Set("next_attempt_at = ?", until.UTC()).
			Set("updated_at = ?", time.Now().UTC()).
			Where("id = ?", id).
			Where("status = ?", string(core.DeliveryStatusDelivering)).
			Exec(ctx)
		return err
	})
}

// lockDeliveryClaim loads the delivery inside tx and checks it is still the
// claim stamped at claimedAt. A nil claimedAt only requires the delivering
// status.
func lockDeliveryClaim(ctx context.Context, tx bun.Tx, id string, claimedAt *time.Time) error {
	record := &webhookDeliveryRecord{}
	query := tx.NewSelect().Model(record).Where("?TableAlias.id = ?", id).Limit(1)
	if tx.Dialect().Name() == dialect.PG {
		query = query.For("UPDATE")
	}
	if err := query.Scan(ctx); err != nil {
		return notFound(err, "sqlstore: webhook delivery not found")
	}
	owned := record.Status == string(core.DeliveryStatusDelivering)
	if owned && claimedAt != nil {
		owned = record.LastAttemptAt != nil && record.LastAttemptAt.Equal(*claimedAt)
	}
	if owned {
		return nil
	}
	return core.LeaseLostError(
		fmt.Sprintf("sqlstore: delivery %s is no longer held by this claim", id),
		map[string]any{
			"delivery_id":    id,
			"current_status": record.Status,
		},
	)
}

// RequeueDelivery revives a failed delivery with extraAttempts more attempts
// and reopens its parent event.
func (s *WebhookStore) RequeueDelivery(ctx context.Context, id string, extraAttempts int, now time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: webhook store is not configured")
	}
	if extraAttempts <= 0 {
		extraAttempts = 1
	}
	id = strings.TrimSpace(id)
	now = now.UTC()
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record := &webhookDeliveryRecord{}
		if err := tx.NewSelect().Model(record).Where("?TableAlias.id = ?", id).Limit(1).Scan(ctx); err != nil {
			return notFound(err, "sqlstore: webhook delivery not found")
		}
		if record.Status != string(core.DeliveryStatusFailed) {
			return core.NewError(
				fmt.Sprintf("sqlstore: delivery %s is %s, only failed deliveries can be requeued", id, record.Status),
				goerrors.CategoryConflict,
				core.ErrorConflict,
			)
		}
		if _, err := tx.NewUpdate().
			Model((*webhookDeliveryRecord)(nil)).
			Set("status = ?", string(core.DeliveryStatusPending)).
			Set("max_attempts = max_attempts + ?", extraAttempts).
			Set("next_attempt_at = ?", now).
			Set("delivered_at = NULL").
			Set("updated_at = ?", now).
			Where("id = ?", id).
			Exec(ctx); err != nil {
			return err
		}
		_, err := tx.NewUpdate().
			Model((*webhookEventRecord)(nil)).
			Set("status = ?", string(core.WebhookEventStatusProcessing)).
			Set("completed_at = NULL").
			Set("updated_at = ?", now).
			Where("id = ?", record.EventID).
			Exec(ctx)
		return err
	})
}
