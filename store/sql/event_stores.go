package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"

	"github.com/edulure/go-relay/core"
)

// DomainEventStore reads domain events and records new ones together with
// their pending dispatch row.
type DomainEventStore struct {
	db *bun.DB
}

func NewDomainEventStore(db *bun.DB) (*DomainEventStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &DomainEventStore{db: db}, nil
}

func (s *DomainEventStore) FindByID(ctx context.Context, id string) (core.DomainEvent, bool, error) {
	if s == nil || s.db == nil {
		return core.DomainEvent{}, false, fmt.Errorf("sqlstore: domain event store is not configured")
	}
	record := &domainEventRecord{}
	err := s.db.NewSelect().Model(record).Where("?TableAlias.id = ?", strings.TrimSpace(id)).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.DomainEvent{}, false, nil
		}
		return core.DomainEvent{}, false, err
	}
	return record.toDomain(), true, nil
}

// Record inserts the event and a pending dispatch for it in one transaction.
func (s *DomainEventStore) Record(ctx context.Context, event core.DomainEvent) (core.DomainEvent, core.DomainEventDispatch, error) {
	if s == nil || s.db == nil {
		return core.DomainEvent{}, core.DomainEventDispatch{}, fmt.Errorf("sqlstore: domain event store is not configured")
	}
	if strings.TrimSpace(event.EventType) == "" {
		return core.DomainEvent{}, core.DomainEventDispatch{}, core.ValidationError("event_type", "event type is required")
	}
	now := time.Now().UTC()
	record := &domainEventRecord{
		ID:            strings.TrimSpace(event.ID),
		EventType:     strings.TrimSpace(event.EventType),
		EntityType:    strings.TrimSpace(event.EntityType),
		EntityID:      strings.TrimSpace(event.EntityID),
		Payload:       normalizeRaw(event.Payload),
		PerformedBy:   strings.TrimSpace(event.PerformedBy),
		CorrelationID: strings.TrimSpace(event.CorrelationID),
		Metadata:      copyAnyMap(event.Metadata),
		OccurredAt:    utcOrNow(event.OccurredAt),
		CreatedAt:     now,
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	dispatch := &dispatchRecord{
		ID:        uuid.NewString(),
		EventID:   record.ID,
		Status:    string(core.DispatchStatusPending),
		Metadata:  map[string]any{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(record).Exec(ctx); err != nil {
			if isUniqueViolation(err) {
				return core.WrapError(err, goerrors.CategoryConflict, core.ErrorConflict, "sqlstore: domain event already recorded")
			}
			return err
		}
		_, err := tx.NewInsert().Model(dispatch).Exec(ctx)
		return err
	})
	if err != nil {
		return core.DomainEvent{}, core.DomainEventDispatch{}, err
	}
	return record.toDomain(), dispatch.toDomain(), nil
}

// DispatchStore persists the dispatch queue drained by the event dispatcher.
type DispatchStore struct {
	db *bun.DB
}

func NewDispatchStore(db *bun.DB) (*DispatchStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &DispatchStore{db: db}, nil
}

func (s *DispatchStore) CountPending(ctx context.Context, now time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: dispatch store is not configured")
	}
	return s.db.NewSelect().
		Model((*dispatchRecord)(nil)).
		Where("?TableAlias.status = ?", string(core.DispatchStatusPending)).
		Where("(?TableAlias.next_available_at IS NULL OR ?TableAlias.next_available_at <= ?)", now.UTC()).
		Count(ctx)
}

// ClaimBatch moves up to limit due pending rows to processing for workerID.
// On postgres the candidate rows are locked with SKIP LOCKED so concurrent
// workers never claim the same row.
func (s *DispatchStore) ClaimBatch(ctx context.Context, workerID string, limit int, now time.Time) ([]core.DomainEventDispatch, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: dispatch store is not configured")
	}
	if limit <= 0 {
		limit = 1
	}
	now = now.UTC()
	var records []dispatchRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		query := `
WITH claimed AS (
	SELECT id
	FROM relay_domain_event_dispatches
	WHERE status = ?
	  AND (next_available_at IS NULL OR next_available_at <= ?)
	ORDER BY created_at ASC, id ASC
	LIMIT ?` + skipLocked(s.db) + `
)
UPDATE relay_domain_event_dispatches
SET status = ?, worker_id = ?, claimed_at = ?, updated_at = ?
WHERE id IN (SELECT id FROM claimed)
  AND status = ?
RETURNING
	id,
	event_id,
	attempt_count,
	status,
	next_available_at,
	worker_id,
	claimed_at,
	last_error,
	webhook_event_id,
	delivered_at,
	metadata,
	created_at,
	updated_at
`
		return tx.NewRaw(
			query,
			string(core.DispatchStatusPending),
			now,
			limit,
			string(core.DispatchStatusProcessing),
			strings.TrimSpace(workerID),
			now,
			now,
			string(core.DispatchStatusPending),
		).Scan(ctx, &records)
	})
	if err != nil {
		return nil, err
	}
	out := make([]core.DomainEventDispatch, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

// MarkDelivered resolves a claim held by in.WorkerID. It fails with
// ErrorLeaseLost when the row was recovered or claimed by another worker.
func (s *DispatchStore) MarkDelivered(ctx context.Context, id string, in core.DispatchDelivered) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: dispatch store is not configured")
	}
	id = strings.TrimSpace(id)
	workerID := strings.TrimSpace(in.WorkerID)
	at := utcOrNow(in.At)
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record := &dispatchRecord{}
		if err := tx.NewSelect().Model(record).Where("?TableAlias.id = ?", id).Limit(1).Scan(ctx); err != nil {
			return notFound(err, "sqlstore: dispatch not found")
		}
		if !ownsDispatch(record, workerID) {
			return dispatchLeaseLost(id, workerID, record)
		}
		metadata := copyAnyMap(record.Metadata)
		if reason := strings.TrimSpace(in.Reason); reason != "" {
			metadata["reason"] = reason
		}
		res, err := tx.NewUpdate().
			Model((*dispatchRecord)(nil)).
			Set("status = ?", string(core.DispatchStatusDelivered)).
			Set("attempt_count = ?", in.AttemptCount).
			Set("webhook_event_id = ?", strings.TrimSpace(in.WebhookEventID)).
			Set("delivered_at = ?", at).
			Set("next_available_at = NULL").
			Set("last_error = ?", "").
			Set("metadata = ?", metadata).
			Set("updated_at = ?", at).
			Where("id = ?", id).
			Where("status = ?", string(core.DispatchStatusProcessing)).
			Where("worker_id = ?", workerID).
			Exec(ctx)
		if err != nil {
			return err
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return dispatchLeaseLost(id, workerID, record)
		}
		return nil
	})
}

// MarkFailed resolves a claim held by in.WorkerID with a failed attempt,
// under the same ownership rule as MarkDelivered.
func (s *DispatchStore) MarkFailed(ctx context.Context, id string, in core.DispatchFailed) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: dispatch store is not configured")
	}
	id = strings.TrimSpace(id)
	workerID := strings.TrimSpace(in.WorkerID)
	status := core.DispatchStatusPending
	if in.NextAvailableAt == nil {
		status = core.DispatchStatusFailed
	}
	res, err := s.db.NewUpdate().
		Model((*dispatchRecord)(nil)).
		Set("status = ?", string(status)).
		Set("attempt_count = ?", in.AttemptCount).
		Set("last_error = ?", errorText(in.Cause)).
		Set("next_available_at = ?", utcPtr(in.NextAvailableAt)).
		Set("worker_id = ?", "").
		Set("claimed_at = NULL").
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Where("status = ?", string(core.DispatchStatusProcessing)).
		Where("worker_id = ?", workerID).
		Exec(ctx)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		return nil
	}
	record := &dispatchRecord{}
	if err := s.db.NewSelect().Model(record).Where("?TableAlias.id = ?", id).Limit(1).Scan(ctx); err != nil {
		return notFound(err, "sqlstore: dispatch not found")
	}
	return dispatchLeaseLost(id, workerID, record)
}

func ownsDispatch(record *dispatchRecord, workerID string) bool {
	return record.Status == string(core.DispatchStatusProcessing) && record.WorkerID == workerID
}

func dispatchLeaseLost(id string, workerID string, record *dispatchRecord) error {
	return core.LeaseLostError(
		fmt.Sprintf("sqlstore: dispatch %s is no longer claimed by %s", id, workerID),
		map[string]any{
			"dispatch_id":    id,
			"worker_id":      workerID,
			"current_status": record.Status,
			"current_worker": record.WorkerID,
		},
	)
}

// RecoverStuck returns rows claimed before claimedBefore to pending.
func (s *DispatchStore) RecoverStuck(ctx context.Context, claimedBefore time.Time, now time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: dispatch store is not configured")
	}
	now = now.UTC()
	res, err := s.db.NewUpdate().
		Model((*dispatchRecord)(nil)).
		Set("status = ?", string(core.DispatchStatusPending)).
		Set("next_available_at = ?", now).
		Set("worker_id = ?", "").
		Set("claimed_at = NULL").
		Set("updated_at = ?", now).
		Where("status = ?", string(core.DispatchStatusProcessing)).
		Where("claimed_at < ?", claimedBefore.UTC()).
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

func (s *DispatchStore) Get(ctx context.Context, id string) (core.DomainEventDispatch, error) {
	if s == nil || s.db == nil {
		return core.DomainEventDispatch{}, fmt.Errorf("sqlstore: dispatch store is not configured")
	}
	record := &dispatchRecord{}
	if err := s.db.NewSelect().Model(record).Where("?TableAlias.id = ?", strings.TrimSpace(id)).Limit(1).Scan(ctx); err != nil {
		return core.DomainEventDispatch{}, notFound(err, "sqlstore: dispatch not found")
	}
	return record.toDomain(), nil
}

// Requeue returns a failed dispatch to pending with a fresh attempt budget.
func (s *DispatchStore) Requeue(ctx context.Context, id string, now time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: dispatch store is not configured")
	}
	id = strings.TrimSpace(id)
	now = now.UTC()
	res, err := s.db.NewUpdate().
		Model((*dispatchRecord)(nil)).
		Set("status = ?", string(core.DispatchStatusPending)).
		Set("attempt_count = 0").
		Set("next_available_at = ?", now).
		Set("last_error = ?", "").
		Set("worker_id = ?", "").
		Set("claimed_at = NULL").
		Set("delivered_at = NULL").
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Where("status = ?", string(core.DispatchStatusFailed)).
		Exec(ctx)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		return nil
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return core.NewError(
		fmt.Sprintf("sqlstore: dispatch %s is %s, only failed dispatches can be requeued", id, current.Status),
		goerrors.CategoryConflict,
		core.ErrorConflict,
	)
}

func skipLocked(db bun.IDB) string {
	if db.Dialect().Name() == dialect.PG {
		return "\n\tFOR UPDATE SKIP LOCKED"
	}
	return ""
}
