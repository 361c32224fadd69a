package sqlstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/edulure/go-relay/core"
)

func (r domainEventRecord) toDomain() core.DomainEvent {
	return core.DomainEvent{
		ID:            r.ID,
		EventType:     r.EventType,
		EntityType:    r.EntityType,
		EntityID:      r.EntityID,
		Payload:       copyRaw(r.Payload),
		PerformedBy:   r.PerformedBy,
		CorrelationID: r.CorrelationID,
		Metadata:      copyAnyMap(r.Metadata),
		OccurredAt:    r.OccurredAt.UTC(),
	}
}

func (r dispatchRecord) toDomain() core.DomainEventDispatch {
	return core.DomainEventDispatch{
		ID:              r.ID,
		EventID:         r.EventID,
		AttemptCount:    r.AttemptCount,
		Status:          core.DispatchStatus(r.Status),
		NextAvailableAt: utcPtr(r.NextAvailableAt),
		WorkerID:        r.WorkerID,
		ClaimedAt:       utcPtr(r.ClaimedAt),
		LastError:       r.LastError,
		WebhookEventID:  r.WebhookEventID,
		DeliveredAt:     utcPtr(r.DeliveredAt),
		Metadata:        copyAnyMap(r.Metadata),
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
	}
}

func newSubscriptionRecord(in core.WebhookSubscription, now time.Time) *subscriptionRecord {
	createdAt := in.CreatedAt.UTC()
	if in.CreatedAt.IsZero() {
		createdAt = now
	}
	return &subscriptionRecord{
		ID:                            strings.TrimSpace(in.ID),
		Name:                          strings.TrimSpace(in.Name),
		TargetURL:                     strings.TrimSpace(in.TargetURL),
		SigningSecret:                 in.SigningSecret,
		EventTypes:                    copyStrings(in.EventTypes),
		Active:                        in.Active,
		StaticHeaders:                 copyStringMap(in.StaticHeaders),
		MaxAttempts:                   in.MaxAttempts,
		RetryBackoffSeconds:           in.RetryBackoffSeconds,
		CircuitBreakerThreshold:       in.CircuitBreakerThreshold,
		CircuitBreakerDurationSeconds: in.CircuitBreakerDurationSeconds,
		DeliveryTimeoutMs:             in.DeliveryTimeoutMs,
		ConsecutiveFailures:           in.ConsecutiveFailures,
		CircuitOpenUntil:              utcPtr(in.CircuitOpenUntil),
		LastSuccessAt:                 utcPtr(in.LastSuccessAt),
		LastFailureAt:                 utcPtr(in.LastFailureAt),
		CreatedAt:                     createdAt,
		UpdatedAt:                     now,
	}
}

func (r subscriptionRecord) toDomain() core.WebhookSubscription {
	return core.WebhookSubscription{
		ID:                            r.ID,
		Name:                          r.Name,
		TargetURL:                     r.TargetURL,
		SigningSecret:                 r.SigningSecret,
		EventTypes:                    copyStrings(r.EventTypes),
		Active:                        r.Active,
		StaticHeaders:                 copyStringMap(r.StaticHeaders),
		MaxAttempts:                   r.MaxAttempts,
		RetryBackoffSeconds:           r.RetryBackoffSeconds,
		CircuitBreakerThreshold:       r.CircuitBreakerThreshold,
		CircuitBreakerDurationSeconds: r.CircuitBreakerDurationSeconds,
		DeliveryTimeoutMs:             r.DeliveryTimeoutMs,
		ConsecutiveFailures:           r.ConsecutiveFailures,
		CircuitOpenUntil:              utcPtr(r.CircuitOpenUntil),
		LastSuccessAt:                 utcPtr(r.LastSuccessAt),
		LastFailureAt:                 utcPtr(r.LastFailureAt),
		CreatedAt:                     r.CreatedAt.UTC(),
		UpdatedAt:                     r.UpdatedAt.UTC(),
	}
}

func (r webhookEventRecord) toDomain() core.WebhookEvent {
	return core.WebhookEvent{
		ID:            r.ID,
		EventUUID:     r.EventUUID,
		EventType:     r.EventType,
		Source:        r.Source,
		CorrelationID: r.CorrelationID,
		Payload:       copyRaw(r.Payload),
		Metadata:      copyAnyMap(r.Metadata),
		Status:        core.WebhookEventStatus(r.Status),
		FirstQueuedAt: r.FirstQueuedAt.UTC(),
		CompletedAt:   utcPtr(r.CompletedAt),
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
}

func (r webhookDeliveryRecord) toDomain() core.WebhookDelivery {
	return core.WebhookDelivery{
		ID:               r.ID,
		DeliveryUUID:     r.DeliveryUUID,
		EventID:          r.EventID,
		SubscriptionID:   r.SubscriptionID,
		AttemptCount:     r.AttemptCount,
		MaxAttempts:      r.MaxAttempts,
		Status:           core.DeliveryStatus(r.Status),
		NextAttemptAt:    utcPtr(r.NextAttemptAt),
		LastAttemptAt:    utcPtr(r.LastAttemptAt),
		LastResponseCode: r.LastResponseCode,
		LastError:        r.LastError,
		DeliveredAt:      utcPtr(r.DeliveredAt),
		CreatedAt:        r.CreatedAt.UTC(),
		UpdatedAt:        r.UpdatedAt.UTC(),
	}
}

func newSyncRunRecord(in core.IntegrationSyncRun) *syncRunRecord {
	return &syncRunRecord{
		ID:             strings.TrimSpace(in.ID),
		Integration:    strings.TrimSpace(in.Integration),
		SyncType:       string(in.SyncType),
		TriggeredBy:    string(in.TriggeredBy),
		CorrelationID:  in.CorrelationID,
		WindowStartAt:  in.WindowStartAt.UTC(),
		WindowEndAt:    in.WindowEndAt.UTC(),
		Status:         string(in.Status),
		RecordsPushed:  in.RecordsPushed,
		RecordsPulled:  in.RecordsPulled,
		RecordsFailed:  in.RecordsFailed,
		RecordsSkipped: in.RecordsSkipped,
		StartedAt:      in.StartedAt.UTC(),
		FinishedAt:     utcPtr(in.FinishedAt),
		DurationMs:     in.DurationMs,
		LastError:      in.LastError,
		Metadata:       copyAnyMap(in.Metadata),
	}
}

func (r syncRunRecord) toDomain() core.IntegrationSyncRun {
	return core.IntegrationSyncRun{
		ID:             r.ID,
		Integration:    r.Integration,
		SyncType:       core.SyncType(r.SyncType),
		TriggeredBy:    core.SyncTrigger(r.TriggeredBy),
		CorrelationID:  r.CorrelationID,
		WindowStartAt:  r.WindowStartAt.UTC(),
		WindowEndAt:    r.WindowEndAt.UTC(),
		Status:         core.SyncRunStatus(r.Status),
		RecordsPushed:  r.RecordsPushed,
		RecordsPulled:  r.RecordsPulled,
		RecordsFailed:  r.RecordsFailed,
		RecordsSkipped: r.RecordsSkipped,
		StartedAt:      r.StartedAt.UTC(),
		FinishedAt:     utcPtr(r.FinishedAt),
		DurationMs:     r.DurationMs,
		LastError:      r.LastError,
		Metadata:       copyAnyMap(r.Metadata),
	}
}

func (r syncResultRecord) toDomain() core.IntegrationSyncResult {
	return core.IntegrationSyncResult{
		ID:             r.ID,
		SyncRunID:      r.SyncRunID,
		EntityType:     r.EntityType,
		EntityID:       r.EntityID,
		ExternalID:     r.ExternalID,
		Direction:      core.SyncDirection(r.Direction),
		Status:         core.SyncResultStatus(r.Status),
		Message:        r.Message,
		IdempotencyKey: r.IdempotencyKey,
		Payload:        copyAnyMap(r.Payload),
		CreatedAt:      r.CreatedAt.UTC(),
	}
}

func (r reconciliationReportRecord) toDomain() core.ReconciliationReport {
	return core.ReconciliationReport{
		ID:                   r.ID,
		Integration:          r.Integration,
		SyncRunID:            r.SyncRunID,
		ReportDate:           r.ReportDate.UTC(),
		MismatchCount:        r.MismatchCount,
		MissingInPlatform:    copyStrings(r.MissingInPlatform),
		MissingInIntegration: copyStrings(r.MissingInIntegration),
		LocalCount:           r.LocalCount,
		RemoteCount:          r.RemoteCount,
		Metadata:             copyAnyMap(r.Metadata),
		CreatedAt:            r.CreatedAt.UTC(),
	}
}

func (r deadLetterRecord) toDomain() core.DeadLetter {
	return core.DeadLetter{
		ID:           r.ID,
		Source:       core.DeadLetterSource(r.Source),
		ReferenceID:  r.ReferenceID,
		EventType:    r.EventType,
		Payload:      copyRaw(r.Payload),
		Reason:       r.Reason,
		AttemptCount: r.AttemptCount,
		CreatedAt:    r.CreatedAt.UTC(),
		ReplayedAt:   utcPtr(r.ReplayedAt),
	}
}

func notFound(err error, message string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return core.NotFoundError(message)
	}
	return err
}

func normalizeRaw(in json.RawMessage) json.RawMessage {
	if len(strings.TrimSpace(string(in))) == 0 {
		return json.RawMessage("null")
	}
	return copyRaw(in)
}

func copyRaw(in json.RawMessage) json.RawMessage {
	if in == nil {
		return nil
	}
	return append(json.RawMessage(nil), in...)
}

func utcPtr(in *time.Time) *time.Time {
	if in == nil || in.IsZero() {
		return nil
	}
	value := in.UTC()
	return &value
}

func utcOrNow(in time.Time) time.Time {
	if in.IsZero() {
		return time.Now().UTC()
	}
	return in.UTC()
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func copyStringMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func copyStrings(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	return append([]string(nil), in...)
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return validText(err.Error())
}

// validText drops invalid UTF-8 so text columns accept the value on postgres.
func validText(value string) string {
	return strings.TrimSpace(strings.ToValidUTF8(value, ""))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}
