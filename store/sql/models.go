package sqlstore

import (
	"encoding/json"
	"time"

	"github.com/uptrace/bun"
)

type domainEventRecord struct {
	bun.BaseModel `bun:"table:relay_domain_events,alias:rde"`

	ID            string          `bun:"id,pk"`
	EventType     string          `bun:"event_type,notnull"`
	EntityType    string          `bun:"entity_type,notnull"`
	EntityID      string          `bun:"entity_id,notnull"`
	Payload       json.RawMessage `bun:"payload,type:jsonb,notnull"`
	PerformedBy   string          `bun:"performed_by,notnull"`
	CorrelationID string          `bun:"correlation_id,notnull"`
	Metadata      map[string]any  `bun:"metadata,type:jsonb,notnull"`
	OccurredAt    time.Time       `bun:"occurred_at,notnull"`
	CreatedAt     time.Time       `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type dispatchRecord struct {
	bun.BaseModel `bun:"table:relay_domain_event_dispatches,alias:rdd"`

	ID              string         `bun:"id,pk"`
	EventID         string         `bun:"event_id,notnull"`
	AttemptCount    int            `bun:"attempt_count,notnull"`
	Status          string         `bun:"status,notnull"`
	NextAvailableAt *time.Time     `bun:"next_available_at,nullzero"`
	WorkerID        string         `bun:"worker_id,notnull"`
	ClaimedAt       *time.Time     `bun:"claimed_at,nullzero"`
	LastError       string         `bun:"last_error,notnull"`
	WebhookEventID  string         `bun:"webhook_event_id,notnull"`
	DeliveredAt     *time.Time     `bun:"delivered_at,nullzero"`
	Metadata        map[string]any `bun:"metadata,type:jsonb,notnull"`
	CreatedAt       time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt       time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type subscriptionRecord struct {
	bun.BaseModel `bun:"table:relay_webhook_subscriptions,alias:rws"`

	ID                            string            `bun:"id,pk"`
	Name                          string            `bun:"name,notnull"`
	TargetURL                     string            `bun:"target_url,notnull"`
	SigningSecret                 string            `bun:"signing_secret,notnull"`
	EventTypes                    []string          `bun:"event_types,type:jsonb,notnull"`
	Active                        bool              `bun:"active,notnull"`
	StaticHeaders                 map[string]string `bun:"static_headers,type:jsonb,notnull"`
	MaxAttempts                   int               `bun:"max_attempts,notnull"`
	RetryBackoffSeconds           int               `bun:"retry_backoff_seconds,notnull"`
	CircuitBreakerThreshold       int               `bun:"circuit_breaker_threshold,notnull"`
	CircuitBreakerDurationSeconds int               `bun:"circuit_breaker_duration_seconds,notnull"`
	DeliveryTimeoutMs             int               `bun:"delivery_timeout_ms,notnull"`
	ConsecutiveFailures           int               `bun:"consecutive_failures,notnull"`
	CircuitOpenUntil              *time.Time        `bun:"circuit_open_until,nullzero"`
	LastSuccessAt                 *time.Time        `bun:"last_success_at,nullzero"`
	LastFailureAt                 *time.Time        `bun:"last_failure_at,nullzero"`
	CreatedAt                     time.Time         `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt                     time.Time         `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type webhookEventRecord struct {
	bun.BaseModel `bun:"table:relay_webhook_events,alias:rwe"`

	ID            string          `bun:"id,pk"`
	EventUUID     string          `bun:"event_uuid,notnull"`
	EventType     string          `bun:"event_type,notnull"`
	Source        string          `bun:"source,notnull"`
	CorrelationID string          `bun:"correlation_id,notnull"`
	Payload       json.RawMessage `bun:"payload,type:jsonb,notnull"`
	Metadata      map[string]any  `bun:"metadata,type:jsonb,notnull"`
	Status        string          `bun:"status,notnull"`
	FirstQueuedAt time.Time       `bun:"first_queued_at,notnull"`
	CompletedAt   *time.Time      `bun:"completed_at,nullzero"`
	CreatedAt     time.Time       `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt     time.Time       `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type webhookDeliveryRecord struct {
	bun.BaseModel `bun:"table:relay_webhook_deliveries,alias:rwd"`

	ID               string     `bun:"id,pk"`
	DeliveryUUID     string     `bun:"delivery_uuid,notnull"`
	EventID          string     `bun:"event_id,notnull"`
	SubscriptionID   string     `bun:"subscription_id,notnull"`
	AttemptCount     int        `bun:"attempt_count,notnull"`
	MaxAttempts      int        `bun:"max_attempts,notnull"`
	Status           string     `bun:"status,notnull"`
	NextAttemptAt    *time.Time `bun:"next_attempt_at,nullzero"`
	LastAttemptAt    *time.Time `bun:"last_attempt_at,nullzero"`
	LastResponseCode int        `bun:"last_response_code,notnull"`
	LastError        string     `bun:"last_error,notnull"`
	DeliveredAt      *time.Time `bun:"delivered_at,nullzero"`
	CreatedAt        time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt        time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type syncRunRecord struct {
	bun.BaseModel `bun:"table:relay_integration_sync_runs,alias:rsr"`

	ID             string         `bun:"id,pk"`
	Integration    string         `bun:"integration,notnull"`
	SyncType       string         `bun:"sync_type,notnull"`
	TriggeredBy    string         `bun:"triggered_by,notnull"`
	CorrelationID  string         `bun:"correlation_id,notnull"`
	WindowStartAt  time.Time      `bun:"window_start_at,notnull"`
	WindowEndAt    time.Time      `bun:"window_end_at,notnull"`
	Status         string         `bun:"status,notnull"`
	RecordsPushed  int            `bun:"records_pushed,notnull"`
	RecordsPulled  int            `bun:"records_pulled,notnull"`
	RecordsFailed  int            `bun:"records_failed,notnull"`
	RecordsSkipped int            `bun:"records_skipped,notnull"`
	StartedAt      time.Time      `bun:"started_at,notnull"`
	FinishedAt     *time.Time     `bun:"finished_at,nullzero"`
	DurationMs     int64          `bun:"duration_ms,notnull"`
	LastError      string         `bun:"last_error,notnull"`
	Metadata       map[string]any `bun:"metadata,type:jsonb,notnull"`
}

type syncResultRecord struct {
	bun.BaseModel `bun:"table:relay_integration_sync_results,alias:rsx"`

	ID             string         `bun:"id,pk"`
	SyncRunID      string         `bun:"sync_run_id,notnull"`
	EntityType     string         `bun:"entity_type,notnull"`
	EntityID       string         `bun:"entity_id,notnull"`
	ExternalID     string         `bun:"external_id,notnull"`
	Direction      string         `bun:"direction,notnull"`
	Status         string         `bun:"status,notnull"`
	Message        string         `bun:"message,notnull"`
	IdempotencyKey string         `bun:"idempotency_key,notnull"`
	Payload        map[string]any `bun:"payload,type:jsonb,notnull"`
	CreatedAt      time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type reconciliationReportRecord struct {
	bun.BaseModel `bun:"table:relay_reconciliation_reports,alias:rrr"`

	ID                   string         `bun:"id,pk"`
	Integration          string         `bun:"integration,notnull"`
	SyncRunID            string         `bun:"sync_run_id,notnull"`
	ReportDate           time.Time      `bun:"report_date,notnull"`
	MismatchCount        int            `bun:"mismatch_count,notnull"`
	MissingInPlatform    []string       `bun:"missing_in_platform,type:jsonb,notnull"`
	MissingInIntegration []string       `bun:"missing_in_integration,type:jsonb,notnull"`
	LocalCount           int            `bun:"local_count,notnull"`
	RemoteCount          int            `bun:"remote_count,notnull"`
	Metadata             map[string]any `bun:"metadata,type:jsonb,notnull"`
	CreatedAt            time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type deadLetterRecord struct {
	bun.BaseModel `bun:"table:relay_dead_letters,alias:rdl"`

	ID           string          `bun:"id,pk"`
	Source       string          `bun:"source,notnull"`
	ReferenceID  string          `bun:"reference_id,notnull"`
	EventType    string          `bun:"event_type,notnull"`
	Payload      json.RawMessage `bun:"payload,type:jsonb,notnull"`
	Reason       string          `bun:"reason,notnull"`
	AttemptCount int             `bun:"attempt_count,notnull"`
	CreatedAt    time.Time       `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	ReplayedAt   *time.Time      `bun:"replayed_at,nullzero"`
}

type syncContactRecord struct {
	bun.BaseModel `bun:"table:relay_sync_contacts,alias:rsc"`

	ID         string         `bun:"id,pk"`
	EntityType string         `bun:"entity_type,notnull"`
	Email      string         `bun:"email,notnull"`
	FirstName  string         `bun:"first_name,notnull"`
	LastName   string         `bun:"last_name,notnull"`
	Role       string         `bun:"role,notnull"`
	Attributes map[string]any `bun:"attributes,type:jsonb,notnull"`
	UpdatedAt  time.Time      `bun:"updated_at,notnull"`
}
