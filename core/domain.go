package core

import (
	"encoding/json"
	"strings"
	"time"
)

type DispatchStatus string

const (
	DispatchStatusPending    DispatchStatus = "pending"
	DispatchStatusProcessing DispatchStatus = "processing"
	DispatchStatusDelivered  DispatchStatus = "delivered"
	DispatchStatusFailed     DispatchStatus = "failed"
)

type WebhookEventStatus string

const (
	WebhookEventStatusQueued     WebhookEventStatus = "queued"
	WebhookEventStatusProcessing WebhookEventStatus = "processing"
	WebhookEventStatusDelivered  WebhookEventStatus = "delivered"
	WebhookEventStatusPartial    WebhookEventStatus = "partial"
	WebhookEventStatusFailed     WebhookEventStatus = "failed"
)

type DeliveryStatus string

const (
	DeliveryStatusPending    DeliveryStatus = "pending"
	DeliveryStatusDelivering DeliveryStatus = "delivering"
	DeliveryStatusDelivered  DeliveryStatus = "delivered"
	DeliveryStatusFailed     DeliveryStatus = "failed"
)

type SyncRunStatus string

const (
	SyncRunStatusRunning   SyncRunStatus = "running"
	SyncRunStatusSucceeded SyncRunStatus = "succeeded"
	SyncRunStatusPartial   SyncRunStatus = "partial"
	SyncRunStatusFailed    SyncRunStatus = "failed"
)

type SyncType string

const (
	SyncTypeDelta          SyncType = "delta"
	SyncTypeReconciliation SyncType = "reconciliation"
)

type SyncTrigger string

const (
	SyncTriggerScheduler SyncTrigger = "scheduler"
	SyncTriggerManual    SyncTrigger = "manual"
	SyncTriggerJob       SyncTrigger = "job"
)

type SyncDirection string

const (
	SyncDirectionOutbound SyncDirection = "outbound"
	SyncDirectionInbound  SyncDirection = "inbound"
)

type SyncResultStatus string

const (
	SyncResultStatusSucceeded SyncResultStatus = "succeeded"
	SyncResultStatusFailed    SyncResultStatus = "failed"
	SyncResultStatusSkipped   SyncResultStatus = "skipped"
)

type DeadLetterSource string

const (
	DeadLetterSourceDispatch DeadLetterSource = "domain_event_dispatch"
	DeadLetterSourceDelivery DeadLetterSource = "webhook_delivery"
)

const (
	IntegrationHubSpot    = "hubspot"
	IntegrationSalesforce = "salesforce"
)

// SourceDomainEvents is the bus source stamped on events forwarded by the dispatcher.
const SourceDomainEvents = "domain-events"

// DispatchReasonMissingEvent annotates dispatches acknowledged without a backing event.
const DispatchReasonMissingEvent = "missing_event"

type DomainEvent struct {
	ID            string
	EventType     string
	EntityType    string
	EntityID      string
	Payload       json.RawMessage
	PerformedBy   string
	CorrelationID string
	Metadata      map[string]any
	OccurredAt    time.Time
}

type DomainEventDispatch struct {
	ID              string
	EventID         string
	AttemptCount    int
	Status          DispatchStatus
	NextAvailableAt *time.Time
	WorkerID        string
	ClaimedAt       *time.Time
	LastError       string
	WebhookEventID  string
	DeliveredAt     *time.Time
	Metadata        map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type WebhookSubscription struct {
	ID                            string
	Name                          string
	TargetURL                     string
	SigningSecret                 string
	EventTypes                    []string
	Active                        bool
	StaticHeaders                 map[string]string
	MaxAttempts                   int
	RetryBackoffSeconds           int
	CircuitBreakerThreshold       int
	CircuitBreakerDurationSeconds int
	DeliveryTimeoutMs             int
	ConsecutiveFailures           int
	CircuitOpenUntil              *time.Time
	LastSuccessAt                 *time.Time
	LastFailureAt                 *time.Time
	CreatedAt                     time.Time
	UpdatedAt                     time.Time
}

// Matches reports whether the subscription filter accepts eventType.
// Filters are exact names, "*" or a "prefix.*" wildcard, compared
// case-insensitively.
func (s WebhookSubscription) Matches(eventType string) bool {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return false
	}
	for _, filter := range s.EventTypes {
		filter = strings.TrimSpace(filter)
		switch {
		case filter == "":
			continue
		case filter == "*":
			return true
		case strings.HasSuffix(filter, ".*"):
			prefix := strings.ToLower(strings.TrimSuffix(filter, "*"))
			if strings.HasPrefix(strings.ToLower(eventType), prefix) {
				return true
			}
		case strings.EqualFold(filter, eventType):
			return true
		}
	}
	return false
}

// CircuitOpen reports whether deliveries to the subscription are deferred at now.
func (s WebhookSubscription) CircuitOpen(now time.Time) bool {
	return s.CircuitOpenUntil != nil && s.CircuitOpenUntil.After(now)
}

type WebhookEvent struct {
	ID            string
	EventUUID     string
	EventType     string
	Source        string
	CorrelationID string
	Payload       json.RawMessage
	Metadata      map[string]any
	Status        WebhookEventStatus
	FirstQueuedAt time.Time
	CompletedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type WebhookDelivery struct {
	ID               string
	DeliveryUUID     string
	EventID          string
	SubscriptionID   string
	AttemptCount     int
	MaxAttempts      int
	Status           DeliveryStatus
	NextAttemptAt    *time.Time
	LastAttemptAt    *time.Time
	LastResponseCode int
	LastError        string
	DeliveredAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Terminal reports whether the delivery will never be claimed again.
func (d WebhookDelivery) Terminal() bool {
	return d.Status == DeliveryStatusDelivered || d.Status == DeliveryStatusFailed
}

type IntegrationSyncRun struct {
	ID             string
	Integration    string
	SyncType       SyncType
	TriggeredBy    SyncTrigger
	CorrelationID  string
	WindowStartAt  time.Time
	WindowEndAt    time.Time
	Status         SyncRunStatus
	RecordsPushed  int
	RecordsPulled  int
	RecordsFailed  int
	RecordsSkipped int
	StartedAt      time.Time
	FinishedAt     *time.Time
	DurationMs     int64
	LastError      string
	Metadata       map[string]any
}

type IntegrationSyncResult struct {
	ID             string
	SyncRunID      string
	EntityType     string
	EntityID       string
	ExternalID     string
	Direction      SyncDirection
	Status         SyncResultStatus
	Message        string
	IdempotencyKey string
	Payload        map[string]any
	CreatedAt      time.Time
}

type ReconciliationReport struct {
	ID                   string
	Integration          string
	SyncRunID            string
	ReportDate           time.Time
	MismatchCount        int
	MissingInPlatform    []string
	MissingInIntegration []string
	LocalCount           int
	RemoteCount          int
	Metadata             map[string]any
	CreatedAt            time.Time
}

type DeadLetter struct {
	ID           string
	Source       DeadLetterSource
	ReferenceID  string
	EventType    string
	Payload      json.RawMessage
	Reason       string
	AttemptCount int
	CreatedAt    time.Time
	ReplayedAt   *time.Time
}

// AggregateWebhookEventStatus derives the parent event status from its deliveries.
// Events with any pending or in-flight delivery stay processing (or queued before
// the first attempt).
func AggregateWebhookEventStatus(deliveries []WebhookDelivery) WebhookEventStatus {
	if len(deliveries) == 0 {
		return WebhookEventStatusQueued
	}
	var delivered, failed, attempted int
	for _, delivery := range deliveries {
		switch delivery.Status {
		case DeliveryStatusDelivered:
			delivered++
		case DeliveryStatusFailed:
			failed++
		default:
			if delivery.AttemptCount > 0 || delivery.Status == DeliveryStatusDelivering {
				attempted++
			}
		}
	}
	switch {
	case delivered == len(deliveries):
		return WebhookEventStatusDelivered
	case failed == len(deliveries):
		return WebhookEventStatusFailed
	case delivered+failed == len(deliveries):
		return WebhookEventStatusPartial
	case delivered+failed+attempted > 0:
		return WebhookEventStatusProcessing
	default:
		return WebhookEventStatusQueued
	}
}
