package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type DomainEventStore interface {
	FindByID(ctx context.Context, id string) (DomainEvent, bool, error)
}

type DomainEventRecorder interface {
	Record(ctx context.Context, event DomainEvent) (DomainEvent, DomainEventDispatch, error)
}

// DispatchDelivered and DispatchFailed resolve a claim held by WorkerID. A
// store rejects the write with ErrorLeaseLost once the claim moved on.
type DispatchDelivered struct {
	WorkerID       string
	AttemptCount   int
	WebhookEventID string
	Reason         string
	At             time.Time
}

// DispatchFailed records a failed attempt. A nil NextAvailableAt is terminal.
type DispatchFailed struct {
	WorkerID        string
	AttemptCount    int
	Cause           error
	NextAvailableAt *time.Time
}

type DispatchStore interface {
	CountPending(ctx context.Context, now time.Time) (int, error)
	ClaimBatch(ctx context.Context, workerID string, limit int, now time.Time) ([]DomainEventDispatch, error)
	MarkDelivered(ctx context.Context, id string, in DispatchDelivered) error
	MarkFailed(ctx context.Context, id string, in DispatchFailed) error
	RecoverStuck(ctx context.Context, claimedBefore time.Time, now time.Time) (int, error)
	Get(ctx context.Context, id string) (DomainEventDispatch, error)
	Requeue(ctx context.Context, id string, now time.Time) error
}

type SubscriptionStore interface {
	ListMatching(ctx context.Context, eventType string) ([]WebhookSubscription, error)
	Get(ctx context.Context, id string) (WebhookSubscription, error)
	Upsert(ctx context.Context, subscription WebhookSubscription) (WebhookSubscription, error)
	RecordSuccess(ctx context.Context, id string, at time.Time) error
	// RecordFailure increments consecutive failures and returns the updated row.
	RecordFailure(ctx context.Context, id string, at time.Time) (WebhookSubscription, error)
	OpenCircuit(ctx context.Context, id string, until time.Time) error
}

// DeliveryAttempt resolves a claimed delivery. ClaimedAt is the claim stamp
// returned by ClaimDueDeliveries; writes against a newer claim are rejected
// with ErrorLeaseLost.
type DeliveryAttempt struct {
	ClaimedAt    *time.Time
	AttemptCount int
	ResponseCode int
	Error        string
	At           time.Time
}

type WebhookStore interface {
	CreateEvent(ctx context.Context, event WebhookEvent, deliveries []WebhookDelivery) (WebhookEvent, error)
	GetEvent(ctx context.Context, id string) (WebhookEvent, error)
	UpdateEventStatus(ctx context.Context, id string, status WebhookEventStatus, completedAt *time.Time) error
	ListDeliveries(ctx context.Context, eventID string) ([]WebhookDelivery, error)
	GetDelivery(ctx context.Context, id string) (WebhookDelivery, error)
	ClaimDueDeliveries(ctx context.Context, limit int, now time.Time) ([]WebhookDelivery, error)
	RecoverStuckDeliveries(ctx context.Context, attemptedBefore time.Time, now time.Time) (int, error)
	MarkDeliveryDelivered(ctx context.Context, id string, attempt DeliveryAttempt) error
	// MarkDeliveryFailed records a failed attempt. A nil nextAttemptAt is terminal.
	MarkDeliveryFailed(ctx context.Context, id string, attempt DeliveryAttempt, nextAttemptAt *time.Time) error
	// DeferDelivery returns a claimed delivery to pending without consuming an attempt.
	DeferDelivery(ctx context.Context, id string, claimedAt *time.Time, until time.Time) error
	RequeueDelivery(ctx context.Context, id string, extraAttempts int, now time.Time) error
}

type SyncRunStore interface {
	CreateRun(ctx context.Context, run IntegrationSyncRun) (IntegrationSyncRun, error)
	FinishRun(ctx context.Context, run IntegrationSyncRun) error
	GetRun(ctx context.Context, id string) (IntegrationSyncRun, error)
	LastSuccessfulRun(ctx context.Context, integration string, syncType SyncType) (IntegrationSyncRun, bool, error)
	ListRuns(ctx context.Context, integration string, limit int) ([]IntegrationSyncRun, error)
	AppendResults(ctx context.Context, results []IntegrationSyncResult) error
	ListResults(ctx context.Context, runID string) ([]IntegrationSyncResult, error)
}

type ReconciliationStore interface {
	SaveReport(ctx context.Context, report ReconciliationReport) (ReconciliationReport, error)
	LatestReport(ctx context.Context, integration string) (ReconciliationReport, bool, error)
}

type DeadLetterFilter struct {
	Source         DeadLetterSource
	IncludeReplays bool
	Limit          int
}

type DeadLetterStore interface {
	Record(ctx context.Context, letter DeadLetter) (DeadLetter, error)
	Get(ctx context.Context, id string) (DeadLetter, error)
	List(ctx context.Context, filter DeadLetterFilter) ([]DeadLetter, error)
	MarkReplayed(ctx context.Context, id string, at time.Time) error
}

// StoreProvider exposes the persisted collaborators used to build an engine.
type StoreProvider interface {
	DomainEventStore() DomainEventStore
	DispatchStore() DispatchStore
	SubscriptionStore() SubscriptionStore
	WebhookStore() WebhookStore
	SyncRunStore() SyncRunStore
	ReconciliationStore() ReconciliationStore
	DeadLetterStore() DeadLetterStore
}

type RepositoryStoreFactory interface {
	BuildStores(persistenceClient any) (StoreProvider, error)
}

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

// GaugeRecorder is implemented by recorders that support point-in-time values.
type GaugeRecorder interface {
	SetGauge(ctx context.Context, name string, value float64, tags map[string]string)
}

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type TransportRequest struct {
	Method               string
	URL                  string
	Headers              map[string]string
	Query                map[string]string
	Body                 []byte
	Timeout              time.Duration
	MaxResponseBodyBytes int64
}

type TransportResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	Metadata   map[string]any
}

type TransportAdapter interface {
	Kind() string
	Do(ctx context.Context, req TransportRequest) (TransportResponse, error)
}

type JobExecutionMessage struct {
	JobID          string
	ScriptPath     string
	Parameters     map[string]any
	IdempotencyKey string
	DedupPolicy    string
}

type JobNackOptions struct {
	Delay      time.Duration
	Requeue    bool
	DeadLetter bool
	Reason     string
}

type JobEnqueuer interface {
	Enqueue(ctx context.Context, msg *JobExecutionMessage) error
}

type JobDelivery interface {
	Message() *JobExecutionMessage
	Ack(ctx context.Context) error
	Nack(ctx context.Context, opts JobNackOptions) error
}

type JobDequeuer interface {
	Dequeue(ctx context.Context) (JobDelivery, error)
}

type JobWorkerHook interface {
	OnStart(ctx context.Context, event JobWorkerEvent)
	OnSuccess(ctx context.Context, event JobWorkerEvent)
	OnFailure(ctx context.Context, event JobWorkerEvent)
	OnRetry(ctx context.Context, event JobWorkerEvent)
}

type JobWorkerEvent struct {
	Message   *JobExecutionMessage
	Attempt   int
	Delay     time.Duration
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}
