package sync

import (
	"context"
	"time"
)

const (
	JobKeyHubSpotSync    = "hubspot_sync"
	JobKeySalesforceSync = "salesforce_sync"
	JobKeyReconciliation = "reconciliation"
)

// Candidate is a platform contact eligible for outbound sync.
type Candidate struct {
	EntityType string
	EntityID   string
	Email      string
	FirstName  string
	LastName   string
	Role       string
	UpdatedAt  time.Time
	Attributes map[string]any
}

type UpsertRecord struct {
	Candidate
	IdempotencyKey string
}

type UpsertResult struct {
	EntityID   string
	ExternalID string
	Succeeded  bool
	Message    string
}

// CRMRecord is a contact read back from an integration.
type CRMRecord struct {
	ExternalID string
	Email      string
	Properties map[string]any
	UpdatedAt  time.Time
}

// CRMClient is implemented by each integration client.
type CRMClient interface {
	Integration() string
	// UpsertBatch writes at most one batch. Per-record failures are reported in
	// the results; a returned error fails the whole batch.
	UpsertBatch(ctx context.Context, records []UpsertRecord) ([]UpsertResult, error)
	SearchChangedSince(ctx context.Context, since time.Time, limit int) ([]CRMRecord, error)
	// ListIdentities returns lower-cased emails changed since, reading at most maxPages pages.
	ListIdentities(ctx context.Context, since time.Time, maxPages int) ([]string, error)
}

// CandidateSource reads the platform side of a sync.
type CandidateSource interface {
	ChangedSince(ctx context.Context, start time.Time, end time.Time) ([]Candidate, error)
	IdentitiesSince(ctx context.Context, since time.Time) ([]string, error)
}

// JobLocker leases a job key across processes.
type JobLocker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}
