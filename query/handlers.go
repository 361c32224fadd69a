package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/edulure/go-relay/core"
)

type SyncRunReader interface {
	GetRun(ctx context.Context, id string) (core.IntegrationSyncRun, error)
	ListRuns(ctx context.Context, integration string, limit int) ([]core.IntegrationSyncRun, error)
	ListResults(ctx context.Context, runID string) ([]core.IntegrationSyncResult, error)
}

type ReconciliationReader interface {
	LatestReport(ctx context.Context, integration string) (core.ReconciliationReport, bool, error)
}

type WebhookEventReader interface {
	GetEvent(ctx context.Context, id string) (core.WebhookEvent, error)
	ListDeliveries(ctx context.Context, eventID string) ([]core.WebhookDelivery, error)
}

type DeadLetterReader interface {
	List(ctx context.Context, filter core.DeadLetterFilter) ([]core.DeadLetter, error)
}

type GetSyncRunQuery struct {
	reader SyncRunReader
}

func NewGetSyncRunQuery(reader SyncRunReader) *GetSyncRunQuery {
	return &GetSyncRunQuery{reader: reader}
}

func (q *GetSyncRunQuery) Query(ctx context.Context, msg GetSyncRunMessage) (SyncRunView, error) {
	if q == nil || q.reader == nil {
		return SyncRunView{}, queryDependencyError("query: sync run reader is required")
	}
	run, err := q.reader.GetRun(ctx, strings.TrimSpace(msg.ID))
	if err != nil {
		return SyncRunView{}, err
	}
	results, err := q.reader.ListResults(ctx, run.ID)
	if err != nil {
		return SyncRunView{}, err
	}
	return SyncRunView{Run: run, Results: results}, nil
}

type ListSyncRunsQuery struct {
	reader SyncRunReader
}

func NewListSyncRunsQuery(reader SyncRunReader) *ListSyncRunsQuery {
	return &ListSyncRunsQuery{reader: reader}
}

// Query lists runs newest first. An empty integration lists every integration.
func (q *ListSyncRunsQuery) Query(ctx context.Context, msg ListSyncRunsMessage) ([]core.IntegrationSyncRun, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: sync run reader is required")
	}
	return q.reader.ListRuns(ctx, normalizeIntegration(msg.Integration), effectiveLimit(msg.Limit))
}

type LatestReconciliationReportQuery struct {
	reader ReconciliationReader
}

func NewLatestReconciliationReportQuery(reader ReconciliationReader) *LatestReconciliationReportQuery {
	return &LatestReconciliationReportQuery{reader: reader}
}

func (q *LatestReconciliationReportQuery) Query(
	ctx context.Context,
	msg LatestReconciliationReportMessage,
) (core.ReconciliationReport, error) {
	if q == nil || q.reader == nil {
		return core.ReconciliationReport{}, queryDependencyError("query: reconciliation reader is required")
	}
	integration := normalizeIntegration(msg.Integration)
	report, ok, err := q.reader.LatestReport(ctx, integration)
	if err != nil {
		return core.ReconciliationReport{}, err
	}
	if !ok {
		return core.ReconciliationReport{}, queryNotFoundError(
			fmt.Sprintf("query: no reconciliation report for %s", integration),
			map[string]any{"integration": integration},
		)
	}
	return report, nil
}

type GetWebhookEventQuery struct {
	reader WebhookEventReader
}

func NewGetWebhookEventQuery(reader WebhookEventReader) *GetWebhookEventQuery {
	return &GetWebhookEventQuery{reader: reader}
}

func (q *GetWebhookEventQuery) Query(ctx context.Context, msg GetWebhookEventMessage) (WebhookEventView, error) {
	if q == nil || q.reader == nil {
		return WebhookEventView{}, queryDependencyError("query: webhook event reader is required")
	}
	event, err := q.reader.GetEvent(ctx, strings.TrimSpace(msg.ID))
	if err != nil {
		return WebhookEventView{}, err
	}
	deliveries, err := q.reader.ListDeliveries(ctx, event.ID)
	if err != nil {
		return WebhookEventView{}, err
	}
	return WebhookEventView{Event: event, Deliveries: deliveries}, nil
}

type ListDeadLettersQuery struct {
	reader DeadLetterReader
}

func NewListDeadLettersQuery(reader DeadLetterReader) *ListDeadLettersQuery {
	return &ListDeadLettersQuery{reader: reader}
}

func (q *ListDeadLettersQuery) Query(ctx context.Context, msg ListDeadLettersMessage) ([]core.DeadLetter, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: dead letter reader is required")
	}
	return q.reader.List(ctx, core.DeadLetterFilter{
		Source:         msg.Source,
		IncludeReplays: msg.IncludeReplays,
		Limit:          effectiveLimit(msg.Limit),
	})
}
