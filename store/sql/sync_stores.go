package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/edulure/go-relay/core"
)

// SyncRunStore persists integration sync runs and their per-record results.
type SyncRunStore struct {
	db   *bun.DB
	repo repository.Repository[*syncRunRecord]
}

func NewSyncRunStore(db *bun.DB) (*SyncRunStore, error) {
	repo, err := newRepository(db, "sync run", func() *syncRunRecord { return &syncRunRecord{} })
	if err != nil {
		return nil, err
	}
	return &SyncRunStore{db: db, repo: repo}, nil
}

func (s *SyncRunStore) CreateRun(ctx context.Context, run core.IntegrationSyncRun) (core.IntegrationSyncRun, error) {
	if s == nil || s.db == nil {
		return core.IntegrationSyncRun{}, fmt.Errorf("sqlstore: sync run store is not configured")
	}
	if strings.TrimSpace(run.Integration) == "" {
		return core.IntegrationSyncRun{}, core.ValidationError("integration", "integration is required")
	}
	record := newSyncRunRecord(run)
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Status == "" {
		record.Status = string(core.SyncRunStatusRunning)
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now().UTC()
	}
	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		return core.IntegrationSyncRun{}, err
	}
	return record.toDomain(), nil
}

// FinishRun writes the final status, counters and timing of a run.
func (s *SyncRunStore) FinishRun(ctx context.Context, run core.IntegrationSyncRun) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: sync run store is not configured")
	}
	res, err := s.db.NewUpdate().
		Model((*syncRunRecord)(nil)).
		Set("status = ?", string(run.Status)).
		Set("records_pushed = ?", run.RecordsPushed).
		Set("records_pulled = ?", run.RecordsPulled).
		Set("records_failed = ?", run.RecordsFailed).
		Set("records_skipped = ?", run.RecordsSkipped).
		Set("finished_at = ?", utcPtr(run.FinishedAt)).
		Set("duration_ms = ?", run.DurationMs).
		Set("last_error = ?", run.LastError).
		Set("metadata = ?", copyAnyMap(run.Metadata)).
		Where("id = ?", strings.TrimSpace(run.ID)).
		Exec(ctx)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return core.NotFoundError("sqlstore: sync run not found")
	}
	return nil
}

func (s *SyncRunStore) GetRun(ctx context.Context, id string) (core.IntegrationSyncRun, error) {
	if s == nil || s.db == nil {
		return core.IntegrationSyncRun{}, fmt.Errorf("sqlstore: sync run store is not configured")
	}
	record := &syncRunRecord{}
	if err := s.db.NewSelect().Model(record).Where("?TableAlias.id = ?", strings.TrimSpace(id)).Limit(1).Scan(ctx); err != nil {
		return core.IntegrationSyncRun{}, notFound(err, "sqlstore: sync run not found")
	}
	return record.toDomain(), nil
}

// LastSuccessfulRun returns the most recently finished succeeded run.
func (s *SyncRunStore) LastSuccessfulRun(
	ctx context.Context,
	integration string,
	syncType core.SyncType,
) (core.IntegrationSyncRun, bool, error) {
	if s == nil || s.db == nil {
		return core.IntegrationSyncRun{}, false, fmt.Errorf("sqlstore: sync run store is not configured")
	}
	record := &syncRunRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.integration = ?", strings.TrimSpace(integration)).
		Where("?TableAlias.sync_type = ?", string(syncType)).
		Where("?TableAlias.status = ?", string(core.SyncRunStatusSucceeded)).
		Where("?TableAlias.finished_at IS NOT NULL").
		OrderExpr("?TableAlias.finished_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.IntegrationSyncRun{}, false, nil
		}
		return core.IntegrationSyncRun{}, false, err
	}
	return record.toDomain(), true, nil
}

// ListRuns returns the newest runs first. An empty integration lists all.
func (s *SyncRunStore) ListRuns(ctx context.Context, integration string, limit int) ([]core.IntegrationSyncRun, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: sync run store is not configured")
	}
	if limit <= 0 {
		limit = 20
	}
	selectors := []repository.SelectCriteria{
		repository.OrderBy("started_at DESC"),
		repository.SelectPaginate(limit, 0),
	}
	if integration = strings.TrimSpace(integration); integration != "" {
		selectors = append(selectors, repository.SelectBy("integration", "=", integration))
	}
	records, _, err := s.repo.List(ctx, selectors...)
	if err != nil {
		return nil, err
	}
	out := make([]core.IntegrationSyncRun, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (s *SyncRunStore) AppendResults(ctx context.Context, results []core.IntegrationSyncResult) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: sync run store is not configured")
	}
	if len(results) == 0 {
		return nil
	}
	records := make([]syncResultRecord, 0, len(results))
	for _, result := range results {
		if strings.TrimSpace(result.SyncRunID) == "" {
			return core.ValidationError("sync_run_id", "sync result run id is required")
		}
		records = append(records, syncResultRecord{
			ID:             uuid.NewString(),
			SyncRunID:      strings.TrimSpace(result.SyncRunID),
			EntityType:     result.EntityType,
			EntityID:       result.EntityID,
			ExternalID:     result.ExternalID,
			Direction:      string(result.Direction),
			Status:         string(result.Status),
			Message:        result.Message,
			IdempotencyKey: result.IdempotencyKey,
			Payload:        copyAnyMap(result.Payload),
			CreatedAt:      utcOrNow(result.CreatedAt),
		})
	}
	_, err := s.db.NewInsert().Model(&records).Exec(ctx)
	return err
}

func (s *SyncRunStore) ListResults(ctx context.Context, runID string) ([]core.IntegrationSyncResult, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: sync run store is not configured")
	}
	var records []syncResultRecord
	if err := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.sync_run_id = ?", strings.TrimSpace(runID)).
		OrderExpr("?TableAlias.created_at ASC, ?TableAlias.direction DESC, ?TableAlias.entity_id ASC").
		Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]core.IntegrationSyncResult, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

type ReconciliationStore struct {
	db   *bun.DB
	repo repository.Repository[*reconciliationReportRecord]
}

func NewReconciliationStore(db *bun.DB) (*ReconciliationStore, error) {
	repo, err := newRepository(db, "reconciliation report", func() *reconciliationReportRecord { return &reconciliationReportRecord{} })
	if err != nil {
		return nil, err
	}
	return &ReconciliationStore{db: db, repo: repo}, nil
}

func (s *ReconciliationStore) SaveReport(ctx context.Context, report core.ReconciliationReport) (core.ReconciliationReport, error) {
	if s == nil || s.repo == nil {
		return core.ReconciliationReport{}, fmt.Errorf("sqlstore: reconciliation store is not configured")
	}
	if strings.TrimSpace(report.Integration) == "" {
		return core.ReconciliationReport{}, core.ValidationError("integration", "integration is required")
	}
	now := time.Now().UTC()
	record := &reconciliationReportRecord{
		ID:                   uuid.NewString(),
		Integration:          strings.TrimSpace(report.Integration),
		SyncRunID:            strings.TrimSpace(report.SyncRunID),
		ReportDate:           utcOrNow(report.ReportDate),
		MismatchCount:        report.MismatchCount,
		MissingInPlatform:    copyStrings(report.MissingInPlatform),
		MissingInIntegration: copyStrings(report.MissingInIntegration),
		LocalCount:           report.LocalCount,
		RemoteCount:          report.RemoteCount,
		Metadata:             copyAnyMap(report.Metadata),
		CreatedAt:            now,
	}
	created, err := s.repo.Create(ctx, record)
	if err != nil {
		return core.ReconciliationReport{}, err
	}
	return created.toDomain(), nil
}

func (s *ReconciliationStore) LatestReport(ctx context.Context, integration string) (core.ReconciliationReport, bool, error) {
	if s == nil || s.db == nil {
		return core.ReconciliationReport{}, false, fmt.Errorf("sqlstore: reconciliation store is not configured")
	}
	record := &reconciliationReportRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.integration = ?", strings.TrimSpace(integration)).
		OrderExpr("?TableAlias.report_date DESC, ?TableAlias.created_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.ReconciliationReport{}, false, nil
		}
		return core.ReconciliationReport{}, false, err
	}
	return record.toDomain(), true, nil
}
