package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/edulure/go-relay/core"
)

var syncEpoch = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

type memorySyncRunStore struct {
	mu      gosync.Mutex
	runs    []core.IntegrationSyncRun
	results []core.IntegrationSyncResult
	last    map[string]core.IntegrationSyncRun
}

func (s *memorySyncRunStore) CreateRun(_ context.Context, run core.IntegrationSyncRun) (core.IntegrationSyncRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run.ID = fmt.Sprintf("run-%d", len(s.runs)+1)
	s.runs = append(s.runs, run)
	return run, nil
}

func (s *memorySyncRunStore) FinishRun(_ context.Context, run core.IntegrationSyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for index := range s.runs {
		if s.runs[index].ID == run.ID {
			s.runs[index] = run
			return nil
		}
	}
	return errors.New("run not found")
}

func (s *memorySyncRunStore) GetRun(_ context.Context, id string) (core.IntegrationSyncRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, run := range s.runs {
		if run.ID == id {
			return run, nil
		}
	}
	return core.IntegrationSyncRun{}, core.NotFoundError("run not found")
}

func (s *memorySyncRunStore) LastSuccessfulRun(_ context.Context, integration string, _ core.SyncType) (core.IntegrationSyncRun, bool, error) {
	run, ok := s.last[integration]
	return run, ok, nil
}

func (s *memorySyncRunStore) ListRuns(_ context.Context, integration string, _ int) ([]core.IntegrationSyncRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []core.IntegrationSyncRun{}
	for _, run := range s.runs {
		if integration == "" || run.Integration == integration {
			out = append(out, run)
		}
	}
	return out, nil
}

func (s *memorySyncRunStore) AppendResults(_ context.Context, results []core.IntegrationSyncResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, results...)
	return nil
}

func (s *memorySyncRunStore) ListResults(_ context.Context, runID string) ([]core.IntegrationSyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []core.IntegrationSyncResult{}
	for _, result := range s.results {
		if result.SyncRunID == runID {
			out = append(out, result)
		}
	}
	return out, nil
}

func (s *memorySyncRunStore) resultsWith(direction core.SyncDirection, status core.SyncResultStatus) []core.IntegrationSyncResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []core.IntegrationSyncResult{}
	for _, result := range s.results {
		if result.Direction == direction && result.Status == status {
			out = append(out, result)
		}
	}
	return out
}

type memoryReportStore struct {
	mu      gosync.Mutex
	reports []core.ReconciliationReport
}

func (s *memoryReportStore) SaveReport(_ context.Context, report core.ReconciliationReport) (core.ReconciliationReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	report.ID = fmt.Sprintf("report-%d", len(s.reports)+1)
	s.reports = append(s.reports, report)
	return report, nil
}

func (s *memoryReportStore) LatestReport(_ context.Context, integration string) (core.ReconciliationReport, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for index := len(s.reports) - 1; index >= 0; index-- {
		if s.reports[index].Integration == integration {
			return s.reports[index], true, nil
		}
	}
	return core.ReconciliationReport{}, false, nil
}

type stubSource struct {
	candidates []Candidate
	identities []string
	err        error
	start      time.Time
	end        time.Time
}

func (s *stubSource) ChangedSince(_ context.Context, start time.Time, end time.Time) ([]Candidate, error) {
	s.start, s.end = start, end
	return s.candidates, s.err
}

func (s *stubSource) IdentitiesSince(context.Context, time.Time) ([]string, error) {
	return s.identities, s.err
}

type stubCRM struct {
	name        string
	mu          gosync.Mutex
	batches     [][]UpsertRecord
	failEntity  string
	panicEntity string
	rejectID    string
	records     []CRMRecord
	identities  []string
	listErr     error
	searchErr   error
	panicSearch bool
	panicList   bool
}

func (c *stubCRM) Integration() string {
	return c.name
}

func (c *stubCRM) UpsertBatch(_ context.Context, records []UpsertRecord) ([]UpsertResult, error) {
	c.mu.Lock()
	c.batches = append(c.batches, records)
	c.mu.Unlock()
	results := make([]UpsertResult, 0, len(records))
	for _, record := range records {
		if record.EntityID == c.failEntity {
			return nil, errors.New("batch rejected")
		}
		if record.EntityID == c.panicEntity {
			panic("upsert client crashed")
		}
		results = append(results, UpsertResult{
			EntityID:   record.EntityID,
			ExternalID: "ext-" + record.EntityID,
			Succeeded:  record.EntityID != c.rejectID,
			Message:    "",
		})
	}
	return results, nil
}

func (c *stubCRM) SearchChangedSince(_ context.Context, _ time.Time, limit int) ([]CRMRecord, error) {
	if c.panicSearch {
		panic("search client crashed")
	}
	if c.searchErr != nil {
		return nil, c.searchErr
	}
	if len(c.records) > limit {
		return c.records[:limit], nil
	}
	return c.records, nil
}

func (c *stubCRM) ListIdentities(context.Context, time.Time, int) ([]string, error) {
	if c.panicList {
		panic("identity client crashed")
	}
	return c.identities, c.listErr
}

func (c *stubCRM) batchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}
