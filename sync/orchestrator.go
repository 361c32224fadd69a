package sync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/edulure/go-relay/core"
)

const entityTypeContact = "contact"

// Integration binds a CRM client to its batch and window settings.
type Integration struct {
	Client    CRMClient
	BatchSize int
	Window    time.Duration
}

type Option func(*Orchestrator)

func WithIntegration(integration Integration) Option {
	return func(o *Orchestrator) {
		if integration.Client == nil {
			return
		}
		o.integrations[strings.ToLower(integration.Client.Integration())] = integration
	}
}

// WithJobLocker adds a cross-process lease on top of the in-process guard.
func WithJobLocker(locker JobLocker) Option {
	return func(o *Orchestrator) {
		o.locker = locker
	}
}

func WithLogger(logger core.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

func WithMetrics(metrics core.MetricsRecorder) Option {
	return func(o *Orchestrator) {
		o.metrics = metrics
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

type Orchestrator struct {
	runs    core.SyncRunStore
	reports core.ReconciliationStore
	source  CandidateSource
	config  core.OrchestratorConfig

	integrations map[string]Integration
	guard        *jobGuard
	locker       JobLocker
	logger       core.Logger
	metrics      core.MetricsRecorder
	observer     *core.Observer
	now          func() time.Time
}

func NewOrchestrator(
	runs core.SyncRunStore,
	reports core.ReconciliationStore,
	source CandidateSource,
	config core.OrchestratorConfig,
	opts ...Option,
) (*Orchestrator, error) {
	if runs == nil {
		return nil, fmt.Errorf("sync: sync run store is required")
	}
	if reports == nil {
		return nil, fmt.Errorf("sync: reconciliation store is required")
	}
	if source == nil {
		return nil, fmt.Errorf("sync: candidate source is required")
	}
	config = withOrchestratorDefaults(config)
	orchestrator := &Orchestrator{
		runs:         runs,
		reports:      reports,
		source:       source,
		config:       config,
		integrations: map[string]Integration{},
		guard:        newJobGuard(config.MaxConcurrentJobs),
		now:          core.SystemNow,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(orchestrator)
		}
	}
	orchestrator.observer = core.NewObserver("relay.orchestrator", orchestrator.logger, orchestrator.metrics)
	return orchestrator, nil
}

func withOrchestratorDefaults(config core.OrchestratorConfig) core.OrchestratorConfig {
	defaults := core.DefaultConfig().Orchestrator
	if config.MaxConcurrentJobs <= 0 {
		config.MaxConcurrentJobs = defaults.MaxConcurrentJobs
	}
	if config.BatchConcurrency <= 0 {
		config.BatchConcurrency = defaults.BatchConcurrency
	}
	if config.MaxInboundPages <= 0 {
		config.MaxInboundPages = defaults.MaxInboundPages
	}
	if config.ReconciliationSampleSize <= 0 {
		config.ReconciliationSampleSize = defaults.ReconciliationSampleSize
	}
	if config.ReconciliationWindowHours <= 0 {
		config.ReconciliationWindowHours = defaults.ReconciliationWindowHours
	}
	if config.LockTTLSeconds <= 0 {
		config.LockTTLSeconds = defaults.LockTTLSeconds
	}
	if config.InboundSampleSize < 0 {
		config.InboundSampleSize = 0
	}
	return config
}

// Integrations lists the registered integration names in sorted order.
func (o *Orchestrator) Integrations() []string {
	names := make([]string, 0, len(o.integrations))
	for name := range o.integrations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunningJobs returns the keys currently held by the guard with their start times.
func (o *Orchestrator) RunningJobs() map[string]time.Time {
	return o.guard.snapshot()
}

// ExecuteJob runs handler under key. It returns false with a job-busy error
// when the key is already running, the slots are saturated or the lease is
// held elsewhere. The slot is released on return, including after a panic.
func (o *Orchestrator) ExecuteJob(
	ctx context.Context,
	key string,
	handler func(context.Context) error,
) (ran bool, err error) {
	if o == nil || o.guard == nil {
		return false, fmt.Errorf("sync: orchestrator is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return false, core.ValidationError("job", "job key is required")
	}
	if handler == nil {
		return false, core.ValidationError("handler", "job handler is required")
	}

	release, err := o.guard.acquire(key, o.now())
	if err != nil {
		o.observer.Info(ctx, "job skipped", map[string]any{"job": key, "reason": err.Error()})
		return false, err
	}
	defer release()

	if o.locker != nil {
		unlock, lockErr := o.locker.Acquire(ctx, "relay:job:"+key, time.Duration(o.config.LockTTLSeconds)*time.Second)
		if lockErr != nil {
			o.observer.Info(ctx, "job lease not obtained", map[string]any{"job": key, "reason": lockErr.Error()})
			return false, lockErr
		}
		defer func() {
			if unlockErr := unlock(context.WithoutCancel(ctx)); unlockErr != nil {
				o.observer.Warn(ctx, "job lease release failed", map[string]any{"job": key, "error": unlockErr.Error()})
			}
		}()
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			ran = true
			err = fmt.Errorf("sync: job %s panicked: %v", key, recovered)
		}
	}()
	return true, handler(ctx)
}

// RunJob executes one of the scheduled job keys under the guard.
func (o *Orchestrator) RunJob(ctx context.Context, key string, trigger core.SyncTrigger) (bool, error) {
	switch key {
	case JobKeyHubSpotSync:
		return o.SyncIntegration(ctx, core.IntegrationHubSpot, trigger)
	case JobKeySalesforceSync:
		return o.SyncIntegration(ctx, core.IntegrationSalesforce, trigger)
	case JobKeyReconciliation:
		return o.RunReconciliation(ctx, trigger)
	default:
		return false, core.ValidationError("job", fmt.Sprintf("unknown job %q", key))
	}
}

// SyncIntegration runs a guarded delta sync for integration.
func (o *Orchestrator) SyncIntegration(ctx context.Context, integration string, trigger core.SyncTrigger) (bool, error) {
	integration = strings.ToLower(strings.TrimSpace(integration))
	return o.ExecuteJob(ctx, integration+"_sync", func(ctx context.Context) error {
		_, err := o.RunDeltaSync(ctx, integration, trigger)
		return err
	})
}

// RunReconciliation runs a guarded reconciliation across every integration.
func (o *Orchestrator) RunReconciliation(ctx context.Context, trigger core.SyncTrigger) (bool, error) {
	return o.ExecuteJob(ctx, JobKeyReconciliation, func(ctx context.Context) error {
		_, err := o.Reconcile(ctx, trigger)
		return err
	})
}

// RunDeltaSync pushes candidates changed since the last successful run to
// integration. The run row is always finalized with counts and duration.
func (o *Orchestrator) RunDeltaSync(
	ctx context.Context,
	integration string,
	trigger core.SyncTrigger,
) (run core.IntegrationSyncRun, err error) {
	integration = strings.ToLower(strings.TrimSpace(integration))
	binding, ok := o.integrations[integration]
	if !ok {
		return core.IntegrationSyncRun{}, core.ValidationError("integration", fmt.Sprintf("integration %q is not configured", integration))
	}
	if trigger == "" {
		trigger = core.SyncTriggerManual
	}

	ctx, span := core.StartSpan(ctx, "relay.sync.delta", attribute.String("relay.integration", integration))
	startedAt := time.Now()
	defer func() {
		core.EndSpan(span, err)
		o.observer.Observe(ctx, startedAt, "run", err, map[string]any{
			"integration": integration,
			"sync_type":   string(core.SyncTypeDelta),
			"run_id":      run.ID,
			"status":      string(run.Status),
		})
	}()

	now := o.now()
	windowStart := now.Add(-binding.window())
	last, found, err := o.runs.LastSuccessfulRun(ctx, integration, core.SyncTypeDelta)
	if err != nil {
		return core.IntegrationSyncRun{}, err
	}
	if found && last.FinishedAt != nil && last.FinishedAt.Before(now) {
		windowStart = last.FinishedAt.UTC()
	}

	run, err = o.runs.CreateRun(ctx, core.IntegrationSyncRun{
		Integration:   integration,
		SyncType:      core.SyncTypeDelta,
		TriggeredBy:   trigger,
		CorrelationID: uuid.NewString(),
		WindowStartAt: windowStart,
		WindowEndAt:   now,
		Status:        core.SyncRunStatusRunning,
		StartedAt:     now,
		Metadata:      map[string]any{},
	})
	if err != nil {
		return core.IntegrationSyncRun{}, err
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			run, err = o.finishRun(ctx, run, fmt.Errorf("sync: delta run panicked: %v", recovered))
		}
	}()

	runErr := o.pushCandidates(ctx, binding, &run)
	if runErr == nil {
		o.pullInboundSample(ctx, binding, &run)
	}
	return o.finishRun(ctx, run, runErr)
}

func (o *Orchestrator) pushCandidates(ctx context.Context, binding Integration, run *core.IntegrationSyncRun) error {
	candidates, err := o.source.ChangedSince(ctx, run.WindowStartAt, run.WindowEndAt)
	if err != nil {
		return fmt.Errorf("sync: load candidates: %w", err)
	}

	integration := run.Integration
	results := make([]core.IntegrationSyncResult, 0, len(candidates))
	records := make([]UpsertRecord, 0, len(candidates))
	for _, candidate := range candidates {
		if candidate.EntityType == "" {
			candidate.EntityType = entityTypeContact
		}
		key := CandidateKey(integration, candidate)
		if NormalizeEmail(candidate.Email) == "" {
			results = append(results, core.IntegrationSyncResult{
				SyncRunID:      run.ID,
				EntityType:     candidate.EntityType,
				EntityID:       candidate.EntityID,
				Direction:      core.SyncDirectionOutbound,
				Status:         core.SyncResultStatusSkipped,
				Message:        "candidate has no email",
				IdempotencyKey: key,
			})
			run.RecordsSkipped++
			continue
		}
		records = append(records, UpsertRecord{Candidate: candidate, IdempotencyKey: key})
	}

	batches := chunk(records, binding.batchSize())
	batchResults := make([][]core.IntegrationSyncResult, len(batches))
	var group errgroup.Group
	group.SetLimit(o.config.BatchConcurrency)
	for index, batch := range batches {
		group.Go(func() error {
			batchResults[index] = o.pushBatch(ctx, binding, run.ID, batch)
			return nil
		})
	}
	_ = group.Wait()

	for _, batch := range batchResults {
		for _, result := range batch {
			switch result.Status {
			case core.SyncResultStatusSucceeded:
				run.RecordsPushed++
			case core.SyncResultStatusFailed:
				run.RecordsFailed++
			}
			results = append(results, result)
		}
	}
	o.observer.Count(ctx, "records", int64(run.RecordsPushed), map[string]string{
		"integration": integration, "direction": string(core.SyncDirectionOutbound), "status": "succeeded",
	})
	o.observer.Count(ctx, "records", int64(run.RecordsFailed), map[string]string{
		"integration": integration, "direction": string(core.SyncDirectionOutbound), "status": "failed",
	})

	if err := o.runs.AppendResults(ctx, results); err != nil {
		return fmt.Errorf("sync: persist results: %w", err)
	}
	return nil
}

func (o *Orchestrator) pushBatch(
	ctx context.Context,
	binding Integration,
	runID string,
	batch []UpsertRecord,
) []core.IntegrationSyncResult {
	results := make([]core.IntegrationSyncResult, 0, len(batch))
	upserted, err := upsertBatch(ctx, binding.Client, batch)
	byEntity := make(map[string]UpsertResult, len(upserted))
	for _, result := range upserted {
		byEntity[result.EntityID] = result
	}
	for _, record := range batch {
		row := core.IntegrationSyncResult{
			SyncRunID:      runID,
			EntityType:     record.EntityType,
			EntityID:       record.EntityID,
			Direction:      core.SyncDirectionOutbound,
			IdempotencyKey: record.IdempotencyKey,
			Payload:        map[string]any{"email": NormalizeEmail(record.Email)},
		}
		result, ok := byEntity[record.EntityID]
		switch {
		case err != nil:
			row.Status = core.SyncResultStatusFailed
			row.Message = err.Error()
		case !ok:
			row.Status = core.SyncResultStatusFailed
			row.Message = "no result returned for record"
		case result.Succeeded:
			row.Status = core.SyncResultStatusSucceeded
			row.ExternalID = result.ExternalID
			row.Message = result.Message
		default:
			row.Status = core.SyncResultStatusFailed
			row.ExternalID = result.ExternalID
			row.Message = result.Message
		}
		results = append(results, row)
	}
	if err != nil {
		o.observer.Warn(ctx, "integration batch failed", map[string]any{
			"integration": binding.Client.Integration(),
			"run_id":      runID,
			"size":        len(batch),
			"error":       err.Error(),
		})
	}
	return results
}

// pullInboundSample reads a bounded sample of remote changes for observability.
// Failures are recorded on the run metadata and never fail the run.
func (o *Orchestrator) pullInboundSample(ctx context.Context, binding Integration, run *core.IntegrationSyncRun) {
	if o.config.InboundSampleSize == 0 {
		return
	}
	records, err := binding.Client.SearchChangedSince(ctx, run.WindowStartAt, o.config.InboundSampleSize)
	if err != nil {
		run.Metadata["inbound_error"] = err.Error()
		o.observer.Warn(ctx, "inbound sample failed", map[string]any{
			"integration": run.Integration,
			"run_id":      run.ID,
			"error":       err.Error(),
		})
		return
	}
	if len(records) > o.config.InboundSampleSize {
		records = records[:o.config.InboundSampleSize]
	}
	results := make([]core.IntegrationSyncResult, 0, len(records))
	for _, record := range records {
		results = append(results, core.IntegrationSyncResult{
			SyncRunID:  run.ID,
			EntityType: entityTypeContact,
			ExternalID: record.ExternalID,
			Direction:  core.SyncDirectionInbound,
			Status:     core.SyncResultStatusSucceeded,
			Payload:    map[string]any{"email": NormalizeEmail(record.Email)},
		})
	}
	if err := o.runs.AppendResults(ctx, results); err != nil {
		run.Metadata["inbound_error"] = err.Error()
		return
	}
	run.RecordsPulled = len(results)
}

func (o *Orchestrator) finishRun(
	ctx context.Context,
	run core.IntegrationSyncRun,
	runErr error,
) (core.IntegrationSyncRun, error) {
	finishedAt := o.now()
	run.FinishedAt = &finishedAt
	run.DurationMs = finishedAt.Sub(run.StartedAt).Milliseconds()
	switch {
	case runErr != nil:
		run.Status = core.SyncRunStatusFailed
		run.LastError = runErr.Error()
	case run.RecordsFailed > 0:
		run.Status = core.SyncRunStatusPartial
	default:
		run.Status = core.SyncRunStatusSucceeded
	}
	// Finalizing must survive a cancelled job context.
	if err := o.runs.FinishRun(context.WithoutCancel(ctx), run); err != nil {
		return run, joinErrors(runErr, err)
	}
	return run, runErr
}

// Reconcile compares local and remote identity sets for every integration and
// stores one report per integration. A failing integration is recorded on its
// own run and does not stop the others.
func (o *Orchestrator) Reconcile(
	ctx context.Context,
	trigger core.SyncTrigger,
) (reports []core.ReconciliationReport, err error) {
	if trigger == "" {
		trigger = core.SyncTriggerManual
	}
	ctx, span := core.StartSpan(ctx, "relay.sync.reconcile")
	defer func() { core.EndSpan(span, err) }()

	for _, name := range o.Integrations() {
		report, reconcileErr := o.reconcileIntegration(ctx, name, o.integrations[name], trigger)
		if reconcileErr != nil {
			err = joinErrors(err, fmt.Errorf("sync: reconcile %s: %w", name, reconcileErr))
			continue
		}
		reports = append(reports, report)
	}
	return reports, err
}

func (o *Orchestrator) reconcileIntegration(
	ctx context.Context,
	integration string,
	binding Integration,
	trigger core.SyncTrigger,
) (report core.ReconciliationReport, err error) {
	startedAt := time.Now()
	defer func() {
		o.observer.Observe(ctx, startedAt, "reconcile", err, map[string]any{
			"integration": integration,
			"sync_type":   string(core.SyncTypeReconciliation),
			"mismatches":  report.MismatchCount,
		})
	}()

	now := o.now()
	since := now.Add(-time.Duration(o.config.ReconciliationWindowHours) * time.Hour)
	run, err := o.runs.CreateRun(ctx, core.IntegrationSyncRun{
		Integration:   integration,
		SyncType:      core.SyncTypeReconciliation,
		TriggeredBy:   trigger,
		CorrelationID: uuid.NewString(),
		WindowStartAt: since,
		WindowEndAt:   now,
		Status:        core.SyncRunStatusRunning,
		StartedAt:     now,
		Metadata:      map[string]any{},
	})
	if err != nil {
		return core.ReconciliationReport{}, err
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			_, err = o.finishRun(ctx, run, fmt.Errorf("sync: reconcile panicked: %v", recovered))
			report = core.ReconciliationReport{}
		}
	}()

	local, err := o.source.IdentitiesSince(ctx, since)
	if err != nil {
		_, finishErr := o.finishRun(ctx, run, fmt.Errorf("load local identities: %w", err))
		return core.ReconciliationReport{}, finishErr
	}
	remote, err := binding.Client.ListIdentities(ctx, since, o.config.MaxInboundPages)
	if err != nil {
		_, finishErr := o.finishRun(ctx, run, fmt.Errorf("load remote identities: %w", err))
		return core.ReconciliationReport{}, finishErr
	}

	localSet := identitySet(local)
	remoteSet := identitySet(remote)
	missingInIntegration := difference(localSet, remoteSet)
	missingInPlatform := difference(remoteSet, localSet)

	report = core.ReconciliationReport{
		Integration:          integration,
		SyncRunID:            run.ID,
		ReportDate:           now,
		MismatchCount:        len(missingInIntegration) + len(missingInPlatform),
		MissingInIntegration: capSample(missingInIntegration, o.config.ReconciliationSampleSize),
		MissingInPlatform:    capSample(missingInPlatform, o.config.ReconciliationSampleSize),
		LocalCount:           len(localSet),
		RemoteCount:          len(remoteSet),
		Metadata: map[string]any{
			"missing_in_integration_total": len(missingInIntegration),
			"missing_in_platform_total":    len(missingInPlatform),
		},
	}
	report, err = o.reports.SaveReport(ctx, report)
	if err != nil {
		_, finishErr := o.finishRun(ctx, run, fmt.Errorf("save report: %w", err))
		return core.ReconciliationReport{}, finishErr
	}

	run.RecordsPulled = len(remoteSet)
	run.Metadata["report_id"] = report.ID
	run.Metadata["mismatch_count"] = report.MismatchCount
	if _, err := o.finishRun(ctx, run, nil); err != nil {
		return report, err
	}
	if report.MismatchCount > 0 {
		o.observer.Warn(ctx, "reconciliation mismatches found", map[string]any{
			"integration": integration,
			"mismatches":  report.MismatchCount,
		})
	}
	return report, nil
}

// upsertBatch turns a client panic into a batch error so the other batches of
// the run still complete.
func upsertBatch(ctx context.Context, client CRMClient, batch []UpsertRecord) (results []UpsertResult, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			results, err = nil, fmt.Errorf("sync: upsert panicked: %v", recovered)
		}
	}()
	return client.UpsertBatch(ctx, batch)
}

func (i Integration) batchSize() int {
	if i.BatchSize > 0 {
		return i.BatchSize
	}
	return 25
}

func (i Integration) window() time.Duration {
	if i.Window > 0 {
		return i.Window
	}
	return 90 * time.Minute
}

func chunk(records []UpsertRecord, size int) [][]UpsertRecord {
	if len(records) == 0 {
		return nil
	}
	batches := make([][]UpsertRecord, 0, (len(records)+size-1)/size)
	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		batches = append(batches, records[start:end])
	}
	return batches
}

func identitySet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, value := range values {
		if normalized := NormalizeEmail(value); normalized != "" {
			set[normalized] = struct{}{}
		}
	}
	return set
}

// difference returns the sorted members of left that are absent from right.
func difference(left map[string]struct{}, right map[string]struct{}) []string {
	out := make([]string, 0)
	for value := range left {
		if _, ok := right[value]; !ok {
			out = append(out, value)
		}
	}
	sort.Strings(out)
	return out
}

func capSample(values []string, limit int) []string {
	if limit > 0 && len(values) > limit {
		return values[:limit]
	}
	return values
}

func joinErrors(existing error, next error) error {
	if existing == nil {
		return next
	}
	if next == nil {
		return existing
	}
	return fmt.Errorf("%w; %v", existing, next)
}
