package sqlstore_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"strings"
	gosync "sync"
	"testing"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"github.com/edulure/go-relay/core"
	"github.com/edulure/go-relay/events"
	relaymigrations "github.com/edulure/go-relay/migrations"
	sqlstore "github.com/edulure/go-relay/store/sql"
	"github.com/edulure/go-relay/sync"
	"github.com/edulure/go-relay/webhooks"
)

type testPersistenceConfig struct {
	driver string
	server string
}

func (c testPersistenceConfig) GetDebug() bool {
	return false
}

func (c testPersistenceConfig) GetDriver() string {
	return c.driver
}

func (c testPersistenceConfig) GetServer() string {
	return c.server
}

func (c testPersistenceConfig) GetPingTimeout() time.Duration {
	return time.Second
}

func (c testPersistenceConfig) GetOtelIdentifier() string {
	return "go-relay-tests"
}

func TestMigrationSmokeApplySQLite(t *testing.T) {
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	var tableName string
	if err := client.DB().NewRaw(
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?",
		"relay_webhook_deliveries",
	).Scan(context.Background(), &tableName); err != nil {
		t.Fatalf("query sqlite_master: %v", err)
	}
	if tableName != "relay_webhook_deliveries" {
		t.Fatalf("expected relay_webhook_deliveries table, got %q", tableName)
	}
}

func TestDomainEventStore_RecordAndFind(t *testing.T) {
	factory, cleanup := newFactory(t)
	defer cleanup()
	ctx := context.Background()

	event, dispatch, err := factory.DomainEventRecorder().Record(ctx, core.DomainEvent{
		ID:          "evt_course_1",
		EventType:   "course.published",
		EntityType:  "course",
		EntityID:    "course_1",
		Payload:     json.RawMessage(`{"title":"Go Basics"}`),
		PerformedBy: "user_9",
		Metadata:    map[string]any{"tenant": "acme"},
	})
	if err != nil {
		t.Fatalf("record event: %v", err)
	}
	if dispatch.EventID != event.ID || dispatch.Status != core.DispatchStatusPending {
		t.Fatalf("expected pending dispatch for event, got %+v", dispatch)
	}

	found, ok, err := factory.DomainEventStore().FindByID(ctx, "evt_course_1")
	if err != nil || !ok {
		t.Fatalf("find event: ok=%v err=%v", ok, err)
	}
	if found.EntityID != "course_1" || string(found.Payload) != `{"title":"Go Basics"}` || found.Metadata["tenant"] != "acme" {
		t.Fatalf("unexpected stored event %+v", found)
	}

	if _, _, err := factory.DomainEventRecorder().Record(ctx, core.DomainEvent{ID: "evt_course_1", EventType: "course.published"}); !core.IsTextCode(err, core.ErrorConflict) {
		t.Fatalf("expected duplicate event conflict, got %v", err)
	}
	if _, ok, err := factory.DomainEventStore().FindByID(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing event to report not found, got ok=%v err=%v", ok, err)
	}
	if _, _, err := factory.DomainEventRecorder().Record(ctx, core.DomainEvent{}); !core.IsTextCode(err, core.ErrorBadInput) {
		t.Fatalf("expected validation error for empty event type, got %v", err)
	}
}

func TestDispatchStore_ClaimFailRequeueAndRecover(t *testing.T) {
	factory, cleanup := newFactory(t)
	defer cleanup()
	ctx := context.Background()
	dispatches := factory.DispatchStore()

	first := recordEvent(t, factory, "evt_1", "user.created")
	second := recordEvent(t, factory, "evt_2", "user.updated")
	now := time.Now().UTC().Add(time.Minute).Truncate(time.Second)

	pending, err := dispatches.CountPending(ctx, now)
	if err != nil || pending != 2 {
		t.Fatalf("expected two pending dispatches, got %d (%v)", pending, err)
	}

	claimed, err := dispatches.ClaimBatch(ctx, "worker-a", 1, now)
	if err != nil {
		t.Fatalf("claim batch: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != first.ID {
		t.Fatalf("expected oldest dispatch to be claimed first, got %+v", claimed)
	}
	if claimed[0].Status != core.DispatchStatusProcessing || claimed[0].WorkerID != "worker-a" || claimed[0].ClaimedAt == nil {
		t.Fatalf("expected claim stamps on dispatch, got %+v", claimed[0])
	}

	if err := dispatches.MarkFailed(ctx, first.ID, core.DispatchFailed{
		WorkerID:     "worker-a",
		AttemptCount: 8,
		Cause:        errors.New("bus unavailable"),
	}); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	failed, err := dispatches.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("get failed dispatch: %v", err)
	}
	if failed.Status != core.DispatchStatusFailed || failed.LastError != "bus unavailable" || failed.WorkerID != "" {
		t.Fatalf("expected terminal failure, got %+v", failed)
	}

	if err := dispatches.Requeue(ctx, first.ID, now); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	requeued, err := dispatches.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("get requeued dispatch: %v", err)
	}
	if requeued.Status != core.DispatchStatusPending || requeued.AttemptCount != 0 {
		t.Fatalf("expected fresh pending dispatch after requeue, got %+v", requeued)
	}
	if err := dispatches.Requeue(ctx, first.ID, now); !core.IsTextCode(err, core.ErrorConflict) {
		t.Fatalf("expected conflict when requeueing a pending dispatch, got %v", err)
	}

	claimed, err = dispatches.ClaimBatch(ctx, "worker-b", 10, now)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected both dispatches to be claimable, got %d", len(claimed))
	}
	recovered, err := dispatches.RecoverStuck(ctx, now.Add(time.Second), now.Add(2*time.Second))
	if err != nil || recovered != 2 {
		t.Fatalf("expected two stuck dispatches recovered, got %d (%v)", recovered, err)
	}

	if err := dispatches.MarkDelivered(ctx, second.ID, core.DispatchDelivered{WorkerID: "worker-b", AttemptCount: 1}); !core.IsTextCode(err, core.ErrorLeaseLost) {
		t.Fatalf("expected recovered claim to reject its old worker, got %v", err)
	}
	reclaimed, err := dispatches.ClaimBatch(ctx, "worker-c", 10, now.Add(3*time.Second))
	if err != nil || len(reclaimed) != 2 {
		t.Fatalf("expected recovered dispatches to be claimable, got %d (%v)", len(reclaimed), err)
	}
	if err := dispatches.MarkDelivered(ctx, second.ID, core.DispatchDelivered{
		WorkerID:       "worker-c",
		AttemptCount:   1,
		WebhookEventID: "whe_1",
		Reason:         "no_subscribers",
		At:             now,
	}); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	retryAt := now.Add(time.Minute)
	if err := dispatches.MarkFailed(ctx, second.ID, core.DispatchFailed{
		WorkerID:        "worker-b",
		AttemptCount:    2,
		Cause:           errors.New("late timeout"),
		NextAvailableAt: &retryAt,
	}); !core.IsTextCode(err, core.ErrorLeaseLost) {
		t.Fatalf("expected stale worker failure to be rejected, got %v", err)
	}
	delivered, err := dispatches.Get(ctx, second.ID)
	if err != nil {
		t.Fatalf("get delivered dispatch: %v", err)
	}
	if delivered.Status != core.DispatchStatusDelivered || delivered.WebhookEventID != "whe_1" || delivered.DeliveredAt == nil || delivered.NextAvailableAt != nil {
		t.Fatalf("unexpected delivered dispatch %+v", delivered)
	}
	if delivered.Metadata["reason"] != "no_subscribers" {
		t.Fatalf("expected delivery reason in metadata, got %+v", delivered.Metadata)
	}
	if _, err := dispatches.Get(ctx, "missing"); !core.IsTextCode(err, core.ErrorNotFound) {
		t.Fatalf("expected not found for missing dispatch, got %v", err)
	}
}

func TestSubscriptionStore_UpsertKeepsHealthAndMatchesFilters(t *testing.T) {
	factory, cleanup := newFactory(t)
	defer cleanup()
	ctx := context.Background()
	subscriptions := factory.SubscriptionStore()

	crm := upsertSubscription(t, factory, core.WebhookSubscription{
		ID:         "sub_crm",
		Name:       "CRM",
		TargetURL:  "https://crm.example.test/hooks",
		EventTypes: []string{"user.*"},
		Active:     true,
	})
	upsertSubscription(t, factory, core.WebhookSubscription{
		ID:         "sub_archive",
		TargetURL:  "https://archive.example.test/hooks",
		EventTypes: []string{"*"},
		Active:     false,
	})

	for i := 0; i < 2; i++ {
		if _, err := subscriptions.RecordFailure(ctx, crm.ID, time.Now()); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}
	until := time.Now().UTC().Add(10 * time.Minute).Truncate(time.Second)
	if err := subscriptions.OpenCircuit(ctx, crm.ID, until); err != nil {
		t.Fatalf("open circuit: %v", err)
	}

	crm.Name = "CRM v2"
	updated, err := subscriptions.Upsert(ctx, crm)
	if err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	if updated.Name != "CRM v2" || updated.ConsecutiveFailures != 2 {
		t.Fatalf("expected config update to keep health counters, got %+v", updated)
	}
	if updated.CircuitOpenUntil == nil || !updated.CircuitOpenUntil.Equal(until) {
		t.Fatalf("expected circuit window to survive upsert, got %v", updated.CircuitOpenUntil)
	}

	matching, err := subscriptions.ListMatching(ctx, "user.created")
	if err != nil {
		t.Fatalf("list matching: %v", err)
	}
	if len(matching) != 1 || matching[0].ID != "sub_crm" {
		t.Fatalf("expected only the active wildcard subscription, got %+v", matching)
	}
	if matching, _ := subscriptions.ListMatching(ctx, "course.published"); len(matching) != 0 {
		t.Fatalf("expected no match for course events, got %+v", matching)
	}

	if err := subscriptions.RecordSuccess(ctx, crm.ID, time.Now()); err != nil {
		t.Fatalf("record success: %v", err)
	}
	healed, err := subscriptions.Get(ctx, crm.ID)
	if err != nil {
		t.Fatalf("get healed subscription: %v", err)
	}
	if healed.ConsecutiveFailures != 0 || healed.CircuitOpenUntil != nil || healed.LastSuccessAt == nil {
		t.Fatalf("expected success to close the circuit, got %+v", healed)
	}

	if _, err := subscriptions.Upsert(ctx, core.WebhookSubscription{ID: "sub_bad", TargetURL: "https://x.test", EventTypes: []string{"*"}}); !core.IsTextCode(err, core.ErrorBadInput) {
		t.Fatalf("expected missing signing secret to fail validation, got %v", err)
	}
}

func TestWebhookStore_DeliveryLedger(t *testing.T) {
	factory, cleanup := newFactory(t)
	defer cleanup()
	ctx := context.Background()
	store := factory.WebhookStore()

	upsertSubscription(t, factory, core.WebhookSubscription{ID: "sub_a", TargetURL: "https://a.test", EventTypes: []string{"*"}, Active: true})
	upsertSubscription(t, factory, core.WebhookSubscription{ID: "sub_b", TargetURL: "https://b.test", EventTypes: []string{"*"}, Active: true})

	queuedAt := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	event, err := store.CreateEvent(ctx, core.WebhookEvent{
		EventUUID:     "uuid-evt-1",
		EventType:     "enrollment.completed",
		Source:        core.SourceDomainEvents,
		Payload:       json.RawMessage(`{"enrollment":"enr_1"}`),
		FirstQueuedAt: queuedAt,
	}, []core.WebhookDelivery{
		{DeliveryUUID: "uuid-del-a", SubscriptionID: "sub_a", MaxAttempts: 3, NextAttemptAt: &queuedAt},
		{DeliveryUUID: "uuid-del-b", SubscriptionID: "sub_b", MaxAttempts: 3, NextAttemptAt: &queuedAt},
	})
	if err != nil {
		t.Fatalf("create event: %v", err)
	}
	if event.Status != core.WebhookEventStatusQueued {
		t.Fatalf("expected queued event, got %s", event.Status)
	}
	if _, err := store.CreateEvent(ctx, core.WebhookEvent{EventUUID: "uuid-evt-1", EventType: "enrollment.completed"}, nil); !core.IsTextCode(err, core.ErrorConflict) {
		t.Fatalf("expected duplicate event uuid conflict, got %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	claimed, err := store.ClaimDueDeliveries(ctx, 10, now)
	if err != nil {
		t.Fatalf("claim deliveries: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected two due deliveries, got %d", len(claimed))
	}
	bySubscription := map[string]core.WebhookDelivery{}
	for _, delivery := range claimed {
		if delivery.Status != core.DeliveryStatusDelivering || delivery.LastAttemptAt == nil {
			t.Fatalf("expected claimed delivery to be delivering, got %+v", delivery)
		}
		bySubscription[delivery.SubscriptionID] = delivery
	}
	if again, _ := store.ClaimDueDeliveries(ctx, 10, now); len(again) != 0 {
		t.Fatalf("expected in-flight deliveries to stay claimed, got %d", len(again))
	}

	deliveryA := bySubscription["sub_a"]
	deliveryB := bySubscription["sub_b"]
	if err := store.MarkDeliveryDelivered(ctx, deliveryA.ID, core.DeliveryAttempt{ClaimedAt: deliveryA.LastAttemptAt, AttemptCount: 1, ResponseCode: 204, At: now}); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	if err := store.MarkDeliveryFailed(ctx, deliveryB.ID, core.DeliveryAttempt{ClaimedAt: deliveryB.LastAttemptAt, AttemptCount: 3, ResponseCode: 410, Error: "gone", At: now}, nil); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	deliveries, err := store.ListDeliveries(ctx, event.ID)
	if err != nil {
		t.Fatalf("list deliveries: %v", err)
	}
	if status := core.AggregateWebhookEventStatus(deliveries); status != core.WebhookEventStatusPartial {
		t.Fatalf("expected partial aggregate, got %s", status)
	}
	if err := store.UpdateEventStatus(ctx, event.ID, core.WebhookEventStatusPartial, &now); err != nil {
		t.Fatalf("update event status: %v", err)
	}

	if err := store.RequeueDelivery(ctx, deliveryA.ID, 2, now); !core.IsTextCode(err, core.ErrorConflict) {
		t.Fatalf("expected delivered delivery requeue conflict, got %v", err)
	}
	if err := store.RequeueDelivery(ctx, deliveryB.ID, 2, now); err != nil {
		t.Fatalf("requeue delivery: %v", err)
	}
	revived, err := store.GetDelivery(ctx, deliveryB.ID)
	if err != nil {
		t.Fatalf("get revived delivery: %v", err)
	}
	if revived.Status != core.DeliveryStatusPending || revived.MaxAttempts != 5 || revived.AttemptCount != 3 {
		t.Fatalf("expected pending delivery with extended ceiling, got %+v", revived)
	}
	reopened, err := store.GetEvent(ctx, event.ID)
	if err != nil {
		t.Fatalf("get reopened event: %v", err)
	}
	if reopened.Status != core.WebhookEventStatusProcessing || reopened.CompletedAt != nil {
		t.Fatalf("expected requeue to reopen the event, got %+v", reopened)
	}

	later := now.Add(time.Minute)
	claimed, err = store.ClaimDueDeliveries(ctx, 10, later)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("expected revived delivery to be claimable, got %d (%v)", len(claimed), err)
	}
	if err := store.DeferDelivery(ctx, deliveryB.ID, claimed[0].LastAttemptAt, later.Add(time.Hour)); err != nil {
		t.Fatalf("defer delivery: %v", err)
	}
	if deferred, _ := store.ClaimDueDeliveries(ctx, 10, later.Add(time.Minute)); len(deferred) != 0 {
		t.Fatalf("expected deferred delivery to wait for its window, got %d", len(deferred))
	}

	claimed, err = store.ClaimDueDeliveries(ctx, 10, later.Add(2*time.Hour))
	if err != nil || len(claimed) != 1 {
		t.Fatalf("expected deferred delivery after window, got %d (%v)", len(claimed), err)
	}
	recovered, err := store.RecoverStuckDeliveries(ctx, later.Add(3*time.Hour), later.Add(3*time.Hour))
	if err != nil || recovered != 1 {
		t.Fatalf("expected stuck delivery recovered, got %d (%v)", recovered, err)
	}
	stuck, err := store.GetDelivery(ctx, deliveryB.ID)
	if err != nil {
		t.Fatalf("get recovered delivery: %v", err)
	}
	if stuck.Status != core.DeliveryStatusPending || stuck.AttemptCount != 3 {
		t.Fatalf("expected recovered delivery to keep its attempt count, got %+v", stuck)
	}

	staleClaim := claimed[0].LastAttemptAt
	current, err := store.ClaimDueDeliveries(ctx, 10, later.Add(4*time.Hour))
	if err != nil || len(current) != 1 {
		t.Fatalf("expected recovered delivery to be claimed again, got %d (%v)", len(current), err)
	}
	retryAt := later.Add(5 * time.Hour)
	if err := store.MarkDeliveryFailed(ctx, deliveryB.ID, core.DeliveryAttempt{ClaimedAt: staleClaim, AttemptCount: 4, Error: "late timeout"}, &retryAt); !core.IsTextCode(err, core.ErrorLeaseLost) {
		t.Fatalf("expected stale claim to be rejected, got %v", err)
	}
	if err := store.MarkDeliveryDelivered(ctx, deliveryB.ID, core.DeliveryAttempt{ClaimedAt: current[0].LastAttemptAt, AttemptCount: 4, ResponseCode: 200}); err != nil {
		t.Fatalf("mark delivered by current claim: %v", err)
	}
	if err := store.MarkDeliveryFailed(ctx, deliveryB.ID, core.DeliveryAttempt{ClaimedAt: staleClaim, AttemptCount: 4, Error: "late timeout"}, &retryAt); !core.IsTextCode(err, core.ErrorLeaseLost) {
		t.Fatalf("expected stale write after delivery to be rejected, got %v", err)
	}
	settled, err := store.GetDelivery(ctx, deliveryB.ID)
	if err != nil {
		t.Fatalf("get settled delivery: %v", err)
	}
	if settled.Status != core.DeliveryStatusDelivered || settled.NextAttemptAt != nil {
		t.Fatalf("expected delivered delivery to stay terminal, got %+v", settled)
	}
}

func TestSyncRunAndReconciliationStores(t *testing.T) {
	factory, cleanup := newFactory(t)
	defer cleanup()
	ctx := context.Background()
	runs := factory.SyncRunStore()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	older, err := runs.CreateRun(ctx, core.IntegrationSyncRun{
		Integration:   core.IntegrationHubSpot,
		SyncType:      core.SyncTypeDelta,
		TriggeredBy:   core.SyncTriggerScheduler,
		WindowStartAt: base.Add(-90 * time.Minute),
		WindowEndAt:   base,
		StartedAt:     base,
	})
	if err != nil {
		t.Fatalf("create older run: %v", err)
	}
	finishedOlder := base.Add(time.Minute)
	older.Status = core.SyncRunStatusSucceeded
	older.RecordsPushed = 3
	older.FinishedAt = &finishedOlder
	if err := runs.FinishRun(ctx, older); err != nil {
		t.Fatalf("finish older run: %v", err)
	}

	newer, err := runs.CreateRun(ctx, core.IntegrationSyncRun{
		Integration: core.IntegrationHubSpot,
		SyncType:    core.SyncTypeDelta,
		TriggeredBy: core.SyncTriggerManual,
		StartedAt:   base.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create newer run: %v", err)
	}
	finishedNewer := base.Add(61 * time.Minute)
	newer.Status = core.SyncRunStatusPartial
	newer.RecordsFailed = 1
	newer.FinishedAt = &finishedNewer
	newer.LastError = "1 record rejected"
	if err := runs.FinishRun(ctx, newer); err != nil {
		t.Fatalf("finish newer run: %v", err)
	}
	if _, err := runs.CreateRun(ctx, core.IntegrationSyncRun{Integration: core.IntegrationSalesforce, SyncType: core.SyncTypeDelta, StartedAt: base}); err != nil {
		t.Fatalf("create salesforce run: %v", err)
	}

	last, ok, err := runs.LastSuccessfulRun(ctx, core.IntegrationHubSpot, core.SyncTypeDelta)
	if err != nil || !ok {
		t.Fatalf("last successful run: ok=%v err=%v", ok, err)
	}
	if last.ID != older.ID || last.RecordsPushed != 3 {
		t.Fatalf("expected partial runs to be ignored for the watermark, got %+v", last)
	}
	if _, ok, _ := runs.LastSuccessfulRun(ctx, core.IntegrationSalesforce, core.SyncTypeDelta); ok {
		t.Fatalf("expected running salesforce run not to count as successful")
	}

	listed, err := runs.ListRuns(ctx, core.IntegrationHubSpot, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(listed) != 2 || listed[0].ID != newer.ID {
		t.Fatalf("expected newest hubspot run first, got %+v", listed)
	}
	if all, _ := runs.ListRuns(ctx, "", 0); len(all) != 3 {
		t.Fatalf("expected unfiltered listing to include every run, got %d", len(all))
	}
	if err := runs.FinishRun(ctx, core.IntegrationSyncRun{ID: "missing", Status: core.SyncRunStatusFailed}); !core.IsTextCode(err, core.ErrorNotFound) {
		t.Fatalf("expected not found for unknown run, got %v", err)
	}

	if err := runs.AppendResults(ctx, []core.IntegrationSyncResult{
		{SyncRunID: newer.ID, EntityType: "user", EntityID: "u1", Direction: core.SyncDirectionOutbound, Status: core.SyncResultStatusSucceeded, IdempotencyKey: "k1", CreatedAt: finishedNewer},
		{SyncRunID: newer.ID, EntityType: "user", EntityID: "u2", Direction: core.SyncDirectionOutbound, Status: core.SyncResultStatusFailed, Message: "INVALID_EMAIL", CreatedAt: finishedNewer},
	}); err != nil {
		t.Fatalf("append results: %v", err)
	}
	results, err := runs.ListResults(ctx, newer.ID)
	if err != nil {
		t.Fatalf("list results: %v", err)
	}
	if len(results) != 2 || results[0].EntityID != "u1" || results[1].Message != "INVALID_EMAIL" {
		t.Fatalf("unexpected sync results %+v", results)
	}

	reports := factory.ReconciliationStore()
	if _, ok, err := reports.LatestReport(ctx, core.IntegrationHubSpot); err != nil || ok {
		t.Fatalf("expected no report yet, ok=%v err=%v", ok, err)
	}
	for day, missing := range [][]string{{"a@x.io"}, {"b@x.io", "c@x.io"}} {
		if _, err := reports.SaveReport(ctx, core.ReconciliationReport{
			Integration:          core.IntegrationHubSpot,
			SyncRunID:            older.ID,
			ReportDate:           base.AddDate(0, 0, day),
			MismatchCount:        len(missing),
			MissingInIntegration: missing,
			MissingInPlatform:    []string{},
		}); err != nil {
			t.Fatalf("save report %d: %v", day, err)
		}
	}
	latest, ok, err := reports.LatestReport(ctx, core.IntegrationHubSpot)
	if err != nil || !ok {
		t.Fatalf("latest report: ok=%v err=%v", ok, err)
	}
	if latest.MismatchCount != 2 || strings.Join(latest.MissingInIntegration, ",") != "b@x.io,c@x.io" {
		t.Fatalf("expected newest report, got %+v", latest)
	}
}

func TestDeadLetterStore_ListFiltersAndReplay(t *testing.T) {
	factory, cleanup := newFactory(t)
	defer cleanup()
	ctx := context.Background()
	letters := factory.DeadLetterStore()

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	dispatchLetter, err := letters.Record(ctx, core.DeadLetter{
		Source:       core.DeadLetterSourceDispatch,
		ReferenceID:  "dsp_1",
		EventType:    "user.created",
		Reason:       "bus unavailable",
		AttemptCount: 8,
		CreatedAt:    base,
	})
	if err != nil {
		t.Fatalf("record dispatch letter: %v", err)
	}
	deliveryLetter, err := letters.Record(ctx, core.DeadLetter{
		Source:       core.DeadLetterSourceDelivery,
		ReferenceID:  "del_1",
		EventType:    "user.created",
		Payload:      json.RawMessage(`{"id":"u1"}`),
		Reason:       "status 500",
		AttemptCount: 5,
		CreatedAt:    base.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("record delivery letter: %v", err)
	}
	if _, err := letters.Record(ctx, core.DeadLetter{Source: "outbox", ReferenceID: "x"}); !core.IsTextCode(err, core.ErrorBadInput) {
		t.Fatalf("expected unknown source to be rejected, got %v", err)
	}

	listed, err := letters.List(ctx, core.DeadLetterFilter{})
	if err != nil {
		t.Fatalf("list letters: %v", err)
	}
	if len(listed) != 2 || listed[0].ID != deliveryLetter.ID {
		t.Fatalf("expected newest letter first, got %+v", listed)
	}
	onlyDispatch, err := letters.List(ctx, core.DeadLetterFilter{Source: core.DeadLetterSourceDispatch})
	if err != nil || len(onlyDispatch) != 1 || onlyDispatch[0].ID != dispatchLetter.ID {
		t.Fatalf("expected source filter to return the dispatch letter, got %+v (%v)", onlyDispatch, err)
	}

	if err := letters.MarkReplayed(ctx, deliveryLetter.ID, time.Now()); err != nil {
		t.Fatalf("mark replayed: %v", err)
	}
	if open, _ := letters.List(ctx, core.DeadLetterFilter{}); len(open) != 1 {
		t.Fatalf("expected replayed letters to be hidden, got %d", len(open))
	}
	if all, _ := letters.List(ctx, core.DeadLetterFilter{IncludeReplays: true}); len(all) != 2 {
		t.Fatalf("expected replayed letters with IncludeReplays, got %d", len(all))
	}
	replayed, err := letters.Get(ctx, deliveryLetter.ID)
	if err != nil || replayed.ReplayedAt == nil || string(replayed.Payload) != `{"id":"u1"}` {
		t.Fatalf("unexpected replayed letter %+v (%v)", replayed, err)
	}
	if err := letters.MarkReplayed(ctx, "missing", time.Now()); !core.IsTextCode(err, core.ErrorNotFound) {
		t.Fatalf("expected not found for unknown letter, got %v", err)
	}
}

func TestContactSource_WindowAndIdentities(t *testing.T) {
	factory, cleanup := newFactory(t)
	defer cleanup()
	ctx := context.Background()
	contacts := factory.ContactSource()

	base := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)
	seed := []sync.Candidate{
		{EntityType: "user", EntityID: "u1", Email: " Ada@Example.io ", FirstName: "Ada", UpdatedAt: base.Add(-2 * time.Hour)},
		{EntityType: "user", EntityID: "u2", Email: "grace@example.io", Role: "instructor", UpdatedAt: base.Add(-30 * time.Minute)},
		{EntityType: "user", EntityID: "u3", Email: "", UpdatedAt: base.Add(-10 * time.Minute)},
	}
	for _, candidate := range seed {
		if err := contacts.UpsertContact(ctx, candidate); err != nil {
			t.Fatalf("upsert contact %s: %v", candidate.EntityID, err)
		}
	}

	changed, err := contacts.ChangedSince(ctx, base.Add(-time.Hour), base)
	if err != nil {
		t.Fatalf("changed since: %v", err)
	}
	if len(changed) != 2 || changed[0].EntityID != "u2" || changed[0].Role != "instructor" {
		t.Fatalf("expected contacts inside the window oldest first, got %+v", changed)
	}

	identities, err := contacts.IdentitiesSince(ctx, base.Add(-3*time.Hour))
	if err != nil {
		t.Fatalf("identities since: %v", err)
	}
	if strings.Join(identities, ",") != "ada@example.io,grace@example.io" {
		t.Fatalf("expected normalized non-empty identities, got %v", identities)
	}

	if err := contacts.UpsertContact(ctx, sync.Candidate{EntityID: "u1", Email: "ada@new.io", UpdatedAt: base}); err != nil {
		t.Fatalf("update contact: %v", err)
	}
	changed, err = contacts.ChangedSince(ctx, base, base)
	if err != nil || len(changed) != 1 || changed[0].Email != "ada@new.io" {
		t.Fatalf("expected updated contact at window edge, got %+v (%v)", changed, err)
	}
}

func TestEventPipeline_DispatchesAndDeliversThroughSQLStores(t *testing.T) {
	factory, cleanup := newFactory(t)
	defer cleanup()
	ctx := context.Background()

	var (
		mu       gosync.Mutex
		received []http.Header
		bodies   []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		verifier := webhooks.SignatureVerifier{Secret: "whsec_pipeline"}
		if err := verifier.Verify(r.Context(), r.Header, body); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		mu.Lock()
		received = append(received, r.Header.Clone())
		bodies = append(bodies, string(body))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	upsertSubscription(t, factory, core.WebhookSubscription{
		ID:            "sub_pipeline",
		TargetURL:     server.URL,
		SigningSecret: "whsec_pipeline",
		EventTypes:    []string{"enrollment.*"},
		Active:        true,
		MaxAttempts:   3,
	})

	bus, err := webhooks.NewBus(factory.SubscriptionStore(), factory.WebhookStore(), core.BusConfig{},
		webhooks.WithDeadLetterSink(factory.DeadLetterStore()),
	)
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	dispatcher, err := events.NewDispatcher(factory.DomainEventStore(), factory.DispatchStore(), bus, core.DispatcherConfig{WorkerID: "pipeline"},
		events.WithDeadLetterSink(factory.DeadLetterStore()),
	)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	_, dispatch, err := factory.DomainEventRecorder().Record(ctx, core.DomainEvent{
		EventType:  "enrollment.completed",
		EntityType: "enrollment",
		EntityID:   "enr_42",
		Payload:    json.RawMessage(`{"course":"go-101","learner":"u1"}`),
	})
	if err != nil {
		t.Fatalf("record domain event: %v", err)
	}

	dispatchStats, err := dispatcher.Tick(ctx)
	if err != nil {
		t.Fatalf("dispatcher tick: %v", err)
	}
	if dispatchStats.Delivered != 1 {
		t.Fatalf("expected the dispatch to reach the bus, got %+v", dispatchStats)
	}
	forwarded, err := factory.DispatchStore().Get(ctx, dispatch.ID)
	if err != nil {
		t.Fatalf("get dispatch: %v", err)
	}
	if forwarded.Status != core.DispatchStatusDelivered || forwarded.WebhookEventID == "" {
		t.Fatalf("expected dispatch linked to a webhook event, got %+v", forwarded)
	}

	busStats, err := bus.Tick(ctx)
	if err != nil {
		t.Fatalf("bus tick: %v", err)
	}
	if busStats.Delivered != 1 {
		t.Fatalf("expected one delivered webhook, got %+v", busStats)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected one signed request, got %d", len(received))
	}
	if received[0].Get(webhooks.HeaderEvent) != "enrollment.completed" {
		t.Fatalf("unexpected event header %q", received[0].Get(webhooks.HeaderEvent))
	}
	if !strings.Contains(bodies[0], "go-101") {
		t.Fatalf("expected domain event payload in body, got %s", bodies[0])
	}

	event, err := factory.WebhookStore().GetEvent(ctx, forwarded.WebhookEventID)
	if err != nil {
		t.Fatalf("get webhook event: %v", err)
	}
	if event.Status != core.WebhookEventStatusDelivered || event.CompletedAt == nil {
		t.Fatalf("expected delivered webhook event, got %+v", event)
	}
}

func newFactory(t *testing.T, opts ...sqlstore.FactoryOption) (*sqlstore.RepositoryFactory, func()) {
	t.Helper()
	client, cleanup := newSQLiteClient(t)
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client, opts...)
	if err != nil {
		cleanup()
		t.Fatalf("new repository factory: %v", err)
	}
	return factory, cleanup
}

func recordEvent(t *testing.T, factory *sqlstore.RepositoryFactory, id string, eventType string) core.DomainEventDispatch {
	t.Helper()
	_, dispatch, err := factory.DomainEventRecorder().Record(context.Background(), core.DomainEvent{
		ID:        id,
		EventType: eventType,
		Payload:   json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("record %s: %v", id, err)
	}
	// Claim order is by creation time.
	time.Sleep(5 * time.Millisecond)
	return dispatch
}

func upsertSubscription(t *testing.T, factory *sqlstore.RepositoryFactory, subscription core.WebhookSubscription) core.WebhookSubscription {
	t.Helper()
	if subscription.SigningSecret == "" {
		subscription.SigningSecret = "whsec_" + subscription.ID
	}
	stored, err := factory.SubscriptionStore().Upsert(context.Background(), subscription)
	if err != nil {
		t.Fatalf("upsert subscription %s: %v", subscription.ID, err)
	}
	return stored
}

func newSQLiteClient(t *testing.T) (*persistence.Client, func()) {
	t.Helper()

	dsn := fmt.Sprintf(
		"file:relay-test-%d?mode=memory&cache=shared&_foreign_keys=on",
		time.Now().UnixNano(),
	)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	cfg := testPersistenceConfig{
		driver: "sqlite3",
		server: dsn,
	}
	client, err := persistence.New(cfg, sqlDB, sqlitedialect.New())
	if err != nil {
		_ = sqlDB.Close()
		t.Fatalf("new persistence client: %v", err)
	}

	ctx := context.Background()
	_, err = relaymigrations.Register(ctx, func(_ context.Context, dialect string, _ string, fsys fs.FS) error {
		if dialect != relaymigrations.DialectSQLite {
			return nil
		}
		client.RegisterSQLMigrations(fsys)
		return nil
	}, relaymigrations.WithValidationTargets(relaymigrations.DialectSQLite))
	if err != nil {
		_ = client.Close()
		t.Fatalf("register migrations: %v", err)
	}
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		t.Fatalf("migrate: %v", err)
	}

	return client, func() {
		_ = client.Close()
	}
}
