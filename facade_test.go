package relay

import (
	"context"
	"testing"

	relaycommand "github.com/edulure/go-relay/command"
	"github.com/edulure/go-relay/core"
	relayquery "github.com/edulure/go-relay/query"
)

type stubStores struct {
	syncRuns *stubSyncRunStore
}

func (s stubStores) DomainEventStore() core.DomainEventStore       { return nil }
func (s stubStores) DispatchStore() core.DispatchStore             { return nil }
func (s stubStores) SubscriptionStore() core.SubscriptionStore     { return nil }
func (s stubStores) WebhookStore() core.WebhookStore               { return nil }
func (s stubStores) SyncRunStore() core.SyncRunStore               { return s.syncRuns }
func (s stubStores) ReconciliationStore() core.ReconciliationStore { return nil }
func (s stubStores) DeadLetterStore() core.DeadLetterStore         { return nil }

type stubSyncRunStore struct {
	core.SyncRunStore
	runs []core.IntegrationSyncRun
}

func (s *stubSyncRunStore) ListRuns(_ context.Context, integration string, limit int) ([]core.IntegrationSyncRun, error) {
	var out []core.IntegrationSyncRun
	for _, run := range s.runs {
		if integration == "" || run.Integration == integration {
			out = append(out, run)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type stubRunner struct {
	synced []string
}

func (r *stubRunner) SyncIntegration(_ context.Context, integration string, _ core.SyncTrigger) (bool, error) {
	r.synced = append(r.synced, integration)
	return true, nil
}

func (r *stubRunner) RunReconciliation(context.Context, core.SyncTrigger) (bool, error) {
	return true, nil
}

func TestNewFacade_RequiresStores(t *testing.T) {
	if _, err := NewFacade(FacadeDependencies{}); err == nil {
		t.Fatalf("expected missing stores to be rejected")
	}
}

func TestNewFacade_SkipsCommandsWithoutCollaborators(t *testing.T) {
	facade, err := NewFacade(FacadeDependencies{Stores: stubStores{}})
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}
	commands := facade.Commands()
	if commands.ReplayDeadLetter == nil || commands.UpsertSubscription == nil {
		t.Fatalf("expected store backed commands to be wired")
	}
	if commands.PublishEvent != nil || commands.RunSync != nil || commands.RecoverDispatches != nil {
		t.Fatalf("expected commands without collaborators to stay nil, got %+v", commands)
	}
	handlers := facade.Handlers()
	if handlers.RunSync != nil || handlers.ListSyncRuns == nil || handlers.GetWebhookEvent == nil {
		t.Fatalf("expected handlers to mirror the facade, got %+v", handlers)
	}
}

func TestFacade_CommandAndQueryDelegation(t *testing.T) {
	runs := &stubSyncRunStore{runs: []core.IntegrationSyncRun{
		{ID: "run_1", Integration: core.IntegrationHubSpot},
		{ID: "run_2", Integration: core.IntegrationSalesforce},
	}}
	runner := &stubRunner{}
	facade, err := NewFacade(FacadeDependencies{Stores: stubStores{syncRuns: runs}, Runner: runner})
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}

	if err := facade.Commands().RunSync.Execute(context.Background(), relaycommand.RunSyncMessage{Integration: "HubSpot"}); err != nil {
		t.Fatalf("run sync: %v", err)
	}
	if len(runner.synced) != 1 || runner.synced[0] != core.IntegrationHubSpot {
		t.Fatalf("expected normalized integration to reach the runner, got %v", runner.synced)
	}

	listed, err := facade.Queries().ListSyncRuns.Query(context.Background(), relayquery.ListSyncRunsMessage{Integration: core.IntegrationSalesforce})
	if err != nil {
		t.Fatalf("list sync runs: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != "run_2" {
		t.Fatalf("unexpected runs %+v", listed)
	}
}

func TestFacade_NilReceiverIsEmpty(t *testing.T) {
	var facade *Facade
	if facade.Commands().RunSync != nil || facade.Queries().GetSyncRun != nil {
		t.Fatalf("expected nil facade to expose no handlers")
	}
}
