package relay

import (
	"fmt"

	"github.com/edulure/go-relay/adapters/gocommand"
	relaycommand "github.com/edulure/go-relay/command"
	"github.com/edulure/go-relay/core"
	relayquery "github.com/edulure/go-relay/query"
)

type Commands struct {
	PublishEvent       *relaycommand.PublishEventCommand
	RunSync            *relaycommand.RunSyncCommand
	RunReconciliation  *relaycommand.RunReconciliationCommand
	RecoverDispatches  *relaycommand.RecoverDispatchesCommand
	ReplayDeadLetter   *relaycommand.ReplayDeadLetterCommand
	UpsertSubscription *relaycommand.UpsertSubscriptionCommand
}

type Queries struct {
	GetSyncRun                 *relayquery.GetSyncRunQuery
	ListSyncRuns               *relayquery.ListSyncRunsQuery
	LatestReconciliationReport *relayquery.LatestReconciliationReportQuery
	GetWebhookEvent            *relayquery.GetWebhookEventQuery
	ListDeadLetters            *relayquery.ListDeadLettersQuery
}

// FacadeDependencies are the collaborators behind the command and query
// handlers. Stores is required; a handler whose collaborator is missing is
// left nil.
type FacadeDependencies struct {
	Stores    core.StoreProvider
	Publisher relaycommand.EventPublisher
	Runner    relaycommand.SyncRunner
	Recoverer relaycommand.DispatchRecoverer
}

type Facade struct {
	commands Commands
	queries  Queries
}

type FacadeOption func(*facadeOptions)

type facadeOptions struct {
	replay []relaycommand.ReplayOption
}

func WithReplayOptions(opts ...relaycommand.ReplayOption) FacadeOption {
	return func(options *facadeOptions) {
		options.replay = append(options.replay, opts...)
	}
}

func NewFacade(deps FacadeDependencies, opts ...FacadeOption) (*Facade, error) {
	if deps.Stores == nil {
		return nil, fmt.Errorf("relay: store provider is required")
	}
	cfg := facadeOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}
	stores := deps.Stores

	facade := &Facade{}
	facade.commands = Commands{
		ReplayDeadLetter: relaycommand.NewReplayDeadLetterCommand(
			stores.DeadLetterStore(),
			stores.DispatchStore(),
			stores.WebhookStore(),
			stores.SubscriptionStore(),
			cfg.replay...,
		),
		UpsertSubscription: relaycommand.NewUpsertSubscriptionCommand(stores.SubscriptionStore()),
	}
	if deps.Publisher != nil {
		facade.commands.PublishEvent = relaycommand.NewPublishEventCommand(deps.Publisher)
	}
	if deps.Runner != nil {
		facade.commands.RunSync = relaycommand.NewRunSyncCommand(deps.Runner)
		facade.commands.RunReconciliation = relaycommand.NewRunReconciliationCommand(deps.Runner)
	}
	if deps.Recoverer != nil {
		facade.commands.RecoverDispatches = relaycommand.NewRecoverDispatchesCommand(deps.Recoverer)
	}
	facade.queries = Queries{
		GetSyncRun:                 relayquery.NewGetSyncRunQuery(stores.SyncRunStore()),
		ListSyncRuns:               relayquery.NewListSyncRunsQuery(stores.SyncRunStore()),
		LatestReconciliationReport: relayquery.NewLatestReconciliationReportQuery(stores.ReconciliationStore()),
		GetWebhookEvent:            relayquery.NewGetWebhookEventQuery(stores.WebhookStore()),
		ListDeadLetters:            relayquery.NewListDeadLettersQuery(stores.DeadLetterStore()),
	}
	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

// Handlers returns the handler set for registration on the command bus.
func (f *Facade) Handlers() gocommand.Handlers {
	if f == nil {
		return gocommand.Handlers{}
	}
	return gocommand.Handlers{
		PublishEvent:       f.commands.PublishEvent,
		RunSync:            f.commands.RunSync,
		RunReconciliation:  f.commands.RunReconciliation,
		RecoverDispatches:  f.commands.RecoverDispatches,
		ReplayDeadLetter:   f.commands.ReplayDeadLetter,
		UpsertSubscription: f.commands.UpsertSubscription,

		GetSyncRun:                 f.queries.GetSyncRun,
		ListSyncRuns:               f.queries.ListSyncRuns,
		LatestReconciliationReport: f.queries.LatestReconciliationReport,
		GetWebhookEvent:            f.queries.GetWebhookEvent,
		ListDeadLetters:            f.queries.ListDeadLetters,
	}
}
