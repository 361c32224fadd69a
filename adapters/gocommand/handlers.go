package gocommand

import (
	"errors"

	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"

	relaycommand "github.com/edulure/go-relay/command"
	"github.com/edulure/go-relay/core"
	relayquery "github.com/edulure/go-relay/query"
)

// Handlers groups the relay handlers exposed on the command bus. Nil
// handlers are skipped.
type Handlers struct {
	PublishEvent       *relaycommand.PublishEventCommand
	RunSync            *relaycommand.RunSyncCommand
	RunReconciliation  *relaycommand.RunReconciliationCommand
	RecoverDispatches  *relaycommand.RecoverDispatchesCommand
	ReplayDeadLetter   *relaycommand.ReplayDeadLetterCommand
	UpsertSubscription *relaycommand.UpsertSubscriptionCommand

	GetSyncRun                 *relayquery.GetSyncRunQuery
	ListSyncRuns               *relayquery.ListSyncRunsQuery
	LatestReconciliationReport *relayquery.LatestReconciliationReportQuery
	GetWebhookEvent            *relayquery.GetWebhookEventQuery
	ListDeadLetters            *relayquery.ListDeadLettersQuery
}

// Subscriptions is the set of dispatcher subscriptions created by RegisterHandlers.
type Subscriptions []commanddispatcher.Subscription

func (s Subscriptions) Unsubscribe() {
	for _, subscription := range s {
		if subscription != nil {
			subscription.Unsubscribe()
		}
	}
}

type registration func() (commanddispatcher.Subscription, error)

// RegisterHandlers registers and subscribes every configured handler. On
// failure the subscriptions made so far are removed.
func RegisterHandlers(adapter *RegistryAdapter, handlers Handlers, runnerOpts ...runner.Option) (Subscriptions, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, errors.New("gocommand: registry is not configured")
	}

	var registrations []registration
	if handlers.PublishEvent != nil {
		registrations = append(registrations, func() (commanddispatcher.Subscription, error) {
			return RegisterAndSubscribe[relaycommand.PublishEventMessage](adapter, handlers.PublishEvent, runnerOpts...)
		})
	}
	if handlers.RunSync != nil {
		registrations = append(registrations, func() (commanddispatcher.Subscription, error) {
			return RegisterAndSubscribe[relaycommand.RunSyncMessage](adapter, handlers.RunSync, runnerOpts...)
		})
	}
	if handlers.RunReconciliation != nil {
		registrations = append(registrations, func() (commanddispatcher.Subscription, error) {
			return RegisterAndSubscribe[relaycommand.RunReconciliationMessage](adapter, handlers.RunReconciliation, runnerOpts...)
		})
	}
	if handlers.RecoverDispatches != nil {
		registrations = append(registrations, func() (commanddispatcher.Subscription, error) {
			return RegisterAndSubscribe[relaycommand.RecoverDispatchesMessage](adapter, handlers.RecoverDispatches, runnerOpts...)
		})
	}
	if handlers.ReplayDeadLetter != nil {
		registrations = append(registrations, func() (commanddispatcher.Subscription, error) {
			return RegisterAndSubscribe[relaycommand.ReplayDeadLetterMessage](adapter, handlers.ReplayDeadLetter, runnerOpts...)
		})
	}
	if handlers.UpsertSubscription != nil {
		registrations = append(registrations, func() (commanddispatcher.Subscription, error) {
			return RegisterAndSubscribe[relaycommand.UpsertSubscriptionMessage](adapter, handlers.UpsertSubscription, runnerOpts...)
		})
	}
	if handlers.GetSyncRun != nil {
		registrations = append(registrations, func() (commanddispatcher.Subscription, error) {
			return RegisterAndSubscribeQuery[relayquery.GetSyncRunMessage, relayquery.SyncRunView](adapter, handlers.GetSyncRun, runnerOpts...)
		})
	}
	if handlers.ListSyncRuns != nil {
		registrations = append(registrations, func() (commanddispatcher.Subscription, error) {
			return RegisterAndSubscribeQuery[relayquery.ListSyncRunsMessage, []core.IntegrationSyncRun](adapter, handlers.ListSyncRuns, runnerOpts...)
		})
	}
	if handlers.LatestReconciliationReport != nil {
		registrations = append(registrations, func() (commanddispatcher.Subscription, error) {
			return RegisterAndSubscribeQuery[relayquery.LatestReconciliationReportMessage, core.ReconciliationReport](adapter, handlers.LatestReconciliationReport, runnerOpts...)
		})
	}
	if handlers.GetWebhookEvent != nil {
		registrations = append(registrations, func() (commanddispatcher.Subscription, error) {
			return RegisterAndSubscribeQuery[relayquery.GetWebhookEventMessage, relayquery.WebhookEventView](adapter, handlers.GetWebhookEvent, runnerOpts...)
		})
	}
	if handlers.ListDeadLetters != nil {
		registrations = append(registrations, func() (commanddispatcher.Subscription, error) {
			return RegisterAndSubscribeQuery[relayquery.ListDeadLettersMessage, []core.DeadLetter](adapter, handlers.ListDeadLetters, runnerOpts...)
		})
	}

	subscriptions := make(Subscriptions, 0, len(registrations))
	for _, register := range registrations {
		subscription, err := register()
		if err != nil {
			subscriptions.Unsubscribe()
			return nil, err
		}
		subscriptions = append(subscriptions, subscription)
	}
	return subscriptions, nil
}
