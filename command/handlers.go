package command

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	gocmd "github.com/goliatone/go-command"

	"github.com/edulure/go-relay/core"
	"github.com/edulure/go-relay/sync"
	"github.com/edulure/go-relay/webhooks"
)

type EventPublisher interface {
	Publish(
		ctx context.Context,
		eventType string,
		payload any,
		opts webhooks.PublishOptions,
	) (*core.WebhookEvent, error)
}

type SyncRunner interface {
	SyncIntegration(ctx context.Context, integration string, trigger core.SyncTrigger) (bool, error)
	RunReconciliation(ctx context.Context, trigger core.SyncTrigger) (bool, error)
}

type DispatchRecoverer interface {
	Recover(ctx context.Context) (int, error)
}

type PublishEventCommand struct {
	publisher EventPublisher
}

func NewPublishEventCommand(publisher EventPublisher) *PublishEventCommand {
	return &PublishEventCommand{publisher: publisher}
}

// Execute stores the created event, or nil when no subscription matched.
func (c *PublishEventCommand) Execute(ctx context.Context, msg PublishEventMessage) error {
	if c == nil || c.publisher == nil {
		return commandDependencyError("command: event publisher is required")
	}
	payload := msg.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	event, err := c.publisher.Publish(ctx, msg.EventType, payload, webhooks.PublishOptions{
		Source:        strings.TrimSpace(msg.Source),
		CorrelationID: msg.CorrelationID,
		Metadata:      msg.Metadata,
	})
	if err != nil {
		return err
	}
	storeResult(ctx, event)
	return nil
}

type RunSyncCommand struct {
	runner SyncRunner
}

func NewRunSyncCommand(runner SyncRunner) *RunSyncCommand {
	return &RunSyncCommand{runner: runner}
}

func (c *RunSyncCommand) Execute(ctx context.Context, msg RunSyncMessage) error {
	if c == nil || c.runner == nil {
		return commandDependencyError("command: sync runner is required")
	}
	integration := strings.ToLower(strings.TrimSpace(msg.Integration))
	ran, err := c.runner.SyncIntegration(ctx, integration, core.SyncTriggerManual)
	if err != nil {
		return err
	}
	storeResult(ctx, JobResult{Job: integration + "_sync", Ran: ran})
	return nil
}

type RunReconciliationCommand struct {
	runner SyncRunner
}

func NewRunReconciliationCommand(runner SyncRunner) *RunReconciliationCommand {
	return &RunReconciliationCommand{runner: runner}
}

func (c *RunReconciliationCommand) Execute(ctx context.Context, _ RunReconciliationMessage) error {
	if c == nil || c.runner == nil {
		return commandDependencyError("command: sync runner is required")
	}
	ran, err := c.runner.RunReconciliation(ctx, core.SyncTriggerManual)
	if err != nil {
		return err
	}
	storeResult(ctx, JobResult{Job: sync.JobKeyReconciliation, Ran: ran})
	return nil
}

type RecoverDispatchesCommand struct {
	recoverer DispatchRecoverer
}

func NewRecoverDispatchesCommand(recoverer DispatchRecoverer) *RecoverDispatchesCommand {
	return &RecoverDispatchesCommand{recoverer: recoverer}
}

// Execute stores the number of dispatches returned to pending.
func (c *RecoverDispatchesCommand) Execute(ctx context.Context, _ RecoverDispatchesMessage) error {
	if c == nil || c.recoverer == nil {
		return commandDependencyError("command: dispatch recoverer is required")
	}
	recovered, err := c.recoverer.Recover(ctx)
	if err != nil {
		return err
	}
	storeResult(ctx, recovered)
	return nil
}

type ReplayOption func(*ReplayDeadLetterCommand)

func WithReplayClock(now func() time.Time) ReplayOption {
	return func(c *ReplayDeadLetterCommand) {
		if now != nil {
			c.now = now
		}
	}
}

// WithDefaultMaxAttempts sets the extra attempts granted to a replayed
// delivery whose subscription has no ceiling of its own.
func WithDefaultMaxAttempts(attempts int) ReplayOption {
	return func(c *ReplayDeadLetterCommand) {
		if attempts > 0 {
			c.defaultMaxAttempts = attempts
		}
	}
}

type ReplayDeadLetterCommand struct {
	letters            core.DeadLetterStore
	dispatches         core.DispatchStore
	webhooks           core.WebhookStore
	subscriptions      core.SubscriptionStore
	now                func() time.Time
	defaultMaxAttempts int
}

func NewReplayDeadLetterCommand(
	letters core.DeadLetterStore,
	dispatches core.DispatchStore,
	webhookStore core.WebhookStore,
	subscriptions core.SubscriptionStore,
	opts ...ReplayOption,
) *ReplayDeadLetterCommand {
	cmd := &ReplayDeadLetterCommand{
		letters:            letters,
		dispatches:         dispatches,
		webhooks:           webhookStore,
		subscriptions:      subscriptions,
		now:                core.SystemNow,
		defaultMaxAttempts: core.DefaultConfig().Bus.DefaultMaxAttempts,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cmd)
		}
	}
	return cmd
}

// Execute re-queues the dead-lettered work item and marks the letter
// replayed. A dispatch restarts with a fresh attempt budget; a delivery gets
// its subscription's attempt ceiling added to its own.
func (c *ReplayDeadLetterCommand) Execute(ctx context.Context, msg ReplayDeadLetterMessage) error {
	if c == nil || c.letters == nil {
		return commandDependencyError("command: dead letter store is required")
	}
	letter, err := c.letters.Get(ctx, strings.TrimSpace(msg.ID))
	if err != nil {
		return err
	}
	if letter.ReplayedAt != nil {
		return commandConflictError(
			fmt.Sprintf("command: dead letter %s was already replayed", letter.ID),
			map[string]any{"dead_letter_id": letter.ID, "replayed_at": letter.ReplayedAt.UTC()},
		)
	}
	now := c.now()

	switch letter.Source {
	case core.DeadLetterSourceDispatch:
		if c.dispatches == nil {
			return commandDependencyError("command: dispatch store is required")
		}
		if err := c.dispatches.Requeue(ctx, letter.ReferenceID, now); err != nil {
			return err
		}
	case core.DeadLetterSourceDelivery:
		if c.webhooks == nil || c.subscriptions == nil {
			return commandDependencyError("command: webhook and subscription stores are required")
		}
		delivery, err := c.webhooks.GetDelivery(ctx, letter.ReferenceID)
		if err != nil {
			return err
		}
		extra := c.defaultMaxAttempts
		subscription, err := c.subscriptions.Get(ctx, delivery.SubscriptionID)
		if err != nil {
			return err
		}
		if subscription.MaxAttempts > 0 {
			extra = subscription.MaxAttempts
		}
		if err := c.webhooks.RequeueDelivery(ctx, delivery.ID, extra, now); err != nil {
			return err
		}
	default:
		return commandValidationError("source", fmt.Sprintf("unknown dead letter source %q", letter.Source))
	}

	if err := c.letters.MarkReplayed(ctx, letter.ID, now); err != nil {
		return err
	}
	replayedAt := now.UTC()
	letter.ReplayedAt = &replayedAt
	storeResult(ctx, letter)
	return nil
}

type UpsertSubscriptionCommand struct {
	subscriptions core.SubscriptionStore
}

func NewUpsertSubscriptionCommand(subscriptions core.SubscriptionStore) *UpsertSubscriptionCommand {
	return &UpsertSubscriptionCommand{subscriptions: subscriptions}
}

func (c *UpsertSubscriptionCommand) Execute(ctx context.Context, msg UpsertSubscriptionMessage) error {
	if c == nil || c.subscriptions == nil {
		return commandDependencyError("command: subscription store is required")
	}
	out, err := c.subscriptions.Upsert(ctx, msg.Subscription)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
