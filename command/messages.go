package command

import (
	"encoding/json"
	"strings"

	"github.com/edulure/go-relay/core"
)

const (
	TypePublishEvent       = "relay.command.event.publish"
	TypeRunSync            = "relay.command.sync.run"
	TypeRunReconciliation  = "relay.command.reconciliation.run"
	TypeRecoverDispatches  = "relay.command.dispatches.recover"
	TypeReplayDeadLetter   = "relay.command.dead_letter.replay"
	TypeUpsertSubscription = "relay.command.subscription.upsert"
)

// PublishEventMessage publishes directly to the webhook bus, bypassing the
// domain event table.
type PublishEventMessage struct {
	EventType     string
	Payload       json.RawMessage
	Source        string
	CorrelationID string
	Metadata      map[string]any
}

func (PublishEventMessage) Type() string { return TypePublishEvent }

func (m PublishEventMessage) Validate() error {
	if strings.TrimSpace(m.EventType) == "" {
		return commandValidationError("event_type", "event type is required")
	}
	if len(m.Payload) > 0 && !json.Valid(m.Payload) {
		return commandValidationError("payload", "payload must be valid json")
	}
	return nil
}

type RunSyncMessage struct {
	Integration string
}

func (RunSyncMessage) Type() string { return TypeRunSync }

func (m RunSyncMessage) Validate() error {
	switch strings.ToLower(strings.TrimSpace(m.Integration)) {
	case core.IntegrationHubSpot, core.IntegrationSalesforce:
		return nil
	case "":
		return commandValidationError("integration", "integration is required")
	default:
		return commandValidationError("integration", "integration must be hubspot or salesforce")
	}
}

type RunReconciliationMessage struct{}

func (RunReconciliationMessage) Type() string { return TypeRunReconciliation }

type RecoverDispatchesMessage struct{}

func (RecoverDispatchesMessage) Type() string { return TypeRecoverDispatches }

type ReplayDeadLetterMessage struct {
	ID string
}

func (ReplayDeadLetterMessage) Type() string { return TypeReplayDeadLetter }

func (m ReplayDeadLetterMessage) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return commandValidationError("id", "dead letter id is required")
	}
	return nil
}

type UpsertSubscriptionMessage struct {
	Subscription core.WebhookSubscription
}

func (UpsertSubscriptionMessage) Type() string { return TypeUpsertSubscription }

func (m UpsertSubscriptionMessage) Validate() error {
	if strings.TrimSpace(m.Subscription.TargetURL) == "" {
		return commandValidationError("target_url", "target url is required")
	}
	if strings.TrimSpace(m.Subscription.SigningSecret) == "" {
		return commandValidationError("signing_secret", "signing secret is required")
	}
	if len(m.Subscription.EventTypes) == 0 {
		return commandValidationError("event_types", "at least one event type filter is required")
	}
	return nil
}

// JobResult reports whether a guarded job ran. Ran is false when a
// concurrent run held the job's lock.
type JobResult struct {
	Job string
	Ran bool
}
