package query

import (
	"strings"

	"github.com/edulure/go-relay/core"
)

const (
	TypeGetSyncRun                 = "relay.query.sync_run.get"
	TypeListSyncRuns               = "relay.query.sync_run.list"
	TypeLatestReconciliationReport = "relay.query.reconciliation.latest"
	TypeGetWebhookEvent            = "relay.query.webhook_event.get"
	TypeListDeadLetters            = "relay.query.dead_letter.list"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

type GetSyncRunMessage struct {
	ID string
}

func (GetSyncRunMessage) Type() string { return TypeGetSyncRun }

func (m GetSyncRunMessage) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return queryValidationError("id", "sync run id is required")
	}
	return nil
}

type ListSyncRunsMessage struct {
	Integration string
	Limit       int
}

func (ListSyncRunsMessage) Type() string { return TypeListSyncRuns }

func (m ListSyncRunsMessage) Validate() error {
	if err := validateIntegration(m.Integration, true); err != nil {
		return err
	}
	return validateLimit(m.Limit)
}

type LatestReconciliationReportMessage struct {
	Integration string
}

func (LatestReconciliationReportMessage) Type() string { return TypeLatestReconciliationReport }

func (m LatestReconciliationReportMessage) Validate() error {
	return validateIntegration(m.Integration, false)
}

type GetWebhookEventMessage struct {
	ID string
}

func (GetWebhookEventMessage) Type() string { return TypeGetWebhookEvent }

func (m GetWebhookEventMessage) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return queryValidationError("id", "webhook event id is required")
	}
	return nil
}

type ListDeadLettersMessage struct {
	Source         core.DeadLetterSource
	IncludeReplays bool
	Limit          int
}

func (ListDeadLettersMessage) Type() string { return TypeListDeadLetters }

func (m ListDeadLettersMessage) Validate() error {
	switch m.Source {
	case "", core.DeadLetterSourceDispatch, core.DeadLetterSourceDelivery:
	default:
		return queryValidationError("source", "source must be domain_event_dispatch or webhook_delivery")
	}
	return validateLimit(m.Limit)
}

// SyncRunView is a run together with its per-record outcomes.
type SyncRunView struct {
	Run     core.IntegrationSyncRun
	Results []core.IntegrationSyncResult
}

type WebhookEventView struct {
	Event      core.WebhookEvent
	Deliveries []core.WebhookDelivery
}

func validateIntegration(integration string, optional bool) error {
	switch normalizeIntegration(integration) {
	case core.IntegrationHubSpot, core.IntegrationSalesforce:
		return nil
	case "":
		if optional {
			return nil
		}
		return queryValidationError("integration", "integration is required")
	default:
		return queryValidationError("integration", "integration must be hubspot or salesforce")
	}
}

func validateLimit(limit int) error {
	if limit < 0 || limit > MaxListLimit {
		return queryValidationError("limit", "limit must be between 0 and 500")
	}
	return nil
}

func normalizeIntegration(integration string) string {
	return strings.ToLower(strings.TrimSpace(integration))
}

func effectiveLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
