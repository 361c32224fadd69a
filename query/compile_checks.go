package query

import (
	gocmd "github.com/goliatone/go-command"

	"github.com/edulure/go-relay/core"
)

var (
	_ gocmd.Querier[GetSyncRunMessage, SyncRunView]                               = (*GetSyncRunQuery)(nil)
	_ gocmd.Querier[ListSyncRunsMessage, []core.IntegrationSyncRun]               = (*ListSyncRunsQuery)(nil)
	_ gocmd.Querier[LatestReconciliationReportMessage, core.ReconciliationReport] = (*LatestReconciliationReportQuery)(nil)
	_ gocmd.Querier[GetWebhookEventMessage, WebhookEventView]                     = (*GetWebhookEventQuery)(nil)
	_ gocmd.Querier[ListDeadLettersMessage, []core.DeadLetter]                    = (*ListDeadLettersQuery)(nil)
)

var (
	_ SyncRunReader        = core.SyncRunStore(nil)
	_ ReconciliationReader = core.ReconciliationStore(nil)
	_ WebhookEventReader   = core.WebhookStore(nil)
	_ DeadLetterReader     = core.DeadLetterStore(nil)
)
