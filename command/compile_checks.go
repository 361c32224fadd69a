package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[PublishEventMessage]       = (*PublishEventCommand)(nil)
	_ gocmd.Commander[RunSyncMessage]            = (*RunSyncCommand)(nil)
	_ gocmd.Commander[RunReconciliationMessage]  = (*RunReconciliationCommand)(nil)
	_ gocmd.Commander[RecoverDispatchesMessage]  = (*RecoverDispatchesCommand)(nil)
	_ gocmd.Commander[ReplayDeadLetterMessage]   = (*ReplayDeadLetterCommand)(nil)
	_ gocmd.Commander[UpsertSubscriptionMessage] = (*UpsertSubscriptionCommand)(nil)
)
