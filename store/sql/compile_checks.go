package sqlstore

import "github.com/edulure/go-relay/core"

var (
	_ core.DomainEventStore       = (*DomainEventStore)(nil)
	_ core.DomainEventRecorder    = (*DomainEventStore)(nil)
	_ core.DispatchStore          = (*DispatchStore)(nil)
	_ core.SubscriptionStore      = (*SubscriptionStore)(nil)
	_ core.WebhookStore           = (*WebhookStore)(nil)
	_ core.SyncRunStore           = (*SyncRunStore)(nil)
	_ core.ReconciliationStore    = (*ReconciliationStore)(nil)
	_ core.DeadLetterStore        = (*DeadLetterStore)(nil)
	_ core.StoreProvider          = (*RepositoryFactory)(nil)
	_ core.RepositoryStoreFactory = (*RepositoryFactory)(nil)
)
