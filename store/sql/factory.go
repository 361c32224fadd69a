package sqlstore

import (
	"fmt"

	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/uptrace/bun"

	"github.com/edulure/go-relay/core"
)

type FactoryOption func(*RepositoryFactory)

// WithSubscriptionCache serves subscription reads through cacheService.
func WithSubscriptionCache(cacheService repositorycache.CacheService) FactoryOption {
	return func(f *RepositoryFactory) {
		f.cache = cacheService
	}
}

func WithContactSourceOptions(opts ...ContactSourceOption) FactoryOption {
	return func(f *RepositoryFactory) {
		f.contactOpts = append(f.contactOpts, opts...)
	}
}

type RepositoryFactory struct {
	db          *bun.DB
	cache       repositorycache.CacheService
	contactOpts []ContactSourceOption

	domainEventStore    *DomainEventStore
	dispatchStore       *DispatchStore
	subscriptionStore   core.SubscriptionStore
	webhookStore        *WebhookStore
	syncRunStore        *SyncRunStore
	reconciliationStore *ReconciliationStore
	deadLetterStore     *DeadLetterStore
	contactSource       *ContactSource
}

func NewRepositoryFactory(opts ...FactoryOption) *RepositoryFactory {
	factory := &RepositoryFactory{}
	for _, opt := range opts {
		if opt != nil {
			opt(factory)
		}
	}
	return factory
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if _, err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if _, err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

func (f *RepositoryFactory) BuildStores(persistenceClient any) (core.StoreProvider, error) {
	if f == nil {
		return nil, fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return nil, err
		}
		f.db = db
	}
	if f.dispatchStore != nil && f.webhookStore != nil {
		return f, nil
	}
	if err := f.initStores(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) DomainEventStore() core.DomainEventStore {
	if f == nil {
		return nil
	}
	return f.domainEventStore
}

// DomainEventRecorder records domain events together with their dispatch row.
func (f *RepositoryFactory) DomainEventRecorder() core.DomainEventRecorder {
	if f == nil {
		return nil
	}
	return f.domainEventStore
}

func (f *RepositoryFactory) DispatchStore() core.DispatchStore {
	if f == nil {
		return nil
	}
	return f.dispatchStore
}

func (f *RepositoryFactory) SubscriptionStore() core.SubscriptionStore {
	if f == nil {
		return nil
	}
	return f.subscriptionStore
}

func (f *RepositoryFactory) WebhookStore() core.WebhookStore {
	if f == nil {
		return nil
	}
	return f.webhookStore
}

func (f *RepositoryFactory) SyncRunStore() core.SyncRunStore {
	if f == nil {
		return nil
	}
	return f.syncRunStore
}

func (f *RepositoryFactory) ReconciliationStore() core.ReconciliationStore {
	if f == nil {
		return nil
	}
	return f.reconciliationStore
}

func (f *RepositoryFactory) DeadLetterStore() core.DeadLetterStore {
	if f == nil {
		return nil
	}
	return f.deadLetterStore
}

func (f *RepositoryFactory) ContactSource() *ContactSource {
	if f == nil {
		return nil
	}
	return f.contactSource
}

func (f *RepositoryFactory) initStores() error {
	var err error
	if f.domainEventStore, err = NewDomainEventStore(f.db); err != nil {
		return err
	}
	if f.dispatchStore, err = NewDispatchStore(f.db); err != nil {
		return err
	}
	subscriptions, err := NewSubscriptionStore(f.db)
	if err != nil {
		return err
	}
	f.subscriptionStore = subscriptions
	if f.cache != nil {
		cached, cacheErr := NewCachedSubscriptionStore(subscriptions, f.cache)
		if cacheErr != nil {
			return cacheErr
		}
		f.subscriptionStore = cached
	}
	if f.webhookStore, err = NewWebhookStore(f.db); err != nil {
		return err
	}
	if f.syncRunStore, err = NewSyncRunStore(f.db); err != nil {
		return err
	}
	if f.reconciliationStore, err = NewReconciliationStore(f.db); err != nil {
		return err
	}
	if f.deadLetterStore, err = NewDeadLetterStore(f.db); err != nil {
		return err
	}
	if f.contactSource, err = NewContactSource(f.db, f.contactOpts...); err != nil {
		return err
	}
	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
