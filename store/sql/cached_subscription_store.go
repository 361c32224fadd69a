package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	repositorycache "github.com/goliatone/go-repository-cache/cache"

	"github.com/edulure/go-relay/core"
)

const subscriptionCacheKeyPrefix = "go-relay::subscription::v1"

// CachedSubscriptionStore serves Get from a read-through cache and drops the
// cached entry whenever the subscription is written.
type CachedSubscriptionStore struct {
	base  core.SubscriptionStore
	cache repositorycache.CacheService
}

func NewCachedSubscriptionStore(
	base core.SubscriptionStore,
	cacheService repositorycache.CacheService,
) (*CachedSubscriptionStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base subscription store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: subscription cache service is required")
	}
	return &CachedSubscriptionStore{base: base, cache: cacheService}, nil
}

// SubscriptionCacheKey returns go-relay::subscription::v1::<id> with the id
// URL-path escaped.
func SubscriptionCacheKey(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", core.ValidationError("id", "subscription id is required")
	}
	return subscriptionCacheKeyPrefix + "::" + url.PathEscape(id), nil
}

func (s *CachedSubscriptionStore) ListMatching(ctx context.Context, eventType string) ([]core.WebhookSubscription, error) {
	if s == nil || s.base == nil {
		return nil, fmt.Errorf("sqlstore: cached subscription store is not configured")
	}
	return s.base.ListMatching(ctx, eventType)
}

func (s *CachedSubscriptionStore) Get(ctx context.Context, id string) (core.WebhookSubscription, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.WebhookSubscription{}, fmt.Errorf("sqlstore: cached subscription store is not configured")
	}
	cacheKey, err := SubscriptionCacheKey(id)
	if err != nil {
		return core.WebhookSubscription{}, err
	}
	subscription, err := repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (core.WebhookSubscription, error) {
		fetched, fetchErr := s.base.Get(ctx, strings.TrimSpace(id))
		if fetchErr != nil {
			return core.WebhookSubscription{}, fetchErr
		}
		return cloneSubscription(fetched), nil
	})
	if err != nil {
		return core.WebhookSubscription{}, err
	}
	return cloneSubscription(subscription), nil
}

func (s *CachedSubscriptionStore) Upsert(ctx context.Context, subscription core.WebhookSubscription) (core.WebhookSubscription, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.WebhookSubscription{}, fmt.Errorf("sqlstore: cached subscription store is not configured")
	}
	saved, err := s.base.Upsert(ctx, subscription)
	if err != nil {
		return core.WebhookSubscription{}, err
	}
	return saved, s.invalidate(ctx, saved.ID)
}

func (s *CachedSubscriptionStore) RecordSuccess(ctx context.Context, id string, at time.Time) error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached subscription store is not configured")
	}
	if err := s.base.RecordSuccess(ctx, id, at); err != nil {
		return err
	}
	return s.invalidate(ctx, id)
}

func (s *CachedSubscriptionStore) RecordFailure(ctx context.Context, id string, at time.Time) (core.WebhookSubscription, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.WebhookSubscription{}, fmt.Errorf("sqlstore: cached subscription store is not configured")
	}
	updated, err := s.base.RecordFailure(ctx, id, at)
	if err != nil {
		return core.WebhookSubscription{}, err
	}
	return updated, s.invalidate(ctx, id)
}

func (s *CachedSubscriptionStore) OpenCircuit(ctx context.Context, id string, until time.Time) error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached subscription store is not configured")
	}
	if err := s.base.OpenCircuit(ctx, id, until); err != nil {
		return err
	}
	return s.invalidate(ctx, id)
}

func (s *CachedSubscriptionStore) invalidate(ctx context.Context, id string) error {
	cacheKey, err := SubscriptionCacheKey(id)
	if err != nil {
		return err
	}
	return s.cache.Delete(ctx, cacheKey)
}

func cloneSubscription(in core.WebhookSubscription) core.WebhookSubscription {
	out := in
	out.EventTypes = copyStrings(in.EventTypes)
	out.StaticHeaders = copyStringMap(in.StaticHeaders)
	out.CircuitOpenUntil = utcPtr(in.CircuitOpenUntil)
	out.LastSuccessAt = utcPtr(in.LastSuccessAt)
	out.LastFailureAt = utcPtr(in.LastFailureAt)
	return out
}

var _ core.SubscriptionStore = (*CachedSubscriptionStore)(nil)
