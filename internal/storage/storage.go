package storage

import (
	"context"
	"errors"
	"time"

	"github.com/xaenox/schedule-bot/internal/models"
)

var ErrNotFound = errors.New("not found")

type Storage interface {
	SubscriptionStorage
	CacheStorage
	Close() error
}

// SubscriptionStorage persists subscriptions. ReplaceSubscription must remove
// every subscription of the chat and insert the new one atomically.
type SubscriptionStorage interface {
	ReplaceSubscription(ctx context.Context, sub *models.Subscription) error
	DeleteSubscriptionsByChat(ctx context.Context, chatID string) error
	GetActiveSubscription(ctx context.Context, chatID string) (*models.Subscription, error)
	ListActiveSubscriptionsByTime(ctx context.Context, timeOfDay string) ([]*models.Subscription, error)
	ListActiveSubscriptions(ctx context.Context) ([]*models.Subscription, error)
}

// CacheStorage persists cache entries keyed by fingerprint (last write wins).
type CacheStorage interface {
	GetCacheEntry(ctx context.Context, fingerprint string) (*models.CacheEntry, error)
	PutCacheEntry(ctx context.Context, entry *models.CacheEntry) error
	DeleteExpiredCacheEntries(ctx context.Context, now time.Time) ([]*models.CacheEntry, error)
	ListCacheEntries(ctx context.Context) ([]*models.CacheEntry, error)
	ClearCacheEntries(ctx context.Context) ([]*models.CacheEntry, error)
}
