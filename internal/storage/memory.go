package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xaenox/schedule-bot/internal/models"
)

type MemoryStorage struct {
	mu            sync.RWMutex
	subscriptions map[string]*models.Subscription // by chat id
	cache         map[string]*models.CacheEntry   // by fingerprint
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		subscriptions: make(map[string]*models.Subscription),
		cache:         make(map[string]*models.CacheEntry),
	}
}

// Subscription methods
func (s *MemoryStorage) ReplaceSubscription(ctx context.Context, sub *models.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *sub
	s.subscriptions[sub.ChatID] = &cp
	return nil
}

func (s *MemoryStorage) DeleteSubscriptionsByChat(ctx context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.subscriptions, chatID)
	return nil
}

func (s *MemoryStorage) GetActiveSubscription(ctx context.Context, chatID string) (*models.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, exists := s.subscriptions[chatID]
	if !exists || !sub.IsActive {
		return nil, ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (s *MemoryStorage) ListActiveSubscriptionsByTime(ctx context.Context, timeOfDay string) ([]*models.Subscription, error) {
	return s.listActive(func(sub *models.Subscription) bool { return sub.TimeOfDay == timeOfDay }), nil
}

func (s *MemoryStorage) ListActiveSubscriptions(ctx context.Context) ([]*models.Subscription, error) {
	return s.listActive(func(*models.Subscription) bool { return true }), nil
}

func (s *MemoryStorage) listActive(match func(*models.Subscription) bool) []*models.Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.Subscription, 0)
	for _, sub := range s.subscriptions {
		if sub.IsActive && match(sub) {
			cp := *sub
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result
}

// Cache methods
func (s *MemoryStorage) GetCacheEntry(ctx context.Context, fingerprint string) (*models.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.cache[fingerprint]
	if !exists {
		return nil, ErrNotFound
	}
	cp := *entry
	return &cp, nil
}

func (s *MemoryStorage) PutCacheEntry(ctx context.Context, entry *models.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *entry
	s.cache[entry.Fingerprint] = &cp
	return nil
}

func (s *MemoryStorage) DeleteExpiredCacheEntries(ctx context.Context, now time.Time) ([]*models.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []*models.CacheEntry
	for fp, entry := range s.cache {
		if entry.IsExpired(now) {
			removed = append(removed, entry)
			delete(s.cache, fp)
		}
	}
	return removed, nil
}

func (s *MemoryStorage) ListCacheEntries(ctx context.Context) ([]*models.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.CacheEntry, 0, len(s.cache))
	for _, entry := range s.cache {
		cp := *entry
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStorage) ClearCacheEntries(ctx context.Context) ([]*models.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := make([]*models.CacheEntry, 0, len(s.cache))
	for _, entry := range s.cache {
		removed = append(removed, entry)
	}
	s.cache = make(map[string]*models.CacheEntry)
	return removed, nil
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}
