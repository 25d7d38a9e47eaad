package subscription

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xaenox/schedule-bot/internal/models"
	"github.com/xaenox/schedule-bot/internal/storage"
)

var (
	// ErrRegistryIO wraps every failure of the underlying store.
	ErrRegistryIO = errors.New("subscription registry unavailable")
	ErrNotFound   = storage.ErrNotFound
	ErrInvalid    = errors.New("invalid subscription")
)

// Registry keeps at most one active subscription per chat.
type Registry struct {
	store  storage.SubscriptionStorage
	logger *zap.Logger
	now    func() time.Time
}

func NewRegistry(store storage.SubscriptionStorage, logger *zap.Logger) *Registry {
	return &Registry{store: store, logger: logger, now: time.Now}
}

// Create validates sub and replaces whatever the chat had before.
func (r *Registry) Create(ctx context.Context, sub models.Subscription) (*models.Subscription, error) {
	if strings.TrimSpace(sub.ChatID) == "" {
		return nil, fmt.Errorf("%w: chat id is required", ErrInvalid)
	}
	tod, err := models.ParseTimeOfDay(sub.TimeOfDay)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	sub.Target = models.Target{
		Category: strings.TrimSpace(sub.Target.Category),
		Faculty:  strings.TrimSpace(sub.Target.Faculty),
		Course:   strings.TrimSpace(sub.Target.Course),
		Group:    strings.TrimSpace(sub.Target.Group),
	}
	if sub.Target.Category == "" || sub.Target.Course == "" {
		return nil, fmt.Errorf("%w: category and course are required", ErrInvalid)
	}
	if u, err := url.Parse(sub.SourceURL); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: source url %q", ErrInvalid, sub.SourceURL)
	}
	if sub.ChatKind == "" {
		sub.ChatKind = models.PrivateChat
	}

	sub.ID = uuid.NewString()
	sub.TimeOfDay = tod
	sub.IsActive = true
	sub.CreatedAt = r.now()

	if err := r.store.ReplaceSubscription(ctx, &sub); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistryIO, err)
	}

	r.logger.Info("Subscription created",
		zap.String("chat_id", sub.ChatID),
		zap.String("fingerprint", sub.Target.Fingerprint()),
		zap.String("time", sub.TimeOfDay))
	return &sub, nil
}

// Delete removes the chat's subscriptions. Deleting nothing is not an error.
func (r *Registry) Delete(ctx context.Context, chatID string) error {
	if err := r.store.DeleteSubscriptionsByChat(ctx, chatID); err != nil {
		return fmt.Errorf("%w: %v", ErrRegistryIO, err)
	}
	r.logger.Info("Subscription deleted", zap.String("chat_id", chatID))
	return nil
}

func (r *Registry) FindActiveByChat(ctx context.Context, chatID string) (*models.Subscription, error) {
	sub, err := r.store.GetActiveSubscription(ctx, chatID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistryIO, err)
	}
	return sub, nil
}

// FindActiveByTime returns the active subscriptions due at hhmm, in no
// particular order.
func (r *Registry) FindActiveByTime(ctx context.Context, hhmm string) ([]*models.Subscription, error) {
	subs, err := r.store.ListActiveSubscriptionsByTime(ctx, hhmm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistryIO, err)
	}
	return subs, nil
}

func (r *Registry) ListActive(ctx context.Context) ([]*models.Subscription, error) {
	subs, err := r.store.ListActiveSubscriptions(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistryIO, err)
	}
	return subs, nil
}
