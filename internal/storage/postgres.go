package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/xaenox/schedule-bot/internal/models"
	"go.uber.org/zap"
)

//go:embed migrations.sql
var migrations embed.FS

type DatabaseConfig struct {
	Driver   string
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	Path     string
}

type PostgresStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresStorage(config DatabaseConfig, logger *zap.Logger) (*PostgresStorage, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	storage := &PostgresStorage{db: db, logger: logger}

	// Initialize database schema
	if err := storage.initializeSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	logger.Info("PostgreSQL storage ready",
		zap.String("host", config.Host),
		zap.String("dbname", config.DBName))
	return storage, nil
}

func (s *PostgresStorage) initializeSchema() error {
	// Read migrations file
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %w", err)
	}

	// Execute migrations
	_, err = s.db.Exec(string(migrationSQL))
	if err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}

	return nil
}

func (s *PostgresStorage) ReplaceSubscription(ctx context.Context, sub *models.Subscription) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE chat_id = $1`, sub.ChatID); err != nil {
		return fmt.Errorf("error retiring subscriptions: %w", err)
	}

	query := `
		INSERT INTO subscriptions (id, chat_id, chat_type, user_id, category, faculty, course, grp, url, time, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err = tx.ExecContext(ctx, query,
		sub.ID,
		sub.ChatID,
		string(sub.ChatKind),
		nullInt64(sub.UserID),
		sub.Target.Category,
		nullString(sub.Target.Faculty),
		sub.Target.Course,
		nullString(sub.Target.Group),
		sub.SourceURL,
		sub.TimeOfDay,
		sub.IsActive,
		sub.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("error creating subscription: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing subscription: %w", err)
	}
	return nil
}

func (s *PostgresStorage) DeleteSubscriptionsByChat(ctx context.Context, chatID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE chat_id = $1`, chatID); err != nil {
		return fmt.Errorf("error deleting subscriptions: %w", err)
	}
	return nil
}

const subscriptionColumns = `id, chat_id, chat_type, user_id, category, faculty, course, grp, url, time, is_active, created_at`

func (s *PostgresStorage) GetActiveSubscription(ctx context.Context, chatID string) (*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE chat_id = $1 AND is_active
		LIMIT 1`

	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, chatID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying subscription: %w", err)
	}
	return sub, nil
}

func (s *PostgresStorage) ListActiveSubscriptionsByTime(ctx context.Context, timeOfDay string) ([]*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE time = $1 AND is_active`

	return s.querySubscriptions(ctx, query, timeOfDay)
}

func (s *PostgresStorage) ListActiveSubscriptions(ctx context.Context) ([]*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE is_active
		ORDER BY created_at`

	return s.querySubscriptions(ctx, query)
}

func (s *PostgresStorage) querySubscriptions(ctx context.Context, query string, args ...any) ([]*models.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *PostgresStorage) GetCacheEntry(ctx context.Context, fingerprint string) (*models.CacheEntry, error) {
	var (
		entry       models.CacheEntry
		freshnessMS int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT cache_key, locator, created_at, freshness_ms FROM channel_cache WHERE cache_key = $1`,
		fingerprint,
	).Scan(&entry.Fingerprint, &entry.Locator, &entry.CreatedAt, &freshnessMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying cache entry: %w", err)
	}
	entry.FreshnessWindow = time.Duration(freshnessMS) * time.Millisecond
	return &entry, nil
}

func (s *PostgresStorage) PutCacheEntry(ctx context.Context, entry *models.CacheEntry) error {
	query := `
		INSERT INTO channel_cache (cache_key, locator, created_at, freshness_ms)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (cache_key) DO UPDATE
		SET locator = EXCLUDED.locator, created_at = EXCLUDED.created_at, freshness_ms = EXCLUDED.freshness_ms`

	_, err := s.db.ExecContext(ctx, query,
		entry.Fingerprint, entry.Locator, entry.CreatedAt, entry.FreshnessWindow.Milliseconds())
	if err != nil {
		return fmt.Errorf("error saving cache entry: %w", err)
	}
	return nil
}

func (s *PostgresStorage) DeleteExpiredCacheEntries(ctx context.Context, now time.Time) ([]*models.CacheEntry, error) {
	query := `
		DELETE FROM channel_cache
		WHERE created_at + freshness_ms * INTERVAL '1 millisecond' < $1
		RETURNING cache_key, locator, created_at, freshness_ms`

	return s.queryCacheEntries(ctx, query, now)
}

func (s *PostgresStorage) ListCacheEntries(ctx context.Context) ([]*models.CacheEntry, error) {
	return s.queryCacheEntries(ctx,
		`SELECT cache_key, locator, created_at, freshness_ms FROM channel_cache ORDER BY created_at DESC`)
}

func (s *PostgresStorage) ClearCacheEntries(ctx context.Context) ([]*models.CacheEntry, error) {
	return s.queryCacheEntries(ctx,
		`DELETE FROM channel_cache RETURNING cache_key, locator, created_at, freshness_ms`)
}

func (s *PostgresStorage) queryCacheEntries(ctx context.Context, query string, args ...any) ([]*models.CacheEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying cache entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.CacheEntry
	for rows.Next() {
		var (
			entry       models.CacheEntry
			freshnessMS int64
		)
		if err := rows.Scan(&entry.Fingerprint, &entry.Locator, &entry.CreatedAt, &freshnessMS); err != nil {
			return nil, fmt.Errorf("error scanning cache entry: %w", err)
		}
		entry.FreshnessWindow = time.Duration(freshnessMS) * time.Millisecond
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
