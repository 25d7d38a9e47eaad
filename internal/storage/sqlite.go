package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xaenox/schedule-bot/internal/models"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

//go:embed sqlite_migrations.sql
var sqliteMigrations embed.FS

// SQLiteStorage is the single-file backend for deployments without PostgreSQL.
type SQLiteStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewSQLiteStorage(path string, logger *zap.Logger) (*SQLiteStorage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStorage{db: db, logger: logger}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("SQLite storage ready", zap.String("path", path))
	return s, nil
}

func (s *SQLiteStorage) migrate(ctx context.Context) error {
	b, err := sqliteMigrations.ReadFile("sqlite_migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) ReplaceSubscription(ctx context.Context, sub *models.Subscription) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE chat_id = ?`, sub.ChatID); err != nil {
		return fmt.Errorf("error retiring subscriptions: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO subscriptions (id, chat_id, chat_type, user_id, category, faculty, course, grp, url, time, is_active, created_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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
		sub.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("error creating subscription: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing subscription: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) DeleteSubscriptionsByChat(ctx context.Context, chatID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("error deleting subscriptions: %w", err)
	}
	return nil
}

const sqliteSubscriptionColumns = `id, chat_id, chat_type, user_id, category, faculty, course, grp, url, time, is_active, created_ms`

func (s *SQLiteStorage) GetActiveSubscription(ctx context.Context, chatID string) (*models.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteSubscriptionColumns+` FROM subscriptions WHERE chat_id = ? AND is_active = 1 LIMIT 1`,
		chatID)

	sub, err := scanSQLiteSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying subscription: %w", err)
	}
	return sub, nil
}

func (s *SQLiteStorage) ListActiveSubscriptionsByTime(ctx context.Context, timeOfDay string) ([]*models.Subscription, error) {
	return s.querySubscriptions(ctx,
		`SELECT `+sqliteSubscriptionColumns+` FROM subscriptions WHERE time = ? AND is_active = 1`,
		timeOfDay)
}

func (s *SQLiteStorage) ListActiveSubscriptions(ctx context.Context) ([]*models.Subscription, error) {
	return s.querySubscriptions(ctx,
		`SELECT `+sqliteSubscriptionColumns+` FROM subscriptions WHERE is_active = 1 ORDER BY created_ms`)
}

func (s *SQLiteStorage) querySubscriptions(ctx context.Context, query string, args ...any) ([]*models.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*models.Subscription
	for rows.Next() {
		sub, err := scanSQLiteSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func scanSQLiteSubscription(row rowScanner) (*models.Subscription, error) {
	var createdMS int64
	sub, err := scanSubscriptionWith(row, &createdMS)
	if err != nil {
		return nil, err
	}
	sub.CreatedAt = time.UnixMilli(createdMS)
	return sub, nil
}

func (s *SQLiteStorage) GetCacheEntry(ctx context.Context, fingerprint string) (*models.CacheEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT cache_key, locator, created_ms, freshness_ms FROM channel_cache WHERE cache_key = ?`,
		fingerprint)

	entry, err := scanSQLiteCacheEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying cache entry: %w", err)
	}
	return entry, nil
}

func (s *SQLiteStorage) PutCacheEntry(ctx context.Context, entry *models.CacheEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_cache (cache_key, locator, created_ms, freshness_ms) VALUES (?, ?, ?, ?)
		 ON CONFLICT(cache_key) DO UPDATE SET locator = excluded.locator, created_ms = excluded.created_ms, freshness_ms = excluded.freshness_ms`,
		entry.Fingerprint, entry.Locator, entry.CreatedAt.UnixMilli(), entry.FreshnessWindow.Milliseconds())
	if err != nil {
		return fmt.Errorf("error saving cache entry: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) DeleteExpiredCacheEntries(ctx context.Context, now time.Time) ([]*models.CacheEntry, error) {
	return s.queryCacheEntries(ctx,
		`DELETE FROM channel_cache WHERE created_ms + freshness_ms < ?
		 RETURNING cache_key, locator, created_ms, freshness_ms`,
		now.UnixMilli())
}

func (s *SQLiteStorage) ListCacheEntries(ctx context.Context) ([]*models.CacheEntry, error) {
	return s.queryCacheEntries(ctx,
		`SELECT cache_key, locator, created_ms, freshness_ms FROM channel_cache ORDER BY created_ms DESC`)
}

func (s *SQLiteStorage) ClearCacheEntries(ctx context.Context) ([]*models.CacheEntry, error) {
	return s.queryCacheEntries(ctx,
		`DELETE FROM channel_cache RETURNING cache_key, locator, created_ms, freshness_ms`)
}

func (s *SQLiteStorage) queryCacheEntries(ctx context.Context, query string, args ...any) ([]*models.CacheEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying cache entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.CacheEntry
	for rows.Next() {
		entry, err := scanSQLiteCacheEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning cache entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanSQLiteCacheEntry(row rowScanner) (*models.CacheEntry, error) {
	var (
		entry       models.CacheEntry
		createdMS   int64
		freshnessMS int64
	)
	if err := row.Scan(&entry.Fingerprint, &entry.Locator, &createdMS, &freshnessMS); err != nil {
		return nil, err
	}
	entry.CreatedAt = time.UnixMilli(createdMS)
	entry.FreshnessWindow = time.Duration(freshnessMS) * time.Millisecond
	return &entry, nil
}

func (s *SQLiteStorage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
