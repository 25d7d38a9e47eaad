package storage

import (
	"database/sql"
	"time"

	"github.com/xaenox/schedule-bot/internal/models"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*models.Subscription, error) {
	var createdAt time.Time
	sub, err := scanSubscriptionWith(row, &createdAt)
	if err != nil {
		return nil, err
	}
	sub.CreatedAt = createdAt
	return sub, nil
}

// scanSubscriptionWith scans the subscription columns, reading created_at into
// the backend-specific destination.
func scanSubscriptionWith(row rowScanner, createdAt any) (*models.Subscription, error) {
	var (
		sub      models.Subscription
		chatKind string
		userID   sql.NullInt64
		faculty  sql.NullString
		group    sql.NullString
	)
	err := row.Scan(
		&sub.ID,
		&sub.ChatID,
		&chatKind,
		&userID,
		&sub.Target.Category,
		&faculty,
		&sub.Target.Course,
		&group,
		&sub.SourceURL,
		&sub.TimeOfDay,
		&sub.IsActive,
		createdAt,
	)
	if err != nil {
		return nil, err
	}
	sub.ChatKind = models.ChatKind(chatKind)
	sub.UserID = userID.Int64
	sub.Target.Faculty = faculty.String
	sub.Target.Group = group.String
	return &sub, nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullInt64(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
