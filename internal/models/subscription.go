package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type ChatKind string

const (
	PrivateChat ChatKind = "private"
	GroupChat   ChatKind = "group"
)

// Subscription is a daily delivery of a target's timetable to one chat.
type Subscription struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	ChatKind  ChatKind  `json:"chat_kind"`
	UserID    int64     `json:"user_id,omitempty"`
	Target    Target    `json:"target"`
	TimeOfDay string    `json:"time_of_day"`
	SourceURL string    `json:"source_url"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// ParseTimeOfDay validates a wall-clock time and normalizes it to zero-padded HH:mm.
func ParseTimeOfDay(s string) (string, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return "", fmt.Errorf("invalid time %q, expected HH:mm", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 || len(hh) > 2 {
		return "", fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 || len(mm) > 2 {
		return "", fmt.Errorf("invalid minute in %q", s)
	}
	return fmt.Sprintf("%02d:%02d", h, m), nil
}

// ClockTime formats t as the HH:mm key subscriptions are matched against.
func ClockTime(t time.Time) string {
	return t.Format("15:04")
}
