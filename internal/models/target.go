package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Target identifies a timetable page: category, optional faculty, course and
// optional group. An empty Faculty or Group means "none".
type Target struct {
	Category string `json:"category"`
	Faculty  string `json:"faculty,omitempty"`
	Course   string `json:"course"`
	Group    string `json:"group,omitempty"`
}

func (t Target) fields() []string {
	return []string{t.Category, t.Faculty, t.Course, t.Group}
}

// Fingerprint returns the cache key of the target.
//
// Plain targets (letters, digits and '-') map to the underscore-joined fields,
// e.g. "bakalavr_CS_2_201". Anything else is sanitized and suffixed with a
// short hash of the raw fields so that sanitization never merges two targets.
func (t Target) Fingerprint() string {
	fields := t.fields()
	plain := true
	parts := make([]string, len(fields))
	for i, f := range fields {
		if !isPlain(f) {
			plain = false
		}
		parts[i] = SanitizeKey(f)
	}

	key := strings.Join(parts, "_")
	if plain {
		return key
	}

	sum := sha256.Sum256([]byte(strings.Join(fields, "\x00")))
	return key + "-" + hex.EncodeToString(sum[:4])
}

// Describe renders the target for captions: "CS – 2 – 201".
func (t Target) Describe() string {
	parts := make([]string, 0, 3)
	if t.Faculty != "" {
		parts = append(parts, t.Faculty)
	}
	parts = append(parts, t.Course)
	if t.Group != "" {
		parts = append(parts, t.Group)
	}
	return strings.Join(parts, " – ")
}

// SanitizeKey replaces every character that is not safe in a file name with '_'.
func SanitizeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		if isSafeRune(r) || r == '_' {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('_')
	}
	return b.String()
}

func isPlain(s string) bool {
	for _, r := range s {
		if !isSafeRune(r) {
			return false
		}
	}
	return true
}

func isSafeRune(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') ||
		r == '-'
}
