package resolver

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/xaenox/schedule-bot/internal/models"
)

var (
	ErrUnknownCategory = errors.New("unknown category")
	ErrMissingField    = errors.New("missing target field")
)

type Config struct {
	// URLTemplate is filled with {category}, {faculty}, {course} and {group}.
	URLTemplate     string   `mapstructure:"url_template"`
	Categories      []string `mapstructure:"categories"`
	FacultyRequired []string `mapstructure:"faculty_required"`
}

// Resolver maps targets to the URL of their timetable page.
type Resolver struct {
	cfg Config
}

func New(cfg Config) (*Resolver, error) {
	u, err := url.Parse(strings.NewReplacer("{", "", "}", "").Replace(cfg.URLTemplate))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid url template %q", cfg.URLTemplate)
	}
	return &Resolver{cfg: cfg}, nil
}

func (r *Resolver) Categories() []string {
	return slices.Clone(r.cfg.Categories)
}

// RequiresFaculty reports whether targets of category must name a faculty.
func (r *Resolver) RequiresFaculty(category string) bool {
	return slices.Contains(r.cfg.FacultyRequired, category)
}

// Validate checks the target against the configured catalog.
func (r *Resolver) Validate(t models.Target) error {
	if t.Category == "" {
		return fmt.Errorf("%w: category", ErrMissingField)
	}
	if len(r.cfg.Categories) > 0 && !slices.Contains(r.cfg.Categories, t.Category) {
		return fmt.Errorf("%w: %s", ErrUnknownCategory, t.Category)
	}
	if r.RequiresFaculty(t.Category) && t.Faculty == "" {
		return fmt.Errorf("%w: faculty", ErrMissingField)
	}
	if t.Course == "" {
		return fmt.Errorf("%w: course", ErrMissingField)
	}
	return nil
}

func (r *Resolver) Resolve(t models.Target) (string, error) {
	if err := r.Validate(t); err != nil {
		return "", err
	}
	return strings.NewReplacer(
		"{category}", url.QueryEscape(t.Category),
		"{faculty}", url.QueryEscape(t.Faculty),
		"{course}", url.QueryEscape(t.Course),
		"{group}", url.QueryEscape(t.Group),
	).Replace(r.cfg.URLTemplate), nil
}
