package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/xaenox/schedule-bot/internal/models"
)

type Step string

const (
	Idle                  Step = "idle"
	AwaitingCategory      Step = "awaiting_category"
	AwaitingFaculty       Step = "awaiting_faculty"
	AwaitingCourse        Step = "awaiting_course"
	AwaitingGroup         Step = "awaiting_group"
	AwaitingTime          Step = "awaiting_time"
	AwaitingBroadcastText Step = "awaiting_broadcast_text"
)

var ErrUnexpectedStep = errors.New("unexpected step")

// State is one recipient's position in a guided conversation.
type State struct {
	Step   Step
	Target models.Target
}

func (s State) expect(step Step) error {
	if s.Step != step {
		return fmt.Errorf("%w: at %s, want %s", ErrUnexpectedStep, s.Step, step)
	}
	return nil
}

// StartSubscribe begins the guided subscription flow.
func StartSubscribe() State {
	return State{Step: AwaitingCategory}
}

func StartBroadcast() State {
	return State{Step: AwaitingBroadcastText}
}

func (s State) WithCategory(category string, needsFaculty bool) (State, error) {
	if err := s.expect(AwaitingCategory); err != nil {
		return s, err
	}
	s.Target = models.Target{Category: category}
	if needsFaculty {
		s.Step = AwaitingFaculty
	} else {
		s.Step = AwaitingCourse
	}
	return s, nil
}

func (s State) WithFaculty(faculty string) (State, error) {
	if err := s.expect(AwaitingFaculty); err != nil {
		return s, err
	}
	faculty = strings.TrimSpace(faculty)
	if faculty == "" {
		return s, errors.New("faculty is empty")
	}
	s.Target.Faculty = faculty
	s.Step = AwaitingCourse
	return s, nil
}

func (s State) WithCourse(course string) (State, error) {
	if err := s.expect(AwaitingCourse); err != nil {
		return s, err
	}
	course = strings.TrimSpace(course)
	if course == "" {
		return s, errors.New("course is empty")
	}
	s.Target.Course = course
	s.Step = AwaitingGroup
	return s, nil
}

// WithGroup records the group; "-" means the target has none.
func (s State) WithGroup(group string) (State, error) {
	if err := s.expect(AwaitingGroup); err != nil {
		return s, err
	}
	group = strings.TrimSpace(group)
	if group == "-" {
		group = ""
	}
	s.Target.Group = group
	s.Step = AwaitingTime
	return s, nil
}

// Store holds conversation state per chat. Entries expire after ttl of
// inactivity and the least recently used are evicted past size.
type Store struct {
	lru *expirable.LRU[int64, State]
}

func NewStore(size int, ttl time.Duration) *Store {
	if size <= 0 {
		size = 10000
	}
	return &Store{lru: expirable.NewLRU[int64, State](size, nil, ttl)}
}

// Get returns the chat's state, Idle when none is held.
func (s *Store) Get(chatID int64) State {
	if st, ok := s.lru.Get(chatID); ok {
		return st
	}
	return State{Step: Idle}
}

func (s *Store) Put(chatID int64, st State) {
	if st.Step == Idle {
		s.lru.Remove(chatID)
		return
	}
	s.lru.Add(chatID, st)
}

func (s *Store) Clear(chatID int64) {
	s.lru.Remove(chatID)
}

func (s *Store) Len() int {
	return s.lru.Len()
}
