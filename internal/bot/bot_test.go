package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xaenox/schedule-bot/internal/browser"
	"github.com/xaenox/schedule-bot/internal/cache"
	"github.com/xaenox/schedule-bot/internal/capture"
	"github.com/xaenox/schedule-bot/internal/models"
	"github.com/xaenox/schedule-bot/internal/resolver"
	"github.com/xaenox/schedule-bot/internal/session"
	"github.com/xaenox/schedule-bot/internal/storage"
	"github.com/xaenox/schedule-bot/internal/subscription"
)

type fakeAPI struct {
	mu       sync.Mutex
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
	nextID   int
	sendErr  func(c tgbotapi.Chattable) error
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		if err := f.sendErr(c); err != nil {
			return tgbotapi.Message{}, err
		}
	}
	f.sent = append(f.sent, c)
	f.nextID++
	return tgbotapi.Message{MessageID: f.nextID}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return make(chan tgbotapi.Update)
}

func (f *fakeAPI) StopReceivingUpdates() {}

// texts returns the text of every plain or edited message sent.
func (f *fakeAPI) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.sent {
		switch m := c.(type) {
		case tgbotapi.MessageConfig:
			out = append(out, m.Text)
		case tgbotapi.EditMessageTextConfig:
			out = append(out, m.Text)
		}
	}
	return out
}

func (f *fakeAPI) photos() []tgbotapi.PhotoConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tgbotapi.PhotoConfig
	for _, c := range f.sent {
		if p, ok := c.(tgbotapi.PhotoConfig); ok {
			out = append(out, p)
		}
	}
	return out
}

type fakeArtifacts struct {
	mu        sync.Mutex
	err       error
	calls     []bool // forceRefresh per call
	discarded int
	cleared   int
	swept     int
}

func (f *fakeArtifacts) GetOrCapture(ctx context.Context, url, fingerprint string, force bool) (*cache.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, force)
	if f.err != nil {
		return nil, f.err
	}
	return &cache.Artifact{Fingerprint: fingerprint, Ref: "/s/master.jpeg", Path: "/s/copy.jpeg", CreatedAt: time.Now()}, nil
}

func (f *fakeArtifacts) Discard(*cache.Artifact) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discarded++
}

func (f *fakeArtifacts) Entries(context.Context) ([]*models.CacheEntry, error) {
	return []*models.CacheEntry{{Fingerprint: "a", CreatedAt: time.Now(), FreshnessWindow: time.Hour}}, nil
}

func (f *fakeArtifacts) Clear(context.Context) (int, error) {
	f.cleared++
	return 3, nil
}

func (f *fakeArtifacts) Sweep(context.Context) (cache.SweepResult, error) {
	f.swept++
	return cache.SweepResult{Entries: 1, Files: 2}, nil
}

const adminID = 1

type harness struct {
	api       *fakeAPI
	artifacts *fakeArtifacts
	registry  *subscription.Registry
	bot       *Bot
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	res, err := resolver.New(resolver.Config{
		URLTemplate:     "https://tt.example.edu/{category}/{faculty}/{course}/{group}",
		Categories:      []string{"bakalavr", "magistr"},
		FacultyRequired: []string{"bakalavr"},
	})
	require.NoError(t, err)

	h := &harness{
		api:       &fakeAPI{},
		artifacts: &fakeArtifacts{},
		registry:  subscription.NewRegistry(storage.NewMemoryStorage(), zap.NewNop()),
	}
	h.bot = New(h.api, Deps{
		Artifacts:     h.artifacts,
		Subscriptions: h.registry,
		Resolver:      res,
		Sessions:      session.NewStore(100, time.Hour),
	}, Config{AdminIDs: []int64{adminID}}, zap.NewNop())
	h.bot.now = func() time.Time { return time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC) }
	return h
}

func message(chatID, fromID int64, text string) tgbotapi.Update {
	msg := &tgbotapi.Message{
		Text: text,
		Chat: &tgbotapi.Chat{ID: chatID, Type: "private"},
		From: &tgbotapi.User{ID: fromID},
	}
	if strings.HasPrefix(text, "/") {
		cmd, _, _ := strings.Cut(text, " ")
		msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}}
	}
	return tgbotapi.Update{Message: msg}
}

func callback(chatID, fromID int64, data string) tgbotapi.Update {
	return tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb",
		Data:    data,
		From:    &tgbotapi.User{ID: fromID},
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: chatID, Type: "private"}},
	}}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		unreachable bool
	}{
		{"blocked", &tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"}, true},
		{"chat not found", &tgbotapi.Error{Code: 400, Message: "Bad Request: chat not found"}, true},
		{"server error", &tgbotapi.Error{Code: 500, Message: "Internal Server Error"}, false},
		{"network", errors.New("dial tcp: timeout"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyError(tt.err)
			assert.Equal(t, tt.unreachable, errors.Is(err, ErrRecipientUnreachable))
		})
	}
}

func TestTransportSendImage(t *testing.T) {
	api := &fakeAPI{}
	tr := NewTransport(api, zap.NewNop())

	require.NoError(t, tr.SendImage(context.Background(), "-100123", "/s/a.jpeg", "caption"))
	photos := api.photos()
	require.Len(t, photos, 1)
	assert.Equal(t, int64(-100123), photos[0].ChatID)
	assert.Equal(t, "caption", photos[0].Caption)

	assert.Error(t, tr.SendImage(context.Background(), "not-a-number", "/s/a.jpeg", ""))

	api.sendErr = func(tgbotapi.Chattable) error { return &tgbotapi.Error{Code: 403, Message: "Forbidden"} }
	err := tr.SendText(context.Background(), "42", "hi")
	assert.ErrorIs(t, err, ErrRecipientUnreachable)
}

func TestRefreshCallbackData(t *testing.T) {
	target := models.Target{Category: "bakalavr", Faculty: "CS", Course: "2", Group: "201"}
	data, ok := encodeRefresh(target)
	require.True(t, ok)
	assert.LessOrEqual(t, len(data), maxCallbackData)

	got, ok := decodeRefresh(data)
	require.True(t, ok)
	assert.Equal(t, target, got)

	_, ok = encodeRefresh(models.Target{Category: "a|b", Course: "1"})
	assert.False(t, ok)
	_, ok = encodeRefresh(models.Target{Category: "bakalavr", Faculty: strings.Repeat("x", 80), Course: "1"})
	assert.False(t, ok)

	_, ok = decodeRefresh("c|bakalavr")
	assert.False(t, ok)
	_, ok = decodeRefresh("r|bakalavr|CS")
	assert.False(t, ok)
}

func TestParseTargetArgs(t *testing.T) {
	got, err := parseTargetArgs("bakalavr CS 2 201")
	require.NoError(t, err)
	assert.Equal(t, models.Target{Category: "bakalavr", Faculty: "CS", Course: "2", Group: "201"}, got)

	got, err = parseTargetArgs("magistr - 1")
	require.NoError(t, err)
	assert.Equal(t, models.Target{Category: "magistr", Course: "1"}, got)

	_, err = parseTargetArgs("bakalavr")
	assert.Error(t, err)
}

func TestFriendlyError(t *testing.T) {
	slow := &capture.CaptureFailedError{URL: "u", Attempts: 3, Err: fmt.Errorf("%w: navigate", browser.ErrRenderTimeout)}
	broken := &capture.CaptureFailedError{URL: "u", Attempts: 3, Err: browser.ErrSessionUnavailable}

	assert.Contains(t, friendlyError(slow), "slowly")
	assert.Contains(t, friendlyError(broken), "administrator")
	assert.NotEqual(t, friendlyError(slow), friendlyError(broken))
	assert.Contains(t, friendlyError(errors.New("x")), "Could not load")
}

func TestViewShowsTimetableAndRemovesLoading(t *testing.T) {
	h := newHarness(t)
	h.bot.handleUpdate(context.Background(), message(10, 10, "/view bakalavr CS 2 201"))

	photos := h.api.photos()
	require.Len(t, photos, 1)
	assert.Equal(t, "📅 11/03/2024 | 🕐 09:00\n\n🏛 CS\n📚 2\n👥 201", photos[0].Caption)
	assert.NotNil(t, photos[0].ReplyMarkup)
	assert.Equal(t, []bool{false}, h.artifacts.calls)
	assert.Equal(t, 1, h.artifacts.discarded)

	require.Len(t, h.api.requests, 1)
	del, ok := h.api.requests[0].(tgbotapi.DeleteMessageConfig)
	require.True(t, ok, "loading message deleted")
	assert.Equal(t, 1, del.MessageID)
}

func TestViewFailureReplacesLoading(t *testing.T) {
	h := newHarness(t)
	h.artifacts.err = &capture.CaptureFailedError{URL: "u", Attempts: 3, Err: browser.ErrRenderTimeout}

	h.bot.handleUpdate(context.Background(), message(10, 10, "/view bakalavr CS 2 201"))

	assert.Empty(t, h.api.photos())
	texts := h.api.texts()
	require.Len(t, texts, 2)
	assert.Equal(t, "⏳ Loading timetable...", texts[0])
	assert.Contains(t, texts[1], "slowly")

	h.api.mu.Lock()
	_, edited := h.api.sent[1].(tgbotapi.EditMessageTextConfig)
	h.api.mu.Unlock()
	assert.True(t, edited)
}

func TestViewRejectsUnknownTarget(t *testing.T) {
	h := newHarness(t)
	h.bot.handleUpdate(context.Background(), message(10, 10, "/view phd - 1"))

	assert.Empty(t, h.artifacts.calls)
	assert.Contains(t, h.api.texts()[0], "No timetable")
}

func TestRefreshCallbackForcesCapture(t *testing.T) {
	h := newHarness(t)
	data, ok := encodeRefresh(models.Target{Category: "bakalavr", Faculty: "CS", Course: "2", Group: "201"})
	require.True(t, ok)

	h.bot.handleUpdate(context.Background(), callback(10, 10, data))

	assert.Equal(t, []bool{true}, h.artifacts.calls)
	assert.Len(t, h.api.photos(), 1)
}

func TestGuidedSubscribe(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.bot.handleUpdate(ctx, message(10, 77, "/subscribe"))
	h.bot.handleUpdate(ctx, callback(10, 77, "c|bakalavr"))
	h.bot.handleUpdate(ctx, message(10, 77, "CS"))
	h.bot.handleUpdate(ctx, message(10, 77, "2"))
	h.bot.handleUpdate(ctx, message(10, 77, "201"))
	h.bot.handleUpdate(ctx, message(10, 77, "25:00"))
	h.bot.handleUpdate(ctx, message(10, 77, "9:00"))

	sub, err := h.registry.FindActiveByChat(ctx, "10")
	require.NoError(t, err)
	assert.Equal(t, "09:00", sub.TimeOfDay)
	assert.Equal(t, models.PrivateChat, sub.ChatKind)
	assert.Equal(t, int64(77), sub.UserID)
	assert.Equal(t, "bakalavr_CS_2_201", sub.Target.Fingerprint())
	assert.Equal(t, "https://tt.example.edu/bakalavr/CS/2/201", sub.SourceURL)
	assert.Equal(t, session.Idle, h.bot.deps.Sessions.Get(10).Step)

	texts := h.api.texts()
	assert.Contains(t, texts, "Please send the time as HH:mm, e.g. 08:30")
	assert.Contains(t, texts[len(texts)-1], "every day at 09:00")

	h.bot.handleUpdate(ctx, message(10, 77, "/mysubscription"))
	assert.Contains(t, h.api.texts()[len(h.api.texts())-1], "09:00")

	h.bot.handleUpdate(ctx, message(10, 77, "/unsubscribe"))
	_, err = h.registry.FindActiveByChat(ctx, "10")
	assert.ErrorIs(t, err, subscription.ErrNotFound)
}

func TestSubscribeRejectsUnknownCategory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.bot.handleUpdate(ctx, message(10, 77, "/subscribe"))
	h.bot.handleUpdate(ctx, message(10, 77, "phd"))

	assert.Equal(t, session.AwaitingCategory, h.bot.deps.Sessions.Get(10).Step)
	assert.Contains(t, h.api.texts()[len(h.api.texts())-1], "Unknown category")
}

func TestAdminCommandsRequireAdmin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.bot.handleUpdate(ctx, message(20, 99, "/clearcache"))
	assert.Zero(t, h.artifacts.cleared)

	h.bot.handleUpdate(ctx, message(20, adminID, "/clearcache"))
	assert.Equal(t, 1, h.artifacts.cleared)

	h.bot.handleUpdate(ctx, message(20, adminID, "/sweep"))
	assert.Equal(t, 1, h.artifacts.swept)

	h.bot.handleUpdate(ctx, message(20, adminID, "/stats"))
	assert.Contains(t, h.api.texts()[len(h.api.texts())-1], "Cached timetables: 1 (1 fresh)")
}

func TestBroadcast(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, chat := range []string{"100", "200", "300"} {
		_, err := h.registry.Create(ctx, models.Subscription{
			ChatID:    chat,
			Target:    models.Target{Category: "magistr", Course: "1"},
			TimeOfDay: "08:00",
			SourceURL: "https://tt.example.edu/magistr//1/",
		})
		require.NoError(t, err)
	}
	h.api.sendErr = func(c tgbotapi.Chattable) error {
		if m, ok := c.(tgbotapi.MessageConfig); ok && m.ChatID == 200 {
			return &tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"}
		}
		return nil
	}

	h.bot.handleUpdate(ctx, message(20, adminID, "/broadcast"))
	assert.Equal(t, session.AwaitingBroadcastText, h.bot.deps.Sessions.Get(20).Step)

	h.bot.handleUpdate(ctx, message(20, adminID, "Classes start at 9 tomorrow"))

	texts := h.api.texts()
	assert.Contains(t, texts, "📢 Classes start at 9 tomorrow")
	assert.Equal(t, "📢 Broadcast sent to 2 chats (1 unreachable, 0 failed).", texts[len(texts)-1])
	assert.Equal(t, session.Idle, h.bot.deps.Sessions.Get(20).Step)
}

func TestStartStopsOnContextDone(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.bot.Start(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return")
	}
}
