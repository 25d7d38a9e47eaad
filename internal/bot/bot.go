package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xaenox/schedule-bot/internal/browser"
	"github.com/xaenox/schedule-bot/internal/cache"
	"github.com/xaenox/schedule-bot/internal/dispatch"
	"github.com/xaenox/schedule-bot/internal/models"
	"github.com/xaenox/schedule-bot/internal/resolver"
	"github.com/xaenox/schedule-bot/internal/session"
)

// Artifacts is the artifact cache as seen by the bot.
type Artifacts interface {
	GetOrCapture(ctx context.Context, url, fingerprint string, forceRefresh bool) (*cache.Artifact, error)
	Discard(art *cache.Artifact)
	Entries(ctx context.Context) ([]*models.CacheEntry, error)
	Clear(ctx context.Context) (int, error)
	Sweep(ctx context.Context) (cache.SweepResult, error)
}

type Subscriptions interface {
	Create(ctx context.Context, sub models.Subscription) (*models.Subscription, error)
	Delete(ctx context.Context, chatID string) error
	FindActiveByChat(ctx context.Context, chatID string) (*models.Subscription, error)
	ListActive(ctx context.Context) ([]*models.Subscription, error)
}

type Config struct {
	Token          string        `mapstructure:"token"`
	AdminIDs       []int64       `mapstructure:"admin_ids"`
	UpdateTimeout  int           `mapstructure:"update_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type Deps struct {
	Artifacts     Artifacts
	Subscriptions Subscriptions
	Resolver      *resolver.Resolver
	Sessions      *session.Store
	Limiter       *rate.Limiter
}

type Bot struct {
	api       botAPI
	transport *Transport
	deps      Deps
	cfg       Config
	admins    map[int64]bool
	logger    *zap.Logger

	wg  sync.WaitGroup
	now func() time.Time
}

// NewAPI connects to Telegram with token.
func NewAPI(token string) (*tgbotapi.BotAPI, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	return api, nil
}

func New(api botAPI, deps Deps, cfg Config, logger *zap.Logger) *Bot {
	if cfg.UpdateTimeout <= 0 {
		cfg.UpdateTimeout = 60
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 3 * time.Minute
	}
	if deps.Limiter == nil {
		deps.Limiter = rate.NewLimiter(rate.Inf, 0)
	}
	admins := make(map[int64]bool, len(cfg.AdminIDs))
	for _, id := range cfg.AdminIDs {
		admins[id] = true
	}
	return &Bot{
		api:       api,
		transport: NewTransport(api, logger),
		deps:      deps,
		cfg:       cfg,
		admins:    admins,
		logger:    logger,
		now:       time.Now,
	}
}

// Transport returns the sender used for scheduled deliveries.
func (b *Bot) Transport() *Transport { return b.transport }

// Start polls for updates until ctx is done, then waits for running handlers.
func (b *Bot) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.cfg.UpdateTimeout

	updates := b.api.GetUpdatesChan(u)
	b.logger.Info("Bot started")

	defer b.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.logger.Info("Bot stopped")
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.handleUpdate(ctx, update)
			}()
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Handler panicked", zap.Any("panic", r), zap.Int("update_id", update.UpdateID))
		}
	}()

	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		b.handleMessage(ctx, update.Message)
	}
}

func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	if message.Chat == nil {
		return
	}
	if message.IsCommand() {
		b.handleCommand(ctx, message)
		return
	}
	if message.Text == "" {
		return
	}
	b.handleConversation(ctx, message)
}

func (b *Bot) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	switch message.Command() {
	case "start":
		b.handleStart(message)
	case "help":
		b.handleHelp(message)
	case "view":
		b.handleView(ctx, message)
	case "subscribe":
		b.handleSubscribe(message)
	case "unsubscribe":
		b.handleUnsubscribe(ctx, message)
	case "mysubscription":
		b.handleMySubscription(ctx, message)
	case "cancel":
		b.deps.Sessions.Clear(message.Chat.ID)
		b.sendMessage(message.Chat.ID, "Cancelled.")
	case "stats", "clearcache", "sweep", "broadcast":
		b.handleAdminCommand(ctx, message)
	default:
		b.sendMessage(message.Chat.ID, "Unknown command. Use /help to see available commands.")
	}
}

func (b *Bot) handleStart(message *tgbotapi.Message) {
	welcome := `Welcome to the timetable bot! 📅
I send pictures of your class timetable, on request or every day at a time you choose.

Use /view to see a timetable now or /subscribe for daily delivery.
Use /help to see all available commands.`

	b.sendMessage(message.Chat.ID, welcome)
}

func (b *Bot) handleHelp(message *tgbotapi.Message) {
	help := `Available commands:
/view <category> <faculty|-> <course> [group] - Show a timetable
/subscribe - Get a timetable every day
/unsubscribe - Stop daily timetables
/mysubscription - Show your subscription
/cancel - Abort the current dialog
/help - Show this help message`

	if len(b.deps.Resolver.Categories()) > 0 {
		help += "\n\nCategories: " + strings.Join(b.deps.Resolver.Categories(), ", ")
	}
	b.sendMessage(message.Chat.ID, help)
}

func (b *Bot) handleView(ctx context.Context, message *tgbotapi.Message) {
	target, err := parseTargetArgs(message.CommandArguments())
	if err != nil {
		b.sendMessage(message.Chat.ID, "Usage: /view <category> <faculty|-> <course> [group]\nExample: /view bakalavr CS 2 201")
		return
	}
	b.showTimetable(ctx, message.Chat.ID, target, false)
}

// parseTargetArgs reads "<category> <faculty|-> <course> [group|-]".
func parseTargetArgs(args string) (models.Target, error) {
	fields := strings.Fields(args)
	if len(fields) < 3 || len(fields) > 4 {
		return models.Target{}, errors.New("expected 3 or 4 arguments")
	}
	none := func(s string) string {
		if s == "-" {
			return ""
		}
		return s
	}
	t := models.Target{
		Category: fields[0],
		Faculty:  none(fields[1]),
		Course:   fields[2],
	}
	if len(fields) == 4 {
		t.Group = none(fields[3])
	}
	return t, nil
}

// showTimetable sends a loading message, replaces it with the timetable or
// with an error, and never leaves it behind.
func (b *Bot) showTimetable(ctx context.Context, chatID int64, target models.Target, forceRefresh bool) {
	url, err := b.deps.Resolver.Resolve(target)
	if err != nil {
		b.sendMessage(chatID, "❌ No timetable for that selection: "+err.Error())
		return
	}

	loading, err := b.api.Send(tgbotapi.NewMessage(chatID, "⏳ Loading timetable..."))
	if err != nil {
		b.logger.Error("Failed to send loading message", zap.Error(err), zap.Int64("chat_id", chatID))
	}

	art, err := b.deps.Artifacts.GetOrCapture(ctx, url, target.Fingerprint(), forceRefresh)
	if err != nil {
		b.logger.Error("Failed to get timetable",
			zap.Error(err),
			zap.Int64("chat_id", chatID),
			zap.String("fingerprint", target.Fingerprint()))
		b.replaceMessage(chatID, loading.MessageID, friendlyError(err))
		return
	}
	defer b.deps.Artifacts.Discard(art)

	b.deleteMessage(chatID, loading.MessageID)

	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FilePath(art.Path))
	photo.Caption = dispatch.Caption(target, b.now())
	if data, ok := encodeRefresh(target); ok {
		photo.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🔄 Refresh", data)),
		)
	}
	if _, err := b.api.Send(photo); err != nil {
		b.logger.Error("Failed to send timetable", zap.Error(err), zap.Int64("chat_id", chatID))
		b.sendErrorMessage(chatID, "Sorry, I couldn't send the timetable. Please try again.")
		return
	}

	b.logger.Info("Timetable shown",
		zap.Int64("chat_id", chatID),
		zap.String("fingerprint", target.Fingerprint()),
		zap.Bool("from_cache", art.FromCache),
		zap.Bool("refresh", forceRefresh))
}

// friendlyError tells a slow source apart from a broken browser.
func friendlyError(err error) string {
	switch {
	case errors.Is(err, browser.ErrRenderTimeout), errors.Is(err, context.DeadlineExceeded):
		return "⚠️ Server is responding slowly. Please wait a moment and try again."
	case errors.Is(err, browser.ErrSessionUnavailable):
		return "❌ Server issue. Please notify the administrator."
	default:
		return "⚠️ Could not load the timetable. Please try again later."
	}
}

func (b *Bot) handleCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	if _, err := b.api.Request(tgbotapi.NewCallback(cq.ID, "")); err != nil {
		b.logger.Debug("Failed to answer callback", zap.Error(err))
	}
	if cq.Message == nil || cq.Message.Chat == nil {
		return
	}
	chatID := cq.Message.Chat.ID

	if target, ok := decodeRefresh(cq.Data); ok {
		b.showTimetable(ctx, chatID, target, true)
		return
	}
	if category, ok := strings.CutPrefix(cq.Data, categoryPrefix); ok {
		b.advanceSubscribe(ctx, chatID, cq.Message.Chat.Type, userID(cq.From), category)
		return
	}
	b.logger.Debug("Unknown callback", zap.String("data", cq.Data))
}

const (
	refreshPrefix  = "r|"
	categoryPrefix = "c|"
	// Telegram rejects callback data longer than this.
	maxCallbackData = 64
)

// encodeRefresh packs target into callback data. ok is false when the target
// does not fit or contains the separator.
func encodeRefresh(t models.Target) (string, bool) {
	fields := []string{t.Category, t.Faculty, t.Course, t.Group}
	for _, f := range fields {
		if strings.Contains(f, "|") {
			return "", false
		}
	}
	data := refreshPrefix + strings.Join(fields, "|")
	if len(data) > maxCallbackData {
		return "", false
	}
	return data, true
}

func decodeRefresh(data string) (models.Target, bool) {
	rest, ok := strings.CutPrefix(data, refreshPrefix)
	if !ok {
		return models.Target{}, false
	}
	parts := strings.Split(rest, "|")
	if len(parts) != 4 || parts[0] == "" || parts[2] == "" {
		return models.Target{}, false
	}
	return models.Target{Category: parts[0], Faculty: parts[1], Course: parts[2], Group: parts[3]}, true
}

func userID(u *tgbotapi.User) int64 {
	if u == nil {
		return 0
	}
	return u.ID
}

func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) sendErrorMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, "⚠️ "+text)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send error message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

// replaceMessage edits messageID to text, falling back to a new message.
func (b *Bot) replaceMessage(chatID int64, messageID int, text string) {
	if messageID != 0 {
		if _, err := b.api.Send(tgbotapi.NewEditMessageText(chatID, messageID, text)); err == nil {
			return
		}
		b.deleteMessage(chatID, messageID)
	}
	b.sendMessage(chatID, text)
}

func (b *Bot) deleteMessage(chatID int64, messageID int) {
	if messageID == 0 {
		return
	}
	if _, err := b.api.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		b.logger.Debug("Failed to delete message", zap.Error(err), zap.Int64("chat_id", chatID))
	}
}
