package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/xaenox/schedule-bot/internal/dispatch"
)

// ErrRecipientUnreachable means the chat blocked the bot or no longer exists.
var ErrRecipientUnreachable = dispatch.ErrRecipientUnreachable

// botAPI is the part of *tgbotapi.BotAPI the bot uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Transport delivers messages to chats addressed by their string id.
type Transport struct {
	api    botAPI
	logger *zap.Logger
}

func NewTransport(api botAPI, logger *zap.Logger) *Transport {
	return &Transport{api: api, logger: logger}
}

func (t *Transport) SendImage(ctx context.Context, chatID, path, caption string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	photo := tgbotapi.NewPhoto(id, tgbotapi.FilePath(path))
	photo.Caption = caption
	if _, err := t.api.Send(photo); err != nil {
		return classifyError(err)
	}
	return nil
}

func (t *Transport) SendText(ctx context.Context, chatID, text string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := t.api.Send(tgbotapi.NewMessage(id, text)); err != nil {
		return classifyError(err)
	}
	return nil
}

func isUnreachable(err error) bool {
	return errors.Is(err, ErrRecipientUnreachable)
}

func parseChatID(chatID string) (int64, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat id %q: %w", chatID, err)
	}
	return id, nil
}

func formatChatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// classifyError marks permanent delivery rejections as ErrRecipientUnreachable.
func classifyError(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		msg := strings.ToLower(apiErr.Message)
		if apiErr.Code == 403 ||
			strings.Contains(msg, "chat not found") ||
			strings.Contains(msg, "bot was blocked") ||
			strings.Contains(msg, "user is deactivated") {
			return fmt.Errorf("%w: %s", ErrRecipientUnreachable, apiErr.Message)
		}
	}
	return fmt.Errorf("telegram: %w", err)
}
