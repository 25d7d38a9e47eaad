package bot

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/xaenox/schedule-bot/internal/models"
	"github.com/xaenox/schedule-bot/internal/session"
	"github.com/xaenox/schedule-bot/internal/subscription"
)

func (b *Bot) handleSubscribe(message *tgbotapi.Message) {
	chatID := message.Chat.ID
	b.deps.Sessions.Put(chatID, session.StartSubscribe())

	categories := b.deps.Resolver.Categories()
	msg := tgbotapi.NewMessage(chatID, "Choose a category:")
	if len(categories) == 0 {
		msg.Text = "Send the category:"
	} else {
		rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(categories))
		for _, c := range categories {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(c, categoryPrefix+c)))
		}
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	}
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send category prompt", zap.Error(err), zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) handleConversation(ctx context.Context, message *tgbotapi.Message) {
	chatID := message.Chat.ID
	st := b.deps.Sessions.Get(chatID)

	switch st.Step {
	case session.Idle:
		if message.Chat.IsPrivate() {
			b.sendMessage(chatID, "Use /help to see available commands.")
		}
	case session.AwaitingBroadcastText:
		if !b.isAdmin(userID(message.From)) {
			b.deps.Sessions.Clear(chatID)
			return
		}
		b.deps.Sessions.Clear(chatID)
		b.broadcast(ctx, chatID, message.Text)
	default:
		b.advanceSubscribe(ctx, chatID, message.Chat.Type, userID(message.From), message.Text)
	}
}

// advanceSubscribe feeds one answer into the subscription dialog.
func (b *Bot) advanceSubscribe(ctx context.Context, chatID int64, chatType string, uid int64, input string) {
	st := b.deps.Sessions.Get(chatID)
	input = strings.TrimSpace(input)

	var (
		next   session.State
		err    error
		prompt string
	)
	switch st.Step {
	case session.AwaitingCategory:
		if cats := b.deps.Resolver.Categories(); len(cats) > 0 && !slices.Contains(cats, input) {
			b.sendMessage(chatID, "Unknown category. Choose one of: "+strings.Join(cats, ", "))
			return
		}
		next, err = st.WithCategory(input, b.deps.Resolver.RequiresFaculty(input))
		if next.Step == session.AwaitingFaculty {
			prompt = "Send the faculty:"
		} else {
			prompt = "Send the course:"
		}
	case session.AwaitingFaculty:
		next, err = st.WithFaculty(input)
		prompt = "Send the course:"
	case session.AwaitingCourse:
		next, err = st.WithCourse(input)
		prompt = "Send the group (or - for none):"
	case session.AwaitingGroup:
		next, err = st.WithGroup(input)
		if err == nil {
			if _, rerr := b.deps.Resolver.Resolve(next.Target); rerr != nil {
				b.deps.Sessions.Clear(chatID)
				b.sendMessage(chatID, "❌ No timetable for that selection: "+rerr.Error()+"\nStart again with /subscribe.")
				return
			}
		}
		prompt = "At what time should I send it every day? (HH:mm, e.g. 08:30)"
	case session.AwaitingTime:
		b.completeSubscribe(ctx, chatID, chatType, uid, st.Target, input)
		return
	default:
		return
	}

	if err != nil {
		b.sendMessage(chatID, "Please try again: "+err.Error())
		return
	}
	b.deps.Sessions.Put(chatID, next)
	b.sendMessage(chatID, prompt)
}

func (b *Bot) completeSubscribe(ctx context.Context, chatID int64, chatType string, uid int64, target models.Target, timeOfDay string) {
	url, err := b.deps.Resolver.Resolve(target)
	if err != nil {
		b.deps.Sessions.Clear(chatID)
		b.sendMessage(chatID, "❌ No timetable for that selection: "+err.Error())
		return
	}

	kind := models.GroupChat
	if chatType == "private" {
		kind = models.PrivateChat
	}

	sub, err := b.deps.Subscriptions.Create(ctx, models.Subscription{
		ChatID:    formatChatID(chatID),
		ChatKind:  kind,
		UserID:    uid,
		Target:    target,
		TimeOfDay: timeOfDay,
		SourceURL: url,
	})
	if errors.Is(err, subscription.ErrInvalid) {
		b.sendMessage(chatID, "Please send the time as HH:mm, e.g. 08:30")
		return
	}
	b.deps.Sessions.Clear(chatID)
	if err != nil {
		b.logger.Error("Failed to create subscription", zap.Error(err), zap.Int64("chat_id", chatID))
		b.sendErrorMessage(chatID, "Sorry, I couldn't save your subscription. Please try again.")
		return
	}

	b.sendMessage(chatID, fmt.Sprintf("✅ Subscribed: %s every day at %s.", sub.Target.Describe(), sub.TimeOfDay))
}

func (b *Bot) handleUnsubscribe(ctx context.Context, message *tgbotapi.Message) {
	if err := b.deps.Subscriptions.Delete(ctx, formatChatID(message.Chat.ID)); err != nil {
		b.logger.Error("Failed to delete subscription", zap.Error(err), zap.Int64("chat_id", message.Chat.ID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't remove your subscription. Please try again.")
		return
	}
	b.sendMessage(message.Chat.ID, "Daily timetables stopped.")
}

func (b *Bot) handleMySubscription(ctx context.Context, message *tgbotapi.Message) {
	sub, err := b.deps.Subscriptions.FindActiveByChat(ctx, formatChatID(message.Chat.ID))
	if errors.Is(err, subscription.ErrNotFound) {
		b.sendMessage(message.Chat.ID, "You have no subscription. Use /subscribe to create one.")
		return
	}
	if err != nil {
		b.logger.Error("Failed to get subscription", zap.Error(err), zap.Int64("chat_id", message.Chat.ID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't load your subscription.")
		return
	}

	b.sendMessage(message.Chat.ID, fmt.Sprintf("📬 %s (%s) every day at %s.",
		sub.Target.Describe(), sub.Target.Category, sub.TimeOfDay))
}
