package bot

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/xaenox/schedule-bot/internal/session"
)

func (b *Bot) isAdmin(userID int64) bool {
	return b.admins[userID]
}

func (b *Bot) handleAdminCommand(ctx context.Context, message *tgbotapi.Message) {
	chatID := message.Chat.ID
	if !b.isAdmin(userID(message.From)) {
		b.sendMessage(chatID, "Unknown command. Use /help to see available commands.")
		return
	}

	switch message.Command() {
	case "stats":
		b.handleStats(ctx, chatID)
	case "clearcache":
		n, err := b.deps.Artifacts.Clear(ctx)
		if err != nil {
			b.logger.Error("Failed to clear cache", zap.Error(err))
			b.sendErrorMessage(chatID, "Failed to clear the cache.")
			return
		}
		b.sendMessage(chatID, fmt.Sprintf("🗑 Removed %d cached timetables.", n))
	case "sweep":
		res, err := b.deps.Artifacts.Sweep(ctx)
		if err != nil {
			b.logger.Error("Failed to sweep cache", zap.Error(err))
			b.sendErrorMessage(chatID, "Sweep failed.")
			return
		}
		if res.Skipped {
			b.sendMessage(chatID, "A sweep is already running.")
			return
		}
		b.sendMessage(chatID, fmt.Sprintf("🧹 Swept %d expired entries and %d stale files.", res.Entries, res.Files))
	case "broadcast":
		if text := strings.TrimSpace(message.CommandArguments()); text != "" {
			b.broadcast(ctx, chatID, text)
			return
		}
		b.deps.Sessions.Put(chatID, session.StartBroadcast())
		b.sendMessage(chatID, "Send the text to broadcast, or /cancel.")
	}
}

func (b *Bot) handleStats(ctx context.Context, chatID int64) {
	subs, err := b.deps.Subscriptions.ListActive(ctx)
	if err != nil {
		b.logger.Error("Failed to list subscriptions", zap.Error(err))
		b.sendErrorMessage(chatID, "Failed to load statistics.")
		return
	}
	entries, err := b.deps.Artifacts.Entries(ctx)
	if err != nil {
		b.logger.Error("Failed to list cache entries", zap.Error(err))
		b.sendErrorMessage(chatID, "Failed to load statistics.")
		return
	}

	now := b.now()
	fresh := 0
	for _, e := range entries {
		if !e.IsExpired(now) {
			fresh++
		}
	}

	b.sendMessage(chatID, fmt.Sprintf(`📊 Statistics
Subscriptions: %d
Cached timetables: %d (%d fresh)
Open dialogs: %d`, len(subs), len(entries), fresh, b.deps.Sessions.Len()))
}

// broadcast sends text to every subscribed chat at the outbound rate.
func (b *Bot) broadcast(ctx context.Context, adminChatID int64, text string) {
	subs, err := b.deps.Subscriptions.ListActive(ctx)
	if err != nil {
		b.logger.Error("Failed to list subscriptions", zap.Error(err))
		b.sendErrorMessage(adminChatID, "Broadcast failed.")
		return
	}

	var sent, unreachable, failed int
	for _, sub := range subs {
		if err := b.deps.Limiter.Wait(ctx); err != nil {
			failed += len(subs) - sent - unreachable - failed
			break
		}
		err := b.transport.SendText(ctx, sub.ChatID, "📢 "+text)
		switch {
		case err == nil:
			sent++
		case isUnreachable(err):
			unreachable++
			b.logger.Info("Broadcast recipient unreachable", zap.String("chat_id", sub.ChatID))
		default:
			failed++
			b.logger.Warn("Broadcast failed", zap.String("chat_id", sub.ChatID), zap.Error(err))
		}
	}

	b.logger.Info("Broadcast finished", zap.Int("sent", sent), zap.Int("unreachable", unreachable), zap.Int("failed", failed))
	b.sendMessage(adminChatID, fmt.Sprintf("📢 Broadcast sent to %d chats (%d unreachable, %d failed).", sent, unreachable, failed))
}
