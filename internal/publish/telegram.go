package publish

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbot "github.com/go-telegram/bot"

	"dispatch/internal/domain"
)

// TelegramConfig configures one Telegram announcer.
// Params: bot token, chat id, and optional API base override for tests.
// Returns: consumed by NewTelegramAnnouncer.
type TelegramConfig struct {
	BotToken string
	ChatID   string
	APIBase  string
}

// TelegramAnnouncer posts formatted alerts to one Telegram chat.
// Params: built via NewTelegramAnnouncer.
// Returns: stateless announcer; no lifecycle tracking.
type TelegramAnnouncer struct {
	client  *tgbot.Bot
	chatID  any
	initErr error
}

// NewTelegramAnnouncer creates a Telegram announcer.
// Params: Telegram config.
// Returns: initialized announcer; configuration faults surface on first Announce.
func NewTelegramAnnouncer(cfg TelegramConfig) *TelegramAnnouncer {
	announcer := &TelegramAnnouncer{
		chatID: normalizeChatID(cfg.ChatID),
	}

	if strings.TrimSpace(cfg.BotToken) == "" {
		announcer.initErr = errors.New("telegram bot token is required")
		return announcer
	}
	if strings.TrimSpace(cfg.ChatID) == "" {
		announcer.initErr = errors.New("telegram chat_id is required")
		return announcer
	}

	options := []tgbot.Option{
		tgbot.WithSkipGetMe(),
	}
	if base := strings.TrimSpace(cfg.APIBase); base != "" {
		options = append(options, tgbot.WithServerURL(strings.TrimRight(base, "/")))
	}
	botClient, err := tgbot.New(cfg.BotToken, options...)
	if err != nil {
		announcer.initErr = fmt.Errorf("init telegram bot: %w", err)
		return announcer
	}
	announcer.client = botClient
	return announcer
}

// Announce posts one formatted alert to the configured chat.
// Params: context, target, alert, and formatted payload.
// Returns: transport or API error.
func (a *TelegramAnnouncer) Announce(ctx context.Context, target domain.PublishingTarget, alert *domain.EnrichedAlert, payload domain.FormattedPayload) error {
	if a.initErr != nil {
		return a.initErr
	}
	if a.client == nil {
		return errors.New("telegram client is not initialized")
	}

	sent, err := a.client.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID: a.chatID,
		Text:   announceText(alert, payload),
	})
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	if sent == nil || sent.ID <= 0 {
		return errors.New("telegram send returned empty message id")
	}
	return nil
}

// announceText renders one chat message from the payload.
// Params: alert and formatted payload.
// Returns: headline plus the key/value body.
func announceText(alert *domain.EnrichedAlert, payload domain.FormattedPayload) string {
	headline := ""
	if alert != nil {
		headline = fmt.Sprintf("[%s] %s\n", strings.ToUpper(string(alert.Status)), alert.Name)
	}
	return headline + payload.Render()
}

// normalizeChatID converts numeric chat IDs to int64 and keeps non-numeric IDs as string.
// Params: configured chat ID value.
// Returns: Telegram API chat id union value.
func normalizeChatID(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if numeric, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return numeric
	}
	return trimmed
}
