// Package bot implements the operator bot: status commands and alerts.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"channel_relay/internal/config"
	"channel_relay/internal/scheduler"
	"channel_relay/internal/settings"
	"channel_relay/internal/storage"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Controller is the part of the control loop visible to operators.
type Controller interface {
	Status() scheduler.Status
	RequestReload()
}

// Bot answers operator commands and delivers alerts.
type Bot struct {
	api      telegramAPI
	store    storage.Storage
	settings *settings.Store
	control  Controller
	cfg      *config.Config
	log      *slog.Logger
}

// New creates a Bot with the given Telegram token.
func New(token string, store storage.Storage, cfg *settings.Store, control Controller, conf *config.Config, log *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}

	return &Bot{
		api:      api,
		store:    store,
		settings: cfg,
		control:  control,
		cfg:      conf,
		log:      log,
	}, nil
}

// Run starts the bot's long-polling loop, blocking until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			if update.CallbackQuery != nil {
				if !b.cfg.IsUserAllowed(update.CallbackQuery.From.ID) {
					continue
				}
				b.handleCallback(ctx, update.CallbackQuery)
				continue
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if !b.cfg.IsUserAllowed(update.Message.From.ID) {
				b.reply(update.Message.Chat.ID, "Access denied.")
				continue
			}
			b.handleCommand(ctx, update.Message)
		}
	}
}

// Alert sends text to every allowed operator. Without an allow list there
// is nobody to alert and the text is only logged.
func (b *Bot) Alert(text string) {
	if len(b.cfg.AllowedUsers) == 0 {
		b.log.Warn("alert has no recipients", "text", text)
		return
	}
	for _, id := range b.cfg.AllowedUsers {
		b.SendMessage(id, "⚠️ "+text)
	}
}

// SendMessage sends a text message to the given chat.
func (b *Bot) SendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send message", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) reply(chatID int64, text string) {
	b.SendMessage(chatID, text)
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID

	b.log.Debug("command", "cmd", cmd, "args", args, "chat_id", chatID)

	switch cmd {
	case "start":
		b.handleStart(chatID)
	case "help":
		b.handleHelp(chatID)
	case cmdStatus:
		b.handleStatus(chatID)
	case cmdChannels:
		b.handleChannels(ctx, chatID, args)
	case "post":
		b.handlePost(ctx, chatID, args)
	case "stats":
		b.handleStats(ctx, chatID)
	case "settings":
		b.handleSettings(chatID)
	case cmdReload:
		b.handleReload(chatID)
	default:
		b.reply(chatID, "Unknown command. Use /help for a list of commands.")
	}
}
