package bot

import (
	"context"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"channel_relay/internal/model"
)

const (
	cmdStatus   = "status"
	cmdChannels = "channels"
	cmdReload   = "reload"
)

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	data := cb.Data
	chatID := cb.Message.Chat.ID

	callback := tgbotapi.NewCallback(cb.ID, "")
	if _, err := b.api.Send(callback); err != nil {
		b.log.Error("send callback ack", "error", err)
	}

	parts := strings.SplitN(data, ":", 2)
	if len(parts) != 2 {
		return
	}

	action := parts[0]
	id, err := strconv.Atoi(parts[1])
	if err != nil {
		return
	}

	b.log.Info("callback",
		"action", action,
		"id", id,
		"chat_id", chatID,
		"user_id", cb.From.ID,
		"username", cb.From.UserName,
	)

	switch action {
	case cmdChannels:
		t := model.ChannelType(id)
		if !t.Valid() {
			return
		}
		b.handleChannels(ctx, chatID, t.String())
	case cmdStatus:
		b.handleStatus(chatID)
	case cmdReload:
		b.handleReload(chatID)
	}
}
