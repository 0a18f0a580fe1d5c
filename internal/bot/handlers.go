package bot

import (
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"channel_relay/internal/model"
	"channel_relay/internal/storage"
)

func (b *Bot) handleStart(chatID int64) {
	b.reply(chatID, `Channel relay operator bot.

The relay reads the tracked channels, filters their posts and forwards the accepted ones to the target channel. Alerts about the upstream session are sent here.

Use /help for the full command reference.`)
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, `Monitoring:
/status - control loop state per channel type
/stats - ledger totals
/settings - current runtime settings

Channels:
/channels [type] - tracked channels, optionally of one type
/post <@channel> <id> - ledger record of a post (a t.me link works too)

Control:
/reload - re-read the source table on the next cycle`)
}

func (b *Bot) handleStatus(chatID int64) {
	msg := tgbotapi.NewMessage(chatID, FormatStatus(b.control.Status(), b.settings.Current()))
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Reload settings", cmdReload+":0"),
		),
	)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send status", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) handleChannels(ctx context.Context, chatID int64, args string) {
	var (
		sources []model.Source
		err     error
	)
	if args == "" {
		sources, err = b.store.ListChannels(ctx)
	} else {
		t, perr := ParseTypeArg(args)
		if perr != nil {
			b.reply(chatID, perr.Error())
			return
		}
		sources, err = b.store.ListChannelsByType(ctx, t)
	}
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}

	msg := tgbotapi.NewMessage(chatID, FormatChannelList(sources))
	msg.DisableWebPagePreview = true
	if args == "" && len(sources) > 0 {
		msg.ReplyMarkup = typeKeyboard()
	}
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send channel list", "chat_id", chatID, "error", err)
	}
}

func typeKeyboard() tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	var row []tgbotapi.InlineKeyboardButton
	for _, t := range model.ChannelTypes {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(t.String(), fmt.Sprintf("%s:%d", cmdChannels, int(t))))
		if len(row) == 4 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func (b *Bot) handlePost(ctx context.Context, chatID int64, args string) {
	channel, id, err := ParsePostRef(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}

	post, err := b.store.GetPost(ctx, channel, id)
	if errors.Is(err, storage.ErrNotFound) {
		b.reply(chatID, fmt.Sprintf("Post %s/%d not found.", channel, id))
		return
	}
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatPost(post))
}

func (b *Bot) handleStats(ctx context.Context, chatID int64) {
	stats, err := b.store.PostStats(ctx)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatStats(stats))
}

func (b *Bot) handleSettings(chatID int64) {
	b.reply(chatID, FormatSettings(b.settings.Current()))
}

func (b *Bot) handleReload(chatID int64) {
	b.control.RequestReload()
	b.reply(chatID, "Settings reload requested. It runs at the start of the next cycle.")
}
