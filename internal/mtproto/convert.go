package mtproto

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"channel_relay/internal/model"
	"channel_relay/internal/upstream"
)

// convertMessage maps a history entry to a relay message. Empty entries are
// dropped.
func convertMessage(m tg.MessageClass) (model.Message, bool) {
	switch v := m.(type) {
	case *tg.Message:
		return model.Message{
			ID:          v.ID,
			Text:        v.Message,
			Media:       mediaKind(v.Media),
			PublishedAt: time.Unix(int64(v.Date), 0).UTC(),
		}, true
	case *tg.MessageService:
		return model.Message{
			ID:          v.ID,
			Service:     true,
			PublishedAt: time.Unix(int64(v.Date), 0).UTC(),
		}, true
	default:
		return model.Message{}, false
	}
}

func mediaKind(media tg.MessageMediaClass) model.MediaKind {
	switch v := media.(type) {
	case *tg.MessageMediaPhoto:
		return model.MediaPhoto
	case *tg.MessageMediaPoll:
		return model.MediaPoll
	case *tg.MessageMediaDocument:
		doc, ok := v.Document.(*tg.Document)
		if !ok {
			return model.MediaDocument
		}
		for _, attr := range doc.Attributes {
			switch a := attr.(type) {
			case *tg.DocumentAttributeVideo:
				return model.MediaVideo
			case *tg.DocumentAttributeAudio:
				if a.Voice {
					return model.MediaVoice
				}
			}
		}
		return model.MediaDocument
	}
	return model.MediaNone
}

// mapError translates RPC errors into the upstream sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if d, ok := tgerr.AsFloodWait(err); ok {
		return &upstream.FloodWaitError{Wait: d}
	}
	switch {
	case tgerr.Is(err, "AUTH_KEY_DUPLICATED"):
		return fmt.Errorf("%w: %w", upstream.ErrDuplicateSession, err)
	case tgerr.Is(err, "MSG_ID_INVALID", "MESSAGE_ID_INVALID"):
		return fmt.Errorf("%w: %w", upstream.ErrInvalidMessageID, err)
	case auth.IsUnauthorized(err):
		return fmt.Errorf("%w: %w", upstream.ErrUnauthorized, err)
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return fmt.Errorf("%w: %w", upstream.ErrDisconnected, err)
	}
	return err
}
