// Package upstream defines the channel transport used by the relay and the
// guard that every call to it goes through.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"channel_relay/internal/model"
)

// Signals raised by a Transport. Implementations wrap them so that
// errors.Is and errors.As work on the returned error.
var (
	ErrDisconnected     = errors.New("upstream disconnected")
	ErrUnauthorized     = errors.New("upstream session not authorized")
	ErrInvalidMessageID = errors.New("invalid message id")
	ErrDuplicateSession = errors.New("session is active from another location")
)

// FloodWaitError is returned when the upstream asks the caller to wait.
type FloodWaitError struct {
	Wait time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.Wait)
}

// Channel identifies a joined channel on the upstream.
type Channel struct {
	ChatID     int64
	AccessHash int64
}

// Transport is the user-session connection to the messaging upstream.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	IsAuthorized(ctx context.Context) (bool, error)
	SignIn(ctx context.Context) error
	Self(ctx context.Context) (string, error)

	Join(ctx context.Context, username string) (Channel, error)
	Leave(ctx context.Context, ch Channel) error
	Mute(ctx context.Context, ch Channel) error
	// LastMessageID returns the id of the newest message, or 0 for an empty channel.
	LastMessageID(ctx context.Context, ch Channel) (int, error)
	// ReadSince returns up to limit messages with ids greater than afterID, in any order.
	ReadSince(ctx context.Context, ch Channel, afterID, limit int) ([]model.Message, error)
	Forward(ctx context.Context, from Channel, messageID int, target string) error
}

// ChannelOf returns the transport handle of a tracked source.
func ChannelOf(src model.Source) Channel {
	ch := Channel{ChatID: src.ChatID}
	if src.AccessHash != nil {
		ch.AccessHash = *src.AccessHash
	}
	return ch
}
