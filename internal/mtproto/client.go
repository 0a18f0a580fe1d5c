// Package mtproto implements upstream.Transport on top of a Telegram user
// session.
package mtproto

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/peers"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"channel_relay/internal/model"
	"channel_relay/internal/upstream"
)

// CodeFileName is looked up next to the session file when no login code is
// set in the environment.
const CodeFileName = "telegram_code.txt"

// Config holds the session credentials.
type Config struct {
	AppID       int
	AppHash     string
	Phone       string
	Password    string
	Code        string
	SessionPath string
	// Debug raises the client library log level to debug.
	Debug bool
}

// Client is a Telegram user session. It reconnects on demand: every Connect
// starts a fresh client on the stored session.
type Client struct {
	cfg Config
	log *slog.Logger
	zap *zap.Logger

	mu        sync.Mutex
	client    *telegram.Client
	api       *tg.Client
	peers     *peers.Manager
	stop      context.CancelFunc
	done      chan error
	connected atomic.Bool

	targets map[string]tg.InputPeerClass
}

var _ upstream.Transport = (*Client)(nil)

// New creates a disconnected client.
func New(cfg Config, log *slog.Logger) (*Client, error) {
	if cfg.AppID == 0 || cfg.AppHash == "" {
		return nil, errors.New("api id and hash are required")
	}
	if cfg.SessionPath == "" {
		return nil, errors.New("session path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.SessionPath), 0o700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	if cfg.Debug {
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	zlog, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build client logger: %w", err)
	}

	return &Client{
		cfg:     cfg,
		log:     log,
		zap:     zlog,
		targets: make(map[string]tg.InputPeerClass),
	}, nil
}

// Connect starts the client and waits until the connection is ready.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected.Load() {
		return nil
	}
	if c.stop != nil {
		c.stop()
		c.stop = nil
	}

	client := telegram.NewClient(c.cfg.AppID, c.cfg.AppHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: c.cfg.SessionPath},
		Logger:         c.zap,
		NoUpdates:      true,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		err := client.Run(runCtx, func(ctx context.Context) error {
			c.connected.Store(true)
			close(ready)
			<-ctx.Done()
			return ctx.Err()
		})
		c.connected.Store(false)
		done <- err
	}()

	select {
	case <-ready:
	case err := <-done:
		cancel()
		return fmt.Errorf("connect: %w", mapError(err))
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}

	c.client = client
	c.api = client.API()
	c.peers = peers.Options{Logger: c.zap}.Build(c.api)
	c.stop = cancel
	c.done = done
	c.targets = make(map[string]tg.InputPeerClass)
	return nil
}

// Disconnect stops the client and waits for it to exit.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stop == nil {
		return nil
	}
	c.stop()
	c.stop = nil
	err := <-c.done
	c.connected.Store(false)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("disconnect: %w", err)
	}
	return nil
}

// IsConnected reports whether the client is running.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) session() (*telegram.Client, *tg.Client, *peers.Manager, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected.Load() || c.client == nil {
		return nil, nil, nil, upstream.ErrDisconnected
	}
	return c.client, c.api, c.peers, nil
}

// IsAuthorized reports whether the stored session is signed in.
func (c *Client) IsAuthorized(ctx context.Context) (bool, error) {
	client, _, _, err := c.session()
	if err != nil {
		return false, err
	}
	status, err := client.Auth().Status(ctx)
	if err != nil {
		return false, fmt.Errorf("auth status: %w", mapError(err))
	}
	return status.Authorized, nil
}

// SignIn runs the phone login flow. The code is taken from the environment
// or from the code file next to the session.
func (c *Client) SignIn(ctx context.Context) error {
	client, _, _, err := c.session()
	if err != nil {
		return err
	}
	if c.cfg.Phone == "" {
		return errors.New("sign in: phone number is not configured")
	}
	flow := auth.NewFlow(
		auth.Constant(c.cfg.Phone, c.cfg.Password, auth.CodeAuthenticatorFunc(c.code)),
		auth.SendCodeOptions{},
	)
	if err := client.Auth().IfNecessary(ctx, flow); err != nil {
		return fmt.Errorf("sign in: %w", mapError(err))
	}
	return nil
}

func (c *Client) code(context.Context, *tg.AuthSentCode) (string, error) {
	if c.cfg.Code != "" {
		c.log.Info("using login code from environment")
		return c.cfg.Code, nil
	}
	path := filepath.Join(filepath.Dir(c.cfg.SessionPath), CodeFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("login code required: set TELEGRAM_CODE or create %s", path)
	}
	c.log.Info("using login code from file", "path", path)
	if err := os.Remove(path); err != nil {
		c.log.Warn("remove code file", "path", path, "error", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Self returns the username of the signed in account.
func (c *Client) Self(ctx context.Context) (string, error) {
	client, _, _, err := c.session()
	if err != nil {
		return "", err
	}
	user, err := client.Self(ctx)
	if err != nil {
		return "", fmt.Errorf("get self: %w", mapError(err))
	}
	return user.Username, nil
}

func (c *Client) resolveChannel(ctx context.Context, m *peers.Manager, username string) (*tg.Channel, error) {
	p, err := m.ResolveDomain(ctx, strings.TrimPrefix(username, "@"))
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", username, mapError(err))
	}
	ch, ok := p.(peers.Channel)
	if !ok {
		return nil, fmt.Errorf("resolve %s: not a channel", username)
	}
	return ch.Raw(), nil
}

// Join resolves and joins a public channel.
func (c *Client) Join(ctx context.Context, username string) (upstream.Channel, error) {
	_, api, m, err := c.session()
	if err != nil {
		return upstream.Channel{}, err
	}
	raw, err := c.resolveChannel(ctx, m, username)
	if err != nil {
		return upstream.Channel{}, err
	}
	ch := upstream.Channel{ChatID: raw.ID, AccessHash: raw.AccessHash}
	if _, err := api.ChannelsJoinChannel(ctx, inputChannel(ch)); err != nil {
		return upstream.Channel{}, fmt.Errorf("join %s: %w", username, mapError(err))
	}
	return ch, nil
}

// Leave leaves a channel.
func (c *Client) Leave(ctx context.Context, ch upstream.Channel) error {
	_, api, _, err := c.session()
	if err != nil {
		return err
	}
	if _, err := api.ChannelsLeaveChannel(ctx, inputChannel(ch)); err != nil {
		return fmt.Errorf("leave %d: %w", ch.ChatID, mapError(err))
	}
	return nil
}

// Mute disables notifications for a channel permanently.
func (c *Client) Mute(ctx context.Context, ch upstream.Channel) error {
	_, api, _, err := c.session()
	if err != nil {
		return err
	}
	_, err = api.AccountUpdateNotifySettings(ctx, &tg.AccountUpdateNotifySettingsRequest{
		Peer:     &tg.InputNotifyPeer{Peer: inputPeer(ch)},
		Settings: tg.InputPeerNotifySettings{MuteUntil: math.MaxInt32},
	})
	if err != nil {
		return fmt.Errorf("mute %d: %w", ch.ChatID, mapError(err))
	}
	return nil
}

// LastMessageID returns the id of the newest message in the channel.
func (c *Client) LastMessageID(ctx context.Context, ch upstream.Channel) (int, error) {
	msgs, err := c.history(ctx, ch, 0, 1)
	if err != nil {
		return 0, err
	}
	last := 0
	for _, m := range msgs {
		last = max(last, m.GetID())
	}
	return last, nil
}

// ReadSince returns up to limit messages newer than afterID, newest first.
func (c *Client) ReadSince(ctx context.Context, ch upstream.Channel, afterID, limit int) ([]model.Message, error) {
	msgs, err := c.history(ctx, ch, afterID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		if msg, ok := convertMessage(m); ok && msg.ID > afterID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (c *Client) history(ctx context.Context, ch upstream.Channel, minID, limit int) ([]tg.MessageClass, error) {
	_, api, _, err := c.session()
	if err != nil {
		return nil, err
	}
	res, err := api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:  inputPeer(ch),
		MinID: minID,
		Limit: limit,
	})
	if err != nil {
		return nil, fmt.Errorf("history %d: %w", ch.ChatID, mapError(err))
	}
	switch r := res.(type) {
	case *tg.MessagesChannelMessages:
		return r.Messages, nil
	case *tg.MessagesMessagesSlice:
		return r.Messages, nil
	case *tg.MessagesMessages:
		return r.Messages, nil
	case *tg.MessagesMessagesNotModified:
		return nil, nil
	default:
		return nil, fmt.Errorf("history %d: unexpected response %T", ch.ChatID, res)
	}
}

// Forward forwards one message to the target channel.
func (c *Client) Forward(ctx context.Context, from upstream.Channel, messageID int, target string) error {
	_, api, m, err := c.session()
	if err != nil {
		return err
	}
	to, err := c.target(ctx, m, target)
	if err != nil {
		return err
	}
	_, err = api.MessagesForwardMessages(ctx, &tg.MessagesForwardMessagesRequest{
		FromPeer: inputPeer(from),
		ID:       []int{messageID},
		RandomID: []int64{rand.Int64()},
		ToPeer:   to,
	})
	if err != nil {
		return fmt.Errorf("forward %d/%d: %w", from.ChatID, messageID, mapError(err))
	}
	return nil
}

func (c *Client) target(ctx context.Context, m *peers.Manager, username string) (tg.InputPeerClass, error) {
	c.mu.Lock()
	p, ok := c.targets[username]
	c.mu.Unlock()
	if ok {
		return p, nil
	}
	raw, err := c.resolveChannel(ctx, m, username)
	if err != nil {
		return nil, err
	}
	p = &tg.InputPeerChannel{ChannelID: raw.ID, AccessHash: raw.AccessHash}
	c.mu.Lock()
	c.targets[username] = p
	c.mu.Unlock()
	return p, nil
}

func inputChannel(ch upstream.Channel) *tg.InputChannel {
	return &tg.InputChannel{ChannelID: ch.ChatID, AccessHash: ch.AccessHash}
}

func inputPeer(ch upstream.Channel) *tg.InputPeerChannel {
	return &tg.InputPeerChannel{ChannelID: ch.ChatID, AccessHash: ch.AccessHash}
}
