// Package upstreamtest provides an in-memory upstream.Transport for tests.
package upstreamtest

import (
	"context"
	"fmt"
	"sync"

	"channel_relay/internal/model"
	"channel_relay/internal/upstream"
)

// Forward records one forwarded message.
type Forward struct {
	ChatID    int64
	MessageID int
	Target    string
}

// Fake is an in-memory Transport. Channels are registered with AddChannel;
// errors can be injected per operation with FailNext.
type Fake struct {
	mu sync.Mutex

	Connected  bool
	Authorized bool
	Username   string

	channels map[string]*fakeChannel
	byID     map[int64]*fakeChannel
	nextID   int64
	failures map[string][]error

	Joined    []string
	Left      []int64
	Muted     []int64
	Forwards  []Forward
	Connects  int
	SignIns   int
	ReadCalls int
}

type fakeChannel struct {
	username string
	ch       upstream.Channel
	messages []model.Message
}

// NewFake returns a connected and authorized fake.
func NewFake() *Fake {
	return &Fake{
		Connected:  true,
		Authorized: true,
		Username:   "relay_user",
		channels:   make(map[string]*fakeChannel),
		byID:       make(map[int64]*fakeChannel),
		nextID:     1000,
		failures:   make(map[string][]error),
	}
}

// AddChannel registers a channel with the given messages and returns its handle.
func (f *Fake) AddChannel(username string, msgs ...model.Message) upstream.Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	c := &fakeChannel{
		username: username,
		ch:       upstream.Channel{ChatID: f.nextID, AccessHash: f.nextID * 7},
		messages: msgs,
	}
	f.channels[username] = c
	f.byID[c.ch.ChatID] = c
	return c.ch
}

// Post appends messages to a registered channel.
func (f *Fake) Post(username string, msgs ...model.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.channels[username]
	c.messages = append(c.messages, msgs...)
}

// FailNext makes the next calls of op return errs, in order. Ops are
// connect, signin, join, leave, mute, last, read and forward.
func (f *Fake) FailNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], errs...)
}

func (f *Fake) fail(op string) error {
	q := f.failures[op]
	if len(q) == 0 {
		return nil
	}
	f.failures[op] = q[1:]
	return q[0]
}

// Connect implements upstream.Transport.
func (f *Fake) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Connects++
	if err := f.fail("connect"); err != nil {
		return err
	}
	f.Connected = true
	return nil
}

// Disconnect implements upstream.Transport.
func (f *Fake) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Connected = false
	return nil
}

// IsConnected implements upstream.Transport.
func (f *Fake) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected
}

// IsAuthorized implements upstream.Transport.
func (f *Fake) IsAuthorized(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Authorized, nil
}

// SignIn implements upstream.Transport.
func (f *Fake) SignIn(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SignIns++
	if err := f.fail("signin"); err != nil {
		return err
	}
	f.Authorized = true
	return nil
}

// Self implements upstream.Transport.
func (f *Fake) Self(context.Context) (string, error) {
	return f.Username, nil
}

// Join implements upstream.Transport.
func (f *Fake) Join(_ context.Context, username string) (upstream.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("join"); err != nil {
		return upstream.Channel{}, err
	}
	c, ok := f.channels[username]
	if !ok {
		return upstream.Channel{}, fmt.Errorf("resolve %s: USERNAME_NOT_OCCUPIED", username)
	}
	f.Joined = append(f.Joined, username)
	return c.ch, nil
}

// Leave implements upstream.Transport.
func (f *Fake) Leave(_ context.Context, ch upstream.Channel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("leave"); err != nil {
		return err
	}
	f.Left = append(f.Left, ch.ChatID)
	return nil
}

// Mute implements upstream.Transport.
func (f *Fake) Mute(_ context.Context, ch upstream.Channel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("mute"); err != nil {
		return err
	}
	f.Muted = append(f.Muted, ch.ChatID)
	return nil
}

// LastMessageID implements upstream.Transport.
func (f *Fake) LastMessageID(_ context.Context, ch upstream.Channel) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("last"); err != nil {
		return 0, err
	}
	last := 0
	if c, ok := f.byID[ch.ChatID]; ok {
		for _, m := range c.messages {
			last = max(last, m.ID)
		}
	}
	return last, nil
}

// ReadSince implements upstream.Transport. Messages are returned newest
// first, like the real history endpoint.
func (f *Fake) ReadSince(_ context.Context, ch upstream.Channel, afterID, limit int) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ReadCalls++
	if err := f.fail("read"); err != nil {
		return nil, err
	}
	c, ok := f.byID[ch.ChatID]
	if !ok {
		return nil, fmt.Errorf("channel %d: CHANNEL_INVALID", ch.ChatID)
	}
	var out []model.Message
	for i := len(c.messages) - 1; i >= 0 && len(out) < limit; i-- {
		if c.messages[i].ID > afterID {
			out = append(out, c.messages[i])
		}
	}
	return out, nil
}

// Forward implements upstream.Transport.
func (f *Fake) Forward(_ context.Context, from upstream.Channel, messageID int, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("forward"); err != nil {
		return err
	}
	f.Forwards = append(f.Forwards, Forward{ChatID: from.ChatID, MessageID: messageID, Target: target})
	return nil
}

// ForwardedIDs returns the forwarded message ids in order.
func (f *Fake) ForwardedIDs() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int, 0, len(f.Forwards))
	for _, fw := range f.Forwards {
		ids = append(ids, fw.MessageID)
	}
	return ids
}
