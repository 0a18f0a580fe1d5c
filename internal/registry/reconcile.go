// Package registry keeps the tracked channel set in line with the source
// table.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"channel_relay/internal/model"
	"channel_relay/internal/settings"
	"channel_relay/internal/storage"
	"channel_relay/internal/upstream"
)

// JoinPause is slept between joining a channel and muting it.
var JoinPause = [2]time.Duration{25 * time.Second, 40 * time.Second}

// Report summarises one reconciliation pass.
type Report struct {
	Joined   int
	Repaired int
	Retyped  int
	Removed  int
	Failed   int
}

// Reconciler joins, repairs, retypes and removes tracked channels.
type Reconciler struct {
	guard *upstream.Guard
	store storage.Registry
	log   *slog.Logger
}

// New creates a Reconciler.
func New(guard *upstream.Guard, store storage.Registry, log *slog.Logger) *Reconciler {
	return &Reconciler{guard: guard, store: store, log: log}
}

// Reconcile applies the listed channel set. An empty listing is ignored so
// that a failed or blank table never unsubscribes everything. The returned
// error is non-nil only when the registry cannot be read or the session is
// in use elsewhere.
func (r *Reconciler) Reconcile(ctx context.Context, listed map[string]model.ChannelType, cfg *settings.Settings) (Report, error) {
	var rep Report
	if len(listed) == 0 {
		r.log.Warn("source table lists no channels, skipping reconciliation")
		return rep, nil
	}

	tracked, err := r.store.ListChannels(ctx)
	if err != nil {
		return rep, fmt.Errorf("list channels: %w", err)
	}
	byName := make(map[string]model.Source, len(tracked))
	for _, src := range tracked {
		byName[src.Username] = src
	}

	var added, existing []string
	for name := range listed {
		if _, ok := byName[name]; ok {
			existing = append(existing, name)
		} else {
			added = append(added, name)
		}
	}
	slices.Sort(added)
	slices.Sort(existing)

	for _, name := range added {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		res := r.subscribe(ctx, name, listed[name])
		if res.Kind == upstream.Fatal {
			return rep, res.Err
		}
		if res.OK() {
			rep.Joined++
		} else {
			rep.Failed++
		}
	}

	fixes := 0
	resubscribed := make(map[string]bool)
	for _, name := range existing {
		if fixes >= cfg.MaxNullHashFixes {
			break
		}
		if byName[name].AccessHash != nil {
			continue
		}
		fixes++
		resubscribed[name] = true
		r.log.Info("channel has no access hash, re-subscribing", "channel", name)
		if err := r.store.DeleteChannel(ctx, name); err != nil {
			r.log.Error("delete channel", "channel", name, "error", err)
			rep.Failed++
			continue
		}
		res := r.subscribe(ctx, name, listed[name])
		if res.Kind == upstream.Fatal {
			return rep, res.Err
		}
		if res.OK() {
			rep.Repaired++
		} else {
			rep.Failed++
		}
	}

	for _, name := range existing {
		src := byName[name]
		if resubscribed[name] || src.Type == listed[name] {
			continue
		}
		if err := r.store.SetChannelType(ctx, name, listed[name]); err != nil {
			r.log.Error("set channel type", "channel", name, "error", err)
			continue
		}
		r.log.Info("channel type changed", "channel", name, "from", src.Type, "to", listed[name])
		rep.Retyped++
	}

	for _, src := range tracked {
		if _, ok := listed[src.Username]; ok {
			continue
		}
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		if res := r.unsubscribe(ctx, src); res.Kind == upstream.Fatal {
			return rep, res.Err
		}
		if err := r.store.DeleteChannel(ctx, src.Username); err != nil {
			r.log.Error("delete channel", "channel", src.Username, "error", err)
			continue
		}
		r.log.Info("channel removed", "channel", src.Username)
		rep.Removed++
	}

	if rep != (Report{}) {
		r.log.Info("reconciled channels",
			"joined", rep.Joined, "repaired", rep.Repaired, "retyped", rep.Retyped,
			"removed", rep.Removed, "failed", rep.Failed)
	}
	return rep, nil
}

// subscribe joins a channel, mutes it and records it with the current tail
// as its watermark.
func (r *Reconciler) subscribe(ctx context.Context, username string, t model.ChannelType) upstream.Result {
	tr := r.guard.Transport()
	r.log.Info("joining channel", "channel", username, "type", t)

	var ch upstream.Channel
	res := r.guard.Do(ctx, "join", upstream.BandLong, func(ctx context.Context) error {
		var err error
		ch, err = tr.Join(ctx, username)
		return err
	})
	if !res.OK() {
		return res
	}

	if err := r.guard.Pause(ctx, JoinPause[0], JoinPause[1]); err != nil {
		return upstream.Result{Kind: upstream.Skipped, Err: err}
	}

	res = r.guard.Do(ctx, "mute", upstream.BandLong, func(ctx context.Context) error {
		return tr.Mute(ctx, ch)
	})
	if !res.OK() {
		return res
	}

	var last int
	res = r.guard.Do(ctx, "last", upstream.BandLong, func(ctx context.Context) error {
		var err error
		last, err = tr.LastMessageID(ctx, ch)
		return err
	})
	if !res.OK() {
		return res
	}

	hash := ch.AccessHash
	src := model.Source{
		Username:      username,
		ChatID:        ch.ChatID,
		AccessHash:    &hash,
		LastMessageID: last,
		Type:          t,
	}
	if err := r.store.UpsertChannel(ctx, src); err != nil {
		r.log.Error("save channel", "channel", username, "error", err)
		return upstream.Result{Kind: upstream.Skipped, Err: err}
	}
	r.log.Info("joined and muted", "channel", username, "type", t, "last_message_id", last)
	return upstream.Result{Kind: upstream.OK}
}

func (r *Reconciler) unsubscribe(ctx context.Context, src model.Source) upstream.Result {
	if src.AccessHash == nil {
		r.log.Warn("no access hash, deleting without leaving", "channel", src.Username)
		return upstream.Result{Kind: upstream.Skipped}
	}
	ch := upstream.ChannelOf(src)
	return r.guard.Do(ctx, "leave", upstream.BandLong, func(ctx context.Context) error {
		return r.guard.Transport().Leave(ctx, ch)
	})
}
