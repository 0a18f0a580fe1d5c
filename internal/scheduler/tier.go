package scheduler

import (
	"context"
	"slices"
	"time"

	"channel_relay/internal/model"
	"channel_relay/internal/settings"
	"channel_relay/internal/upstream"
)

// Pacing.
var (
	BatchPause   = 2 * time.Second
	ForwardPause = [2]time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
)

// BatchSize is the sub-batch size of the high-volume tiers.
const BatchSize = 40

const maxPendingPerTier = 500

type pendingForward struct {
	channel   string
	ch        upstream.Channel
	messageID int
}

func batched(t model.ChannelType) bool {
	return t == model.TypeFiltered || t == model.TypeLongcheck
}

func forwardBand(t model.ChannelType) upstream.Band {
	if t == model.TypeStats {
		return upstream.BandLong
	}
	return upstream.BandShort
}

// runTier processes every source of one channel type. It returns an error
// only when the session is unusable.
func (s *Scheduler) runTier(ctx context.Context, t model.ChannelType, cfg *settings.Settings) error {
	started := time.Now()
	sources, err := s.store.ListChannelsByType(ctx, t)
	if err != nil {
		s.log.Error("list channels", "type", t, "error", err)
		return nil
	}
	s.logCount(t, len(sources), cfg)

	retried, err := s.retryPending(ctx, t, cfg)
	if err != nil {
		return err
	}

	size := len(sources)
	if batched(t) {
		size = BatchSize
	}
	lo, hi := cfg.SleepBetweenChannels()

	total := model.Counters{Forwarded: retried}
	var runErr error
	for start := 0; start < len(sources) && runErr == nil; start += size {
		end := min(start+size, len(sources))
		if batched(t) {
			if start > 0 {
				if err := s.guard.Pause(ctx, BatchPause, BatchPause); err != nil {
					return err
				}
			}
			s.log.Info("processing channels", "type", t, "from", start+1, "to", end)
		}
		for _, src := range sources[start:end] {
			if err := ctx.Err(); err != nil {
				return err
			}
			c, err := s.processSource(ctx, src, cfg)
			total.Add(c)
			if err != nil {
				runErr = err
				break
			}
			if err := s.guard.Pause(ctx, lo, hi); err != nil {
				return err
			}
		}
	}

	s.record(t, len(sources), total, time.Since(started))
	if total.Fetched > 0 || total.Forwarded > 0 {
		s.log.Info("tier processed", "type", t, "channels", len(sources),
			"fetched", total.Fetched, "forwarded", total.Forwarded,
			"skipped", total.Skipped, "ads", total.Ads)
	}
	return runErr
}

// processSource reads new messages of one source, routes them, persists the
// records and advances the watermark.
func (s *Scheduler) processSource(ctx context.Context, src model.Source, cfg *settings.Settings) (model.Counters, error) {
	var c model.Counters
	if src.AccessHash == nil {
		s.log.Warn("channel has no access hash, waiting for repair", "channel", src.Username)
		return c, nil
	}

	tr := s.guard.Transport()
	ch := upstream.ChannelOf(src)
	var msgs []model.Message
	res := s.guard.Do(ctx, "read", upstream.BandShort, func(ctx context.Context) error {
		var err error
		msgs, err = tr.ReadSince(ctx, ch, src.LastMessageID, cfg.MaxMessagesPerChannel)
		return err
	})
	if res.Kind == upstream.Fatal {
		return c, res.Err
	}
	if !res.OK() || len(msgs) == 0 {
		return c, nil
	}

	slices.SortFunc(msgs, func(a, b model.Message) int { return a.ID - b.ID })
	c.Fetched = len(msgs)

	watermark := src.LastMessageID
	posts := make([]model.Post, 0, len(msgs))
	var fatal error
	for _, msg := range msgs {
		if msg.ID <= src.LastMessageID {
			continue
		}
		if msg.Service {
			s.log.Debug("skipped service message", "channel", src.Username, "message_id", msg.ID)
			watermark = max(watermark, msg.ID)
			continue
		}

		v := s.router.Evaluate(ctx, src, msg, cfg)
		if v.Decision == model.DecisionSkipAd {
			c.Ads++
		}
		if !v.Decision.Forwards() {
			s.log.Debug("message skipped", "channel", src.Username, "message_id", msg.ID, "decision", v.Decision)
			c.Skipped++
			posts = append(posts, v.Post)
			watermark = max(watermark, msg.ID)
			continue
		}

		fres := s.forward(ctx, src.Type, ch, msg.ID, cfg.TargetChannel)
		switch fres.Kind {
		case upstream.OK:
			v.Post.IsForwarded = true
			c.Forwarded++
			s.log.Info("forwarded", "channel", src.Username, "message_id", msg.ID, "decision", v.Decision)
		case upstream.Retryable:
			s.enqueue(src.Type, pendingForward{channel: src.Username, ch: ch, messageID: msg.ID})
			c.Skipped++
		case upstream.Fatal:
			fatal = fres.Err
		default:
			c.Skipped++
		}
		if fatal != nil {
			break
		}
		posts = append(posts, v.Post)
		watermark = max(watermark, msg.ID)
	}

	if len(posts) > 0 {
		if err := s.store.SavePosts(ctx, posts); err != nil {
			s.log.Error("save posts", "channel", src.Username, "count", len(posts), "error", err)
		}
	}
	if watermark > src.LastMessageID {
		if err := s.store.AdvanceWatermark(ctx, src.Username, watermark); err != nil {
			s.log.Error("advance watermark", "channel", src.Username, "message_id", watermark, "error", err)
		}
	}
	return c, fatal
}

func (s *Scheduler) forward(ctx context.Context, t model.ChannelType, from upstream.Channel, messageID int, target string) upstream.Result {
	if err := s.guard.Pause(ctx, ForwardPause[0], ForwardPause[1]); err != nil {
		return upstream.Result{Kind: upstream.Skipped, Err: err}
	}
	tr := s.guard.Transport()
	return s.guard.Do(ctx, "forward", forwardBand(t), func(ctx context.Context) error {
		return tr.Forward(ctx, from, messageID, target)
	})
}

func (s *Scheduler) enqueue(t model.ChannelType, p pendingForward) {
	q := append(s.pending[t], p)
	if len(q) > maxPendingPerTier {
		dropped := q[0]
		q = q[1:]
		s.log.Warn("pending forward queue full, dropping oldest",
			"channel", dropped.channel, "message_id", dropped.messageID)
	}
	s.pending[t] = q
	pendingForwards.WithLabelValues(t.String()).Set(float64(len(q)))
}

// retryPending re-sends forwards that were rate limited on an earlier run
// and returns how many went through.
func (s *Scheduler) retryPending(ctx context.Context, t model.ChannelType, cfg *settings.Settings) (int, error) {
	queue := s.pending[t]
	if len(queue) == 0 {
		return 0, nil
	}
	defer func() {
		pendingForwards.WithLabelValues(t.String()).Set(float64(len(s.pending[t])))
	}()

	var keep []pendingForward
	forwarded := 0
	for i, p := range queue {
		res := s.forward(ctx, t, p.ch, p.messageID, cfg.TargetChannel)
		switch res.Kind {
		case upstream.OK:
			forwarded++
			s.log.Info("forwarded after retry", "channel", p.channel, "message_id", p.messageID)
			if err := s.store.MarkForwarded(ctx, p.channel, p.messageID); err != nil {
				s.log.Error("mark forwarded", "channel", p.channel, "message_id", p.messageID, "error", err)
			}
		case upstream.Retryable:
			keep = append(keep, p)
		case upstream.Fatal:
			s.pending[t] = append(keep, queue[i:]...)
			return forwarded, res.Err
		default:
			s.log.Warn("dropped pending forward", "channel", p.channel, "message_id", p.messageID, "error", res.Err)
		}
	}
	s.pending[t] = keep
	return forwarded, nil
}

func (s *Scheduler) logCount(t model.ChannelType, n int, cfg *settings.Settings) {
	prev, seen := s.counts[t]
	if cfg.LogChannelCountChangesOnly && seen && prev == n {
		return
	}
	s.counts[t] = n
	s.log.Info("channels in tier", "type", t, "count", n)
}
