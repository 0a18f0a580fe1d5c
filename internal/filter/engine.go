// Package filter decides, per channel policy, whether a message is forwarded.
package filter

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"

	"channel_relay/internal/model"
	"channel_relay/internal/settings"
)

// Classifier judges whether a text is an advertisement. Implementations must
// fail open: any error yields false.
type Classifier interface {
	IsAdvertisement(ctx context.Context, text string, cfg *settings.Settings) bool
}

// AdMemo remembers messages already classified as advertisements.
type AdMemo interface {
	IsAdvertisement(ctx context.Context, channel string, messageID int) (bool, error)
	AddAdvertisement(ctx context.Context, channel string, messageID int) error
}

// Verdict is the outcome of evaluating one message.
type Verdict struct {
	Decision model.Decision
	Post     model.Post
}

type evaluation struct {
	src  model.Source
	msg  model.Message
	cfg  *settings.Settings
	post *model.Post
}

type handler func(ctx context.Context, r *Router, ev *evaluation) model.Decision

var handlers = map[model.Policy]handler{
	model.PolicyPassthrough:          passthrough,
	model.PolicyPassthroughSecondary: passthrough,
	model.PolicyAIFiltered:           aiFiltered,
	model.PolicyThreshold:            threshold,
	model.PolicyList:                 listFiltered,
	model.PolicyExtendedList:         extendedList,
}

// Router dispatches messages to the policy of their channel type.
type Router struct {
	classifier Classifier
	memo       AdMemo
	log        *slog.Logger
}

// NewRouter creates a Router.
func NewRouter(classifier Classifier, memo AdMemo, log *slog.Logger) *Router {
	return &Router{classifier: classifier, memo: memo, log: log}
}

// Evaluate runs msg through the policy of src and returns the decision along
// with the post record to persist. IsForwarded is left for the caller to set
// once the forward has actually happened.
func (r *Router) Evaluate(ctx context.Context, src model.Source, msg model.Message, cfg *settings.Settings) Verdict {
	post := model.Post{
		Channel:     src.Username,
		ChannelType: src.Type,
		MessageID:   msg.ID,
		PostURL:     model.PostURL(src.Username, msg.ID),
		Text:        msg.Text,
		TextLength:  utf8.RuneCountInString(msg.Text),
		HasMedia:    msg.HasMedia(),
	}
	if !msg.PublishedAt.IsZero() {
		t := msg.PublishedAt.UTC()
		post.PublishedAt = &t
	}

	ev := &evaluation{src: src, msg: msg, cfg: cfg, post: &post}
	h, ok := handlers[src.Type.Policy()]
	if !ok {
		h = aiFiltered
	}
	d := h(ctx, r, ev)

	r.log.Debug("evaluated message",
		"channel", src.Username,
		"message_id", msg.ID,
		"policy", src.Type.Policy().String(),
		"decision", d.String(),
	)
	return Verdict{Decision: d, Post: post}
}

func passthrough(_ context.Context, _ *Router, ev *evaluation) model.Decision {
	if strings.TrimSpace(ev.msg.Text) == "" {
		return model.DecisionForwardNoText
	}
	return model.DecisionForward
}

func aiFiltered(ctx context.Context, r *Router, ev *evaluation) model.Decision {
	if mediaOnly(ev.msg) {
		return model.DecisionSkipMediaOnly
	}
	if r.memoized(ctx, ev) {
		ev.post.IsAdvertisement = true
		return model.DecisionSkipAd
	}
	if noText(ev.msg) {
		return model.DecisionForwardNoText
	}
	if r.blacklisted(ev) {
		ev.post.Blacklisted = true
		return model.DecisionSkipBlacklisted
	}
	if r.classifier.IsAdvertisement(ctx, ev.msg.Text, ev.cfg) {
		ev.post.IsAdvertisement = true
		if err := r.memo.AddAdvertisement(ctx, ev.src.Username, ev.msg.ID); err != nil {
			r.log.Error("memoize advertisement", "channel", ev.src.Username, "message_id", ev.msg.ID, "error", err)
		}
		return model.DecisionSkipAd
	}
	if trimmedLen(ev.msg.Text) < ev.cfg.MinLength {
		return model.DecisionSkipTooShort
	}
	return model.DecisionForward
}

func threshold(_ context.Context, _ *Router, ev *evaluation) model.Decision {
	if mediaOnly(ev.msg) {
		return model.DecisionSkipMediaOnly
	}
	if noText(ev.msg) {
		return model.DecisionForwardNoText
	}
	amount, ok := ParseAmount(ev.msg.Text)
	if !ok {
		return model.DecisionSkipBelowThreshold
	}
	limit := ev.cfg.OtherCoinThreshold
	if MentionsMajorCoin(ev.msg.Text) {
		limit = ev.cfg.BTCETHThreshold
	}
	if amount > float64(limit) {
		return model.DecisionForward
	}
	return model.DecisionSkipBelowThreshold
}

func listFiltered(_ context.Context, r *Router, ev *evaluation) model.Decision {
	if mediaOnly(ev.msg) {
		return model.DecisionSkipMediaOnly
	}
	if noText(ev.msg) {
		return model.DecisionForwardNoText
	}
	if r.blacklisted(ev) {
		ev.post.Blacklisted = true
		return model.DecisionSkipBlacklisted
	}
	return model.DecisionForward
}

func extendedList(ctx context.Context, r *Router, ev *evaluation) model.Decision {
	d := listFiltered(ctx, r, ev)
	if d != model.DecisionForward {
		return d
	}
	if trimmedLen(ev.msg.Text) < ev.cfg.MinLengthWL {
		return model.DecisionSkipTooShort
	}
	return model.DecisionForward
}

func (r *Router) memoized(ctx context.Context, ev *evaluation) bool {
	known, err := r.memo.IsAdvertisement(ctx, ev.src.Username, ev.msg.ID)
	if err != nil {
		r.log.Error("check advertisement memo", "channel", ev.src.Username, "message_id", ev.msg.ID, "error", err)
		return false
	}
	return known
}

func (r *Router) blacklisted(ev *evaluation) bool {
	word, ok := MatchBlacklist(ev.msg.Text, ev.cfg.BlacklistWords)
	if ok {
		r.log.Info("blacklisted word", "channel", ev.src.Username, "message_id", ev.msg.ID, "word", word)
	}
	return ok
}

// MatchBlacklist returns the first word that occurs in text, case-insensitively.
func MatchBlacklist(text string, words []string) (string, bool) {
	if text == "" {
		return "", false
	}
	lower := strings.ToLower(text)
	for _, w := range words {
		if w == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(w)) {
			return w, true
		}
	}
	return "", false
}

func noText(msg model.Message) bool {
	return strings.TrimSpace(msg.Text) == ""
}

func mediaOnly(msg model.Message) bool {
	return msg.HasMedia() && noText(msg)
}

func trimmedLen(text string) int {
	return utf8.RuneCountInString(strings.TrimSpace(text))
}
