package bot

import (
	"fmt"
	"strings"

	"channel_relay/internal/model"
	"channel_relay/internal/scheduler"
	"channel_relay/internal/settings"
)

const (
	timeLayout    = "2006-01-02 15:04 UTC"
	maxListed     = 100
	postTextLimit = 300
)

// FormatStatus formats the control loop snapshot.
func FormatStatus(st scheduler.Status, cfg *settings.Settings) string {
	var b strings.Builder
	conn := "connected"
	if !st.Connected {
		conn = "disconnected"
	}
	fmt.Fprintf(&b, "Upstream: %s\n", conn)
	if st.LastCycle.IsZero() {
		b.WriteString("Last cycle: not yet\n")
	} else {
		fmt.Fprintf(&b, "Last cycle: %s\n", st.LastCycle.UTC().Format(timeLayout))
	}
	if cfg.TargetChannel != "" {
		fmt.Fprintf(&b, "Target: %s\n", cfg.TargetChannel)
	}
	if st.Pending > 0 {
		fmt.Fprintf(&b, "Pending forwards: %d\n", st.Pending)
	}

	if len(st.Tiers) == 0 {
		b.WriteString("\nNo channel type has run yet.")
		return b.String()
	}
	for _, ts := range st.Tiers {
		fmt.Fprintf(&b, "\n%s (%s, every %s): %d channels\n",
			ts.Type, ts.Type.Policy(), cfg.Interval(ts.Type), ts.Channels)
		fmt.Fprintf(&b, "   last run %s: %s\n", ts.LastRun.UTC().Format(timeLayout), formatCounters(ts.Last))
		fmt.Fprintf(&b, "   total: %s\n", formatCounters(ts.Total))
	}
	return b.String()
}

func formatCounters(c model.Counters) string {
	return fmt.Sprintf("%d fetched, %d forwarded, %d skipped, %d ads", c.Fetched, c.Forwarded, c.Skipped, c.Ads)
}

// FormatChannelList formats tracked channels grouped by type.
func FormatChannelList(sources []model.Source) string {
	if len(sources) == 0 {
		return "No tracked channels."
	}

	groups := make(map[model.ChannelType][]model.Source)
	for _, s := range sources {
		groups[s.Type] = append(groups[s.Type], s)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Tracked channels: %d\n", len(sources))
	listed := 0
	for _, t := range model.ChannelTypes {
		ss := groups[t]
		if len(ss) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n%s (%d):\n", t, len(ss))
		for _, s := range ss {
			if listed == maxListed {
				fmt.Fprintf(&b, "  ...and %d more\n", len(sources)-listed)
				return b.String()
			}
			listed++
			fmt.Fprintf(&b, "  %s  last #%d", s.Username, s.LastMessageID)
			if s.AccessHash == nil {
				b.WriteString("  [no access hash]")
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

// FormatPost formats a ledger record.
func FormatPost(p *model.Post) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s #%d (%s)\n", p.Channel, p.MessageID, p.ChannelType)
	fmt.Fprintf(&b, "%s\n", p.PostURL)
	if p.PublishedAt != nil {
		fmt.Fprintf(&b, "Published: %s\n", p.PublishedAt.UTC().Format(timeLayout))
	}
	fmt.Fprintf(&b, "Processed: %s\n", p.ProcessedAt.UTC().Format(timeLayout))
	fmt.Fprintf(&b, "Forwarded: %s, ad: %s, blacklisted: %s, media: %s\n",
		yesNo(p.IsForwarded), yesNo(p.IsAdvertisement), yesNo(p.Blacklisted), yesNo(p.HasMedia))
	fmt.Fprintf(&b, "Length: %d\n", p.TextLength)
	if p.Text != "" {
		b.WriteString("\n")
		b.WriteString(truncate(p.Text, postTextLimit))
	}
	return b.String()
}

// FormatStats formats ledger totals.
func FormatStats(s model.PostStats) string {
	return fmt.Sprintf("Evaluated posts: %d\nForwarded: %d\nAdvertisements: %d\nBlacklisted: %d",
		s.Total, s.Forwarded, s.Ads, s.Blacklisted)
}

// FormatSettings formats the runtime settings snapshot.
func FormatSettings(s *settings.Settings) string {
	var b strings.Builder
	fmt.Fprintf(&b, "target_channel: %s\n", orNone(s.TargetChannel))
	fmt.Fprintf(&b, "table_scan_interval: %s\n", s.ReconcileInterval())
	fmt.Fprintf(&b, "min_length: %d\n", s.MinLength)
	fmt.Fprintf(&b, "min_length_wl: %d\n", s.MinLengthWL)
	fmt.Fprintf(&b, "max_messages_per_channel: %d\n", s.MaxMessagesPerChannel)
	fmt.Fprintf(&b, "csv_timeout: %ds\n", s.CSVTimeout)
	fmt.Fprintf(&b, "max_null_hash_fixes: %d\n", s.MaxNullHashFixes)
	fmt.Fprintf(&b, "btc_eth_threshold: $%d\n", s.BTCETHThreshold)
	fmt.Fprintf(&b, "other_coin_threshold: $%d\n", s.OtherCoinThreshold)
	lo, hi := s.SleepBetweenChannels()
	fmt.Fprintf(&b, "sleep_between_channels: %s-%s\n", lo, hi)
	fmt.Fprintf(&b, "log_channel_count_changes_only: %v\n", s.LogChannelCountChangesOnly)
	fmt.Fprintf(&b, "blacklist_words: %d\n", len(s.BlacklistWords))

	b.WriteString("\nchannel_type_intervals:\n")
	for _, t := range model.ChannelTypes {
		fmt.Fprintf(&b, "  %s: %s\n", t, s.Interval(t))
	}
	fmt.Fprintf(&b, "\nsystem_prompt: %s\n", truncate(s.SystemPrompt, 80))
	fmt.Fprintf(&b, "user_prompt: %s", truncate(s.UserPrompt, 80))
	return b.String()
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
