// Package settings holds the runtime configuration that can be changed from
// the source table without restarting the process.
package settings

import (
	"log/slog"
	"maps"
	"slices"
	"sync/atomic"
	"time"

	"channel_relay/internal/model"
)

// Interval floors, in seconds.
const (
	MinInterval      = 60
	MinStatsInterval = 30
)

// DefaultIntervals are the polling intervals per channel type, in seconds.
var DefaultIntervals = map[model.ChannelType]int{
	model.TypeFiltered:   900,
	model.TypeWhitelist:  60,
	model.TypeStats:      30,
	model.TypeLongcheck:  43200,
	model.TypeRanks:      600,
	model.TypeWhitelist2: 300,
	model.TypeType2:      3600,
}

const (
	defaultSystemPrompt = "Ты модератор новостного канала. Определи, является ли пост новостью или рекламой. Отвечай одним словом."
	defaultUserPrompt   = "Это новость, а не реклама? Ответь да или нет.\n\n{text}"
)

// Settings is an immutable snapshot of the runtime configuration.
// Callers must not modify a snapshot obtained from a Store.
type Settings struct {
	TargetChannel              string
	TableScanInterval          int
	MinLength                  int
	MinLengthWL                int
	MaxMessagesPerChannel      int
	CSVTimeout                 int
	MaxNullHashFixes           int
	BTCETHThreshold            int64
	OtherCoinThreshold         int64
	SleepBetweenChannelsMin    float64
	SleepBetweenChannelsMax    float64
	LogChannelCountChangesOnly bool
	SystemPrompt               string
	UserPrompt                 string
	BlacklistWords             []string
	ChannelTypeIntervals       map[model.ChannelType]int
}

// Defaults returns the built-in configuration.
func Defaults() Settings {
	return Settings{
		TableScanInterval:          300,
		MinLength:                  95,
		MinLengthWL:                95,
		MaxMessagesPerChannel:      100,
		CSVTimeout:                 30,
		MaxNullHashFixes:           5,
		BTCETHThreshold:            5_000_000,
		OtherCoinThreshold:         1_000_000,
		SleepBetweenChannelsMin:    0.2,
		SleepBetweenChannelsMax:    0.35,
		LogChannelCountChangesOnly: true,
		SystemPrompt:               defaultSystemPrompt,
		UserPrompt:                 defaultUserPrompt,
		ChannelTypeIntervals:       maps.Clone(DefaultIntervals),
	}
}

func (s *Settings) clone() *Settings {
	c := *s
	c.BlacklistWords = slices.Clone(s.BlacklistWords)
	c.ChannelTypeIntervals = maps.Clone(s.ChannelTypeIntervals)
	return &c
}

// Interval returns the polling interval for a channel type.
func (s *Settings) Interval(t model.ChannelType) time.Duration {
	sec, ok := s.ChannelTypeIntervals[t]
	if !ok {
		sec = DefaultIntervals[t]
	}
	return time.Duration(sec) * time.Second
}

// BaseTick returns the smallest configured polling interval.
func (s *Settings) BaseTick() time.Duration {
	tick := time.Duration(0)
	for _, t := range model.ChannelTypes {
		if iv := s.Interval(t); tick == 0 || iv < tick {
			tick = iv
		}
	}
	return tick
}

// ReconcileInterval returns the source table scan interval.
func (s *Settings) ReconcileInterval() time.Duration {
	return time.Duration(max(s.TableScanInterval, MinInterval)) * time.Second
}

// SleepBetweenChannels returns the pacing band between two channels.
// An inverted band is treated as a fixed pause at the lower bound.
func (s *Settings) SleepBetweenChannels() (lo, hi time.Duration) {
	lo = time.Duration(s.SleepBetweenChannelsMin * float64(time.Second))
	hi = time.Duration(s.SleepBetweenChannelsMax * float64(time.Second))
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

// Store holds the live snapshot. Reads never block and always observe a
// complete snapshot.
type Store struct {
	cur atomic.Pointer[Settings]
	log *slog.Logger
}

// NewStore creates a Store initialised with the given snapshot.
func NewStore(initial Settings, log *slog.Logger) *Store {
	s := &Store{log: log}
	s.cur.Store(initial.clone())
	return s
}

// Current returns the live snapshot.
func (s *Store) Current() *Settings {
	return s.cur.Load()
}

// Reload validates raw values and swaps in a new snapshot when at least one
// valid key changed. Unknown keys and invalid values are logged and skipped.
func (s *Store) Reload(raw map[string]string) bool {
	prev := s.cur.Load()
	next, changed := apply(prev, raw, s.log)
	if len(changed) == 0 {
		return false
	}
	s.cur.Store(next)
	s.log.Info("settings updated", "keys", changed)
	return true
}

func apply(prev *Settings, raw map[string]string, log *slog.Logger) (*Settings, []string) {
	next := prev.clone()
	var changed []string

	for _, key := range slices.Sorted(maps.Keys(raw)) {
		f, ok := fields[key]
		if !ok {
			log.Warn("unknown settings key", "key", key)
			continue
		}
		if err := f.set(next, raw[key]); err != nil {
			log.Warn("invalid settings value, keeping previous", "key", key, "error", err)
			continue
		}
		if !f.equal(prev, next) {
			changed = append(changed, key)
		}
	}
	return next, changed
}
