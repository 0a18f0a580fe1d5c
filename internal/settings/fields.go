package settings

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"channel_relay/internal/model"
)

type field struct {
	set   func(s *Settings, raw string) error
	equal func(a, b *Settings) bool
}

var fields = map[string]field{
	"target_channel": scalar(func(s *Settings) *string { return &s.TargetChannel }, parseTarget),

	"table_scan_interval":      scalar(func(s *Settings) *int { return &s.TableScanInterval }, intAtLeast(MinInterval)),
	"min_length":               scalar(func(s *Settings) *int { return &s.MinLength }, intAtLeast(1)),
	"min_length_wl":            scalar(func(s *Settings) *int { return &s.MinLengthWL }, intAtLeast(1)),
	"max_messages_per_channel": scalar(func(s *Settings) *int { return &s.MaxMessagesPerChannel }, intAtLeast(1)),
	"csv_timeout":              scalar(func(s *Settings) *int { return &s.CSVTimeout }, intAtLeast(1)),
	"max_null_hash_fixes":      scalar(func(s *Settings) *int { return &s.MaxNullHashFixes }, intAtLeast(1)),

	"btc_eth_threshold":    scalar(func(s *Settings) *int64 { return &s.BTCETHThreshold }, parseThreshold),
	"other_coin_threshold": scalar(func(s *Settings) *int64 { return &s.OtherCoinThreshold }, parseThreshold),

	"sleep_between_channels_min": scalar(func(s *Settings) *float64 { return &s.SleepBetweenChannelsMin }, parseSeconds),
	"sleep_between_channels_max": scalar(func(s *Settings) *float64 { return &s.SleepBetweenChannelsMax }, parseSeconds),

	"log_channel_count_changes_only": scalar(func(s *Settings) *bool { return &s.LogChannelCountChangesOnly }, parseBool),

	"system_prompt": scalar(func(s *Settings) *string { return &s.SystemPrompt }, parsePrompt),
	"user_prompt":   scalar(func(s *Settings) *string { return &s.UserPrompt }, parseUserPrompt),

	"blacklist_words": {
		set: func(s *Settings, raw string) error {
			s.BlacklistWords = ParseList(raw)
			return nil
		},
		equal: func(a, b *Settings) bool { return slices.Equal(a.BlacklistWords, b.BlacklistWords) },
	},
	"channel_type_intervals": {
		set: func(s *Settings, raw string) error {
			m, err := parseMapping(raw)
			if err != nil {
				return err
			}
			s.ChannelTypeIntervals = NormalizeIntervals(m)
			return nil
		},
		equal: func(a, b *Settings) bool { return maps.Equal(a.ChannelTypeIntervals, b.ChannelTypeIntervals) },
	},
}

func scalar[T comparable](ptr func(*Settings) *T, parse func(string) (T, error)) field {
	return field{
		set: func(s *Settings, raw string) error {
			v, err := parse(raw)
			if err != nil {
				return err
			}
			*ptr(s) = v
			return nil
		},
		equal: func(a, b *Settings) bool { return *ptr(a) == *ptr(b) },
	}
}

func parseInt(raw string) (int64, error) {
	cleaned := strings.NewReplacer("_", "", " ", "").Replace(strings.TrimSpace(raw))
	v, err := strconv.ParseInt(cleaned, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("not an integer: %q", raw)
	}
	return v, nil
}

// intAtLeast parses an integer and raises it to floor when it is lower.
func intAtLeast(floor int) func(string) (int, error) {
	return func(raw string) (int, error) {
		v, err := parseInt(raw)
		if err != nil {
			return 0, err
		}
		if v > math.MaxInt32 {
			return 0, fmt.Errorf("value %d out of range", v)
		}
		return max(int(v), floor), nil
	}
}

func parseThreshold(raw string) (int64, error) {
	v, err := parseInt(raw)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, errors.New("must be >= 0")
	}
	return v, nil
}

func parseSeconds(raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(raw), ",", "."), 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", raw)
	}
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.New("must be a finite number >= 0")
	}
	return v, nil
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", raw)
}

func parseTarget(raw string) (string, error) {
	v := strings.TrimSpace(raw)
	if !strings.HasPrefix(v, "@") || len(v) < 2 {
		return "", errors.New("target_channel must start with '@'")
	}
	return v, nil
}

func parsePrompt(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", errors.New("prompt is empty")
	}
	return raw, nil
}

func parseUserPrompt(raw string) (string, error) {
	if !strings.Contains(raw, "{text}") {
		return "", errors.New("user_prompt must contain the {text} placeholder")
	}
	return raw, nil
}

// ParseList accepts a bracketed list literal (['a', "b"]) or a comma
// separated string. Empty entries are dropped.
func ParseList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "[") {
		var items []any
		if err := yaml.Unmarshal([]byte(raw), &items); err == nil {
			out := make([]string, 0, len(items))
			for _, it := range items {
				if it == nil {
					continue
				}
				if s := fmt.Sprint(it); s != "" {
					out = append(out, s)
				}
			}
			return out
		}
	}

	var out []string
	for _, w := range strings.Split(raw, ",") {
		if w = strings.TrimSpace(w); w != "" {
			out = append(out, w)
		}
	}
	return out
}

func parseMapping(raw string) (map[string]any, error) {
	var m map[string]any
	if err := yaml.Unmarshal([]byte(strings.TrimSpace(raw)), &m); err != nil {
		return nil, fmt.Errorf("parse mapping: %w", err)
	}
	if m == nil {
		return nil, errors.New("mapping is empty")
	}
	return m, nil
}

// NormalizeIntervals converts a name-or-number keyed mapping into polling
// intervals. Values are floored at MinInterval (MinStatsInterval for stats).
// Unknown keys, non-integer values and values beyond the int32 range are
// ignored; types not mentioned keep their default interval.
func NormalizeIntervals(raw map[string]any) map[model.ChannelType]int {
	out := maps.Clone(DefaultIntervals)
	for k, v := range raw {
		t, ok := model.ParseChannelType(k)
		if !ok {
			continue
		}
		sec, ok := toInt(v)
		if !ok {
			continue
		}
		floor := MinInterval
		if t == model.TypeStats {
			floor = MinStatsInterval
		}
		out[t] = max(sec, floor)
	}
	return out
}

func toInt(v any) (int, bool) {
	var n int64
	switch x := v.(type) {
	case int:
		n = int64(x)
	case int64:
		n = x
	case uint64:
		if x > math.MaxInt32 {
			return 0, false
		}
		n = int64(x)
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) || math.Abs(x) > math.MaxInt32 {
			return 0, false
		}
		n = int64(x)
	case string:
		i, err := parseInt(x)
		if err != nil {
			return 0, false
		}
		n = i
	default:
		return 0, false
	}
	if n > math.MaxInt32 || n < math.MinInt32 {
		return 0, false
	}
	return int(n), true
}
