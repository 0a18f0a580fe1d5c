// Package model defines the domain types used across the application.
package model

import (
	"fmt"
	"strings"
	"time"
)

// ChannelType is the policy tag assigned to a tracked channel.
type ChannelType int

// Channel types, in the order of the source table columns.
const (
	TypeFiltered ChannelType = iota
	TypeWhitelist
	TypeStats
	TypeLongcheck
	TypeRanks
	TypeWhitelist2
	TypeType2
)

// ChannelTypes lists every channel type in ascending order.
var ChannelTypes = []ChannelType{
	TypeFiltered, TypeWhitelist, TypeStats, TypeLongcheck, TypeRanks, TypeWhitelist2, TypeType2,
}

var typeNames = [...]string{"filtered", "whitelist", "stats", "longcheck", "ranks", "whitelist2", "type2"}

// String returns the lower-case name used in configuration and logs.
func (t ChannelType) String() string {
	if t.Valid() {
		return typeNames[t]
	}
	return fmt.Sprintf("type%d", int(t))
}

// Valid reports whether t is one of the known channel types.
func (t ChannelType) Valid() bool {
	return t >= TypeFiltered && int(t) < len(typeNames)
}

// ParseChannelType accepts a type name or its numeric value, case-insensitively.
func ParseChannelType(s string) (ChannelType, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range typeNames {
		if s == name || s == fmt.Sprint(i) {
			return ChannelType(i), true
		}
	}
	return 0, false
}

// Policy is the message acceptance policy applied to a channel type.
type Policy int

// Supported policies.
const (
	PolicyPassthrough Policy = iota
	PolicyAIFiltered
	PolicyThreshold
	PolicyList
	PolicyExtendedList
	PolicyPassthroughSecondary
)

var policyNames = [...]string{
	"passthrough", "ai-filtered", "threshold-filtered", "list-filtered",
	"extended-list-filtered", "passthrough-secondary",
}

func (p Policy) String() string {
	if p >= 0 && int(p) < len(policyNames) {
		return policyNames[p]
	}
	return fmt.Sprintf("policy%d", int(p))
}

// Policy returns the acceptance policy for the channel type.
// Unknown types fall back to the AI-filtered policy, like untyped channels do.
func (t ChannelType) Policy() Policy {
	switch t {
	case TypeWhitelist:
		return PolicyPassthrough
	case TypeStats:
		return PolicyThreshold
	case TypeRanks:
		return PolicyList
	case TypeWhitelist2:
		return PolicyExtendedList
	case TypeType2:
		return PolicyPassthroughSecondary
	default:
		return PolicyAIFiltered
	}
}

// Source is a tracked upstream channel.
type Source struct {
	Username      string
	ChatID        int64
	AccessHash    *int64
	LastMessageID int
	Type          ChannelType
}

// Link returns the handle without the leading '@', as used in t.me links.
func (s Source) Link() string {
	return strings.TrimPrefix(s.Username, "@")
}

// PostURL returns the public link of a message in the channel.
func PostURL(username string, messageID int) string {
	return fmt.Sprintf("https://t.me/%s/%d", strings.TrimPrefix(username, "@"), messageID)
}

// MediaKind describes the non-text payload of a message.
type MediaKind string

// Media kinds recognised by the router. Everything else counts as no media.
const (
	MediaNone     MediaKind = ""
	MediaPhoto    MediaKind = "photo"
	MediaVideo    MediaKind = "video"
	MediaVoice    MediaKind = "voice"
	MediaDocument MediaKind = "document"
	MediaPoll     MediaKind = "poll"
)

// Message is a channel message as read from the upstream transport.
type Message struct {
	ID          int
	Text        string
	Media       MediaKind
	Service     bool
	PublishedAt time.Time
}

// HasMedia reports whether the message carries a recognised media payload.
func (m Message) HasMedia() bool {
	return m.Media != MediaNone
}

// Decision is the outcome of evaluating a message against a channel policy.
type Decision int

// Possible decisions.
const (
	DecisionForward Decision = iota
	DecisionForwardNoText
	DecisionSkipMediaOnly
	DecisionSkipBlacklisted
	DecisionSkipAd
	DecisionSkipTooShort
	DecisionSkipBelowThreshold
)

var decisionNames = [...]string{
	"forward", "forward-no-text", "skip-media-only", "skip-blacklisted",
	"skip-ad", "skip-too-short", "skip-below-threshold",
}

func (d Decision) String() string {
	if d >= 0 && int(d) < len(decisionNames) {
		return decisionNames[d]
	}
	return fmt.Sprintf("decision%d", int(d))
}

// Forwards reports whether the decision accepts the message for forwarding.
func (d Decision) Forwards() bool {
	return d == DecisionForward || d == DecisionForwardNoText
}

// Post is the persisted outcome of evaluating one message.
type Post struct {
	Channel         string
	ChannelType     ChannelType
	MessageID       int
	PostURL         string
	Text            string
	TextLength      int
	PublishedAt     *time.Time
	ProcessedAt     time.Time
	IsAdvertisement bool
	IsForwarded     bool
	HasMedia        bool
	Blacklisted     bool
}

// PostStats aggregates ledger totals for operators.
type PostStats struct {
	Total       int
	Forwarded   int
	Ads         int
	Blacklisted int
}

// Counters tallies the outcome of one polling pass.
type Counters struct {
	Fetched   int `json:"fetched"`
	Forwarded int `json:"forwarded"`
	Skipped   int `json:"skipped"`
	Ads       int `json:"ads"`
}

// Add accumulates other into c.
func (c *Counters) Add(other Counters) {
	c.Fetched += other.Fetched
	c.Forwarded += other.Forwarded
	c.Skipped += other.Skipped
	c.Ads += other.Ads
}
