// Package storage defines the persistence interfaces and their SQLite implementation.
package storage

import (
	"context"
	"errors"

	"channel_relay/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Registry persists the set of tracked channels.
type Registry interface {
	ListChannels(ctx context.Context) ([]model.Source, error)
	ListChannelsByType(ctx context.Context, t model.ChannelType) ([]model.Source, error)
	GetChannel(ctx context.Context, username string) (*model.Source, error)
	UpsertChannel(ctx context.Context, src model.Source) error
	AdvanceWatermark(ctx context.Context, username string, messageID int) error
	SetChannelType(ctx context.Context, username string, t model.ChannelType) error
	DeleteChannel(ctx context.Context, username string) error
}

// Ledger persists evaluated posts and the advertisement memo.
type Ledger interface {
	SavePosts(ctx context.Context, posts []model.Post) error
	MarkForwarded(ctx context.Context, channel string, messageID int) error
	GetPost(ctx context.Context, channel string, messageID int) (*model.Post, error)
	PostStats(ctx context.Context) (model.PostStats, error)

	IsAdvertisement(ctx context.Context, channel string, messageID int) (bool, error)
	AddAdvertisement(ctx context.Context, channel string, messageID int) error
}

// Storage is the interface for all persistence operations.
type Storage interface {
	Registry
	Ledger
	Close() error
}
