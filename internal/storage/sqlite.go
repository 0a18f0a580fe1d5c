package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "modernc.org/sqlite" // SQLite driver registration.

	"channel_relay/internal/model"
	"channel_relay/migrations"
)

const (
	timeLayout   = "2006-01-02T15:04:05Z"
	adCacheSize  = 8192
	channelsCols = `username, chat_id, access_hash, last_message_id, channel_type`
)

type adKey struct {
	channel   string
	messageID int
}

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db  *sql.DB
	ads *lru.Cache[adKey, struct{}]
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; also keeps ":memory:" databases on a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	ads, err := lru.New[adKey, struct{}](adCacheSize)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create ad cache: %w", err)
	}

	return &SQLite{db: db, ads: ads}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// ListChannels returns all tracked channels ordered by username.
func (s *SQLite) ListChannels(ctx context.Context) ([]model.Source, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+channelsCols+` FROM channels ORDER BY username`,
	)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanSources(rows)
}

// ListChannelsByType returns the tracked channels of one type ordered by username.
func (s *SQLite) ListChannelsByType(ctx context.Context, t model.ChannelType) ([]model.Source, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+channelsCols+` FROM channels WHERE channel_type = ? ORDER BY username`, int(t),
	)
	if err != nil {
		return nil, fmt.Errorf("query channels by type: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanSources(rows)
}

// GetChannel returns a single channel by username.
func (s *SQLite) GetChannel(ctx context.Context, username string) (*model.Source, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+channelsCols+` FROM channels WHERE username = ?`, username,
	)
	src, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return src, err
}

// UpsertChannel inserts a channel. It is a no-op when the username is already tracked.
func (s *SQLite) UpsertChannel(ctx context.Context, src model.Source) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO channels (`+channelsCols+`) VALUES (?, ?, ?, ?, ?)`,
		src.Username, src.ChatID, src.AccessHash, src.LastMessageID, int(src.Type),
	)
	if err != nil {
		return fmt.Errorf("insert channel: %w", err)
	}
	return nil
}

// AdvanceWatermark moves last_message_id forward. Lower values are ignored.
func (s *SQLite) AdvanceWatermark(ctx context.Context, username string, messageID int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE channels SET last_message_id = ? WHERE username = ? AND last_message_id < ?`,
		messageID, username, messageID,
	)
	if err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	return nil
}

// SetChannelType updates the policy tag of a channel.
func (s *SQLite) SetChannelType(ctx context.Context, username string, t model.ChannelType) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE channels SET channel_type = ? WHERE username = ?`, int(t), username,
	)
	if err != nil {
		return fmt.Errorf("update channel type: %w", err)
	}
	return nil
}

// DeleteChannel removes a channel record. Posts and advertisements are kept for audit.
func (s *SQLite) DeleteChannel(ctx context.Context, username string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE username = ?`, username)
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSource(row scannable) (*model.Source, error) {
	var src model.Source
	var hash sql.NullInt64
	var typ int
	if err := row.Scan(&src.Username, &src.ChatID, &hash, &src.LastMessageID, &typ); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan channel: %w", err)
	}
	if hash.Valid {
		h := hash.Int64
		src.AccessHash = &h
	}
	src.Type = model.ChannelType(typ)
	return &src, nil
}

func scanSources(rows *sql.Rows) ([]model.Source, error) {
	var out []model.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *src)
	}
	return out, rows.Err()
}
