package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"channel_relay/internal/model"
)

const postsCols = `channel, channel_type, message_id, post_url, text, text_length, published_at,
	processed_at, is_advertisement, is_forwarded, has_media, blacklisted`

// SavePosts upserts a batch of evaluated posts in one transaction, keyed by
// (channel, message_id). Re-evaluated posts replace their previous row.
func (s *SQLite) SavePosts(ctx context.Context, posts []model.Post) error {
	if len(posts) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO posts (`+postsCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (channel, message_id) DO UPDATE SET
		   channel_type = excluded.channel_type,
		   post_url = excluded.post_url,
		   text = excluded.text,
		   text_length = excluded.text_length,
		   published_at = excluded.published_at,
		   processed_at = excluded.processed_at,
		   is_advertisement = excluded.is_advertisement,
		   is_forwarded = excluded.is_forwarded,
		   has_media = excluded.has_media,
		   blacklisted = excluded.blacklisted`,
	)
	if err != nil {
		return fmt.Errorf("prepare insert post: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UTC().Format(timeLayout)
	for _, p := range posts {
		var text, published *string
		if p.Text != "" {
			text = &p.Text
		}
		if p.PublishedAt != nil {
			v := p.PublishedAt.UTC().Format(timeLayout)
			published = &v
		}
		processed := now
		if !p.ProcessedAt.IsZero() {
			processed = p.ProcessedAt.UTC().Format(timeLayout)
		}
		_, err := stmt.ExecContext(ctx,
			p.Channel, int(p.ChannelType), p.MessageID, p.PostURL, text, p.TextLength, published,
			processed, boolToInt(p.IsAdvertisement), boolToInt(p.IsForwarded),
			boolToInt(p.HasMedia), boolToInt(p.Blacklisted),
		)
		if err != nil {
			return fmt.Errorf("insert post %s/%d: %w", p.Channel, p.MessageID, err)
		}
	}
	return tx.Commit()
}

// MarkForwarded flags an already recorded post as forwarded.
func (s *SQLite) MarkForwarded(ctx context.Context, channel string, messageID int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE posts SET is_forwarded = 1 WHERE channel = ? AND message_id = ?`,
		channel, messageID,
	)
	if err != nil {
		return fmt.Errorf("mark forwarded: %w", err)
	}
	return nil
}

// GetPost returns the recorded outcome for one message.
func (s *SQLite) GetPost(ctx context.Context, channel string, messageID int) (*model.Post, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+postsCols+` FROM posts WHERE channel = ? AND message_id = ?`,
		channel, messageID,
	)

	var p model.Post
	var typ, ad, fwd, media, bl int
	var text, published sql.NullString
	var processed string
	err := row.Scan(&p.Channel, &typ, &p.MessageID, &p.PostURL, &text, &p.TextLength, &published,
		&processed, &ad, &fwd, &media, &bl)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan post: %w", err)
	}

	p.ChannelType = model.ChannelType(typ)
	p.Text = text.String
	if published.Valid {
		t, _ := time.Parse(timeLayout, published.String)
		p.PublishedAt = &t
	}
	p.ProcessedAt, _ = time.Parse(timeLayout, processed)
	p.IsAdvertisement = ad == 1
	p.IsForwarded = fwd == 1
	p.HasMedia = media == 1
	p.Blacklisted = bl == 1
	return &p, nil
}

// PostStats returns ledger totals.
func (s *SQLite) PostStats(ctx context.Context) (model.PostStats, error) {
	var st model.PostStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(is_forwarded), 0),
		        COALESCE(SUM(is_advertisement), 0),
		        COALESCE(SUM(blacklisted), 0)
		 FROM posts`,
	).Scan(&st.Total, &st.Forwarded, &st.Ads, &st.Blacklisted)
	if err != nil {
		return st, fmt.Errorf("query post stats: %w", err)
	}
	return st, nil
}

// IsAdvertisement reports whether a message was previously classified as an ad.
func (s *SQLite) IsAdvertisement(ctx context.Context, channel string, messageID int) (bool, error) {
	key := adKey{channel: channel, messageID: messageID}
	if s.ads.Contains(key) {
		return true, nil
	}

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM advertisements WHERE channel_username = ? AND message_id = ?`,
		channel, messageID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check advertisement: %w", err)
	}
	if count > 0 {
		s.ads.Add(key, struct{}{})
	}
	return count > 0, nil
}

// AddAdvertisement memoizes an advertisement verdict.
func (s *SQLite) AddAdvertisement(ctx context.Context, channel string, messageID int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO advertisements (channel_username, message_id) VALUES (?, ?)`,
		channel, messageID,
	)
	if err != nil {
		return fmt.Errorf("add advertisement: %w", err)
	}
	s.ads.Add(adKey{channel: channel, messageID: messageID}, struct{}{})
	return nil
}
