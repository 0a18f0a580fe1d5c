// Package sheet downloads and parses the published source table: tracked
// channels by type and runtime settings overrides.
package sheet

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"channel_relay/internal/model"
)

const maxBodySize = 5 * 1024 * 1024

// Settings columns.
const (
	keyColumn   = 9
	valueColumn = 10
)

// typePrecedence resolves channels listed in more than one column.
var typePrecedence = []model.ChannelType{
	model.TypeStats,
	model.TypeWhitelist,
	model.TypeLongcheck,
	model.TypeRanks,
	model.TypeWhitelist2,
	model.TypeType2,
	model.TypeFiltered,
}

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetcher downloads the table.
type Fetcher struct {
	client HTTPClient
	url    string
}

// NewFetcher creates a Fetcher for the given CSV export URL.
func NewFetcher(client HTTPClient, url string) *Fetcher {
	return &Fetcher{client: client, url: url}
}

// Fetch downloads and parses the table. The header row is skipped.
func (f *Fetcher) Fetch(ctx context.Context, timeout time.Duration) (*Table, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "ChannelRelay/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return Parse(body)
}

// Table is a parsed source table without its header row.
type Table struct {
	Rows [][]string
}

// Parse reads CSV data. Rows may have any number of columns.
func Parse(data []byte) (*Table, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var rows [][]string
	header := true
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse csv: %w", err)
		}
		if header {
			header = false
			continue
		}
		rows = append(rows, rec)
	}
	return &Table{Rows: rows}, nil
}

// Channels returns every listed channel with its resolved type. Handles
// are normalised to start with '@'.
func (t *Table) Channels() map[string]model.ChannelType {
	listed := make(map[string]map[model.ChannelType]bool)
	for _, row := range t.Rows {
		for _, ct := range model.ChannelTypes {
			col := int(ct)
			if col >= len(row) {
				break
			}
			name := normalizeHandle(row[col])
			if name == "" {
				continue
			}
			if listed[name] == nil {
				listed[name] = make(map[model.ChannelType]bool)
			}
			listed[name][ct] = true
		}
	}

	out := make(map[string]model.ChannelType, len(listed))
	for name, types := range listed {
		for _, ct := range typePrecedence {
			if types[ct] {
				out[name] = ct
				break
			}
		}
	}
	return out
}

// Settings returns the key/value overrides of the settings columns. Every
// non-empty key is returned so the settings store can report unknown ones;
// a key listed twice keeps its last value.
func (t *Table) Settings() map[string]string {
	out := make(map[string]string)
	for _, row := range t.Rows {
		if len(row) <= keyColumn {
			continue
		}
		key := strings.TrimSpace(row[keyColumn])
		if key == "" {
			continue
		}
		value := ""
		if len(row) > valueColumn {
			value = strings.TrimSpace(row[valueColumn])
		}
		if key == "system_prompt" || key == "user_prompt" {
			value = fixMojibake(value)
		}
		out[key] = value
	}
	return out
}

func normalizeHandle(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if !strings.HasPrefix(s, "@") {
		s = "@" + s
	}
	return s
}

// fixMojibake undoes UTF-8 text that was decoded as latin-1 somewhere
// upstream. Values that do not round-trip are returned unchanged.
func fixMojibake(s string) string {
	raw, err := charmap.ISO8859_1.NewEncoder().String(s)
	if err != nil || raw == s || !utf8.ValidString(raw) {
		return s
	}
	return raw
}
