package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// EncodeDocument renders a table as indented JSON with a trailing newline,
// the format used by the document-based backends.
func EncodeDocument(v interface{}) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode state document: %w", err)
	}
	return append(data, '\n'), nil
}

// DecodePosts parses a posts document. Empty input is an empty table.
func DecodePosts(data []byte) ([]InstagramPost, error) {
	var posts []InstagramPost
	if err := decode(data, &posts); err != nil {
		return nil, fmt.Errorf("decode posts: %w", err)
	}
	return posts, nil
}

// DecodeFailed parses a failed-positions document, accepting bare integers.
func DecodeFailed(data []byte) ([]FailedPosition, error) {
	var failed []FailedPosition
	if err := decode(data, &failed); err != nil {
		return nil, fmt.Errorf("decode failed positions: %w", err)
	}
	return failed, nil
}

// DecodeMetadata parses a metadata document. Empty input yields nil.
func DecodeMetadata(data []byte) (*AlbumMetadata, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var meta AlbumMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &meta, nil
}

func decode(data []byte, out interface{}) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return json.Unmarshal(trimmed, out)
}

// Corruption describes a persisted document that could not be decoded.
type Corruption struct {
	Key     Key       `json:"key"`
	Table   Table     `json:"table"`
	Backend string    `json:"backend"`
	Error   string    `json:"error"`
	At      time.Time `json:"at"`
}

// CorruptionLog collects decode failures for diagnostics. Adapters embed it
// to satisfy CorruptionReporter.
type CorruptionLog struct {
	mu      sync.Mutex
	entries []Corruption
}

// RecordCorruption logs a decode failure and keeps it for Corruptions.
func (c *CorruptionLog) RecordCorruption(backend string, key Key, table Table, err error) {
	log.Error().
		Err(err).
		Str("backend", backend).
		Str("account", key.Account).
		Str("albumId", key.AlbumID).
		Str("table", string(table)).
		Msg("Corrupt state document, treating as empty")

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, Corruption{
		Key:     key,
		Table:   table,
		Backend: backend,
		Error:   err.Error(),
		At:      time.Now().UTC(),
	})
}

// Corruptions returns a copy of the recorded decode failures.
func (c *CorruptionLog) Corruptions() []Corruption {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Corruption, len(c.entries))
	copy(out, c.entries)
	return out
}

// CorruptionsFor returns the recorded corruptions of a single album.
func CorruptionsFor(a Adapter, key Key) []Corruption {
	r, ok := a.(CorruptionReporter)
	if !ok {
		return nil
	}
	var out []Corruption
	for _, c := range r.Corruptions() {
		if c.Key == key {
			out = append(out, c)
		}
	}
	return out
}

// logDropped warns about records filtered out by FilterPosts.
func logDropped(backend string, key Key, dropped int) {
	if dropped == 0 {
		return
	}
	log.Warn().
		Str("backend", backend).
		Str("account", key.Account).
		Str("albumId", key.AlbumID).
		Int("dropped", dropped).
		Msg("Ignoring post records owned by another album")
}

// ScopePosts applies FilterPosts and logs anything dropped.
func ScopePosts(backend string, key Key, posts []InstagramPost) []InstagramPost {
	kept, dropped := FilterPosts(key, posts)
	logDropped(backend, key, dropped)
	return kept
}
