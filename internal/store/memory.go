package store

import (
	"context"
	"fmt"
	"sync"
)

// memoryBacking is the shared document space behind one or more
// MemoryAdapters. Each document carries a revision counter.
type memoryBacking struct {
	mu        sync.Mutex
	docs      map[string][]byte
	revisions map[string]int
}

// MemoryAdapter keeps encoded documents in process memory. It applies the
// same compare-and-swap rules as the versioned-file backend, so separate
// adapters created with Fork behave like separate processes sharing one
// store. Used by tests and local dry runs.
type MemoryAdapter struct {
	CorruptionLog

	backing *memoryBacking

	mu          sync.Mutex
	seen        map[string]int
	writeErrors map[Table]error
	unavailable bool
}

var _ Adapter = (*MemoryAdapter)(nil)

// NewMemoryAdapter returns an empty in-memory adapter.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		backing: &memoryBacking{
			docs:      make(map[string][]byte),
			revisions: make(map[string]int),
		},
		seen:        make(map[string]int),
		writeErrors: make(map[Table]error),
	}
}

// Fork returns an adapter over the same documents with its own view of
// last-read revisions.
func (m *MemoryAdapter) Fork() *MemoryAdapter {
	return &MemoryAdapter{
		backing:     m.backing,
		seen:        make(map[string]int),
		writeErrors: make(map[Table]error),
	}
}

// FailWrites makes every write to table return err until cleared with nil.
func (m *MemoryAdapter) FailWrites(table Table, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.writeErrors, table)
		return
	}
	m.writeErrors[table] = err
}

// SetUnavailable controls the IsAvailable check.
func (m *MemoryAdapter) SetUnavailable(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = v
}

// PutRaw stores raw bytes for a table, bypassing encoding. Lets tests plant
// corrupt documents.
func (m *MemoryAdapter) PutRaw(key Key, table Table, data []byte) {
	path := memoryPath(key, table)
	m.backing.mu.Lock()
	defer m.backing.mu.Unlock()
	m.backing.docs[path] = data
	m.backing.revisions[path]++
}

func (m *MemoryAdapter) Name() string { return "memory" }

func (m *MemoryAdapter) IsAvailable(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.unavailable
}

func memoryPath(key Key, table Table) string {
	return key.Account + "/album-" + key.AlbumID + "/" + string(table)
}

func (m *MemoryAdapter) read(key Key, table Table) []byte {
	path := memoryPath(key, table)
	m.backing.mu.Lock()
	data, rev := m.backing.docs[path], m.backing.revisions[path]
	m.backing.mu.Unlock()

	m.mu.Lock()
	m.seen[path] = rev
	m.mu.Unlock()
	return data
}

func (m *MemoryAdapter) write(ctx context.Context, key Key, table Table, v interface{}) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if err := key.Validate(); err != nil {
		return err
	}
	path := memoryPath(key, table)

	m.mu.Lock()
	injected := m.writeErrors[table]
	seen, haveSeen := m.seen[path]
	m.mu.Unlock()
	if injected != nil {
		return fmt.Errorf("memory write %s: %w", path, injected)
	}

	data, err := EncodeDocument(v)
	if err != nil {
		return err
	}

	m.backing.mu.Lock()
	current := m.backing.revisions[path]
	if haveSeen && seen != current {
		m.backing.mu.Unlock()
		m.mu.Lock()
		delete(m.seen, path)
		m.mu.Unlock()
		return fmt.Errorf("memory write %s at revision %d (current %d): %w", path, seen, current, ErrConflict)
	}
	m.backing.docs[path] = data
	m.backing.revisions[path] = current + 1
	m.backing.mu.Unlock()

	m.mu.Lock()
	m.seen[path] = current + 1
	m.mu.Unlock()
	return nil
}

func (m *MemoryAdapter) ReadPosts(ctx context.Context, key Key) ([]InstagramPost, error) {
	posts, err := DecodePosts(m.read(key, TablePosts))
	if err != nil {
		m.RecordCorruption(m.Name(), key, TablePosts, err)
		return nil, nil
	}
	return ScopePosts(m.Name(), key, posts), nil
}

func (m *MemoryAdapter) WritePosts(ctx context.Context, key Key, posts []InstagramPost) error {
	return m.write(ctx, key, TablePosts, posts)
}

func (m *MemoryAdapter) ReadFailedPositions(ctx context.Context, key Key) ([]FailedPosition, error) {
	failed, err := DecodeFailed(m.read(key, TableFailed))
	if err != nil {
		m.RecordCorruption(m.Name(), key, TableFailed, err)
		return nil, nil
	}
	return failed, nil
}

func (m *MemoryAdapter) WriteFailedPositions(ctx context.Context, key Key, failed []FailedPosition) error {
	return m.write(ctx, key, TableFailed, failed)
}

func (m *MemoryAdapter) ReadMetadata(ctx context.Context, key Key) (*AlbumMetadata, error) {
	meta, err := DecodeMetadata(m.read(key, TableMetadata))
	if err != nil {
		m.RecordCorruption(m.Name(), key, TableMetadata, err)
		return nil, nil
	}
	return meta, nil
}

func (m *MemoryAdapter) WriteMetadata(ctx context.Context, key Key, meta *AlbumMetadata) error {
	return m.write(ctx, key, TableMetadata, meta)
}
