// Package statemanager decides which album item to publish next and records
// the outcome of each attempt durably, so overlapping or restarted runs never
// post the same position twice and never forget a failed one.
//
// A Manager is scoped to one album of one account and works against any
// store.Adapter. Every table update is a read-modify-write cycle that is
// retried when the adapter reports a conflict or a transient error.
package statemanager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/album-poster/internal/store"
)

const (
	defaultMaxWriteAttempts = 3
	defaultBackoff          = 500 * time.Millisecond
)

// Manager is the facade over one album's posting state.
type Manager struct {
	adapter     store.Adapter
	secondary   store.Adapter
	key         store.Key
	maxAttempts int
	backoff     time.Duration
	now         func() time.Time
	runID       string
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxWriteAttempts bounds the read-modify-write attempts per table update.
func WithMaxWriteAttempts(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

// WithBackoff sets the base delay between write attempts. The delay grows
// linearly with the attempt number.
func WithBackoff(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.backoff = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithWorkflowRunID tags every record written by this manager.
func WithWorkflowRunID(id string) Option {
	return func(m *Manager) { m.runID = id }
}

// WithDualWrite mirrors every write to secondary. Secondary failures are
// logged and ignored; a primary failure the secondary absorbed is reported as
// a fallback instead of a failure.
func WithDualWrite(secondary store.Adapter) Option {
	return func(m *Manager) { m.secondary = secondary }
}

// New creates a manager for key.
func New(adapter store.Adapter, key store.Key, opts ...Option) (*Manager, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		adapter:     adapter,
		key:         key,
		maxAttempts: defaultMaxWriteAttempts,
		backoff:     defaultBackoff,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.secondary != nil {
		m.adapter = store.NewDualWrite(m.adapter, m.secondary)
	}
	return m, nil
}

// Key returns the album the manager is scoped to.
func (m *Manager) Key() store.Key { return m.key }

// Adapter returns the adapter in use, including any dual-write wrapper.
func (m *Manager) Adapter() store.Adapter { return m.adapter }

// IsAvailable reports whether the backend can currently accept writes.
func (m *Manager) IsAvailable(ctx context.Context) bool {
	return m.adapter.IsAvailable(ctx)
}

// --- Read-modify-write ---

// errUnchanged is returned by mutators that have nothing to write.
var errUnchanged = errors.New("unchanged")

// retry runs fn until it succeeds, fails permanently, or attempts run out.
// fn performs a full read-modify-write, so a conflict is retried on fresh
// data.
func (m *Manager) retry(ctx context.Context, table store.Table, fn func() error) error {
	var err error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		err = fn()
		if err == nil || errors.Is(err, errUnchanged) {
			return nil
		}
		if errors.Is(err, store.ErrFellBack) || !store.Retryable(err) {
			return err
		}
		log.Warn().
			Err(err).
			Str("album", m.key.String()).
			Str("table", string(table)).
			Int("attempt", attempt).
			Int("maxAttempts", m.maxAttempts).
			Msg("State write failed, retrying")
		if attempt < m.maxAttempts {
			if serr := sleep(ctx, m.backoff*time.Duration(attempt)); serr != nil {
				return fmt.Errorf("%w: %w", store.ErrUnavailable, serr)
			}
		}
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// updatePosts applies mutate to the current posts and writes the result.
// mutate returns errUnchanged to skip the write.
func (m *Manager) updatePosts(ctx context.Context, mutate func([]store.InstagramPost) ([]store.InstagramPost, error)) error {
	return m.retry(ctx, store.TablePosts, func() error {
		posts, err := m.adapter.ReadPosts(ctx, m.key)
		if err != nil {
			return err
		}
		next, err := mutate(posts)
		if err != nil {
			return err
		}
		store.SortPosts(next)
		return m.adapter.WritePosts(ctx, m.key, next)
	})
}

// updateFailed applies mutate to the current failed positions.
func (m *Manager) updateFailed(ctx context.Context, mutate func([]store.FailedPosition) ([]store.FailedPosition, error)) error {
	return m.retry(ctx, store.TableFailed, func() error {
		failed, err := m.adapter.ReadFailedPositions(ctx, m.key)
		if err != nil {
			return err
		}
		next, err := mutate(failed)
		if err != nil {
			return err
		}
		store.SortFailed(next)
		return m.adapter.WriteFailedPositions(ctx, m.key, next)
	})
}

// RebuildMetadata recomputes metadata from the current records and stores
// it. total is the listing size; zero keeps the stored total.
func (m *Manager) RebuildMetadata(ctx context.Context, total int) error {
	return m.retry(ctx, store.TableMetadata, func() error {
		meta, err := m.computeMetadata(ctx, total)
		if err != nil {
			return err
		}
		return m.adapter.WriteMetadata(ctx, m.key, meta)
	})
}

func (m *Manager) computeMetadata(ctx context.Context, total int) (*store.AlbumMetadata, error) {
	prev, err := m.adapter.ReadMetadata(ctx, m.key)
	if err != nil {
		return nil, err
	}
	posts, err := m.adapter.ReadPosts(ctx, m.key)
	if err != nil {
		return nil, err
	}
	failed, err := m.adapter.ReadFailedPositions(ctx, m.key)
	if err != nil {
		return nil, err
	}
	return store.ComputeMetadata(m.key, posts, failed, prev, total, m.now()), nil
}

// --- Queries ---

// NextItemToPost returns the item to publish next, or nil when every item
// has been handled. Items above the last posted position come first, in
// position order, skipping positions waiting for a retry; once those run out
// the lowest unresolved failed position present in items is retried.
//
// includeDryRuns counts dry-run progress as posted, so repeated dry runs walk
// through the album. Real runs leave it false.
//
// A read failure returns an error rather than guessing a position.
func (m *Manager) NextItemToPost(ctx context.Context, items []store.Item, includeDryRuns bool) (*store.Item, error) {
	posts, err := m.adapter.ReadPosts(ctx, m.key)
	if err != nil {
		return nil, fmt.Errorf("read posts: %w", err)
	}
	failed, err := m.adapter.ReadFailedPositions(ctx, m.key)
	if err != nil {
		return nil, fmt.Errorf("read failed positions: %w", err)
	}

	last := store.LastPostedPosition(posts)
	if includeDryRuns {
		if dry := store.LastDryRunPosition(posts); dry > last {
			last = dry
		}
	}
	unresolved := store.UnresolvedPositions(failed, posts)

	byPosition := make(map[int]store.Item, len(items))
	positions := make([]int, 0, len(items))
	for _, it := range items {
		if it.Position <= 0 {
			log.Warn().Str("itemId", it.ID).Int("position", it.Position).Msg("Ignoring item with invalid position")
			continue
		}
		if _, dup := byPosition[it.Position]; dup {
			log.Warn().Str("itemId", it.ID).Int("position", it.Position).Msg("Ignoring item with duplicate position")
			continue
		}
		byPosition[it.Position] = it
		positions = append(positions, it.Position)
	}
	sort.Ints(positions)

	for _, pos := range positions {
		if pos > last && !unresolved[pos] {
			item := byPosition[pos]
			log.Debug().Str("album", m.key.String()).Int("position", pos).Int("lastPosted", last).Msg("Next item selected")
			return &item, nil
		}
	}
	for _, pos := range store.SortedPositions(unresolved) {
		if item, ok := byPosition[pos]; ok {
			log.Info().Str("album", m.key.String()).Int("position", pos).Msg("Retrying failed position")
			return &item, nil
		}
	}
	return nil, nil
}

// IsAlbumComplete reports whether the last posted position has reached
// total.
func (m *Manager) IsAlbumComplete(ctx context.Context, total int) (bool, error) {
	last, err := m.LastPostedPosition(ctx)
	if err != nil {
		return false, err
	}
	return last >= total, nil
}

// LastPostedPosition returns the highest position with an authoritative
// posted record, or 0.
func (m *Manager) LastPostedPosition(ctx context.Context) (int, error) {
	posts, err := m.adapter.ReadPosts(ctx, m.key)
	if err != nil {
		return 0, err
	}
	return store.LastPostedPosition(posts), nil
}

// FailedPositions returns the unresolved positions in ascending order.
func (m *Manager) FailedPositions(ctx context.Context) ([]int, error) {
	posts, err := m.adapter.ReadPosts(ctx, m.key)
	if err != nil {
		return nil, err
	}
	failed, err := m.adapter.ReadFailedPositions(ctx, m.key)
	if err != nil {
		return nil, err
	}
	return store.SortedPositions(store.UnresolvedPositions(failed, posts)), nil
}

// FailedPositionHistory returns every failed-position entry, resolved ones
// included.
func (m *Manager) FailedPositionHistory(ctx context.Context) ([]store.FailedPosition, error) {
	return m.adapter.ReadFailedPositions(ctx, m.key)
}

// ReadPosts returns the raw post records.
func (m *Manager) ReadPosts(ctx context.Context) ([]store.InstagramPost, error) {
	return m.adapter.ReadPosts(ctx, m.key)
}

// ReadFailedPositions returns the raw failed-position entries.
func (m *Manager) ReadFailedPositions(ctx context.Context) ([]store.FailedPosition, error) {
	return m.adapter.ReadFailedPositions(ctx, m.key)
}

// ReadMetadata returns the stored metadata, or nil.
func (m *Manager) ReadMetadata(ctx context.Context) (*store.AlbumMetadata, error) {
	return m.adapter.ReadMetadata(ctx, m.key)
}
