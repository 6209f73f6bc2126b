// Package filestate stores album state as JSON documents in a versioned file
// tree: a dedicated branch of a GitHub repository, or a prefix of a versioned
// S3 bucket. Every write is a commit-like revision carrying a message, so the
// history of each document doubles as an audit trail.
//
// Layout, relative to the tree root:
//
//	state-data/{account}/album-{album_id}/posts.json
//	state-data/{account}/album-{album_id}/failed.json
//	state-data/{account}/album-{album_id}/metadata.json
//
// Writes are compare-and-swap against the revision seen by the last read of
// the same document. A writer whose revision is stale gets store.ErrConflict
// and must re-read before retrying.
package filestate

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/album-poster/internal/store"
	"github.com/fpang/album-poster/internal/store/varstate"
)

const (
	// rootDir is the top-level directory of all state documents.
	rootDir = "state-data"

	defaultTimeout = 15 * time.Second
)

// Document is one stored file and the revision identifying its content.
type Document struct {
	Content  []byte
	Revision string
}

// Tree is a versioned file store addressed by slash-separated paths.
type Tree interface {
	// Name identifies the tree in logs, e.g. "github:owner/repo@branch".
	Name() string

	// EnsureBranch creates the state branch if the tree has one and it does
	// not exist yet.
	EnsureBranch(ctx context.Context) error

	// Get returns found=false with a nil error when the path does not exist.
	Get(ctx context.Context, p string) (doc Document, found bool, err error)

	// Put writes content. revision must be "" to create a new file, or the
	// revision of the current content to replace it. Returns the new revision.
	Put(ctx context.Context, p string, content []byte, revision, message string) (string, error)

	// CheckAccess checks that the tree is reachable and writable.
	CheckAccess(ctx context.Context) error
}

// Adapter implements store.Adapter on top of a Tree.
type Adapter struct {
	store.CorruptionLog

	tree    Tree
	timeout time.Duration
	now     func() time.Time

	mu          sync.Mutex
	revisions   map[string]string
	branchReady bool
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout bounds every tree call.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithClock overrides the clock used in commit messages.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// New creates an adapter over tree.
func New(tree Tree, opts ...Option) *Adapter {
	a := &Adapter{
		tree:      tree,
		timeout:   defaultTimeout,
		now:       func() time.Time { return time.Now().UTC() },
		revisions: make(map[string]string),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns the tree name prefixed with the backend kind.
func (a *Adapter) Name() string {
	return "file:" + a.tree.Name()
}

// DocumentPath returns the tree path of one table of an album.
func DocumentPath(key store.Key, table store.Table) string {
	return path.Join(rootDir, key.Account, "album-"+key.AlbumID, string(table)+".json")
}

// IsAvailable reports whether the tree accepts writes.
func (a *Adapter) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if err := a.tree.CheckAccess(ctx); err != nil {
		log.Warn().Err(err).Str("backend", a.Name()).Msg("File state backend unavailable")
		return false
	}
	return true
}

// read fetches a document and remembers its revision for the next write.
// Returns nil content when the document does not exist.
func (a *Adapter) read(ctx context.Context, key store.Key, table store.Table) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	p := DocumentPath(key, table)

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	doc, found, err := a.tree.Get(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, classify(err))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !found {
		a.revisions[p] = ""
		return nil, nil
	}
	a.revisions[p] = doc.Revision
	return doc.Content, nil
}

// revision returns the revision to write against, reading the document when
// this adapter has not seen it yet.
func (a *Adapter) revision(ctx context.Context, key store.Key, table store.Table) (string, error) {
	p := DocumentPath(key, table)
	a.mu.Lock()
	rev, ok := a.revisions[p]
	a.mu.Unlock()
	if ok {
		return rev, nil
	}
	if _, err := a.read(ctx, key, table); err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.revisions[p], nil
}

func (a *Adapter) ensureBranch(ctx context.Context) error {
	a.mu.Lock()
	ready := a.branchReady
	a.mu.Unlock()
	if ready {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if err := a.tree.EnsureBranch(ctx); err != nil {
		return fmt.Errorf("ensure state branch: %w", classify(err))
	}

	a.mu.Lock()
	a.branchReady = true
	a.mu.Unlock()
	return nil
}

func (a *Adapter) write(ctx context.Context, key store.Key, table store.Table, v interface{}, records int) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := a.ensureBranch(ctx); err != nil {
		return err
	}
	rev, err := a.revision(ctx, key, table)
	if err != nil {
		return err
	}
	content, err := store.EncodeDocument(v)
	if err != nil {
		return err
	}

	p := DocumentPath(key, table)
	message := fmt.Sprintf("Update %s for %s/album-%s (%d records) at %s",
		table, key.Account, key.AlbumID, records, a.now().Format(time.RFC3339))

	wctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	start := time.Now()
	newRev, err := a.tree.Put(wctx, p, content, rev, message)
	if err != nil {
		err = classify(err)
		if errors.Is(err, store.ErrConflict) {
			a.mu.Lock()
			delete(a.revisions, p)
			a.mu.Unlock()
		}
		return fmt.Errorf("write %s: %w", p, err)
	}

	a.mu.Lock()
	a.revisions[p] = newRev
	a.mu.Unlock()

	log.Debug().
		Str("backend", a.Name()).
		Str("path", p).
		Str("revision", newRev).
		Int("records", records).
		Dur("duration", time.Since(start)).
		Msg("State document committed")
	return nil
}

// classify maps errors without a store class onto ErrUnavailable, keeping
// timeouts and unknown transport failures retryable.
func classify(err error) error {
	for _, known := range []error{store.ErrConflict, store.ErrPermission, store.ErrUnavailable, store.ErrTooLarge, store.ErrNotFound, store.ErrInvalidKey} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
}

// ReadPosts returns the album's post records.
func (a *Adapter) ReadPosts(ctx context.Context, key store.Key) ([]store.InstagramPost, error) {
	data, err := a.read(ctx, key, store.TablePosts)
	if err != nil {
		return nil, err
	}
	posts, err := store.DecodePosts(data)
	if err != nil {
		a.RecordCorruption(a.Name(), key, store.TablePosts, err)
		return nil, nil
	}
	return store.ScopePosts(a.Name(), key, posts), nil
}

// WritePosts replaces the album's post records.
func (a *Adapter) WritePosts(ctx context.Context, key store.Key, posts []store.InstagramPost) error {
	if posts == nil {
		posts = []store.InstagramPost{}
	}
	return a.write(ctx, key, store.TablePosts, posts, len(posts))
}

// ReadFailedPositions returns the album's failed-position entries.
func (a *Adapter) ReadFailedPositions(ctx context.Context, key store.Key) ([]store.FailedPosition, error) {
	data, err := a.read(ctx, key, store.TableFailed)
	if err != nil {
		return nil, err
	}
	failed, err := store.DecodeFailed(data)
	if err != nil {
		a.RecordCorruption(a.Name(), key, store.TableFailed, err)
		return nil, nil
	}
	return failed, nil
}

// WriteFailedPositions replaces the album's failed-position entries.
func (a *Adapter) WriteFailedPositions(ctx context.Context, key store.Key, failed []store.FailedPosition) error {
	if failed == nil {
		failed = []store.FailedPosition{}
	}
	return a.write(ctx, key, store.TableFailed, failed, len(failed))
}

// ReadMetadata returns the album's metadata, or nil if none was stored.
func (a *Adapter) ReadMetadata(ctx context.Context, key store.Key) (*store.AlbumMetadata, error) {
	data, err := a.read(ctx, key, store.TableMetadata)
	if err != nil {
		return nil, err
	}
	meta, err := store.DecodeMetadata(data)
	if err != nil {
		a.RecordCorruption(a.Name(), key, store.TableMetadata, err)
		return nil, nil
	}
	return meta, nil
}

// WriteMetadata replaces the album's metadata.
func (a *Adapter) WriteMetadata(ctx context.Context, key store.Key, meta *store.AlbumMetadata) error {
	return a.write(ctx, key, store.TableMetadata, meta, 1)
}

// MigrateFromLegacy imports a snapshot of key/value variables into this tree.
// Unparseable keys are returned alongside the report; one bad album never
// stops the others.
func (a *Adapter) MigrateFromLegacy(ctx context.Context, snapshot map[string]string, opts varstate.ParseOptions, dryRun bool) (*store.ImportReport, []varstate.ParseError) {
	states, parseErrs := varstate.ParseSnapshot(snapshot, opts)
	report := store.ImportAlbums(ctx, a, states, dryRun)
	for _, pe := range parseErrs {
		report.Errors = append(report.Errors, pe.Error())
	}
	return report, parseErrs
}
