// Package varstate stores album state in a flat, size-limited key/value
// variable space: GitHub Actions variables or SSM Parameter Store.
//
// Each table of an album is one variable named "{SCOPE}_{TABLE}_{ALBUM}",
// where SCOPE is derived from the account so several accounts can share one
// namespace. There is no compare-and-swap: concurrent writers race and the
// last one wins. Use the file or DynamoDB backends when strict ordering
// between overlapping runs matters.
package varstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/album-poster/internal/store"
)

const (
	defaultTimeout = 15 * time.Second

	// warnFraction of a client's size cap marks a value as near the limit.
	warnFraction = 0.8
)

// Scope selects repository-wide variables (Environment == "") or those of
// one deployment environment.
type Scope struct {
	Environment string
}

func (s Scope) String() string {
	if s.Environment == "" {
		return "repository"
	}
	return "environment:" + s.Environment
}

// VariableClient is a remote key/value variable store. Errors wrap the store
// sentinels; a missing variable wraps store.ErrNotFound.
type VariableClient interface {
	Name() string
	Get(ctx context.Context, scope Scope, name string) (string, error)
	Update(ctx context.Context, scope Scope, name, value string) error
	Create(ctx context.Context, scope Scope, name, value string) error
	Delete(ctx context.Context, scope Scope, name string) error
	List(ctx context.Context, scope Scope) (map[string]string, error)

	// MaxValueSize is the largest value, in bytes, the store accepts.
	MaxValueSize() int

	// CheckAccess checks that variables in scope can be written.
	CheckAccess(ctx context.Context, scope Scope) error
}

// SizeWarning records a value written close to the client's size cap.
type SizeWarning struct {
	Name  string `json:"name"`
	Size  int    `json:"size"`
	Limit int    `json:"limit"`
}

// Adapter implements store.Adapter on a VariableClient.
type Adapter struct {
	store.CorruptionLog

	client     VariableClient
	readScopes []Scope
	writeScope Scope
	timeout    time.Duration
	lookupEnv  func(string) (string, bool)
	now        func() time.Time

	mu        sync.Mutex
	overrides map[string]string
	owners    map[string]store.Key
	warnings  []SizeWarning
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout bounds every remote call.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithEnvLookup replaces os.LookupEnv as the source of process overrides.
func WithEnvLookup(fn func(string) (string, bool)) Option {
	return func(a *Adapter) { a.lookupEnv = fn }
}

// New creates an adapter. With a non-empty environment, reads check that
// environment before repository variables and writes go to the environment.
func New(client VariableClient, environment string, opts ...Option) *Adapter {
	a := &Adapter{
		client:     client,
		readScopes: []Scope{{}},
		timeout:    defaultTimeout,
		lookupEnv:  os.LookupEnv,
		now:        func() time.Time { return time.Now().UTC() },
		overrides:  make(map[string]string),
		owners:     make(map[string]store.Key),
	}
	if environment != "" {
		a.writeScope = Scope{Environment: environment}
		a.readScopes = []Scope{a.writeScope, {}}
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name identifies the backend in logs.
func (a *Adapter) Name() string {
	return "variables:" + a.client.Name()
}

// MaxValueSize returns the client's per-value cap.
func (a *Adapter) MaxValueSize() int {
	return a.client.MaxValueSize()
}

// SizeWarnings returns values written at or above the warning threshold.
func (a *Adapter) SizeWarnings() []SizeWarning {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]SizeWarning, len(a.warnings))
	copy(out, a.warnings)
	return out
}

// IsAvailable reports whether the write scope accepts writes. A read-only
// credential reports false.
func (a *Adapter) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if err := a.client.CheckAccess(ctx, a.writeScope); err != nil {
		log.Debug().Err(err).Str("backend", a.Name()).Str("scope", a.writeScope.String()).Msg("Variable store not writable")
		return false
	}
	return true
}

// lookup resolves a variable: value written by this process, then the
// process environment, then each remote scope in order. found is false when
// no source has it.
func (a *Adapter) lookup(ctx context.Context, name string) (value string, found bool, err error) {
	a.mu.Lock()
	v, ok := a.overrides[name]
	a.mu.Unlock()
	if ok {
		return v, true, nil
	}
	if v, ok := a.lookupEnv(name); ok {
		return v, true, nil
	}

	for _, scope := range a.readScopes {
		v, err := a.get(ctx, scope, name)
		switch {
		case err == nil:
			return v, true, nil
		case errors.Is(err, store.ErrNotFound):
			continue
		case errors.Is(err, store.ErrPermission):
			log.Debug().Err(err).Str("variable", name).Str("scope", scope.String()).Msg("No permission to read variable, treating as absent")
			continue
		default:
			return "", false, fmt.Errorf("read variable %s: %w", name, err)
		}
	}
	return "", false, nil
}

func (a *Adapter) get(ctx context.Context, scope Scope, name string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return a.client.Get(ctx, scope, name)
}

// put writes value to the write scope: update, falling back to create.
func (a *Adapter) put(ctx context.Context, name, value string) error {
	limit := a.client.MaxValueSize()
	if limit > 0 {
		if len(value) > limit {
			return fmt.Errorf("variable %s is %d bytes, limit %d: %w", name, len(value), limit, store.ErrTooLarge)
		}
		if float64(len(value)) >= warnFraction*float64(limit) {
			log.Warn().Str("variable", name).Int("size", len(value)).Int("limit", limit).Msg("Variable value is close to the size limit")
			a.mu.Lock()
			a.warnings = append(a.warnings, SizeWarning{Name: name, Size: len(value), Limit: limit})
			a.mu.Unlock()
		}
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	err := a.client.Update(ctx, a.writeScope, name, value)
	if errors.Is(err, store.ErrNotFound) {
		err = a.client.Create(ctx, a.writeScope, name, value)
		if errors.Is(err, store.ErrConflict) {
			// Created concurrently by another run.
			err = a.client.Update(ctx, a.writeScope, name, value)
		}
	}
	if err != nil {
		if errors.Is(err, store.ErrPermission) {
			log.Debug().Err(err).Str("variable", name).Msg("No permission to write variable")
		}
		return fmt.Errorf("write variable %s: %w", name, err)
	}

	a.mu.Lock()
	a.overrides[name] = value
	a.mu.Unlock()
	log.Debug().Str("backend", a.Name()).Str("variable", name).Int("size", len(value)).Msg("Variable written")
	return nil
}

func (a *Adapter) read(ctx context.Context, key store.Key, table store.Table) (string, error) {
	if err := key.Validate(); err != nil {
		return "", err
	}
	name := VariableName(key, table)
	v, _, err := a.lookup(ctx, name)
	if err != nil {
		return "", err
	}
	if err := a.claim(key, name, v); err != nil {
		return "", err
	}
	return v, nil
}

func (a *Adapter) write(ctx context.Context, key store.Key, table store.Table, v interface{}) error {
	if err := key.Validate(); err != nil {
		return err
	}
	name := VariableName(key, table)
	if !a.claimed(key, name) {
		current, _, err := a.lookup(ctx, name)
		if err != nil {
			return err
		}
		if err := a.claim(key, name, current); err != nil {
			return err
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", table, err)
	}
	return a.put(ctx, name, string(data))
}

// ReadPosts returns the album's post records. Legacy position arrays are
// converted to posted records.
func (a *Adapter) ReadPosts(ctx context.Context, key store.Key) ([]store.InstagramPost, error) {
	value, err := a.read(ctx, key, store.TablePosts)
	if err != nil {
		return nil, err
	}
	posts, err := decodePosts(key, value, a.now())
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
	return a.write(ctx, key, store.TablePosts, posts)
}

// ReadFailedPositions returns the album's failed-position entries.
func (a *Adapter) ReadFailedPositions(ctx context.Context, key store.Key) ([]store.FailedPosition, error) {
	value, err := a.read(ctx, key, store.TableFailed)
	if err != nil {
		return nil, err
	}
	failed, err := decodeFailed(value)
	if err != nil {
		a.RecordCorruption(a.Name(), key, store.TableFailed, err)
		return nil, nil
	}
	return failed, nil
}

// WriteFailedPositions replaces the album's failed-position entries. Each
// entry is stamped with the album key so a colliding key can detect it.
func (a *Adapter) WriteFailedPositions(ctx context.Context, key store.Key, failed []store.FailedPosition) error {
	return a.write(ctx, key, store.TableFailed, stampFailed(key, failed))
}

// ReadMetadata returns the album's metadata, or nil if none was stored.
func (a *Adapter) ReadMetadata(ctx context.Context, key store.Key) (*store.AlbumMetadata, error) {
	value, err := a.read(ctx, key, store.TableMetadata)
	if err != nil {
		return nil, err
	}
	meta, err := decodeMetadata(key, value)
	if err != nil {
		a.RecordCorruption(a.Name(), key, store.TableMetadata, err)
		return nil, nil
	}
	return meta, nil
}

// WriteMetadata replaces the album's metadata.
func (a *Adapter) WriteMetadata(ctx context.Context, key store.Key, meta *store.AlbumMetadata) error {
	return a.write(ctx, key, store.TableMetadata, meta)
}

// --- Raw access for migration ---

// Snapshot returns every variable visible to the adapter, repository scope
// first with environment values layered on top.
func (a *Adapter) Snapshot(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)
	for i := len(a.readScopes) - 1; i >= 0; i-- {
		scope := a.readScopes[i]
		lctx, cancel := context.WithTimeout(ctx, a.timeout)
		vars, err := a.client.List(lctx, scope)
		cancel()
		if err != nil {
			if errors.Is(err, store.ErrPermission) {
				log.Debug().Err(err).Str("scope", scope.String()).Msg("No permission to list variables, skipping scope")
				continue
			}
			return nil, fmt.Errorf("list %s variables: %w", scope, err)
		}
		for k, v := range vars {
			out[k] = v
		}
	}
	return out, nil
}

// DeleteVariable removes name from every scope the adapter reads.
func (a *Adapter) DeleteVariable(ctx context.Context, name string) error {
	for _, scope := range a.readScopes {
		dctx, cancel := context.WithTimeout(ctx, a.timeout)
		err := a.client.Delete(dctx, scope, name)
		cancel()
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("delete variable %s in %s: %w", name, scope, err)
		}
	}
	a.mu.Lock()
	delete(a.overrides, name)
	delete(a.owners, name)
	a.mu.Unlock()
	return nil
}
