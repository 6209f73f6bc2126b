// Package store defines the persistence contract for album posting state and
// the record types that flow through it.
//
// State for one album is split into three logical tables: posts, failed
// positions and album metadata. Every operation is scoped by a Key
// (account, album ID) so independent publishing pipelines never share state.
//
// Adapters implement whole-collection replace semantics. Callers own the
// read-modify-write cycle; adapters that support compare-and-swap remember the
// revision observed by the last read of a document and write against it, so
// a racing writer's stale update fails with ErrConflict instead of silently
// overwriting newer state.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Table names one of the three logical documents kept per album.
type Table string

const (
	TablePosts    Table = "posts"
	TableFailed   Table = "failed"
	TableMetadata Table = "metadata"
)

// Tables lists every logical table in a stable order.
var Tables = []Table{TablePosts, TableFailed, TableMetadata}

// Error classes shared by all adapters. Adapters wrap the underlying cause so
// both errors.Is(err, ErrX) and the original message are available.
var (
	// ErrConflict reports a compare-and-swap failure: the document changed
	// since it was last read. Re-read and reapply the change.
	ErrConflict = errors.New("state document changed since last read")

	// ErrPermission reports a credential that cannot perform the operation,
	// typically a read-only token asked to write.
	ErrPermission = errors.New("permission denied")

	// ErrUnavailable reports a transient failure: timeouts, throttling,
	// 5xx responses, network errors.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrTooLarge reports a value over the backend's size cap.
	ErrTooLarge = errors.New("value exceeds backend size limit")

	// ErrNotFound is used by backend clients. Adapters never return it from
	// reads; a missing document reads as an empty collection.
	ErrNotFound = errors.New("not found")

	// ErrFellBack is returned by DualWrite when the primary write failed but
	// the secondary accepted it.
	ErrFellBack = errors.New("primary write failed, state kept by secondary backend")

	// ErrInvalidKey reports a Key that cannot safely address state.
	ErrInvalidKey = errors.New("invalid album key")
)

// Key identifies one album within one account.
type Key struct {
	Account string `json:"account"`
	AlbumID string `json:"album_id"`
}

// String returns "account/album".
func (k Key) String() string {
	return k.Account + "/" + k.AlbumID
}

// Validate rejects keys that could address another album's state when used
// to build paths or variable names.
func (k Key) Validate() error {
	for label, v := range map[string]string{"account": k.Account, "album id": k.AlbumID} {
		if v == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalidKey, label)
		}
		if strings.ContainsAny(v, "/\\ \t\r\n") || strings.Contains(v, "..") {
			return fmt.Errorf("%w: %s %q contains a path separator or whitespace", ErrInvalidKey, label, v)
		}
	}
	return nil
}

// Adapter is the storage contract implemented by every backend.
//
// Reads return an empty value and a nil error when nothing has been stored
// yet; "no data" and "empty collection" are the same starting state. A
// document that cannot be decoded is logged, reported through
// CorruptionReporter, and read as empty. Reads only fail on I/O errors, so a
// caller never mistakes an outage for an empty album.
//
// Writes replace the whole collection. They return errors wrapping one of the
// package sentinels. Adapters never retry internally.
type Adapter interface {
	// Name identifies the backend in logs.
	Name() string

	ReadPosts(ctx context.Context, key Key) ([]InstagramPost, error)
	WritePosts(ctx context.Context, key Key, posts []InstagramPost) error

	ReadFailedPositions(ctx context.Context, key Key) ([]FailedPosition, error)
	WriteFailedPositions(ctx context.Context, key Key, failed []FailedPosition) error

	// ReadMetadata returns nil, nil when no metadata document exists.
	ReadMetadata(ctx context.Context, key Key) (*AlbumMetadata, error)
	WriteMetadata(ctx context.Context, key Key, meta *AlbumMetadata) error

	// IsAvailable is a cheap connectivity and permission check.
	IsAvailable(ctx context.Context) bool
}

// CorruptionReporter is implemented by adapters that track documents they
// could not decode.
type CorruptionReporter interface {
	Corruptions() []Corruption
}

// Retryable reports whether err is worth a fresh read-modify-write attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermission) || errors.Is(err, ErrTooLarge) || errors.Is(err, ErrInvalidKey) {
		return false
	}
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrUnavailable)
}
