package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// DualWrite mirrors every write to a secondary adapter while a migration is
// in progress. Posts and failed positions are read from both sides and
// merged, so a write only the secondary accepted still counts on the next
// run. A failed secondary write or read is logged and otherwise ignored.
// Remove the wrapper once the migration is complete.
type DualWrite struct {
	Primary   Adapter
	Secondary Adapter
}

var _ Adapter = (*DualWrite)(nil)

// NewDualWrite wraps primary and secondary.
func NewDualWrite(primary, secondary Adapter) *DualWrite {
	return &DualWrite{Primary: primary, Secondary: secondary}
}

// FallbackError is returned when the primary rejected a write that the
// secondary accepted. It matches ErrFellBack and unwraps to the primary error.
type FallbackError struct {
	Primary string
	Err     error
}

func (e *FallbackError) Error() string {
	return fmt.Sprintf("%s write failed, kept by secondary: %v", e.Primary, e.Err)
}

func (e *FallbackError) Unwrap() error { return e.Err }

func (e *FallbackError) Is(target error) bool { return target == ErrFellBack }

func (d *DualWrite) Name() string {
	return d.Primary.Name() + "+" + d.Secondary.Name()
}

// IsAvailable reports true when either side can take writes.
func (d *DualWrite) IsAvailable(ctx context.Context) bool {
	if d.Primary.IsAvailable(ctx) {
		return true
	}
	ok := d.Secondary.IsAvailable(ctx)
	log.Warn().
		Str("primary", d.Primary.Name()).
		Str("secondary", d.Secondary.Name()).
		Bool("secondaryAvailable", ok).
		Msg("Primary backend unavailable")
	return ok
}

// Corruptions reports decode failures seen by the primary.
func (d *DualWrite) Corruptions() []Corruption {
	if r, ok := d.Primary.(CorruptionReporter); ok {
		return r.Corruptions()
	}
	return nil
}

func (d *DualWrite) write(key Key, table Table, primary, secondary func() error) error {
	perr := primary()
	serr := secondary()
	if serr != nil {
		log.Warn().
			Err(serr).
			Str("backend", d.Secondary.Name()).
			Str("account", key.Account).
			Str("albumId", key.AlbumID).
			Str("table", string(table)).
			Msg("Secondary write failed, continuing")
	}
	if perr == nil {
		return nil
	}
	if serr == nil && !errors.Is(perr, ErrConflict) {
		log.Warn().
			Err(perr).
			Str("backend", d.Primary.Name()).
			Str("table", string(table)).
			Msg("Primary write failed, state kept by secondary")
		return &FallbackError{Primary: d.Primary.Name(), Err: perr}
	}
	return perr
}

func (d *DualWrite) ReadPosts(ctx context.Context, key Key) ([]InstagramPost, error) {
	posts, err := d.Primary.ReadPosts(ctx, key)
	if err != nil {
		return nil, err
	}
	mirrored, err := d.Secondary.ReadPosts(ctx, key)
	if err != nil {
		d.secondaryReadFailed(key, TablePosts, err)
		return posts, nil
	}
	return MergePosts(posts, mirrored), nil
}

func (d *DualWrite) WritePosts(ctx context.Context, key Key, posts []InstagramPost) error {
	return d.write(key, TablePosts,
		func() error { return d.Primary.WritePosts(ctx, key, posts) },
		func() error { return d.Secondary.WritePosts(ctx, key, posts) })
}

func (d *DualWrite) ReadFailedPositions(ctx context.Context, key Key) ([]FailedPosition, error) {
	failed, err := d.Primary.ReadFailedPositions(ctx, key)
	if err != nil {
		return nil, err
	}
	mirrored, err := d.Secondary.ReadFailedPositions(ctx, key)
	if err != nil {
		d.secondaryReadFailed(key, TableFailed, err)
		return failed, nil
	}
	return MergeFailed(failed, mirrored), nil
}

func (d *DualWrite) WriteFailedPositions(ctx context.Context, key Key, failed []FailedPosition) error {
	return d.write(key, TableFailed,
		func() error { return d.Primary.WriteFailedPositions(ctx, key, failed) },
		func() error { return d.Secondary.WriteFailedPositions(ctx, key, failed) })
}

// ReadMetadata prefers the primary copy. Metadata is derived, so the
// secondary is only consulted when the primary has none.
func (d *DualWrite) ReadMetadata(ctx context.Context, key Key) (*AlbumMetadata, error) {
	meta, err := d.Primary.ReadMetadata(ctx, key)
	if err != nil || meta != nil {
		return meta, err
	}
	meta, err = d.Secondary.ReadMetadata(ctx, key)
	if err != nil {
		d.secondaryReadFailed(key, TableMetadata, err)
		return nil, nil
	}
	return meta, nil
}

func (d *DualWrite) secondaryReadFailed(key Key, table Table, err error) {
	log.Warn().
		Err(err).
		Str("backend", d.Secondary.Name()).
		Str("account", key.Account).
		Str("albumId", key.AlbumID).
		Str("table", string(table)).
		Msg("Secondary read failed, using primary only")
}

func (d *DualWrite) WriteMetadata(ctx context.Context, key Key, meta *AlbumMetadata) error {
	return d.write(key, TableMetadata,
		func() error { return d.Primary.WriteMetadata(ctx, key, meta) },
		func() error { return d.Secondary.WriteMetadata(ctx, key, meta) })
}
