package migration

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/fpang/album-poster/internal/store"
	"github.com/fpang/album-poster/internal/store/varstate"
)

// Options controls Migrate.
type Options struct {
	DryRun bool
}

// Migrate converts every legacy group into rich records and writes them to
// the target, merging with anything already there. A group that fails to
// parse or write is reported and the others continue.
func (t *Tool) Migrate(ctx context.Context, opts Options) (*store.ImportReport, error) {
	snapshot, err := t.legacy.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", t.legacy.Name(), err)
	}
	states, parseErrs := varstate.ParseSnapshot(snapshot, t.parse)
	for _, pe := range parseErrs {
		log.Error().Err(pe.Err).Str("variables", pe.Name).Msg("Legacy group could not be parsed")
	}

	report := store.ImportAlbums(ctx, t.target, states, opts.DryRun)
	for _, pe := range parseErrs {
		report.Errors = append(report.Errors, pe.Error())
		report.Groups = append(report.Groups, store.GroupResult{Error: pe.Error()})
	}
	return report, nil
}

// Discrepancy is a difference between the legacy and target state of one
// album.
type Discrepancy struct {
	Key    store.Key   `json:"key"`
	Table  store.Table `json:"table"`
	Detail string      `json:"detail"`
}

// AlbumCheck compares one album across both backends.
type AlbumCheck struct {
	Key              store.Key `json:"key"`
	LegacyPosted     int       `json:"legacy_posted"`
	TargetPosted     int       `json:"target_posted"`
	LegacyUnresolved []int     `json:"legacy_unresolved"`
	TargetUnresolved []int     `json:"target_unresolved"`
	Match            bool      `json:"match"`
}

// Validation is the result of comparing both backends.
type Validation struct {
	Albums        []AlbumCheck  `json:"albums"`
	Discrepancies []Discrepancy `json:"discrepancies,omitempty"`
	Errors        []string      `json:"errors,omitempty"`
}

// Passed reports whether both backends agree on every album.
func (v *Validation) Passed() bool {
	return len(v.Discrepancies) == 0 && len(v.Errors) == 0
}

// Validate re-reads both backends and compares posted positions and the
// unresolved failed-position sets. Resolved history entries are ignored, so
// a retry recorded during a dual-write window does not count as a mismatch.
// Differences are reported, never returned as an error.
func (t *Tool) Validate(ctx context.Context) (*Validation, error) {
	snapshot, err := t.legacy.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", t.legacy.Name(), err)
	}
	states, parseErrs := varstate.ParseSnapshot(snapshot, t.parse)

	v := &Validation{}
	for _, pe := range parseErrs {
		v.Errors = append(v.Errors, pe.Error())
	}
	for _, state := range states {
		check, diffs, err := t.compare(ctx, state)
		if err != nil {
			v.Errors = append(v.Errors, fmt.Sprintf("%s: %v", state.Key, err))
			continue
		}
		v.Albums = append(v.Albums, check)
		v.Discrepancies = append(v.Discrepancies, diffs...)
	}

	log.Info().
		Int("albums", len(v.Albums)).
		Int("discrepancies", len(v.Discrepancies)).
		Int("errors", len(v.Errors)).
		Bool("passed", v.Passed()).
		Msg("Migration validated")
	return v, nil
}

func (t *Tool) compare(ctx context.Context, legacy store.AlbumState) (AlbumCheck, []Discrepancy, error) {
	posts, err := t.target.ReadPosts(ctx, legacy.Key)
	if err != nil {
		return AlbumCheck{}, nil, err
	}
	failed, err := t.target.ReadFailedPositions(ctx, legacy.Key)
	if err != nil {
		return AlbumCheck{}, nil, err
	}

	legacyPosted := store.PostedPositions(legacy.Posts)
	targetPosted := store.PostedPositions(posts)
	legacyUnresolved := store.UnresolvedPositions(legacy.Failed, legacy.Posts)
	targetUnresolved := store.UnresolvedPositions(failed, posts)

	check := AlbumCheck{
		Key:              legacy.Key,
		LegacyPosted:     len(legacyPosted),
		TargetPosted:     len(targetPosted),
		LegacyUnresolved: store.SortedPositions(legacyUnresolved),
		TargetUnresolved: store.SortedPositions(targetUnresolved),
	}

	var diffs []Discrepancy
	add := func(table store.Table, format string, args ...interface{}) {
		diffs = append(diffs, Discrepancy{Key: legacy.Key, Table: table, Detail: fmt.Sprintf(format, args...)})
	}
	if missing := difference(legacyPosted, targetPosted); len(missing) > 0 {
		add(store.TablePosts, "posted in legacy only: %v", missing)
	}
	if extra := difference(targetPosted, legacyPosted); len(extra) > 0 {
		add(store.TablePosts, "posted in target only: %v", extra)
	}
	if missing := difference(legacyUnresolved, targetUnresolved); len(missing) > 0 {
		add(store.TableFailed, "unresolved in legacy only: %v", missing)
	}
	if extra := difference(targetUnresolved, legacyUnresolved); len(extra) > 0 {
		add(store.TableFailed, "unresolved in target only: %v", extra)
	}
	check.Match = len(diffs) == 0
	return check, diffs, nil
}

// difference returns the sorted positions in a but not in b.
func difference(a, b map[int]bool) []int {
	out := make(map[int]bool)
	for p := range a {
		if !b[p] {
			out[p] = true
		}
	}
	return store.SortedPositions(out)
}
