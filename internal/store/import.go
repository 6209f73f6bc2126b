package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// GroupResult is the outcome of importing one album.
type GroupResult struct {
	Key             Key    `json:"key"`
	Posts           int    `json:"posts"`
	FailedPositions int    `json:"failed_positions"`
	Error           string `json:"error,omitempty"`
}

// ImportReport summarises a best-effort import of several albums.
type ImportReport struct {
	DryRun          bool          `json:"dry_run"`
	Accounts        int           `json:"accounts"`
	Albums          int           `json:"albums"`
	Posts           int           `json:"posts"`
	FailedPositions int           `json:"failed_positions"`
	Groups          []GroupResult `json:"groups"`
	Errors          []string      `json:"errors,omitempty"`
}

// Succeeded reports whether every group imported cleanly.
func (r *ImportReport) Succeeded() bool {
	return len(r.Errors) == 0
}

// ImportAlbums writes each album state into target, merging with whatever
// the target already holds so records written during a dual-write window
// are kept. A failing album is recorded and the rest continue.
func ImportAlbums(ctx context.Context, target Adapter, states []AlbumState, dryRun bool) *ImportReport {
	report := &ImportReport{DryRun: dryRun}
	accounts := make(map[string]bool)

	for _, state := range states {
		res := GroupResult{Key: state.Key}
		if err := importAlbum(ctx, target, state, dryRun); err != nil {
			res.Error = err.Error()
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", state.Key, err))
			log.Error().Err(err).Str("album", state.Key.String()).Str("backend", target.Name()).Msg("Album import failed")
		} else {
			res.Posts = len(state.Posts)
			res.FailedPositions = len(state.Failed)
			report.Albums++
			report.Posts += res.Posts
			report.FailedPositions += res.FailedPositions
			accounts[state.Key.Account] = true
		}
		report.Groups = append(report.Groups, res)
	}
	report.Accounts = len(accounts)

	log.Info().
		Bool("dryRun", dryRun).
		Str("backend", target.Name()).
		Int("accounts", report.Accounts).
		Int("albums", report.Albums).
		Int("posts", report.Posts).
		Int("failedPositions", report.FailedPositions).
		Int("errors", len(report.Errors)).
		Msg("Album import finished")
	return report
}

func importAlbum(ctx context.Context, target Adapter, state AlbumState, dryRun bool) error {
	if err := state.Key.Validate(); err != nil {
		return err
	}
	if dryRun {
		return nil
	}

	existingPosts, err := target.ReadPosts(ctx, state.Key)
	if err != nil {
		return fmt.Errorf("read target posts: %w", err)
	}
	posts := MergePosts(existingPosts, state.Posts)
	if err := target.WritePosts(ctx, state.Key, posts); err != nil {
		return fmt.Errorf("write posts: %w", err)
	}

	existingFailed, err := target.ReadFailedPositions(ctx, state.Key)
	if err != nil {
		return fmt.Errorf("read target failed positions: %w", err)
	}
	failed := MergeFailed(existingFailed, state.Failed)
	if err := target.WriteFailedPositions(ctx, state.Key, failed); err != nil {
		return fmt.Errorf("write failed positions: %w", err)
	}

	prev, err := target.ReadMetadata(ctx, state.Key)
	if err != nil {
		return fmt.Errorf("read target metadata: %w", err)
	}
	if prev == nil {
		prev = state.Metadata
	}
	total := 0
	if state.Metadata != nil {
		total = state.Metadata.TotalPhotos
	}
	meta := ComputeMetadata(state.Key, posts, failed, prev, total, time.Now().UTC())
	if err := target.WriteMetadata(ctx, state.Key, meta); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}
