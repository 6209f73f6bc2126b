package statemanager

import (
	"context"
	"time"

	"github.com/fpang/album-poster/internal/store"
)

// Statistics is a read-only summary of one album, recomputed from the
// records rather than taken from stored metadata.
type Statistics struct {
	Account              string             `json:"account"`
	AlbumID              string             `json:"album_id"`
	Backend              string             `json:"backend"`
	TotalPhotos          int                `json:"total_photos"`
	PostedCount          int                `json:"posted_count"`
	FailedCount          int                `json:"failed_count"`
	PendingCount         int                `json:"pending_count"`
	RetryingCount        int                `json:"retrying_count"`
	DryRunCount          int                `json:"dry_run_count"`
	CompletionStatus     string             `json:"completion_status"`
	CompletionPercentage float64            `json:"completion_percentage"`
	LastPostedPosition   int                `json:"last_posted_position"`
	LastDryRunPosition   int                `json:"last_dry_run_position"`
	LastPostedAt         *time.Time         `json:"last_posted_at,omitempty"`
	UnresolvedPositions  []int              `json:"unresolved_positions"`
	ErrorCount           int                `json:"error_count"`
	WorkflowRunsCount    int                `json:"workflow_runs_count"`
	Corruptions          []store.Corruption `json:"corruptions,omitempty"`
}

// Statistics summarizes the album. total is the listing size if known;
// zero falls back to the stored total.
func (m *Manager) Statistics(ctx context.Context, total int) (*Statistics, error) {
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
	meta := store.ComputeMetadata(m.key, posts, failed, prev, total, m.now())

	return &Statistics{
		Account:              m.key.Account,
		AlbumID:              m.key.AlbumID,
		Backend:              m.adapter.Name(),
		TotalPhotos:          meta.TotalPhotos,
		PostedCount:          meta.PostedCount,
		FailedCount:          meta.FailedCount,
		PendingCount:         meta.PendingCount,
		RetryingCount:        meta.RetryingCount,
		DryRunCount:          meta.DryRunCount,
		CompletionStatus:     meta.CompletionStatus,
		CompletionPercentage: meta.CompletionPercentage,
		LastPostedPosition:   meta.LastPostedPosition,
		LastDryRunPosition:   store.LastDryRunPosition(posts),
		LastPostedAt:         meta.LastPostedAt,
		UnresolvedPositions:  store.SortedPositions(store.UnresolvedPositions(failed, posts)),
		ErrorCount:           meta.ErrorCount,
		WorkflowRunsCount:    meta.WorkflowRunsCount,
		Corruptions:          store.CorruptionsFor(m.adapter, m.key),
	}, nil
}
