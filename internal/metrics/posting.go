package metrics

import (
	"io"

	"github.com/fpang/album-poster/internal/statemanager"
	"github.com/fpang/album-poster/internal/store"
)

// Outcome labels used as the Outcome dimension.
const (
	OutcomePosted = "posted"
	OutcomeFailed = "failed"
	OutcomeDryRun = "dry_run"
)

// OutcomeEvent describes one recorded publish outcome.
type OutcomeEvent struct {
	Key      store.Key
	Backend  string
	Outcome  string
	Result   statemanager.Result
	RunID    string
	Position int
}

// EmitOutcome flushes the metrics of one recorded outcome:
// OutcomeRecorded always, StateWriteFailure when a write was lost, and
// StateFallback when the dual-write secondary absorbed a write. w nil means
// stdout.
func EmitOutcome(w io.Writer, ev OutcomeEvent) {
	rec := New(Namespace).
		Dimension("Account", ev.Key.Account).
		Dimension("Outcome", ev.Outcome).
		Rollup("Account").
		Property("albumId", ev.Key.AlbumID).
		Property("backend", ev.Backend).
		Property("position", ev.Position).
		Property("severity", ev.Result.Severity.String()).
		Count("OutcomeRecorded")
	if w != nil {
		rec.WithWriter(w)
	}
	if ev.RunID != "" {
		rec.Property("workflowRunId", ev.RunID)
	}
	if ev.Result.Severity != statemanager.SeverityOK {
		rec.Count("StateWriteFailure")
	}
	if ev.Result.Critical() {
		rec.Count("CriticalStateWriteFailure")
	}
	if ev.Result.FellBack {
		rec.Count("StateFallback")
	}
	rec.Flush()
}

// EmitProgress flushes album progress from statistics.
func EmitProgress(w io.Writer, stats *statemanager.Statistics) {
	rec := New(Namespace).
		Dimension("Account", stats.Account).
		Property("albumId", stats.AlbumID).
		Property("backend", stats.Backend).
		Property("completionStatus", stats.CompletionStatus).
		Metric("CompletionPercentage", stats.CompletionPercentage, UnitPercent).
		Metric("PostedCount", float64(stats.PostedCount), UnitCount).
		Metric("UnresolvedCount", float64(len(stats.UnresolvedPositions)), UnitCount)
	if w != nil {
		rec.WithWriter(w)
	}
	if len(stats.Corruptions) > 0 {
		rec.Metric("CorruptDocuments", float64(len(stats.Corruptions)), UnitCount)
	}
	rec.Flush()
}
