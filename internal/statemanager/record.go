package statemanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/fpang/album-poster/internal/store"
)

// Severity grades the consequence of a failed state write.
type Severity int

const (
	// SeverityOK means every write landed.
	SeverityOK Severity = iota
	// SeverityRecoverable means a derived or redundant write failed. The
	// posting decision for the next run is still correct.
	SeverityRecoverable
	// SeverityCritical means the evidence of a post or a failure may be lost.
	// The caller must stop and alert instead of continuing to publish.
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityOK:
		return "ok"
	case SeverityRecoverable:
		return "recoverable"
	case SeverityCritical:
		return "critical"
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// Result describes what happened to the state writes of one operation.
type Result struct {
	Position int
	Severity Severity
	Err      error

	// FellBack is set when the primary backend rejected a write and the
	// dual-write secondary kept it. The severity is then at least
	// recoverable.
	FellBack bool
	// AlreadyPosted is set when the position already had an authoritative
	// posted record before this call.
	AlreadyPosted bool
	// InterruptedAttempt is set when BeginAttempt found a pending record left
	// by another run that never recorded an outcome.
	InterruptedAttempt bool
}

// OK reports whether every write landed.
func (r Result) OK() bool { return r.Severity == SeverityOK }

// Critical reports whether the caller must stop.
func (r Result) Critical() bool { return r.Severity == SeverityCritical }

// MarshalJSON renders the result for CLI and Lambda responses.
func (r Result) MarshalJSON() ([]byte, error) {
	out := struct {
		Position           int    `json:"position"`
		Severity           string `json:"severity"`
		Error              string `json:"error,omitempty"`
		FellBack           bool   `json:"fell_back"`
		AlreadyPosted      bool   `json:"already_posted"`
		InterruptedAttempt bool   `json:"interrupted_attempt"`
	}{
		Position:           r.Position,
		Severity:           r.Severity.String(),
		FellBack:           r.FellBack,
		AlreadyPosted:      r.AlreadyPosted,
		InterruptedAttempt: r.InterruptedAttempt,
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

func (r *Result) add(sev Severity, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, store.ErrFellBack) {
		// Only the secondary has the write. Readers merge it back in, but the
		// primary is degraded and the run must not report a clean result.
		r.FellBack = true
		sev = min(sev, SeverityRecoverable)
	}
	if sev > r.Severity {
		r.Severity = sev
	}
	r.Err = errors.Join(r.Err, err)
}

// Outcome is the result of one publish attempt as reported by the caller.
// A non-empty TargetPostID means the item was published.
type Outcome struct {
	TargetPostID string
	ErrorMessage string
	IsDryRun     bool
	// TotalItems is the listing size, used to refresh metadata. Zero keeps
	// the stored total.
	TotalItems int
}

// Succeeded reports whether the outcome is a publish.
func (o Outcome) Succeeded() bool { return o.TargetPostID != "" }

const unknownError = "unknown error"

// BeginAttempt records that item is about to be published. Writing the
// pending record is best effort; the outcome record is what matters, so a
// failure here is recoverable. A backend that cannot take writes at all is
// critical for a real publish: its outcome could not be recorded either.
func (m *Manager) BeginAttempt(ctx context.Context, item store.Item, isDryRun bool) Result {
	res := Result{Position: item.Position}
	if item.Position <= 0 {
		res.add(SeverityRecoverable, fmt.Errorf("begin attempt: invalid position %d", item.Position))
		return res
	}
	if !m.IsAvailable(ctx) {
		sev := SeverityCritical
		if isDryRun {
			sev = SeverityRecoverable
		}
		res.add(sev, fmt.Errorf("begin attempt: %s not writable: %w", m.adapter.Name(), store.ErrUnavailable))
		log.Error().
			Str("album", m.key.String()).
			Str("backend", m.adapter.Name()).
			Int("position", item.Position).
			Bool("dryRun", isDryRun).
			Msg("State backend not writable, attempt refused")
		return res
	}
	now := m.now()

	err := m.updatePosts(ctx, func(posts []store.InstagramPost) ([]store.InstagramPost, error) {
		res.AlreadyPosted, res.InterruptedAttempt = false, false
		idx := store.FindPost(posts, item.Position, isDryRun)
		if idx < 0 {
			return append(posts, store.NewPost(m.key, item, store.StatusPending, isDryRun, m.runID, now)), nil
		}
		p := &posts[idx]
		switch p.Status {
		case store.StatusPosted:
			res.AlreadyPosted = !isDryRun
			return nil, errUnchanged
		case store.StatusPending:
			if p.WorkflowRunID == m.runID {
				return nil, errUnchanged
			}
			res.InterruptedAttempt = true
		case store.StatusFailed:
			p.Status = store.StatusRetrying
		}
		p.LastUpdate = now
		if m.runID != "" {
			p.WorkflowRunID = m.runID
		}
		return posts, nil
	})
	res.add(SeverityRecoverable, err)

	ev := log.Info()
	if res.InterruptedAttempt {
		ev = log.Warn()
	}
	ev.Str("album", m.key.String()).
		Int("position", item.Position).
		Bool("dryRun", isDryRun).
		Bool("alreadyPosted", res.AlreadyPosted).
		Bool("interrupted", res.InterruptedAttempt).
		Str("severity", res.Severity.String()).
		Msg("Attempt started")
	return res
}

// RecordOutcome persists the outcome of publishing item.
//
// A successful real publish writes the post record first; if that write is
// lost the next run could publish the item again, so its failure is
// critical. Resolving the failed-position entry and refreshing metadata
// afterwards are recoverable.
//
// A failed real publish is written to both the post record and the
// failed-position table. Either one alone keeps the position in the retry
// queue, so only losing both is critical.
//
// Dry runs never affect the posting sequence, so their failures are at most
// recoverable.
func (m *Manager) RecordOutcome(ctx context.Context, item store.Item, out Outcome) Result {
	res := Result{Position: item.Position}
	if item.Position <= 0 {
		res.add(SeverityCritical, fmt.Errorf("record outcome: invalid position %d", item.Position))
		return res
	}

	switch {
	case out.IsDryRun:
		m.recordDryRun(ctx, item, out, &res)
	case out.Succeeded():
		m.recordSuccess(ctx, item, out, &res)
	default:
		m.recordFailure(ctx, item, out, &res)
	}

	ev := log.Info()
	switch res.Severity {
	case SeverityRecoverable:
		ev = log.Warn().Err(res.Err)
	case SeverityCritical:
		ev = log.Error().Err(res.Err)
	}
	ev.Str("album", m.key.String()).
		Int("position", item.Position).
		Bool("dryRun", out.IsDryRun).
		Bool("success", out.Succeeded()).
		Str("targetPostId", out.TargetPostID).
		Bool("fellBack", res.FellBack).
		Str("severity", res.Severity.String()).
		Msg("Outcome recorded")
	return res
}

func (m *Manager) recordSuccess(ctx context.Context, item store.Item, out Outcome, res *Result) {
	now := m.now()
	err := m.updatePosts(ctx, func(posts []store.InstagramPost) ([]store.InstagramPost, error) {
		res.AlreadyPosted = false
		idx := store.FindPost(posts, item.Position, false)
		if idx < 0 {
			p := store.NewPost(m.key, item, store.StatusPending, false, m.runID, now)
			p.MarkPosted(out.TargetPostID, m.runID, now)
			return append(posts, p), nil
		}
		p := &posts[idx]
		if p.Authoritative() {
			res.AlreadyPosted = true
			if p.TargetPostID != out.TargetPostID {
				log.Warn().
					Str("album", m.key.String()).
					Int("position", item.Position).
					Str("existing", p.TargetPostID).
					Str("incoming", out.TargetPostID).
					Msg("Position already posted with a different target id, keeping the first")
			}
			return nil, errUnchanged
		}
		p.MarkPosted(out.TargetPostID, m.runID, now)
		if p.SourceItemID == "" {
			p.SourceItemID = item.ID
		}
		return posts, nil
	})
	res.add(SeverityCritical, wrapTable(store.TablePosts, err))

	err = m.updateFailed(ctx, func(failed []store.FailedPosition) ([]store.FailedPosition, error) {
		changed := false
		for i := range failed {
			if failed[i].Position == item.Position && !failed[i].Resolved {
				failed[i].Resolved = true
				failed[i].ResolvedAt = &now
				changed = true
			}
		}
		if !changed {
			return nil, errUnchanged
		}
		return failed, nil
	})
	res.add(SeverityRecoverable, wrapTable(store.TableFailed, err))

	res.add(SeverityRecoverable, wrapTable(store.TableMetadata, m.RebuildMetadata(ctx, out.TotalItems)))
}

func (m *Manager) recordFailure(ctx context.Context, item store.Item, out Outcome, res *Result) {
	now := m.now()
	msg := out.ErrorMessage
	if msg == "" {
		msg = unknownError
	}

	retries := 0
	postsErr := m.updatePosts(ctx, func(posts []store.InstagramPost) ([]store.InstagramPost, error) {
		res.AlreadyPosted = false
		idx := store.FindPost(posts, item.Position, false)
		if idx < 0 {
			posts = append(posts, store.NewPost(m.key, item, store.StatusPending, false, m.runID, now))
			idx = len(posts) - 1
		}
		p := &posts[idx]
		if p.Authoritative() {
			res.AlreadyPosted = true
			return nil, errUnchanged
		}
		p.MarkFailed(msg, m.runID, now)
		retries = p.RetryCount
		return posts, nil
	})
	if res.AlreadyPosted {
		log.Warn().
			Str("album", m.key.String()).
			Int("position", item.Position).
			Msg("Ignoring failure for a position that is already posted")
		return
	}
	if retries == 0 {
		retries = 1
	}

	failedErr := m.updateFailed(ctx, func(failed []store.FailedPosition) ([]store.FailedPosition, error) {
		for i := range failed {
			if failed[i].Position == item.Position && !failed[i].Resolved {
				failed[i].ErrorMessage = msg
				failed[i].FailedAt = now
				failed[i].WorkflowRunID = m.runID
				failed[i].RetryCount = max(failed[i].RetryCount+1, retries)
				return failed, nil
			}
		}
		return append(failed, store.FailedPosition{
			Position:      item.Position,
			SourceItemID:  item.ID,
			FailedAt:      now,
			ErrorMessage:  msg,
			WorkflowRunID: m.runID,
			RetryCount:    retries,
		}), nil
	})

	postsLost := postsErr != nil && !errors.Is(postsErr, store.ErrFellBack)
	failedLost := failedErr != nil && !errors.Is(failedErr, store.ErrFellBack)
	sev := SeverityRecoverable
	if postsLost && failedLost {
		sev = SeverityCritical
	}
	res.add(sev, wrapTable(store.TablePosts, postsErr))
	res.add(sev, wrapTable(store.TableFailed, failedErr))

	res.add(SeverityRecoverable, wrapTable(store.TableMetadata, m.RebuildMetadata(ctx, out.TotalItems)))
}

func (m *Manager) recordDryRun(ctx context.Context, item store.Item, out Outcome, res *Result) {
	now := m.now()
	err := m.updatePosts(ctx, func(posts []store.InstagramPost) ([]store.InstagramPost, error) {
		idx := store.FindPost(posts, item.Position, true)
		if idx < 0 {
			posts = append(posts, store.NewPost(m.key, item, store.StatusPending, true, m.runID, now))
			idx = len(posts) - 1
		}
		p := &posts[idx]
		if out.Succeeded() {
			p.MarkPosted(out.TargetPostID, m.runID, now)
		} else {
			msg := out.ErrorMessage
			if msg == "" {
				msg = unknownError
			}
			p.MarkFailed(msg, m.runID, now)
		}
		return posts, nil
	})
	res.add(SeverityRecoverable, wrapTable(store.TablePosts, err))
	res.add(SeverityRecoverable, wrapTable(store.TableMetadata, m.RebuildMetadata(ctx, out.TotalItems)))
}

func wrapTable(table store.Table, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", table, err)
}
