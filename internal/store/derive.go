package store

import (
	"math"
	"sort"
	"time"
)

// LastPostedPosition returns max(position) over authoritative posted records.
// It is always derived from the records, never stored separately.
func LastPostedPosition(posts []InstagramPost) int {
	last := 0
	for _, p := range posts {
		if p.Authoritative() && p.Position > last {
			last = p.Position
		}
	}
	return last
}

// LastDryRunPosition returns the highest position reached by dry-run posts.
func LastDryRunPosition(posts []InstagramPost) int {
	last := 0
	for _, p := range posts {
		if p.IsDryRun && p.Status == StatusPosted && p.Position > last {
			last = p.Position
		}
	}
	return last
}

// LastPostedAt returns the most recent posted timestamp among authoritative
// records, or nil.
func LastPostedAt(posts []InstagramPost) *time.Time {
	var latest *time.Time
	for _, p := range posts {
		if !p.Authoritative() || p.PostedAt == nil {
			continue
		}
		if latest == nil || p.PostedAt.After(*latest) {
			t := *p.PostedAt
			latest = &t
		}
	}
	return latest
}

// PostedPositions returns the set of positions with an authoritative record.
func PostedPositions(posts []InstagramPost) map[int]bool {
	set := make(map[int]bool)
	for _, p := range posts {
		if p.Authoritative() {
			set[p.Position] = true
		}
	}
	return set
}

// UnresolvedPositions returns positions that still need a retry: unresolved
// failed-position entries plus real post records left in failed or retrying,
// minus anything already posted. Reading both tables means the retry queue
// survives a lost write to either one.
func UnresolvedPositions(failed []FailedPosition, posts []InstagramPost) map[int]bool {
	posted := PostedPositions(posts)
	set := make(map[int]bool)
	for _, f := range failed {
		if !f.Resolved && f.Position > 0 && !posted[f.Position] {
			set[f.Position] = true
		}
	}
	for _, p := range posts {
		if p.IsDryRun || posted[p.Position] {
			continue
		}
		if p.Status == StatusFailed || p.Status == StatusRetrying {
			set[p.Position] = true
		}
	}
	return set
}

// SortedPositions returns the keys of set in ascending order.
func SortedPositions(set map[int]bool) []int {
	out := make([]int, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// FindPost returns the index of the record for position with the given
// dry-run flag, or -1.
func FindPost(posts []InstagramPost, position int, isDryRun bool) int {
	for i, p := range posts {
		if p.Position == position && p.IsDryRun == isDryRun {
			return i
		}
	}
	return -1
}

// ComputeMetadata rebuilds album metadata from the authoritative records.
// total is the current listing size; zero keeps the previous total.
func ComputeMetadata(key Key, posts []InstagramPost, failed []FailedPosition, prev *AlbumMetadata, total int, now time.Time) *AlbumMetadata {
	meta := &AlbumMetadata{
		AlbumID:    key.AlbumID,
		Account:    key.Account,
		CreatedAt:  now,
		LastUpdate: now,
	}
	if prev != nil {
		if !prev.CreatedAt.IsZero() {
			meta.CreatedAt = prev.CreatedAt
		}
		meta.TotalPhotos = prev.TotalPhotos
	}
	if total > 0 {
		meta.TotalPhotos = total
	}

	runs := make(map[string]bool)
	posted := PostedPositions(posts)
	for _, p := range posts {
		if p.WorkflowRunID != "" {
			runs[p.WorkflowRunID] = true
		}
		for _, a := range p.RetryHistory {
			if a.WorkflowRunID != "" {
				runs[a.WorkflowRunID] = true
			}
		}
		if p.IsDryRun {
			meta.DryRunCount++
			continue
		}
		meta.ErrorCount += len(p.RetryHistory)
		switch p.Status {
		case StatusPending:
			meta.PendingCount++
		case StatusRetrying:
			meta.RetryingCount++
		}
	}
	for _, f := range failed {
		if f.WorkflowRunID != "" {
			runs[f.WorkflowRunID] = true
		}
	}

	meta.PostedCount = len(posted)
	meta.FailedCount = len(UnresolvedPositions(failed, posts))
	meta.WorkflowRunsCount = len(runs)
	meta.LastPostedPosition = LastPostedPosition(posts)
	meta.LastPostedAt = LastPostedAt(posts)

	if meta.TotalPhotos > 0 {
		pct := float64(meta.PostedCount) / float64(meta.TotalPhotos) * 100
		meta.CompletionPercentage = math.Round(math.Min(pct, 100)*100) / 100
	}
	switch {
	case meta.TotalPhotos > 0 && meta.LastPostedPosition >= meta.TotalPhotos:
		meta.CompletionStatus = CompletionComplete
	case meta.PostedCount > 0 || meta.ErrorCount > 0:
		meta.CompletionStatus = CompletionInProgress
	default:
		meta.CompletionStatus = CompletionNotStarted
	}
	return meta
}

// ListingTotal returns the album size implied by a listing: its highest
// valid position.
func ListingTotal(items []Item) int {
	total := 0
	for _, it := range items {
		total = max(total, it.Position)
	}
	return total
}

// FilterPosts drops records that belong to another account or album. Records
// without an owner are adopted by key.
func FilterPosts(key Key, posts []InstagramPost) (kept []InstagramPost, dropped int) {
	kept = make([]InstagramPost, 0, len(posts))
	for _, p := range posts {
		if p.Account == "" {
			p.Account = key.Account
		}
		if p.AlbumID == "" {
			p.AlbumID = key.AlbumID
		}
		if p.Account != key.Account || p.AlbumID != key.AlbumID {
			dropped++
			continue
		}
		kept = append(kept, p)
	}
	return kept, dropped
}

// MergePosts combines two record sets for the same album without losing
// evidence: one record per (position, dry-run); a posted record always wins,
// otherwise the most recently updated one.
func MergePosts(existing, incoming []InstagramPost) []InstagramPost {
	out := make([]InstagramPost, 0, len(existing)+len(incoming))
	out = append(out, existing...)
	for _, in := range incoming {
		i := FindPost(out, in.Position, in.IsDryRun)
		if i < 0 {
			out = append(out, in)
			continue
		}
		cur := out[i]
		switch {
		case cur.Status == StatusPosted && in.Status != StatusPosted:
		case in.Status == StatusPosted && cur.Status != StatusPosted:
			out[i] = in
		case in.LastUpdate.After(cur.LastUpdate):
			out[i] = in
		}
	}
	SortPosts(out)
	return out
}

// MergeFailed combines failed-position histories. Entries are identified by
// (position, failed_at); a resolved copy supersedes an unresolved one.
func MergeFailed(existing, incoming []FailedPosition) []FailedPosition {
	out := make([]FailedPosition, 0, len(existing)+len(incoming))
	out = append(out, existing...)
	for _, in := range incoming {
		found := false
		for i := range out {
			if out[i].Position == in.Position && out[i].FailedAt.Equal(in.FailedAt) {
				found = true
				if in.Resolved && !out[i].Resolved {
					out[i] = in
				}
				break
			}
		}
		if !found {
			out = append(out, in)
		}
	}
	SortFailed(out)
	return out
}
