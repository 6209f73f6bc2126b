package store

import (
	"encoding/json"
	"sort"
	"time"
)

// --- Record types ---
//
// JSON field names are the shared wire format for every document-based
// backend. DynamoDB attribute names follow the dynamodbav tags.

// PostStatus is the lifecycle state of a post record.
type PostStatus string

const (
	StatusPending  PostStatus = "pending"
	StatusPosted   PostStatus = "posted"
	StatusFailed   PostStatus = "failed"
	StatusRetrying PostStatus = "retrying"
)

// Valid reports whether s is a known status.
func (s PostStatus) Valid() bool {
	switch s {
	case StatusPending, StatusPosted, StatusFailed, StatusRetrying:
		return true
	}
	return false
}

// Item is one entry of a source listing for an album snapshot.
// Position is 1-based; ID is carried for traceability only.
type Item struct {
	ID       string `json:"id"`
	Title    string `json:"title,omitempty"`
	Position int    `json:"position"`
}

// RetryAttempt records one failed publish attempt.
type RetryAttempt struct {
	Timestamp     time.Time `json:"timestamp" dynamodbav:"timestamp"`
	ErrorMessage  string    `json:"error_message,omitempty" dynamodbav:"errorMessage,omitempty"`
	WorkflowRunID string    `json:"workflow_run_id,omitempty" dynamodbav:"workflowRunId,omitempty"`
	RetryCount    int       `json:"retry_count" dynamodbav:"retryCount"`
}

// InstagramPost is the durable evidence of one publish attempt for a position.
// At most one non-dry-run record exists per position; corrections are status
// transitions on that record, never deletions.
type InstagramPost struct {
	Position      int            `json:"position" dynamodbav:"position"`
	SourceItemID  string         `json:"source_item_id,omitempty" dynamodbav:"sourceItemId,omitempty"`
	Title         string         `json:"title,omitempty" dynamodbav:"title,omitempty"`
	TargetPostID  string         `json:"target_post_id,omitempty" dynamodbav:"targetPostId,omitempty"`
	Status        PostStatus     `json:"status" dynamodbav:"status"`
	CreatedAt     time.Time      `json:"created_at" dynamodbav:"createdAt"`
	LastUpdate    time.Time      `json:"last_update" dynamodbav:"lastUpdate"`
	PostedAt      *time.Time     `json:"posted_at,omitempty" dynamodbav:"postedAt,omitempty"`
	RetryCount    int            `json:"retry_count" dynamodbav:"retryCount"`
	RetryHistory  []RetryAttempt `json:"retry_history" dynamodbav:"retryHistory"`
	WorkflowRunID string         `json:"workflow_run_id,omitempty" dynamodbav:"workflowRunId,omitempty"`
	Account       string         `json:"account" dynamodbav:"account"`
	AlbumID       string         `json:"album_id" dynamodbav:"albumId"`
	IsDryRun      bool           `json:"is_dry_run" dynamodbav:"isDryRun"`
}

// NewPost creates a record for item in the given status.
func NewPost(key Key, item Item, status PostStatus, isDryRun bool, runID string, now time.Time) InstagramPost {
	return InstagramPost{
		Position:      item.Position,
		SourceItemID:  item.ID,
		Title:         item.Title,
		Status:        status,
		CreatedAt:     now,
		LastUpdate:    now,
		RetryHistory:  []RetryAttempt{},
		WorkflowRunID: runID,
		Account:       key.Account,
		AlbumID:       key.AlbumID,
		IsDryRun:      isDryRun,
	}
}

// Authoritative reports whether the record proves the position was published.
// Dry-run records never count.
func (p InstagramPost) Authoritative() bool {
	return p.Status == StatusPosted && !p.IsDryRun
}

// MarkPosted moves the record to the terminal posted state.
func (p *InstagramPost) MarkPosted(targetPostID, runID string, now time.Time) {
	p.Status = StatusPosted
	p.TargetPostID = targetPostID
	p.PostedAt = &now
	p.LastUpdate = now
	if runID != "" {
		p.WorkflowRunID = runID
	}
}

// MarkFailed appends a retry attempt and moves the record to failed.
func (p *InstagramPost) MarkFailed(errMsg, runID string, now time.Time) {
	p.RetryCount++
	p.RetryHistory = append(p.RetryHistory, RetryAttempt{
		Timestamp:     now,
		ErrorMessage:  errMsg,
		WorkflowRunID: runID,
		RetryCount:    p.RetryCount,
	})
	p.Status = StatusFailed
	p.LastUpdate = now
	if runID != "" {
		p.WorkflowRunID = runID
	}
}

// FailedPosition marks a position that needs a retry. Resolved entries are
// kept as audit history once the position is later posted.
type FailedPosition struct {
	Position      int        `json:"position" dynamodbav:"position"`
	SourceItemID  string     `json:"source_item_id,omitempty" dynamodbav:"sourceItemId,omitempty"`
	FailedAt      time.Time  `json:"failed_at" dynamodbav:"failedAt"`
	ErrorMessage  string     `json:"error_message,omitempty" dynamodbav:"errorMessage,omitempty"`
	WorkflowRunID string     `json:"workflow_run_id,omitempty" dynamodbav:"workflowRunId,omitempty"`
	RetryCount    int        `json:"retry_count" dynamodbav:"retryCount"`
	Resolved      bool       `json:"resolved" dynamodbav:"resolved"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty" dynamodbav:"resolvedAt,omitempty"`
}

// UnmarshalJSON accepts the legacy form, a bare integer position, as well as
// the full object.
func (f *FailedPosition) UnmarshalJSON(data []byte) error {
	var position int
	if err := json.Unmarshal(data, &position); err == nil {
		*f = FailedPosition{Position: position}
		return nil
	}
	type plain FailedPosition
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = FailedPosition(v)
	return nil
}

// Completion states of an album.
const (
	CompletionNotStarted = "not_started"
	CompletionInProgress = "in_progress"
	CompletionComplete   = "complete"
)

// AlbumMetadata holds derived counters. It is never the source of truth and
// can always be rebuilt with ComputeMetadata.
type AlbumMetadata struct {
	AlbumID              string     `json:"album_id" dynamodbav:"albumId"`
	Account              string     `json:"account" dynamodbav:"account"`
	CreatedAt            time.Time  `json:"created_at" dynamodbav:"createdAt"`
	LastUpdate           time.Time  `json:"last_update" dynamodbav:"lastUpdate"`
	TotalPhotos          int        `json:"total_photos" dynamodbav:"totalPhotos"`
	PostedCount          int        `json:"posted_count" dynamodbav:"postedCount"`
	FailedCount          int        `json:"failed_count" dynamodbav:"failedCount"`
	PendingCount         int        `json:"pending_count" dynamodbav:"pendingCount"`
	RetryingCount        int        `json:"retrying_count" dynamodbav:"retryingCount"`
	DryRunCount          int        `json:"dry_run_count" dynamodbav:"dryRunCount"`
	CompletionStatus     string     `json:"completion_status" dynamodbav:"completionStatus"`
	CompletionPercentage float64    `json:"completion_percentage" dynamodbav:"completionPercentage"`
	LastPostedPosition   int        `json:"last_posted_position" dynamodbav:"lastPostedPosition"`
	LastPostedAt         *time.Time `json:"last_posted_at,omitempty" dynamodbav:"lastPostedAt,omitempty"`
	WorkflowRunsCount    int        `json:"workflow_runs_count" dynamodbav:"workflowRunsCount"`
	ErrorCount           int        `json:"error_count" dynamodbav:"errorCount"`
}

// AlbumState bundles every table of one album, used when moving state
// between backends.
type AlbumState struct {
	Key      Key
	Posts    []InstagramPost
	Failed   []FailedPosition
	Metadata *AlbumMetadata
}

// SortPosts orders records by position, real records before dry runs.
func SortPosts(posts []InstagramPost) {
	sort.SliceStable(posts, func(i, j int) bool {
		if posts[i].Position != posts[j].Position {
			return posts[i].Position < posts[j].Position
		}
		return !posts[i].IsDryRun && posts[j].IsDryRun
	})
}

// SortFailed orders failed positions by position, then by failure time.
func SortFailed(failed []FailedPosition) {
	sort.SliceStable(failed, func(i, j int) bool {
		if failed[i].Position != failed[j].Position {
			return failed[i].Position < failed[j].Position
		}
		return failed[i].FailedAt.Before(failed[j].FailedAt)
	})
}
