package varstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/fpang/album-poster/internal/store"
)

// Values come in two shapes. Older runs stored bare position arrays such as
// [1,2,3]; newer ones store record objects. Object fields are read loosely so
// both snake_case and older aliases are accepted.

// ErrInvalidValue reports a value that is not the expected JSON shape.
var ErrInvalidValue = errors.New("invalid state value")

func firstOf(obj gjson.Result, names ...string) gjson.Result {
	for _, n := range names {
		if v := obj.Get(n); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

// parseTime accepts RFC 3339 strings and unix seconds.
func parseTime(v gjson.Result) *time.Time {
	switch v.Type {
	case gjson.String:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, v.Str); err == nil {
				t = t.UTC()
				return &t
			}
		}
	case gjson.Number:
		t := time.Unix(v.Int(), 0).UTC()
		return &t
	}
	return nil
}

func timeOr(v gjson.Result, def time.Time) time.Time {
	if t := parseTime(v); t != nil {
		return *t
	}
	return def
}

func parseArray(value string) (gjson.Result, error) {
	if strings.TrimSpace(value) == "" {
		return gjson.Parse("[]"), nil
	}
	if !gjson.Valid(value) {
		return gjson.Result{}, fmt.Errorf("%w: not valid JSON", ErrInvalidValue)
	}
	res := gjson.Parse(value)
	if res.Type == gjson.Null {
		return gjson.Parse("[]"), nil
	}
	if !res.IsArray() {
		return gjson.Result{}, fmt.Errorf("%w: expected a JSON array", ErrInvalidValue)
	}
	return res, nil
}

// recordAlbumIDs returns the distinct album_id fields found in object
// elements of a value.
func recordAlbumIDs(value string) []string {
	seen := make(map[string]bool)
	gjson.Get(value, "#.album_id").ForEach(func(_, v gjson.Result) bool {
		if v.Type == gjson.String && v.Str != "" {
			seen[v.Str] = true
		}
		return true
	})
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// decodePosts converts a posts value into records owned by key.
func decodePosts(key store.Key, value string, now time.Time) ([]store.InstagramPost, error) {
	arr, err := parseArray(value)
	if err != nil {
		return nil, err
	}

	var posts []store.InstagramPost
	for i, el := range arr.Array() {
		var p store.InstagramPost
		switch {
		case el.Type == gjson.Number:
			p = store.InstagramPost{
				Position:     int(el.Int()),
				Status:       store.StatusPosted,
				CreatedAt:    now,
				LastUpdate:   now,
				RetryHistory: []store.RetryAttempt{},
			}
		case el.IsObject():
			p = decodePostObject(el, now)
		default:
			log.Warn().Str("account", key.Account).Str("albumId", key.AlbumID).Int("index", i).Msg("Skipping unrecognised post element")
			continue
		}
		if p.Position <= 0 {
			log.Warn().Str("account", key.Account).Str("albumId", key.AlbumID).Int("index", i).Msg("Skipping post element without a valid position")
			continue
		}
		if p.Account == "" {
			p.Account = key.Account
		}
		if p.AlbumID == "" {
			p.AlbumID = key.AlbumID
		}
		posts = append(posts, p)
	}
	return store.MergePosts(nil, posts), nil
}

func decodePostObject(el gjson.Result, now time.Time) store.InstagramPost {
	status := store.PostStatus(strings.ToLower(firstOf(el, "status").String()))
	if !status.Valid() {
		status = store.StatusPosted
	}
	p := store.InstagramPost{
		Position:      int(firstOf(el, "position").Int()),
		SourceItemID:  firstOf(el, "source_item_id", "photo_id", "id").String(),
		Title:         firstOf(el, "title").String(),
		TargetPostID:  firstOf(el, "target_post_id", "instagram_post_id", "post_id").String(),
		Status:        status,
		CreatedAt:     timeOr(firstOf(el, "created_at"), now),
		LastUpdate:    timeOr(firstOf(el, "last_update", "updated_at"), now),
		PostedAt:      parseTime(firstOf(el, "posted_at")),
		RetryCount:    int(firstOf(el, "retry_count").Int()),
		RetryHistory:  []store.RetryAttempt{},
		WorkflowRunID: firstOf(el, "workflow_run_id").String(),
		Account:       firstOf(el, "account").String(),
		AlbumID:       firstOf(el, "album_id").String(),
		IsDryRun:      firstOf(el, "is_dry_run", "dry_run").Bool(),
	}
	if h := firstOf(el, "retry_history"); h.IsArray() {
		var history []store.RetryAttempt
		if err := json.Unmarshal([]byte(h.Raw), &history); err == nil {
			p.RetryHistory = history
		}
	}
	if p.Status == store.StatusPosted && p.PostedAt == nil && !p.LastUpdate.Equal(now) {
		t := p.LastUpdate
		p.PostedAt = &t
	}
	return p
}

// decodeFailed converts a failed-positions value. Bare integers become
// unresolved entries without an error message.
func decodeFailed(value string) ([]store.FailedPosition, error) {
	arr, err := parseArray(value)
	if err != nil {
		return nil, err
	}

	var failed []store.FailedPosition
	for _, el := range arr.Array() {
		var f store.FailedPosition
		switch {
		case el.Type == gjson.Number:
			f = store.FailedPosition{Position: int(el.Int())}
		case el.IsObject():
			f = store.FailedPosition{
				Position:      int(firstOf(el, "position").Int()),
				SourceItemID:  firstOf(el, "source_item_id", "photo_id", "id").String(),
				FailedAt:      timeOr(firstOf(el, "failed_at", "timestamp"), time.Time{}),
				ErrorMessage:  firstOf(el, "error_message", "error").String(),
				WorkflowRunID: firstOf(el, "workflow_run_id").String(),
				RetryCount:    int(firstOf(el, "retry_count").Int()),
				Resolved:      firstOf(el, "resolved").Bool(),
				ResolvedAt:    parseTime(firstOf(el, "resolved_at")),
			}
		default:
			continue
		}
		if f.Position > 0 {
			failed = append(failed, f)
		}
	}
	return store.MergeFailed(nil, failed), nil
}

// decodeMetadata reads a metadata value. Legacy values only contribute
// total_photos and created_at; everything else is recomputed.
func decodeMetadata(key store.Key, value string) (*store.AlbumMetadata, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	if !gjson.Valid(value) {
		return nil, fmt.Errorf("%w: not valid JSON", ErrInvalidValue)
	}
	res := gjson.Parse(value)
	if res.Type == gjson.Null {
		return nil, nil
	}
	if !res.IsObject() {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrInvalidValue)
	}
	var meta store.AlbumMetadata
	if err := json.Unmarshal([]byte(value), &meta); err != nil {
		meta = store.AlbumMetadata{}
	}
	meta.Account, meta.AlbumID = key.Account, key.AlbumID
	meta.TotalPhotos = int(firstOf(res, "total_photos", "total_items").Int())
	meta.CreatedAt = timeOr(firstOf(res, "created_at"), meta.CreatedAt)
	return &meta, nil
}

// --- Snapshot parsing ---

// ParseOptions resolves the parts of a variable name that sanitization made
// lossy.
type ParseOptions struct {
	// Accounts maps a scope prefix to its account name. Unmapped scopes use
	// the lower-cased prefix.
	Accounts map[string]string

	// AlbumIDs maps a sanitized album suffix to the real album ID.
	AlbumIDs map[string]string
}

// ParseError describes a variable or album group that could not be parsed.
type ParseError struct {
	Name string
	Err  error
}

func (e ParseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Name, e.Err)
}

func (e ParseError) Unwrap() error { return e.Err }

// Group is the set of variables of one (scope, album suffix) pair.
type Group struct {
	Scope  string
	Album  string
	Values map[store.Table]string
	Names  []string
}

// GroupSnapshot groups state variables by (scope, album suffix). Names that
// do not follow the convention are returned separately.
func GroupSnapshot(snapshot map[string]string) (groups map[[2]string]*Group, unmatched []string) {
	groups = make(map[[2]string]*Group)
	names := make([]string, 0, len(snapshot))
	for n := range snapshot {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, name := range names {
		parsed, ok := ParseVariableName(name)
		if !ok {
			unmatched = append(unmatched, name)
			continue
		}
		id := [2]string{parsed.Scope, parsed.Album}
		g, ok := groups[id]
		if !ok {
			g = &Group{Scope: parsed.Scope, Album: parsed.Album, Values: make(map[store.Table]string)}
			groups[id] = g
		}
		g.Values[parsed.Table] = snapshot[name]
		g.Names = append(g.Names, name)
	}
	return groups, unmatched
}

// Account resolves the account for a scope prefix.
func (o ParseOptions) Account(scope string) string {
	if a, ok := o.Accounts[scope]; ok && a != "" {
		return a
	}
	return strings.ToLower(scope)
}

// resolveAlbumID recovers the real album ID of a group.
func (o ParseOptions) resolveAlbumID(g *Group) (string, error) {
	if g.Album == "" {
		return "", fmt.Errorf("variable name has no album suffix")
	}
	if id, ok := o.AlbumIDs[g.Album]; ok && id != "" {
		return id, nil
	}

	var candidates []string
	for _, table := range []store.Table{store.TablePosts, store.TableFailed} {
		candidates = append(candidates, recordAlbumIDs(g.Values[table])...)
	}
	if meta := gjson.Get(g.Values[store.TableMetadata], "album_id"); meta.Type == gjson.String && meta.Str != "" {
		candidates = append(candidates, meta.Str)
	}
	var match string
	for _, c := range candidates {
		if SanitizeAlbumID(c) != g.Album {
			continue
		}
		if match != "" && match != c {
			return "", fmt.Errorf("records disagree on album id (%s, %s)", match, c)
		}
		match = c
	}
	if match != "" {
		return match, nil
	}

	if _, err := strconv.ParseUint(g.Album, 10, 64); err == nil {
		return g.Album, nil
	}
	return "", fmt.Errorf("cannot recover album id from sanitized suffix %q; add it to the album id mapping", g.Album)
}

// ParseSnapshot converts a snapshot of variables into album states. A group
// that cannot be parsed is reported and skipped; the others are returned.
func ParseSnapshot(snapshot map[string]string, opts ParseOptions) ([]store.AlbumState, []ParseError) {
	groups, _ := GroupSnapshot(snapshot)
	now := time.Now().UTC()

	var states []store.AlbumState
	var errs []ParseError
	for _, g := range SortedGroups(groups) {
		state, err := parseGroup(g, opts, now)
		if err != nil {
			errs = append(errs, ParseError{Name: strings.Join(g.Names, ","), Err: err})
			continue
		}
		states = append(states, state)
	}
	return states, errs
}

// SortedGroups returns groups ordered by scope, then album suffix.
func SortedGroups(groups map[[2]string]*Group) []*Group {
	out := make([]*Group, 0, len(groups))
	for _, g := range groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Scope != out[j].Scope {
			return out[i].Scope < out[j].Scope
		}
		return out[i].Album < out[j].Album
	})
	return out
}

// ParseGroup converts one group into an album state.
func ParseGroup(g *Group, opts ParseOptions) (store.AlbumState, error) {
	return parseGroup(g, opts, time.Now().UTC())
}

func parseGroup(g *Group, opts ParseOptions, now time.Time) (store.AlbumState, error) {
	albumID, err := opts.resolveAlbumID(g)
	if err != nil {
		return store.AlbumState{}, err
	}
	key := store.Key{Account: opts.Account(g.Scope), AlbumID: albumID}
	if err := key.Validate(); err != nil {
		return store.AlbumState{}, err
	}

	posts, err := decodePosts(key, g.Values[store.TablePosts], now)
	if err != nil {
		return store.AlbumState{}, fmt.Errorf("posts: %w", err)
	}
	posts, dropped := store.FilterPosts(key, posts)
	if dropped > 0 {
		log.Warn().Str("album", key.String()).Int("dropped", dropped).Msg("Legacy posts owned by another album were skipped")
	}
	failed, err := decodeFailed(g.Values[store.TableFailed])
	if err != nil {
		return store.AlbumState{}, fmt.Errorf("failed positions: %w", err)
	}
	meta, err := decodeMetadata(key, g.Values[store.TableMetadata])
	if err != nil {
		return store.AlbumState{}, fmt.Errorf("metadata: %w", err)
	}
	return store.AlbumState{Key: key, Posts: posts, Failed: failed, Metadata: meta}, nil
}
