// Package migration moves posting state out of the key/value variable
// backend into another adapter in four separate phases: analyze, migrate,
// validate and cleanup. Only cleanup is destructive, and it refuses to delete
// anything without an explicit confirmation.
package migration

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/fpang/album-poster/internal/store"
	"github.com/fpang/album-poster/internal/store/varstate"
)

// nearLimitRatio flags values at or above this share of the backend's size
// cap.
const nearLimitRatio = 0.8

// LegacyStore is the variable backend being migrated away from.
// *varstate.Adapter implements it.
type LegacyStore interface {
	Name() string
	Snapshot(ctx context.Context) (map[string]string, error)
	DeleteVariable(ctx context.Context, name string) error
	MaxValueSize() int
}

var _ LegacyStore = (*varstate.Adapter)(nil)

// Tool runs the migration phases from one legacy store into one target.
type Tool struct {
	legacy LegacyStore
	target store.Adapter
	parse  varstate.ParseOptions
	now    func() time.Time
}

// Option configures a Tool.
type Option func(*Tool)

// WithClock overrides time.Now, used for backup file names.
func WithClock(now func() time.Time) Option {
	return func(t *Tool) { t.now = now }
}

// New creates a migration tool. parse resolves account names and album IDs
// lost to variable-name sanitization.
func New(legacy LegacyStore, target store.Adapter, parse varstate.ParseOptions, opts ...Option) *Tool {
	t := &Tool{
		legacy: legacy,
		target: target,
		parse:  parse,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// GroupAnalysis describes the variables of one (account, album) group.
type GroupAnalysis struct {
	Scope           string   `json:"scope"`
	Suffix          string   `json:"suffix"`
	Account         string   `json:"account"`
	AlbumID         string   `json:"album_id,omitempty"`
	Variables       []string `json:"variables"`
	Posts           int      `json:"posts"`
	FailedPositions int      `json:"failed_positions"`
	HasMetadata     bool     `json:"has_metadata"`
	Error           string   `json:"error,omitempty"`
}

// SizeIssue is a value approaching the backend's size cap.
type SizeIssue struct {
	Name  string `json:"name"`
	Size  int    `json:"size"`
	Limit int    `json:"limit"`
}

// Analysis is the read-only survey of the legacy store.
type Analysis struct {
	Backend         string          `json:"backend"`
	Variables       int             `json:"variables"`
	Accounts        []string        `json:"accounts"`
	Groups          []GroupAnalysis `json:"groups"`
	Posts           int             `json:"posts"`
	FailedPositions int             `json:"failed_positions"`
	InvalidJSON     []string        `json:"invalid_json,omitempty"`
	NearLimit       []SizeIssue     `json:"near_limit,omitempty"`
	MissingAlbumID  []string        `json:"missing_album_id,omitempty"`
	Unmatched       []string        `json:"unmatched,omitempty"`
}

// Ready reports whether every group can be migrated as is.
func (a *Analysis) Ready() bool {
	for _, g := range a.Groups {
		if g.Error != "" {
			return false
		}
	}
	return len(a.InvalidJSON) == 0
}

// Analyze surveys the legacy store without writing anything.
func (t *Tool) Analyze(ctx context.Context) (*Analysis, error) {
	snapshot, err := t.legacy.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", t.legacy.Name(), err)
	}
	groups, unmatched := varstate.GroupSnapshot(snapshot)
	limit := t.legacy.MaxValueSize()

	a := &Analysis{
		Backend:   t.legacy.Name(),
		Variables: len(snapshot),
		Unmatched: unmatched,
	}
	accounts := make(map[string]bool)
	for _, g := range varstate.SortedGroups(groups) {
		ga := GroupAnalysis{
			Scope:     g.Scope,
			Suffix:    g.Album,
			Account:   t.parse.Account(g.Scope),
			Variables: g.Names,
		}
		accounts[ga.Account] = true
		_, ga.HasMetadata = g.Values[store.TableMetadata]

		for _, name := range g.Names {
			value := snapshot[name]
			if !gjson.Valid(value) {
				a.InvalidJSON = append(a.InvalidJSON, name)
			}
			if limit > 0 && float64(len(value)) >= nearLimitRatio*float64(limit) {
				a.NearLimit = append(a.NearLimit, SizeIssue{Name: name, Size: len(value), Limit: limit})
			}
		}
		if g.Album == "" {
			a.MissingAlbumID = append(a.MissingAlbumID, g.Names...)
		}

		state, err := varstate.ParseGroup(g, t.parse)
		if err != nil {
			ga.Error = err.Error()
		} else {
			ga.AlbumID = state.Key.AlbumID
			ga.Posts = len(state.Posts)
			ga.FailedPositions = len(state.Failed)
			a.Posts += ga.Posts
			a.FailedPositions += ga.FailedPositions
		}
		a.Groups = append(a.Groups, ga)
	}
	for acct := range accounts {
		a.Accounts = append(a.Accounts, acct)
	}
	sort.Strings(a.Accounts)

	log.Info().
		Str("backend", a.Backend).
		Int("variables", a.Variables).
		Int("groups", len(a.Groups)).
		Int("posts", a.Posts).
		Int("failedPositions", a.FailedPositions).
		Int("invalidJson", len(a.InvalidJSON)).
		Int("nearLimit", len(a.NearLimit)).
		Int("missingAlbumId", len(a.MissingAlbumID)).
		Int("unmatched", len(a.Unmatched)).
		Msg("Legacy state analyzed")
	return a, nil
}
