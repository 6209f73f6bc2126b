package filestate

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/fpang/album-poster/internal/github"
	"github.com/fpang/album-poster/internal/store"
)

// DefaultBranch is the branch holding state documents, kept apart from code.
const DefaultBranch = "automation-state"

// GitHubTree stores documents on a branch of a GitHub repository. Revisions
// are blob SHAs.
type GitHubTree struct {
	client *github.Client
	branch string
	base   string
}

// NewGitHubTree creates a tree on branch, created from base when missing.
func NewGitHubTree(client *github.Client, branch, base string) *GitHubTree {
	if branch == "" {
		branch = DefaultBranch
	}
	if base == "" {
		base = "main"
	}
	return &GitHubTree{client: client, branch: branch, base: base}
}

// Name returns "github:owner/repo@branch".
func (t *GitHubTree) Name() string {
	return fmt.Sprintf("github:%s@%s", t.client.Repository(), t.branch)
}

// EnsureBranch creates the state branch from the base branch tip.
func (t *GitHubTree) EnsureBranch(ctx context.Context) error {
	_, err := t.client.GetBranchSHA(ctx, t.branch)
	if err == nil {
		return nil
	}
	if !github.IsNotFound(err) {
		return err
	}

	sha, err := t.client.GetBranchSHA(ctx, t.base)
	if err != nil {
		return fmt.Errorf("resolve base branch %s: %w", t.base, err)
	}
	log.Info().Str("branch", t.branch).Str("base", t.base).Msg("State branch missing, creating it")
	return t.client.CreateBranch(ctx, t.branch, sha)
}

// Get reads a file from the state branch. A missing file or a missing branch
// both read as not found.
func (t *GitHubTree) Get(ctx context.Context, p string) (Document, bool, error) {
	fc, err := t.client.GetContents(ctx, p, t.branch)
	if err != nil {
		if github.IsNotFound(err) {
			return Document{}, false, nil
		}
		return Document{}, false, err
	}
	return Document{Content: fc.Content, Revision: fc.SHA}, true, nil
}

// Put commits content to the state branch.
func (t *GitHubTree) Put(ctx context.Context, p string, content []byte, revision, message string) (string, error) {
	sha, err := t.client.PutContents(ctx, p, content, github.PutContentsRequest{
		Message: message,
		SHA:     revision,
		Branch:  t.branch,
	})
	if err != nil {
		// Updating with a SHA that no longer exists is reported as 404.
		if revision != "" && github.IsNotFound(err) {
			return "", fmt.Errorf("%w: %w", store.ErrConflict, err)
		}
		return "", err
	}
	return sha, nil
}

// CheckAccess checks that the token can push to the repository.
func (t *GitHubTree) CheckAccess(ctx context.Context) error {
	ok, err := t.client.CanPush(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("token cannot push to %s: %w", t.client.Repository(), store.ErrPermission)
	}
	return nil
}

var _ Tree = (*GitHubTree)(nil)

