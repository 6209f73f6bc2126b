package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	gh "github.com/google/go-github/v69/github"
	"github.com/rs/zerolog/log"

	"github.com/fpang/album-poster/internal/store"
)

// FileContent is a file read from a branch. SHA is the blob hash the next
// update must name.
type FileContent struct {
	Path    string
	SHA     string
	Content []byte
}

// PutContentsRequest creates or updates a file. SHA must be empty when the
// file does not exist yet and the current blob hash otherwise.
type PutContentsRequest struct {
	Message string
	SHA     string
	Branch  string
}

// RepositoryInfo is the subset of repository metadata used for health checks.
type RepositoryInfo struct {
	FullName      string `json:"full_name"`
	DefaultBranch string `json:"default_branch"`
	Permissions   struct {
		Admin bool `json:"admin"`
		Push  bool `json:"push"`
		Pull  bool `json:"pull"`
	} `json:"permissions"`
}

// GetContents reads a file on ref. A missing file or branch returns an error
// wrapping store.ErrNotFound.
func (c *Client) GetContents(ctx context.Context, path, ref string) (*FileContent, error) {
	op := "get contents " + path
	var opts *gh.RepositoryContentGetOptions
	if ref != "" {
		opts = &gh.RepositoryContentGetOptions{Ref: ref}
	}
	file, dir, _, err := c.api.Repositories.GetContents(ctx, c.owner, c.repo, strings.Trim(path, "/"), opts)
	if err != nil {
		return nil, classify(op, err)
	}
	if file == nil {
		return nil, fmt.Errorf("%s: expected a file, found a directory of %d entries", op, len(dir))
	}
	if t := file.GetType(); t != "" && t != "file" {
		return nil, fmt.Errorf("%s: expected a file, found %s", op, t)
	}

	// Files over 1 MB come back without inline content.
	if file.GetEncoding() == "none" || (file.Content == nil && file.GetSHA() != "") {
		raw, _, err := c.api.Git.GetBlobRaw(ctx, c.owner, c.repo, file.GetSHA())
		if err != nil {
			return nil, classify("get blob "+file.GetSHA(), err)
		}
		return &FileContent{Path: path, SHA: file.GetSHA(), Content: raw}, nil
	}

	content, err := file.GetContent()
	if err != nil {
		return nil, fmt.Errorf("decode contents %s: %w", path, err)
	}
	return &FileContent{Path: path, SHA: file.GetSHA(), Content: []byte(content)}, nil
}

// PutContents commits content to path and returns the new blob SHA. A stale
// or missing SHA is rejected by GitHub and surfaces as store.ErrConflict.
func (c *Client) PutContents(ctx context.Context, path string, content []byte, req PutContentsRequest) (string, error) {
	opts := &gh.RepositoryContentFileOptions{
		Message: gh.Ptr(req.Message),
		Content: content,
	}
	if req.Branch != "" {
		opts.Branch = gh.Ptr(req.Branch)
	}

	var (
		resp *gh.RepositoryContentResponse
		err  error
	)
	path = strings.Trim(path, "/")
	if req.SHA == "" {
		resp, _, err = c.api.Repositories.CreateFile(ctx, c.owner, c.repo, path, opts)
	} else {
		opts.SHA = gh.Ptr(req.SHA)
		resp, _, err = c.api.Repositories.UpdateFile(ctx, c.owner, c.repo, path, opts)
	}
	if err != nil {
		return "", classify("put contents "+path, err)
	}
	sha := resp.GetContent().GetSHA()
	log.Debug().Str("path", path).Str("branch", req.Branch).Str("sha", sha).Msg("Committed state file")
	return sha, nil
}

// GetBranchSHA returns the commit SHA at the head of branch.
func (c *Client) GetBranchSHA(ctx context.Context, branch string) (string, error) {
	ref, _, err := c.api.Git.GetRef(ctx, c.owner, c.repo, "heads/"+branch)
	if err != nil {
		return "", classify("get branch "+branch, err)
	}
	return ref.GetObject().GetSHA(), nil
}

// CreateBranch creates branch at sha. A branch that already exists is not an
// error, since a concurrent run may have created it first.
func (c *Client) CreateBranch(ctx context.Context, branch, sha string) error {
	_, _, err := c.api.Git.CreateRef(ctx, c.owner, c.repo, &gh.Reference{
		Ref:    gh.Ptr("refs/heads/" + branch),
		Object: &gh.GitObject{SHA: gh.Ptr(sha)},
	})
	if err != nil {
		err = classify("create branch "+branch, err)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity &&
			strings.Contains(strings.ToLower(apiErr.Message), "already exists") {
			log.Debug().Str("branch", branch).Msg("Branch already exists")
			return nil
		}
		return err
	}
	log.Info().Str("branch", branch).Str("sha", sha).Msg("Created state branch")
	return nil
}

// GetRepository returns repository metadata including the token's permissions.
func (c *Client) GetRepository(ctx context.Context) (*RepositoryInfo, error) {
	req, err := c.api.NewRequest(http.MethodGet, fmt.Sprintf("repos/%s/%s", c.owner, c.repo), nil)
	if err != nil {
		return nil, fmt.Errorf("get repository: %w", err)
	}
	var info RepositoryInfo
	if _, err := c.api.Do(ctx, req, &info); err != nil {
		return nil, classify("get repository", err)
	}
	return &info, nil
}

// CanPush reports whether the token can write to the repository.
func (c *Client) CanPush(ctx context.Context) (bool, error) {
	info, err := c.GetRepository(ctx)
	if err != nil {
		if errors.Is(err, store.ErrPermission) {
			return false, nil
		}
		return false, err
	}
	return info.Permissions.Push, nil
}
