package varstate

import (
	"context"
	"fmt"

	"github.com/fpang/album-poster/internal/github"
	"github.com/fpang/album-poster/internal/store"
)

// GitHubVariables stores values as GitHub Actions configuration variables.
type GitHubVariables struct {
	client *github.Client
}

// NewGitHubVariables wraps a repository client.
func NewGitHubVariables(client *github.Client) *GitHubVariables {
	return &GitHubVariables{client: client}
}

func (g *GitHubVariables) Name() string {
	return "github:" + g.client.Repository()
}

func (g *GitHubVariables) Get(ctx context.Context, scope Scope, name string) (string, error) {
	return g.client.GetVariable(ctx, scope.Environment, name)
}

func (g *GitHubVariables) Update(ctx context.Context, scope Scope, name, value string) error {
	return g.client.UpdateVariable(ctx, scope.Environment, name, value)
}

func (g *GitHubVariables) Create(ctx context.Context, scope Scope, name, value string) error {
	return g.client.CreateVariable(ctx, scope.Environment, name, value)
}

func (g *GitHubVariables) Delete(ctx context.Context, scope Scope, name string) error {
	return g.client.DeleteVariable(ctx, scope.Environment, name)
}

func (g *GitHubVariables) List(ctx context.Context, scope Scope) (map[string]string, error) {
	vars, err := g.client.ListVariables(ctx, scope.Environment)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(vars))
	for _, v := range vars {
		out[v.Name] = v.Value
	}
	return out, nil
}

func (g *GitHubVariables) MaxValueSize() int {
	return github.MaxVariableSize
}

// CheckAccess lists variables in scope and checks the token can push. Variable
// writes need at least write access to the repository.
func (g *GitHubVariables) CheckAccess(ctx context.Context, scope Scope) error {
	if _, err := g.client.ListVariables(ctx, scope.Environment); err != nil {
		return err
	}
	ok, err := g.client.CanPush(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("token cannot write variables of %s: %w", g.client.Repository(), store.ErrPermission)
	}
	return nil
}

var _ VariableClient = (*GitHubVariables)(nil)
