package github

import (
	"context"

	gh "github.com/google/go-github/v69/github"
)

// MaxVariableSize is the GitHub Actions limit on one variable value.
const MaxVariableSize = 48 * 1024

// Variable is one Actions configuration variable. The methods below address
// repository variables when environment is empty and that environment's
// variables otherwise.
type Variable struct {
	Name  string
	Value string
}

const variablesPerPage = 30

// GetVariable reads one variable. A missing variable wraps store.ErrNotFound.
func (c *Client) GetVariable(ctx context.Context, environment, name string) (string, error) {
	var (
		v   *gh.ActionsVariable
		err error
	)
	if environment == "" {
		v, _, err = c.api.Actions.GetRepoVariable(ctx, c.owner, c.repo, name)
	} else {
		v, _, err = c.api.Actions.GetEnvVariable(ctx, c.owner, c.repo, environment, name)
	}
	if err != nil {
		return "", classify("get variable "+name, err)
	}
	return v.Value, nil
}

// UpdateVariable overwrites an existing variable.
func (c *Client) UpdateVariable(ctx context.Context, environment, name, value string) error {
	v := &gh.ActionsVariable{Name: name, Value: value}
	var err error
	if environment == "" {
		_, err = c.api.Actions.UpdateRepoVariable(ctx, c.owner, c.repo, v)
	} else {
		_, err = c.api.Actions.UpdateEnvVariable(ctx, c.owner, c.repo, environment, v)
	}
	return classify("update variable "+name, err)
}

// CreateVariable creates a variable. An existing one wraps store.ErrConflict.
func (c *Client) CreateVariable(ctx context.Context, environment, name, value string) error {
	v := &gh.ActionsVariable{Name: name, Value: value}
	var err error
	if environment == "" {
		_, err = c.api.Actions.CreateRepoVariable(ctx, c.owner, c.repo, v)
	} else {
		_, err = c.api.Actions.CreateEnvVariable(ctx, c.owner, c.repo, environment, v)
	}
	return classify("create variable "+name, err)
}

// DeleteVariable removes a variable.
func (c *Client) DeleteVariable(ctx context.Context, environment, name string) error {
	var err error
	if environment == "" {
		_, err = c.api.Actions.DeleteRepoVariable(ctx, c.owner, c.repo, name)
	} else {
		_, err = c.api.Actions.DeleteEnvVariable(ctx, c.owner, c.repo, environment, name)
	}
	return classify("delete variable "+name, err)
}

// ListVariables returns every variable in scope, following pagination.
func (c *Client) ListVariables(ctx context.Context, environment string) ([]Variable, error) {
	var all []Variable
	opts := &gh.ListOptions{PerPage: variablesPerPage}
	for {
		var (
			page *gh.ActionsVariables
			resp *gh.Response
			err  error
		)
		if environment == "" {
			page, resp, err = c.api.Actions.ListRepoVariables(ctx, c.owner, c.repo, opts)
		} else {
			page, resp, err = c.api.Actions.ListEnvVariables(ctx, c.owner, c.repo, environment, opts)
		}
		if err != nil {
			return nil, classify("list variables", err)
		}
		for _, v := range page.Variables {
			all = append(all, Variable{Name: v.Name, Value: v.Value})
		}
		if resp.NextPage == 0 || len(page.Variables) == 0 || len(all) >= page.TotalCount {
			return all, nil
		}
		opts.Page = resp.NextPage
	}
}
