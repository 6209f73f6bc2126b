package varstate

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/fpang/album-poster/internal/store"
)

// SSM Parameter Store value limits.
const (
	ssmStandardMaxSize = 4 * 1024
	ssmAdvancedMaxSize = 8 * 1024
)

// SSMAPI is the subset of the SSM client used by SSMVariables.
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
	DeleteParameter(ctx context.Context, params *ssm.DeleteParameterInput, optFns ...func(*ssm.Options)) (*ssm.DeleteParameterOutput, error)
	GetParametersByPath(ctx context.Context, params *ssm.GetParametersByPathInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersByPathOutput, error)
}

// SSMVariables stores values as String parameters:
//
//	/{prefix}/repository/{NAME}
//	/{prefix}/environments/{environment}/{NAME}
type SSMVariables struct {
	client   SSMAPI
	prefix   string
	advanced bool
}

// NewSSMVariables creates a client rooted at prefix, e.g. "album-poster/prod".
// advanced selects the Advanced tier with its larger value cap.
func NewSSMVariables(client SSMAPI, prefix string, advanced bool) *SSMVariables {
	return &SSMVariables{client: client, prefix: strings.Trim(prefix, "/"), advanced: advanced}
}

func (s *SSMVariables) Name() string {
	return "ssm:/" + s.prefix
}

func (s *SSMVariables) scopePath(scope Scope) string {
	if scope.Environment == "" {
		return "/" + path.Join(s.prefix, "repository")
	}
	return "/" + path.Join(s.prefix, "environments", scope.Environment)
}

func (s *SSMVariables) parameterName(scope Scope, name string) string {
	return s.scopePath(scope) + "/" + name
}

func (s *SSMVariables) Get(ctx context.Context, scope Scope, name string) (string, error) {
	out, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(s.parameterName(scope, name)),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("get parameter %s: %w", s.parameterName(scope, name), store.ClassifyAWSError(err))
	}
	return aws.ToString(out.Parameter.Value), nil
}

func (s *SSMVariables) put(ctx context.Context, scope Scope, name, value string, overwrite bool) error {
	tier := types.ParameterTierStandard
	if s.advanced {
		tier = types.ParameterTierAdvanced
	}
	_, err := s.client.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      aws.String(s.parameterName(scope, name)),
		Value:     aws.String(value),
		Type:      types.ParameterTypeString,
		Tier:      tier,
		Overwrite: aws.Bool(overwrite),
	})
	if err != nil {
		return fmt.Errorf("put parameter %s: %w", s.parameterName(scope, name), store.ClassifyAWSError(err))
	}
	return nil
}

// Update overwrites the parameter. SSM creates it when missing, so Update
// never reports not found.
func (s *SSMVariables) Update(ctx context.Context, scope Scope, name, value string) error {
	return s.put(ctx, scope, name, value, true)
}

// Create fails with store.ErrConflict when the parameter exists.
func (s *SSMVariables) Create(ctx context.Context, scope Scope, name, value string) error {
	return s.put(ctx, scope, name, value, false)
}

func (s *SSMVariables) Delete(ctx context.Context, scope Scope, name string) error {
	_, err := s.client.DeleteParameter(ctx, &ssm.DeleteParameterInput{Name: aws.String(s.parameterName(scope, name))})
	if err != nil {
		return fmt.Errorf("delete parameter %s: %w", s.parameterName(scope, name), store.ClassifyAWSError(err))
	}
	return nil
}

func (s *SSMVariables) List(ctx context.Context, scope Scope) (map[string]string, error) {
	out := make(map[string]string)
	paginator := ssm.NewGetParametersByPathPaginator(s.client, &ssm.GetParametersByPathInput{
		Path:           aws.String(s.scopePath(scope)),
		Recursive:      aws.Bool(false),
		WithDecryption: aws.Bool(true),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list parameters under %s: %w", s.scopePath(scope), store.ClassifyAWSError(err))
		}
		for _, p := range page.Parameters {
			out[path.Base(aws.ToString(p.Name))] = aws.ToString(p.Value)
		}
	}
	return out, nil
}

func (s *SSMVariables) MaxValueSize() int {
	if s.advanced {
		return ssmAdvancedMaxSize
	}
	return ssmStandardMaxSize
}

// CheckAccess reads one page of the scope path. IAM write permission cannot be
// checked without writing, so a readable path is treated as available.
func (s *SSMVariables) CheckAccess(ctx context.Context, scope Scope) error {
	_, err := s.client.GetParametersByPath(ctx, &ssm.GetParametersByPathInput{
		Path:       aws.String(s.scopePath(scope)),
		MaxResults: aws.Int32(1),
	})
	if err != nil {
		return fmt.Errorf("check access %s: %w", s.scopePath(scope), store.ClassifyAWSError(err))
	}
	return nil
}

var _ VariableClient = (*SSMVariables)(nil)
