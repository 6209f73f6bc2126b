// Package lambdaboot turns a loaded config into live state backends.
//
// Both the album-state CLI and the state Lambda need some subset of: AWS
// config, an SSM-sourced GitHub token, a GitHub client, and one adapter per
// configured backend. Clients are created lazily so a memory or GitHub-only
// run never touches AWS.
package lambdaboot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"github.com/fpang/album-poster/internal/config"
	"github.com/fpang/album-poster/internal/github"
	"github.com/fpang/album-poster/internal/logging"
	"github.com/fpang/album-poster/internal/statemanager"
	"github.com/fpang/album-poster/internal/store"
	"github.com/fpang/album-poster/internal/store/filestate"
	"github.com/fpang/album-poster/internal/store/varstate"
)

// ParameterAPI is the SSM subset needed to read a secret.
type ParameterAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// LoadGitHubToken returns GITHUB_TOKEN when set, otherwise the decrypted
// SecureString at param. Only the parameter path is logged.
func LoadGitHubToken(ctx context.Context, client ParameterAPI, param string) (string, error) {
	if tok := os.Getenv("GITHUB_TOKEN"); tok != "" {
		return tok, nil
	}
	if client == nil {
		return "", errors.New("GITHUB_TOKEN not set and no SSM client available")
	}
	if param == "" {
		param = config.DefaultTokenParam
	}
	ssmStart := time.Now()
	result, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &param,
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("read GitHub token from SSM %s: %w", param, err)
	}
	if result.Parameter == nil || aws.ToString(result.Parameter.Value) == "" {
		return "", fmt.Errorf("SSM parameter %s is empty", param)
	}
	log.Debug().Str("param", param).Dur("elapsed", time.Since(ssmStart)).Msg("GitHub token loaded from SSM")
	return aws.ToString(result.Parameter.Value), nil
}

// Opener builds adapters for the backends named in a config, sharing one
// GitHub client and one AWS config between them.
type Opener struct {
	cfg *config.Config

	awsCfg    *aws.Config
	ssmClient *ssm.Client
	gh        *github.Client
	ghOpts    []github.Option
}

// OpenerOption configures an Opener.
type OpenerOption func(*Opener)

// WithAWSConfig supplies a preloaded AWS config instead of the default chain.
func WithAWSConfig(cfg aws.Config) OpenerOption {
	return func(o *Opener) { o.awsCfg = &cfg }
}

// WithGitHubOptions passes options to the GitHub client, e.g. a test HTTP client.
func WithGitHubOptions(opts ...github.Option) OpenerOption {
	return func(o *Opener) { o.ghOpts = append(o.ghOpts, opts...) }
}

// NewOpener creates an opener for cfg. cfg must already be validated.
func NewOpener(cfg *config.Config, opts ...OpenerOption) *Opener {
	o := &Opener{cfg: cfg}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// AWS loads the default AWS config on first use.
func (o *Opener) AWS(ctx context.Context) (aws.Config, error) {
	if o.awsCfg != nil {
		return *o.awsCfg, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load AWS config: %w", err)
	}
	log.Debug().Str("region", cfg.Region).Msg("AWS config loaded")
	o.awsCfg = &cfg
	return cfg, nil
}

func (o *Opener) ssmAPI(ctx context.Context) (*ssm.Client, error) {
	if o.ssmClient != nil {
		return o.ssmClient, nil
	}
	cfg, err := o.AWS(ctx)
	if err != nil {
		return nil, err
	}
	o.ssmClient = ssm.NewFromConfig(cfg)
	return o.ssmClient, nil
}

// GitHub returns the repository client, loading the token on first use.
func (o *Opener) GitHub(ctx context.Context) (*github.Client, error) {
	if o.gh != nil {
		return o.gh, nil
	}
	var params ParameterAPI
	if os.Getenv("GITHUB_TOKEN") == "" {
		client, err := o.ssmAPI(ctx)
		if err != nil {
			return nil, fmt.Errorf("GITHUB_TOKEN not set: %w", err)
		}
		params = client
	}
	token, err := LoadGitHubToken(ctx, params, o.cfg.GitHub.TokenParam)
	if err != nil {
		return nil, err
	}
	opts := o.ghOpts
	if o.cfg.GitHub.APIURL != "" {
		opts = append([]github.Option{github.WithBaseURL(o.cfg.GitHub.APIURL)}, opts...)
	}
	client, err := github.NewClient(token, o.cfg.GitHub.Repository, opts...)
	if err != nil {
		return nil, err
	}
	log.Info().Str("repository", client.Repository()).Msg("GitHub client initialized")
	o.gh = client
	return client, nil
}

// Open returns the adapter for one backend.
func (o *Opener) Open(ctx context.Context, b config.Backend) (store.Adapter, error) {
	timeout := o.cfg.RequestTimeout
	switch b {
	case config.BackendMemory:
		log.Warn().Msg("Memory backend selected, state is lost when the process exits")
		return store.NewMemoryAdapter(), nil

	case config.BackendFileGitHub:
		client, err := o.GitHub(ctx)
		if err != nil {
			return nil, err
		}
		tree := filestate.NewGitHubTree(client, o.cfg.GitHub.Branch, o.cfg.GitHub.BaseBranch)
		return filestate.New(tree, filestate.WithTimeout(timeout)), nil

	case config.BackendFileS3:
		cfg, err := o.AWS(ctx)
		if err != nil {
			return nil, err
		}
		tree := filestate.NewS3Tree(s3.NewFromConfig(cfg), o.cfg.S3.Bucket, o.cfg.S3.Prefix, o.cfg.GitHub.Branch)
		return filestate.New(tree, filestate.WithTimeout(timeout)), nil

	case config.BackendVariablesGitHub, config.BackendVariablesSSM:
		return o.OpenLegacy(ctx, b)

	case config.BackendDynamo:
		cfg, err := o.AWS(ctx)
		if err != nil {
			return nil, err
		}
		return store.NewDynamoAdapter(dynamodb.NewFromConfig(cfg), o.cfg.Dynamo.Table, timeout), nil
	}
	return nil, fmt.Errorf("unknown backend %q", b)
}

// OpenLegacy returns the key/value variable adapter for b, which must be one
// of the variables backends. The migration tool needs the concrete type.
func (o *Opener) OpenLegacy(ctx context.Context, b config.Backend) (*varstate.Adapter, error) {
	var client varstate.VariableClient
	switch b {
	case config.BackendVariablesGitHub:
		gh, err := o.GitHub(ctx)
		if err != nil {
			return nil, err
		}
		client = varstate.NewGitHubVariables(gh)
	case config.BackendVariablesSSM:
		ssmClient, err := o.ssmAPI(ctx)
		if err != nil {
			return nil, err
		}
		client = varstate.NewSSMVariables(ssmClient, o.cfg.SSM.Prefix, o.cfg.SSM.Advanced)
	default:
		return nil, fmt.Errorf("%q is not a variables backend", b)
	}
	return varstate.New(client, o.cfg.GitHub.Environment, varstate.WithTimeout(o.cfg.RequestTimeout)), nil
}

// OpenAll opens the configured primary backend and, when set, the secondary.
func (o *Opener) OpenAll(ctx context.Context) (primary, secondary store.Adapter, err error) {
	primary, err = o.Open(ctx, o.cfg.Backend)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s backend: %w", o.cfg.Backend, err)
	}
	if o.cfg.Secondary != "" {
		secondary, err = o.Open(ctx, o.cfg.Secondary)
		if err != nil {
			return nil, nil, fmt.Errorf("open %s backend: %w", o.cfg.Secondary, err)
		}
	}
	return primary, secondary, nil
}

// ManagerOptions returns the state manager options implied by the config.
func (o *Opener) ManagerOptions(secondary store.Adapter, runID string) []statemanager.Option {
	opts := []statemanager.Option{
		statemanager.WithMaxWriteAttempts(o.cfg.MaxWriteAttempts),
		statemanager.WithWorkflowRunID(runID),
	}
	if secondary != nil {
		opts = append(opts, statemanager.WithDualWrite(secondary))
	}
	return opts
}

// Manager opens the configured backends and returns a state manager for the
// configured album.
func (o *Opener) Manager(ctx context.Context, runID string) (*statemanager.Manager, error) {
	key, err := o.cfg.Key()
	if err != nil {
		return nil, err
	}
	primary, secondary, err := o.OpenAll(ctx)
	if err != nil {
		return nil, err
	}
	return statemanager.New(primary, key, o.ManagerOptions(secondary, runID)...)
}

// Describe registers the configured backends and resources with a startup logger.
func (o *Opener) Describe(sl *logging.StartupLogger) *logging.StartupLogger {
	sl.Backend("primary", string(o.cfg.Backend))
	if o.cfg.Secondary != "" {
		sl.Backend("secondary", string(o.cfg.Secondary))
	}
	if o.cfg.UsesGitHub() {
		sl.Repository("state", o.cfg.GitHub.Repository)
		if os.Getenv("GITHUB_TOKEN") == "" {
			sl.SSMParam("githubToken", o.cfg.GitHub.TokenParam)
		}
	}
	for _, b := range []config.Backend{o.cfg.Backend, o.cfg.Secondary} {
		switch b {
		case config.BackendFileS3:
			sl.S3Bucket("state", o.cfg.S3.Bucket)
		case config.BackendDynamo:
			sl.DynamoTable("state", o.cfg.Dynamo.Table)
		case config.BackendVariablesSSM:
			sl.SSMParam("variables", o.cfg.SSM.Prefix)
		}
	}
	return sl.
		Feature("dualWrite", o.cfg.Secondary != "").
		Config("account", o.cfg.Account).
		Config("albumId", o.cfg.AlbumID).
		Config("requestTimeout", o.cfg.RequestTimeout.String())
}

// StartupLog is a convenience wrapper for the startup logger.
func StartupLog(name string, initStart time.Time) *logging.StartupLogger {
	return logging.NewStartupLogger(name).InitDuration(time.Since(initStart))
}
