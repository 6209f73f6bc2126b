// Package config loads album-poster settings from an optional YAML file and
// the environment. Environment variables win over the file so CI workflows
// and Lambda functions can override a checked-in config.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fpang/album-poster/internal/store"
	"github.com/fpang/album-poster/internal/store/varstate"
)

// Backend names a storage backend.
type Backend string

const (
	BackendFileGitHub      Backend = "file-github"
	BackendFileS3          Backend = "file-s3"
	BackendVariablesGitHub Backend = "variables-github"
	BackendVariablesSSM    Backend = "variables-ssm"
	BackendDynamo          Backend = "dynamodb"
	BackendMemory          Backend = "memory"
)

// Backends lists every supported backend.
var Backends = []Backend{BackendFileGitHub, BackendFileS3, BackendVariablesGitHub, BackendVariablesSSM, BackendDynamo, BackendMemory}

func (b Backend) valid() bool {
	for _, known := range Backends {
		if b == known {
			return true
		}
	}
	return false
}

// NeedsGitHub reports whether the backend talks to the GitHub API.
func (b Backend) NeedsGitHub() bool {
	return b == BackendFileGitHub || b == BackendVariablesGitHub
}

// Defaults.
const (
	DefaultRequestTimeout   = 15 * time.Second
	DefaultMaxWriteAttempts = 3
	DefaultStateBranch      = "automation-state"
	DefaultBaseBranch       = "main"
	DefaultSSMPrefix        = "/album-poster"
	DefaultTokenParam       = "/album-poster/prod/github-token"
)

// Config is the full set of settings.
type Config struct {
	Account string `yaml:"account"`
	AlbumID string `yaml:"album_id"`

	Backend   Backend `yaml:"backend"`
	Secondary Backend `yaml:"secondary_backend"`

	GitHub GitHubConfig `yaml:"github"`
	S3     S3Config     `yaml:"s3"`
	SSM    SSMConfig    `yaml:"ssm"`
	Dynamo DynamoConfig `yaml:"dynamodb"`

	RequestTimeout   time.Duration `yaml:"request_timeout"`
	MaxWriteAttempts int           `yaml:"max_write_attempts"`

	// Accounts maps a variable-name scope prefix to its account name.
	Accounts map[string]string `yaml:"accounts"`
	// AlbumIDs maps a sanitized album suffix to the real album ID.
	AlbumIDs map[string]string `yaml:"album_ids"`

	BackupDir string `yaml:"backup_dir"`
}

// GitHubConfig holds repository settings shared by both GitHub backends.
type GitHubConfig struct {
	Repository  string `yaml:"repository"`
	Branch      string `yaml:"branch"`
	BaseBranch  string `yaml:"base_branch"`
	Environment string `yaml:"environment"`
	APIURL      string `yaml:"api_url"`
	TokenParam  string `yaml:"token_param"`
}

// S3Config locates the versioned-file bucket.
type S3Config struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

// SSMConfig locates the parameter-store variables.
type SSMConfig struct {
	Prefix   string `yaml:"prefix"`
	Advanced bool   `yaml:"advanced"`
}

// DynamoConfig names the state table.
type DynamoConfig struct {
	Table string `yaml:"table"`
}

// Default returns a config with every default applied.
func Default() *Config {
	return &Config{
		Backend: BackendFileGitHub,
		GitHub: GitHubConfig{
			Branch:     DefaultStateBranch,
			BaseBranch: DefaultBaseBranch,
			TokenParam: DefaultTokenParam,
		},
		SSM:              SSMConfig{Prefix: DefaultSSMPrefix},
		RequestTimeout:   DefaultRequestTimeout,
		MaxWriteAttempts: DefaultMaxWriteAttempts,
		BackupDir:        ".",
	}
}

// DefaultPath returns ~/.config/album-poster/config.yaml, honouring
// XDG_CONFIG_HOME.
func DefaultPath() (string, error) {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "album-poster", "config.yaml"), nil
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, path[2:]), nil
}

// Load reads path (or POSTER_CONFIG, or the default path), then applies
// environment overrides. A missing file is only an error when the path was
// given explicitly. Callers apply their own overrides and then call Validate.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		if env := os.Getenv("POSTER_CONFIG"); env != "" {
			path, explicit = env, true
		}
	}
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	cfg := Default()
	if err := cfg.readFile(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			// No config file; environment only.
		} else {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	path, err := ExpandPath(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func (c *Config) applyEnv() error {
	setString(&c.Account, "POSTER_ACCOUNT")
	setString(&c.AlbumID, "POSTER_ALBUM_ID")
	if v := os.Getenv("POSTER_BACKEND"); v != "" {
		c.Backend = Backend(v)
	}
	if v := os.Getenv("POSTER_SECONDARY_BACKEND"); v != "" {
		c.Secondary = Backend(v)
	}
	setString(&c.GitHub.Repository, "GITHUB_REPOSITORY")
	setString(&c.GitHub.Branch, "POSTER_STATE_BRANCH")
	setString(&c.GitHub.Environment, "POSTER_GITHUB_ENVIRONMENT")
	setString(&c.GitHub.APIURL, "GITHUB_API_URL")
	setString(&c.GitHub.TokenParam, "SSM_GITHUB_TOKEN_PARAM")
	setString(&c.S3.Bucket, "POSTER_S3_BUCKET")
	setString(&c.S3.Prefix, "POSTER_S3_PREFIX")
	setString(&c.SSM.Prefix, "POSTER_SSM_PREFIX")
	setString(&c.Dynamo.Table, "POSTER_DYNAMO_TABLE")
	setString(&c.BackupDir, "POSTER_BACKUP_DIR")

	if v := os.Getenv("POSTER_REQUEST_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("POSTER_REQUEST_TIMEOUT: %w", err)
		}
		c.RequestTimeout = d
	}
	if v := os.Getenv("POSTER_MAX_WRITE_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("POSTER_MAX_WRITE_ATTEMPTS: %w", err)
		}
		c.MaxWriteAttempts = n
	}
	return nil
}

// Validate checks that the selected backends have what they need.
func (c *Config) Validate() error {
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.MaxWriteAttempts <= 0 {
		return fmt.Errorf("max_write_attempts must be positive, got %d", c.MaxWriteAttempts)
	}
	if err := c.validateBackend(c.Backend); err != nil {
		return fmt.Errorf("backend: %w", err)
	}
	if c.Secondary != "" {
		if c.Secondary == c.Backend {
			return fmt.Errorf("secondary_backend must differ from backend %q", c.Backend)
		}
		if err := c.validateBackend(c.Secondary); err != nil {
			return fmt.Errorf("secondary_backend: %w", err)
		}
	}
	return nil
}

func (c *Config) validateBackend(b Backend) error {
	if !b.valid() {
		return fmt.Errorf("unknown backend %q", b)
	}
	switch b {
	case BackendFileGitHub, BackendVariablesGitHub:
		if c.GitHub.Repository == "" {
			return fmt.Errorf("%s requires github.repository (or GITHUB_REPOSITORY)", b)
		}
	case BackendFileS3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("%s requires s3.bucket", b)
		}
	case BackendVariablesSSM:
		if c.SSM.Prefix == "" {
			return fmt.Errorf("%s requires ssm.prefix", b)
		}
	case BackendDynamo:
		if c.Dynamo.Table == "" {
			return fmt.Errorf("%s requires dynamodb.table", b)
		}
	}
	return nil
}

// Key returns the configured album key.
func (c *Config) Key() (store.Key, error) {
	key := store.Key{Account: c.Account, AlbumID: c.AlbumID}
	return key, key.Validate()
}

// ParseOptions returns the legacy-name resolution settings.
func (c *Config) ParseOptions() varstate.ParseOptions {
	return varstate.ParseOptions{Accounts: c.Accounts, AlbumIDs: c.AlbumIDs}
}

// UsesGitHub reports whether either configured backend needs a GitHub token.
func (c *Config) UsesGitHub() bool {
	return c.Backend.NeedsGitHub() || c.Secondary.NeedsGitHub()
}

// UsesAWS reports whether either configured backend needs AWS credentials.
func (c *Config) UsesAWS() bool {
	for _, b := range []Backend{c.Backend, c.Secondary} {
		switch b {
		case BackendFileS3, BackendVariablesSSM, BackendDynamo:
			return true
		}
	}
	return false
}
