// Command album-state reads and records album posting state from CI
// workflows and operator shells. Command output is JSON on stdout; logs and
// metrics go to stderr.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/album-poster/internal/config"
	"github.com/fpang/album-poster/internal/jobs"
	"github.com/fpang/album-poster/internal/lambdaboot"
	"github.com/fpang/album-poster/internal/logging"
	"github.com/fpang/album-poster/internal/migration"
	"github.com/fpang/album-poster/internal/statemanager"
	"github.com/fpang/album-poster/internal/store"
)

// Exit codes.
const (
	exitError    = 1
	exitCritical = 2
)

// exitCode carries a non-default exit status out of a command.
type exitCode struct {
	code int
	err  error
}

func (e *exitCode) Error() string { return e.err.Error() }
func (e *exitCode) Unwrap() error { return e.err }

// app holds the state shared by every subcommand.
type app struct {
	stdout io.Writer
	stderr io.Writer

	configPath string
	account    string
	albumID    string
	backend    string
	secondary  string
	logLevel   string

	cfg    *config.Config
	opener *lambdaboot.Opener
	runID  string

	// Overridable in tests.
	openAll    func(ctx context.Context) (primary, secondary store.Adapter, err error)
	openTarget func(ctx context.Context, b config.Backend) (store.Adapter, error)
	openLegacy func(ctx context.Context, b config.Backend) (migration.LegacyStore, error)
}

func newRootCmd(stdout, stderr io.Writer) (*cobra.Command, *app) {
	a := &app{stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:   "album-state",
		Short: "Posting state for album-to-Instagram automation",
		Long: `album-state tracks which album items were posted, which failed and which
to post next. State lives in one of several backends: versioned JSON files
on a GitHub branch or in S3, GitHub or SSM variables (legacy), or DynamoDB.

Examples:
  album-state next --items listing.json
  album-state record --position 7 --item-id abc --target-post-id 1789
  album-state record --position 8 --item-id def --error "rate limited"
  album-state stats --total 120
  album-state migrate analyze --legacy variables-github --backend file-github`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "Config file (default $POSTER_CONFIG or ~/.config/album-poster/config.yaml)")
	pf.StringVarP(&a.account, "account", "a", "", "Account the album is posted to")
	pf.StringVar(&a.albumID, "album-id", "", "Source album ID")
	pf.StringVarP(&a.backend, "backend", "b", "", "State backend: file-github, file-s3, variables-github, variables-ssm, dynamodb, memory")
	pf.StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn, error (default $POSTER_LOG_LEVEL or info)")
	pf.StringVar(&a.secondary, "secondary-backend", "", "Also write to this backend, falling back to it when the primary fails")

	root.AddCommand(
		a.nextCmd(),
		a.beginCmd(),
		a.recordCmd(),
		a.completeCmd(),
		a.statsCmd(),
		a.dumpCmd(),
		a.migrateCmd(),
		a.serveCmd(),
		versionCmd(stdout),
	)
	return root, a
}

// setup loads config once flags are parsed. Flags win over the environment
// and the config file.
func (a *app) setup(cmd *cobra.Command, args []string) error {
	level := a.logLevel
	if level == "" {
		level = os.Getenv("POSTER_LOG_LEVEL")
	}
	logging.InitWith(level, os.Getenv("POSTER_LOG_FORMAT"), a.stderr)
	if cmd.Name() == "version" {
		return nil
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.account != "" {
		cfg.Account = a.account
	}
	if a.albumID != "" {
		cfg.AlbumID = a.albumID
	}
	if a.backend != "" {
		cfg.Backend = config.Backend(a.backend)
	}
	if a.secondary != "" {
		cfg.Secondary = config.Backend(a.secondary)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	a.cfg = cfg
	a.opener = lambdaboot.NewOpener(cfg)
	if a.openAll == nil {
		a.openAll = a.opener.OpenAll
	}
	if a.openTarget == nil {
		a.openTarget = a.opener.Open
	}
	if a.openLegacy == nil {
		a.openLegacy = func(ctx context.Context, b config.Backend) (migration.LegacyStore, error) {
			legacy, err := a.opener.OpenLegacy(ctx, b)
			if err != nil {
				return nil, err
			}
			return legacy, nil
		}
	}
	a.runID = jobs.NewWorkflowRunID()
	log.Debug().
		Str("command", cmd.CommandPath()).
		Str("backend", string(cfg.Backend)).
		Str("runId", a.runID).
		Msg("Configuration loaded")
	return nil
}

func (a *app) manager(ctx context.Context) (*statemanager.Manager, error) {
	initStart := time.Now()
	key, err := a.cfg.Key()
	if err != nil {
		return nil, err
	}
	primary, secondary, err := a.openAll(ctx)
	if err != nil {
		return nil, err
	}
	m, err := statemanager.New(primary, key, a.opener.ManagerOptions(secondary, a.runID)...)
	if err != nil {
		return nil, err
	}
	a.opener.Describe(lambdaboot.StartupLog("album-state", initStart).CommitHash(commitHash)).
		Config("workflowRunId", a.runID).
		Log()
	return m, nil
}

func (a *app) printJSON(v interface{}) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root, _ := newRootCmd(os.Stdout, os.Stderr)
	err := root.ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	var ec *exitCode
	if errors.As(err, &ec) {
		os.Exit(ec.code)
	}
	os.Exit(exitError)
}
