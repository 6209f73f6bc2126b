package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/album-poster/internal/config"
	"github.com/fpang/album-poster/internal/migration"
	"github.com/fpang/album-poster/internal/store"
)

func (a *app) migrateCmd() *cobra.Command {
	var legacy string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Move state from the legacy variables backend to --backend",
		Long: `Migration runs in four phases, each safe to repeat:

  analyze   survey the legacy variables, read only
  run       import every album into --backend (merge, never overwrite)
  validate  compare posted and unresolved positions on both sides
  cleanup   back up the legacy variables, then delete them with --confirm

Run with --secondary-backend set to the legacy backend during the
transition so both sides keep receiving writes.`,
	}
	cmd.PersistentFlags().StringVar(&legacy, "legacy", string(config.BackendVariablesGitHub), "Legacy backend: variables-github or variables-ssm")

	cmd.AddCommand(
		a.migrateAnalyzeCmd(&legacy),
		a.migrateRunCmd(&legacy),
		a.migrateValidateCmd(&legacy),
		a.migrateCleanupCmd(&legacy),
	)
	return cmd
}

// tool opens the legacy store and, when withTarget is set, the configured
// backend.
func (a *app) tool(ctx context.Context, legacyName string, withTarget bool) (*migration.Tool, error) {
	lb := config.Backend(legacyName)
	if lb != config.BackendVariablesGitHub && lb != config.BackendVariablesSSM {
		return nil, fmt.Errorf("--legacy must be %s or %s, got %q", config.BackendVariablesGitHub, config.BackendVariablesSSM, legacyName)
	}
	legacy, err := a.openLegacy(ctx, lb)
	if err != nil {
		return nil, fmt.Errorf("open legacy %s: %w", lb, err)
	}
	var target store.Adapter
	if withTarget {
		if a.cfg.Backend == lb {
			return nil, fmt.Errorf("--backend must differ from the legacy backend %s", lb)
		}
		target, err = a.openTarget(ctx, a.cfg.Backend)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", a.cfg.Backend, err)
		}
	}
	log.Info().
		Str("legacy", legacy.Name()).
		Str("target", string(a.cfg.Backend)).
		Bool("withTarget", withTarget).
		Msg("Migration tool ready")
	return migration.New(legacy, target, a.cfg.ParseOptions()), nil
}

func (a *app) migrateAnalyzeCmd(legacy *string) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze",
		Short: "Survey the legacy variables without changing anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := a.tool(cmd.Context(), *legacy, false)
			if err != nil {
				return err
			}
			analysis, err := t.Analyze(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.printJSON(analysis); err != nil {
				return err
			}
			if !analysis.Ready() {
				return &exitCode{code: exitError, err: fmt.Errorf("legacy state needs attention before migrating")}
			}
			return nil
		},
	}
}

func (a *app) migrateRunCmd(legacy *string) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Import every legacy album into --backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := a.tool(cmd.Context(), *legacy, true)
			if err != nil {
				return err
			}
			report, err := t.Migrate(cmd.Context(), migration.Options{DryRun: dryRun})
			if err != nil {
				return err
			}
			if err := a.printJSON(report); err != nil {
				return err
			}
			if !report.Succeeded() {
				return &exitCode{code: exitError, err: fmt.Errorf("%d album(s) failed to migrate", len(report.Errors))}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Parse and report without writing")
	return cmd
}

func (a *app) migrateValidateCmd(legacy *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Compare legacy and migrated state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := a.tool(cmd.Context(), *legacy, true)
			if err != nil {
				return err
			}
			v, err := t.Validate(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.printJSON(v); err != nil {
				return err
			}
			if !v.Passed() {
				return &exitCode{code: exitError, err: fmt.Errorf("%d discrepancies found", len(v.Discrepancies)+len(v.Errors))}
			}
			return nil
		},
	}
}

func (a *app) migrateCleanupCmd(legacy *string) *cobra.Command {
	var (
		backupDir string
		confirm   bool
	)
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Back up the legacy variables and delete them with --confirm",
		Long: `Write a zstd-compressed JSON backup of every legacy state variable. Without
--confirm nothing is deleted. Run "migrate validate" first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := a.tool(cmd.Context(), *legacy, false)
			if err != nil {
				return err
			}
			dir := backupDir
			if dir == "" {
				dir = a.cfg.BackupDir
			}
			dir, err = config.ExpandPath(dir)
			if err != nil {
				return err
			}
			report, err := t.Cleanup(cmd.Context(), migration.CleanupOptions{
				BackupDir: dir,
				DryRun:    !confirm,
				Confirm:   confirm,
			})
			if err != nil {
				return err
			}
			if err := a.printJSON(report); err != nil {
				return err
			}
			if len(report.Errors) > 0 {
				return &exitCode{code: exitError, err: fmt.Errorf("%d variable(s) could not be deleted", len(report.Errors))}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&backupDir, "backup-dir", "", "Directory for the backup file (default backup_dir from config)")
	cmd.Flags().BoolVar(&confirm, "confirm", false, "Delete the variables after the backup is written")
	return cmd
}
