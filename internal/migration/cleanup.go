package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"

	"github.com/fpang/album-poster/internal/store/varstate"
)

// ErrNotConfirmed is returned by Cleanup when deletion was requested without
// the confirmation flag.
var ErrNotConfirmed = errors.New("cleanup requires explicit confirmation")

// backupTimeFormat is used in backup file names.
const backupTimeFormat = "20060102T150405Z"

// CleanupOptions controls Cleanup. Variables are deleted only when DryRun is
// false and Confirm is true.
type CleanupOptions struct {
	BackupDir string
	DryRun    bool
	Confirm   bool
}

// Backup is the content of a cleanup backup file.
type Backup struct {
	CreatedAt time.Time         `json:"created_at"`
	Backend   string            `json:"backend"`
	Variables map[string]string `json:"variables"`
}

// CleanupReport is the result of Cleanup.
type CleanupReport struct {
	BackupPath string   `json:"backup_path"`
	Variables  []string `json:"variables"`
	Deleted    []string `json:"deleted,omitempty"`
	Errors     []string `json:"errors,omitempty"`
	DryRun     bool     `json:"dry_run"`
}

// Cleanup backs up every state variable of the legacy store to a
// zstd-compressed, timestamped JSON file and then, only when confirmed,
// deletes them. The backup is written in dry-run mode too. Variables that do
// not follow the state naming convention are left alone.
func (t *Tool) Cleanup(ctx context.Context, opts CleanupOptions) (*CleanupReport, error) {
	if !opts.DryRun && !opts.Confirm {
		return nil, ErrNotConfirmed
	}
	if opts.BackupDir == "" {
		return nil, errors.New("cleanup requires a backup directory")
	}

	snapshot, err := t.legacy.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", t.legacy.Name(), err)
	}
	vars := make(map[string]string)
	for name, value := range snapshot {
		if _, ok := varstate.ParseVariableName(name); ok {
			vars[name] = value
		}
	}
	report := &CleanupReport{DryRun: opts.DryRun}
	for name := range vars {
		report.Variables = append(report.Variables, name)
	}
	sort.Strings(report.Variables)

	now := t.now()
	path, err := WriteBackup(opts.BackupDir, &Backup{CreatedAt: now, Backend: t.legacy.Name(), Variables: vars})
	if err != nil {
		return nil, err
	}
	report.BackupPath = path
	log.Info().
		Str("path", path).
		Int("variables", len(vars)).
		Msg("Legacy variables backed up")

	if opts.DryRun {
		log.Info().Int("variables", len(vars)).Msg("Dry run, nothing deleted")
		return report, nil
	}

	for _, name := range report.Variables {
		if err := t.legacy.DeleteVariable(ctx, name); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", name, err))
			log.Error().Err(err).Str("variable", name).Msg("Failed to delete legacy variable")
			continue
		}
		report.Deleted = append(report.Deleted, name)
	}
	log.Info().
		Int("deleted", len(report.Deleted)).
		Int("errors", len(report.Errors)).
		Msg("Legacy cleanup finished")
	return report, nil
}

// WriteBackup stores b as legacy-variables-<timestamp>.json.zst in dir and
// returns the file path. An existing file is never overwritten.
func WriteBackup(dir string, b *Backup) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	path := filepath.Join(dir, "legacy-variables-"+b.CreatedAt.UTC().Format(backupTimeFormat)+".json.zst")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("create backup: %w", err)
	}

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(12)))
	if err != nil {
		f.Close()
		return "", fmt.Errorf("zstd writer: %w", err)
	}
	if err := json.NewEncoder(enc).Encode(b); err != nil {
		enc.Close()
		f.Close()
		return "", fmt.Errorf("encode backup: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return "", fmt.Errorf("flush backup: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close backup: %w", err)
	}
	return path, nil
}

// ReadBackup decodes a backup written by Cleanup.
func ReadBackup(path string) (*Backup, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decodeBackup(f)
}

func decodeBackup(r io.Reader) (*Backup, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()
	var b Backup
	if err := json.NewDecoder(dec).Decode(&b); err != nil {
		return nil, fmt.Errorf("decode backup: %w", err)
	}
	return &b, nil
}

// Restore writes every variable of b back through the legacy client. Used
// to undo a cleanup.
func Restore(ctx context.Context, client varstate.VariableClient, scope varstate.Scope, b *Backup) error {
	var errs []error
	names := make([]string, 0, len(b.Variables))
	for name := range b.Variables {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		value := b.Variables[name]
		err := client.Create(ctx, scope, name, value)
		if err != nil {
			err = client.Update(ctx, scope, name, value)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	log.Info().Int("variables", len(names)).Int("errors", len(errs)).Msg("Legacy variables restored")
	return errors.Join(errs...)
}
