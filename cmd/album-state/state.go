package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/fpang/album-poster/internal/metrics"
	"github.com/fpang/album-poster/internal/statemanager"
	"github.com/fpang/album-poster/internal/store"
)

// readItems loads an album listing: either a JSON array of items or an
// object with an "items" array. When no item carries a position, positions
// follow list order starting at 1.
func readItems(path string, stdin io.Reader) ([]store.Item, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read items: %w", err)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("read items: %s is not valid JSON", path)
	}
	raw := data
	if list := gjson.GetBytes(data, "items"); list.IsArray() {
		raw = []byte(list.Raw)
	}
	var items []store.Item
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("read items: %w", err)
	}
	numbered := false
	for _, it := range items {
		numbered = numbered || it.Position != 0
	}
	if !numbered {
		for i := range items {
			items[i].Position = i + 1
		}
	}
	return items, nil
}

func (a *app) nextCmd() *cobra.Command {
	var (
		itemsPath      string
		includeDryRuns bool
	)
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Print the next item to post, or null when nothing is left",
		Long: `Print the next item to post, or null when nothing is selectable. "complete"
is true once the last posted position reaches the listing's highest position.
Exits 2 when an item is selected but the state backend cannot take writes,
so a publish could not be recorded.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := readItems(itemsPath, cmd.InOrStdin())
			if err != nil {
				return err
			}
			m, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			next, err := m.NextItemToPost(cmd.Context(), items, includeDryRuns)
			if err != nil {
				return err
			}
			complete, err := m.IsAlbumComplete(cmd.Context(), store.ListingTotal(items))
			if err != nil {
				return err
			}
			writable := m.IsAvailable(cmd.Context())
			if err := a.printJSON(struct {
				Item     *store.Item `json:"item"`
				Complete bool        `json:"complete"`
				Writable bool        `json:"writable"`
			}{next, complete, writable}); err != nil {
				return err
			}
			if next != nil && !writable && !includeDryRuns {
				return &exitCode{code: exitCritical, err: fmt.Errorf("state backend %s is not writable, refusing to publish position %d", m.Adapter().Name(), next.Position)}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&itemsPath, "items", "i", "-", "Album listing JSON file, - for stdin")
	cmd.Flags().BoolVar(&includeDryRuns, "include-dry-runs", false, "Treat dry-run records as progress")
	return cmd
}

type itemFlags struct {
	position int
	id       string
	title    string
	dryRun   bool
}

func (f *itemFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&f.position, "position", "p", 0, "1-based position of the item in the album")
	cmd.Flags().StringVar(&f.id, "item-id", "", "Source item ID")
	cmd.Flags().StringVar(&f.title, "title", "", "Item title")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "Record as a dry run")
	_ = cmd.MarkFlagRequired("position")
}

func (f *itemFlags) item() store.Item {
	return store.Item{ID: f.id, Title: f.title, Position: f.position}
}

// finish prints res and maps its severity to the exit status.
func (a *app) finish(res statemanager.Result) error {
	if err := a.printJSON(res); err != nil {
		return err
	}
	if res.Critical() {
		return &exitCode{code: exitCritical, err: fmt.Errorf("critical state write failure at position %d: %w", res.Position, res.Err)}
	}
	return nil
}

func (a *app) beginCmd() *cobra.Command {
	var f itemFlags
	cmd := &cobra.Command{
		Use:   "begin",
		Short: "Record that an item is about to be published",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			return a.finish(m.BeginAttempt(cmd.Context(), f.item(), f.dryRun))
		},
	}
	f.register(cmd)
	return cmd
}

func (a *app) recordCmd() *cobra.Command {
	var (
		f        itemFlags
		targetID string
		errMsg   string
		total    int
	)
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record the outcome of a publish attempt",
		Long: `Record the outcome of a publish attempt. Pass --target-post-id for a
successful publish or --error for a failure. Exits 2 when the evidence of the
outcome may have been lost; the workflow must stop publishing then.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if targetID != "" && errMsg != "" {
				return errors.New("--target-post-id and --error are mutually exclusive")
			}
			m, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			res := m.RecordOutcome(cmd.Context(), f.item(), statemanager.Outcome{
				TargetPostID: targetID,
				ErrorMessage: errMsg,
				IsDryRun:     f.dryRun,
				TotalItems:   total,
			})
			outcome := metrics.OutcomeFailed
			switch {
			case f.dryRun:
				outcome = metrics.OutcomeDryRun
			case targetID != "":
				outcome = metrics.OutcomePosted
			}
			metrics.EmitOutcome(a.stderr, metrics.OutcomeEvent{
				Key:      m.Key(),
				Backend:  m.Adapter().Name(),
				Outcome:  outcome,
				Result:   res,
				RunID:    a.runID,
				Position: f.position,
			})
			return a.finish(res)
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&targetID, "target-post-id", "", "ID of the published post")
	cmd.Flags().StringVar(&errMsg, "error", "", "Error message of a failed attempt")
	cmd.Flags().IntVar(&total, "total", 0, "Number of items in the album (0 keeps the stored total)")
	return cmd
}

func (a *app) completeCmd() *cobra.Command {
	var total int
	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Report whether every item of the album is posted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			done, err := m.IsAlbumComplete(cmd.Context(), total)
			if err != nil {
				return err
			}
			return a.printJSON(struct {
				Complete bool `json:"complete"`
			}{done})
		},
	}
	cmd.Flags().IntVar(&total, "total", 0, "Number of items in the album")
	_ = cmd.MarkFlagRequired("total")
	return cmd
}

func (a *app) statsCmd() *cobra.Command {
	var (
		total   int
		rebuild bool
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print posting statistics for the album",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			if rebuild {
				if err := m.RebuildMetadata(cmd.Context(), total); err != nil {
					return fmt.Errorf("rebuild metadata: %w", err)
				}
			}
			stats, err := m.Statistics(cmd.Context(), total)
			if err != nil {
				return err
			}
			metrics.EmitProgress(a.stderr, stats)
			return a.printJSON(stats)
		},
	}
	cmd.Flags().IntVar(&total, "total", 0, "Number of items in the album (0 uses the stored total)")
	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "Rewrite the stored metadata from the records first")
	return cmd
}

func (a *app) dumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Print every stored record of the album",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			posts, err := m.ReadPosts(cmd.Context())
			if err != nil {
				return err
			}
			failed, err := m.ReadFailedPositions(cmd.Context())
			if err != nil {
				return err
			}
			meta, err := m.ReadMetadata(cmd.Context())
			if err != nil {
				return err
			}
			return a.printJSON(struct {
				Key             store.Key              `json:"key"`
				Backend         string                 `json:"backend"`
				Posts           []store.InstagramPost  `json:"posts"`
				FailedPositions []store.FailedPosition `json:"failed_positions"`
				Metadata        *store.AlbumMetadata   `json:"metadata"`
			}{m.Key(), m.Adapter().Name(), posts, failed, meta})
		},
	}
}
