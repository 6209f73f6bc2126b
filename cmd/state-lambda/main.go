// Package main provides a Lambda entry point for the posting state store.
//
// A Step Functions posting pipeline calls it around each publish:
//   - next:   pick the next album item to post
//   - begin:  record that a publish is starting
//   - record: record the publish outcome
//   - stats:  summarize album progress
//
// Backends come from the same POSTER_* environment as the CLI. The album key
// is taken from each event so one function serves every account.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/rs/zerolog/log"

	"github.com/fpang/album-poster/internal/config"
	"github.com/fpang/album-poster/internal/lambdaboot"
	"github.com/fpang/album-poster/internal/logging"
	"github.com/fpang/album-poster/internal/metrics"
	"github.com/fpang/album-poster/internal/statemanager"
	"github.com/fpang/album-poster/internal/store"
)

var coldStart = true

var (
	cfg       *config.Config
	opener    *lambdaboot.Opener
	primary   store.Adapter
	secondary store.Adapter

	// metricsOut receives EMF documents; nil means stdout.
	metricsOut io.Writer
)

// bootstrap runs once per execution environment, before the first event.
func bootstrap() {
	initStart := time.Now()
	logging.Init()

	var err error
	cfg, err = config.Load("")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}
	opener = lambdaboot.NewOpener(cfg)
	primary, secondary, err = opener.OpenAll(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open state backends")
	}

	opener.Describe(lambdaboot.StartupLog("state-lambda", initStart).CommitHash(commitHash)).
		Config("buildTime", buildTime).
		Log()
}

func main() {
	bootstrap()
	lambda.Start(handler)
}

// --- Event and Result types ---

type StateEvent struct {
	Action       string       `json:"action"`
	Account      string       `json:"account"`
	AlbumID      string       `json:"albumId"`
	RunID        string       `json:"runId,omitempty"`
	Items        []store.Item `json:"items,omitempty"`
	Item         store.Item   `json:"item,omitempty"`
	TargetPostID string       `json:"targetPostId,omitempty"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
	// IsDryRun marks a dry-run outcome; for "next" it counts dry-run
	// progress as posted.
	IsDryRun   bool `json:"isDryRun,omitempty"`
	TotalItems int  `json:"totalItems,omitempty"`
}

type NextResult struct {
	Item     *store.Item `json:"item"`
	Complete bool        `json:"complete"`
	Writable bool        `json:"writable"`
	// Stop is set when an item was selected but its outcome could not be
	// recorded.
	Stop bool `json:"stop"`
}

type RecordResult struct {
	Result statemanager.Result `json:"result"`
	// Stop tells the pipeline to halt publishing for this album.
	Stop bool `json:"stop"`
}

func handler(ctx context.Context, event StateEvent) (interface{}, error) {
	if coldStart {
		coldStart = false
		log.Info().Str("function", "state-lambda").Msg("Cold start, first invocation")
	}
	log.Info().
		Str("action", event.Action).
		Str("account", event.Account).
		Str("albumId", event.AlbumID).
		Msg("State Lambda invoked")

	runID := event.RunID
	if runID == "" {
		runID = "lambda-" + requestID(ctx)
	}
	key := store.Key{Account: event.Account, AlbumID: event.AlbumID}
	m, err := statemanager.New(primary, key, opener.ManagerOptions(secondary, runID)...)
	if err != nil {
		return nil, err
	}

	switch event.Action {
	case "next":
		return handleNext(ctx, m, event)
	case "begin":
		res := m.BeginAttempt(ctx, event.Item, event.IsDryRun)
		return RecordResult{Result: res, Stop: res.Critical()}, nil
	case "record":
		return handleRecord(ctx, m, event, runID), nil
	case "stats":
		stats, err := m.Statistics(ctx, event.TotalItems)
		if err != nil {
			return nil, err
		}
		metrics.EmitProgress(metricsOut, stats)
		return stats, nil
	default:
		return nil, fmt.Errorf("unknown action: %s", event.Action)
	}
}

func requestID(ctx context.Context) string {
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		return lc.AwsRequestID
	}
	return os.Getenv("AWS_LAMBDA_LOG_STREAM_NAME")
}

func handleNext(ctx context.Context, m *statemanager.Manager, event StateEvent) (NextResult, error) {
	next, err := m.NextItemToPost(ctx, event.Items, event.IsDryRun)
	if err != nil {
		return NextResult{}, err
	}
	complete, err := m.IsAlbumComplete(ctx, store.ListingTotal(event.Items))
	if err != nil {
		return NextResult{}, err
	}
	res := NextResult{Item: next, Complete: complete, Writable: m.IsAvailable(ctx)}
	if next != nil && !res.Writable && !event.IsDryRun {
		log.Error().
			Str("backend", m.Adapter().Name()).
			Int("position", next.Position).
			Msg("State backend not writable, stopping before publish")
		res.Stop = true
	}
	return res, nil
}

func handleRecord(ctx context.Context, m *statemanager.Manager, event StateEvent, runID string) RecordResult {
	res := m.RecordOutcome(ctx, event.Item, statemanager.Outcome{
		TargetPostID: event.TargetPostID,
		ErrorMessage: event.ErrorMessage,
		IsDryRun:     event.IsDryRun,
		TotalItems:   event.TotalItems,
	})
	outcome := metrics.OutcomeFailed
	switch {
	case event.IsDryRun:
		outcome = metrics.OutcomeDryRun
	case event.TargetPostID != "":
		outcome = metrics.OutcomePosted
	}
	metrics.EmitOutcome(metricsOut, metrics.OutcomeEvent{
		Key:      m.Key(),
		Backend:  m.Adapter().Name(),
		Outcome:  outcome,
		Result:   res,
		RunID:    runID,
		Position: event.Item.Position,
	})
	return RecordResult{Result: res, Stop: res.Critical()}
}
