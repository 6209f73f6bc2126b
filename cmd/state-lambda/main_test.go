package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/aws/aws-lambda-go/lambdacontext"

	"github.com/fpang/album-poster/internal/config"
	"github.com/fpang/album-poster/internal/lambdaboot"
	"github.com/fpang/album-poster/internal/store"
)

var testKey = store.Key{Account: "primary", AlbumID: "AF1Qip"}

// useMemory points the handler at a fresh in-memory backend and captures
// its metrics.
func useMemory(t *testing.T) (*store.MemoryAdapter, *bytes.Buffer) {
	t.Helper()
	adapter := store.NewMemoryAdapter()
	var out bytes.Buffer
	opener = lambdaboot.NewOpener(config.Default())
	primary, secondary, metricsOut = adapter, nil, &out
	t.Cleanup(func() {
		opener, primary, secondary, metricsOut = nil, nil, nil, nil
	})
	return adapter, &out
}

func withRequestID(id string) context.Context {
	return lambdacontext.NewContext(context.Background(), &lambdacontext.LambdaContext{AwsRequestID: id})
}

func items(n int) []store.Item {
	out := make([]store.Item, n)
	for i := range out {
		out[i] = store.Item{ID: string(rune('a' + i)), Position: i + 1}
	}
	return out
}

func TestRecord_UsesRequestRunID(t *testing.T) {
	adapter, out := useMemory(t)

	got, err := handler(withRequestID("req-42"), StateEvent{
		Action:       "record",
		Account:      testKey.Account,
		AlbumID:      testKey.AlbumID,
		Item:         store.Item{ID: "a", Position: 1},
		TargetPostID: "ig-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res := got.(RecordResult); res.Stop || !res.Result.OK() {
		t.Errorf("result = %+v", res)
	}

	posts, _ := adapter.ReadPosts(context.Background(), testKey)
	if len(posts) != 1 || posts[0].WorkflowRunID != "lambda-req-42" {
		t.Fatalf("posts = %+v", posts)
	}
	if !strings.Contains(out.String(), `"workflowRunId":"lambda-req-42"`) {
		t.Errorf("metrics missing run id: %s", out.String())
	}
}

func TestRecord_ExplicitRunID(t *testing.T) {
	_, out := useMemory(t)

	_, err := handler(withRequestID("req-1"), StateEvent{
		Action:       "record",
		Account:      testKey.Account,
		AlbumID:      testKey.AlbumID,
		RunID:        "gh-100-1",
		Item:         store.Item{ID: "a", Position: 1},
		ErrorMessage: "rate limited",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), `"workflowRunId":"gh-100-1"`) {
		t.Errorf("metrics missing run id: %s", out.String())
	}
}

func TestNext_NotWritable(t *testing.T) {
	tests := []struct {
		name     string
		dryRun   bool
		wantStop bool
	}{
		{"real run stops", false, true},
		{"dry run continues", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter, _ := useMemory(t)
			adapter.SetUnavailable(true)

			got, err := handler(withRequestID("req-1"), StateEvent{
				Action:   "next",
				Account:  testKey.Account,
				AlbumID:  testKey.AlbumID,
				Items:    items(3),
				IsDryRun: tt.dryRun,
			})
			if err != nil {
				t.Fatal(err)
			}
			res := got.(NextResult)
			if res.Item == nil || res.Item.Position != 1 {
				t.Fatalf("item = %+v", res.Item)
			}
			if res.Writable || res.Stop != tt.wantStop {
				t.Errorf("writable=%v stop=%v, want false, %v", res.Writable, res.Stop, tt.wantStop)
			}
		})
	}
}

func TestBegin_NotWritableStops(t *testing.T) {
	adapter, _ := useMemory(t)
	adapter.SetUnavailable(true)

	got, err := handler(withRequestID("req-1"), StateEvent{
		Action:  "begin",
		Account: testKey.Account,
		AlbumID: testKey.AlbumID,
		Item:    store.Item{ID: "a", Position: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res := got.(RecordResult); !res.Stop || !res.Result.Critical() {
		t.Errorf("result = %+v, want a critical stop", res)
	}
}

func TestNext_CompleteFollowsLastPosted(t *testing.T) {
	useMemory(t)
	ctx := withRequestID("req-1")

	// Dry runs walk the whole album without completing it.
	for _, it := range items(2) {
		if _, err := handler(ctx, StateEvent{Action: "record", Account: testKey.Account, AlbumID: testKey.AlbumID, Item: it, TargetPostID: "dry-" + it.ID, IsDryRun: true}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := handler(ctx, StateEvent{Action: "next", Account: testKey.Account, AlbumID: testKey.AlbumID, Items: items(2), IsDryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if res := got.(NextResult); res.Item != nil || res.Complete {
		t.Errorf("after dry runs = %+v, want no item and not complete", res)
	}
}

func TestUnknownAction(t *testing.T) {
	useMemory(t)
	_, err := handler(context.Background(), StateEvent{Action: "publish", Account: testKey.Account, AlbumID: testKey.AlbumID})
	if err == nil || !strings.Contains(err.Error(), "publish") {
		t.Errorf("error = %v", err)
	}
}
