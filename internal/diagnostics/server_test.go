package diagnostics

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fpang/album-poster/internal/statemanager"
	"github.com/fpang/album-poster/internal/store"
)

var testKey = store.Key{Account: "primary", AlbumID: "AF1Qip"}

// seeded returns a server whose album has position 1 posted, position 2
// failed and a dry run at position 3.
func seeded(t *testing.T) *Server {
	t.Helper()
	ctx := context.Background()
	adapter := store.NewMemoryAdapter()
	m, err := statemanager.New(adapter, testKey, statemanager.WithBackoff(0), statemanager.WithWorkflowRunID("run-1"))
	if err != nil {
		t.Fatal(err)
	}
	steps := []struct {
		item store.Item
		out  statemanager.Outcome
	}{
		{store.Item{ID: "a", Position: 1}, statemanager.Outcome{TargetPostID: "ig-1", TotalItems: 4}},
		{store.Item{ID: "b", Position: 2}, statemanager.Outcome{ErrorMessage: "rate limited", TotalItems: 4}},
		{store.Item{ID: "c", Position: 3}, statemanager.Outcome{TargetPostID: "dry", IsDryRun: true, TotalItems: 4}},
	}
	for _, s := range steps {
		if res := m.RecordOutcome(ctx, s.item, s.out); !res.OK() {
			t.Fatalf("seed position %d: %v", s.item.Position, res.Err)
		}
	}
	srv, err := NewServer(adapter, "test")
	if err != nil {
		t.Fatal(err)
	}
	return srv
}

func call(t *testing.T, handler func(context.Context, *gomcp.CallToolRequest) (*gomcp.CallToolResult, error), args map[string]interface{}) *gomcp.CallToolResult {
	t.Helper()
	argsJSON, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("failed to marshal args: %v", err)
	}
	result, err := handler(context.Background(), &gomcp.CallToolRequest{
		Params: &gomcp.CallToolParamsRaw{Arguments: argsJSON},
	})
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	return result
}

func text(result *gomcp.CallToolResult) string {
	if len(result.Content) == 0 {
		return ""
	}
	if tc, ok := result.Content[0].(*gomcp.TextContent); ok {
		return tc.Text
	}
	return ""
}

func keyArgs() map[string]interface{} {
	return map[string]interface{}{"account": testKey.Account, "album_id": testKey.AlbumID}
}

func TestNewServer_RequiresAdapter(t *testing.T) {
	if _, err := NewServer(nil, ""); err == nil {
		t.Error("expected error for nil adapter")
	}
}

func TestAlbumStatistics(t *testing.T) {
	s := seeded(t)
	result := call(t, s.handleStatistics, keyArgs())
	if result.IsError {
		t.Fatalf("expected success, got error: %s", text(result))
	}
	var stats statemanager.Statistics
	if err := json.Unmarshal([]byte(text(result)), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.PostedCount != 1 || stats.TotalPhotos != 4 || stats.LastPostedPosition != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if len(stats.UnresolvedPositions) != 1 || stats.UnresolvedPositions[0] != 2 {
		t.Errorf("unresolved = %v", stats.UnresolvedPositions)
	}
	if stats.LastDryRunPosition != 3 {
		t.Errorf("last dry run = %d", stats.LastDryRunPosition)
	}
}

func TestReadPosts_DryRunFilter(t *testing.T) {
	s := seeded(t)

	var posts []store.InstagramPost
	result := call(t, s.handleReadPosts, keyArgs())
	if err := json.Unmarshal([]byte(text(result)), &posts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, p := range posts {
		if p.IsDryRun {
			t.Errorf("dry run returned without include_dry_runs: %+v", p)
		}
	}

	args := keyArgs()
	args["include_dry_runs"] = true
	result = call(t, s.handleReadPosts, args)
	posts = nil
	if err := json.Unmarshal([]byte(text(result)), &posts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	found := false
	for _, p := range posts {
		found = found || p.IsDryRun
	}
	if !found {
		t.Error("expected the dry-run record")
	}
}

func TestReadFailedPositions(t *testing.T) {
	s := seeded(t)
	args := keyArgs()
	args["unresolved_only"] = true
	result := call(t, s.handleReadFailed, args)
	if result.IsError {
		t.Fatalf("expected success, got error: %s", text(result))
	}
	var failed []store.FailedPosition
	if err := json.Unmarshal([]byte(text(result)), &failed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(failed) != 1 || failed[0].Position != 2 || failed[0].ErrorMessage != "rate limited" {
		t.Errorf("failed = %+v", failed)
	}
}

func TestAlbumMetadata(t *testing.T) {
	s := seeded(t)
	result := call(t, s.handleMetadata, keyArgs())
	if result.IsError || !strings.Contains(text(result), `"posted_count": 1`) {
		t.Errorf("metadata = %s", text(result))
	}

	args := map[string]interface{}{"account": "other", "album_id": "none"}
	result = call(t, s.handleMetadata, args)
	if result.IsError || !strings.Contains(text(result), "no metadata") {
		t.Errorf("missing metadata = %s", text(result))
	}
}

func TestInvalidKey(t *testing.T) {
	s := seeded(t)
	result := call(t, s.handleStatistics, map[string]interface{}{"account": "primary"})
	if !result.IsError {
		t.Errorf("expected error for missing album_id, got %s", text(result))
	}
}
