package varstate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fpang/album-poster/internal/store"
)

// memVars is an in-memory VariableClient.
type memVars struct {
	mu        sync.Mutex
	vars      map[string]map[string]string
	readOnly  bool
	noRead    map[string]bool
	maxSize   int
	failWrite error
}

func newMemVars() *memVars {
	return &memVars{vars: make(map[string]map[string]string), noRead: make(map[string]bool), maxSize: 1024}
}

func (m *memVars) set(scope Scope, name, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.vars[scope.Environment] == nil {
		m.vars[scope.Environment] = make(map[string]string)
	}
	m.vars[scope.Environment][name] = value
}

func (m *memVars) value(scope Scope, name string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vars[scope.Environment][name]
	return v, ok
}

func (m *memVars) Name() string { return "memory" }

func (m *memVars) Get(ctx context.Context, scope Scope, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.noRead[scope.Environment] {
		return "", fmt.Errorf("get %s: %w", name, store.ErrPermission)
	}
	v, ok := m.vars[scope.Environment][name]
	if !ok {
		return "", fmt.Errorf("get %s: %w", name, store.ErrNotFound)
	}
	return v, nil
}

func (m *memVars) writeErr() error {
	if m.failWrite != nil {
		return m.failWrite
	}
	if m.readOnly {
		return store.ErrPermission
	}
	return nil
}

func (m *memVars) Update(ctx context.Context, scope Scope, name, value string) error {
	if err := m.writeErr(); err != nil {
		return err
	}
	if _, ok := m.value(scope, name); !ok {
		return fmt.Errorf("update %s: %w", name, store.ErrNotFound)
	}
	m.set(scope, name, value)
	return nil
}

func (m *memVars) Create(ctx context.Context, scope Scope, name, value string) error {
	if err := m.writeErr(); err != nil {
		return err
	}
	if _, ok := m.value(scope, name); ok {
		return fmt.Errorf("create %s: %w", name, store.ErrConflict)
	}
	m.set(scope, name, value)
	return nil
}

func (m *memVars) Delete(ctx context.Context, scope Scope, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vars[scope.Environment][name]; !ok {
		return store.ErrNotFound
	}
	delete(m.vars[scope.Environment], name)
	return nil
}

func (m *memVars) List(ctx context.Context, scope Scope) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for k, v := range m.vars[scope.Environment] {
		out[k] = v
	}
	return out, nil
}

func (m *memVars) MaxValueSize() int { return m.maxSize }

func (m *memVars) CheckAccess(ctx context.Context, scope Scope) error {
	if m.readOnly {
		return store.ErrPermission
	}
	return nil
}

var (
	testKey = store.Key{Account: "primary", AlbumID: "1234"}
	testNow = time.Date(2026, 10, 19, 7, 0, 0, 0, time.UTC)
)

func noEnv(string) (string, bool) { return "", false }

func TestReadPrecedence(t *testing.T) {
	ctx := context.Background()
	client := newMemVars()
	name := VariableName(testKey, store.TableFailed)
	client.set(Scope{}, name, "[1]")
	client.set(Scope{Environment: "production"}, name, "[2]")

	a := New(client, "production", WithEnvLookup(noEnv))
	failed, err := a.ReadFailedPositions(ctx, testKey)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].Position != 2 {
		t.Errorf("environment value should win, got %+v", failed)
	}

	env := map[string]string{name: "[3]"}
	a = New(client, "production", WithEnvLookup(func(k string) (string, bool) { v, ok := env[k]; return v, ok }))
	failed, _ = a.ReadFailedPositions(ctx, testKey)
	if len(failed) != 1 || failed[0].Position != 3 {
		t.Errorf("process override should win, got %+v", failed)
	}

	a = New(client, "", WithEnvLookup(noEnv))
	failed, _ = a.ReadFailedPositions(ctx, testKey)
	if len(failed) != 1 || failed[0].Position != 1 {
		t.Errorf("repository scope expected, got %+v", failed)
	}
}

func TestReadPermissionTreatedAsAbsent(t *testing.T) {
	client := newMemVars()
	client.noRead[""] = true
	a := New(client, "", WithEnvLookup(noEnv))

	posts, err := a.ReadPosts(context.Background(), testKey)
	if err != nil {
		t.Fatalf("permission error leaked from read: %v", err)
	}
	if len(posts) != 0 {
		t.Errorf("got %d posts, want none", len(posts))
	}
}

func TestWriteCreatesThenUpdates(t *testing.T) {
	ctx := context.Background()
	client := newMemVars()
	a := New(client, "", WithEnvLookup(noEnv))
	now := time.Now().UTC()

	p := store.NewPost(testKey, store.Item{ID: "p1", Position: 1}, store.StatusPending, false, "run-1", now)
	p.MarkPosted("ig-1", "run-1", now)
	if err := a.WritePosts(ctx, testKey, []store.InstagramPost{p}); err != nil {
		t.Fatalf("create: %v", err)
	}
	p2 := store.NewPost(testKey, store.Item{ID: "p2", Position: 2}, store.StatusPosted, false, "run-2", now)
	if err := a.WritePosts(ctx, testKey, []store.InstagramPost{p, p2}); err != nil {
		t.Fatalf("update: %v", err)
	}

	raw, ok := client.value(Scope{}, "PRIMARY_INSTA_POSTS_1234")
	if !ok || !strings.Contains(raw, `"target_post_id":"ig-1"`) {
		t.Errorf("stored value = %q", raw)
	}

	fresh := New(client, "", WithEnvLookup(noEnv))
	posts, err := fresh.ReadPosts(ctx, testKey)
	if err != nil || len(posts) != 2 {
		t.Errorf("ReadPosts = %d records, %v", len(posts), err)
	}
}

func TestWriteIsVisibleDespiteStaleEnvironment(t *testing.T) {
	ctx := context.Background()
	client := newMemVars()
	name := VariableName(testKey, store.TableFailed)
	a := New(client, "", WithEnvLookup(func(k string) (string, bool) {
		if k == name {
			return "[7]", true
		}
		return "", false
	}))

	if err := a.WriteFailedPositions(ctx, testKey, []store.FailedPosition{{Position: 9}}); err != nil {
		t.Fatal(err)
	}
	failed, _ := a.ReadFailedPositions(ctx, testKey)
	if len(failed) != 1 || failed[0].Position != 9 {
		t.Errorf("read after write = %+v, want position 9", failed)
	}
}

func TestReadOnlyCredential(t *testing.T) {
	client := newMemVars()
	client.readOnly = true
	a := New(client, "", WithEnvLookup(noEnv))

	if a.IsAvailable(context.Background()) {
		t.Error("read-only credential reported available")
	}
	err := a.WriteFailedPositions(context.Background(), testKey, []store.FailedPosition{{Position: 1}})
	if !errors.Is(err, store.ErrPermission) {
		t.Errorf("error = %v, want ErrPermission", err)
	}
}

func TestSizeLimit(t *testing.T) {
	client := newMemVars()
	client.maxSize = 200
	a := New(client, "", WithEnvLookup(noEnv))
	ctx := context.Background()

	var failed []store.FailedPosition
	for i := 1; i <= 20; i++ {
		failed = append(failed, store.FailedPosition{Position: i, ErrorMessage: "rate limited"})
	}
	if err := a.WriteFailedPositions(ctx, testKey, failed); !errors.Is(err, store.ErrTooLarge) {
		t.Errorf("error = %v, want ErrTooLarge", err)
	}

	client.maxSize = 100
	name := VariableName(testKey, store.TablePosts)
	if err := a.put(ctx, name, strings.Repeat("1", 85)); err != nil {
		t.Fatalf("put: %v", err)
	}
	warnings := a.SizeWarnings()
	if len(warnings) != 1 || warnings[0].Name != name {
		t.Errorf("SizeWarnings = %+v", warnings)
	}
}

func TestLegacyValuesReadAsRecords(t *testing.T) {
	client := newMemVars()
	client.set(Scope{}, "PRIMARY_INSTA_POSTS_1234", "[1, 2, 3]")
	client.set(Scope{}, "PRIMARY_FAILED_POSITIONS_1234", "[4]")
	a := New(client, "", WithEnvLookup(noEnv))
	ctx := context.Background()

	posts, err := a.ReadPosts(ctx, testKey)
	if err != nil {
		t.Fatal(err)
	}
	if len(posts) != 3 || store.LastPostedPosition(posts) != 3 {
		t.Errorf("posts = %+v", posts)
	}
	for _, p := range posts {
		if p.Account != testKey.Account || p.AlbumID != testKey.AlbumID {
			t.Errorf("legacy record not scoped to key: %+v", p)
		}
	}
	failed, _ := a.ReadFailedPositions(ctx, testKey)
	if len(failed) != 1 || failed[0].Position != 4 || failed[0].Resolved || failed[0].ErrorMessage != "" {
		t.Errorf("failed = %+v", failed)
	}
}

func TestCorruptValueRecorded(t *testing.T) {
	client := newMemVars()
	client.set(Scope{}, "PRIMARY_INSTA_POSTS_1234", "[1, 2")
	a := New(client, "", WithEnvLookup(noEnv))

	posts, err := a.ReadPosts(context.Background(), testKey)
	if err != nil || len(posts) != 0 {
		t.Errorf("ReadPosts = %v, %v; want empty, nil", posts, err)
	}
	if got := store.CorruptionsFor(a, testKey); len(got) != 1 {
		t.Errorf("corruptions = %+v, want 1", got)
	}
}

func TestAccountIsolation(t *testing.T) {
	ctx := context.Background()
	client := newMemVars()
	a := New(client, "", WithEnvLookup(noEnv))
	other := store.Key{Account: "secondary", AlbumID: testKey.AlbumID}

	if err := a.WriteFailedPositions(ctx, testKey, []store.FailedPosition{{Position: 5}}); err != nil {
		t.Fatal(err)
	}
	failed, _ := a.ReadFailedPositions(ctx, other)
	if len(failed) != 0 {
		t.Errorf("account %s sees %+v", other.Account, failed)
	}
}

func TestCollidingKeysRejected(t *testing.T) {
	ctx := context.Background()
	client := newMemVars()
	first := store.Key{Account: "travel-photos", AlbumID: "72157"}
	second := store.Key{Account: "travel_photos", AlbumID: "72157"}
	if VariableName(first, store.TablePosts) != VariableName(second, store.TablePosts) {
		t.Fatal("keys expected to share variable names")
	}

	a := New(client, "", WithEnvLookup(noEnv))
	p := store.NewPost(first, store.Item{ID: "p1", Position: 1}, store.StatusPending, false, "run-1", testNow)
	p.MarkPosted("ig-1", "run-1", testNow)
	if err := a.WritePosts(ctx, first, []store.InstagramPost{p}); err != nil {
		t.Fatal(err)
	}
	if err := a.WriteFailedPositions(ctx, first, []store.FailedPosition{{Position: 7, ErrorMessage: "rate limited"}}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		run  func(a *Adapter) error
	}{
		{"read failed", func(a *Adapter) error { _, err := a.ReadFailedPositions(ctx, second); return err }},
		{"read posts", func(a *Adapter) error { _, err := a.ReadPosts(ctx, second); return err }},
		{"write posts", func(a *Adapter) error { return a.WritePosts(ctx, second, nil) }},
		{"write failed", func(a *Adapter) error { return a.WriteFailedPositions(ctx, second, nil) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// A fresh adapter sees only the stored owners, the original one
			// also remembers its own claims.
			for _, adapter := range []*Adapter{a, New(client, "", WithEnvLookup(noEnv))} {
				if err := tt.run(adapter); !errors.Is(err, ErrNameCollision) || !errors.Is(err, store.ErrInvalidKey) {
					t.Errorf("error = %v, want ErrNameCollision", err)
				}
			}
		})
	}

	posts, err := New(client, "", WithEnvLookup(noEnv)).ReadPosts(ctx, first)
	if err != nil || len(posts) != 1 || posts[0].TargetPostID != "ig-1" {
		t.Errorf("first account lost its posts: %+v, %v", posts, err)
	}
	failed, err := New(client, "", WithEnvLookup(noEnv)).ReadFailedPositions(ctx, first)
	if err != nil || len(failed) != 1 || failed[0].Position != 7 {
		t.Errorf("first account failed = %+v, %v", failed, err)
	}
}

func TestSnapshotAndDelete(t *testing.T) {
	ctx := context.Background()
	client := newMemVars()
	client.set(Scope{}, "PRIMARY_INSTA_POSTS_1", "[1]")
	client.set(Scope{}, "SHARED", "repo")
	client.set(Scope{Environment: "production"}, "SHARED", "env")
	a := New(client, "production", WithEnvLookup(noEnv))

	snap, err := a.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if snap["SHARED"] != "env" || snap["PRIMARY_INSTA_POSTS_1"] != "[1]" {
		t.Errorf("snapshot = %v", snap)
	}

	if err := a.DeleteVariable(ctx, "SHARED"); err != nil {
		t.Fatal(err)
	}
	if _, ok := client.value(Scope{}, "SHARED"); ok {
		t.Error("repository copy not deleted")
	}
	if _, ok := client.value(Scope{Environment: "production"}, "SHARED"); ok {
		t.Error("environment copy not deleted")
	}
}
