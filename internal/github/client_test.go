package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fpang/album-poster/internal/store"
)

// newTestClient creates a Client pointing at a test HTTP server.
func newTestClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient("test-token", "octo/photos", WithBaseURL(server.URL), WithHTTPClient(server.Client()))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestNewClient_RejectsBadRepository(t *testing.T) {
	for _, repo := range []string{"", "octo", "/photos", "octo/", "a/b/c"} {
		if _, err := NewClient("t", repo); err == nil {
			t.Errorf("NewClient(%q) expected error", repo)
		}
	}
}

func TestGetContents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/octo/photos/contents/state-data/primary/album-1/posts.json" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("ref") != "automation-state" {
			t.Errorf("unexpected ref: %s", r.URL.Query().Get("ref"))
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("unexpected auth header: %s", r.Header.Get("Authorization"))
		}
		encoded := base64.StdEncoding.EncodeToString([]byte(`[{"position":1}]`))
		// GitHub wraps base64 content at 60 columns.
		json.NewEncoder(w).Encode(map[string]string{
			"type":     "file",
			"encoding": "base64",
			"content":  encoded[:10] + "\n" + encoded[10:],
			"sha":      "abc123",
		})
	}))
	defer server.Close()

	client := newTestClient(t, server)
	got, err := client.GetContents(context.Background(), "state-data/primary/album-1/posts.json", "automation-state")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.SHA != "abc123" {
		t.Errorf("expected sha abc123, got %s", got.SHA)
	}
	if string(got.Content) != `[{"position":1}]` {
		t.Errorf("unexpected content: %s", got.Content)
	}
}

func TestGetContents_LargeFileUsesBlob(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/contents/"):
			fmt.Fprint(w, `{"type":"file","encoding":"none","content":"","sha":"big1"}`)
		case strings.HasSuffix(r.URL.Path, "/git/blobs/big1"):
			if !strings.Contains(r.Header.Get("Accept"), "raw") {
				t.Errorf("blob should be fetched raw, Accept = %s", r.Header.Get("Accept"))
			}
			fmt.Fprint(w, "[]")
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer server.Close()

	got, err := newTestClient(t, server).GetContents(context.Background(), "big.json", "main")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got.Content) != "[]" || got.SHA != "big1" {
		t.Errorf("unexpected result: %+v", got)
	}
}

func TestErrorClassification(t *testing.T) {
	const secondaryDocs = "https://docs.github.com/rest/overview/rate-limits-for-the-rest-api#about-secondary-rate-limits"
	tests := []struct {
		name      string
		status    int
		body      string
		remaining string
		want      error
		rateLimit bool
	}{
		{"not found", http.StatusNotFound, `{"message":"Not Found"}`, "", store.ErrNotFound, false},
		{"integration forbidden", http.StatusForbidden, `{"message":"Resource not accessible by integration"}`, "", store.ErrPermission, false},
		{"primary rate limit", http.StatusForbidden, `{"message":"API rate limit exceeded"}`, "0", store.ErrUnavailable, true},
		{"secondary rate limit", http.StatusForbidden, `{"message":"You have exceeded a secondary rate limit","documentation_url":"` + secondaryDocs + `"}`, "", store.ErrUnavailable, true},
		{"bad credentials", http.StatusUnauthorized, `{"message":"Bad credentials"}`, "", store.ErrPermission, false},
		{"sha mismatch", http.StatusConflict, `{"message":"sha does not match"}`, "", store.ErrConflict, false},
		{"sha missing", http.StatusUnprocessableEntity, `{"message":"Invalid request. \"sha\" wasn't supplied."}`, "", store.ErrConflict, false},
		{"too large", http.StatusRequestEntityTooLarge, `{"message":"Payload too large"}`, "", store.ErrTooLarge, false},
		{"bad gateway", http.StatusBadGateway, `{"message":"Server Error"}`, "", store.ErrUnavailable, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.remaining != "" {
					w.Header().Set("X-RateLimit-Limit", "5000")
					w.Header().Set("X-RateLimit-Remaining", tt.remaining)
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer server.Close()

			_, err := newTestClient(t, server).GetContents(context.Background(), "x.json", "main")
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
			if tt.want != store.ErrPermission && errors.Is(err, store.ErrPermission) {
				t.Errorf("error %v should not classify as permission", err)
			}
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("error %T is not an APIError", err)
			}
			if apiErr.StatusCode != tt.status || apiErr.RateLimit != tt.rateLimit {
				t.Errorf("APIError = %+v, want status %d rate limit %v", apiErr, tt.status, tt.rateLimit)
			}
		})
	}
}

func TestTransportFailureIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	client := newTestClient(t, server)
	server.Close()

	_, err := client.GetBranchSHA(context.Background(), "main")
	if !errors.Is(err, store.ErrUnavailable) || IsNotFound(err) {
		t.Errorf("error = %v, want unavailable", err)
	}
}

func TestPutContents(t *testing.T) {
	tests := []struct {
		name    string
		sha     string
		wantSHA bool
	}{
		{"create", "", false},
		{"update", "old-sha", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPut || r.URL.Path != "/repos/octo/photos/contents/a/posts.json" {
					t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
				}
				var body map[string]string
				if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
					t.Fatalf("decode body: %v", err)
				}
				if body["message"] != "update" || body["branch"] != "automation-state" {
					t.Errorf("unexpected body: %v", body)
				}
				if _, ok := body["sha"]; ok != tt.wantSHA || body["sha"] != tt.sha {
					t.Errorf("sha = %q (present %v), want %q", body["sha"], ok, tt.sha)
				}
				content, _ := base64.StdEncoding.DecodeString(body["content"])
				if string(content) != "[]\n" {
					t.Errorf("unexpected content: %q", content)
				}
				fmt.Fprint(w, `{"content":{"sha":"new-sha"}}`)
			}))
			defer server.Close()

			sha, err := newTestClient(t, server).PutContents(context.Background(), "a/posts.json", []byte("[]\n"), PutContentsRequest{
				Message: "update",
				SHA:     tt.sha,
				Branch:  "automation-state",
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if sha != "new-sha" {
				t.Errorf("expected new-sha, got %s", sha)
			}
		})
	}
}

func TestBranches(t *testing.T) {
	var created map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/repos/octo/photos/git/ref/heads/main":
			fmt.Fprint(w, `{"ref":"refs/heads/main","object":{"sha":"base-sha","type":"commit"}}`)
		case r.Method == http.MethodPost && r.URL.Path == "/repos/octo/photos/git/refs":
			json.NewDecoder(r.Body).Decode(&created)
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"ref":"refs/heads/automation-state"}`)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	ctx := context.Background()
	client := newTestClient(t, server)
	sha, err := client.GetBranchSHA(ctx, "main")
	if err != nil || sha != "base-sha" {
		t.Fatalf("GetBranchSHA = %q, %v", sha, err)
	}
	if err := client.CreateBranch(ctx, "automation-state", sha); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	if created["ref"] != "refs/heads/automation-state" || created["sha"] != "base-sha" {
		t.Errorf("created ref = %v", created)
	}
}

func TestCreateBranch_AlreadyExists(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"message":"Reference already exists"}`)
	}))
	defer server.Close()

	if err := newTestClient(t, server).CreateBranch(context.Background(), "automation-state", "abc"); err != nil {
		t.Errorf("expected existing branch to be accepted, got %v", err)
	}
}

func TestCanPush(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   bool
	}{
		{"push", http.StatusOK, `{"full_name":"octo/photos","permissions":{"pull":true,"push":true}}`, true},
		{"read only", http.StatusOK, `{"full_name":"octo/photos","permissions":{"pull":true,"push":false}}`, false},
		{"forbidden", http.StatusForbidden, `{"message":"Resource not accessible by integration"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/repos/octo/photos" {
					t.Errorf("unexpected path: %s", r.URL.Path)
				}
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer server.Close()

			got, err := newTestClient(t, server).CanPush(context.Background())
			if err != nil || got != tt.want {
				t.Errorf("CanPush = %v, %v, want %v", got, err, tt.want)
			}
		})
	}
}

func TestVariables(t *testing.T) {
	vars := map[string]string{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "/repos/octo/photos/environments/production/variables"
		if !strings.HasPrefix(r.URL.Path, prefix) {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		name := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, prefix), "/")
		notFound := func() {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"message":"Not Found"}`)
		}
		switch r.Method {
		case http.MethodGet:
			if name == "" {
				var list []map[string]string
				for n, v := range vars {
					list = append(list, map[string]string{"name": n, "value": v})
				}
				json.NewEncoder(w).Encode(map[string]any{"total_count": len(vars), "variables": list})
				return
			}
			v, ok := vars[name]
			if !ok {
				notFound()
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"name": name, "value": v})
		case http.MethodPatch:
			if _, ok := vars[name]; !ok {
				notFound()
				return
			}
			var v map[string]string
			json.NewDecoder(r.Body).Decode(&v)
			vars[name] = v["value"]
			w.WriteHeader(http.StatusNoContent)
		case http.MethodPost:
			var v map[string]string
			json.NewDecoder(r.Body).Decode(&v)
			if _, ok := vars[v["name"]]; ok {
				w.WriteHeader(http.StatusConflict)
				fmt.Fprint(w, `{"message":"Already exists"}`)
				return
			}
			vars[v["name"]] = v["value"]
			w.WriteHeader(http.StatusCreated)
		case http.MethodDelete:
			delete(vars, name)
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer server.Close()

	ctx := context.Background()
	client := newTestClient(t, server)

	err := client.UpdateVariable(ctx, "production", "PRIMARY_INSTA_POSTS_1", "[1]")
	if !IsNotFound(err) {
		t.Fatalf("update of missing variable: %v", err)
	}
	if err := client.CreateVariable(ctx, "production", "PRIMARY_INSTA_POSTS_1", "[1]"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := client.CreateVariable(ctx, "production", "PRIMARY_INSTA_POSTS_1", "[1]"); !errors.Is(err, store.ErrConflict) {
		t.Errorf("duplicate create error = %v, want conflict", err)
	}
	if err := client.UpdateVariable(ctx, "production", "PRIMARY_INSTA_POSTS_1", "[1,2]"); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := client.GetVariable(ctx, "production", "PRIMARY_INSTA_POSTS_1")
	if err != nil || got != "[1,2]" {
		t.Errorf("GetVariable = %q, %v", got, err)
	}
	list, err := client.ListVariables(ctx, "production")
	if err != nil || len(list) != 1 || list[0].Value != "[1,2]" {
		t.Errorf("ListVariables = %v, %v", list, err)
	}
	if err := client.DeleteVariable(ctx, "production", "PRIMARY_INSTA_POSTS_1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := client.GetVariable(ctx, "production", "PRIMARY_INSTA_POSTS_1"); !IsNotFound(err) {
		t.Errorf("deleted variable still readable: %v", err)
	}
}

func TestListVariables_RepositoryPages(t *testing.T) {
	var serverURL string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/octo/photos/actions/variables" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, `{"total_count":2,"variables":[{"name":"B","value":"2"}]}`)
			return
		}
		w.Header().Set("Link", fmt.Sprintf(`<%s/repos/octo/photos/actions/variables?page=2&per_page=30>; rel="next"`, serverURL))
		fmt.Fprint(w, `{"total_count":2,"variables":[{"name":"A","value":"1"}]}`)
	}))
	defer server.Close()
	serverURL = server.URL

	list, err := newTestClient(t, server).ListVariables(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Name != "A" || list[1].Name != "B" {
		t.Errorf("ListVariables = %+v", list)
	}
}
