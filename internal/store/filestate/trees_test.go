package filestate

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/fpang/album-poster/internal/github"
	"github.com/fpang/album-poster/internal/store"
)

// fakeGitHub serves the contents and refs endpoints for one repository.
type fakeGitHub struct {
	mu       sync.Mutex
	branches map[string]string
	files    map[string]string // branch:path -> content
	shas     map[string]string // branch:path -> sha
	canPush  bool
	seq      int
}

func newFakeGitHub() *fakeGitHub {
	return &fakeGitHub{
		branches: map[string]string{"main": "commit-main"},
		files:    make(map[string]string),
		shas:     make(map[string]string),
		canPush:  true,
	}
}

func (f *fakeGitHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	const repo = "/repos/octo/photos"
	p := strings.TrimPrefix(r.URL.Path, repo)
	fail := func(status int, msg string) {
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"message":%q}`, msg)
	}

	switch {
	case p == "" && r.Method == http.MethodGet:
		fmt.Fprintf(w, `{"full_name":"octo/photos","permissions":{"push":%t}}`, f.canPush)

	case strings.HasPrefix(p, "/git/ref/heads/") && r.Method == http.MethodGet:
		sha, ok := f.branches[strings.TrimPrefix(p, "/git/ref/heads/")]
		if !ok {
			fail(http.StatusNotFound, "Not Found")
			return
		}
		fmt.Fprintf(w, `{"object":{"sha":%q}}`, sha)

	case p == "/git/refs" && r.Method == http.MethodPost:
		var body struct{ Ref, SHA string }
		json.NewDecoder(r.Body).Decode(&body)
		name := strings.TrimPrefix(body.Ref, "refs/heads/")
		if _, ok := f.branches[name]; ok {
			fail(http.StatusUnprocessableEntity, "Reference already exists")
			return
		}
		f.branches[name] = body.SHA
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{}`)

	case strings.HasPrefix(p, "/contents/") && r.Method == http.MethodGet:
		branch := r.URL.Query().Get("ref")
		if _, ok := f.branches[branch]; !ok {
			fail(http.StatusNotFound, "No commit found for the ref "+branch)
			return
		}
		id := branch + ":" + strings.TrimPrefix(p, "/contents/")
		content, ok := f.files[id]
		if !ok {
			fail(http.StatusNotFound, "Not Found")
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"type":     "file",
			"encoding": "base64",
			"content":  base64.StdEncoding.EncodeToString([]byte(content)),
			"sha":      f.shas[id],
		})

	case strings.HasPrefix(p, "/contents/") && r.Method == http.MethodPut:
		if !f.canPush {
			fail(http.StatusForbidden, "Resource not accessible by integration")
			return
		}
		var req struct {
			Content string `json:"content"`
			SHA     string `json:"sha"`
			Branch  string `json:"branch"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		id := req.Branch + ":" + strings.TrimPrefix(p, "/contents/")
		current, exists := f.shas[id]
		switch {
		case exists && req.SHA == "":
			fail(http.StatusUnprocessableEntity, `Invalid request. "sha" wasn't supplied.`)
			return
		case exists && req.SHA != current:
			fail(http.StatusConflict, fmt.Sprintf("%s does not match %s", req.SHA, current))
			return
		}
		content, _ := base64.StdEncoding.DecodeString(req.Content)
		f.seq++
		sha := fmt.Sprintf("sha-%d", f.seq)
		f.files[id] = string(content)
		f.shas[id] = sha
		fmt.Fprintf(w, `{"content":{"sha":%q}}`, sha)

	default:
		fail(http.StatusNotFound, "Not Found")
	}
}

func (f *fakeGitHub) branch(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.branches[name]
}

func (f *fakeGitHub) hasFile(branch, p string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[branch+":"+p]
	return ok
}

func newGitHubAdapter(t *testing.T, fake *fakeGitHub) (*Adapter, func()) {
	t.Helper()
	server := httptest.NewServer(fake)
	client, err := github.NewClient("token", "octo/photos", github.WithBaseURL(server.URL), github.WithHTTPClient(server.Client()))
	if err != nil {
		t.Fatal(err)
	}
	return New(NewGitHubTree(client, "", "main")), server.Close
}

func TestGitHubTree_CreatesBranchAndCommits(t *testing.T) {
	ctx := context.Background()
	fake := newFakeGitHub()
	a, closeFn := newGitHubAdapter(t, fake)
	defer closeFn()

	posts, err := a.ReadPosts(ctx, testKey)
	if err != nil || len(posts) != 0 {
		t.Fatalf("read before branch exists = %v, %v", posts, err)
	}
	if err := a.WritePosts(ctx, testKey, []store.InstagramPost{postedAt(1)}); err != nil {
		t.Fatalf("WritePosts: %v", err)
	}
	if got := fake.branch(DefaultBranch); got != "commit-main" {
		t.Errorf("state branch points at %q, want commit-main", got)
	}
	if !fake.hasFile(DefaultBranch, DocumentPath(testKey, store.TablePosts)) {
		t.Error("posts file not committed")
	}
	if err := a.WritePosts(ctx, testKey, []store.InstagramPost{postedAt(1), postedAt(2)}); err != nil {
		t.Fatalf("second WritePosts: %v", err)
	}
}

func TestGitHubTree_StaleSHAConflicts(t *testing.T) {
	ctx := context.Background()
	fake := newFakeGitHub()
	runA, closeA := newGitHubAdapter(t, fake)
	defer closeA()
	runB, closeB := newGitHubAdapter(t, fake)
	defer closeB()

	if err := runA.WriteFailedPositions(ctx, testKey, []store.FailedPosition{{Position: 1}}); err != nil {
		t.Fatal(err)
	}
	if _, err := runA.ReadFailedPositions(ctx, testKey); err != nil {
		t.Fatal(err)
	}
	if _, err := runB.ReadFailedPositions(ctx, testKey); err != nil {
		t.Fatal(err)
	}
	if err := runB.WriteFailedPositions(ctx, testKey, []store.FailedPosition{{Position: 1}, {Position: 2}}); err != nil {
		t.Fatal(err)
	}
	err := runA.WriteFailedPositions(ctx, testKey, []store.FailedPosition{{Position: 1}, {Position: 3}})
	if !errors.Is(err, store.ErrConflict) {
		t.Errorf("stale write error = %v, want ErrConflict", err)
	}
}

func TestGitHubTree_ReadOnlyToken(t *testing.T) {
	ctx := context.Background()
	fake := newFakeGitHub()
	fake.canPush = false
	fake.branches[DefaultBranch] = "commit-main"
	a, closeFn := newGitHubAdapter(t, fake)
	defer closeFn()

	if a.IsAvailable(ctx) {
		t.Error("read-only token reported available")
	}
	err := a.WritePosts(ctx, testKey, []store.InstagramPost{postedAt(1)})
	if !errors.Is(err, store.ErrPermission) {
		t.Errorf("error = %v, want ErrPermission", err)
	}
}

// fakeS3 implements S3API with ETag preconditions.
type fakeS3 struct {
	objects  map[string][]byte
	etags    map[string]string
	metadata map[string]map[string]string
	seq      int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte), etags: make(map[string]string), metadata: make(map[string]map[string]string)}
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	key := aws.ToString(in.Key)
	data, ok := f.objects[key]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("The specified key does not exist.")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data)), ETag: aws.String(f.etags[key])}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	key := aws.ToString(in.Key)
	current, exists := f.etags[key]
	precondition := &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold"}
	if aws.ToString(in.IfNoneMatch) == "*" && exists {
		return nil, precondition
	}
	if in.IfMatch != nil && aws.ToString(in.IfMatch) != current {
		return nil, precondition
	}
	data, _ := io.ReadAll(in.Body)
	f.seq++
	etag := fmt.Sprintf(`"etag-%d"`, f.seq)
	f.objects[key] = data
	f.etags[key] = etag
	f.metadata[key] = in.Metadata
	return &s3.PutObjectOutput{ETag: aws.String(etag)}, nil
}

func (f *fakeS3) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

func TestS3Tree(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	runA := New(NewS3Tree(fake, "state-bucket", "/albums/", ""), WithClock(func() time.Time { return testNow }))
	runB := New(NewS3Tree(fake, "state-bucket", "albums", ""))

	if err := runA.WritePosts(ctx, testKey, []store.InstagramPost{postedAt(1)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	objectKey := "albums/automation-state/" + DocumentPath(testKey, store.TablePosts)
	if _, ok := fake.objects[objectKey]; !ok {
		t.Fatalf("object not stored at %s: %v", objectKey, fake.etags)
	}
	if !strings.HasPrefix(fake.metadata[objectKey][commitMessageKey], "Update posts for primary/album-AF1Qip") {
		t.Errorf("commit message metadata = %v", fake.metadata[objectKey])
	}

	if _, err := runB.ReadPosts(ctx, testKey); err != nil {
		t.Fatal(err)
	}
	if err := runA.WritePosts(ctx, testKey, []store.InstagramPost{postedAt(1), postedAt(2)}); err != nil {
		t.Fatalf("update: %v", err)
	}
	err := runB.WritePosts(ctx, testKey, []store.InstagramPost{postedAt(1), postedAt(3)})
	if !errors.Is(err, store.ErrConflict) {
		t.Errorf("stale write error = %v, want ErrConflict", err)
	}

	blind := New(NewS3Tree(fake, "state-bucket", "albums", ""))
	if err := blind.WritePosts(ctx, testKey, []store.InstagramPost{postedAt(1), postedAt(2), postedAt(3)}); err != nil {
		t.Errorf("write without prior read: %v", err)
	}
	if !blind.IsAvailable(ctx) {
		t.Error("expected bucket to be available")
	}
}

func TestASCIIMetadata(t *testing.T) {
	if got := asciiMetadata("Update posts for café\n"); got != "Update posts for caf??" {
		t.Errorf("asciiMetadata = %q", got)
	}
}
