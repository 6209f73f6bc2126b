package jobs

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestWorkflowRunID(t *testing.T) {
	env := map[string]string{"GITHUB_RUN_ID": "9876", "GITHUB_RUN_ATTEMPT": "2"}
	if got := workflowRunID(func(k string) string { return env[k] }); got != "gh-9876-2" {
		t.Errorf("got %q", got)
	}

	delete(env, "GITHUB_RUN_ATTEMPT")
	if got := workflowRunID(func(k string) string { return env[k] }); got != "gh-9876-1" {
		t.Errorf("got %q", got)
	}

	id := workflowRunID(func(string) string { return "" })
	if !strings.HasPrefix(id, "run-") {
		t.Fatalf("got %q", id)
	}
	if _, err := uuid.Parse(strings.TrimPrefix(id, "run-")); err != nil {
		t.Errorf("suffix is not a uuid: %v", err)
	}
	if id == workflowRunID(func(string) string { return "" }) {
		t.Error("ids should be unique")
	}
}
