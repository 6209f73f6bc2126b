// Package jobs identifies automation runs.
package jobs

import (
	"os"

	"github.com/google/uuid"
)

// NewWorkflowRunID returns the ID stamped on every record a run writes.
// Inside GitHub Actions it is "gh-<run id>-<attempt>", so a record can be
// traced back to the workflow run that wrote it; elsewhere it is
// "run-<uuid>".
func NewWorkflowRunID() string {
	return workflowRunID(os.Getenv)
}

func workflowRunID(getenv func(string) string) string {
	if run := getenv("GITHUB_RUN_ID"); run != "" {
		attempt := getenv("GITHUB_RUN_ATTEMPT")
		if attempt == "" {
			attempt = "1"
		}
		return "gh-" + run + "-" + attempt
	}
	return "run-" + uuid.NewString()
}
