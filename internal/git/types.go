package git

import (
	"context"
)

// Operations is the subset of git and gh the Git Monitor relies on.
// Tests substitute fakes.
type Operations interface {
	// CurrentBranch returns the checked out branch name.
	CurrentBranch(ctx context.Context, repoPath string) (string, error)

	// GetStatus returns the working tree status.
	GetStatus(ctx context.Context, repoPath string) (*Status, error)

	// ListRuns returns the most recent CI workflow runs for a branch.
	ListRuns(ctx context.Context, repoPath, branch string, limit int) ([]CIRun, error)

	// PRChecks returns the pull request number for the current branch and
	// the raw tab-separated output of `gh pr checks`.
	PRChecks(ctx context.Context, repoPath string) (int, string, error)
}

// Status represents the git status of a repository.
type Status struct {
	// Modified files (staged or unstaged)
	Modified []string

	// Untracked files
	Untracked []string

	// Deleted files
	Deleted []string

	// Added files (staged)
	Added []string

	// Renamed files
	Renamed []string

	// HasChanges is true if any changes exist
	HasChanges bool
}

// CIRun is one CI workflow run as reported by `gh run list`.
type CIRun struct {
	ID         string `json:"id"`
	Workflow   string `json:"workflow"`
	Branch     string `json:"branch"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	URL        string `json:"url"`
}

// Completed reports whether the run has finished.
func (r CIRun) Completed() bool {
	return r.Status == "" || r.Status == "completed"
}

// Failed reports whether a finished run ended badly.
func (r CIRun) Failed() bool {
	switch r.Conclusion {
	case "failure", "cancelled", "timed_out", "startup_failure":
		return true
	}
	return false
}
