package git

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ErrNoPullRequest is returned by PRChecks when the branch has no open PR.
var ErrNoPullRequest = errors.New("no pull request for current branch")

// CommandRunner runs an external command in dir and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err,
				strings.TrimSpace(string(exitErr.Stderr)))
		}
		return out, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return out, nil
}

// Git implements Operations using the git and gh CLIs.
type Git struct {
	gitPath string
	ghPath  string
	runner  CommandRunner
}

// NewGit creates a new Git instance.
// It verifies that git is available on the system. gh is optional; without
// it ListRuns and PRChecks return an error.
func NewGit(ctx context.Context) (*Git, error) {
	gitPath, err := exec.LookPath("git")
	if err != nil {
		return nil, fmt.Errorf("git not found in PATH: %w", err)
	}

	if err := exec.CommandContext(ctx, gitPath, "version").Run(); err != nil {
		return nil, fmt.Errorf("git command failed: %w", err)
	}

	ghPath, _ := exec.LookPath("gh")
	return &Git{gitPath: gitPath, ghPath: ghPath, runner: ExecRunner{}}, nil
}

// NewWithRunner returns a Git that sends every command through runner.
func NewWithRunner(runner CommandRunner) *Git {
	return &Git{gitPath: "git", ghPath: "gh", runner: runner}
}

// HasGH reports whether the gh CLI is available.
func (g *Git) HasGH() bool {
	return g.ghPath != ""
}

// CurrentBranch returns the checked out branch.
func (g *Git) CurrentBranch(ctx context.Context, repoPath string) (string, error) {
	out, err := g.runner.Run(ctx, repoPath, g.gitPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to read current branch in %s: %w", repoPath, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// GetStatus returns the git status of the repository.
// SECURITY: repoPath must be a validated, trusted path. This function
// does not perform path validation or sandboxing.
func (g *Git) GetStatus(ctx context.Context, repoPath string) (*Status, error) {
	output, err := g.runner.Run(ctx, repoPath, g.gitPath, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("git status failed in %s: %w", repoPath, err)
	}
	return ParseStatus(string(output))
}

// ParseStatus parses `git status --porcelain` output.
func ParseStatus(output string) (*Status, error) {
	status := &Status{
		Modified:  []string{},
		Untracked: []string{},
		Deleted:   []string{},
		Added:     []string{},
		Renamed:   []string{},
	}

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) < 3 {
			continue
		}

		statusCode := line[0:2]
		filePath := line[3:]

		// XY where X=index, Y=working tree
		switch {
		case strings.HasPrefix(statusCode, "??"):
			status.Untracked = append(status.Untracked, filePath)
		case strings.HasPrefix(statusCode, "A "), strings.HasPrefix(statusCode, "AM"):
			status.Added = append(status.Added, filePath)
		case strings.HasPrefix(statusCode, "M "), strings.HasPrefix(statusCode, " M"), strings.HasPrefix(statusCode, "MM"):
			status.Modified = append(status.Modified, filePath)
		case strings.HasPrefix(statusCode, "D "), strings.HasPrefix(statusCode, " D"):
			status.Deleted = append(status.Deleted, filePath)
		case strings.HasPrefix(statusCode, "R "):
			status.Renamed = append(status.Renamed, filePath)
		default:
			status.Modified = append(status.Modified, filePath)
		}

		status.HasChanges = true
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse git status: %w", err)
	}
	return status, nil
}

type ghRun struct {
	DatabaseID   int64  `json:"databaseId"`
	WorkflowName string `json:"workflowName"`
	HeadBranch   string `json:"headBranch"`
	Status       string `json:"status"`
	Conclusion   string `json:"conclusion"`
	URL          string `json:"url"`
}

// ListRuns returns recent workflow runs for branch, newest first.
func (g *Git) ListRuns(ctx context.Context, repoPath, branch string, limit int) ([]CIRun, error) {
	if g.ghPath == "" {
		return nil, fmt.Errorf("gh not found in PATH")
	}
	if limit <= 0 {
		limit = 10
	}
	args := []string{"run", "list", "--limit", strconv.Itoa(limit),
		"--json", "databaseId,workflowName,headBranch,status,conclusion,url"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	out, err := g.runner.Run(ctx, repoPath, g.ghPath, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list CI runs: %w", err)
	}
	return ParseRunList(out)
}

// ParseRunList decodes `gh run list --json` output.
func ParseRunList(data []byte) ([]CIRun, error) {
	var raw []ghRun
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse gh run list output: %w", err)
	}
	runs := make([]CIRun, 0, len(raw))
	for _, r := range raw {
		runs = append(runs, CIRun{
			ID:         strconv.FormatInt(r.DatabaseID, 10),
			Workflow:   r.WorkflowName,
			Branch:     r.HeadBranch,
			Status:     strings.ToLower(r.Status),
			Conclusion: strings.ToLower(r.Conclusion),
			URL:        r.URL,
		})
	}
	return runs, nil
}

// PRChecks returns the PR number and raw `gh pr checks` output for the
// current branch. gh exits non-zero when any check fails, so output is
// returned whenever gh produced some.
func (g *Git) PRChecks(ctx context.Context, repoPath string) (int, string, error) {
	if g.ghPath == "" {
		return 0, "", fmt.Errorf("gh not found in PATH")
	}
	out, err := g.runner.Run(ctx, repoPath, g.ghPath, "pr", "view", "--json", "number")
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", ErrNoPullRequest, err)
	}
	var pr struct {
		Number int `json:"number"`
	}
	if err := json.Unmarshal(out, &pr); err != nil || pr.Number == 0 {
		return 0, "", ErrNoPullRequest
	}

	checks, err := g.runner.Run(ctx, repoPath, g.ghPath, "pr", "checks", strconv.Itoa(pr.Number))
	if err != nil && len(checks) == 0 {
		return pr.Number, "", fmt.Errorf("failed to read PR checks: %w", err)
	}
	return pr.Number, string(checks), nil
}
