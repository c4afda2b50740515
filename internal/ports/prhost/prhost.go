// Package prhost implements ports.PRHostPort against the `gh` CLI, the way a worktree
// manager derives pull-request state by shelling out to the GitHub CLI and parsing its
// JSON output rather than hand-rolling a REST client.
package prhost

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/luban-ide/luban-core/internal/model"
)

// Port is the concrete ports.PRHostPort implementation backed by the gh CLI.
type Port struct{}

// New constructs a Port.
func New() *Port { return &Port{} }

type ghPR struct {
	Number            int    `json:"number"`
	State             string `json:"state"`
	IsDraft           bool   `json:"isDraft"`
	URL               string `json:"url"`
	HeadRefName       string `json:"headRefName"`
	MergeStateStatus  string `json:"mergeStateStatus"`
	StatusCheckRollup []struct {
		Conclusion string `json:"conclusion"`
		State      string `json:"state"`
	} `json:"statusCheckRollup"`
}

// FetchForBranch shells out to `gh pr view <branch>` and maps the result onto model.PullRequest.
// A missing PR (gh's exit code 1 for "no pull requests found") is not an error: it returns
// (nil, nil).
func (p *Port) FetchForBranch(ctx context.Context, repoPath, branch string) (*model.PullRequest, error) {
	// #nosec G204 -- branch is a worktree branch name already validated against refname rules
	cmd := exec.CommandContext(ctx, "gh", "pr", "view", branch,
		"--json", "number,state,isDraft,url,headRefName,mergeStateStatus,statusCheckRollup")
	cmd.Dir = repoPath
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("gh pr view: %w", err)
	}

	var raw ghPR
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("parse gh pr view output: %w", err)
	}

	pr := &model.PullRequest{
		Number:  raw.Number,
		IsDraft: raw.IsDraft,
		State:   mapState(raw.State),
		URL:     raw.URL,
	}
	if ci := computeCIState(raw.StatusCheckRollup); ci != "" {
		pr.CIState = &ci
	}
	pr.MergeReady = !raw.IsDraft && pr.State == model.PRStateOpen &&
		strings.EqualFold(raw.MergeStateStatus, "clean") &&
		(pr.CIState == nil || *pr.CIState == model.CISuccess)
	return pr, nil
}

// OpenPullRequestURL returns the web URL for branch's pull request without opening a browser;
// the caller (the OSPort) is responsible for actually launching it.
func (p *Port) OpenPullRequestURL(ctx context.Context, repoPath, branch string) (string, error) {
	pr, err := p.FetchForBranch(ctx, repoPath, branch)
	if err != nil {
		return "", err
	}
	if pr == nil {
		return "", fmt.Errorf("no pull request found for branch %q", branch)
	}
	return pr.URL, nil
}

// SubmitFeedback shells out to `gh issue create`, the same subprocess pattern as
// FetchForBranch, and returns the created issue's URL as printed on stdout (no JSON).
func (p *Port) SubmitFeedback(ctx context.Context, repoPath, title, body string, labels []string) (string, error) {
	args := []string{"issue", "create", "--title", title, "--body", body}
	for _, l := range labels {
		args = append(args, "--label", l)
	}
	// #nosec G204 -- title/body/labels come from the local user's own feedback form
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = repoPath
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("gh issue create: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

func mapState(ghState string) model.PRState {
	switch strings.ToUpper(ghState) {
	case "MERGED":
		return model.PRStateMerged
	case "CLOSED":
		return model.PRStateClosed
	default:
		return model.PRStateOpen
	}
}

func computeCIState(rollup []struct {
	Conclusion string `json:"conclusion"`
	State      string `json:"state"`
}) model.CIState {
	if len(rollup) == 0 {
		return ""
	}
	sawPending := false
	for _, c := range rollup {
		status := strings.ToUpper(c.Conclusion)
		if status == "" {
			status = strings.ToUpper(c.State)
		}
		switch status {
		case "FAILURE", "ERROR", "CANCELLED", "TIMED_OUT":
			return model.CIFailure
		case "SUCCESS", "NEUTRAL", "SKIPPED":
			// continue scanning
		default:
			sawPending = true
		}
	}
	if sawPending {
		return model.CIPending
	}
	return model.CISuccess
}
