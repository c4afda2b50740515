// Package gitport implements ports.GitPort. Commit history, HEAD lookup and diff
// rendering are done with go-git, working against a single worktree path. Linked
// worktree lifecycle (add/remove/rename) has no go-git primitive, so it shells out
// to the `git worktree` and `git branch` subcommands directly.
package gitport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/luban-ide/luban-core/internal/ports"
)

// Port is the concrete ports.GitPort implementation.
type Port struct{}

// New constructs a Port.
func New() *Port { return &Port{} }

// AddWorktree runs `git worktree add`, optionally creating branchName off HEAD.
func (p *Port) AddWorktree(ctx context.Context, repoPath, worktreePath, branchName string, newBranch bool) error {
	args := []string{"worktree", "add"}
	if newBranch {
		args = append(args, "-b", branchName, worktreePath)
	} else {
		args = append(args, worktreePath, branchName)
	}
	// #nosec G204 -- arguments are built from validated internal state, not raw user input
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = repoPath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git worktree add: %w: %s", err, strings.TrimSpace(string(out)))
	}
	slog.Info("worktree added", "repo", repoPath, "worktree", worktreePath, "branch", branchName)
	return nil
}

// RemoveWorktree runs `git worktree remove`, leaving the main repository's .git directory
// and history untouched.
func (p *Port) RemoveWorktree(ctx context.Context, repoPath, worktreePath string) error {
	// #nosec G204 -- worktreePath is a path this process created and tracks internally
	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", worktreePath)
	cmd.Dir = repoPath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git worktree remove: %w: %s", err, strings.TrimSpace(string(out)))
	}
	slog.Info("worktree removed", "repo", repoPath, "worktree", worktreePath)
	return nil
}

// RenameBranch renames the branch checked out in worktreePath.
func (p *Port) RenameBranch(ctx context.Context, worktreePath, oldBranch, newBranch string) error {
	// #nosec G204 -- branch names are validated by the caller before reaching this port
	cmd := exec.CommandContext(ctx, "git", "branch", "-m", oldBranch, newBranch)
	cmd.Dir = worktreePath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git branch -m: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// CommitHistory returns up to limit commits, newest first.
func (p *Port) CommitHistory(ctx context.Context, worktreePath string, limit int) ([]ports.CommitInfo, error) {
	repo, err := git.PlainOpenWithOptions(worktreePath, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("open repo at %s: %w", worktreePath, err)
	}
	cIter, err := repo.Log(&git.LogOptions{Order: git.LogOrderCommitterTime})
	if err != nil {
		return nil, fmt.Errorf("git log: %w", err)
	}
	defer cIter.Close()

	var out []ports.CommitInfo
	for len(out) < limit {
		c, err := cIter.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		out = append(out, ports.CommitInfo{
			Hash:    c.Hash.String(),
			Author:  c.Author.String(),
			Date:    c.Author.When.UTC().Format(time.RFC3339),
			Message: c.Message,
		})
	}
	return out, nil
}

// HeadCommit returns the worktree's HEAD hash, or "" if there are no commits yet.
func (p *Port) HeadCommit(ctx context.Context, worktreePath string) (string, error) {
	repo, err := git.PlainOpenWithOptions(worktreePath, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", fmt.Errorf("open repo at %s: %w", worktreePath, err)
	}
	ref, err := repo.Head()
	if err != nil {
		return "", nil
	}
	return ref.Hash().String(), nil
}

// Changes reports the worktree's uncommitted file-level change set.
func (p *Port) Changes(ctx context.Context, worktreePath string) (ports.ChangesInfo, error) {
	repo, err := git.PlainOpenWithOptions(worktreePath, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return ports.ChangesInfo{}, fmt.Errorf("open repo at %s: %w", worktreePath, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return ports.ChangesInfo{}, fmt.Errorf("worktree handle: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return ports.ChangesInfo{}, fmt.Errorf("worktree status: %w", err)
	}
	var info ports.ChangesInfo
	for path, s := range status {
		switch {
		case s.Worktree == git.Untracked || s.Staging == git.Added:
			info.Added = append(info.Added, path)
		case s.Worktree == git.Deleted || s.Staging == git.Deleted:
			info.Deleted = append(info.Deleted, path)
		default:
			info.Modified = append(info.Modified, path)
		}
	}
	return info, nil
}

// Diff renders a unified-style diff of the worktree's uncommitted changes against HEAD.
func (p *Port) Diff(ctx context.Context, worktreePath string) (string, error) {
	repo, err := git.PlainOpenWithOptions(worktreePath, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", fmt.Errorf("open repo at %s: %w", worktreePath, err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", nil // no commits yet; nothing to diff against
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return "", fmt.Errorf("head commit: %w", err)
	}
	headTree, err := commit.Tree()
	if err != nil {
		return "", fmt.Errorf("head tree: %w", err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("worktree handle: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("worktree status: %w", err)
	}

	var b strings.Builder
	dmp := diffmatchpatch.New()
	for path := range status {
		var oldContent string
		if f, err := headTree.File(path); err == nil {
			if r, err := f.Reader(); err == nil {
				data, _ := io.ReadAll(r)
				r.Close()
				oldContent = string(data)
			}
		}
		newContent, err := readWorkingFile(worktreePath, path)
		if err != nil {
			continue
		}
		diffs := dmp.DiffMain(oldContent, newContent, true)
		if len(diffs) == 1 && diffs[0].Type == diffmatchpatch.DiffEqual {
			continue
		}
		fmt.Fprintf(&b, "--- %s\n+++ %s\n%s\n", path, path, dmp.DiffPrettyText(diffs))
	}
	return b.String(), nil
}

func readWorkingFile(worktreePath, relPath string) (string, error) {
	data, err := os.ReadFile(filepath.Join(worktreePath, relPath))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// commitAll stages and commits everything in the worktree; used by tests to seed history.
func commitAll(repo *git.Repository, message, author string) (string, error) {
	wt, err := repo.Worktree()
	if err != nil {
		return "", err
	}
	if err := wt.AddGlob("."); err != nil {
		return "", err
	}
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: author, Email: "luban-core@localhost", When: time.Now()},
	})
	if err != nil {
		return "", err
	}
	return hash.String(), nil
}
