package gitport

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/require"
)

func hasGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	_, err = commitAll(repo, "initial commit", "tester")
	require.NoError(t, err)
	return dir
}

func TestCommitHistory_ReturnsNewestFirst(t *testing.T) {
	hasGit(t)
	dir := initRepo(t)
	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello again\n"), 0o644))
	_, err = commitAll(repo, "second commit", "tester")
	require.NoError(t, err)

	p := New()
	history, err := p.CommitHistory(context.Background(), dir, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "second commit", history[0].Message)
	require.Equal(t, "initial commit", history[1].Message)
}

func TestCommitHistory_RespectsLimit(t *testing.T) {
	hasGit(t)
	dir := initRepo(t)
	p := New()
	history, err := p.CommitHistory(context.Background(), dir, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestHeadCommit_MatchesLatestCommitHash(t *testing.T) {
	hasGit(t)
	dir := initRepo(t)
	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)
	head, err := repo.Head()
	require.NoError(t, err)

	p := New()
	got, err := p.HeadCommit(context.Background(), dir)
	require.NoError(t, err)
	require.Equal(t, head.Hash().String(), got)
}

func TestChanges_DetectsAddedAndModifiedFiles(t *testing.T) {
	hasGit(t)
	dir := initRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("changed\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "NEW.md"), []byte("new\n"), 0o644))

	p := New()
	changes, err := p.Changes(context.Background(), dir)
	require.NoError(t, err)
	require.Contains(t, changes.Added, "NEW.md")
	require.Contains(t, changes.Modified, "README.md")
}

func TestAddAndRemoveWorktree(t *testing.T) {
	hasGit(t)
	dir := initRepo(t)
	worktreeDir := filepath.Join(t.TempDir(), "wt")

	p := New()
	err := p.AddWorktree(context.Background(), dir, worktreeDir, "feature/test", true)
	require.NoError(t, err)
	require.DirExists(t, worktreeDir)

	err = p.RemoveWorktree(context.Background(), dir, worktreeDir)
	require.NoError(t, err)
	require.NoDirExists(t, worktreeDir)
}
