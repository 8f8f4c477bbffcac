package gitinfo

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamcode/beamcode/internal/common/logger"
)

func gitCmd(t *testing.T, dir string, args ...string) {
	t.Helper()
	fullArgs := append([]string{"-C", dir}, args...)
	cmd := exec.Command("git", fullArgs...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %v\noutput: %s", args, err, out)
	}
}

// setupRepo creates a local repo tracking a bare remote, on branch main
// with one pushed commit.
func setupRepo(t *testing.T) (local string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	remote := t.TempDir()
	local = t.TempDir()

	gitCmd(t, remote, "init", "--bare", "--initial-branch=main")
	gitCmd(t, local, "init", "--initial-branch=main")
	gitCmd(t, local, "config", "user.email", "test@test.com")
	gitCmd(t, local, "config", "user.name", "Test User")

	require.NoError(t, os.WriteFile(filepath.Join(local, "README.md"), []byte("# test"), 0o644))
	gitCmd(t, local, "add", ".")
	gitCmd(t, local, "commit", "-m", "initial commit")
	gitCmd(t, local, "remote", "add", "origin", remote)
	gitCmd(t, local, "push", "-u", "origin", "main")
	return local
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func TestResolveReportsBranchAndRoot(t *testing.T) {
	repo := setupRepo(t)
	r := NewResolver(testLogger(t))

	info, err := r.Resolve(context.Background(), repo)
	require.NoError(t, err)

	assert.Equal(t, "main", info.Branch)
	assert.False(t, info.IsWorktree)
	assert.Equal(t, 0, info.Ahead)
	assert.Equal(t, 0, info.Behind)
	resolved, err := filepath.EvalSymlinks(repo)
	require.NoError(t, err)
	assert.Equal(t, resolved, info.RepoRoot)
}

func TestResolveCountsAheadCommits(t *testing.T) {
	repo := setupRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(repo, "new.txt"), []byte("x"), 0o644))
	gitCmd(t, repo, "add", ".")
	gitCmd(t, repo, "commit", "-m", "local only")

	r := NewResolver(testLogger(t))
	info, err := r.Resolve(context.Background(), repo)
	require.NoError(t, err)

	assert.Equal(t, 1, info.Ahead)
	assert.Equal(t, 0, info.Behind)
}

func TestResolveDetectsLinkedWorktree(t *testing.T) {
	repo := setupRepo(t)
	wt := filepath.Join(t.TempDir(), "feature-wt")
	gitCmd(t, repo, "worktree", "add", "-b", "feature", wt)

	r := NewResolver(testLogger(t))
	info, err := r.Resolve(context.Background(), wt)
	require.NoError(t, err)

	assert.Equal(t, "feature", info.Branch)
	assert.True(t, info.IsWorktree)
}

func TestResolveOutsideRepositoryFails(t *testing.T) {
	r := NewResolver(testLogger(t))
	_, err := r.Resolve(context.Background(), t.TempDir())
	assert.Error(t, err)
}
