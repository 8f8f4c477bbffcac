// Package gitinfo resolves git repository facts for a session working
// directory. The coordinator seeds session state with the result so
// consumers see the branch and sync counts without shelling out
// themselves.
package gitinfo

import (
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/session"
)

// Resolver shells out to git. The zero value is not usable; construct
// with NewResolver.
type Resolver struct {
	log *logger.Logger
}

func NewResolver(log *logger.Logger) *Resolver {
	return &Resolver{log: log}
}

// Resolve inspects dir and returns its git facts. A directory outside
// any repository returns an error; callers treat that as "no git info".
func (r *Resolver) Resolve(ctx context.Context, dir string) (session.GitInfo, error) {
	var info session.GitInfo

	branch, err := runGit(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return info, err
	}
	info.Branch = branch

	if root, err := runGit(ctx, dir, "rev-parse", "--show-toplevel"); err == nil {
		info.RepoRoot = root
	}

	// A linked worktree has its own git-dir under the main repository's
	// worktrees directory, so the two paths diverge.
	gitDir, gitDirErr := runGit(ctx, dir, "rev-parse", "--absolute-git-dir")
	commonDir, commonErr := runGit(ctx, dir, "rev-parse", "--git-common-dir")
	if gitDirErr == nil && commonErr == nil {
		info.IsWorktree = gitDir != commonDir && strings.Contains(gitDir, "/worktrees/")
	}

	// Ahead/behind needs an upstream; branches without one report 0/0.
	if counts, err := runGit(ctx, dir, "rev-list", "--left-right", "--count", "HEAD...@{upstream}"); err == nil {
		parts := strings.Fields(counts)
		if len(parts) == 2 {
			info.Ahead, _ = strconv.Atoi(parts[0])
			info.Behind, _ = strconv.Atoi(parts[1])
		}
	}

	return info, nil
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
