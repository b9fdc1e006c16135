// Package worktree gives each sandbox session its own git worktree, so agent
// edits land on a session branch instead of the user's checkout.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/zpdzap/beesto/internal/config"
)

// Path returns the worktree directory for a sandbox session.
func Path(projectDir, name string) string {
	return filepath.Join(projectDir, config.Dir, config.WorktreeDir, name)
}

// Branch returns the branch a session's worktree is checked out on.
func Branch(name string) string {
	return fmt.Sprintf("beesto/%s", name)
}

func git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %s: %w", args[0], strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}

// IsRepo reports whether projectDir is inside a git work tree.
func IsRepo(ctx context.Context, projectDir string) bool {
	out, err := git(ctx, projectDir, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// Create creates a git worktree for a sandbox session, or reuses one left
// behind by an earlier boot of the same session.
// Returns the absolute worktree path and branch name.
func Create(ctx context.Context, projectDir, name string) (string, string, error) {
	wtPath, err := filepath.Abs(Path(projectDir, name))
	if err != nil {
		return "", "", err
	}
	branch := Branch(name)

	if _, err := os.Stat(wtPath); err == nil {
		return wtPath, branch, nil
	}
	if _, err := git(ctx, projectDir, "worktree", "add", wtPath, "-b", branch); err != nil {
		return "", "", err
	}
	return wtPath, branch, nil
}

// Remove removes a session worktree and deletes its branch. Both steps are
// best-effort: a worktree that is already gone is not an error.
func Remove(ctx context.Context, projectDir, name string) {
	git(ctx, projectDir, "worktree", "remove", "--force", Path(projectDir, name))
	git(ctx, projectDir, "branch", "-D", Branch(name))
}

// List returns the session names of existing beesto worktrees.
func List(ctx context.Context, projectDir string) ([]string, error) {
	out, err := git(ctx, projectDir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}

	prefix := filepath.Join(projectDir, config.Dir, config.WorktreeDir)
	if abs, err := filepath.Abs(prefix); err == nil {
		prefix = abs
	}
	// git reports resolved paths; on macOS the temp dir is behind a symlink.
	if resolved, err := filepath.EvalSymlinks(prefix); err == nil {
		prefix = resolved
	}

	var names []string
	for _, line := range strings.Split(out, "\n") {
		path, ok := strings.CutPrefix(line, "worktree ")
		if ok && strings.HasPrefix(path, prefix+string(filepath.Separator)) {
			names = append(names, filepath.Base(path))
		}
	}
	return names, nil
}
