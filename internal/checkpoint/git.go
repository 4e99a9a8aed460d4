// Package checkpoint persists terminal-event snapshots and rebuilds
// enriched prompts for task resumption.
package checkpoint

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
)

// GitState is the repository snapshot captured alongside a checkpoint.
// Zero-valued (IsRepo false) for non-git working directories.
type GitState struct {
	IsRepo     bool
	Branch     string
	CommitSHA  string
	DirtyFiles []string
}

// CaptureGitState inspects dir with argv-style git invocations. Branch
// and path names pass as arguments, never through a shell, so crafted
// names cannot inject commands. A non-git directory yields a zero state
// without error.
func CaptureGitState(ctx context.Context, dir string) GitState {
	if dir == "" {
		return GitState{}
	}
	branch, err := runGit(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return GitState{}
	}
	state := GitState{IsRepo: true, Branch: branch}

	if sha, err := runGit(ctx, dir, "rev-parse", "HEAD"); err == nil {
		state.CommitSHA = sha
	}
	if status, err := runGit(ctx, dir, "status", "--porcelain"); err == nil {
		for _, line := range strings.Split(status, "\n") {
			if len(line) > 3 {
				state.DirtyFiles = append(state.DirtyFiles, strings.TrimSpace(line[3:]))
			}
		}
	}
	return state
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", err
	}
	// Trim only line endings: a porcelain status line starts with a
	// significant space in its two-column status code.
	return strings.TrimRight(out.String(), "\r\n"), nil
}
