package worktree

import (
	"fmt"
	"os/exec"
	"strings"
)

// MergeResult reports the outcome of integrating a spec branch.
type MergeResult struct {
	// Merged is true when the branch landed on the target and the
	// worktree and branch were cleaned up.
	Merged bool
	// ConflictFiles lists the files that conflicted when Merged is false.
	// May be empty when the merge failed for a non-conflict reason
	// (e.g. the target moved and fast-forward was impossible).
	ConflictFiles []string
	// Detail carries the git output explaining a failed merge.
	Detail string
}

// ConflictingFiles returns the unmerged paths in the given directory.
func (m *Manager) ConflictingFiles(dir string) ([]string, error) {
	cmd := exec.Command("git", "diff", "--name-only", "--diff-filter=U")
	cmd.Dir = dir
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicting files: %w", err)
	}
	trimmed := strings.TrimSpace(string(output))
	if trimmed == "" {
		return nil, nil
	}
	return strings.Split(trimmed, "\n"), nil
}

// MergeAndCleanup integrates a finished spec branch into the target:
// optionally rebase the branch onto the target, check out the target, and
// fast-forward merge. On success the worktree is removed and the branch
// deleted. On conflict the rebase or merge is aborted and the branch and
// worktree are preserved for manual resolution; the result lists the
// conflicting files and Merged is false.
//
// A non-nil error means the merge could not even be attempted (a hard git
// failure), not a conflict.
func (m *Manager) MergeAndCleanup(specID, branch, target string, rebase bool) (*MergeResult, error) {
	worktreePath := m.Path(specID)

	if rebase {
		cmd := exec.Command("git", "rebase", target)
		cmd.Dir = worktreePath
		if output, err := cmd.CombinedOutput(); err != nil {
			files, _ := m.ConflictingFiles(worktreePath)

			abort := exec.Command("git", "rebase", "--abort")
			abort.Dir = worktreePath
			_ = abort.Run()

			return &MergeResult{
				ConflictFiles: files,
				Detail:        strings.TrimSpace(string(output)),
			}, nil
		}
	}

	if output, err := m.git("checkout", target); err != nil {
		return nil, fmt.Errorf("failed to check out %s: %w\n%s", target, err, output)
	}

	mergeOutput, mergeErr := m.git("merge", "--ff-only", branch)
	if mergeErr != nil && !rebase {
		// Without the rebase step a branch has usually diverged from the
		// target; record it with a merge commit instead. Conflicting
		// content still fails below.
		msg := fmt.Sprintf("Merge branch '%s'", branch)
		mergeOutput, mergeErr = m.git("merge", "--no-ff", "-m", msg, branch)
	}
	if mergeErr != nil {
		files, _ := m.ConflictingFiles(m.repoDir)
		_, _ = m.git("merge", "--abort")

		return &MergeResult{
			ConflictFiles: files,
			Detail:        strings.TrimSpace(mergeOutput),
		}, nil
	}

	if err := m.Remove(worktreePath); err != nil {
		return nil, fmt.Errorf("merged %s but failed to remove worktree: %w", branch, err)
	}
	if err := m.DeleteBranch(branch); err != nil {
		return nil, fmt.Errorf("merged %s but failed to delete branch: %w", branch, err)
	}

	return &MergeResult{Merged: true}, nil
}
