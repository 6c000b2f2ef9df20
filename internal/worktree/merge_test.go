package worktree

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func commitFileIn(t *testing.T, dir, name, content, message string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	gitIn(t, dir, "add", ".")
	gitIn(t, dir, "commit", "-m", message)
}

func TestMergeAndCleanupFastForward(t *testing.T) {
	m, repo := newTestManager(t)
	path, err := m.Create("042", "specflow/042")
	if err != nil {
		t.Fatal(err)
	}
	commitFileIn(t, path, "feature.txt", "new feature", "specflow(042): add feature")

	result, err := m.MergeAndCleanup("042", "specflow/042", "main", false)
	if err != nil {
		t.Fatalf("MergeAndCleanup failed: %v", err)
	}
	if !result.Merged {
		t.Fatalf("merge should have succeeded: %+v", result)
	}

	// The commit landed on main.
	if _, err := os.Stat(filepath.Join(repo, "feature.txt")); err != nil {
		t.Error("merged file missing from main checkout")
	}
	// Worktree and branch are gone.
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("worktree should be removed after merge")
	}
	if m.BranchExists("specflow/042") {
		t.Error("branch should be deleted after merge")
	}
}

func TestMergeAndCleanupRebasesOntoMovedTarget(t *testing.T) {
	m, repo := newTestManager(t)
	path, err := m.Create("042", "specflow/042")
	if err != nil {
		t.Fatal(err)
	}
	commitFileIn(t, path, "feature.txt", "new feature", "specflow(042): add feature")
	// Main moves independently with a non-conflicting change.
	commitFileIn(t, repo, "other.txt", "other work", "unrelated change")

	result, err := m.MergeAndCleanup("042", "specflow/042", "main", true)
	if err != nil {
		t.Fatalf("MergeAndCleanup failed: %v", err)
	}
	if !result.Merged {
		t.Fatalf("rebase + ff merge should have succeeded: %+v", result)
	}
	if _, err := os.Stat(filepath.Join(repo, "feature.txt")); err != nil {
		t.Error("rebased file missing from main checkout")
	}
}

func TestMergeAndCleanupConflictPreservesBranch(t *testing.T) {
	m, repo := newTestManager(t)
	path, err := m.Create("042", "specflow/042")
	if err != nil {
		t.Fatal(err)
	}
	// Both sides edit README.md.
	commitFileIn(t, path, "README.md", "# branch version\n", "specflow(042): rewrite readme")
	commitFileIn(t, repo, "README.md", "# main version\n", "conflicting change")

	result, err := m.MergeAndCleanup("042", "specflow/042", "main", true)
	if err != nil {
		t.Fatalf("MergeAndCleanup hard-failed: %v", err)
	}
	if result.Merged {
		t.Fatal("conflicting merge must not report success")
	}
	if len(result.ConflictFiles) != 1 || result.ConflictFiles[0] != "README.md" {
		t.Errorf("ConflictFiles = %v, want [README.md]", result.ConflictFiles)
	}

	// Branch and worktree survive for manual resolution.
	if !m.BranchExists("specflow/042") {
		t.Error("branch should be preserved on conflict")
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("worktree should be preserved on conflict")
	}

	// The aborted rebase left the worktree usable.
	dirty, err := m.HasUncommittedChanges(path)
	if err != nil {
		t.Fatal(err)
	}
	if dirty {
		t.Error("aborted rebase should leave the worktree clean")
	}
}

func TestMergeWithoutRebaseCreatesMergeCommitWhenTargetMoved(t *testing.T) {
	m, repo := newTestManager(t)
	if _, err := m.Create("042", "specflow/042"); err != nil {
		t.Fatal(err)
	}
	path := m.Path("042")
	commitFileIn(t, path, "feature.txt", "new feature", "specflow(042): add feature")
	commitFileIn(t, repo, "other.txt", "other work", "unrelated change")

	// Fast-forward is impossible, but nothing conflicts: the branch lands
	// with a merge commit.
	result, err := m.MergeAndCleanup("042", "specflow/042", "main", false)
	if err != nil {
		t.Fatalf("MergeAndCleanup failed: %v", err)
	}
	if !result.Merged {
		t.Fatalf("diverged but non-conflicting branch should merge: %+v", result)
	}

	if _, err := os.Stat(filepath.Join(repo, "feature.txt")); err != nil {
		t.Error("branch work missing from main checkout")
	}
	if _, err := os.Stat(filepath.Join(repo, "other.txt")); err != nil {
		t.Error("target's own work missing after merge")
	}
	parents := strings.Fields(gitIn(t, repo, "log", "-1", "--format=%P"))
	if len(parents) != 2 {
		t.Errorf("HEAD has %d parents, want a merge commit", len(parents))
	}
	if m.BranchExists("specflow/042") {
		t.Error("branch should be deleted after merge")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("worktree should be removed after merge")
	}
}

func TestMergeWithoutRebaseConflictPreservesBranch(t *testing.T) {
	m, repo := newTestManager(t)
	path, err := m.Create("042", "specflow/042")
	if err != nil {
		t.Fatal(err)
	}
	commitFileIn(t, path, "README.md", "# branch version\n", "specflow(042): rewrite readme")
	commitFileIn(t, repo, "README.md", "# main version\n", "conflicting change")

	result, err := m.MergeAndCleanup("042", "specflow/042", "main", false)
	if err != nil {
		t.Fatalf("MergeAndCleanup hard-failed: %v", err)
	}
	if result.Merged {
		t.Fatal("conflicting content must not merge")
	}
	if len(result.ConflictFiles) != 1 || result.ConflictFiles[0] != "README.md" {
		t.Errorf("ConflictFiles = %v, want [README.md]", result.ConflictFiles)
	}
	if !m.BranchExists("specflow/042") {
		t.Error("branch should be preserved on conflict")
	}

	// The aborted merge left the main checkout usable.
	dirty, err := m.HasUncommittedChanges(repo)
	if err != nil {
		t.Fatal(err)
	}
	if dirty {
		t.Error("aborted merge should leave the main checkout clean")
	}
}
