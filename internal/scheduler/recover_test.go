package scheduler

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Iron-Ham/specflow/internal/spec"
	"github.com/Iron-Ham/specflow/internal/worktree"
)

func newReconciler(h *harness) *Reconciler {
	return NewReconciler(h.store, h.wt, h.locks, nil, "specflow/", "main", true, 2*time.Hour)
}

// setupCrashedRun fakes the debris a dead orchestrator leaves behind: an
// in-progress spec, its worktree and branch, and whatever status file the
// agent managed to write before everything stopped.
func setupCrashedRun(t *testing.T, h *harness, id string, status *worktree.AgentStatus, withCommit bool) string {
	t.Helper()
	h.addSpec(id, func(s *spec.Spec) {
		s.Status = spec.StatusInProgress
		s.Branch = "specflow/" + id
	})
	path, err := h.wt.Create(id, "specflow/"+id)
	if err != nil {
		t.Fatal(err)
	}
	if withCommit {
		file := filepath.Join(path, id+".txt")
		if err := os.WriteFile(file, []byte("work for "+id), 0644); err != nil {
			t.Fatal(err)
		}
		git(t, path, "add", ".")
		git(t, path, "commit", "-m", "specflow("+id+"): implement")
	}
	if status != nil {
		if err := worktree.WriteStatus(path, status); err != nil {
			t.Fatal(err)
		}
	}
	return path
}

func actionFor(t *testing.T, actions []RecoveryAction, specID string) RecoveryAction {
	t.Helper()
	for _, a := range actions {
		if a.SpecID == specID {
			return a
		}
	}
	t.Fatalf("no recovery action for spec %s in %+v", specID, actions)
	return RecoveryAction{}
}

func TestRecoverMergesDoneWorktree(t *testing.T) {
	h := newHarness(t, 1)
	path := setupCrashedRun(t, h, "042", &worktree.AgentStatus{
		SpecID:    "042",
		Status:    worktree.AgentDone,
		UpdatedAt: time.Now().UTC(),
	}, true)

	actions, err := newReconciler(h).Run()
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	act := actionFor(t, actions, "042")
	if act.Action != ActionMerged || act.Err != nil {
		t.Fatalf("action = %+v, want merged", act)
	}

	sp := h.loadSpec("042")
	if sp.Status != spec.StatusCompleted {
		t.Errorf("status = %s, want completed", sp.Status)
	}
	if len(sp.Commits) != 1 {
		t.Errorf("Commits = %v, want the recovered commit", sp.Commits)
	}
	if _, err := os.Stat(filepath.Join(h.repo, "042.txt")); err != nil {
		t.Error("recovered work missing from main")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("worktree should be removed after recovery merge")
	}
	if h.wt.BranchExists("specflow/042") {
		t.Error("branch should be deleted after recovery merge")
	}
}

func TestRecoverMarksStaleWorkingFailed(t *testing.T) {
	h := newHarness(t, 1)
	path := setupCrashedRun(t, h, "042", &worktree.AgentStatus{
		SpecID:    "042",
		Status:    worktree.AgentWorking,
		UpdatedAt: time.Now().UTC().Add(-3 * time.Hour),
	}, false)

	actions, err := newReconciler(h).Run()
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if act := actionFor(t, actions, "042"); act.Action != ActionMarkedFailed {
		t.Fatalf("action = %+v, want marked-failed", act)
	}

	sp := h.loadSpec("042")
	if sp.Status != spec.StatusFailed {
		t.Errorf("status = %s, want failed", sp.Status)
	}
	if sp.RetryState == nil || !strings.Contains(sp.RetryState.LastError, "presumed dead") {
		t.Errorf("retry state = %+v", sp.RetryState)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("stale worktree should be removed")
	}
}

func TestRecoverLeavesFreshWorkingAlone(t *testing.T) {
	h := newHarness(t, 1)
	path := setupCrashedRun(t, h, "042", &worktree.AgentStatus{
		SpecID:    "042",
		Status:    worktree.AgentWorking,
		UpdatedAt: time.Now().UTC(),
	}, false)

	actions, err := newReconciler(h).Run()
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if act := actionFor(t, actions, "042"); act.Action != ActionLeftAlone {
		t.Fatalf("action = %+v, want left-alone", act)
	}
	if h.loadSpec("042").Status != spec.StatusInProgress {
		t.Error("fresh run's spec must not be touched")
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("fresh run's worktree must not be removed")
	}
}

func TestRecoverRemovesOrphanWithoutStatus(t *testing.T) {
	h := newHarness(t, 1)
	// Crash during setup: worktree exists, agent never wrote a status.
	path := setupCrashedRun(t, h, "042", nil, false)

	actions, err := newReconciler(h).Run()
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if act := actionFor(t, actions, "042"); act.Action != ActionRemovedOrphan {
		t.Fatalf("action = %+v, want removed-orphan", act)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("orphan worktree should be removed")
	}
	if h.wt.BranchExists("specflow/042") {
		t.Error("orphan branch should be deleted")
	}
	// The spec's stored status is not the reconciler's call here.
	if h.loadSpec("042").Status != spec.StatusInProgress {
		t.Error("spec status should be untouched for orphans")
	}
}

func TestRecoverAgentFailureKeepsWorktree(t *testing.T) {
	h := newHarness(t, 1)
	path := setupCrashedRun(t, h, "042", &worktree.AgentStatus{
		SpecID:    "042",
		Status:    worktree.AgentFailed,
		Error:     "could not apply patch",
		UpdatedAt: time.Now().UTC(),
	}, false)

	actions, err := newReconciler(h).Run()
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if act := actionFor(t, actions, "042"); act.Action != ActionMarkedFailed {
		t.Fatalf("action = %+v, want marked-failed", act)
	}
	sp := h.loadSpec("042")
	if sp.Status != spec.StatusFailed {
		t.Errorf("status = %s, want failed", sp.Status)
	}
	if sp.RetryState == nil || !strings.Contains(sp.RetryState.LastError, "could not apply patch") {
		t.Errorf("retry state should carry the agent's error: %+v", sp.RetryState)
	}
	// The worktree stays for inspection when the agent itself reported
	// failure.
	if _, err := os.Stat(path); err != nil {
		t.Error("failed agent's worktree should be kept")
	}
}

func TestRecoverSkipsLiveLock(t *testing.T) {
	h := newHarness(t, 1)
	setupCrashedRun(t, h, "042", &worktree.AgentStatus{
		SpecID:    "042",
		Status:    worktree.AgentDone,
		UpdatedAt: time.Now().UTC(),
	}, true)
	// A live lock means this spec is not crashed at all.
	if err := h.locks.Write("042", os.Getpid()); err != nil {
		t.Fatal(err)
	}

	actions, err := newReconciler(h).Run()
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if act := actionFor(t, actions, "042"); act.Action != ActionLeftAlone {
		t.Fatalf("action = %+v, want left-alone while locked", act)
	}
	if h.loadSpec("042").Status != spec.StatusInProgress {
		t.Error("locked spec must not be touched")
	}
}

func TestRecoverClearsStaleLocksFirst(t *testing.T) {
	h := newHarness(t, 1)
	setupCrashedRun(t, h, "042", &worktree.AgentStatus{
		SpecID:    "042",
		Status:    worktree.AgentDone,
		UpdatedAt: time.Now().UTC(),
	}, true)
	// A lock held by a long-dead process must not block recovery.
	if err := h.locks.Write("042", 99999999); err != nil {
		t.Fatal(err)
	}

	actions, err := newReconciler(h).Run()
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if act := actionFor(t, actions, "042"); act.Action != ActionMerged {
		t.Fatalf("action = %+v, want merged despite stale lock", act)
	}
	if _, err := os.Stat(h.locks.Path("042")); !os.IsNotExist(err) {
		t.Error("stale lock file should be removed")
	}
}

func TestRecoverAlreadyCompletedSpecOnlyRemovesDebris(t *testing.T) {
	h := newHarness(t, 1)
	setupCrashedRun(t, h, "042", &worktree.AgentStatus{
		SpecID:    "042",
		Status:    worktree.AgentDone,
		UpdatedAt: time.Now().UTC(),
	}, false)
	// The crash happened between finalize and cleanup: the spec is already
	// completed, only the worktree lingers.
	sp := h.loadSpec("042")
	if err := spec.NewTransition(sp, spec.StatusCompleted).Force().Apply(); err != nil {
		t.Fatal(err)
	}
	if err := h.store.Save(sp); err != nil {
		t.Fatal(err)
	}

	actions, err := newReconciler(h).Run()
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if act := actionFor(t, actions, "042"); act.Action != ActionRemovedOrphan {
		t.Fatalf("action = %+v, want removed-orphan", act)
	}
	if h.loadSpec("042").Status != spec.StatusCompleted {
		t.Error("completed spec must stay completed")
	}
	if h.wt.BranchExists("specflow/042") {
		t.Error("leftover branch should be deleted")
	}
}

func TestRecoverIsIdempotent(t *testing.T) {
	h := newHarness(t, 1)
	setupCrashedRun(t, h, "042", &worktree.AgentStatus{
		SpecID:    "042",
		Status:    worktree.AgentDone,
		UpdatedAt: time.Now().UTC(),
	}, true)

	r := newReconciler(h)
	if _, err := r.Run(); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	first := h.loadSpec("042")

	actions, err := r.Run()
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if len(actions) != 0 {
		t.Errorf("second pass actions = %+v, want none", actions)
	}

	second := h.loadSpec("042")
	if second.Status != first.Status || len(second.Commits) != len(first.Commits) {
		t.Error("second pass must not change the spec")
	}
}

func TestRecoverIgnoresForeignWorktrees(t *testing.T) {
	h := newHarness(t, 1)
	// A worktree on a branch outside the configured prefix belongs to a
	// human, not to the orchestrator.
	foreign := filepath.Join(h.repo, ".specflow", "worktrees", "feature")
	git(t, h.repo, "worktree", "add", "-b", "feature/manual", foreign)

	actions, err := newReconciler(h).Run()
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(actions) != 0 {
		t.Errorf("actions = %+v, want none for foreign worktrees", actions)
	}
	if _, err := os.Stat(foreign); err != nil {
		t.Error("foreign worktree must be left alone")
	}
}
