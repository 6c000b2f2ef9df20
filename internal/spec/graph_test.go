package spec

import (
	"testing"
)

func mkSpec(id string, status Status, deps ...string) *Spec {
	return &Spec{
		ID:          id,
		Frontmatter: Frontmatter{Status: status, DependsOn: deps},
		Body:        "# " + id + "\n",
	}
}

func TestIsReadyBasics(t *testing.T) {
	a := mkSpec("a", StatusCompleted)
	b := mkSpec("b", StatusPending, "a")
	c := mkSpec("c", StatusPending, "b")
	g := NewGraph([]*Spec{a, b, c})

	if !g.IsReady("b") {
		t.Error("b should be ready: its only dependency is completed")
	}
	if g.IsReady("c") {
		t.Error("c should not be ready: b is not completed")
	}
	if g.IsReady("a") {
		t.Error("a is completed and should never be ready")
	}
}

func TestFailedSpecsAreRetryReady(t *testing.T) {
	a := mkSpec("a", StatusFailed)
	g := NewGraph([]*Spec{a})
	if !g.IsReady("a") {
		t.Error("failed specs are retryable and should be ready")
	}
}

func TestNonRetryableStatusesNeverReady(t *testing.T) {
	for _, status := range []Status{StatusInProgress, StatusBlocked, StatusPaused, StatusCancelled, StatusNeedsAttention, StatusCompleted} {
		s := mkSpec("a", status)
		g := NewGraph([]*Spec{s})
		if g.IsReady("a") {
			t.Errorf("spec with status %q should not be ready", status)
		}
	}
}

func TestMissingDependencyBlocks(t *testing.T) {
	b := mkSpec("b", StatusPending, "ghost")
	g := NewGraph([]*Spec{b})

	if !g.IsBlocked("b") {
		t.Error("a dependency that does not exist must block, not be ignored")
	}

	blocking := g.BlockingDependencies("b")
	if len(blocking) != 1 {
		t.Fatalf("BlockingDependencies = %v", blocking)
	}
	if blocking[0].SpecID != "ghost" || blocking[0].Title != "(not found)" {
		t.Errorf("missing dep should be reported as not found: %+v", blocking[0])
	}
}

func TestApprovalBlocksPendingSpec(t *testing.T) {
	a := mkSpec("a", StatusPending)
	a.Approval = &Approval{Required: true, Status: ApprovalPending}
	g := NewGraph([]*Spec{a})

	if !g.IsBlocked("a") {
		t.Error("unapproved pending spec should be blocked")
	}
	if g.IsReady("a") {
		t.Error("unapproved pending spec should not be ready")
	}

	a.Approval.Status = ApprovalApproved
	if g.IsBlocked("a") {
		t.Error("approved spec should not be blocked")
	}
}

func TestTerminalSpecsAreNeverBlocked(t *testing.T) {
	done := mkSpec("done", StatusCompleted, "ghost")
	gone := mkSpec("gone", StatusCancelled, "ghost")
	g := NewGraph([]*Spec{done, gone})

	if g.IsBlocked("done") || g.IsBlocked("gone") {
		t.Error("completed and cancelled specs are never blocked")
	}
}

func TestSequentialMembers(t *testing.T) {
	driver := mkSpec("driver", StatusPending)
	driver.Members = []string{"m1", "m2", "m3"}
	m1 := mkSpec("m1", StatusCompleted)
	m2 := mkSpec("m2", StatusPending)
	m3 := mkSpec("m3", StatusPending)
	g := NewGraph([]*Spec{driver, m1, m2, m3})

	if !g.IsReady("m2") {
		t.Error("m2 should be ready: m1 (the only earlier sibling) is completed")
	}
	if g.IsReady("m3") {
		t.Error("m3 should not be ready: m2 is still pending")
	}

	blocking := g.BlockingDependencies("m3")
	if len(blocking) != 1 {
		t.Fatalf("BlockingDependencies(m3) = %v", blocking)
	}
	if blocking[0].SpecID != "m2" || !blocking[0].IsSibling {
		t.Errorf("m3 should be blocked by sibling m2: %+v", blocking[0])
	}
}

func TestMembersInheritDriverDependencies(t *testing.T) {
	gate := mkSpec("gate", StatusPending)
	driver := mkSpec("driver", StatusPending, "gate")
	driver.Members = []string{"m1"}
	m1 := mkSpec("m1", StatusPending)
	g := NewGraph([]*Spec{gate, driver, m1})

	if !g.IsBlocked("m1") {
		t.Error("member should inherit its driver's unmet dependency")
	}

	gate.Status = StatusCompleted
	if g.IsBlocked("m1") {
		t.Error("member should unblock once the driver's dependency completes")
	}
}

func TestDriverReadyOnlyWhenMembersComplete(t *testing.T) {
	driver := mkSpec("driver", StatusPending)
	driver.Members = []string{"m1", "m2"}
	m1 := mkSpec("m1", StatusCompleted)
	m2 := mkSpec("m2", StatusPending)
	g := NewGraph([]*Spec{driver, m1, m2})

	if g.IsReady("driver") {
		t.Error("driver should not be ready while m2 is pending")
	}
	if got := g.IncompleteMembers("driver"); len(got) != 1 || got[0] != "m2" {
		t.Errorf("IncompleteMembers = %v, want [m2]", got)
	}

	m2.Status = StatusCompleted
	if !g.IsReady("driver") {
		t.Error("driver should be ready once all members complete")
	}
}

func TestBlockingDependencyOrder(t *testing.T) {
	d1 := mkSpec("d1", StatusInProgress)
	d2 := mkSpec("d2", StatusPending)
	s := mkSpec("s", StatusPending, "d1", "d2")
	g := NewGraph([]*Spec{d1, d2, s})

	blocking := g.BlockingDependencies("s")
	if len(blocking) != 2 {
		t.Fatalf("BlockingDependencies = %v", blocking)
	}
	if blocking[0].SpecID != "d1" || blocking[1].SpecID != "d2" {
		t.Errorf("blocking deps out of declaration order: %v", blocking)
	}
	if blocking[0].Status != StatusInProgress {
		t.Errorf("blocking dep status = %q", blocking[0].Status)
	}
}

func TestReadySetOrderIsStable(t *testing.T) {
	a := mkSpec("001", StatusPending)
	b := mkSpec("002", StatusPending)
	c := mkSpec("003", StatusInProgress)
	specs := []*Spec{a, b, c}
	g := NewGraph(specs)

	ready := g.Ready(specs)
	if len(ready) != 2 || ready[0].ID != "001" || ready[1].ID != "002" {
		t.Errorf("Ready = %v", ready)
	}
}
