package spec

import (
	"fmt"
	"strings"
	"time"

	"github.com/Iron-Ham/specflow/internal/errors"
)

// CommitChecker reports whether any commit is attributed to the spec.
type CommitChecker func(specID string) (bool, error)

// CleanChecker reports whether the relevant worktree has no uncommitted
// changes.
type CleanChecker func() (bool, error)

// InvalidTransitionError rejects a status change the lifecycle table does
// not allow.
type InvalidTransitionError struct {
	SpecID string
	From   Status
	To     Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("spec %s: invalid transition %s -> %s", e.SpecID, e.From, e.To)
}

// ApprovalRequiredError rejects a transition on a spec whose approval gate
// is unsatisfied.
type ApprovalRequiredError struct {
	SpecID string
}

func (e *ApprovalRequiredError) Error() string {
	return fmt.Sprintf("spec %s: approval required before it can proceed", e.SpecID)
}

// UnmetDependenciesError rejects a transition while dependencies are
// outstanding. Blocking lists them in declaration order.
type UnmetDependenciesError struct {
	SpecID   string
	Blocking []BlockingDependency
}

func (e *UnmetDependenciesError) Error() string {
	ids := make([]string, len(e.Blocking))
	for i, b := range e.Blocking {
		ids[i] = b.SpecID
	}
	return fmt.Sprintf("spec %s: unmet dependencies: %s", e.SpecID, strings.Join(ids, ", "))
}

// IncompleteCriteriaError rejects completion while acceptance boxes remain
// unchecked.
type IncompleteCriteriaError struct {
	SpecID    string
	Unchecked int
}

func (e *IncompleteCriteriaError) Error() string {
	return fmt.Sprintf("spec %s: %d acceptance criteria unchecked", e.SpecID, e.Unchecked)
}

// NoCommitsError rejects completion when no commit is attributed to the
// spec and the spec has not opted out.
type NoCommitsError struct {
	SpecID string
}

func (e *NoCommitsError) Error() string {
	return fmt.Sprintf("spec %s: no commits found (expected subject prefix %q)", e.SpecID, CommitPrefix(e.SpecID))
}

// IncompleteMembersError rejects driver completion while members are
// outstanding.
type IncompleteMembersError struct {
	SpecID  string
	Members []string
}

func (e *IncompleteMembersError) Error() string {
	return fmt.Sprintf("spec %s: incomplete members: %s", e.SpecID, strings.Join(e.Members, ", "))
}

// DirtyWorktreeError rejects a transition while the worktree has
// uncommitted changes.
type DirtyWorktreeError struct {
	SpecID string
}

func (e *DirtyWorktreeError) Error() string {
	return fmt.Sprintf("spec %s: %v", e.SpecID, errors.ErrDirtyWorktree)
}

// Unwrap lets callers match the dirty-worktree sentinel with errors.Is.
func (e *DirtyWorktreeError) Unwrap() error {
	return errors.ErrDirtyWorktree
}

// CommitPrefix returns the commit subject prefix that attributes a commit
// to a spec, e.g. "specflow(042):".
func CommitPrefix(specID string) string {
	return fmt.Sprintf("specflow(%s):", specID)
}

// Transition is a staged status change with toggleable preconditions.
// Checks run in a fixed order regardless of the order they were enabled:
// approval, dependencies, criteria, commits, members, clean worktree. The
// first failing check rejects the transition with its own error type and
// the spec is left untouched.
//
// Usage:
//
//	err := spec.NewTransition(s, spec.StatusCompleted).
//		RequireDependenciesMet(graph).
//		RequireAllCriteriaChecked().
//		RequireCommitsExist(hasCommits).
//		Apply()
type Transition struct {
	spec  *Spec
	to    Status
	force bool

	checkApproval bool
	depsGraph     *Graph
	checkCriteria bool
	commitsCheck  CommitChecker
	membersGraph  *Graph
	cleanCheck    CleanChecker
}

// NewTransition stages a transition of the spec to the target status.
// Without any Require* calls only the lifecycle table is enforced.
func NewTransition(s *Spec, to Status) *Transition {
	return &Transition{spec: s, to: to}
}

// Force bypasses the lifecycle table and every precondition. Used by the
// reconciler and by explicit operator override.
func (t *Transition) Force() *Transition {
	t.force = true
	return t
}

// CheckApproval rejects the transition while the spec's approval gate is
// unsatisfied.
func (t *Transition) CheckApproval() *Transition {
	t.checkApproval = true
	return t
}

// RequireDependenciesMet rejects the transition while the graph reports
// blocking dependencies. Callers pass a freshly built graph so the check
// sees current statuses.
func (t *Transition) RequireDependenciesMet(g *Graph) *Transition {
	t.depsGraph = g
	return t
}

// RequireAllCriteriaChecked rejects the transition while acceptance boxes
// remain unchecked.
func (t *Transition) RequireAllCriteriaChecked() *Transition {
	t.checkCriteria = true
	return t
}

// RequireCommitsExist rejects the transition when no commit is attributed
// to the spec. Specs with allow_no_commits set skip this check.
func (t *Transition) RequireCommitsExist(check CommitChecker) *Transition {
	t.commitsCheck = check
	return t
}

// RequireNoIncompleteMembers rejects the transition while any member of a
// driver spec is not completed.
func (t *Transition) RequireNoIncompleteMembers(g *Graph) *Transition {
	t.membersGraph = g
	return t
}

// RequireCleanWorktree rejects the transition while the worktree has
// uncommitted changes.
func (t *Transition) RequireCleanWorktree(check CleanChecker) *Transition {
	t.cleanCheck = check
	return t
}

// Apply validates and performs the transition, mutating the spec's status
// on success. Self-transitions succeed without running any checks. On
// rejection the spec is unchanged.
func (t *Transition) Apply() error {
	s := t.spec

	if t.force {
		t.commit()
		return nil
	}

	if s.Status == t.to {
		return nil
	}

	if !CanTransition(s.Status, t.to) {
		return &InvalidTransitionError{SpecID: s.ID, From: s.Status, To: t.to}
	}

	if t.checkApproval && s.RequiresApproval() {
		return &ApprovalRequiredError{SpecID: s.ID}
	}

	if t.depsGraph != nil {
		if blocking := t.depsGraph.BlockingDependencies(s.ID); len(blocking) > 0 {
			return &UnmetDependenciesError{SpecID: s.ID, Blocking: blocking}
		}
	}

	if t.checkCriteria {
		if unchecked := s.UncheckedCriteria(); unchecked > 0 {
			return &IncompleteCriteriaError{SpecID: s.ID, Unchecked: unchecked}
		}
	}

	if t.commitsCheck != nil && !s.AllowNoCommits {
		has, err := t.commitsCheck(s.ID)
		if err != nil {
			return fmt.Errorf("failed to check commits for spec %s: %w", s.ID, err)
		}
		if !has {
			return &NoCommitsError{SpecID: s.ID}
		}
	}

	if t.membersGraph != nil && s.IsDriver() {
		if incomplete := t.membersGraph.IncompleteMembers(s.ID); len(incomplete) > 0 {
			return &IncompleteMembersError{SpecID: s.ID, Members: incomplete}
		}
	}

	if t.cleanCheck != nil {
		clean, err := t.cleanCheck()
		if err != nil {
			return fmt.Errorf("failed to check worktree for spec %s: %w", s.ID, err)
		}
		if !clean {
			return &DirtyWorktreeError{SpecID: s.ID}
		}
	}

	t.commit()
	return nil
}

// commit mutates the spec for the accepted transition. Completion stamps
// completed_at; leaving completed (replay) clears it.
func (t *Transition) commit() {
	s := t.spec
	if t.to == StatusCompleted && s.Status != StatusCompleted {
		now := time.Now().UTC()
		s.CompletedAt = &now
	}
	if s.Status == StatusCompleted && t.to != StatusCompleted {
		s.CompletedAt = nil
		s.Commits = nil
	}
	s.Status = t.to
}
