package scheduler

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/Iron-Ham/specflow/internal/errors"
	"github.com/Iron-Ham/specflow/internal/logging"
	"github.com/Iron-Ham/specflow/internal/pidfile"
	"github.com/Iron-Ham/specflow/internal/spec"
	"github.com/Iron-Ham/specflow/internal/worktree"
)

// Recovery actions, reported per worktree.
const (
	ActionMerged        = "merged"
	ActionMergeFailed   = "merge-failed"
	ActionMarkedFailed  = "marked-failed"
	ActionRemovedOrphan = "removed-orphan"
	ActionLeftAlone     = "left-alone"
)

// RecoveryAction records what the reconciler did with one worktree.
type RecoveryAction struct {
	SpecID string
	Action string
	Err    error
}

// Reconciler repairs state left behind by a crashed run. It only looks at
// worktrees whose branches carry the configured prefix; everything else in
// the repository is none of its business.
type Reconciler struct {
	store        *spec.Store
	wt           *worktree.Manager
	locks        *pidfile.Dir
	logger       *logging.Logger
	branchPrefix string
	mainBranch   string
	rebase       bool
	staleness    time.Duration

	now func() time.Time
}

// NewReconciler builds a reconciler. staleness is how old a Working status
// update may be before the run is presumed dead.
func NewReconciler(store *spec.Store, wt *worktree.Manager, locks *pidfile.Dir, logger *logging.Logger,
	branchPrefix, mainBranch string, rebase bool, staleness time.Duration) *Reconciler {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Reconciler{
		store:        store,
		wt:           wt,
		locks:        locks,
		logger:       logger,
		branchPrefix: branchPrefix,
		mainBranch:   mainBranch,
		rebase:       rebase,
		staleness:    staleness,
		now:          time.Now,
	}
}

// Run scans every spec worktree and reconciles it:
//
//   - agent reported done but the branch never merged: merge and finalize
//     now; a failed merge marks the spec failed and keeps the branch
//   - agent still "working" but the status is older than the staleness
//     threshold: the run is presumed dead; mark the spec failed and remove
//     the worktree
//   - no status file at all: debris from a crash during setup; remove the
//     worktree and prune, leaving the spec's status untouched
//   - anything fresh or with a live lock is left alone
//
// Run is idempotent: a second pass over the same state is a no-op, and the
// order worktrees are processed in does not affect the result.
func (r *Reconciler) Run() ([]RecoveryAction, error) {
	// Locks whose processes died are cleared first so liveness checks
	// below see the truth.
	if removed, err := r.locks.CleanupStale(); err != nil {
		r.logger.Warn("stale lock cleanup failed", "error", err.Error())
	} else if len(removed) > 0 {
		r.logger.Info("removed stale locks", "specs", removed)
	}

	infos, err := r.wt.Snapshot(r.branchPrefix)
	if err != nil {
		return nil, err
	}

	var actions []RecoveryAction
	for _, info := range infos {
		action := r.reconcile(info)
		if action.Action != ActionLeftAlone {
			r.logger.WithSpec(action.SpecID).WithPhase("recover").Info("reconciled worktree",
				"action", action.Action)
		}
		actions = append(actions, action)
	}
	return actions, nil
}

// reconcile classifies and repairs a single worktree.
func (r *Reconciler) reconcile(info worktree.Info) RecoveryAction {
	specID := info.SpecID
	act := RecoveryAction{SpecID: specID, Action: ActionLeftAlone}

	// A live lock means another orchestrator is running this spec right
	// now. Hands off.
	if r.locks.IsLocked(specID) {
		return act
	}

	status, err := worktree.ReadStatus(info.Path)
	switch {
	case errors.Is(err, errors.ErrNoStatusFile):
		// Crash during setup: no agent ever reported. Remove the debris;
		// the spec's stored status stays whatever it is.
		if rmErr := r.wt.Remove(info.Path); rmErr != nil {
			act.Err = rmErr
			return act
		}
		_ = r.wt.DeleteBranch(info.Branch)
		act.Action = ActionRemovedOrphan
		return act
	case err != nil:
		act.Err = err
		return act
	}

	switch status.Status {
	case worktree.AgentDone:
		return r.finishUnmerged(specID, info)
	case worktree.AgentWorking:
		age := r.now().Sub(status.UpdatedAt)
		if age < r.staleness {
			return act
		}
		msg := fmt.Sprintf("run presumed dead: last status update %s ago", age.Round(time.Minute))
		if err := r.forceFailed(specID, msg); err != nil {
			act.Err = err
			return act
		}
		if err := r.wt.Remove(info.Path); err != nil {
			act.Err = err
			return act
		}
		act.Action = ActionMarkedFailed
		return act
	case worktree.AgentFailed:
		msg := status.Error
		if msg == "" {
			msg = "agent reported failure before crash"
		}
		if err := r.forceFailed(specID, msg); err != nil {
			act.Err = err
			return act
		}
		act.Action = ActionMarkedFailed
		return act
	default:
		act.Err = fmt.Errorf("spec %s: unrecognized agent status %q", specID, status.Status)
		return act
	}
}

// finishUnmerged completes the merge a crashed run never got to. The spec
// may already be completed (the crash happened between merge and save, or
// a previous recovery pass did the work); that is a no-op.
func (r *Reconciler) finishUnmerged(specID string, info worktree.Info) RecoveryAction {
	act := RecoveryAction{SpecID: specID, Action: ActionLeftAlone}

	sp, err := r.store.Load(specID)
	if err != nil {
		act.Err = err
		return act
	}
	if sp.Status == spec.StatusCompleted {
		// Already finalized; only the worktree is left over.
		if err := r.wt.Remove(info.Path); err != nil {
			act.Err = err
			return act
		}
		_ = r.wt.DeleteBranch(info.Branch)
		act.Action = ActionRemovedOrphan
		return act
	}

	// Capture the dead run's spec edits and transcript before the merge
	// removes the worktree.
	adoptAgentSpec(sp, filepath.Join(info.Path, specRelPath(r.wt, r.store, specID)), r.logger.WithSpec(specID))
	transcript := readTranscript(info.Path)

	merge, err := r.wt.MergeAndCleanup(specID, info.Branch, r.mainBranch, r.rebase)
	if err != nil {
		act.Err = err
		return act
	}
	if !merge.Merged {
		msg := "recovery merge failed"
		if len(merge.ConflictFiles) > 0 {
			msg = fmt.Sprintf("recovery merge conflict in %d file(s)", len(merge.ConflictFiles))
		}
		if err := r.forceFailed(specID, msg); err != nil {
			act.Err = err
			return act
		}
		act.Action = ActionMergeFailed
		return act
	}

	commits, err := r.wt.CommitsFor(spec.CommitPrefix(specID))
	if err != nil {
		r.logger.WithSpec(specID).Warn("failed to collect commit list", "error", err.Error())
	}
	if err := spec.NewTransition(sp, spec.StatusCompleted).Force().Apply(); err != nil {
		act.Err = err
		return act
	}
	sp.Commits = commits
	sp.AppendTranscript(transcript, r.now().UTC())
	if err := r.store.Save(sp); err != nil {
		act.Err = err
		return act
	}
	if err := r.wt.CommitSpecRecord(specID, r.store.Path(specID)); err != nil {
		r.logger.WithSpec(specID).Warn("could not commit spec record", "error", err.Error())
	}

	act.Action = ActionMerged
	return act
}

// forceFailed marks a spec failed regardless of its current status and
// records why. Already-failed specs are not re-recorded, keeping recovery
// idempotent.
func (r *Reconciler) forceFailed(specID, msg string) error {
	sp, err := r.store.Load(specID)
	if err != nil {
		return err
	}
	if sp.Status == spec.StatusFailed {
		return nil
	}
	if err := spec.NewTransition(sp, spec.StatusFailed).Force().Apply(); err != nil {
		return err
	}
	sp.RecordFailure(msg)
	return r.store.Save(sp)
}
