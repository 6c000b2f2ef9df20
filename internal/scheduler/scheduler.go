// Package scheduler dispatches ready specs to agent backends inside
// isolated git worktrees, bounded by per-backend and total concurrency
// limits, and integrates finished branches back into the target branch.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Iron-Ham/specflow/internal/agent"
	"github.com/Iron-Ham/specflow/internal/config"
	"github.com/Iron-Ham/specflow/internal/errors"
	"github.com/Iron-Ham/specflow/internal/logging"
	"github.com/Iron-Ham/specflow/internal/pidfile"
	"github.com/Iron-Ham/specflow/internal/spec"
	"github.com/Iron-Ham/specflow/internal/worktree"
)

// Outcome classifies how a spec's run ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeConflict  Outcome = "conflict"
	OutcomeSkipped   Outcome = "skipped"
)

// ConflictNotesFile is written into a worktree whose merge conflicted,
// describing the conflicting files and how to resolve them.
const ConflictNotesFile = ".specflow-conflict.md"

// SpecResult is one spec's entry in the batch summary.
type SpecResult struct {
	SpecID        string
	Backend       string
	Outcome       Outcome
	Err           error
	ConflictFiles []string
}

// Summary reports a whole batch.
type Summary struct {
	Results  []SpecResult
	Duration time.Duration
}

// Counts tallies the summary by outcome.
func (s *Summary) Counts() (completed, failed, skipped int) {
	for _, r := range s.Results {
		switch r.Outcome {
		case OutcomeCompleted:
			completed++
		case OutcomeSkipped:
			skipped++
		default:
			failed++
		}
	}
	return
}

// Scheduler runs batches of specs across agent backends.
type Scheduler struct {
	cfg        *config.Config
	store      *spec.Store
	wt         *worktree.Manager
	locks      *pidfile.Dir
	logger     *logging.Logger
	rotator    *Rotator
	runners    map[string]agent.Runner
	reconciler *Reconciler

	// AutoCheckCriteria flips remaining acceptance boxes on completion
	// (with a warning) instead of failing the spec. Single-spec runs
	// enable this; batch runs treat unchecked boxes as failure.
	AutoCheckCriteria bool

	sleep  func(time.Duration)
	jitter func(max time.Duration) time.Duration
}

// New builds a scheduler from the configuration, wiring one command runner
// per configured backend.
func New(cfg *config.Config, store *spec.Store, wt *worktree.Manager, locks *pidfile.Dir, logger *logging.Logger) (*Scheduler, error) {
	if len(cfg.Parallel.Backends) == 0 {
		return nil, errors.ErrNoBackends
	}
	if logger == nil {
		logger = logging.NopLogger()
	}

	rotator, err := NewRotator(cfg.Rotation.Strategy, cfg.Parallel.Backends, cfg.Paths.StoreDir)
	if err != nil {
		return nil, err
	}

	runners := make(map[string]agent.Runner, len(cfg.Parallel.Backends))
	for _, b := range cfg.Parallel.Backends {
		runners[b.Name] = agent.NewCommandRunner(b.Command, logger.WithBackend(b.Name))
	}

	reconciler := NewReconciler(store, wt, locks, logger,
		cfg.Branch.Prefix, cfg.Branch.Main, cfg.Merge.Rebase, cfg.Staleness())

	return &Scheduler{
		cfg:        cfg,
		store:      store,
		wt:         wt,
		locks:      locks,
		logger:     logger,
		rotator:    rotator,
		runners:    runners,
		reconciler: reconciler,
		sleep:      time.Sleep,
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(2*max+1))) - max
		},
	}, nil
}

// SetRunner overrides the runner for a backend. Tests use this to stub the
// agent process.
func (s *Scheduler) SetRunner(backend string, r agent.Runner) {
	s.runners[backend] = r
}

// workerResult is what an execution goroutine reports back.
type workerResult struct {
	specID    string
	backend   string
	runErr    error
	status    *worktree.AgentStatus
	statusErr error
}

// Run executes a batch. ids restricts the batch to those specs; an empty
// slice means every ready spec in the store. Run blocks until every
// dispatched spec reaches a terminal outcome.
//
// The ready set is recomputed from disk before every dispatch, so specs
// completed mid-batch unblock their dependents within the same run. One
// spec's failure never aborts the batch. Merges are processed one at a
// time in the scheduling loop.
func (s *Scheduler) Run(ctx context.Context, ids []string) (*Summary, error) {
	start := time.Now()

	// Repair whatever a crashed run left behind before accepting new work:
	// finished-but-unmerged branches land now, dead runs are failed, and
	// their worktrees stop shadowing the specs this batch may dispatch.
	if _, err := s.reconciler.Run(); err != nil {
		return nil, err
	}

	target := make(map[string]bool, len(ids))
	for _, id := range ids {
		target[id] = true
	}
	if len(target) > 0 {
		if err := s.expandDriverTargets(target); err != nil {
			return nil, err
		}
	}

	total := s.cfg.TotalConcurrency()
	handled := make(map[string]bool)
	inFlight := make(map[string]string) // spec ID -> backend
	usage := make(map[string]int)       // backend -> running count
	results := make(chan workerResult)

	summary := &Summary{}
	record := func(r SpecResult) {
		summary.Results = append(summary.Results, r)
		handled[r.SpecID] = true
	}

	// Drivers whose members finished in an earlier run complete here
	// rather than waiting for new member activity.
	if err := s.completeReadyDrivers(target, handled, record); err != nil {
		return nil, err
	}

	for {
		// Fill free slots from the freshly recomputed ready set.
		for len(inFlight) < total {
			sp, g, err := s.nextReady(target, handled, inFlight)
			if err != nil {
				return summary, err
			}
			if sp == nil {
				break
			}

			if err := ValidateForDispatch(sp, g); err != nil {
				s.logger.WithSpec(sp.ID).Warn("skipping invalid spec", "reason", err.Error())
				record(SpecResult{SpecID: sp.ID, Outcome: OutcomeSkipped, Err: err})
				continue
			}

			backend := s.selectBackend(usage)
			if backend == "" {
				break
			}

			if err := s.prepare(sp, g, backend); err != nil {
				record(SpecResult{SpecID: sp.ID, Backend: backend, Outcome: OutcomeFailed, Err: err})
				continue
			}

			inFlight[sp.ID] = backend
			usage[backend]++
			go s.execute(ctx, sp.ID, backend, results)

			s.logger.WithSpec(sp.ID).WithBackend(backend).Info("spec dispatched",
				"in_flight", len(inFlight), "total_slots", total)
			s.stagger()
		}

		if len(inFlight) == 0 {
			break
		}

		res := <-results
		backend := inFlight[res.specID]
		delete(inFlight, res.specID)
		usage[backend]--

		record(s.finalize(res))

		// A completed member may have been its driver's last one.
		if err := s.completeReadyDrivers(target, handled, record); err != nil {
			return summary, err
		}
	}

	// Explicitly requested specs that never became ready are reported,
	// not silently dropped.
	for _, id := range ids {
		if !handled[id] {
			record(SpecResult{
				SpecID:  id,
				Outcome: OutcomeSkipped,
				Err:     fmt.Errorf("spec %s never became ready", id),
			})
		}
	}

	summary.Duration = time.Since(start)
	return summary, nil
}

// nextReady reloads the store and returns the first dispatchable spec:
// ready per the dependency graph, inside the target set, not already
// handled, in flight, or locked by another process. Returns the fresh
// graph alongside so callers validate against the same snapshot.
func (s *Scheduler) nextReady(target, handled map[string]bool, inFlight map[string]string) (*spec.Spec, *spec.Graph, error) {
	specs, err := s.store.LoadAll()
	if err != nil {
		return nil, nil, err
	}
	g := spec.NewGraph(specs)

	for _, sp := range specs {
		// Drivers coordinate members and never run an agent themselves;
		// they complete when their last member does.
		if sp.IsDriver() {
			continue
		}
		if len(target) > 0 && !target[sp.ID] {
			continue
		}
		if handled[sp.ID] {
			continue
		}
		if _, running := inFlight[sp.ID]; running {
			continue
		}
		if !g.IsReady(sp.ID) {
			continue
		}
		if s.locks.IsLocked(sp.ID) {
			continue
		}
		return sp, g, nil
	}
	return nil, g, nil
}

// expandDriverTargets widens an explicit target set: requesting a driver
// means requesting its members. The driver ID stays in the set so its
// derived completion is reported.
func (s *Scheduler) expandDriverTargets(target map[string]bool) error {
	specs, err := s.store.LoadAll()
	if err != nil {
		return err
	}
	for _, sp := range specs {
		if !target[sp.ID] || !sp.IsDriver() {
			continue
		}
		for _, m := range sp.Members {
			target[m] = true
		}
	}
	return nil
}

// completeReadyDrivers completes every driver whose members are all
// completed. Driver completion is derived, not dispatched: the transition
// is forced because a driver never passes through in-progress.
func (s *Scheduler) completeReadyDrivers(target, handled map[string]bool, record func(SpecResult)) error {
	specs, err := s.store.LoadAll()
	if err != nil {
		return err
	}
	g := spec.NewGraph(specs)

	for _, sp := range specs {
		if !sp.IsDriver() || sp.Status.IsTerminal() || handled[sp.ID] {
			continue
		}
		if len(g.IncompleteMembers(sp.ID)) > 0 {
			continue
		}
		if err := spec.NewTransition(sp, spec.StatusCompleted).Force().Apply(); err != nil {
			s.logger.WithSpec(sp.ID).Warn("cannot complete driver", "error", err.Error())
			continue
		}
		if err := s.store.Save(sp); err != nil {
			return err
		}
		s.logger.WithSpec(sp.ID).Info("driver completed", "members", len(sp.Members))
		if len(target) == 0 || target[sp.ID] {
			record(SpecResult{SpecID: sp.ID, Outcome: OutcomeCompleted})
		} else {
			handled[sp.ID] = true
		}
	}
	return nil
}

// selectBackend picks a backend with free capacity. When a rotation
// strategy is configured its preference wins if that backend has room;
// otherwise (and for strategy "none") the backend with the greatest
// remaining capacity wins, ties broken by configuration order.
func (s *Scheduler) selectBackend(usage map[string]int) string {
	remaining := func(b config.Backend) int {
		return b.MaxConcurrent - usage[b.Name]
	}

	if s.cfg.Rotation.Strategy != config.RotationNone {
		pref, err := s.rotator.Next()
		if err != nil {
			s.logger.Warn("rotation failed, falling back to capacity order", "error", err.Error())
		} else {
			for _, b := range s.cfg.Parallel.Backends {
				if b.Name == pref && remaining(b) > 0 {
					return pref
				}
			}
		}
	}

	best := ""
	bestRemaining := 0
	for _, b := range s.cfg.Parallel.Backends {
		if r := remaining(b); r > bestRemaining {
			best = b.Name
			bestRemaining = r
		}
	}
	return best
}

// prepare moves a spec into flight: transition to in-progress, record the
// branch, create the worktree, copy the spec in, and write the initial
// working status. Any failure rolls the spec to failed so the batch can
// continue.
func (s *Scheduler) prepare(sp *spec.Spec, g *spec.Graph, backend string) error {
	branch := s.cfg.Branch.Prefix + sp.ID

	if err := spec.NewTransition(sp, spec.StatusInProgress).
		CheckApproval().
		RequireDependenciesMet(g).
		Apply(); err != nil {
		return err
	}
	sp.Branch = branch
	if err := s.store.Save(sp); err != nil {
		return err
	}

	path, err := s.wt.Create(sp.ID, branch)
	if err != nil {
		s.markFailed(sp.ID, fmt.Sprintf("worktree creation failed: %v", err))
		return err
	}

	if err := s.wt.CopySpecInto(path, s.store.Path(sp.ID), specRelPath(s.wt, s.store, sp.ID)); err != nil {
		s.markFailed(sp.ID, fmt.Sprintf("spec copy failed: %v", err))
		return err
	}

	status := &worktree.AgentStatus{
		SpecID:    sp.ID,
		Status:    worktree.AgentWorking,
		UpdatedAt: time.Now().UTC(),
	}
	if err := worktree.WriteStatus(path, status); err != nil {
		s.markFailed(sp.ID, fmt.Sprintf("status write failed: %v", err))
		return err
	}

	s.logger.WithSpec(sp.ID).WithBackend(backend).Debug("spec prepared", "worktree", path, "branch", branch)
	return nil
}

// execute runs the agent for one spec and reports the raw outcome. It owns
// the spec's lock file for the duration: acquired before the agent starts,
// updated to the agent's PID once known, and released on every exit path.
func (s *Scheduler) execute(ctx context.Context, specID, backend string, results chan<- workerResult) {
	res := workerResult{specID: specID, backend: backend}
	defer func() { results <- res }()

	guard, err := s.locks.Acquire(specID, os.Getpid())
	if err != nil {
		res.runErr = err
		return
	}
	defer guard.Release()

	path := s.wt.Path(specID)
	prompt := agent.BuildPrompt(specID, specRelPath(s.wt, s.store, specID))

	res.runErr = s.runners[backend].Run(ctx, agent.Invocation{
		SpecID:      specID,
		WorktreeDir: path,
		Prompt:      prompt,
	}, func(pid int) {
		// Track the agent itself so stop/pause can signal it.
		_ = s.locks.Write(specID, pid)
	})

	res.status, res.statusErr = worktree.ReadStatus(path)
}

// finalize turns a worker result into a terminal spec state. It runs in
// the scheduling loop, so merges are naturally serialized: no two branches
// touch the target branch at once.
func (s *Scheduler) finalize(res workerResult) SpecResult {
	log := s.logger.WithSpec(res.specID).WithBackend(res.backend).WithPhase("merge")
	out := SpecResult{SpecID: res.specID, Backend: res.backend, Outcome: OutcomeFailed}

	if res.runErr != nil {
		out.Err = res.runErr
		s.markFailed(res.specID, res.runErr.Error())
		return out
	}
	if res.statusErr != nil {
		if errors.Is(res.statusErr, errors.ErrNoStatusFile) {
			out.Err = fmt.Errorf("agent exited without reporting status")
		} else {
			out.Err = res.statusErr
		}
		s.markFailed(res.specID, out.Err.Error())
		return out
	}
	switch res.status.Status {
	case worktree.AgentDone:
		// fall through to completion below
	case worktree.AgentFailed:
		msg := res.status.Error
		if msg == "" {
			msg = "agent reported failure"
		}
		out.Err = errors.NewSchedulerError(msg, errors.ErrAgentFailed).WithSpecID(res.specID)
		s.markFailed(res.specID, msg)
		return out
	default:
		out.Err = fmt.Errorf("agent exited while status is still %q", res.status.Status)
		s.markFailed(res.specID, out.Err.Error())
		return out
	}

	sp, err := s.store.Load(res.specID)
	if err != nil {
		out.Err = err
		return out
	}

	// The worktree disappears on a successful merge; capture the agent's
	// spec edits and transcript while it still exists. The copy is kept
	// out of version control, so reading it directly is the channel for
	// criteria check-offs.
	path := s.wt.Path(sp.ID)
	adoptAgentSpec(sp, filepath.Join(path, specRelPath(s.wt, s.store, sp.ID)), log)
	transcript := readTranscript(path)

	// Completion gate: acceptance criteria first, then commit
	// attribution, before anything touches the target branch.
	if unchecked := sp.UncheckedCriteria(); unchecked > 0 {
		if !s.AutoCheckCriteria {
			out.Err = &spec.IncompleteCriteriaError{SpecID: sp.ID, Unchecked: unchecked}
			s.failSpec(sp, out.Err.Error())
			return out
		}
		log.Warn("auto-checking remaining acceptance criteria", "unchecked", unchecked)
		sp.AutoCheckCriteria()
	}

	if !sp.AllowNoCommits {
		has, err := s.wt.HasCommits(spec.CommitPrefix(sp.ID))
		if err != nil {
			out.Err = err
			s.failSpec(sp, err.Error())
			return out
		}
		if !has {
			out.Err = &spec.NoCommitsError{SpecID: sp.ID}
			s.failSpec(sp, out.Err.Error())
			return out
		}
	}

	merge, err := s.wt.MergeAndCleanup(sp.ID, sp.Branch, s.cfg.Branch.Main, s.cfg.Merge.Rebase)
	if err != nil {
		out.Err = err
		s.failSpec(sp, err.Error())
		return out
	}
	if !merge.Merged {
		out.Outcome = OutcomeConflict
		out.ConflictFiles = merge.ConflictFiles
		out.Err = errors.NewGitError("merge failed", errors.ErrMergeConflict).
			WithBranch(sp.Branch).WithGitOutput(merge.Detail)
		s.failSpec(sp, fmt.Sprintf("merge conflict in: %s", strings.Join(merge.ConflictFiles, ", ")))
		// Leave resolution instructions in the preserved worktree for
		// whoever (or whatever) picks the branch up.
		notes := agent.BuildConflictPrompt(sp.ID, sp.Branch, s.cfg.Branch.Main, merge.ConflictFiles)
		if werr := os.WriteFile(filepath.Join(path, ConflictNotesFile), []byte(notes), 0644); werr != nil {
			log.Warn("could not write conflict notes", "error", werr.Error())
		}
		log.Warn("merge conflict, branch preserved", "files", merge.ConflictFiles)
		return out
	}

	commits, err := s.wt.CommitsFor(spec.CommitPrefix(sp.ID))
	if err != nil {
		log.Warn("failed to collect commit list", "error", err.Error())
	}

	if err := spec.NewTransition(sp, spec.StatusCompleted).Apply(); err != nil {
		out.Err = err
		return out
	}
	sp.Commits = commits
	sp.AppendTranscript(transcript, time.Now().UTC())
	if err := s.store.Save(sp); err != nil {
		out.Err = err
		return out
	}
	if err := s.wt.CommitSpecRecord(sp.ID, s.store.Path(sp.ID)); err != nil {
		log.Warn("could not commit spec record", "error", err.Error())
	}

	log.Info("spec completed", "commits", len(commits))
	out.Outcome = OutcomeCompleted
	out.Err = nil
	return out
}

// specRelPath is the spec's path relative to the repository root, used both
// for the store and for the copy inside a worktree. A store outside the
// repository falls back to the default layout.
func specRelPath(wt *worktree.Manager, st *spec.Store, specID string) string {
	rel, err := filepath.Rel(wt.RepoDir(), st.Path(specID))
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.Join(".specflow", "specs", specID+".md")
	}
	return rel
}

// adoptAgentSpec folds the body of the agent's spec copy back into the
// store record: checked acceptance boxes and any notes the agent added.
// Frontmatter stays orchestrator-owned. A missing copy folds nothing; a
// corrupt one is reported and skipped.
func adoptAgentSpec(sp *spec.Spec, copyPath string, log *logging.Logger) {
	data, err := os.ReadFile(copyPath)
	if err != nil {
		return
	}
	updated, err := spec.Parse(sp.ID, data)
	if err != nil {
		log.Warn("agent spec copy unreadable, keeping stored body", "error", err.Error())
		return
	}
	sp.Body = updated.Body
}

// readTranscript returns the agent's captured output from the worktree, or
// empty when the run left no log.
func readTranscript(worktreePath string) string {
	data, err := os.ReadFile(filepath.Join(worktreePath, agent.LogFileName))
	if err != nil {
		return ""
	}
	return string(data)
}

// failSpec forces an already-loaded spec to failed, records the error in
// its retry state, and persists it — including any body edits folded in
// from the agent's copy, so partial check-offs survive a failed run.
func (s *Scheduler) failSpec(sp *spec.Spec, msg string) {
	_ = spec.NewTransition(sp, spec.StatusFailed).Force().Apply()
	sp.RecordFailure(msg)
	if err := s.store.Save(sp); err != nil {
		s.logger.WithSpec(sp.ID).Error("cannot save failed spec", "error", err.Error())
	}
}

// markFailed forces a spec to failed and records the error in its retry
// state. Used on failure paths that never loaded the spec; forced because
// the spec may be in any state when things go wrong.
func (s *Scheduler) markFailed(specID, msg string) {
	sp, err := s.store.Load(specID)
	if err != nil {
		s.logger.WithSpec(specID).Error("cannot mark spec failed", "error", err.Error())
		return
	}
	s.failSpec(sp, msg)
}

// stagger sleeps the configured base delay plus random jitter in
// [-jitter, +jitter], clamped at zero, between consecutive dispatches.
func (s *Scheduler) stagger() {
	d := s.cfg.StaggerDelay() + s.jitter(s.cfg.StaggerJitter())
	if d > 0 {
		s.sleep(d)
	}
}
