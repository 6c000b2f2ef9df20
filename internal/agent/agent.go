// Package agent invokes the external agent process that performs a spec's
// work. The agent is a black box: it receives the worktree as its working
// directory and the task prompt on stdin, and it is judged by its exit
// status and the status file it writes into the worktree.
package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/Iron-Ham/specflow/internal/errors"
	"github.com/Iron-Ham/specflow/internal/logging"
	"github.com/Iron-Ham/specflow/internal/worktree"
)

// LogFileName is where the agent's stdout and stderr are captured inside
// the worktree.
const LogFileName = ".specflow-agent.log"

// Invocation describes one agent run.
type Invocation struct {
	SpecID      string
	WorktreeDir string
	Prompt      string
}

// Runner executes an agent for a spec. Implementations block until the
// agent exits; onStart is called once with the agent's PID so the caller
// can track it.
type Runner interface {
	Run(ctx context.Context, inv Invocation, onStart func(pid int)) error
}

// CommandRunner runs a configured backend command as the agent. The command
// string may carry arguments ("claude-agent --headless"); it is split on
// whitespace.
type CommandRunner struct {
	Command string
	Logger  *logging.Logger
}

// NewCommandRunner creates a CommandRunner for the given backend command.
func NewCommandRunner(command string, logger *logging.Logger) *CommandRunner {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &CommandRunner{Command: command, Logger: logger}
}

// Run starts the agent in the worktree, feeds it the prompt on stdin, and
// waits for it to exit. The agent's combined output is captured to a log
// file in the worktree. A non-zero exit wraps ErrAgentFailed.
func (r *CommandRunner) Run(ctx context.Context, inv Invocation, onStart func(pid int)) error {
	parts := strings.Fields(r.Command)
	if len(parts) == 0 {
		return errors.NewValidationError("agent command is empty").WithField("command")
	}

	logFile, err := os.Create(filepath.Join(inv.WorktreeDir, LogFileName))
	if err != nil {
		return fmt.Errorf("failed to create agent log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Dir = inv.WorktreeDir
	cmd.Stdin = strings.NewReader(inv.Prompt)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(),
		"SPECFLOW_SPEC_ID="+inv.SpecID,
		"SPECFLOW_STATUS_FILE="+worktree.StatusPath(inv.WorktreeDir),
	)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start agent %q: %w", parts[0], err)
	}

	r.Logger.WithSpec(inv.SpecID).Info("agent started", "command", parts[0], "pid", cmd.Process.Pid)
	if onStart != nil {
		onStart(cmd.Process.Pid)
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return errors.Wrapf(errors.ErrCanceled, "agent for spec %s", inv.SpecID)
		}
		return errors.NewSchedulerError(
			fmt.Sprintf("agent exited: %v (see %s)", err, LogFileName),
			errors.ErrAgentFailed).WithSpecID(inv.SpecID).WithPhase("execute")
	}
	return nil
}

// BuildPrompt renders the task prompt an agent receives for a spec. The
// spec file itself is copied into the worktree so the agent can read the
// full context; the prompt carries the contract.
func BuildPrompt(specID, specFile string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are working on spec %s.\n\n", specID)
	fmt.Fprintf(&b, "The full spec is at %s relative to your working directory.\n", specFile)
	b.WriteString("Implement it, committing as you go. Every commit subject must start with ")
	fmt.Fprintf(&b, "%q.\n", fmt.Sprintf("specflow(%s):", specID))
	fmt.Fprintf(&b, "Report progress by writing JSON to %s with fields ", worktree.StatusFileName)
	b.WriteString(`spec_id, status ("working", "done", or "failed"), updated_at (RFC 3339), and optionally error and commits.` + "\n")
	b.WriteString("Check off acceptance criteria in the spec file as you complete them.\n")
	return b.String()
}

// BuildConflictPrompt renders the prompt for a conflict-resolution run:
// the agent is pointed at the conflicting files after a failed merge.
func BuildConflictPrompt(specID, branch, target string, files []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Merging branch %s into %s for spec %s hit conflicts.\n\n", branch, target, specID)
	b.WriteString("Conflicting files:\n")
	for _, f := range files {
		fmt.Fprintf(&b, "  - %s\n", f)
	}
	b.WriteString("\nRebase the branch onto the target, resolve each conflict preserving the intent ")
	b.WriteString("of both sides, and commit the resolution. Do not force-push or discard commits.\n")
	return b.String()
}
