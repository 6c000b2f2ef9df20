package worktree

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Iron-Ham/specflow/internal/errors"
)

// StatusFileName is where an agent reports progress inside its worktree.
const StatusFileName = ".specflow-status.json"

// Agent status values.
const (
	AgentWorking = "working"
	AgentDone    = "done"
	AgentFailed  = "failed"
)

// AgentStatus is the JSON record an agent (or the scheduler on its behalf)
// writes into the worktree. It is the only channel between a running agent
// and the orchestrator.
type AgentStatus struct {
	SpecID    string    `json:"spec_id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
	Error     string    `json:"error,omitempty"`
	Commits   []string  `json:"commits,omitempty"`
}

// StatusPath returns the status file location for a worktree.
func StatusPath(worktreePath string) string {
	return filepath.Join(worktreePath, StatusFileName)
}

// WriteStatus writes the status record atomically: serialize to a temp file
// next to the target, then rename. A concurrent reader sees either the old
// record or the new one, never a torn write.
func WriteStatus(worktreePath string, status *AgentStatus) error {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal agent status: %w", err)
	}

	target := StatusPath(worktreePath)
	tmp, err := os.CreateTemp(worktreePath, ".specflow-status.*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp status file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write agent status: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp status file: %w", err)
	}

	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("failed to rename status file into place: %w", err)
	}
	return nil
}

// ReadStatus reads the agent status from a worktree. A missing file returns
// ErrNoStatusFile — the agent simply has not reported yet. A file that
// exists but cannot be parsed returns ErrStatusCorrupted, which callers
// treat as a hard error.
func ReadStatus(worktreePath string) (*AgentStatus, error) {
	data, err := os.ReadFile(StatusPath(worktreePath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ErrNoStatusFile
		}
		return nil, fmt.Errorf("failed to read status file: %w", err)
	}

	var status AgentStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, errors.Wrapf(errors.ErrStatusCorrupted, "in %s: %v", worktreePath, err)
	}
	return &status, nil
}
