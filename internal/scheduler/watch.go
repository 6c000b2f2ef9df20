package scheduler

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Iron-Ham/specflow/internal/errors"
	"github.com/Iron-Ham/specflow/internal/worktree"
)

// StatusEvent is one observed change to an agent's status file.
type StatusEvent struct {
	SpecID string
	Status *worktree.AgentStatus
	Err    error
}

// WatchStatuses streams status-file changes for a set of running
// worktrees, keyed by spec ID. Events arrive via fsnotify; a poll ticker
// backstops filesystems where rename events are unreliable. Only actual
// changes (by updated_at) are emitted. The channel closes when ctx ends.
func WatchStatuses(ctx context.Context, worktrees map[string]string, poll time.Duration) (<-chan StatusEvent, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, dir := range worktrees {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, err
		}
	}

	// Reverse index: status file path -> spec ID.
	byPath := make(map[string]string, len(worktrees))
	for specID, dir := range worktrees {
		byPath[worktree.StatusPath(dir)] = specID
	}

	events := make(chan StatusEvent)
	go func() {
		defer close(events)
		defer watcher.Close()

		last := make(map[string]time.Time)
		emit := func(specID, dir string) {
			status, err := worktree.ReadStatus(dir)
			if err != nil {
				if errors.Is(err, errors.ErrNoStatusFile) {
					return
				}
				select {
				case events <- StatusEvent{SpecID: specID, Err: err}:
				case <-ctx.Done():
				}
				return
			}
			if !status.UpdatedAt.After(last[specID]) {
				return
			}
			last[specID] = status.UpdatedAt
			select {
			case events <- StatusEvent{SpecID: specID, Status: status}:
			case <-ctx.Done():
			}
		}

		// Initial pass so watchers see current state immediately.
		for specID, dir := range worktrees {
			emit(specID, dir)
		}

		ticker := time.NewTicker(poll)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				// Atomic writers rename a temp file over the status
				// file, so Create and Rename matter as much as Write.
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				specID, tracked := byPath[filepath.Clean(ev.Name)]
				if !tracked {
					continue
				}
				emit(specID, worktrees[specID])
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				select {
				case events <- StatusEvent{Err: werr}:
				case <-ctx.Done():
					return
				}
			case <-ticker.C:
				for specID, dir := range worktrees {
					emit(specID, dir)
				}
			}
		}
	}()

	return events, nil
}
