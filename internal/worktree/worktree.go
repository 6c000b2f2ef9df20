// Package worktree manages the git worktrees specs execute in: one worktree
// and branch per spec, created before dispatch and merged back (or removed)
// after the agent finishes.
package worktree

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/Iron-Ham/specflow/internal/errors"
)

// Manager handles git worktree operations for a single repository.
type Manager struct {
	repoDir string
	baseDir string
}

// FindGitRoot finds the root of the git repository by traversing up from
// startDir. It returns the directory containing .git (either a directory or
// a file for worktrees).
func FindGitRoot(startDir string) (string, error) {
	dir := startDir
	for {
		gitPath := filepath.Join(dir, ".git")
		if info, err := os.Stat(gitPath); err == nil {
			// .git can be a directory (normal repo) or a file (worktree)
			if info.IsDir() || info.Mode().IsRegular() {
				return dir, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.NewGitError("no .git found up to mount point", errors.ErrNotGitRepository).WithRepository(startDir)
		}
		dir = parent
	}
}

// New creates a Manager for the repository containing repoDir. Worktrees
// are created under baseDir; if baseDir is relative it is resolved against
// the repository root.
func New(repoDir, baseDir string) (*Manager, error) {
	gitRoot, err := FindGitRoot(repoDir)
	if err != nil {
		return nil, err
	}
	if !filepath.IsAbs(baseDir) {
		baseDir = filepath.Join(gitRoot, baseDir)
	}
	return &Manager{repoDir: gitRoot, baseDir: baseDir}, nil
}

// RepoDir returns the repository root the manager operates on.
func (m *Manager) RepoDir() string {
	return m.repoDir
}

// Path returns where the worktree for a spec lives.
func (m *Manager) Path(specID string) string {
	return filepath.Join(m.baseDir, specID)
}

// git runs a git command in the repository root and returns its combined
// output.
func (m *Manager) git(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = m.repoDir
	output, err := cmd.CombinedOutput()
	return string(output), err
}

// BranchExists reports whether a local branch exists.
func (m *Manager) BranchExists(branch string) bool {
	_, err := m.git("rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// runtimeExcludes are the orchestrator's runtime files: the status and log
// files agents report through, conflict notes, and the .specflow state
// directory itself. They are kept out of version control so an agent
// staging everything never commits scheduler state, and so status updates
// after the agent's last commit never leave a worktree dirty.
var runtimeExcludes = []string{
	StatusFileName,
	".specflow-agent.log",
	".specflow-conflict.md",
	".specflow/",
}

// Create makes a new worktree with a new branch for the spec and returns
// its path. The branch must not already exist.
func (m *Manager) Create(specID, branch string) (string, error) {
	if m.BranchExists(branch) {
		return "", errors.NewGitError("refusing to reuse branch", errors.ErrBranchExists).WithBranch(branch)
	}

	if err := m.ensureExcluded(); err != nil {
		return "", err
	}

	path := m.Path(specID)
	if err := os.MkdirAll(m.baseDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create worktree base directory: %w", err)
	}

	if output, err := m.git("worktree", "add", "-b", branch, path); err != nil {
		return "", fmt.Errorf("failed to create worktree: %w\n%s", err, output)
	}
	return path, nil
}

// ensureExcluded appends the runtime file patterns to the repository's
// shared info/exclude, which every worktree honors. Patterns already
// present are left alone, so repeated calls never duplicate lines.
func (m *Manager) ensureExcluded() error {
	out, err := m.git("rev-parse", "--git-common-dir")
	if err != nil {
		return fmt.Errorf("failed to locate git directory: %w\n%s", err, out)
	}
	gitDir := strings.TrimSpace(out)
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(m.repoDir, gitDir)
	}

	infoDir := filepath.Join(gitDir, "info")
	if err := os.MkdirAll(infoDir, 0755); err != nil {
		return fmt.Errorf("failed to create git info directory: %w", err)
	}
	excludePath := filepath.Join(infoDir, "exclude")

	existing, err := os.ReadFile(excludePath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read exclude file: %w", err)
	}
	have := make(map[string]bool)
	for _, line := range strings.Split(string(existing), "\n") {
		have[strings.TrimSpace(line)] = true
	}

	var missing []string
	for _, pattern := range runtimeExcludes {
		if !have[pattern] {
			missing = append(missing, pattern)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	var b strings.Builder
	if len(existing) > 0 && !strings.HasSuffix(string(existing), "\n") {
		b.WriteString("\n")
	}
	b.WriteString(strings.Join(missing, "\n") + "\n")

	f, err := os.OpenFile(excludePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open exclude file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(b.String()); err != nil {
		return fmt.Errorf("failed to write exclude file: %w", err)
	}
	return nil
}

// Remove removes a worktree and prunes stale references. If git refuses,
// the directory is removed manually and references are pruned anyway, so
// Remove is safe to call on half-torn-down worktrees.
func (m *Manager) Remove(path string) error {
	output, err := m.git("worktree", "remove", "--force", path)
	if err != nil {
		_ = os.RemoveAll(path)
		_, _ = m.git("worktree", "prune")
		if _, statErr := os.Stat(path); statErr == nil {
			return fmt.Errorf("failed to remove worktree cleanly: %w\n%s", err, output)
		}
		return nil
	}
	_, _ = m.git("worktree", "prune")
	return nil
}

// Prune drops worktree references whose directories are gone.
func (m *Manager) Prune() error {
	if output, err := m.git("worktree", "prune"); err != nil {
		return fmt.Errorf("failed to prune worktrees: %w\n%s", err, output)
	}
	return nil
}

// DeleteBranch deletes a local branch.
func (m *Manager) DeleteBranch(branch string) error {
	if output, err := m.git("branch", "-D", branch); err != nil {
		return fmt.Errorf("failed to delete branch %s: %w\n%s", branch, err, output)
	}
	return nil
}

// Entry is one record from git worktree list --porcelain.
type Entry struct {
	Path     string
	Head     string
	Branch   string
	Bare     bool
	Prunable string // reason, empty when not prunable
}

// List returns every worktree git knows about, main checkout included.
func (m *Manager) List() ([]Entry, error) {
	cmd := exec.Command("git", "worktree", "list", "--porcelain")
	cmd.Dir = m.repoDir
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}
	return parseWorktreeList(string(output)), nil
}

// parseWorktreeList parses porcelain output: records separated by blank
// lines, each starting with a "worktree <path>" line.
func parseWorktreeList(output string) []Entry {
	var entries []Entry
	var cur *Entry
	flush := func() {
		if cur != nil {
			entries = append(entries, *cur)
			cur = nil
		}
	}
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			flush()
			cur = &Entry{Path: strings.TrimPrefix(line, "worktree ")}
		case cur == nil:
			// Stray line before any worktree record; ignore.
		case strings.HasPrefix(line, "HEAD "):
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		case line == "bare":
			cur.Bare = true
		case strings.HasPrefix(line, "prunable"):
			cur.Prunable = strings.TrimSpace(strings.TrimPrefix(line, "prunable"))
		}
	}
	flush()
	return entries
}

// Info is an ephemeral diagnostic snapshot of one spec worktree. It is
// computed on demand and never persisted.
type Info struct {
	SpecID   string
	Path     string
	Branch   string
	Size     int64
	Age      time.Duration
	Prunable string
}

// Snapshot returns diagnostic info for every worktree whose branch carries
// the given prefix, i.e. the worktrees this tool created.
func (m *Manager) Snapshot(branchPrefix string) ([]Info, error) {
	entries, err := m.List()
	if err != nil {
		return nil, err
	}

	var infos []Info
	now := time.Now()
	for _, e := range entries {
		if !strings.HasPrefix(e.Branch, branchPrefix) {
			continue
		}
		info := Info{
			SpecID:   strings.TrimPrefix(e.Branch, branchPrefix),
			Path:     e.Path,
			Branch:   e.Branch,
			Prunable: e.Prunable,
		}
		if stat, err := os.Stat(e.Path); err == nil {
			info.Age = now.Sub(stat.ModTime())
			info.Size = dirSize(e.Path)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// dirSize sums regular file sizes under root. Errors are treated as zero:
// this feeds a diagnostic listing, not accounting.
func dirSize(root string) int64 {
	var size int64
	_ = filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.Mode().IsRegular() {
			size += info.Size()
		}
		return nil
	})
	return size
}

// HasUncommittedChanges reports whether the given worktree has staged,
// unstaged, or untracked changes.
func (m *Manager) HasUncommittedChanges(worktreePath string) (bool, error) {
	cmd := exec.Command("git", "status", "--porcelain")
	cmd.Dir = worktreePath
	output, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("failed to check worktree status: %w", err)
	}
	return len(strings.TrimSpace(string(output))) > 0, nil
}

// HasCommits reports whether any commit anywhere in the repository is
// attributed to the spec by its commit subject prefix.
func (m *Manager) HasCommits(commitPrefix string) (bool, error) {
	cmd := exec.Command("git", "log", "--all", "--oneline", "--grep", "^"+regexpQuote(commitPrefix))
	cmd.Dir = m.repoDir
	output, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("failed to search commits: %w", err)
	}
	return len(strings.TrimSpace(string(output))) > 0, nil
}

// CommitsFor returns the short hashes of commits attributed to the spec,
// newest first.
func (m *Manager) CommitsFor(commitPrefix string) ([]string, error) {
	cmd := exec.Command("git", "log", "--all", "--format=%h", "--grep", "^"+regexpQuote(commitPrefix))
	cmd.Dir = m.repoDir
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list commits: %w", err)
	}
	trimmed := strings.TrimSpace(string(output))
	if trimmed == "" {
		return nil, nil
	}
	return strings.Split(trimmed, "\n"), nil
}

// regexpQuote escapes the basic-regexp metacharacters git log --grep
// interprets, so a spec ID like "042.1" matches literally.
func regexpQuote(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '.', '*', '[', ']', '^', '$', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CopySpecInto places the spec file inside the worktree at destRel so the
// agent can read and update its task without access to the main checkout.
// destRel is the spec's repository-relative path, keeping the copy where
// the store keeps the original.
func (m *Manager) CopySpecInto(worktreePath, specPath, destRel string) error {
	data, err := os.ReadFile(specPath)
	if err != nil {
		return fmt.Errorf("failed to read spec file: %w", err)
	}
	dest := filepath.Join(worktreePath, destRel)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create spec directory in worktree: %w", err)
	}
	if err := os.WriteFile(dest, data, 0644); err != nil {
		return fmt.Errorf("failed to copy spec into worktree: %w", err)
	}
	return nil
}

// CommitSpecRecord stages and commits a spec's store file on the current
// branch, recording the final spec state (status, commits, transcript)
// in history. Skipped when the path is ignored: an ignored store is local
// orchestrator state, not repository content. The commit subject avoids
// the attribution prefix so the record never counts as spec work.
func (m *Manager) CommitSpecRecord(specID, specPath string) error {
	check := exec.Command("git", "check-ignore", "-q", specPath)
	check.Dir = m.repoDir
	if check.Run() == nil {
		return nil
	}

	if output, err := m.git("add", "--", specPath); err != nil {
		return fmt.Errorf("failed to stage spec record: %w\n%s", err, output)
	}
	staged := exec.Command("git", "diff", "--cached", "--quiet", "--", specPath)
	staged.Dir = m.repoDir
	if staged.Run() == nil {
		return nil
	}

	msg := fmt.Sprintf("specflow: record final state for %s", specID)
	if output, err := m.git("commit", "-m", msg, "--", specPath); err != nil {
		return fmt.Errorf("failed to commit spec record: %w\n%s", err, output)
	}
	return nil
}
