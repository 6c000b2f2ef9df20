package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/specflow/internal/worktree"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize specflow in the current repository",
	Long: `Initialize specflow in the current git repository.
This creates the .specflow directory layout for specs, scheduler state,
worktrees, locks, and logs, plus a starter config file.`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

const starterConfig = `# specflow configuration
branch:
  prefix: specflow/
  main: main

parallel:
  backends:
    - name: claude
      command: claude --print --dangerously-skip-permissions
      max_concurrent: 2
      weight: 2
  stagger_delay_ms: 2000
  stagger_jitter_ms: 500

rotation:
  strategy: none

recovery:
  staleness_minutes: 120

merge:
  rebase: true
`

// stateIgnore keeps scheduler state out of version control for clones that
// never ran the orchestrator; worktree creation also writes the same intent
// into the repository's info/exclude.
const stateIgnore = `store/
worktrees/
locks/
logs/
`

func runInit(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}

	// Find the git repository root (may be in a parent directory)
	repoRoot, err := worktree.FindGitRoot(cwd)
	if err != nil {
		return fmt.Errorf("not a git repository (or any parent up to mount point)")
	}

	base := filepath.Join(repoRoot, ".specflow")
	for _, dir := range []string{"specs", "store", "worktrees", "locks", "logs"} {
		if err := os.MkdirAll(filepath.Join(base, dir), 0755); err != nil {
			return fmt.Errorf("failed to create %s directory: %w", dir, err)
		}
	}

	cfgPath := filepath.Join(base, "config.yaml")
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := os.WriteFile(cfgPath, []byte(starterConfig), 0644); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
	}

	ignorePath := filepath.Join(base, ".gitignore")
	if _, err := os.Stat(ignorePath); os.IsNotExist(err) {
		if err := os.WriteFile(ignorePath, []byte(stateIgnore), 0644); err != nil {
			return fmt.Errorf("failed to write .gitignore: %w", err)
		}
	}

	fmt.Println("specflow initialized successfully!")
	fmt.Printf("Spec directory: %s\n", filepath.Join(base, "specs"))
	fmt.Printf("Config file: %s\n", cfgPath)
	return nil
}
