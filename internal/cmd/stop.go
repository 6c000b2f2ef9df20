package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/specflow/internal/spec"
)

var stopCmd = &cobra.Command{
	Use:   "stop <spec-id>",
	Short: "Stop a running spec",
	Long: `Stop signals the agent working on a spec with SIGTERM and cancels the
spec. The worktree and branch are kept for manual inspection; use
recover or work to pick the spec up again after resetting it.`,
	Args: cobra.ExactArgs(1),
	RunE: runStop,
}

var pauseCmd = &cobra.Command{
	Use:   "pause <spec-id>",
	Short: "Pause a running spec",
	Long: `Pause signals the agent working on a spec with SIGTERM and parks the
spec as paused. Paused specs keep their worktree and resume with work.`,
	Args: cobra.ExactArgs(1),
	RunE: runPause,
}

func init() {
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(pauseCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	return signalAndTransition(args[0], spec.StatusCancelled, "stopped")
}

func runPause(cmd *cobra.Command, args []string) error {
	return signalAndTransition(args[0], spec.StatusPaused, "paused")
}

func signalAndTransition(ref string, to spec.Status, verb string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	sp, err := a.store.Resolve(ref)
	if err != nil {
		return err
	}

	if err := a.locks.Stop(sp.ID); err != nil {
		return err
	}

	if err := spec.NewTransition(sp, to).Apply(); err != nil {
		return err
	}
	if err := a.store.Save(sp); err != nil {
		return err
	}

	fmt.Printf("%s %s\n", sp.ID, verb)
	return nil
}
