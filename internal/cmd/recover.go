package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/specflow/internal/scheduler"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Reconcile state left behind by a crashed run",
	Long: `Recover scans spec worktrees for evidence of a dead run: agents that
finished but never merged, runs that went silent, and setup debris with
no status at all. Finished work is merged and finalized; dead runs are
marked failed; debris is removed. Specs with a live lock are left alone.

Safe to run repeatedly; a second pass over recovered state is a no-op.`,
	RunE: runRecover,
}

func init() {
	rootCmd.AddCommand(recoverCmd)
}

func runRecover(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	r := scheduler.NewReconciler(a.store, a.wt, a.locks, a.logger,
		a.cfg.Branch.Prefix, a.cfg.Branch.Main, a.cfg.Merge.Rebase, a.cfg.Staleness())

	actions, err := r.Run()
	if err != nil {
		return err
	}
	if len(actions) == 0 {
		fmt.Println("Nothing to recover.")
		return nil
	}

	for _, act := range actions {
		var line string
		switch act.Action {
		case scheduler.ActionMerged:
			line = okStyle.Render("✓ "+act.SpecID) + " merged and finalized"
		case scheduler.ActionMergeFailed:
			line = failStyle.Render("✗ "+act.SpecID) + " merge failed, spec marked failed"
		case scheduler.ActionMarkedFailed:
			line = failStyle.Render("✗ "+act.SpecID) + " marked failed"
		case scheduler.ActionRemovedOrphan:
			line = mutedStyle.Render("- "+act.SpecID) + " removed orphaned worktree"
		default:
			line = mutedStyle.Render("  "+act.SpecID) + " left alone"
		}
		if act.Err != nil {
			line += " " + failStyle.Render("("+act.Err.Error()+")")
		}
		fmt.Println(line)
	}
	return nil
}
