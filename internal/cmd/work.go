package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/specflow/internal/scheduler"
)

var (
	workAutoCheck bool
	workMaxTotal  int
)

var workCmd = &cobra.Command{
	Use:   "work [spec-id...]",
	Short: "Run ready specs across the configured agent backends",
	Long: `Work dispatches ready specs to agent backends, one isolated git
worktree per spec, and merges finished branches back into the target
branch. With no arguments every ready spec in the store is eligible;
spec IDs (or unique prefixes) restrict the batch.

Running a single explicit spec auto-checks any acceptance criteria the
agent left unchecked; batch runs treat unchecked criteria as failure.`,
	RunE: runWork,
}

func init() {
	rootCmd.AddCommand(workCmd)
	workCmd.Flags().BoolVar(&workAutoCheck, "auto-check", false, "check remaining acceptance criteria instead of failing")
	workCmd.Flags().IntVar(&workMaxTotal, "max-total", 0, "override total concurrency across all backends")
}

func runWork(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if workMaxTotal > 0 {
		a.cfg.Parallel.MaxTotal = workMaxTotal
	}

	// Resolve prefixes up front so typos fail before anything runs.
	ids := make([]string, 0, len(args))
	for _, ref := range args {
		sp, err := a.store.Resolve(ref)
		if err != nil {
			return err
		}
		ids = append(ids, sp.ID)
	}

	sched, err := scheduler.New(a.cfg, a.store, a.wt, a.locks, a.logger)
	if err != nil {
		return err
	}
	sched.AutoCheckCriteria = workAutoCheck || len(ids) == 1

	summary, err := sched.Run(cmd.Context(), ids)
	if err != nil {
		return err
	}

	printSummary(summary)
	if _, failed, _ := summary.Counts(); failed > 0 {
		return fmt.Errorf("%d spec(s) did not complete", failed)
	}
	return nil
}

func printSummary(summary *scheduler.Summary) {
	if len(summary.Results) == 0 {
		fmt.Println("Nothing to do: no ready specs.")
		return
	}

	for _, r := range summary.Results {
		var line string
		switch r.Outcome {
		case scheduler.OutcomeCompleted:
			line = okStyle.Render("✓ " + r.SpecID)
		case scheduler.OutcomeSkipped:
			line = mutedStyle.Render("- " + r.SpecID)
		case scheduler.OutcomeConflict:
			line = warnStyle.Render("! " + r.SpecID)
		default:
			line = failStyle.Render("✗ " + r.SpecID)
		}
		if r.Backend != "" {
			line += mutedStyle.Render(" [" + r.Backend + "]")
		}
		if r.Err != nil {
			line += " " + r.Err.Error()
		}
		fmt.Println(line)
		for _, f := range r.ConflictFiles {
			fmt.Println(mutedStyle.Render("    conflict: " + f))
		}
	}

	completed, failed, skipped := summary.Counts()
	fmt.Printf("\n%s %d completed, %d failed, %d skipped in %s\n",
		titleStyle.Render("Done:"), completed, failed, skipped,
		summary.Duration.Round(10*time.Millisecond))
}
