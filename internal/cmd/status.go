package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/specflow/internal/scheduler"
	"github.com/Iron-Ham/specflow/internal/spec"
	"github.com/Iron-Ham/specflow/internal/worktree"
)

var statusWatch bool

var statusCmd = &cobra.Command{
	Use:   "status [spec-id]",
	Short: "Show spec statuses and readiness",
	Long: `Display every spec with its stored status and computed readiness.
With a spec ID, show the full detail for that spec instead: blocking
dependencies, acceptance criteria progress, retry history, and commits.
With --watch, stream agent status updates from running worktrees until
interrupted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "stream status updates from spec worktrees")
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if statusWatch {
		return watchStatuses(a, cmd)
	}

	specs, err := a.store.LoadAll()
	if err != nil {
		return err
	}
	g := spec.NewGraph(specs)

	if len(args) == 1 {
		sp, err := a.store.Resolve(args[0])
		if err != nil {
			return err
		}
		printSpecDetail(a, g, sp)
		return nil
	}

	if len(specs) == 0 {
		fmt.Println("No specs found in", a.store.Dir())
		return nil
	}

	for _, sp := range specs {
		marker := " "
		switch {
		case a.locks.IsLocked(sp.ID):
			marker = warnStyle.Render("●")
		case g.IsReady(sp.ID):
			marker = okStyle.Render("○")
		case g.IsBlocked(sp.ID):
			marker = mutedStyle.Render("⊘")
		}
		fmt.Printf("%s %-24s %-16s %s\n", marker, sp.ID, renderStatus(sp.Status), sp.Title())
	}

	ready := g.Ready(specs)
	fmt.Printf("\n%d spec(s), %d ready\n", len(specs), len(ready))
	return nil
}

// watchStatuses tails the status files of every spec worktree and prints
// updates as agents report them. Runs until the command is interrupted.
func watchStatuses(a *app, cmd *cobra.Command) error {
	infos, err := a.wt.Snapshot(a.cfg.Branch.Prefix)
	if err != nil {
		return err
	}
	dirs := make(map[string]string, len(infos))
	for _, info := range infos {
		dirs[info.SpecID] = info.Path
	}
	if len(dirs) == 0 {
		fmt.Println("No spec worktrees to watch.")
		return nil
	}

	events, err := scheduler.WatchStatuses(cmd.Context(), dirs, 2*time.Second)
	if err != nil {
		return err
	}
	for ev := range events {
		if ev.Err != nil {
			fmt.Println(failStyle.Render("watch error: " + ev.Err.Error()))
			continue
		}
		line := fmt.Sprintf("%s %-24s %s",
			ev.Status.UpdatedAt.Local().Format("15:04:05"), ev.SpecID, renderAgentStatus(ev.Status.Status))
		if ev.Status.Error != "" {
			line += " " + failStyle.Render(ev.Status.Error)
		}
		fmt.Println(line)
	}
	return nil
}

func renderAgentStatus(s string) string {
	switch s {
	case worktree.AgentDone:
		return okStyle.Render(s)
	case worktree.AgentFailed:
		return failStyle.Render(s)
	default:
		return warnStyle.Render(s)
	}
}

func printSpecDetail(a *app, g *spec.Graph, sp *spec.Spec) {
	fmt.Println(titleStyle.Render(sp.ID) + "  " + renderStatus(sp.Status))
	if t := sp.Title(); t != "" {
		fmt.Println(t)
	}
	if sp.Branch != "" {
		fmt.Println("Branch:", sp.Branch)
	}
	if sp.CompletedAt != nil {
		fmt.Println("Completed:", sp.CompletedAt.Format("2006-01-02 15:04:05"))
	}

	if total, checked := sp.Criteria(); total > 0 {
		style := okStyle
		if checked < total {
			style = warnStyle
		}
		fmt.Println("Criteria:", style.Render(fmt.Sprintf("%d/%d checked", checked, total)))
	}

	if blocking := g.BlockingDependencies(sp.ID); len(blocking) > 0 {
		fmt.Println("Blocked by:")
		for _, dep := range blocking {
			kind := ""
			if dep.IsSibling {
				kind = " (sibling)"
			}
			fmt.Printf("  %s [%s]%s\n", dep.SpecID, renderStatus(dep.Status), kind)
		}
	} else if g.IsReady(sp.ID) {
		fmt.Println(okStyle.Render("Ready to run."))
	}

	if sp.RetryState != nil {
		fmt.Printf("Attempts: %d\n", sp.RetryState.Attempts)
		if sp.RetryState.LastError != "" {
			fmt.Println("Last error:", failStyle.Render(sp.RetryState.LastError))
		}
	}

	if len(sp.Commits) > 0 {
		fmt.Println("Commits:")
		for _, c := range sp.Commits {
			fmt.Println("  " + mutedStyle.Render(c))
		}
	}

	if a.locks.IsLocked(sp.ID) {
		if pid, err := a.locks.Read(sp.ID); err == nil {
			fmt.Println(warnStyle.Render(fmt.Sprintf("Running (pid %d)", pid)))
		}
	}
}
