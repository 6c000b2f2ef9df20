package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var worktreesCmd = &cobra.Command{
	Use:   "worktrees",
	Short: "List the worktrees specflow created",
	RunE:  runWorktrees,
}

func init() {
	rootCmd.AddCommand(worktreesCmd)
}

func runWorktrees(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	infos, err := a.wt.Snapshot(a.cfg.Branch.Prefix)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("No spec worktrees.")
		return nil
	}

	for _, info := range infos {
		line := fmt.Sprintf("%-24s %-32s %8s  %s",
			info.SpecID, info.Branch, formatBytes(info.Size), formatAge(info.Age))
		if a.locks.IsLocked(info.SpecID) {
			line += "  " + warnStyle.Render("running")
		}
		if info.Prunable != "" {
			line += "  " + failStyle.Render("prunable: "+info.Prunable)
		}
		fmt.Println(line)
	}
	return nil
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm old", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh old", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd old", int(d.Hours()/24))
	}
}
