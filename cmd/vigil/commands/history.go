package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/marcus/vigil/internal/db"
	"github.com/marcus/vigil/internal/ui"
)

var historyCmd = &cobra.Command{
	Use:   "history [id]",
	Short: "Show attempt history",
	Long: `Display logged execution attempts, newest first.

Every attempt is logged, including the ones a retry replaced. Pass an id
to see all attempts of one work item, or --runs for hook and batch runs.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		last, _ := cmd.Flags().GetInt("last")
		runs, _ := cmd.Flags().GetBool("runs")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		database, err := db.Open(cfg.Storage.DBPath)
		if err != nil {
			return fmt.Errorf("opening db: %w", err)
		}
		defer func() { _ = database.Close() }()

		out := cmd.OutOrStdout()
		switch {
		case runs:
			return showRuns(out, database, last)
		case len(args) == 1:
			attempts, err := database.Attempts(args[0])
			if err != nil {
				return err
			}
			printAttempts(out, attempts)
			return nil
		default:
			attempts, err := database.History(last)
			if err != nil {
				return err
			}
			printAttempts(out, attempts)
			return nil
		}
	},
}

func init() {
	historyCmd.Flags().IntP("last", "n", 20, "Show the last N entries")
	historyCmd.Flags().Bool("runs", false, "Show hook and batch runs instead of attempts")
	rootCmd.AddCommand(historyCmd)
}

func printAttempts(w io.Writer, attempts []db.Attempt) {
	if len(attempts) == 0 {
		fmt.Fprintln(w, "No attempts recorded.")
		return
	}
	styles := newOutputStyles()
	for _, a := range attempts {
		line := fmt.Sprintf("  %s  %s %-24s #%d %8s",
			styles.Muted.Render(a.CompletedAt.Local().Format("01-02 15:04:05")),
			styles.status(a.Status), a.Name, a.Attempt, ui.FormatDuration(a.Duration))
		if a.Reason != "" {
			line += styles.Muted.Render("  " + a.Reason)
		}
		if a.Error != "" && !a.Status.IsSuccess() {
			line += "  " + styles.Error.Render(firstLine(a.Error))
		}
		fmt.Fprintln(w, line)
	}
}

func showRuns(w io.Writer, database *db.DB, n int) error {
	runs, err := database.Runs(n)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return nil
	}
	styles := newOutputStyles()
	for _, r := range runs {
		status := styles.OK.Render(fmt.Sprintf("%-8s", r.Status))
		if r.Status != "success" {
			status = styles.Error.Render(fmt.Sprintf("%-8s", r.Status))
		}
		dur := ""
		if !r.CompletedAt.IsZero() {
			dur = ui.FormatDuration(r.CompletedAt.Sub(r.StartedAt))
		}
		fmt.Fprintf(w, "  %s  %-6s %s %-28s %d/%d failed %8s\n",
			styles.Muted.Render(r.StartedAt.Local().Format("01-02 15:04:05")),
			r.Kind, status, r.Label, r.Failed, r.Total, dur)
	}
	return nil
}
