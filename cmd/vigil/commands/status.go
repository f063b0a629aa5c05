package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/vigil/internal/config"
	"github.com/marcus/vigil/internal/db"
	"github.com/marcus/vigil/internal/state"
	"github.com/marcus/vigil/internal/ui"
	"github.com/marcus/vigil/internal/workitem"
)

var statusCmd = &cobra.Command{
	Use:   "status [id]",
	Short: "Show stored results",
	Long: `Display the last result recorded for each work item, or the full
result for one item.

--running lists what the owning process recorded as running. --today
summarizes today's attempts from the history database.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		running, _ := cmd.Flags().GetBool("running")
		today, _ := cmd.Flags().GetBool("today")
		last, _ := cmd.Flags().GetInt("last")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		if today {
			return showTodaySummary(out, cfg)
		}

		st, err := state.New(cfg.Storage.ResultsDir, cfg.Storage.SnapshotPath)
		if err != nil {
			return fmt.Errorf("opening state: %w", err)
		}
		if running {
			return showRunning(out, st)
		}
		if _, err := st.Load(); err != nil {
			return fmt.Errorf("loading results: %w", err)
		}
		if len(args) == 1 {
			return showResult(out, st, args[0])
		}
		return showResults(out, st, last)
	},
}

func init() {
	statusCmd.Flags().Bool("running", false, "Show items the owning process has running")
	statusCmd.Flags().Bool("today", false, "Show today's attempt summary")
	statusCmd.Flags().IntP("last", "n", 20, "Show the N most recent results")
	rootCmd.AddCommand(statusCmd)
}

func showResults(w io.Writer, st *state.Store, n int) error {
	results := st.All()
	if len(results) == 0 {
		fmt.Fprintln(w, "No results recorded.")
		return nil
	}
	if n > 0 && len(results) > n {
		results = results[:n]
	}

	styles := newOutputStyles()
	for _, r := range results {
		when := ""
		if !r.CompletedAt.IsZero() {
			when = r.CompletedAt.Local().Format("2006-01-02 15:04")
		}
		line := fmt.Sprintf("  %s %-24s %8s  %s", styles.status(r.Status), r.Name, ui.FormatDuration(r.Duration), styles.Muted.Render(when))
		if r.Reason != "" {
			line += styles.Muted.Render("  " + r.Reason)
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

func showResult(w io.Writer, st *state.Store, id string) error {
	r, ok := st.Get(id)
	if !ok {
		return fmt.Errorf("no result for %s", id)
	}

	styles := newOutputStyles()
	field := func(label, value string) {
		if value == "" {
			return
		}
		fmt.Fprintf(w, "%s %s\n", styles.Label.Render(fmt.Sprintf("%-10s", label+":")), value)
	}
	fmt.Fprintln(w, styles.Title.Render(r.Name))
	field("ID", r.WorkItemID)
	field("Kind", string(r.Kind))
	field("Status", styles.status(r.Status))
	field("Reason", r.Reason)
	field("Duration", ui.FormatDuration(r.Duration))
	field("Exit code", fmt.Sprint(r.ExitCode))
	if r.Retries > 0 {
		field("Retries", fmt.Sprint(r.Retries))
	}
	if !r.StartedAt.IsZero() {
		field("Started", r.StartedAt.Local().Format(time.RFC3339))
	}
	if !r.CompletedAt.IsZero() {
		field("Finished", r.CompletedAt.Local().Format(time.RFC3339))
	}
	field("Error", r.Error)

	for _, section := range []struct{ title, body string }{
		{"Output", r.Output},
		{"Stdout", r.Stdout},
		{"Stderr", r.Stderr},
	} {
		if section.body == "" {
			continue
		}
		fmt.Fprintf(w, "\n%s\n%s\n", styles.Section.Render(section.title), section.body)
	}
	return nil
}

func showRunning(w io.Writer, st *state.Store) error {
	rec, err := st.LoadRunning()
	if errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(w, "No running record found.")
		return nil
	}
	if err != nil {
		return err
	}
	updated := rec.UpdatedAt.Local().Format(time.RFC3339)
	if len(rec.Items) == 0 {
		fmt.Fprintf(w, "Nothing running (updated %s).\n", updated)
		return nil
	}

	styles := newOutputStyles()
	owner := fmt.Sprintf("pid %d", rec.PID)
	if _, live := st.Holder(); !live {
		owner += ", not running"
	}
	fmt.Fprintf(w, "Running at %s (%s):\n", updated, owner)
	for _, item := range rec.Items {
		elapsed := ""
		if !item.StartedAt.IsZero() {
			elapsed = ui.FormatDuration(time.Since(item.StartedAt))
		}
		fmt.Fprintf(w, "  %s %-24s %-8s %8s\n", styles.status(workitem.StatusRunning), item.DisplayName(), item.Priority, elapsed)
	}
	return nil
}

func showTodaySummary(w io.Writer, cfg *config.Config) error {
	database, err := db.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("opening db: %w", err)
	}
	defer func() { _ = database.Close() }()

	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	sum, err := database.Summarize(midnight)
	if err != nil {
		return err
	}
	if sum.Attempts == 0 {
		fmt.Fprintln(w, "No attempts today.")
		return nil
	}

	styles := newOutputStyles()
	fmt.Fprintln(w, styles.Title.Render("Today"))
	fmt.Fprintf(w, "  Attempts: %d (%d retries)\n", sum.Attempts, sum.Retried)
	for _, st := range []workitem.Status{
		workitem.StatusCompleted,
		workitem.StatusFailed,
		workitem.StatusTimedOut,
		workitem.StatusCancelled,
	} {
		if n := sum.ByStatus[st]; n > 0 {
			fmt.Fprintf(w, "  %s %d\n", styles.status(st), n)
		}
	}
	fmt.Fprintf(w, "  Time spent: %s\n", ui.FormatDuration(sum.TotalTime))
	return nil
}
