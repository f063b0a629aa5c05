package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/marcus/vigil/internal/config"
	"github.com/marcus/vigil/internal/db"
	"github.com/marcus/vigil/internal/engine"
	"github.com/marcus/vigil/internal/hooks"
	"github.com/marcus/vigil/internal/logging"
	"github.com/marcus/vigil/internal/notify"
	"github.com/marcus/vigil/internal/ui"
	"github.com/marcus/vigil/internal/workitem"
)

var runCmd = &cobra.Command{
	Use:   "run [task...]",
	Short: "Run manifest tasks",
	Long: `Run tasks from the manifest and wait for them to finish.

With no arguments every task in the manifest runs. Named tasks run on their
own; dependencies outside the named set are treated as satisfied.

Tasks are ordered by dependency, then by priority. A task whose dependency
fails, times out, or is cancelled is cancelled without running.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		tui, _ := cmd.Flags().GetBool("tui")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := initLogging(cfg); err != nil {
			return fmt.Errorf("init logging: %w", err)
		}

		if tui && !isInteractive() {
			fmt.Fprintln(cmd.ErrOrStderr(), "stdout is not a terminal; running without the monitor")
			tui = false
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runTasks(ctx, cfg, args, runOptions{tui: tui}, cmd.OutOrStdout())
	},
}

func init() {
	runCmd.Flags().Bool("tui", false, "Show the interactive monitor")
	rootCmd.AddCommand(runCmd)
}

type runOptions struct {
	tui bool
}

// runReport is what a finished batch looks like to the user.
type runReport struct {
	Results  []workitem.ExecutionResult
	Rejected map[string]error
	Started  time.Time
	Finished time.Time
}

func (r runReport) failed() int {
	n := len(r.Rejected)
	for _, res := range r.Results {
		if !res.Success() {
			n++
		}
	}
	return n
}

// err returns the error that decides the exit code: an invalid item is a
// configuration error, anything else that did not run or succeed a failure.
func (r runReport) err() error {
	ids := sortedKeys(r.Rejected)
	for _, id := range ids {
		if errors.Is(r.Rejected[id], engine.ErrConfig) {
			return configError(fmt.Errorf("%s: %w", id, r.Rejected[id]))
		}
	}
	if len(ids) > 0 {
		return &exitError{code: exitFailure, err: fmt.Errorf("%s: %w", ids[0], r.Rejected[ids[0]])}
	}
	for _, res := range r.Results {
		if !res.Success() {
			return failure()
		}
	}
	return nil
}

func runTasks(ctx context.Context, cfg *config.Config, names []string, opts runOptions, out io.Writer) error {
	log := logging.Component("run")

	m, err := loadManifest(cfg)
	if err != nil {
		return err
	}
	items, err := m.WorkItems(names, taskDefaults(cfg))
	if err != nil {
		return configError(err)
	}
	scopeDeps(items, nil)
	if len(items) == 0 {
		fmt.Fprintln(out, "No tasks in manifest.")
		return nil
	}
	reg, err := m.HookRegistry(hookDefaults(cfg))
	if err != nil {
		return configError(err)
	}

	database, err := db.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("opening db: %w", err)
	}
	defer func() { _ = database.Close() }()

	// Events raised before the monitor starts are dropped; nothing runs
	// until the batch is submitted.
	var prog atomic.Pointer[ui.Program]
	forward := notify.NotifierFunc(func(ev notify.Event) {
		if p := prog.Load(); p != nil {
			p.Send(ev)
		}
	})
	forwardHooks := func(ev hooks.Event) {
		if p := prog.Load(); p != nil {
			p.Send(ev)
		}
	}

	e, err := engine.New(cfg,
		engine.WithLogger(logging.Component("engine")),
		engine.WithDB(database),
		engine.WithHooks(reg),
		engine.WithNotifier(forward),
		engine.WithHookEvents(forwardHooks),
	)
	if err != nil {
		if errors.Is(err, engine.ErrConfig) {
			return configError(err)
		}
		return err
	}
	if err := e.Init(ctx); err != nil {
		_ = e.Shutdown(context.Background())
		if errors.Is(err, engine.ErrDisabled) {
			fmt.Fprintln(out, "vigil is disabled (enabled: false); nothing to run.")
			return nil
		}
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var uiDone chan error
	if opts.tui {
		model := ui.New("vigil run", ui.WithRunning(e.ListRunning))
		p := ui.Start(model)
		prog.Store(p)
		queued := make(ui.QueuedMsg, 0, len(items))
		for _, item := range items {
			queued = append(queued, ui.Item{
				ID:     item.ID,
				Name:   item.DisplayName(),
				Kind:   item.Kind,
				Status: workitem.StatusPending,
			})
		}
		p.Send(queued)

		// Quitting the monitor early stops the run.
		uiDone = make(chan error, 1)
		go func() {
			uiDone <- p.Wait()
			cancel()
		}()
	}

	report := runReport{Started: time.Now()}
	batch, batchErr := e.SubmitBatch(items)
	if batchErr != nil {
		log.Warnf("batch partially rejected: %v", batchErr)
	}
	report.Rejected = batch.Rejected
	if p := prog.Load(); p != nil {
		for _, id := range sortedKeys(batch.Rejected) {
			p.Send(notify.Event{
				ID:      id,
				Kind:    workitem.KindTask,
				Name:    id,
				Status:  workitem.StatusCancelled,
				Summary: fmt.Sprintf("%s rejected: %v", id, batch.Rejected[id]),
				Time:    time.Now(),
			})
		}
	}

	if _, err := e.Wait(runCtx, batch.Submitted...); err != nil {
		log.Warnf("run interrupted: %v", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.GracePeriod()+5*time.Second)
	defer cancelShutdown()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown: %v", err)
	}

	for _, id := range batch.Submitted {
		if res, ok := e.GetStatus(id); ok {
			report.Results = append(report.Results, res)
		}
	}
	report.Finished = time.Now()
	recordBatch(database, names, report, log)

	runErr := report.err()
	if p := prog.Load(); p != nil {
		p.Send(ui.DoneMsg{Err: runErr})
		if err := <-uiDone; err != nil {
			log.Errorf("monitor: %v", err)
		}
	}

	printRunReport(out, report, newOutputStyles())
	return runErr
}

// recordBatch stores one summary row for the run.
func recordBatch(database *db.DB, names []string, r runReport, log *logging.Logger) {
	label := "all tasks"
	if len(names) > 0 {
		label = strings.Join(names, ",")
	}
	status := "success"
	if r.failed() > 0 {
		status = "failed"
	}
	err := database.RecordRun(db.Run{
		ID:          uuid.NewString(),
		Kind:        "batch",
		Label:       label,
		StartedAt:   r.Started,
		CompletedAt: r.Finished,
		Total:       len(r.Results) + len(r.Rejected),
		Failed:      r.failed(),
		Status:      status,
	})
	if err != nil {
		log.Warnf("record run: %v", err)
	}
}

func printRunReport(w io.Writer, r runReport, styles outputStyles) {
	counts := make(map[workitem.Status]int)
	for _, res := range r.Results {
		counts[res.Status]++
		line := fmt.Sprintf("  %s %-24s %8s", styles.status(res.Status), res.Name, ui.FormatDuration(res.Duration))
		if res.Retries > 0 {
			line += styles.Muted.Render(fmt.Sprintf("  retries=%d", res.Retries))
		}
		if res.Reason != "" {
			line += styles.Muted.Render("  " + res.Reason)
		}
		if !res.Success() && res.Error != "" {
			line += "  " + styles.Error.Render(firstLine(res.Error))
		}
		fmt.Fprintln(w, line)
	}
	for _, id := range sortedKeys(r.Rejected) {
		fmt.Fprintf(w, "  %s %-24s %s\n", styles.Error.Render(fmt.Sprintf("%-10s", "rejected")), id, r.Rejected[id])
	}

	parts := make([]string, 0, 5)
	for _, st := range []workitem.Status{
		workitem.StatusCompleted,
		workitem.StatusFailed,
		workitem.StatusTimedOut,
		workitem.StatusCancelled,
	} {
		if counts[st] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[st], st))
		}
	}
	if len(r.Rejected) > 0 {
		parts = append(parts, fmt.Sprintf("%d rejected", len(r.Rejected)))
	}
	if len(parts) == 0 {
		parts = append(parts, "nothing ran")
	}
	summary := strings.Join(parts, ", ") + " in " + ui.FormatDuration(r.Finished.Sub(r.Started))
	if r.failed() > 0 {
		fmt.Fprintln(w, styles.Error.Render(summary))
		return
	}
	fmt.Fprintln(w, styles.OK.Render(summary))
}
