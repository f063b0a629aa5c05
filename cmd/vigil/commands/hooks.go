package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marcus/vigil/internal/config"
	"github.com/marcus/vigil/internal/db"
	"github.com/marcus/vigil/internal/engine"
	"github.com/marcus/vigil/internal/hooks"
	"github.com/marcus/vigil/internal/logging"
	"github.com/marcus/vigil/internal/ui"
)

var hooksCmd = &cobra.Command{
	Use:   "hooks <event>",
	Short: "Run the hooks registered for a lifecycle event",
	Long: `Run every hook the manifest registers for an event, such as pre-commit.

Hooks run in priority tiers, critical first. Hooks in one tier run in
parallel. If a hook in a blocking tier (critical and high by default) fails,
the lower tiers are skipped.

Subject-specific hooks are selected with --subject and override the event
defaults by name. Context values passed with --ctx reach each hook as
VIGIL_CTX_<KEY> environment variables.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		subject, _ := cmd.Flags().GetString("subject")
		hookCtx, _ := cmd.Flags().GetStringToString("ctx")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := initLogging(cfg); err != nil {
			return fmt.Errorf("init logging: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runHooks(ctx, cfg, args[0], subject, hookCtx, cmd.OutOrStdout())
	},
}

var hooksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List events that have hooks",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		m, err := loadManifest(cfg)
		if err != nil {
			return err
		}
		events := m.Events()
		if len(events) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No hooks registered.")
			return nil
		}
		for _, ev := range events {
			fmt.Fprintln(cmd.OutOrStdout(), ev)
		}
		return nil
	},
}

func init() {
	hooksCmd.Flags().StringP("subject", "s", "", "Subject whose hooks override the event defaults")
	hooksCmd.Flags().StringToStringP("ctx", "c", nil, "Context passed to hooks (key=value, repeatable)")
	hooksCmd.AddCommand(hooksListCmd)
	rootCmd.AddCommand(hooksCmd)
}

func runHooks(ctx context.Context, cfg *config.Config, event, subject string, hookCtx map[string]string, out io.Writer) error {
	m, err := loadManifest(cfg)
	if err != nil {
		return err
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

	e, err := engine.New(cfg,
		engine.WithLogger(logging.Component("engine")),
		engine.WithDB(database),
		engine.WithHooks(reg),
	)
	if err != nil {
		if errors.Is(err, engine.ErrConfig) {
			return configError(err)
		}
		return err
	}
	defer func() { _ = e.Shutdown(context.Background()) }()

	if err := e.Init(ctx); err != nil {
		if errors.Is(err, engine.ErrDisabled) {
			fmt.Fprintln(out, "vigil is disabled (enabled: false); skipping hooks.")
			return nil
		}
		return err
	}

	agg, err := e.SubmitHooks(ctx, event, subject, hookCtx)
	if err != nil {
		return err
	}
	printHookResult(out, agg, newOutputStyles())
	if !agg.Success {
		return failure()
	}
	return nil
}

func printHookResult(w io.Writer, agg hooks.AggregateResult, styles outputStyles) {
	label := agg.Event
	if agg.Subject != "" {
		label += ":" + agg.Subject
	}
	if agg.Total == 0 {
		fmt.Fprintf(w, "No hooks for %s.\n", label)
		return
	}

	fmt.Fprintln(w, styles.Title.Render(label))
	for _, res := range agg.Results {
		line := fmt.Sprintf("  %s %-24s %8s", styles.status(res.Status), res.Name, ui.FormatDuration(res.Duration))
		if res.Reason != "" {
			line += styles.Muted.Render("  " + res.Reason)
		}
		fmt.Fprintln(w, line)
	}
	for _, msg := range agg.Messages {
		fmt.Fprintln(w, styles.Error.Render("  "+firstLine(msg)))
	}

	summary := fmt.Sprintf("%d hooks, %d failed, %d skipped in %s",
		agg.Total, agg.Failed, agg.Skipped, ui.FormatDuration(agg.Duration))
	if agg.Success {
		fmt.Fprintln(w, styles.OK.Render(summary))
		return
	}
	fmt.Fprintln(w, styles.Error.Render(summary))
}
