package commands

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/marcus/vigil/internal/config"
	"github.com/marcus/vigil/internal/engine"
	"github.com/marcus/vigil/internal/logging"
	"github.com/marcus/vigil/internal/manifest"
	"github.com/marcus/vigil/internal/workitem"
)

// Process exit codes.
const (
	exitOK      = 0
	exitFailure = 1 // a work item failed, timed out, or was cancelled
	exitConfig  = 2 // configuration or dependency graph error
)

// exitError carries a process exit code through cobra's error return.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// configError marks err as a configuration failure (exit 2).
func configError(err error) error {
	return &exitError{code: exitConfig, err: err}
}

// failure reports a run where some work did not succeed (exit 1). The
// details have already been printed.
func failure() error {
	return &exitError{code: exitFailure}
}

// exitCode maps an error returned by a command to its process exit code.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	if errors.Is(err, engine.ErrConfig) {
		return exitConfig
	}
	return exitFailure
}

// isInteractive reports whether stdout is a terminal. Override in tests.
var isInteractive = func() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// loadConfig reads configuration for the working directory and applies the
// global flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, configError(fmt.Errorf("loading config: %w", err))
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.Logging.Level = "debug"
	}
	if noColor, _ := cmd.Flags().GetBool("no-color"); noColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
	return cfg, nil
}

// initLogging initializes the logging subsystem.
func initLogging(cfg *config.Config) error {
	return logging.Init(logging.Config{
		Level:         cfg.Logging.Level,
		Path:          cfg.Logging.Path,
		Format:        cfg.Logging.Format,
		RetentionDays: cfg.Logging.RetentionDays,
	})
}

func taskDefaults(cfg *config.Config) manifest.Defaults {
	return manifest.Defaults{
		Timeout:    cfg.TaskTimeout(),
		Retries:    cfg.Tasks.Retries,
		RetryDelay: cfg.TaskRetryDelay(),
	}
}

func hookDefaults(cfg *config.Config) manifest.Defaults {
	return manifest.Defaults{
		Timeout:    cfg.HookTimeout(),
		Retries:    cfg.Hooks.Retries,
		RetryDelay: cfg.HookRetryDelay(),
	}
}

// loadManifest reads the configured manifest. Any problem is a config error.
func loadManifest(cfg *config.Config) (*manifest.Manifest, error) {
	if cfg.Manifest == "" {
		return nil, configError(errors.New("no manifest configured"))
	}
	m, err := manifest.Load(cfg.Manifest)
	if err != nil {
		return nil, configError(fmt.Errorf("loading manifest: %w", err))
	}
	return m, nil
}

// outputStyles are used for non-interactive command output.
type outputStyles struct {
	Title   lipgloss.Style
	Section lipgloss.Style
	Label   lipgloss.Style
	Muted   lipgloss.Style
	OK      lipgloss.Style
	Warn    lipgloss.Style
	Error   lipgloss.Style
}

func newOutputStyles() outputStyles {
	return outputStyles{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("69")),
		Section: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("81")),
		Label:   lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		Muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		OK:      lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		Warn:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		Error:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
	}
}

// status renders a status word, padded to a fixed column, in its color.
func (s outputStyles) status(st workitem.Status) string {
	text := fmt.Sprintf("%-10s", st)
	switch st {
	case workitem.StatusCompleted:
		return s.OK.Render(text)
	case workitem.StatusCancelled:
		return s.Warn.Render(text)
	case workitem.StatusFailed, workitem.StatusTimedOut:
		return s.Error.Render(text)
	default:
		return s.Muted.Render(text)
	}
}

// sortedKeys returns m's keys in order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// firstLine trims s to its first non-empty line.
func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// scopeDeps drops dependencies on tasks that are neither in items nor
// known to known, so a partial run treats them as satisfied.
func scopeDeps(items []*workitem.WorkItem, known func(id string) bool) {
	in := make(map[string]bool, len(items))
	for _, item := range items {
		in[item.ID] = true
	}
	for _, item := range items {
		deps := item.DependsOn[:0:0]
		for _, dep := range item.DependsOn {
			if in[dep] || (known != nil && known(dep)) {
				deps = append(deps, dep)
			}
		}
		item.DependsOn = deps
	}
}
