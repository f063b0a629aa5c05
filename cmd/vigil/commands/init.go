package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/marcus/vigil/internal/config"
)

var errExists = errors.New("already exists (use --force to overwrite)")

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a starter config and manifest",
	Long: `Initialize vigil in the current directory.

Creates vigil.yaml and vigil.manifest.yaml with commented examples. Existing
files are left alone unless --force is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("get working directory: %w", err)
		}
		return initProject(cmd.OutOrStdout(), cwd, force)
	},
}

func init() {
	initCmd.Flags().BoolP("force", "f", false, "Overwrite existing files")
	rootCmd.AddCommand(initCmd)
}

func initProject(w io.Writer, dir string, force bool) error {
	files := []struct {
		path    string
		content string
	}{
		{config.ProjectConfigPath(dir), starterConfig},
		{filepath.Join(dir, config.DefaultManifest), starterManifest},
	}
	if !force {
		for _, f := range files {
			if _, err := os.Stat(f.path); err == nil {
				return configError(fmt.Errorf("%s %w", f.path, errExists))
			}
		}
	}

	styles := newOutputStyles()
	for _, f := range files {
		if err := os.WriteFile(f.path, []byte(f.content), 0644); err != nil {
			return fmt.Errorf("write %s: %w", f.path, err)
		}
		fmt.Fprintf(w, "%s %s\n", styles.OK.Render("Created"), f.path)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, styles.Section.Render("Next steps:"))
	fmt.Fprintln(w, "  1. Declare your tasks and hooks in "+config.DefaultManifest)
	fmt.Fprintln(w, "  2. Run 'vigil plan' to check the dependency order")
	fmt.Fprintln(w, "  3. Run 'vigil run' to execute everything once")
	fmt.Fprintln(w, "  4. Set schedule or watch paths and run 'vigil daemon start'")
	return nil
}

const starterConfig = `# vigil project configuration
# Values here override ~/.config/vigil/config.yaml.
# Any key can also be set with VIGIL_<SECTION>_<KEY>, e.g. VIGIL_TASKS_MAX_CONCURRENT.

manifest: vigil.manifest.yaml

tasks:
  max_concurrent: 4
  default_timeout: 5m
  retries: 0
  retry_delay: 2s
  grace_period: 5s   # between SIGTERM and SIGKILL on timeout

hooks:
  # A failure in one of these tiers skips every lower tier.
  blocking_tiers: [critical, high]
  continue_on_failure: false
  default_timeout: 60s

logging:
  level: info
  format: json

# Daemon triggers. Choose cron OR interval.
schedule:
  # cron: "0 2 * * *"
  # interval: 1h
  # window:
  #   start: "22:00"
  #   end: "06:00"
  tasks: []   # empty runs every task

watch:
  paths: []
  ignore: ["*.tmp", "*.swp"]
  debounce: 500ms
  tasks: []
`

const starterManifest = `# vigil manifest
# Tasks run once per trigger in dependency order, then by priority
# (critical, high, medium, low). Timeouts are in seconds.

tasks:
  - name: generate
    shell: go generate ./...
    priority: high

  - name: lint
    command: go
    args: [vet, ./...]
    depends_on: [generate]

  - name: test
    command: go
    args: [test, ./...]
    depends_on: [generate]
    timeout: 600
    retries: 1

# Hooks run for lifecycle events: vigil hooks <event> [--subject s].
hooks:
  pre-commit:
    defaults:
      - name: fmt
        shell: test -z "$(gofmt -l .)"
        priority: critical
      - name: vet
        command: go
        args: [vet, ./...]
        priority: high
      - name: todo-report
        shell: grep -rn TODO --include=*.go . || true
        priority: low
`
