package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/marcus/vigil/internal/config"
	"github.com/marcus/vigil/internal/db"
	"github.com/marcus/vigil/internal/manifest"
	"github.com/marcus/vigil/internal/resolver"
	"github.com/marcus/vigil/internal/scheduler"
	"github.com/marcus/vigil/internal/state"
)

type checkStatus string

const (
	statusOK   checkStatus = "OK"
	statusWarn checkStatus = "WARN"
	statusFail checkStatus = "FAIL"
)

type checkResult struct {
	name   string
	status checkStatus
	detail string
}

type checkFunc func(name string, status checkStatus, detail string)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check vigil configuration and environment",
	Long: `Run diagnostics to detect configuration and environment issues.

Checks the config, the manifest and its dependency graph, the commands tasks
invoke, storage, schedule, and daemon.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("get working directory: %w", err)
		}
		results := runDoctor(cwd, config.GlobalConfigPath())
		printDoctorResults(cmd.OutOrStdout(), results)
		for _, r := range results {
			if r.status == statusFail {
				return failure()
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(projectDir, globalPath string) []checkResult {
	var results []checkResult
	add := func(name string, status checkStatus, detail string) {
		results = append(results, checkResult{name: name, status: status, detail: detail})
	}

	cfg, err := config.LoadFromPaths(projectDir, globalPath)
	if err != nil {
		add("config", statusFail, err.Error())
		return results
	}
	if fileExists(config.ProjectConfigPath(projectDir)) {
		add("config", statusOK, config.ProjectConfigPath(projectDir))
	} else {
		add("config", statusWarn, "no vigil.yaml, using defaults (run 'vigil init')")
	}
	if !cfg.Enabled {
		add("enabled", statusWarn, "enabled: false, nothing will run")
	}

	checkManifest(cfg, add)
	checkStorage(cfg, add)
	checkSchedule(cfg, add)
	checkWatch(cfg, add)
	checkDaemon(add)
	return results
}

func checkManifest(cfg *config.Config, add checkFunc) {
	m, err := manifest.Load(cfg.Manifest)
	if err != nil {
		add("manifest", statusFail, err.Error())
		return
	}
	add("manifest", statusOK, fmt.Sprintf("%d tasks, %d hook events", len(m.Tasks()), len(m.Events())))

	ids := make([]string, 0, len(m.Tasks()))
	for _, t := range m.Tasks() {
		ids = append(ids, t.Name)
	}
	groups, err := m.Graph().ParallelGroups(ids)
	var cerr *resolver.CycleError
	switch {
	case errors.As(err, &cerr):
		add("graph", statusFail, fmt.Sprintf("cycle %s", strings.Join(cerr.Cycle, " -> ")))
	case err != nil:
		add("graph", statusFail, err.Error())
	default:
		add("graph", statusOK, fmt.Sprintf("%d groups", len(groups)))
	}

	for _, t := range m.Tasks() {
		if t.Command == "" {
			continue
		}
		if _, err := exec.LookPath(t.Command); err != nil {
			add("task."+t.Name, statusFail, fmt.Sprintf("%s not found in PATH", t.Command))
		}
	}
}

func checkStorage(cfg *config.Config, add checkFunc) {
	database, err := db.Open(cfg.Storage.DBPath, db.ReadOnly())
	switch {
	case errors.Is(err, os.ErrNotExist):
		add("db", statusOK, "not created yet")
	case errors.Is(err, db.ErrSchemaBehind):
		add("db", statusWarn, err.Error()+"; migrated on next run")
	case err != nil:
		add("db", statusFail, err.Error())
	default:
		version, err := db.CurrentVersion(database.SQL())
		size, serr := database.Size()
		switch {
		case err != nil:
			add("db", statusFail, err.Error())
		case serr != nil:
			add("db", statusFail, serr.Error())
		default:
			add("db", statusOK, fmt.Sprintf("%s (schema v%d, %s)", database.Path(), version, humanize.Bytes(uint64(size))))
		}
		_ = database.Close()
	}

	st, err := state.New(cfg.Storage.ResultsDir, cfg.Storage.SnapshotPath)
	if err != nil {
		add("state", statusFail, err.Error())
		return
	}
	pid, held := st.Holder()
	rec, err := st.LoadRunning()
	switch {
	case err != nil && !errors.Is(err, os.ErrNotExist):
		add("state", statusFail, err.Error())
		return
	case held:
		add("state", statusOK, fmt.Sprintf("in use by pid %d", pid))
		return
	case err == nil && len(rec.Items) > 0:
		add("state", statusWarn, fmt.Sprintf("%d items were running when pid %d stopped; they are marked interrupted on next start", len(rec.Items), rec.PID))
		return
	}

	snap, err := st.LoadSnapshot()
	switch {
	case errors.Is(err, os.ErrNotExist):
		add("state", statusOK, "no snapshot yet")
	case err != nil:
		add("state", statusFail, err.Error())
	default:
		add("state", statusOK, fmt.Sprintf("%d results", len(snap.Results)))
	}
}

func checkSchedule(cfg *config.Config, add checkFunc) {
	sched, err := scheduler.NewFromConfig(&cfg.Schedule)
	if err != nil {
		if errors.Is(err, scheduler.ErrNoSchedule) {
			add("schedule", statusWarn, "no schedule configured (cron or interval)")
			return
		}
		add("schedule", statusFail, err.Error())
		return
	}
	next := sched.NextRunAfter(time.Now())
	if next.IsZero() {
		add("schedule", statusWarn, "unable to compute next run")
		return
	}
	add("schedule", statusOK, fmt.Sprintf("next run %s", next.Format("2006-01-02 15:04")))
}

func checkWatch(cfg *config.Config, add checkFunc) {
	for _, p := range cfg.Watch.Paths {
		if _, err := os.Stat(p); err != nil {
			add("watch", statusFail, fmt.Sprintf("missing %s", p))
			return
		}
	}
	if len(cfg.Watch.Paths) > 0 {
		add("watch", statusOK, fmt.Sprintf("%d paths", len(cfg.Watch.Paths)))
	}
}

func checkDaemon(add checkFunc) {
	pid, err := readPidFile()
	if err != nil {
		add("daemon", statusWarn, "not running (pid file missing)")
		return
	}
	if isProcessRunning(pid) {
		add("daemon", statusOK, fmt.Sprintf("running (pid %d)", pid))
	} else {
		add("daemon", statusWarn, "pid file present but process not running")
	}
}

func printDoctorResults(w io.Writer, results []checkResult) {
	styles := newOutputStyles()
	fmt.Fprintln(w, styles.Title.Render("vigil doctor"))
	for _, r := range results {
		label := fmt.Sprintf("[%-4s]", r.status)
		switch r.status {
		case statusOK:
			label = styles.OK.Render(label)
		case statusWarn:
			label = styles.Warn.Render(label)
		default:
			label = styles.Error.Render(label)
		}
		fmt.Fprintf(w, "%s %-16s %s\n", label, r.name, r.detail)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
