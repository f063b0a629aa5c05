package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/vigil/internal/config"
	"github.com/marcus/vigil/internal/engine"
	"github.com/marcus/vigil/internal/logging"
	"github.com/marcus/vigil/internal/manifest"
	"github.com/marcus/vigil/internal/queue"
	"github.com/marcus/vigil/internal/scheduler"
	"github.com/marcus/vigil/internal/watch"
)

const (
	pidFileName = "vigil.pid"
	stopTimeout = 10 * time.Second
)

var errNoTriggers = errors.New("no schedule or watch paths configured (set schedule.cron, schedule.interval, or watch.paths)")

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage background daemon",
	Long:  `Start, stop, or check status of the vigil background daemon.`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start background daemon",
	Long: `Start the vigil daemon as a background process.

The daemon keeps one engine running and submits manifest tasks when the
schedule fires (cron or interval, optionally limited to a time window) or
when files under watch.paths change. Config edits are applied without a
restart; the manifest is re-read before each trigger.`,
	RunE: runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop background daemon",
	Long:  `Stop the running vigil daemon by sending SIGTERM, then SIGKILL if it has not exited after 10 seconds.`,
	RunE:  runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check daemon status",
	Long:  `Check if the vigil daemon is running and show its triggers.`,
	RunE:  runDaemonStatus,
}

var daemonForegroundFlag bool

func init() {
	daemonStartCmd.Flags().BoolVarP(&daemonForegroundFlag, "foreground", "f", false, "Run in foreground (don't daemonize)")
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	rootCmd.AddCommand(daemonCmd)
}

// pidFilePath returns the path to the PID file.
func pidFilePath() string {
	return filepath.Join(config.DataDir(), pidFileName)
}

// writePidFile writes the current process PID to the PID file.
func writePidFile() error {
	if err := os.MkdirAll(filepath.Dir(pidFilePath()), 0755); err != nil {
		return fmt.Errorf("creating pid dir: %w", err)
	}
	return os.WriteFile(pidFilePath(), []byte(strconv.Itoa(os.Getpid())), 0644)
}

// readPidFile reads the PID from the PID file.
func readPidFile() (int, error) {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// removePidFile removes the PID file.
func removePidFile() error {
	return os.Remove(pidFilePath())
}

// isProcessRunning checks if a process with the given PID is running.
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds; signal 0 checks liveness
	return process.Signal(syscall.Signal(0)) == nil
}

// isDaemonRunning checks if the daemon is currently running.
func isDaemonRunning() (bool, int) {
	pid, err := readPidFile()
	if err != nil {
		return false, 0
	}
	return isProcessRunning(pid), pid
}

func hasTriggers(cfg *config.Config) bool {
	return cfg.Schedule.Cron != "" || cfg.Schedule.Interval != "" || len(cfg.Watch.Paths) > 0
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	if running, pid := isDaemonRunning(); running {
		return fmt.Errorf("daemon already running (pid %d)", pid)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if !hasTriggers(cfg) {
		return configError(errNoTriggers)
	}

	if daemonForegroundFlag {
		return runDaemonLoop(cfg)
	}

	// Daemonize: start a new process with --foreground flag
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("getting executable: %w", err)
	}

	child := exec.Command(executable, "daemon", "start", "--foreground")
	child.Stdout = nil
	child.Stderr = nil
	child.Stdin = nil
	// Detach from parent session
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := child.Start(); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "daemon started (pid %d)\n", child.Process.Pid)
	return nil
}

func runDaemonLoop(cfg *config.Config) error {
	if err := initLogging(cfg); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	log := logging.Component("daemon")

	if err := writePidFile(); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer func() { _ = removePidFile() }()

	log.Info("daemon starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(cfg, log)
	if err != nil {
		return err
	}
	if err := d.run(ctx); err != nil {
		log.Errorf("daemon: %v", err)
		return err
	}
	log.Info("daemon stopped")
	return nil
}

// daemon owns the long-running engine and the triggers that feed it.
type daemon struct {
	log      *logging.Logger
	manifest *manifest.Manifest
	engine   *engine.Engine

	mu  sync.Mutex
	cfg *config.Config
}

func newDaemon(cfg *config.Config, log *logging.Logger) (*daemon, error) {
	m, err := loadManifest(cfg)
	if err != nil {
		return nil, err
	}
	reg, err := m.HookRegistry(hookDefaults(cfg))
	if err != nil {
		return nil, configError(err)
	}
	e, err := engine.New(cfg,
		engine.WithLogger(logging.Component("engine")),
		engine.WithHooks(reg),
	)
	if err != nil {
		if errors.Is(err, engine.ErrConfig) {
			return nil, configError(err)
		}
		return nil, err
	}
	return &daemon{log: log, manifest: m, engine: e, cfg: cfg}, nil
}

func (d *daemon) config() *config.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// run starts the engine and the configured triggers, and blocks until ctx
// is done. The engine is shut down before run returns.
func (d *daemon) run(ctx context.Context) error {
	if err := d.engine.Init(ctx); err != nil {
		_ = d.engine.Shutdown(context.Background())
		return fmt.Errorf("init engine: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), d.config().GracePeriod()+5*time.Second)
		defer cancel()
		if err := d.engine.Shutdown(shutdownCtx); err != nil {
			d.log.Errorf("engine shutdown: %v", err)
		}
	}()

	cfg := d.config()
	if !hasTriggers(cfg) {
		return errNoTriggers
	}

	var sched *scheduler.Scheduler
	if cfg.Schedule.Cron != "" || cfg.Schedule.Interval != "" {
		var err error
		sched, err = scheduler.NewFromConfig(&cfg.Schedule, scheduler.WithLogger(logging.Component("scheduler")))
		if err != nil {
			return fmt.Errorf("init scheduler: %w", err)
		}
		sched.AddJob(func(context.Context) error {
			return d.trigger("schedule", d.config().Schedule.Tasks)
		})
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		d.log.InfoCtx("schedule active", map[string]any{
			"next_run": sched.NextRun().Format(time.RFC3339),
		})
	}

	if len(cfg.Watch.Paths) > 0 {
		onChange := func(paths []string) {
			d.log.DebugCtx("files changed", map[string]any{"paths": paths})
			if err := d.trigger("watch", d.config().Watch.Tasks); err != nil {
				d.log.Warnf("watch trigger: %v", err)
			}
		}
		w, err := watch.New(cfg.Watch.Paths, cfg.WatchDebounce(), onChange,
			watch.WithIgnore(cfg.Watch.Ignore...),
			watch.WithExclude(stateDirs(cfg)...),
			watch.WithLogger(logging.Component("watch")),
		)
		if err != nil {
			return fmt.Errorf("init watcher: %w", err)
		}
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("start watcher: %w", err)
		}
		defer func() { _ = w.Close() }()
	}

	err := config.Watch(cfg.ProjectDir(), config.GlobalConfigPath(), d.applyConfig, func(err error) {
		d.log.Warnf("config change rejected: %v", err)
	})
	if err != nil && !errors.Is(err, config.ErrNoConfigFile) {
		d.log.Warnf("config reload disabled: %v", err)
	}

	d.log.Info("daemon running")
	<-ctx.Done()

	if sched != nil {
		if err := sched.Stop(); err != nil && !errors.Is(err, scheduler.ErrNotRunning) {
			d.log.Errorf("stopping scheduler: %v", err)
		}
	}
	return nil
}

// trigger submits the named tasks, or every task when names is empty.
// Tasks still queued or running from an earlier trigger are left alone.
func (d *daemon) trigger(source string, names []string) error {
	d.refreshManifest()

	items, err := d.manifest.WorkItems(names, taskDefaults(d.config()))
	if err != nil {
		return err
	}
	scopeDeps(items, func(id string) bool {
		_, ok := d.engine.GetStatus(id)
		return ok
	})
	batch, err := d.engine.SubmitBatch(items)
	skipped := 0
	for _, id := range sortedKeys(batch.Rejected) {
		rerr := batch.Rejected[id]
		if errors.Is(rerr, queue.ErrDuplicate) {
			skipped++
			continue
		}
		d.log.WarnCtx("task rejected", map[string]any{"id": id, "error": rerr.Error()})
	}
	d.log.InfoCtx("triggered", map[string]any{
		"source":    source,
		"submitted": len(batch.Submitted),
		"skipped":   skipped,
	})
	return err
}

// refreshManifest re-reads the manifest when the file changed since it was
// loaded. A broken edit keeps the previous contents.
func (d *daemon) refreshManifest() {
	info, err := os.Stat(d.manifest.Path())
	if err != nil || !info.ModTime().After(d.manifest.LoadedAt()) {
		return
	}
	if err := d.manifest.Reload(); err != nil {
		d.log.Warnf("manifest reload failed, keeping previous version: %v", err)
		return
	}
	reg, err := d.manifest.HookRegistry(hookDefaults(d.config()))
	if err != nil {
		d.log.Warnf("manifest hooks: %v", err)
		return
	}
	d.engine.SetHooks(reg)
	d.log.Info("manifest reloaded")
}

// applyConfig takes a validated configuration from the config watcher.
// Limits and policy apply at once; schedule, watch paths, and storage
// need a restart.
func (d *daemon) applyConfig(cfg *config.Config) {
	if err := d.engine.ApplyConfig(cfg); err != nil {
		d.log.Warnf("config change rejected: %v", err)
		return
	}
	d.mu.Lock()
	prev := d.cfg
	d.cfg = cfg
	d.mu.Unlock()

	if prev.Schedule.Cron != cfg.Schedule.Cron || prev.Schedule.Interval != cfg.Schedule.Interval ||
		strings.Join(prev.Watch.Paths, ",") != strings.Join(cfg.Watch.Paths, ",") {
		d.log.Warn("schedule or watch paths changed; restart the daemon to apply")
	}
}

// stateDirs lists directories the file watcher must ignore so that vigil's
// own writes do not trigger runs.
func stateDirs(cfg *config.Config) []string {
	dirs := []string{
		cfg.Storage.ResultsDir,
		filepath.Dir(cfg.Storage.SnapshotPath),
		filepath.Dir(cfg.Storage.DBPath),
		cfg.Logging.Path,
	}
	out := dirs[:0]
	for _, d := range dirs {
		if d != "" && d != "." {
			out = append(out, d)
		}
	}
	return out
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	running, pid := isDaemonRunning()
	if !running {
		// PID file exists but process is dead
		if _, err := readPidFile(); err == nil {
			_ = removePidFile()
			fmt.Fprintln(out, "daemon not running (stale pid file removed)")
			return nil
		}
		fmt.Fprintln(out, "daemon not running")
		return nil
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process: %w", err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM: %w", err)
	}

	fmt.Fprintf(out, "stopping daemon (pid %d)...\n", pid)

	timeout := time.After(stopTimeout)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-timeout:
			fmt.Fprintln(out, "daemon did not stop, sending SIGKILL")
			_ = process.Signal(syscall.SIGKILL)
			_ = removePidFile()
			return nil
		case <-tick.C:
			if !isProcessRunning(pid) {
				fmt.Fprintln(out, "daemon stopped")
				_ = removePidFile()
				return nil
			}
		}
	}
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	running, pid := isDaemonRunning()

	if !running {
		fmt.Fprintln(out, "Status: not running")
		return nil
	}

	fmt.Fprintln(out, "Status: running")
	fmt.Fprintf(out, "PID: %d\n", pid)

	cfg, err := config.Load()
	if err == nil {
		if cfg.Schedule.Cron != "" {
			fmt.Fprintf(out, "Schedule: cron %s\n", cfg.Schedule.Cron)
		} else if cfg.Schedule.Interval != "" {
			fmt.Fprintf(out, "Schedule: every %s\n", cfg.Schedule.Interval)
		}
		if w := cfg.Schedule.Window; w != nil {
			fmt.Fprintf(out, "Window: %s - %s", w.Start, w.End)
			if w.Timezone != "" {
				fmt.Fprintf(out, " (%s)", w.Timezone)
			}
			fmt.Fprintln(out)
		}
		if len(cfg.Watch.Paths) > 0 {
			fmt.Fprintf(out, "Watching: %s\n", strings.Join(cfg.Watch.Paths, ", "))
		}
	}

	fmt.Fprintf(out, "PID file: %s\n", pidFilePath())
	return nil
}
