package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/marcus/vigil/internal/workitem"
)

// maxOutput caps captured stdout and stderr per attempt.
const maxOutput = 1 << 20

// outcome is the raw result of one attempt.
type outcome struct {
	status   workitem.Status
	stdout   string
	stderr   string
	output   string
	exitCode int
	err      error
}

// cappedBuffer keeps the first max bytes written and discards the rest.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - b.buf.Len(); room < len(p) {
		if room > 0 {
			b.buf.Write(p[:room])
		}
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + "\n[output truncated]\n"
	}
	return b.buf.String()
}

// commandFor builds the exec.Cmd for a command-backed item.
func commandFor(item *workitem.WorkItem) *exec.Cmd {
	var cmd *exec.Cmd
	if item.Shell != "" {
		cmd = exec.Command("/bin/sh", "-c", item.Shell)
	} else {
		cmd = exec.Command(item.Command, item.Args...)
	}
	cmd.Dir = item.Dir
	cmd.Env = mergeEnv(os.Environ(), item.Env)
	return cmd
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := append([]string(nil), base...)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// runProcess executes one attempt in its own process group. On timeout or
// cancellation the whole group gets SIGTERM, then SIGKILL once grace has
// elapsed without exit.
func (r *Runner) runProcess(ctx context.Context, item *workitem.WorkItem, timeout time.Duration) outcome {
	cmd := commandFor(item)
	setProcessGroup(cmd)
	cmd.WaitDelay = r.cfg.GracePeriod

	stdout := &cappedBuffer{max: maxOutput}
	stderr := &cappedBuffer{max: maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return outcome{status: workitem.StatusFailed, exitCode: -1, err: fmt.Errorf("start: %w", err)}
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var (
		waitErr error
		status  workitem.Status
	)
	select {
	case waitErr = <-waitCh:
	case <-timer.C:
		status = workitem.StatusTimedOut
		waitErr = r.terminate(cmd, waitCh)
	case <-ctx.Done():
		status = workitem.StatusCancelled
		waitErr = r.terminate(cmd, waitCh)
	}

	o := outcome{stdout: stdout.String(), stderr: stderr.String()}
	o.exitCode = exitCode(cmd, waitErr)

	switch status {
	case workitem.StatusTimedOut:
		o.status = status
		o.err = fmt.Errorf("timed out after %s", timeout)
	case workitem.StatusCancelled:
		o.status = status
		o.err = context.Cause(ctx)
	default:
		if waitErr != nil {
			o.status = workitem.StatusFailed
			o.err = waitErr
		} else {
			o.status = workitem.StatusCompleted
		}
	}
	return o
}

// terminate signals the process group and waits for exit, escalating to a
// forced kill after the grace period.
func (r *Runner) terminate(cmd *exec.Cmd, waitCh <-chan error) error {
	pid := cmd.Process.Pid
	if err := signalGroup(cmd, false); err != nil {
		r.logger.DebugCtx("graceful signal failed", map[string]any{"pid": pid, "error": err.Error()})
	}

	grace := time.NewTimer(r.cfg.GracePeriod)
	defer grace.Stop()

	select {
	case err := <-waitCh:
		return err
	case <-grace.C:
	}

	r.logger.WarnCtx("process ignored termination, killing", map[string]any{
		"pid":   pid,
		"grace": r.cfg.GracePeriod.String(),
	})
	if err := signalGroup(cmd, true); err != nil {
		r.logger.DebugCtx("kill failed", map[string]any{"pid": pid, "error": err.Error()})
	}
	return <-waitCh
}

func exitCode(cmd *exec.Cmd, err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

// runCallback invokes an in-process callback under timeout. A panic becomes
// a failed attempt. A callback that ignores cancellation is abandoned once
// the timeout or stop request fires.
func (r *Runner) runCallback(ctx context.Context, item *workitem.WorkItem, fn CallbackFunc, timeout time.Duration) outcome {
	cbCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type ret struct {
		out string
		err error
	}
	done := make(chan ret, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- ret{err: fmt.Errorf("callback panicked: %v", p)}
			}
		}()
		out, err := fn(cbCtx, item.Args)
		done <- ret{out: out, err: err}
	}()

	select {
	case res := <-done:
		switch {
		case res.err == nil:
			return outcome{status: workitem.StatusCompleted, output: res.out}
		case ctx.Err() != nil:
			// the callback honoured cancellation
			return outcome{status: workitem.StatusCancelled, output: res.out, exitCode: -1, err: context.Cause(ctx)}
		case cbCtx.Err() != nil:
			return outcome{status: workitem.StatusTimedOut, output: res.out, exitCode: -1, err: fmt.Errorf("timed out after %s", timeout)}
		}
		return outcome{status: workitem.StatusFailed, output: res.out, exitCode: 1, err: res.err}
	case <-cbCtx.Done():
		if ctx.Err() != nil {
			return outcome{status: workitem.StatusCancelled, exitCode: -1, err: context.Cause(ctx)}
		}
		return outcome{status: workitem.StatusTimedOut, exitCode: -1, err: fmt.Errorf("timed out after %s", timeout)}
	}
}
