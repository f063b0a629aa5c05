//go:build windows

package runner

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}

// signalGroup kills the child. Windows has no graceful equivalent of SIGTERM
// for console processes, so both steps are a hard kill.
func signalGroup(cmd *exec.Cmd, force bool) error {
	return cmd.Process.Kill()
}
