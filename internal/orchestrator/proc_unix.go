//go:build !windows

package orchestrator

import (
	"errors"
	"os/exec"
	"syscall"
)

func configureWorkerProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func interruptWorkerProcess(cmd *exec.Cmd) error {
	return signalWorkerGroup(cmd, syscall.SIGTERM)
}

func killWorkerProcess(cmd *exec.Cmd) error {
	return signalWorkerGroup(cmd, syscall.SIGKILL)
}

// reapWorkerProcess kills whatever is left in the worker's process group.
func reapWorkerProcess(cmd *exec.Cmd) {
	_ = signalWorkerGroup(cmd, syscall.SIGKILL)
}

// The worker leads its own group, so the group id is its pid.
func signalWorkerGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
