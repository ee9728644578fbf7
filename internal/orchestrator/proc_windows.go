//go:build windows

package orchestrator

import "os/exec"

func configureWorkerProcess(_ *exec.Cmd) {}

func interruptWorkerProcess(cmd *exec.Cmd) error {
	return killWorkerProcess(cmd)
}

func killWorkerProcess(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func reapWorkerProcess(_ *exec.Cmd) {}
