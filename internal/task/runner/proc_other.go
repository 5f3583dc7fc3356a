//go:build !unix

package runner

import "os/exec"

func setProcessGroup(*exec.Cmd) {}

// signalGroup kills the direct child only; there are no process groups here.
func signalGroup(cmd *exec.Cmd, _ bool) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
