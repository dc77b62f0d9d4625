//go:build windows

package pipeline

import (
	"os"
	"os/exec"
)

func setProcGroup(cmd *exec.Cmd) {}

// Windows has no process groups to signal; both steps kill the child.
func terminateProcessGroup(pid int) error {
	return killProcessGroup(pid)
}

func killProcessGroup(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
