//go:build !unix

package runner

import (
	"os"
	"os/exec"
	"syscall"
)

func setGroup(*exec.Cmd) {}

// signalGroup signals the process only, there are no process groups.
func signalGroup(pid int, sig syscall.Signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if sig == syscall.SIGKILL {
		return p.Kill()
	}
	return p.Signal(sig)
}
