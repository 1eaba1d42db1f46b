//go:build !unix

package service

import (
	"os"
	"os/exec"
	"syscall"
)

func setProcessGroup(*exec.Cmd) {}

// signalGroup kills the task itself, there are no process groups to signal.
func signalGroup(p *os.Process, _ syscall.Signal) error {
	return p.Kill()
}
