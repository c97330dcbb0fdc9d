//go:build windows

package pty

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"github.com/rafket/vscode-hub/internal/model"
)

func start(cmd *exec.Cmd, size Size) (*os.File, error) {
	return nil, errors.ErrUnsupported
}

func setsize(f *os.File, rows, cols uint16) error {
	return errors.ErrUnsupported
}

func signalGroup(pid int, sig syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}

func classifySpawnError(err error) model.SpawnReason {
	return model.SpawnFailed
}
