//go:build !windows

package pty

import (
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/rafket/vscode-hub/internal/model"
)

// start runs cmd on a new pty with Setsid and Setctty, so the child leads its
// own process group.
func start(cmd *exec.Cmd, size Size) (*os.File, error) {
	return pty.StartWithSize(cmd, &pty.Winsize{Rows: size.Rows, Cols: size.Cols})
}

// setsize sets the window size. The kernel delivers SIGWINCH to the
// foreground process group when the size changes.
func setsize(f *os.File, rows, cols uint16) error {
	return pty.Setsize(f, &pty.Winsize{Rows: rows, Cols: cols})
}

// signalGroup signals the whole process group led by pid, falling back to the
// process itself if the group is already gone.
func signalGroup(pid int, sig syscall.Signal) error {
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		err = unix.Kill(pid, sig)
	}
	return err
}

func classifySpawnError(err error) model.SpawnReason {
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return model.SpawnNotFound
	case errors.Is(err, fs.ErrPermission), errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return model.SpawnPermissionDenied
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EMFILE),
		errors.Is(err, unix.ENFILE), errors.Is(err, unix.ENOMEM):
		return model.SpawnResourceExhausted
	default:
		return model.SpawnFailed
	}
}
