package pty

import "testing"

func TestDetectShell(t *testing.T) {
	t.Setenv("SHELL", "/nonexistent/shell")
	shell, err := DetectShell()
	if err != nil {
		t.Skipf("no shell on this system: %v", err)
	}
	if !isExecutable(shell) {
		t.Errorf("DetectShell() = %q, not executable", shell)
	}
	if shell == "/nonexistent/shell" {
		t.Error("DetectShell should skip a missing $SHELL")
	}
}
