package pty

import (
	"errors"
	"os"
)

var shellCandidates = []string{"/bin/bash", "/bin/zsh", "/bin/sh"}

// DetectShell returns $SHELL if it is executable, otherwise the first
// executable of /bin/bash, /bin/zsh and /bin/sh.
func DetectShell() (string, error) {
	if shell := os.Getenv("SHELL"); shell != "" && isExecutable(shell) {
		return shell, nil
	}
	for _, candidate := range shellCandidates {
		if isExecutable(candidate) {
			return candidate, nil
		}
	}
	return "", errors.New("no usable shell found")
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir() && info.Mode()&0o111 != 0
}
