//go:build !windows

package cmd

import (
	"os"
	"os/exec"
	"syscall"
)

// detachServer starts the background server in its own session so closing
// the launching terminal does not stop it.
func detachServer(child *exec.Cmd) {
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// shutdownSignals stop a foreground server or MCP session gracefully.
func shutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

// stopSignal is what 'serve stop' sends: SIGTERM first, SIGKILL once the
// grace period has run out.
func stopSignal(force bool) syscall.Signal {
	if force {
		return syscall.SIGKILL
	}
	return syscall.SIGTERM
}
