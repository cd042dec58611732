//go:build windows

package cmd

import (
	"os"
	"os/exec"
	"syscall"
)

// detachServer puts the background server in a new process group so a
// Ctrl+C in the launching console does not reach it.
func detachServer(child *exec.Cmd) {
	child.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

func shutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// stopSignal always terminates: Windows processes cannot be asked to stop
// through a signal.
func stopSignal(bool) syscall.Signal {
	return syscall.SIGKILL
}
