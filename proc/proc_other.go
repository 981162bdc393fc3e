//go:build !unix

package proc

import (
	"os"
	"os/exec"
)

// setProcessGroup is a no-op on platforms without process group support.
func setProcessGroup(cmd *exec.Cmd) {
}

// stopSignal returns the stop signal for the platform. There is no portable
// graceful signal here, so termination goes straight to Kill.
func stopSignal() os.Signal {
	return os.Kill
}

// signalProcessGroup signals the process directly on platforms without
// process group support.
func signalProcessGroup(cmd *exec.Cmd, sig os.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Signal(sig)
}

// killProcessGroup kills the process directly on platforms without process
// group support.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// exitCodeFromError reports no status on platforms without wait status
// introspection.
func exitCodeFromError(exitErr *exec.ExitError) (int, bool) {
	return 0, false
}
