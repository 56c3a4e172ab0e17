//go:build linux

package watchdog

import (
	"os"
	"os/exec"
	"os/signal"
	"syscall"
)

// setProcessGroup puts the child in its own process group so the
// watchdog can signal the whole tree, and arranges for the kernel to
// kill the child if the watchdog itself dies without a chance to
// clean up.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}

func signalNotify(ch chan<- os.Signal) {
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
}

func signalStop(ch chan<- os.Signal) {
	signal.Stop(ch)
}
