//go:build linux

package cli

import "syscall"

// detachedSysProcAttr starts the Watchdog in its own session so it
// survives the CLI process exiting, mirroring the teacher's process
// detachment for long-lived supervised children.
func detachedSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
