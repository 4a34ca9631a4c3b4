//go:build unix

package daemon

import (
	"errors"

	"golang.org/x/sys/unix"
)

func geteuid() int { return unix.Geteuid() }

func getppid() int { return unix.Getppid() }

// processAlive reports whether pid names a live process. EPERM means it
// exists but belongs to someone else.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
