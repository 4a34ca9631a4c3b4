package daemon

import (
	"errors"
	"fmt"
)

// ErrNotRoot is returned when root is required and the effective uid is not 0.
var ErrNotRoot = errors.New("must be run as root")

// ErrNotSupervised is returned when the parent is not init or launchd.
var ErrNotSupervised = errors.New("must be started by init or launchd")

// ErrAlreadyRunning is returned when the pid file names a live process.
var ErrAlreadyRunning = errors.New("another instance is running")

// Requirements are the process conditions checked before interception.
type Requirements struct {
	Root       bool
	Supervised bool
}

// identity is the process view Preflight checks. Tests replace it.
type identity struct {
	euid func() int
	ppid func() int
}

var self = identity{euid: geteuid, ppid: getppid}

// Preflight refuses to continue unless the process meets req.
func Preflight(req Requirements) error {
	return self.check(req)
}

func (id identity) check(req Requirements) error {
	if req.Root {
		if uid := id.euid(); uid != 0 {
			return fmt.Errorf("%w (euid %d)", ErrNotRoot, uid)
		}
	}
	if req.Supervised {
		if pp := id.ppid(); pp != 1 {
			return fmt.Errorf("%w (parent pid %d); use --foreground to run from a shell", ErrNotSupervised, pp)
		}
	}
	return nil
}
