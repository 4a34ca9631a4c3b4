//go:build !unix

package daemon

import "os"

func geteuid() int { return os.Geteuid() }

func getppid() int { return os.Getppid() }

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	p.Release()
	return true
}
