//go:build !windows

package heartbeat

import (
	"errors"
	"syscall"
)

// processAlive sends signal 0: EPERM still means the pid exists.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
