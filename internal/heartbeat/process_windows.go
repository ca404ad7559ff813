//go:build windows

package heartbeat

import "os"

// processAlive relies on FindProcess opening a handle, which fails for
// pids that no longer exist.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}
