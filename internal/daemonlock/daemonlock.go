// Package daemonlock is the single-instance guard the scaffold daemon
// takes before spawning any supervisor or dispatching any worker, so two
// daemons never race over the same state database. Adapted from
// cortex's internal/health.AcquireFlock/ReleaseFlock, renamed for a
// process that locks itself rather than diagnosing a dispatch agent.
package daemonlock

import (
	"fmt"
	"os"
	"syscall"
)

// Acquire takes an exclusive, non-blocking flock on path, creating it if
// necessary, and stamps the caller's PID into it. Keep the returned file
// open for the life of the process; call Release on shutdown.
func Acquire(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("daemonlock: open %s: %w", path, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("another scaffold daemon instance is running (lock: %s)", path)
	}

	f.Truncate(0)
	f.Seek(0, 0)
	fmt.Fprintf(f, "%d\n", os.Getpid())

	return f, nil
}

// Release unlocks and removes the lock file.
func Release(f *os.File) {
	if f == nil {
		return
	}
	syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	name := f.Name()
	f.Close()
	os.Remove(name)
}
