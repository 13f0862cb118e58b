//go:build !windows

package runner

import (
	"os"
	"syscall"
)

// terminate sends SIGTERM so the script can clean up before exiting.
func terminate(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}
