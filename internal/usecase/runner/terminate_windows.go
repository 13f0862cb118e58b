//go:build windows

package runner

import "os"

// terminate kills the process; Windows has no SIGTERM equivalent for console children.
func terminate(p *os.Process) error {
	return p.Kill()
}
