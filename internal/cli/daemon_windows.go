//go:build windows

package cli

import (
	"errors"
	"os"
)

var errNoDaemon = errors.New("--daemon is not supported on windows")

func detach([]string) (int, error) { return 0, errNoDaemon }

func processAlive(pid int) bool {
	_, err := os.FindProcess(pid)
	return err == nil
}

// signalProcess can only kill on windows.
func signalProcess(pid int, _ bool) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
