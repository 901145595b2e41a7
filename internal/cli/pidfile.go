package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrAlreadyRunning 另一個 supervisor 仍持有 pid 檔
var ErrAlreadyRunning = errors.New("warlock is already running")

// writePidFile 寫入目前程序的 pid
//
// 既有的 pid 檔若指向存活程序則拒絕；指向已結束的程序視為殘留並覆蓋
func writePidFile(path string) error {
	if pid, err := readPidFile(path); err == nil {
		if pid != os.Getpid() && processAlive(pid) {
			return fmt.Errorf("%w (pid %d, %s)", ErrAlreadyRunning, pid, path)
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create pid dir: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	return os.Rename(tmp, path)
}

// readPidFile 讀取 pid 檔
func readPidFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid file %s", path)
	}
	return pid, nil
}

// removePidFile 只移除屬於本程序的 pid 檔
func removePidFile(path string) error {
	pid, err := readPidFile(path)
	if err != nil {
		return err
	}
	if pid != os.Getpid() {
		return nil
	}
	return os.Remove(path)
}
