package tools

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
)

// FileExists returns false only when file certainly does not exist.
func FileExists(filename string) bool {
	_, err := os.Stat(filename)
	return !errors.Is(err, fs.ErrNotExist)
}

// WritePidFile writes current process PID, empty path is a no-op.
func WritePidFile(pidFile string) error {
	if pidFile == "" {
		return nil
	}
	return os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
}

// RemovePidFile removes file written by WritePidFile.
func RemovePidFile(pidFile string) {
	if pidFile != "" {
		_ = os.Remove(pidFile)
	}
}
