package pipeline

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// fifoMode is the permission bits for the named audio FIFO.
const fifoMode = 0o644

// EnsureFIFO removes any existing file at path and creates a fresh named
// FIFO. Called before every encoder start so both ends open a clean pipe.
func EnsureFIFO(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing old fifo %s: %w", path, err)
	}
	if err := unix.Mkfifo(path, fifoMode); err != nil {
		return fmt.Errorf("creating fifo %s: %w", path, err)
	}
	return nil
}

// FIFOExists reports whether a FIFO exists at path.
func FIFOExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeNamedPipe != 0
}

// RemoveFIFO deletes the FIFO, tolerating a missing file.
func RemoveFIFO(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
