// Package pidfile keeps a single vesseltrackd instance per PID file
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrRunning is returned by Create when a live process owns the file
var ErrRunning = errors.New("daemon already running")

// PIDFile guards a path holding the daemon's PID
type PIDFile struct {
	path  string
	pid   int
	alive func(pid int) bool
}

func New(path string) *PIDFile {
	return &PIDFile{
		path:  path,
		pid:   os.Getpid(),
		alive: processAlive,
	}
}

// Create writes the PID file, replacing a stale one left by a dead process
func (p *PIDFile) Create() error {
	running, existing, err := p.CheckRunning()
	if err != nil {
		return err
	}
	if running && existing != p.pid {
		return fmt.Errorf("%w with PID %d", ErrRunning, existing)
	}

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("pidfile dir %s: %w", dir, err)
	}
	return writeAtomic(p.path, []byte(strconv.Itoa(p.pid)+"\n"))
}

// writeAtomic renames a temp file into place so readers never see a partial PID
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".pid-*")
	if err != nil {
		return fmt.Errorf("pidfile temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("pidfile write: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("pidfile chmod: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("pidfile close: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// Remove deletes the file if it still holds our PID
func (p *PIDFile) Remove() error {
	existing, err := p.GetPID()
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err == nil && existing != p.pid {
		return fmt.Errorf("%s belongs to PID %d, not %d", p.path, existing, p.pid)
	}
	// unreadable files are ours to clean up
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// GetPID returns the PID stored in the file
func (p *PIDFile) GetPID() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, err
	}
	raw := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("%s: bad PID %q", p.path, raw)
	}
	return pid, nil
}

func (p *PIDFile) Path() string { return p.path }

// CheckRunning reports whether the PID in the file belongs to a live process
func (p *PIDFile) CheckRunning() (bool, int, error) {
	pid, err := p.GetPID()
	if errors.Is(err, os.ErrNotExist) {
		return false, 0, nil
	}
	if err != nil {
		// garbage in the file is treated as stale
		return false, 0, nil
	}
	return p.alive(pid), pid, nil
}

// processAlive sends signal 0, which checks existence without delivering anything
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
