// Package daemon tracks the background API server through a PID file.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrAlreadyRunning is returned by Acquire when a live process owns the file.
var ErrAlreadyRunning = errors.New("already running")

// PIDFile records the process id of the single server instance.
type PIDFile struct {
	Path string
}

func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// Write records the current process.
func (p *PIDFile) Write() error {
	return p.WritePID(os.Getpid())
}

// WritePID records pid, creating the parent directory when missing.
func (p *PIDFile) WritePID(pid int) error {
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
		return fmt.Errorf("create PID directory: %w", err)
	}
	return os.WriteFile(p.Path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("invalid PID %d", pid)
	}
	return pid, nil
}

// Remove deletes the file. A missing file is not an error.
func (p *PIDFile) Remove() error {
	if err := os.Remove(p.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// CleanStale removes the file when the process it names is gone or the
// content is unreadable. It reports whether a file was removed.
func (p *PIDFile) CleanStale() (bool, error) {
	if _, err := os.Stat(p.Path); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if _, running := p.IsRunning(); running {
		return false, nil
	}
	if err := p.Remove(); err != nil {
		return false, err
	}
	return true, nil
}

// Acquire claims the file for pid. It fails with ErrAlreadyRunning when
// another live process holds it; a file naming pid itself is accepted so a
// detached child can confirm the entry its parent wrote.
func (p *PIDFile) Acquire(pid int) error {
	if owner, running := p.IsRunning(); running && owner != pid {
		return fmt.Errorf("server %w (pid %d)", ErrAlreadyRunning, owner)
	}
	if _, err := p.CleanStale(); err != nil {
		return fmt.Errorf("remove stale PID file: %w", err)
	}
	return p.WritePID(pid)
}
