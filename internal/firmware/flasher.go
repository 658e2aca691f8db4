package firmware

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
)

// FileFlasher writes a new image next to Path and renames it over Path
// on Finish, so a crash mid-download leaves the running image intact.
type FileFlasher struct {
	// Path is the image to replace.
	Path string

	staging string
	file    *os.File
	total   int64
	written int64
}

// Begin creates the staging file for an image of total bytes.
func (f *FileFlasher) Begin(total int64) error {
	if f.file != nil {
		f.Abort()
	}
	f.staging = f.Path + ".new"
	file, err := os.OpenFile(f.staging, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
	if err != nil {
		return fmt.Errorf("create staging image: %w", err)
	}
	f.file = file
	f.total = total
	f.written = 0
	return nil
}

// Write appends image data.
func (f *FileFlasher) Write(p []byte) (int, error) {
	if f.file == nil {
		return 0, errors.New("flasher not started")
	}
	if f.written+int64(len(p)) > f.total {
		return 0, fmt.Errorf("image overruns announced size %d", f.total)
	}
	n, err := f.file.Write(p)
	f.written += int64(n)
	return n, err
}

// Finish syncs the staging file and moves it over Path.
func (f *FileFlasher) Finish() error {
	if f.file == nil {
		return errors.New("flasher not started")
	}
	defer func() { f.file = nil }()

	if f.written != f.total {
		f.file.Close()
		os.Remove(f.staging)
		return fmt.Errorf("image incomplete: %d of %d bytes", f.written, f.total)
	}
	if err := f.file.Sync(); err != nil {
		f.file.Close()
		os.Remove(f.staging)
		return fmt.Errorf("sync staging image: %w", err)
	}
	if err := f.file.Close(); err != nil {
		os.Remove(f.staging)
		return fmt.Errorf("close staging image: %w", err)
	}
	if err := os.Rename(f.staging, f.Path); err != nil {
		os.Remove(f.staging)
		return fmt.Errorf("install image: %w", err)
	}
	if dir, err := os.Open(filepath.Dir(f.Path)); err == nil {
		dir.Sync()
		dir.Close()
	}
	return nil
}

// Abort discards the staging file.
func (f *FileFlasher) Abort() error {
	if f.file == nil {
		return nil
	}
	f.file.Close()
	f.file = nil
	if err := os.Remove(f.staging); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ExecRestarter replaces the running process with Path.
type ExecRestarter struct {
	// Path defaults to the running executable.
	Path string
	// Args defaults to os.Args.
	Args   []string
	Logger *slog.Logger
}

// Restart execs the image. It only returns on failure.
func (r ExecRestarter) Restart() error {
	path := r.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locate executable: %w", err)
		}
		path = exe
	}
	args := r.Args
	if len(args) == 0 {
		args = os.Args
	}
	if r.Logger != nil {
		r.Logger.Info("restarting into new firmware", "path", path)
	}
	if err := syscall.Exec(path, args, os.Environ()); err != nil {
		return fmt.Errorf("exec %s: %w", path, err)
	}
	return nil
}
