// Package outdir manages the run output directory: fresh creation with
// optional prepended history, and the final copy to shared storage.
package outdir

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

var (
	// ErrPrependConflict is returned when the prepend source is the output directory itself.
	ErrPrependConflict = errors.New("prepend source is the output directory")
	// ErrPrependMissing is returned when the prepend source or one of its artifacts is absent.
	ErrPrependMissing = errors.New("prepend source incomplete")
	// ErrOutputDirectory wraps OS failures while removing, creating or filling the directory.
	ErrOutputDirectory = errors.New("output directory error")
)

// Prepare deletes and recreates path. When prependFrom is set, every named
// artifact is copied from it into the fresh directory. All prepend checks
// run before path is touched.
func Prepare(path, prependFrom string, artifacts []string) error {
	if prependFrom != "" {
		if samePath(path, prependFrom) {
			return fmt.Errorf("%w: %s", ErrPrependConflict, path)
		}
		info, err := os.Stat(prependFrom)
		if err != nil || !info.IsDir() {
			return fmt.Errorf("%w: directory %s not found", ErrPrependMissing, prependFrom)
		}
		for _, name := range artifacts {
			if _, err := os.Stat(filepath.Join(prependFrom, name)); err != nil {
				return fmt.Errorf("%w: %s not found in %s", ErrPrependMissing, name, prependFrom)
			}
		}
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("%w: remove %s: %w", ErrOutputDirectory, path, err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("%w: create %s: %w", ErrOutputDirectory, path, err)
	}

	if prependFrom == "" {
		return nil
	}
	for _, name := range artifacts {
		if err := copyFile(filepath.Join(prependFrom, name), filepath.Join(path, name)); err != nil {
			return fmt.Errorf("%w: prepend %s: %w", ErrOutputDirectory, name, err)
		}
	}
	return nil
}

// CopyOut replaces dst with a copy of src.
func CopyOut(src, dst string) error {
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("remove previous copy: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create shared dir: %w", err)
	}
	if err := os.CopyFS(dst, os.DirFS(src)); err != nil {
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	return nil
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return absA == absB
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
