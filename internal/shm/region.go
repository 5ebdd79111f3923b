// Package shm maps a file-backed float64 parameter region into the address
// space of every process that opens it. Writes through one mapping are visible
// to all others. There is no locking of any kind: concurrent readers may
// observe a mix of old and new values, and concurrent writers may lose updates.
package shm

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const float64Size = int(unsafe.Sizeof(float64(0)))

// ErrSizeMismatch is returned when an existing backing file does not hold a
// whole number of float64 values.
var ErrSizeMismatch = errors.New("region size mismatch")

// Region is a shared float64 slice backed by a MAP_SHARED file mapping.
type Region struct {
	path   string
	data   []byte
	params []float64
}

// Create creates (or truncates) the backing file at path, sizes it for n
// parameters and maps it. The region starts zeroed.
func Create(path string, n int) (*Region, error) {
	if n <= 0 {
		return nil, fmt.Errorf("create region: %w: %d parameters", ErrSizeMismatch, n)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create region file: %w", err)
	}
	defer f.Close()

	if err := f.Truncate(int64(n * float64Size)); err != nil {
		return nil, fmt.Errorf("size region file: %w", err)
	}
	return mapFile(f, path, n)
}

// Open maps an existing region created by Create.
func Open(path string) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open region file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat region file: %w", err)
	}
	size := int(info.Size())
	if size == 0 || size%float64Size != 0 {
		return nil, fmt.Errorf("open region %s: %w: %d bytes", path, ErrSizeMismatch, size)
	}
	return mapFile(f, path, size/float64Size)
}

func mapFile(f *os.File, path string, n int) (*Region, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, n*float64Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap region: %w", err)
	}
	return &Region{
		path:   path,
		data:   data,
		params: unsafe.Slice((*float64)(unsafe.Pointer(&data[0])), n),
	}, nil
}

// Params returns the live parameter view. Mutations are immediately visible
// to every process mapping the same file.
func (r *Region) Params() []float64 {
	return r.params
}

// Len returns the number of parameters in the region.
func (r *Region) Len() int {
	return len(r.params)
}

// Path returns the backing file path.
func (r *Region) Path() string {
	return r.path
}

// Load copies src into the region.
func (r *Region) Load(src []float64) error {
	if len(src) != len(r.params) {
		return fmt.Errorf("load region: %w: have %d, got %d", ErrSizeMismatch, len(r.params), len(src))
	}
	copy(r.params, src)
	return nil
}

// Snapshot returns a private copy of the current parameters.
func (r *Region) Snapshot() []float64 {
	out := make([]float64, len(r.params))
	copy(out, r.params)
	return out
}

// Close unmaps the region. The backing file is left in place.
func (r *Region) Close() error {
	if r.data == nil {
		return nil
	}
	r.params = nil
	data := r.data
	r.data = nil
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("munmap region: %w", err)
	}
	return nil
}

// Remove unmaps the region and deletes its backing file.
func (r *Region) Remove() error {
	if err := r.Close(); err != nil {
		return err
	}
	if err := os.Remove(r.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove region file: %w", err)
	}
	return nil
}
