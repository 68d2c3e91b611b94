// Package shm implements a named, fixed-size shared-memory region used
// as the batch transport buffer between the coordinator and exactly one
// worker process. Regions are backed by a file under a tmpfs-mounted
// directory (conventionally /dev/shm) and mapped with mmap, so both the
// coordinator and the worker it forked see the same physical pages.
package shm

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ReservedPrefix is the scratch/metadata prefix a worker may use ahead
// of the batch frame, per region.
const ReservedPrefix = 1024

// DefaultDir is the conventional mount point for POSIX shared memory on
// Linux. Overridable for tests and non-Linux targets.
var DefaultDir = "/dev/shm"

// Region is a mapped, named shared-memory segment.
type Region struct {
	Name string
	path string
	size int
	file *os.File
	data []byte
}

// SizeFor returns the minimum region size for a batch of the given
// capacity: the codec header, capacity records, and the reserved
// scratch prefix.
func SizeFor(capacity int) int {
	return ReservedPrefix + 24 + capacity*116
}

// Name returns the conventional region name for a pipeline stage and
// coordinator PID, matching the external shared-memory naming contract.
func Name(stageName string, coordinatorPID int) string {
	return fmt.Sprintf("plugin_%s_%d", stageName, coordinatorPID)
}

// Create allocates and maps a new region of at least size bytes,
// failing if a region with the same name already exists. Create does
// not remove a stale name left by a previous crash; callers do that
// first with UnlinkStale.
func Create(name string, size int) (*Region, error) {
	path := filepath.Join(DefaultDir, name)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: create %s: %w", name, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("shm: truncate %s: %w", name, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("shm: mmap %s: %w", name, err)
	}

	return &Region{Name: name, path: path, size: size, file: f, data: data}, nil
}

// Open maps an existing region by name, for use by a worker process
// that inherited the name from its coordinator.
func Open(name string, size int) (*Region, error) {
	path := filepath.Join(DefaultDir, name)

	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", name, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: mmap %s: %w", name, err)
	}

	return &Region{Name: name, path: path, size: size, file: f, data: data}, nil
}

// Body returns the mapped bytes past the reserved scratch prefix — the
// batch transport buffer proper.
func (r *Region) Body() []byte {
	return r.data[ReservedPrefix:]
}

// Scratch returns the reserved prefix bytes for worker-private metadata.
func (r *Region) Scratch() []byte {
	return r.data[:ReservedPrefix]
}

// Close unmaps the region and closes the backing descriptor without
// removing the file; used by a process that only attached to a region
// it does not own.
func (r *Region) Close() error {
	if err := unix.Munmap(r.data); err != nil {
		return fmt.Errorf("shm: munmap %s: %w", r.Name, err)
	}
	return r.file.Close()
}

// Unlink closes the region and removes its backing file. Called by the
// coordinator on worker teardown; a stale name left behind by a prior
// crash, which has no mapping to close, is removed with UnlinkStale.
func (r *Region) Unlink() error {
	if err := r.Close(); err != nil {
		return err
	}
	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("shm: unlink %s: %w", r.Name, err)
	}
	return nil
}

// UnlinkStale removes a region file by name without requiring it to be
// mapped first, used at coordinator startup to clean up names observed
// in a prior crash.
func UnlinkStale(name string) error {
	path := filepath.Join(DefaultDir, name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("shm: unlink stale %s: %w", name, err)
	}
	return nil
}
