// ============================================================================
// concurrent-buffer Shared Regions - raw named shared memory
// ============================================================================
//
// Package: internal/shmem
// File: region.go
// Purpose: Named, file-backed shared memory regions that every process of a
//          pool can map, plus the Manager that owns their lifetime.
//
// Layout on disk:
//   /dev/shm/<name>            preferred (tmpfs, never touches a disk)
//   $TMPDIR/<name>             fallback when /dev/shm is unavailable
//
// Lifecycle:
//   1. NewManager(prefix)      nothing allocated yet
//   2. Start()                 manager usable; Create() allocates regions
//   3. children map regions    inherited fd (fork) or by path (spawn)
//   4. Shutdown()              unmap, close and unlink every owned region
//
// Any Create/Region call before Start returns ErrManagerNotStarted. The
// error is raised at the access point; a zeroed region is never handed out.
//
// ============================================================================

package shmem

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"
)

var (
	// ErrManagerNotStarted is returned when regions are requested before Start.
	ErrManagerNotStarted = errors.New("shmem: manager not started")
	// ErrManagerStopped is returned after Shutdown.
	ErrManagerStopped = errors.New("shmem: manager already shut down")
	// ErrRegionExists is returned when a region name is already in use.
	ErrRegionExists = errors.New("shmem: region already exists")
	// ErrUnsupportedPlatform is returned where shared mappings are unavailable.
	ErrUnsupportedPlatform = errors.New("shmem: shared memory not supported on this platform")
)

// Region is one mapped shared memory file.
type Region struct {
	Name string
	Path string
	File *os.File
	Mem  []byte

	closeOnce sync.Once
	closeErr  error
}

// Size returns the mapped size in bytes.
func (r *Region) Size() int {
	return len(r.Mem)
}

// Uint32 returns a pointer into the mapping at off. off must be 4-byte aligned.
func (r *Region) Uint32(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.Mem[off]))
}

// Uint64 returns a pointer into the mapping at off. off must be 8-byte aligned.
func (r *Region) Uint64(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&r.Mem[off]))
}

// Load32 atomically loads the uint32 at off.
func (r *Region) Load32(off int) uint32 {
	return atomic.LoadUint32(r.Uint32(off))
}

// Store32 atomically stores v at off.
func (r *Region) Store32(off int, v uint32) {
	atomic.StoreUint32(r.Uint32(off), v)
}

// Close unmaps the region and closes its file. The backing file stays.
func (r *Region) Close() error {
	r.closeOnce.Do(func() {
		var errs []error
		if r.Mem != nil {
			if err := unmap(r.Mem); err != nil {
				errs = append(errs, err)
			}
			r.Mem = nil
		}
		if r.File != nil {
			if err := r.File.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
				errs = append(errs, err)
			}
		}
		r.closeErr = errors.Join(errs...)
	})
	return r.closeErr
}

// Unlink removes the backing file. Existing mappings stay valid.
func (r *Region) Unlink() error {
	if err := os.Remove(r.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("shmem: unlink %s: %w", r.Path, err)
	}
	return nil
}

// MapReadOnly maps the region a second time without write permission.
// Writes through the returned slice fault. Release it with Unmap.
func (r *Region) MapReadOnly() ([]byte, error) {
	if r.File == nil {
		return nil, fmt.Errorf("shmem: region %s has no file", r.Name)
	}
	return mapFile(r.File, len(r.Mem), false)
}

// Unmap releases a mapping obtained from MapReadOnly.
func Unmap(mem []byte) error {
	return unmap(mem)
}

// EnvDir overrides the directory region files are created in. Child
// processes inherit it.
const EnvDir = "CBUFFER_SHM_DIR"

// Dir returns the directory region files live in.
func Dir() string {
	if dir := os.Getenv(EnvDir); dir != "" {
		return dir
	}
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// PathFor returns the backing file path for a region name.
func PathFor(name string) string {
	return filepath.Join(Dir(), sanitize(name))
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == os.PathSeparator || r == 0 {
			return '_'
		}
		return r
	}, name)
}

// create makes a new region of size bytes; the name must not exist yet.
func create(name string, size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shmem: invalid region size %d", size)
	}
	path := PathFor(name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrRegionExists, path)
		}
		return nil, fmt.Errorf("shmem: create %s: %w", path, err)
	}

	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	if err := file.Truncate(int64(size)); err != nil {
		cleanup()
		return nil, fmt.Errorf("shmem: resize %s: %w", path, err)
	}

	mem, err := mapFile(file, size, true)
	if err != nil {
		cleanup()
		return nil, err
	}

	return &Region{Name: name, Path: path, File: file, Mem: mem}, nil
}

// Open maps an existing region by path.
func Open(path string) (*Region, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("shmem: open %s: %w", path, err)
	}
	region, err := FromFile(file)
	if err != nil {
		file.Close()
		return nil, err
	}
	return region, nil
}

// FromFile maps an already open region file, e.g. one inherited from a
// parent process. The region takes ownership of file.
func FromFile(file *os.File) (*Region, error) {
	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("shmem: stat %s: %w", file.Name(), err)
	}
	if info.Size() <= 0 {
		return nil, fmt.Errorf("shmem: region %s is empty", file.Name())
	}

	mem, err := mapFile(file, int(info.Size()), true)
	if err != nil {
		return nil, err
	}

	return &Region{
		Name: filepath.Base(file.Name()),
		Path: file.Name(),
		File: file,
		Mem:  mem,
	}, nil
}
