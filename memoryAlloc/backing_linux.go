//go:build linux

package memoryAlloc

import (
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

const maxMapCountPath = "/proc/sys/vm/max_map_count"

// MemfdBacking backs the heap with an anonymous memfd file. Committing is
// fallocate, uncommitting punches a hole, and mapping maps the file at a
// fixed address inside a PROT_NONE reservation.
type MemfdBacking struct {
	fd       int
	size     uintptr
	granule  uintptr
	reserved uintptr
	base     [2]uintptr
	osPage   uintptr
}

// NewMemfdBacking creates a memfd of size bytes.
func NewMemfdBacking(name string, size, granule uintptr) (*MemfdBacking, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "memfd_create")
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "ftruncate memfd to %d bytes", size)
	}
	return &MemfdBacking{
		fd:      fd,
		size:    size,
		granule: granule,
		osPage:  uintptr(os.Getpagesize()),
	}, nil
}

func mmap(addr, length uintptr, prot, flags int, fd int, offset uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, length, uintptr(prot), uintptr(flags), uintptr(fd), offset)
	if errno != 0 {
		return 0, errno
	}
	return r, nil
}

func munmap(addr, length uintptr) error {
	if _, _, errno := unix.Syscall(unix.SYS_MUNMAP, addr, length, 0); errno != 0 {
		return errno
	}
	return nil
}

func (b *MemfdBacking) Reserve(size uintptr) error {
	for v := range b.base {
		addr, err := mmap(0, size, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE, -1, 0)
		if err != nil {
			return errors.Wrapf(err, "reserve %d bytes of address space", size)
		}
		b.base[v] = addr
	}
	b.reserved = size
	return nil
}

// Address converts a heap offset to a process address in view.
func (b *MemfdBacking) Address(view View, offset uintptr) uintptr {
	return b.base[view] + offset
}

func (b *MemfdBacking) commitInner(offset, length uintptr) bool {
	return unix.Fallocate(b.fd, 0, int64(offset), int64(length)) == nil
}

// Commit tries the whole range first and then commits as much of its front
// as possible by halving.
func (b *MemfdBacking) Commit(offset, length uintptr) uintptr {
	if b.commitInner(offset, length) {
		return length
	}
	start, end := offset, offset+length
	for {
		n := alignDown((end-start)/2, b.granule)
		if n < b.granule {
			return start - offset
		}
		if b.commitInner(start, n) {
			start += n
		} else {
			end -= n
		}
	}
}

func (b *MemfdBacking) Uncommit(offset, length uintptr) uintptr {
	err := unix.Fallocate(b.fd, unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, int64(offset), int64(length))
	if err != nil {
		return 0
	}
	return length
}

func (b *MemfdBacking) Map(view View, addr, length, offset uintptr) error {
	_, err := mmap(b.base[view]+addr, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_FIXED|unix.MAP_SHARED, b.fd, offset)
	if err != nil {
		return errors.Wrapf(err, "map %#x+%d at offset %#x", addr, length, offset)
	}
	return nil
}

// Unmap replaces the mapping with a fresh PROT_NONE reservation so the range
// stays claimed.
func (b *MemfdBacking) Unmap(view View, addr, length uintptr) error {
	_, err := mmap(b.base[view]+addr, length, unix.PROT_NONE, unix.MAP_FIXED|unix.MAP_ANONYMOUS|unix.MAP_PRIVATE|unix.MAP_NORESERVE, -1, 0)
	if err != nil {
		return errors.Wrapf(err, "unmap %#x+%d", addr, length)
	}
	return nil
}

func (b *MemfdBacking) Pretouch(addr, length uintptr) {
	start := b.base[ViewHeap] + addr
	for p := start; p < start+length; p += b.osPage {
		atomic.AddUint32((*uint32)(unsafe.Pointer(p)), 0)
	}
}

func (b *MemfdBacking) CheckCommitLimits(maxCapacity uintptr) error {
	data, err := os.ReadFile(maxMapCountPath)
	if err != nil {
		return nil
	}
	actual, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return nil
	}
	// Each granule may need one mapping per view, plus headroom.
	required := uint64(maxCapacity/b.granule) * uint64(len(b.base)) * 6 / 5
	if actual < required {
		return errors.Newf("%s is %d, which may be too low to map the whole heap; at least %d is recommended",
			maxMapCountPath, actual, required)
	}
	return nil
}

func (b *MemfdBacking) Close() error {
	var errs error
	for v, base := range b.base {
		if base != 0 {
			errs = errors.CombineErrors(errs, munmap(base, b.reserved))
			b.base[v] = 0
		}
	}
	if b.fd >= 0 {
		errs = errors.CombineErrors(errs, unix.Close(b.fd))
		b.fd = -1
	}
	return errs
}
