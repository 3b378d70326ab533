package memoryAlloc

import "github.com/cockroachdb/errors"

var (
	// ErrAddressSpaceExhausted is returned when no virtual range of the
	// requested size is left in the reservation.
	ErrAddressSpaceExhausted = errors.New("address space exhausted")
	// ErrCommitFailed is returned when the backing could not commit all of
	// a page's physical memory.
	ErrCommitFailed = errors.New("physical memory commit failed")
	// ErrCapacityExceeded is returned by non-blocking allocations that do
	// not fit the capacity budget.
	ErrCapacityExceeded = errors.New("capacity budget exceeded")
	// ErrOutOfMemory is returned when a stalled allocation could not be
	// satisfied within a full collection cycle, or when allocation retries
	// are exhausted.
	ErrOutOfMemory = errors.New("out of memory")
	ErrClosed      = errors.New("page allocator closed")
)
