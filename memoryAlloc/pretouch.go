package memoryAlloc

import "sync/atomic"

// pretouchTask faults in a range granule by granule. Workers claim
// granules from a shared cursor until the range is done.
type pretouchTask struct {
	physical *PhysicalMemoryManager
	cursor   atomic.Uintptr
	end      uintptr
	granule  uintptr
}

func newPretouchTask(physical *PhysicalMemoryManager, start, end, granule uintptr) *pretouchTask {
	t := &pretouchTask{physical: physical, end: end, granule: granule}
	t.cursor.Store(start)
	return t
}

func (t *pretouchTask) Name() string {
	return "Pretouch"
}

func (t *pretouchTask) Work(int) {
	for {
		offset := t.cursor.Add(t.granule) - t.granule
		if offset >= t.end {
			return
		}
		t.physical.Pretouch(offset, min(t.granule, t.end-offset))
	}
}
