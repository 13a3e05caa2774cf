package omptarget

import (
	"math/bits"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// minPooledAllocSize is the size of the smallest bucket of the memory manager.
	minPooledAllocSize = 32
)

// memoryManager pools device allocations of up to threshold bytes in buckets of power-of-2 sizes,
// so freed device memory is reused without going through the backend.
//
// Allocations larger than the threshold go directly to the backend.
type memoryManager struct {
	backend   Backend
	deviceID  int32
	threshold int64

	// minShift is the bit position of minPooledAllocSize, maxShift the one of the largest bucket.
	minShift, maxShift int

	mu sync.Mutex
	// freeLists[i] holds free allocations of size 2^(i+minShift).
	freeLists [][]DevicePtr
	// owned maps every allocation of the pool to its bucket, inUse holds the ones handed out.
	owned map[DevicePtr]int
	inUse map[DevicePtr]struct{}
}

func newMemoryManager(backend Backend, deviceID int32, threshold uint64) *memoryManager {
	minShift := bits.TrailingZeros(uint(minPooledAllocSize))
	maxShift := max(bits.Len64(threshold-1), minShift)
	return &memoryManager{
		backend:   backend,
		deviceID:  deviceID,
		threshold: int64(threshold),
		minShift:  minShift,
		maxShift:  maxShift,
		freeLists: make([][]DevicePtr, maxShift-minShift+1),
		owned:     make(map[DevicePtr]int),
		inUse:     make(map[DevicePtr]struct{}),
	}
}

// allocate returns device memory of at least size bytes.
func (mm *memoryManager) allocate(size int64, kind AllocKind) (DevicePtr, error) {
	if size > mm.threshold || size <= 0 {
		return mm.backend.Allocate(size, kind)
	}
	shift := max(bits.Len64(uint64(size-1)), mm.minShift)
	bucket := shift - mm.minShift

	mm.mu.Lock()
	defer mm.mu.Unlock()
	if n := len(mm.freeLists[bucket]); n > 0 {
		ptr := mm.freeLists[bucket][n-1]
		mm.freeLists[bucket] = mm.freeLists[bucket][:n-1]
		mm.inUse[ptr] = struct{}{}
		memoryManagerRequests.WithLabelValues(deviceLabel(mm.deviceID), "hit").Inc()
		return ptr, nil
	}
	ptr, err := mm.backend.Allocate(int64(1)<<shift, kind)
	if err != nil {
		return 0, err
	}
	mm.owned[ptr] = bucket
	mm.inUse[ptr] = struct{}{}
	memoryManagerRequests.WithLabelValues(deviceLabel(mm.deviceID), "miss").Inc()
	return ptr, nil
}

// free returns an allocation to its bucket, or to the backend if it wasn't served by the pool.
func (mm *memoryManager) free(ptr DevicePtr, kind AllocKind) error {
	mm.mu.Lock()
	bucket, owned := mm.owned[ptr]
	if owned {
		defer mm.mu.Unlock()
		if _, found := mm.inUse[ptr]; !found {
			return errors.Errorf("device %d memory manager: %s freed twice", mm.deviceID, ptr)
		}
		delete(mm.inUse, ptr)
		mm.freeLists[bucket] = append(mm.freeLists[bucket], ptr)
		return nil
	}
	mm.mu.Unlock()
	return mm.backend.Free(ptr, kind)
}

// deinit releases all the memory held by the pool, including allocations never freed.
func (mm *memoryManager) deinit() error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	var firstErr error
	release := func(ptr DevicePtr) {
		if err := mm.backend.Free(ptr, AllocDefault); err != nil && firstErr == nil {
			firstErr = errors.WithMessagef(err, "memory manager of device %d", mm.deviceID)
		}
	}
	if len(mm.inUse) > 0 {
		klog.Warningf("Device %d memory manager deinitialized with %d allocations still in use", mm.deviceID, len(mm.inUse))
	}
	for ptr := range mm.owned {
		release(ptr)
	}
	for bucket := range mm.freeLists {
		mm.freeLists[bucket] = nil
	}
	clear(mm.owned)
	clear(mm.inUse)
	return firstErr
}

// pooled returns the number of free allocations kept by the pool.
func (mm *memoryManager) pooled() int {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	var n int
	for _, ptrs := range mm.freeLists {
		n += len(ptrs)
	}
	return n
}
