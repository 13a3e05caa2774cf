package omptarget

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// hostLocker page-locks host buffers, see Backend.LockHost and Backend.UnlockHost.
type hostLocker interface {
	LockHost(host []byte) (DevicePtr, error)
	UnlockHost(hostPtr HostPtr) error
}

// PinnedBuffer is a host buffer registered as pinned (page-locked) in a device.
type PinnedBuffer struct {
	// HostPtr and DevicePtr are the host address and its device accessible address.
	HostPtr   HostPtr
	DevicePtr DevicePtr

	// Size in bytes.
	Size int64

	// References counts the registrations and the locks of the buffer or sub-ranges of it.
	References int
}

func (b *PinnedBuffer) end() HostPtr {
	return b.HostPtr + HostPtr(b.Size)
}

// PinnedAllocations is the registry of the pinned host buffers of a device.
//
// Buffers never overlap: locking a range fully contained in a registered buffer only increments the
// references of the buffer, and a range partially overlapping one is rejected. It is safe for
// concurrent use.
type PinnedAllocations struct {
	deviceID int32
	locker   hostLocker

	mu sync.Mutex
	// buffers sorted by HostPtr.
	buffers []*PinnedBuffer
}

func newPinnedAllocations(deviceID int32, locker hostLocker) *PinnedAllocations {
	return &PinnedAllocations{deviceID: deviceID, locker: locker}
}

// upperBound returns the index of the first buffer starting after hostPtr.
func (m *PinnedAllocations) upperBound(hostPtr HostPtr) int {
	return sort.Search(len(m.buffers), func(i int) bool { return m.buffers[i].HostPtr > hostPtr })
}

// findContaining returns the index of the buffer containing hostPtr, or -1.
func (m *PinnedAllocations) findContaining(hostPtr HostPtr) int {
	idx := m.upperBound(hostPtr) - 1
	if idx >= 0 && hostPtr < m.buffers[idx].end() {
		return idx
	}
	return -1
}

// findIntersecting returns the index of a buffer intersecting [hostPtr, hostPtr+size), or -1.
func (m *PinnedAllocations) findIntersecting(hostPtr HostPtr, size int64) int {
	if idx := m.findContaining(hostPtr); idx >= 0 {
		return idx
	}
	idx := m.upperBound(hostPtr)
	if idx < len(m.buffers) && m.buffers[idx].HostPtr < hostPtr+HostPtr(size) {
		return idx
	}
	return -1
}

func (m *PinnedAllocations) insert(b *PinnedBuffer) {
	idx := m.upperBound(b.HostPtr)
	m.buffers = append(m.buffers, nil)
	copy(m.buffers[idx+1:], m.buffers[idx:])
	m.buffers[idx] = b
	pinnedBuffers.WithLabelValues(deviceLabel(m.deviceID)).Inc()
	pinnedBytes.WithLabelValues(deviceLabel(m.deviceID)).Add(float64(b.Size))
}

func (m *PinnedAllocations) remove(idx int) {
	b := m.buffers[idx]
	m.buffers = append(m.buffers[:idx], m.buffers[idx+1:]...)
	pinnedBuffers.WithLabelValues(deviceLabel(m.deviceID)).Dec()
	pinnedBytes.WithLabelValues(deviceLabel(m.deviceID)).Sub(float64(b.Size))
}

// RegisterHostBuffer registers host memory already page-locked, for instance allocated with AllocHost,
// with one reference.
//
// It fails with ErrRegistrationConflict if the range intersects a registered buffer.
func (m *PinnedAllocations) RegisterHostBuffer(hostPtr HostPtr, devPtr DevicePtr, size int64) error {
	if hostPtr == 0 || devPtr == 0 || size <= 0 {
		return errors.Errorf("invalid pinned buffer registration [%s, +%d) -> %s on device %d", hostPtr, size, devPtr, m.deviceID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx := m.findIntersecting(hostPtr, size); idx >= 0 {
		other := m.buffers[idx]
		return errors.Wrapf(ErrRegistrationConflict, "cannot register host buffer [%s, +%d) on device %d: it intersects [%s, +%d)",
			hostPtr, size, m.deviceID, other.HostPtr, other.Size)
	}
	m.insert(&PinnedBuffer{HostPtr: hostPtr, DevicePtr: devPtr, Size: size, References: 1})
	return nil
}

// UnregisterHostBuffer removes the buffer registered at hostPtr.
//
// It fails with ErrBufferNotFound if no buffer starts at hostPtr, and with ErrReferenceStillHeld if
// the buffer has other references.
func (m *PinnedAllocations) UnregisterHostBuffer(hostPtr HostPtr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.upperBound(hostPtr) - 1
	if idx < 0 || m.buffers[idx].HostPtr != hostPtr {
		return errors.Wrapf(ErrBufferNotFound, "cannot unregister host buffer %s on device %d", hostPtr, m.deviceID)
	}
	if refs := m.buffers[idx].References; refs > 1 {
		return errors.Wrapf(ErrReferenceStillHeld, "cannot unregister host buffer %s on device %d: %d references",
			hostPtr, m.deviceID, refs)
	}
	m.remove(idx)
	return nil
}

// LockHostBuffer page-locks the host buffer and returns its device accessible address.
//
// If host is fully contained in a registered buffer, its reference count is incremented and the address
// is translated from the buffer's device address. Otherwise, the backend locks host and a new buffer is
// registered. Partial overlaps fail with ErrRegistrationConflict.
func (m *PinnedAllocations) LockHostBuffer(host []byte) (DevicePtr, error) {
	hostPtr, size := HostPtrOf(host), int64(len(host))
	if size == 0 {
		return 0, errors.Errorf("cannot lock an empty host buffer on device %d", m.deviceID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.findIntersecting(hostPtr, size)
	if idx < 0 {
		devPtr, err := m.locker.LockHost(host)
		if err != nil {
			return 0, errors.WithMessagef(err, "locking host buffer [%s, +%d) on device %d", hostPtr, size, m.deviceID)
		}
		m.insert(&PinnedBuffer{HostPtr: hostPtr, DevicePtr: devPtr, Size: size, References: 1})
		return devPtr, nil
	}

	b := m.buffers[idx]
	if hostPtr < b.HostPtr || hostPtr+HostPtr(size) > b.end() {
		return 0, errors.Wrapf(ErrRegistrationConflict, "host buffer [%s, +%d) partially overlaps pinned buffer [%s, +%d) on device %d",
			hostPtr, size, b.HostPtr, b.Size, m.deviceID)
	}
	b.References++
	return b.DevicePtr + DevicePtr(hostPtr-b.HostPtr), nil
}

// UnlockHostBuffer releases a reference of the pinned buffer containing hostPtr. When the last one
// is released the backend unlocks the buffer and it is removed from the registry.
func (m *PinnedAllocations) UnlockHostBuffer(hostPtr HostPtr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.findContaining(hostPtr)
	if idx < 0 {
		return errors.Wrapf(ErrBufferNotFound, "cannot unlock host buffer %s on device %d", hostPtr, m.deviceID)
	}
	b := m.buffers[idx]
	if b.References > 1 {
		b.References--
		return nil
	}
	if err := m.locker.UnlockHost(b.HostPtr); err != nil {
		return errors.WithMessagef(err, "unlocking host buffer [%s, +%d) on device %d", b.HostPtr, b.Size, m.deviceID)
	}
	m.remove(idx)
	return nil
}

// Lookup returns a copy of the pinned buffer containing hostPtr.
func (m *PinnedAllocations) Lookup(hostPtr HostPtr) (PinnedBuffer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.findContaining(hostPtr)
	if idx < 0 {
		return PinnedBuffer{}, false
	}
	return *m.buffers[idx], true
}

// Len returns the number of pinned buffers.
func (m *PinnedAllocations) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buffers)
}

// releaseAll unlocks the buffers left locked, when the device is deinitialized.
func (m *PinnedAllocations) releaseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.buffers) > 0 {
		b := m.buffers[len(m.buffers)-1]
		klog.Warningf("Pinned host buffer [%s, +%d) with %d references left on device %d", b.HostPtr, b.Size, b.References, m.deviceID)
		m.remove(len(m.buffers) - 1)
	}
}
