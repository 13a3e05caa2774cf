package omptarget

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

const (
	// hostPageSize is the granularity in which the memory of host devices is materialized.
	hostPageSize = 64 * 1024

	// hostAllocAlignment is the alignment of the allocations of host devices.
	hostAllocAlignment = 256

	// hostDeviceAddressBase is where the address space of the first host device starts: above the
	// canonical user space addresses, so it never collides with mapped host memory.
	hostDeviceAddressBase uint64 = 1 << 47

	// hostDeviceAddressStride separates the address spaces of consecutive host devices.
	hostDeviceAddressStride uint64 = 1 << 40
)

// hostAllocation is a range of the simulated device address space.
//
// Device memory is materialized lazily in pages, so large reservations (like the record/replay arena)
// only consume the memory that is actually written. Mapped host memory uses the host buffer itself.
type hostAllocation struct {
	base DevicePtr
	size int64
	kind AllocKind

	// pages of device memory, indexed by the page number. Pages never written read as zeros.
	pages map[int64][]byte

	// host is set for page-locked host memory, mapped with the same address on the device.
	host []byte
}

func (a *hostAllocation) isMapped() bool {
	return a.host != nil
}

func (a *hostAllocation) readAt(dst []byte, offset int64) {
	if a.isMapped() {
		copy(dst, a.host[offset:])
		return
	}
	for len(dst) > 0 {
		page, inPage := offset/hostPageSize, offset%hostPageSize
		n := min(int64(len(dst)), hostPageSize-inPage)
		if p, found := a.pages[page]; found {
			copy(dst[:n], p[inPage:inPage+n])
		} else {
			clear(dst[:n])
		}
		dst = dst[n:]
		offset += n
	}
}

func (a *hostAllocation) writeAt(src []byte, offset int64) {
	if a.isMapped() {
		copy(a.host[offset:], src)
		return
	}
	for len(src) > 0 {
		page, inPage := offset/hostPageSize, offset%hostPageSize
		n := min(int64(len(src)), hostPageSize-inPage)
		p, found := a.pages[page]
		if !found {
			p = make([]byte, hostPageSize)
			a.pages[page] = p
		}
		copy(p[inPage:inPage+n], src[:n])
		src = src[n:]
		offset += n
	}
}

// hostMemory is the address space of a host device.
type hostMemory struct {
	deviceID int32

	mu       sync.RWMutex
	next     DevicePtr
	capacity int64
	used     int64

	// allocs sorted by base address, non-overlapping.
	allocs []*hostAllocation
}

func newHostMemory(deviceID int32, capacity int64) *hostMemory {
	return &hostMemory{
		deviceID: deviceID,
		next:     DevicePtr(hostDeviceAddressBase + uint64(deviceID)*hostDeviceAddressStride),
		capacity: capacity,
	}
}

// upperBound returns the index of the first allocation starting after ptr.
func (m *hostMemory) upperBound(ptr DevicePtr) int {
	return sort.Search(len(m.allocs), func(i int) bool { return m.allocs[i].base > ptr })
}

func (m *hostMemory) insert(a *hostAllocation) {
	idx := m.upperBound(a.base)
	m.allocs = append(m.allocs, nil)
	copy(m.allocs[idx+1:], m.allocs[idx:])
	m.allocs[idx] = a
}

func (m *hostMemory) remove(idx int) *hostAllocation {
	a := m.allocs[idx]
	m.allocs = append(m.allocs[:idx], m.allocs[idx+1:]...)
	return a
}

// allocate reserves size bytes of device memory. Memory is zero initialized.
func (m *hostMemory) allocate(size int64, kind AllocKind) (DevicePtr, error) {
	if size < 0 {
		return 0, errors.Wrapf(ErrAllocationFailure, "invalid allocation size %d on device %d", size, m.deviceID)
	}
	size = max(size, 1)
	reserved := alignUp(size, hostAllocAlignment)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.used+reserved > m.capacity {
		return 0, errors.Wrapf(ErrAllocationFailure, "device %d out of memory allocating %d bytes (%d of %d bytes in use)",
			m.deviceID, size, m.used, m.capacity)
	}
	a := &hostAllocation{
		base:  m.next,
		size:  size,
		kind:  kind,
		pages: make(map[int64][]byte),
	}
	m.next += DevicePtr(reserved)
	m.used += reserved
	m.insert(a)
	return a.base, nil
}

// free releases an allocation created by allocate.
func (m *hostMemory) free(ptr DevicePtr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.upperBound(ptr) - 1
	if idx < 0 || m.allocs[idx].base != ptr || m.allocs[idx].isMapped() {
		return errors.Errorf("device %d has no allocation starting at %s", m.deviceID, ptr)
	}
	a := m.remove(idx)
	m.used -= alignUp(a.size, hostAllocAlignment)
	return nil
}

// mapHost makes the host buffer accessible by the device, at the same address.
func (m *hostMemory) mapHost(host []byte) (DevicePtr, error) {
	base := DevicePtr(HostPtrOf(host))
	size := int64(len(host))
	if size == 0 {
		return 0, errors.Errorf("cannot map an empty host buffer on device %d", m.deviceID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.upperBound(base)
	if idx > 0 && m.allocs[idx-1].base+DevicePtr(m.allocs[idx-1].size) > base ||
		idx < len(m.allocs) && m.allocs[idx].base < base+DevicePtr(size) {
		return 0, errors.Errorf("host buffer [%s, +%d) is already mapped on device %d", base, size, m.deviceID)
	}
	m.insert(&hostAllocation{base: base, size: size, kind: AllocHost, host: host})
	return base, nil
}

// unmapHost reverts mapHost.
func (m *hostMemory) unmapHost(hostPtr HostPtr) error {
	ptr := DevicePtr(hostPtr)
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.upperBound(ptr) - 1
	if idx < 0 || m.allocs[idx].base != ptr || !m.allocs[idx].isMapped() {
		return errors.Errorf("host buffer %s is not mapped on device %d", hostPtr, m.deviceID)
	}
	m.remove(idx)
	return nil
}

// find returns the allocation holding [ptr, ptr+size), and the offset of ptr in it.
// It must be called with the lock held.
func (m *hostMemory) find(ptr DevicePtr, size int64) (*hostAllocation, int64, error) {
	idx := m.upperBound(ptr) - 1
	if idx >= 0 {
		a := m.allocs[idx]
		offset := int64(ptr - a.base)
		if offset+size <= a.size {
			return a, offset, nil
		}
	}
	return nil, 0, errors.Errorf("invalid memory access [%s, +%d) on device %d", ptr, size, m.deviceID)
}

// read copies device memory starting at src into dst.
func (m *hostMemory) read(dst []byte, src DevicePtr) error {
	if len(dst) == 0 {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, offset, err := m.find(src, int64(len(dst)))
	if err != nil {
		return err
	}
	a.readAt(dst, offset)
	return nil
}

// write copies src into device memory starting at dst.
func (m *hostMemory) write(dst DevicePtr, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, offset, err := m.find(dst, int64(len(src)))
	if err != nil {
		return err
	}
	a.writeAt(src, offset)
	return nil
}

// inUse returns the number of bytes of device memory reserved.
func (m *hostMemory) inUse() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.used
}
