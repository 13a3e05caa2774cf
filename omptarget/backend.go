package omptarget

import (
	"fmt"

	"github.com/pkg/errors"
)

// BackendKind enumerates the device variants a Plugin can manage.
type BackendKind int

const (
	// BackendHost runs kernels as Go functions on the host, on a simulated device address space.
	BackendHost BackendKind = iota
)

// String implements fmt.Stringer.
func (k BackendKind) String() string {
	switch k {
	case BackendHost:
		return "host"
	default:
		return fmt.Sprintf("BackendKind(%d)", int(k))
	}
}

// AllocKind is the kind of memory requested from Device.DataAlloc.
type AllocKind int32

const (
	// AllocDevice is device memory, not accessible from the host.
	AllocDevice AllocKind = 0

	// AllocHost is page-locked host memory, accessible by the device. It is registered as a pinned buffer.
	AllocHost AllocKind = 1

	// AllocShared is memory accessible from both the host and the device.
	AllocShared AllocKind = 2

	// AllocDefault is the default device memory, served by the memory manager if it is enabled.
	AllocDefault AllocKind = 3
)

// String implements fmt.Stringer.
func (k AllocKind) String() string {
	switch k {
	case AllocDevice:
		return "device"
	case AllocHost:
		return "host"
	case AllocShared:
		return "shared"
	case AllocDefault:
		return "default"
	default:
		return fmt.Sprintf("AllocKind(%d)", int32(k))
	}
}

// InfoEntry is one line of the device information printed by Device.PrintInfo.
type InfoEntry struct {
	Key, Value string
}

// DeviceInfo receives the native handles of a device, see Device.InitDeviceInfo.
type DeviceInfo struct {
	Context any
	Device  any
}

// Backend is the set of primitives a device variant implements. The Device builds the
// management logic (memory manager, pinned registry, record/replay, launch geometry) on top of it.
//
// Queue and event handles are owned by the backend that created them. Operations taking a Queue are
// asynchronous: they only complete after Synchronize (or Query returning done) on the same queue.
type Backend interface {
	// Init brings up the device. GridValues must be valid before Init.
	Init() error

	// Deinit releases all the resources of the device.
	Deinit() error

	// GridValues returns the launch limits and defaults of the device.
	GridValues() GridValues

	// Allocate and Free device memory.
	Allocate(size int64, kind AllocKind) (DevicePtr, error)
	Free(ptr DevicePtr, kind AllocKind) error

	// LockHost page-locks the host buffer and returns its device accessible address.
	LockHost(host []byte) (DevicePtr, error)

	// UnlockHost reverts LockHost for the buffer starting at hostPtr.
	UnlockHost(hostPtr HostPtr) error

	// GetQueue takes a queue from the pool of the backend, and ReleaseQueue returns it once its pending work
	// is done, discarding the errors of that work.
	GetQueue() (Queue, error)
	ReleaseQueue(q Queue)

	// Synchronize waits for all the work in the queue, and releases the queue.
	Synchronize(q Queue) error

	// Query returns whether the work in the queue is done, in which case the queue is released.
	Query(q Queue) (done bool, err error)

	// Submit copies host to device, Retrieve copies device to host.
	Submit(dst DevicePtr, src []byte, q Queue) error
	Retrieve(dst []byte, src DevicePtr, q Queue) error

	// CanAccessPeer returns whether the device can copy directly to the device of the other backend.
	CanAccessPeer(other Backend) bool

	// Exchange copies between this device and the device of dstBackend, which must be accessible as a peer.
	Exchange(src DevicePtr, dstBackend Backend, dst DevicePtr, size int64, q Queue) error

	// LoadImage loads a compiled image in the device and returns its handle.
	LoadImage(image *Image) (any, error)

	// KernelHandle returns the handle of a kernel in the loaded image.
	KernelHandle(imageHandle any, name string) (any, error)

	// GlobalAddress returns the device address of a global variable in the loaded image.
	GlobalAddress(imageHandle any, name string, size int64) (DevicePtr, error)

	// LaunchKernel enqueues the execution of the kernel.
	LaunchKernel(kernel *Kernel, numThreads uint32, numBlocks uint64, args []DevicePtr, q Queue) error

	// StackSize, SetStackSize, HeapSize and SetHeapSize access the device tunables.
	StackSize() (uint64, error)
	SetStackSize(size uint64) error
	HeapSize() (uint64, error)
	SetHeapSize(size uint64) error

	// CreateEvent takes an event from the pool of the backend, and DestroyEvent returns it.
	CreateEvent() (any, error)
	DestroyEvent(event any) error

	// RecordEvent marks the event to complete when the work currently in the queue is done.
	RecordEvent(event any, q Queue) error

	// WaitEvent makes the following work in the queue wait for the event.
	WaitEvent(event any, q Queue) error

	// SyncEvent blocks until the event completes.
	SyncEvent(event any) error

	// Info returns a description of the device.
	Info() []InfoEntry

	// InitDeviceInfo fills the native handles of the device.
	InitDeviceInfo(info *DeviceInfo) error
}

// newBackend creates the backend of the given kind for one device. The backend is initialized by Device.Init.
func newBackend(kind BackendKind, deviceID int32, config *Config) (Backend, error) {
	switch kind {
	case BackendHost:
		return newHostBackend(deviceID, config), nil
	default:
		return nil, errors.Errorf("unknown backend %s", kind)
	}
}

// backendNumDevices returns the number of devices available for the backend kind.
func backendNumDevices(kind BackendKind, config *Config) (int32, error) {
	switch kind {
	case BackendHost:
		if config.NumHostDevices < 0 {
			return 0, errors.Errorf("invalid number of host devices %d", config.NumHostDevices)
		}
		return int32(config.NumHostDevices), nil
	default:
		return 0, errors.Errorf("unknown backend %s", kind)
	}
}

// backendIsValidImage returns whether the image was compiled for the backend kind.
func backendIsValidImage(kind BackendKind, image *Image) bool {
	if image == nil {
		return false
	}
	switch kind {
	case BackendHost:
		return image.Target == hostTarget
	default:
		return false
	}
}

// backendIsImageCompatible returns whether an image compiled for the given architecture runs on the backend kind.
func backendIsImageCompatible(kind BackendKind, arch string) bool {
	switch kind {
	case BackendHost:
		return isHostArchCompatible(arch)
	default:
		return false
	}
}
