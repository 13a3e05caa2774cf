package omptarget

import (
	"encoding/binary"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// hostTarget is the Image.Target of images for BackendHost.
const hostTarget = "host"

// hostGridValues are the launch limits of host devices.
var hostGridValues = GridValues{
	WarpSize:          32,
	MaxTeams:          65535,
	MaxThreads:        1024,
	DefaultNumTeams:   4096,
	DefaultNumThreads: 256,
}

const (
	hostDefaultStackSize = 1024
	hostDefaultHeapSize  = 64 * 1024 * 1024
)

// HostKernel is the implementation of a kernel for BackendHost devices.
//
// It is called once per launch, from the goroutine executing the queue the kernel was launched on,
// and it is responsible for iterating over the blocks and threads of the launch.
type HostKernel func(launch *HostLaunch) error

// HostLaunch describes one launch of a HostKernel and gives it access to the device memory.
type HostLaunch struct {
	// Kernel name.
	Kernel string

	// NumBlocks and NumThreads of the launch geometry.
	NumBlocks  uint64
	NumThreads uint32

	// Args are the resolved kernel arguments.
	Args []DevicePtr

	memory *hostMemory
}

// Read copies device memory starting at src into dst.
func (l *HostLaunch) Read(src DevicePtr, dst []byte) error {
	return l.memory.read(dst, src)
}

// Write copies src into device memory starting at dst.
func (l *HostLaunch) Write(dst DevicePtr, src []byte) error {
	return l.memory.write(dst, src)
}

// Uint32s reads n little-endian uint32 values from device memory starting at src.
func (l *HostLaunch) Uint32s(src DevicePtr, n int) ([]uint32, error) {
	buf := make([]byte, 4*n)
	if err := l.Read(src, buf); err != nil {
		return nil, err
	}
	values := make([]uint32, n)
	for ii := range values {
		values[ii] = binary.LittleEndian.Uint32(buf[4*ii:])
	}
	return values, nil
}

// SetUint32s writes values in little-endian to device memory starting at dst.
func (l *HostLaunch) SetUint32s(dst DevicePtr, values []uint32) error {
	buf := make([]byte, 4*len(values))
	for ii, v := range values {
		binary.LittleEndian.PutUint32(buf[4*ii:], v)
	}
	return l.Write(dst, buf)
}

// hostBackend implements Backend with a simulated device address space and streams executed by goroutines.
type hostBackend struct {
	deviceID int32
	config   *Config
	memory   *hostMemory
	streams  *resourcePool[*hostStream]
	events   *resourcePool[*hostEvent]

	// pinners keep the locked host buffers pinned. Protected by muPinned.
	muPinned sync.Mutex
	pinners  map[HostPtr]*runtime.Pinner

	stackSize, heapSize atomic.Uint64
}

// hostImage is a loaded Image of a host device.
type hostImage struct {
	image *Image

	// globals allocated for the image. Protected by muGlobals.
	muGlobals sync.Mutex
	globals   map[string]DevicePtr
}

// Compile-time check that hostBackend implements Backend.
var _ Backend = (*hostBackend)(nil)

func newHostBackend(deviceID int32, config *Config) *hostBackend {
	b := &hostBackend{
		deviceID: deviceID,
		config:   config,
		pinners:  make(map[HostPtr]*runtime.Pinner),
	}
	b.streams = newResourcePool("stream", func(id int) *hostStream { return newHostStream(deviceID, id) })
	b.events = newResourcePool("event", newHostEvent)
	b.stackSize.Store(hostDefaultStackSize)
	b.heapSize.Store(hostDefaultHeapSize)
	return b
}

func isHostArchCompatible(arch string) bool {
	return arch == "" || arch == hostTarget || arch == runtime.GOARCH
}

func (b *hostBackend) Init() error {
	if b.config.HostDeviceMemory <= 0 {
		return errors.Errorf("invalid memory capacity %d for host device %d", b.config.HostDeviceMemory, b.deviceID)
	}
	b.memory = newHostMemory(b.deviceID, b.config.HostDeviceMemory)
	b.streams.init(int(b.config.InitialNumStreams))
	b.events.init(int(b.config.InitialNumEvents))
	klog.V(1).Infof("Host device %d initialized with %d bytes of memory, %d streams and %d events",
		b.deviceID, b.config.HostDeviceMemory, b.config.InitialNumStreams, b.config.InitialNumEvents)
	return nil
}

func (b *hostBackend) Deinit() error {
	var firstErr error
	for _, s := range b.streams.deinit() {
		if err := s.wait(); err != nil && firstErr == nil {
			firstErr = errors.WithMessagef(err, "pending work of %s", s)
		}
		s.close()
	}
	b.events.deinit()

	b.muPinned.Lock()
	for hostPtr, pinner := range b.pinners {
		klog.Warningf("Host buffer %s still locked when deinitializing host device %d", hostPtr, b.deviceID)
		pinner.Unpin()
	}
	clear(b.pinners)
	b.muPinned.Unlock()
	return firstErr
}

func (b *hostBackend) GridValues() GridValues {
	return hostGridValues
}

func (b *hostBackend) Allocate(size int64, kind AllocKind) (DevicePtr, error) {
	if b.memory == nil {
		return 0, errors.Errorf("host device %d not initialized", b.deviceID)
	}
	ptr, err := b.memory.allocate(size, kind)
	if err != nil {
		return 0, err
	}
	klog.V(2).Infof("Host device %d allocated %d bytes (%s) at %s", b.deviceID, size, kind, ptr)
	return ptr, nil
}

func (b *hostBackend) Free(ptr DevicePtr, kind AllocKind) error {
	if b.memory == nil {
		return errors.Errorf("host device %d not initialized", b.deviceID)
	}
	return b.memory.free(ptr)
}

func (b *hostBackend) LockHost(host []byte) (DevicePtr, error) {
	if b.memory == nil {
		return 0, errors.Errorf("host device %d not initialized", b.deviceID)
	}
	ptr, err := b.memory.mapHost(host)
	if err != nil {
		return 0, err
	}
	pinner := &runtime.Pinner{}
	pinner.Pin(&host[0])
	b.muPinned.Lock()
	b.pinners[HostPtrOf(host)] = pinner
	b.muPinned.Unlock()
	return ptr, nil
}

func (b *hostBackend) UnlockHost(hostPtr HostPtr) error {
	if err := b.memory.unmapHost(hostPtr); err != nil {
		return err
	}
	b.muPinned.Lock()
	defer b.muPinned.Unlock()
	if pinner, found := b.pinners[hostPtr]; found {
		pinner.Unpin()
		delete(b.pinners, hostPtr)
	}
	return nil
}

// stream converts the queue to a stream of this device.
func (b *hostBackend) stream(q Queue) (*hostStream, error) {
	s, ok := q.(*hostStream)
	if !ok || s == nil || s.deviceID != b.deviceID {
		return nil, errors.Wrapf(ErrInvalidAsyncHandle, "queue %v doesn't belong to host device %d", q, b.deviceID)
	}
	return s, nil
}

func (b *hostBackend) GetQueue() (Queue, error) {
	s, err := b.streams.get()
	if err != nil {
		return nil, errors.WithMessagef(err, "host device %d", b.deviceID)
	}
	return s, nil
}

func (b *hostBackend) ReleaseQueue(q Queue) {
	s, err := b.stream(q)
	if err != nil {
		return
	}
	if err = s.wait(); err != nil {
		klog.V(2).Infof("Discarding error of released %s: %v", s, err)
	}
	b.streams.put(s)
}

func (b *hostBackend) Synchronize(q Queue) error {
	s, err := b.stream(q)
	if err != nil {
		return err
	}
	err = s.wait()
	b.streams.put(s)
	return err
}

func (b *hostBackend) Query(q Queue) (bool, error) {
	s, err := b.stream(q)
	if err != nil {
		return false, err
	}
	done, err := s.done()
	if done {
		b.streams.put(s)
	}
	return done, err
}

func (b *hostBackend) Submit(dst DevicePtr, src []byte, q Queue) error {
	s, err := b.stream(q)
	if err != nil {
		return err
	}
	s.enqueue(func() error { return b.memory.write(dst, src) })
	return nil
}

func (b *hostBackend) Retrieve(dst []byte, src DevicePtr, q Queue) error {
	s, err := b.stream(q)
	if err != nil {
		return err
	}
	s.enqueue(func() error { return b.memory.read(dst, src) })
	return nil
}

func (b *hostBackend) CanAccessPeer(other Backend) bool {
	_, ok := other.(*hostBackend)
	return ok
}

func (b *hostBackend) Exchange(src DevicePtr, dstBackend Backend, dst DevicePtr, size int64, q Queue) error {
	peer, ok := dstBackend.(*hostBackend)
	if !ok {
		return errors.Errorf("host device %d cannot exchange data with a non-host device", b.deviceID)
	}
	s, err := b.stream(q)
	if err != nil {
		return err
	}
	s.enqueue(func() error {
		buf := make([]byte, size)
		if err := b.memory.read(buf, src); err != nil {
			return err
		}
		return peer.memory.write(dst, buf)
	})
	return nil
}

func (b *hostBackend) LoadImage(image *Image) (any, error) {
	if !backendIsValidImage(BackendHost, image) {
		return nil, errors.Errorf("%s is not a valid image for host device %d", image, b.deviceID)
	}
	return &hostImage{image: image, globals: make(map[string]DevicePtr)}, nil
}

func (b *hostBackend) KernelHandle(imageHandle any, name string) (any, error) {
	img, ok := imageHandle.(*hostImage)
	if !ok {
		return nil, errors.Errorf("invalid image handle %T for host device %d", imageHandle, b.deviceID)
	}
	fn, found := img.image.HostKernels[name]
	if !found || fn == nil {
		return nil, errors.Errorf("kernel %q has no implementation in %s", name, img.image)
	}
	return fn, nil
}

func (b *hostBackend) GlobalAddress(imageHandle any, name string, size int64) (DevicePtr, error) {
	img, ok := imageHandle.(*hostImage)
	if !ok {
		return 0, errors.Errorf("invalid image handle %T for host device %d", imageHandle, b.deviceID)
	}
	img.muGlobals.Lock()
	defer img.muGlobals.Unlock()
	if ptr, found := img.globals[name]; found {
		return ptr, nil
	}
	ptr, err := b.memory.allocate(size, AllocDevice)
	if err != nil {
		return 0, errors.WithMessagef(err, "allocating global %q of %s", name, img.image)
	}
	img.globals[name] = ptr
	return ptr, nil
}

func (b *hostBackend) LaunchKernel(kernel *Kernel, numThreads uint32, numBlocks uint64, args []DevicePtr, q Queue) error {
	fn, ok := kernel.handle.(HostKernel)
	if !ok || fn == nil {
		return errors.Errorf("%s has no host implementation", kernel)
	}
	s, err := b.stream(q)
	if err != nil {
		return err
	}
	launch := &HostLaunch{
		Kernel:     kernel.Name,
		NumBlocks:  numBlocks,
		NumThreads: numThreads,
		Args:       args,
		memory:     b.memory,
	}
	s.enqueue(func() error {
		if err := fn(launch); err != nil {
			return errors.WithMessagef(err, "%s failed on host device %d", kernel, b.deviceID)
		}
		return nil
	})
	return nil
}

func (b *hostBackend) StackSize() (uint64, error) { return b.stackSize.Load(), nil }

func (b *hostBackend) SetStackSize(size uint64) error {
	b.stackSize.Store(size)
	return nil
}

func (b *hostBackend) HeapSize() (uint64, error) { return b.heapSize.Load(), nil }

func (b *hostBackend) SetHeapSize(size uint64) error {
	b.heapSize.Store(size)
	return nil
}

// event converts the handle to an event of this backend.
func (b *hostBackend) event(handle any) (*hostEvent, error) {
	e, ok := handle.(*hostEvent)
	if !ok || e == nil {
		return nil, errors.Wrapf(ErrInvalidEvent, "handle %T is not a host event", handle)
	}
	return e, nil
}

func (b *hostBackend) CreateEvent() (any, error) {
	e, err := b.events.get()
	if err != nil {
		return nil, errors.WithMessagef(err, "host device %d", b.deviceID)
	}
	return e, nil
}

func (b *hostBackend) DestroyEvent(handle any) error {
	e, err := b.event(handle)
	if err != nil {
		return err
	}
	b.events.put(e)
	return nil
}

func (b *hostBackend) RecordEvent(handle any, q Queue) error {
	e, err := b.event(handle)
	if err != nil {
		return err
	}
	s, err := b.stream(q)
	if err != nil {
		return err
	}
	e.record(s)
	return nil
}

func (b *hostBackend) WaitEvent(handle any, q Queue) error {
	e, err := b.event(handle)
	if err != nil {
		return err
	}
	s, err := b.stream(q)
	if err != nil {
		return err
	}
	e.wait(s)
	return nil
}

func (b *hostBackend) SyncEvent(handle any) error {
	e, err := b.event(handle)
	if err != nil {
		return err
	}
	e.sync()
	return nil
}

func (b *hostBackend) Info() []InfoEntry {
	streamsCreated, streamsFree := b.streams.size()
	var inUse int64
	if b.memory != nil {
		inUse = b.memory.inUse()
	}
	return []InfoEntry{
		{"Device Number", strconv.Itoa(int(b.deviceID))},
		{"Backend", BackendHost.String()},
		{"Architecture", runtime.GOARCH},
		{"Memory Capacity", strconv.FormatInt(b.config.HostDeviceMemory, 10)},
		{"Memory In Use", strconv.FormatInt(inUse, 10)},
		{"Warp Size", strconv.Itoa(int(hostGridValues.WarpSize))},
		{"Maximum Teams", strconv.Itoa(int(hostGridValues.MaxTeams))},
		{"Maximum Threads per Team", strconv.Itoa(int(hostGridValues.MaxThreads))},
		{"Streams (created/free)", strconv.Itoa(streamsCreated) + "/" + strconv.Itoa(streamsFree)},
	}
}

func (b *hostBackend) InitDeviceInfo(info *DeviceInfo) error {
	if info == nil {
		return errors.New("nil DeviceInfo")
	}
	if info.Device == nil {
		info.Device = b.deviceID
	}
	if info.Context == nil {
		info.Context = b.memory
	}
	return nil
}
