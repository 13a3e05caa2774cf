package omptarget

import (
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// PeerAccessState caches whether a device can access another device directly.
type PeerAccessState int8

const (
	// PeerAccessPending means it was not checked yet.
	PeerAccessPending PeerAccessState = iota
	PeerAccessAvailable
	PeerAccessUnavailable
)

// String implements fmt.Stringer.
func (s PeerAccessState) String() string {
	switch s {
	case PeerAccessPending:
		return "Pending"
	case PeerAccessAvailable:
		return "Available"
	case PeerAccessUnavailable:
		return "Unavailable"
	default:
		return fmt.Sprintf("PeerAccessState(%d)", int8(s))
	}
}

// Device is one device managed by a Plugin. Create it with Plugin.InitDevice.
//
// It is safe for concurrent use: operations on different queues may run in parallel.
type Device struct {
	id, numDevices int32
	plugin         *Plugin
	backend        Backend
	config         *Config
	grid           GridValues

	memoryManager *memoryManager
	pinned        *PinnedAllocations
	recordReplay  *RecordReplay

	stackSize, heapSize *deviceTunable

	// peerAccess[i] caches the access to device i. Protected by muPeers.
	muPeers    sync.Mutex
	peerAccess []PeerAccessState

	// images loaded. Protected by muImages.
	muImages sync.Mutex
	images   []*loadedImage
}

// newDevice creates the device, its launch limits are clamped by the configured teams and thread limits.
func newDevice(plugin *Plugin, id, numDevices int32, backend Backend, config *Config) *Device {
	d := &Device{
		id:         id,
		numDevices: numDevices,
		plugin:     plugin,
		backend:    backend,
		config:     config,
		grid:       backend.GridValues(),
		peerAccess: make([]PeerAccessState, numDevices),
	}
	if config.NumTeams > 0 && config.NumTeams < d.grid.MaxTeams {
		d.grid.MaxTeams = config.NumTeams
	}
	if config.TeamsThreadLimit > 0 && config.TeamsThreadLimit < d.grid.MaxThreads {
		d.grid.MaxThreads = config.TeamsThreadLimit
	}
	d.pinned = newPinnedAllocations(id, backend)
	d.recordReplay = newRecordReplay(d, config)
	return d
}

// ID returns the device id within its plugin.
func (d *Device) ID() int32 { return d.id }

// GridValues returns the launch limits and defaults of the device.
func (d *Device) GridValues() GridValues { return d.grid }

// Pinned returns the registry of pinned host buffers of the device.
func (d *Device) Pinned() *PinnedAllocations { return d.pinned }

// RecordReplay returns the record/replay state of the device.
func (d *Device) RecordReplay() *RecordReplay { return d.recordReplay }

// StackSize and HeapSize return the device tunables, set from Config.StackSize and Config.HeapSize.
func (d *Device) StackSize() (uint64, error) { return d.stackSize.value() }
func (d *Device) HeapSize() (uint64, error) { return d.heapSize.value() }

// String implements fmt.Stringer.
func (d *Device) String() string {
	return fmt.Sprintf("device %d/%d (%s)", d.id, d.numDevices, d.plugin.kind)
}

// Init brings up the backend and the device subsystems: tunables, memory manager and the
// record/replay arena, in this order. If any of them fails, the backend is deinitialized.
func (d *Device) Init() error {
	if err := d.backend.Init(); err != nil {
		return errors.WithMessagef(err, "initializing %s", d)
	}
	if err := d.initSubsystems(); err != nil {
		if deinitErr := d.backend.Deinit(); deinitErr != nil {
			klog.Warningf("Failed to deinitialize the backend of %s after a failed initialization: %v", d, deinitErr)
		}
		return errors.WithMessagef(err, "initializing %s", d)
	}
	klog.V(1).Infof("Initialized %s: %+v", d, d.grid)
	return nil
}

func (d *Device) initSubsystems() error {
	var err error
	d.stackSize, err = newDeviceTunable("stack size", d.config.StackSize, d.backend.StackSize, d.backend.SetStackSize)
	if err != nil {
		return err
	}
	d.heapSize, err = newDeviceTunable("heap size", d.config.HeapSize, d.backend.HeapSize, d.backend.SetHeapSize)
	if err != nil {
		return err
	}
	if threshold := d.config.MemoryManagerThreshold; threshold > 0 && !d.recordReplay.IsRecordingOrReplaying() {
		d.memoryManager = newMemoryManager(d.backend, d.id, threshold)
	}
	if d.recordReplay.IsRecordingOrReplaying() {
		return d.recordReplay.init()
	}
	return nil
}

// Deinit releases the memory manager, the record/replay arena and then the backend, in this order.
// The device can't be used afterward.
func (d *Device) Deinit() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d.memoryManager != nil {
		keep(d.memoryManager.deinit())
		d.memoryManager = nil
	}
	keep(d.recordReplay.deinit())
	d.pinned.releaseAll()
	d.muImages.Lock()
	d.images = nil
	d.muImages.Unlock()
	keep(d.backend.Deinit())
	if firstErr != nil {
		return errors.WithMessagef(firstErr, "deinitializing %s", d)
	}
	return nil
}

// DataAlloc allocates size bytes of memory of the given kind.
//
// While recording or replaying, all allocations are served by the record/replay arena.
// Host allocations are registered as pinned buffers.
func (d *Device) DataAlloc(size int64, kind AllocKind) (DevicePtr, error) {
	if d.recordReplay.IsRecordingOrReplaying() {
		return d.recordReplay.alloc(size), nil
	}
	var (
		ptr DevicePtr
		err error
	)
	switch kind {
	case AllocDefault, AllocDevice:
		if d.memoryManager != nil {
			ptr, err = d.memoryManager.allocate(size, kind)
		} else {
			ptr, err = d.backend.Allocate(size, kind)
		}
	case AllocHost, AllocShared:
		ptr, err = d.backend.Allocate(size, kind)
	default:
		return 0, errors.Errorf("invalid allocation kind %s on %s", kind, d)
	}
	if err != nil {
		return 0, errors.Wrapf(ErrAllocationFailure, "allocating %d bytes (%s) on %s: %v", size, kind, d, err)
	}
	if kind == AllocHost {
		if err = d.pinned.RegisterHostBuffer(HostPtr(ptr), ptr, size); err != nil {
			return 0, err
		}
	}
	return ptr, nil
}

// DataDelete frees memory allocated with DataAlloc. It is a no-op while recording or replaying.
func (d *Device) DataDelete(ptr DevicePtr, kind AllocKind) error {
	if d.recordReplay.IsRecordingOrReplaying() {
		return nil
	}
	var err error
	if d.memoryManager != nil && (kind == AllocDefault || kind == AllocDevice) {
		err = d.memoryManager.free(ptr, kind)
	} else {
		err = d.backend.Free(ptr, kind)
	}
	if err != nil {
		return errors.WithMessagef(err, "deleting %s (%s) on %s", ptr, kind, d)
	}
	if kind == AllocHost {
		return d.pinned.UnregisterHostBuffer(HostPtr(ptr))
	}
	return nil
}

// DataLock page-locks the host buffer and returns its device accessible address, see
// PinnedAllocations.LockHostBuffer.
func (d *Device) DataLock(host []byte) (DevicePtr, error) {
	return d.pinned.LockHostBuffer(host)
}

// DataUnlock releases a lock taken with DataLock, see PinnedAllocations.UnlockHostBuffer.
func (d *Device) DataUnlock(hostPtr HostPtr) error {
	return d.pinned.UnlockHostBuffer(hostPtr)
}

// DataSubmit copies src to the device memory at dst.
//
// If asyncInfo is nil the copy is done when it returns, otherwise src must not be changed until
// asyncInfo is synchronized.
func (d *Device) DataSubmit(dst DevicePtr, src []byte, asyncInfo *AsyncInfo) (err error) {
	w := newAsyncInfoWrapper(&err, d, asyncInfo)
	defer w.finalize()
	queue, err := w.queue()
	if err != nil {
		return err
	}
	if err = d.backend.Submit(dst, src, queue); err != nil {
		return errors.WithMessagef(err, "submitting %d bytes to %s on %s", len(src), dst, d)
	}
	dataTransferBytes.WithLabelValues(deviceLabel(d.id), "submit").Add(float64(len(src)))
	return nil
}

// DataRetrieve copies the device memory at src to dst.
//
// If asyncInfo is nil the copy is done when it returns, otherwise dst is only valid after asyncInfo
// is synchronized.
func (d *Device) DataRetrieve(dst []byte, src DevicePtr, asyncInfo *AsyncInfo) (err error) {
	w := newAsyncInfoWrapper(&err, d, asyncInfo)
	defer w.finalize()
	queue, err := w.queue()
	if err != nil {
		return err
	}
	if err = d.backend.Retrieve(dst, src, queue); err != nil {
		return errors.WithMessagef(err, "retrieving %d bytes from %s on %s", len(dst), src, d)
	}
	dataTransferBytes.WithLabelValues(deviceLabel(d.id), "retrieve").Add(float64(len(dst)))
	return nil
}

// DataExchange copies size bytes from src in this device to dst in dstDevice.
//
// If the devices can access each other the copy is direct, otherwise it is staged through host memory,
// and it is synchronous even if asyncInfo is given.
func (d *Device) DataExchange(src DevicePtr, dstDevice *Device, dst DevicePtr, size int64, asyncInfo *AsyncInfo) (err error) {
	if dstDevice == nil {
		return errors.Wrapf(ErrInvalidDevice, "nil destination device for exchange from %s", d)
	}
	w := newAsyncInfoWrapper(&err, d, asyncInfo)
	defer w.finalize()
	queue, err := w.queue()
	if err != nil {
		return err
	}
	if d.IsDataExchangeable(dstDevice) {
		if err = d.backend.Exchange(src, dstDevice.backend, dst, size, queue); err != nil {
			return errors.WithMessagef(err, "exchanging %d bytes from %s on %s to %s on %s", size, src, d, dst, dstDevice)
		}
		dataTransferBytes.WithLabelValues(deviceLabel(d.id), "exchange").Add(float64(size))
		return nil
	}

	klog.V(2).Infof("Exchanging %d bytes from %s to %s through the host", size, d, dstDevice)
	staging := make([]byte, size)
	if err = d.backend.Retrieve(staging, src, queue); err != nil {
		return errors.WithMessagef(err, "retrieving %d bytes from %s on %s for exchange", size, src, d)
	}
	if err = d.Synchronize(w.asyncInfo); err != nil {
		return err
	}
	dataTransferBytes.WithLabelValues(deviceLabel(d.id), "retrieve").Add(float64(size))
	return dstDevice.DataSubmit(dst, staging, nil)
}

// IsDataExchangeable returns whether the device can copy directly into dstDevice.
// The result is computed by the backend on first use and cached.
func (d *Device) IsDataExchangeable(dstDevice *Device) bool {
	return d.peerAccessState(dstDevice) == PeerAccessAvailable
}

func (d *Device) peerAccessState(dstDevice *Device) PeerAccessState {
	if dstDevice == d {
		return PeerAccessAvailable
	}
	if dstDevice.id < 0 || int(dstDevice.id) >= len(d.peerAccess) {
		return PeerAccessUnavailable
	}
	d.muPeers.Lock()
	defer d.muPeers.Unlock()
	state := d.peerAccess[dstDevice.id]
	if state == PeerAccessPending {
		state = PeerAccessUnavailable
		if d.backend.CanAccessPeer(dstDevice.backend) {
			state = PeerAccessAvailable
		}
		d.peerAccess[dstDevice.id] = state
		klog.V(2).Infof("Peer access from %s to %s: %s", d, dstDevice, state)
	}
	return state
}

// Synchronize blocks until all work in asyncInfo is done, and releases its queue.
// It fails with ErrInvalidAsyncHandle if asyncInfo is nil or has no queue.
func (d *Device) Synchronize(asyncInfo *AsyncInfo) error {
	if asyncInfo == nil || asyncInfo.Queue == nil {
		return errors.Wrapf(ErrInvalidAsyncHandle, "synchronizing %s on %s", asyncInfo, d)
	}
	queue := asyncInfo.Queue
	asyncInfo.Queue = nil
	if err := d.backend.Synchronize(queue); err != nil {
		return errors.WithMessagef(err, "synchronizing %s on %s", queue, d)
	}
	return nil
}

// waitQueue blocks until the work submitted so far to queue is done. Unlike Synchronize, the queue is
// not released and errors of the queued work are left for its synchronization.
func (d *Device) waitQueue(queue Queue) error {
	event, err := d.backend.CreateEvent()
	if err != nil {
		return errors.WithMessagef(err, "waiting for %s on %s", queue, d)
	}
	defer func() {
		if err := d.backend.DestroyEvent(event); err != nil {
			klog.Errorf("Failed to destroy event used to wait for %s on %s: %v", queue, d, err)
		}
	}()
	if err = d.backend.RecordEvent(event, queue); err != nil {
		return errors.WithMessagef(err, "waiting for %s on %s", queue, d)
	}
	return d.backend.SyncEvent(event)
}

// QueryAsync returns whether all work in asyncInfo is done, without blocking. When done, the queue is released.
// It fails with ErrInvalidAsyncHandle if asyncInfo is nil or has no queue.
func (d *Device) QueryAsync(asyncInfo *AsyncInfo) (bool, error) {
	if asyncInfo == nil || asyncInfo.Queue == nil {
		return false, errors.Wrapf(ErrInvalidAsyncHandle, "querying %s on %s", asyncInfo, d)
	}
	done, err := d.backend.Query(asyncInfo.Queue)
	if done {
		asyncInfo.Queue = nil
	}
	if err != nil {
		return done, errors.WithMessagef(err, "querying async work on %s", d)
	}
	return done, nil
}

// InitAsyncInfo returns an AsyncInfo with a queue already assigned.
func (d *Device) InitAsyncInfo() (*AsyncInfo, error) {
	queue, err := d.backend.GetQueue()
	if err != nil {
		return nil, errors.WithMessagef(err, "initializing async info on %s", d)
	}
	return &AsyncInfo{Queue: queue}, nil
}

// InitDeviceInfo fills info with the native handles of the device.
func (d *Device) InitDeviceInfo(info *DeviceInfo) error {
	if err := d.backend.InitDeviceInfo(info); err != nil {
		return errors.WithMessagef(err, "initializing device info of %s", d)
	}
	return nil
}

// Info returns a description of the device.
func (d *Device) Info() []InfoEntry {
	entries := d.backend.Info()
	if stack, err := d.StackSize(); err == nil {
		entries = append(entries, InfoEntry{"Stack Size", fmt.Sprint(stack)})
	}
	if heap, err := d.HeapSize(); err == nil {
		entries = append(entries, InfoEntry{"Heap Size", fmt.Sprint(heap)})
	}
	entries = append(entries, InfoEntry{"Pinned Buffers", fmt.Sprint(d.pinned.Len())})
	if d.recordReplay.IsRecordingOrReplaying() {
		entries = append(entries, InfoEntry{"Record/Replay", d.recordReplay.String()})
	}
	return entries
}

// PrintInfo writes the description of the device to w.
func (d *Device) PrintInfo(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "Device %d:\n", d.id); err != nil {
		return errors.Wrapf(err, "printing info of %s", d)
	}
	for _, entry := range d.Info() {
		if _, err := fmt.Fprintf(w, "\t%-32s %s\n", entry.Key+":", entry.Value); err != nil {
			return errors.Wrapf(err, "printing info of %s", d)
		}
	}
	return nil
}

// LoadBinary loads the image in the device and resolves its entries: kernels are initialized from
// the device launch limits, and globals get their device address.
//
// A kernel without an execution mode in the image defaults to ExecModeSPMD.
func (d *Device) LoadBinary(image *Image) (*TargetTable, error) {
	if image == nil {
		return nil, errors.Errorf("nil image for %s", d)
	}
	handle, err := d.backend.LoadImage(image)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading %s on %s", image, d)
	}
	if d.recordReplay.IsRecording() {
		d.recordReplay.saveImage(image)
	}

	table := &TargetTable{Entries: make([]TargetEntry, len(image.Entries))}
	for ii, entry := range image.Entries {
		target := &table.Entries[ii]
		target.Name, target.Size = entry.Name, entry.Size
		if !entry.IsKernel() {
			target.Addr, err = d.backend.GlobalAddress(handle, entry.Name, entry.Size)
			if err != nil {
				return nil, errors.WithMessagef(err, "resolving global %q of %s on %s", entry.Name, image, d)
			}
			continue
		}
		mode := entry.ExecMode
		if mode == 0 {
			klog.V(1).Infof("Kernel %q of %s has no execution mode, using %s", entry.Name, image, ExecModeSPMD)
			mode = ExecModeSPMD
		} else if !mode.IsValid() {
			return nil, errors.Wrapf(ErrInvalidExecutionMode, "kernel %q of %s has execution mode %d", entry.Name, image, int8(mode))
		}
		kernelHandle, err := d.backend.KernelHandle(handle, entry.Name)
		if err != nil {
			return nil, errors.WithMessagef(err, "initializing kernel %q of %s on %s", entry.Name, image, d)
		}
		target.Kernel = newKernel(entry.Name, mode, d.grid, kernelHandle)
	}

	d.muImages.Lock()
	d.images = append(d.images, &loadedImage{image: image, handle: handle, table: table})
	d.muImages.Unlock()
	return table, nil
}

// LoadedImages returns the number of images loaded in the device.
func (d *Device) LoadedImages() int {
	d.muImages.Lock()
	defer d.muImages.Unlock()
	return len(d.images)
}

// deviceTunable is a device parameter accessed through the backend, optionally set from the configuration.
type deviceTunable struct {
	name string
	get  func() (uint64, error)
	set  func(uint64) error
}

func newDeviceTunable(name string, initial *uint64, get func() (uint64, error), set func(uint64) error) (*deviceTunable, error) {
	t := &deviceTunable{name: name, get: get, set: set}
	if initial != nil {
		if err := t.set(*initial); err != nil {
			return nil, errors.WithMessagef(err, "setting %s to %d", name, *initial)
		}
	}
	return t, nil
}

func (t *deviceTunable) value() (uint64, error) {
	if t == nil {
		return 0, errors.New("device not initialized")
	}
	return t.get()
}
