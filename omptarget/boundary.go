package omptarget

import (
	"os"
	"strconv"
	"sync/atomic"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Status codes returned by the Boundary methods.
const (
	StatusSuccess int32 = 0
	StatusFail    int32 = ^0
)

// Boundary exposes the operations of a Plugin as integer status codes, for callers that can't handle
// Go errors. Errors are logged (with the device id, pointers and sizes involved) before being
// converted to StatusFail.
type Boundary struct {
	plugin    *Plugin
	infoLevel atomic.Uint32
}

// NewBoundary returns the Boundary of the plugin.
func NewBoundary(plugin *Plugin) *Boundary {
	b := &Boundary{plugin: plugin}
	b.infoLevel.Store(plugin.config.InfoLevel)
	return b
}

// Plugin returns the plugin behind the boundary.
func (b *Boundary) Plugin() *Plugin { return b.plugin }

func status(err error, format string, args ...any) int32 {
	if err == nil {
		return StatusSuccess
	}
	klog.Errorf(format+": %v", append(args, err)...)
	return StatusFail
}

func (b *Boundary) device(deviceID int32) (*Device, error) {
	return b.plugin.Device(deviceID)
}

// InitPlugin initializes the plugin.
func (b *Boundary) InitPlugin() int32 {
	return status(b.plugin.Init(), "Failure to initialize %s", b.plugin)
}

// DeinitPlugin deinitializes the plugin and all its devices.
func (b *Boundary) DeinitPlugin() int32 {
	return status(b.plugin.Deinit(), "Failure to deinitialize %s", b.plugin)
}

// NumberOfDevices returns the number of devices of the plugin.
func (b *Boundary) NumberOfDevices() int32 {
	return b.plugin.NumDevices()
}

// IsValidBinary returns 1 if the image is compatible with the plugin, 0 otherwise.
func (b *Boundary) IsValidBinary(image *Image) int32 {
	if b.plugin.IsValidBinary(image) {
		return 1
	}
	return 0
}

// IsValidBinaryInfo returns 1 if the image compiled for arch is compatible with the plugin, 0 otherwise.
func (b *Boundary) IsValidBinaryInfo(image *Image, arch string) int32 {
	if b.plugin.IsValidBinaryInfo(image, arch) {
		return 1
	}
	return 0
}

// SupportsEmptyImages returns 1 if the plugin accepts images without entries.
func (b *Boundary) SupportsEmptyImages() int32 {
	if b.plugin.SupportsEmptyImages() {
		return 1
	}
	return 0
}

// InitDevice initializes the device.
func (b *Boundary) InitDevice(deviceID int32) int32 {
	_, err := b.plugin.InitDevice(deviceID)
	return status(err, "Failure to initialize device %d", deviceID)
}

// DeinitDevice deinitializes the device.
func (b *Boundary) DeinitDevice(deviceID int32) int32 {
	return status(b.plugin.DeinitDevice(deviceID), "Failure to deinitialize device %d", deviceID)
}

// InitRequires registers the requirement flags and returns them.
func (b *Boundary) InitRequires(flags int64) int64 {
	b.plugin.SetRequiresFlags(flags)
	return flags
}

// IsDataExchangeable returns 1 if data can be copied directly between the devices, 0 otherwise.
func (b *Boundary) IsDataExchangeable(srcDeviceID, dstDeviceID int32) int32 {
	if b.plugin.IsDataExchangeable(srcDeviceID, dstDeviceID) {
		return 1
	}
	return 0
}

// LoadBinary loads the image in the device and returns its table of entries, or nil on failure.
func (b *Boundary) LoadBinary(deviceID int32, image *Image) *TargetTable {
	d, err := b.device(deviceID)
	if err == nil {
		var table *TargetTable
		table, err = d.LoadBinary(image)
		if err == nil {
			return table
		}
	}
	status(err, "Failure to load binary %v on device %d", image, deviceID)
	return nil
}

// DataAlloc allocates memory on the device and returns its address, or 0 on failure.
func (b *Boundary) DataAlloc(deviceID int32, size int64, kind AllocKind) DevicePtr {
	d, err := b.device(deviceID)
	if err == nil {
		var ptr DevicePtr
		ptr, err = d.DataAlloc(size, kind)
		if err == nil {
			return ptr
		}
	}
	status(err, "Failure to allocate %d bytes (%s) on device %d", size, kind, deviceID)
	return 0
}

// DataDelete frees memory allocated with DataAlloc.
func (b *Boundary) DataDelete(deviceID int32, ptr DevicePtr, kind AllocKind) int32 {
	d, err := b.device(deviceID)
	if err == nil {
		err = d.DataDelete(ptr, kind)
	}
	return status(err, "Failure to deallocate device pointer %s (%s) on device %d", ptr, kind, deviceID)
}

// DataLock page-locks the host buffer and stores its device accessible address in lockedPtr.
func (b *Boundary) DataLock(deviceID int32, host []byte, lockedPtr *DevicePtr) int32 {
	d, err := b.device(deviceID)
	if err == nil {
		var ptr DevicePtr
		ptr, err = d.DataLock(host)
		if err == nil && lockedPtr != nil {
			*lockedPtr = ptr
		}
	}
	return status(err, "Failure to lock host buffer %s of %d bytes on device %d", HostPtrOf(host), len(host), deviceID)
}

// DataUnlock releases a lock taken with DataLock.
func (b *Boundary) DataUnlock(deviceID int32, hostPtr HostPtr) int32 {
	d, err := b.device(deviceID)
	if err == nil {
		err = d.DataUnlock(hostPtr)
	}
	return status(err, "Failure to unlock host buffer %s on device %d", hostPtr, deviceID)
}

// DataSubmit copies src to the device memory at dst, synchronously.
func (b *Boundary) DataSubmit(deviceID int32, dst DevicePtr, src []byte) int32 {
	return b.DataSubmitAsync(deviceID, dst, src, nil)
}

// DataSubmitAsync copies src to the device memory at dst, enqueued in asyncInfo.
func (b *Boundary) DataSubmitAsync(deviceID int32, dst DevicePtr, src []byte, asyncInfo *AsyncInfo) int32 {
	d, err := b.device(deviceID)
	if err == nil {
		err = d.DataSubmit(dst, src, asyncInfo)
	}
	return status(err, "Failure to copy data from host to device. Pointers: host = %s, device = %s, size = %d",
		HostPtrOf(src), dst, len(src))
}

// DataRetrieve copies the device memory at src to dst, synchronously.
func (b *Boundary) DataRetrieve(deviceID int32, dst []byte, src DevicePtr) int32 {
	return b.DataRetrieveAsync(deviceID, dst, src, nil)
}

// DataRetrieveAsync copies the device memory at src to dst, enqueued in asyncInfo.
func (b *Boundary) DataRetrieveAsync(deviceID int32, dst []byte, src DevicePtr, asyncInfo *AsyncInfo) int32 {
	d, err := b.device(deviceID)
	if err == nil {
		err = d.DataRetrieve(dst, src, asyncInfo)
	}
	return status(err, "Failure to copy data from device to host. Pointers: host = %s, device = %s, size = %d",
		HostPtrOf(dst), src, len(dst))
}

// DataExchange copies size bytes from src in device srcDeviceID to dst in device dstDeviceID, synchronously.
func (b *Boundary) DataExchange(srcDeviceID int32, src DevicePtr, dstDeviceID int32, dst DevicePtr, size int64) int32 {
	return b.DataExchangeAsync(srcDeviceID, src, dstDeviceID, dst, size, nil)
}

// DataExchangeAsync copies size bytes from src in device srcDeviceID to dst in device dstDeviceID,
// enqueued in asyncInfo.
func (b *Boundary) DataExchangeAsync(srcDeviceID int32, src DevicePtr, dstDeviceID int32, dst DevicePtr, size int64,
	asyncInfo *AsyncInfo) int32 {
	srcDevice, err := b.device(srcDeviceID)
	if err == nil {
		var dstDevice *Device
		dstDevice, err = b.device(dstDeviceID)
		if err == nil {
			err = srcDevice.DataExchange(src, dstDevice, dst, size, asyncInfo)
		}
	}
	return status(err, "Failure to copy data from device (%d) to device (%d). Pointers: src = %s, dst = %s, size = %d",
		srcDeviceID, dstDeviceID, src, dst, size)
}

// LaunchKernel launches the kernel on the device. If asyncInfo is nil, it waits for the kernel to finish.
func (b *Boundary) LaunchKernel(deviceID int32, kernel *Kernel, args []KernelArg, kernelArgs *KernelArgs, asyncInfo *AsyncInfo) int32 {
	d, err := b.device(deviceID)
	if err == nil {
		if kernelArgs == nil {
			kernelArgs = &KernelArgs{}
		}
		err = d.LaunchKernel(kernel, args, *kernelArgs, asyncInfo)
	}
	return status(err, "Failure to run target region %v in device %d", kernel, deviceID)
}

// Synchronize waits for the work in asyncInfo.
func (b *Boundary) Synchronize(deviceID int32, asyncInfo *AsyncInfo) int32 {
	d, err := b.device(deviceID)
	if err == nil {
		err = d.Synchronize(asyncInfo)
	}
	return status(err, "Failure to synchronize %s on device %d", asyncInfo, deviceID)
}

// QueryAsync checks, without blocking, whether the work in asyncInfo is done.
// On success the queue of asyncInfo is nil if and only if the work is done.
func (b *Boundary) QueryAsync(deviceID int32, asyncInfo *AsyncInfo) int32 {
	d, err := b.device(deviceID)
	if err == nil {
		_, err = d.QueryAsync(asyncInfo)
	}
	return status(err, "Failure to query %s on device %d", asyncInfo, deviceID)
}

// PrintDeviceInfo prints the description of the device to the standard output.
func (b *Boundary) PrintDeviceInfo(deviceID int32) int32 {
	d, err := b.device(deviceID)
	if err == nil {
		err = d.PrintInfo(os.Stdout)
	}
	return status(err, "Failure to print device %d info", deviceID)
}

// CreateEvent creates an event on the device and stores it in event.
func (b *Boundary) CreateEvent(deviceID int32, event **Event) int32 {
	d, err := b.device(deviceID)
	if err == nil {
		var e *Event
		e, err = d.CreateEvent()
		if err == nil && event != nil {
			*event = e
		}
	}
	return status(err, "Failure to create event on device %d", deviceID)
}

// checkEvent fails if deviceID is not an initialized device, or if event was created by another device.
func (b *Boundary) checkEvent(deviceID int32, event *Event) error {
	d, err := b.device(deviceID)
	if err != nil {
		return err
	}
	if event != nil && event.device != nil && event.device != d {
		return errors.Wrapf(ErrInvalidEvent, "event of %s used with %s", event.device, d)
	}
	return nil
}

// RecordEvent records the event in asyncInfo.
func (b *Boundary) RecordEvent(deviceID int32, event *Event, asyncInfo *AsyncInfo) int32 {
	err := b.checkEvent(deviceID, event)
	if err == nil {
		err = event.Record(asyncInfo)
	}
	return status(err, "Failure to record event on device %d", deviceID)
}

// WaitEvent makes the work submitted to asyncInfo afterward wait for the event.
func (b *Boundary) WaitEvent(deviceID int32, event *Event, asyncInfo *AsyncInfo) int32 {
	err := b.checkEvent(deviceID, event)
	if err == nil {
		err = event.Wait(asyncInfo)
	}
	return status(err, "Failure to wait event on device %d", deviceID)
}

// SyncEvent blocks until the event completes.
func (b *Boundary) SyncEvent(deviceID int32, event *Event) int32 {
	err := b.checkEvent(deviceID, event)
	if err == nil {
		err = event.Sync()
	}
	return status(err, "Failure to synchronize event on device %d", deviceID)
}

// DestroyEvent releases the event.
func (b *Boundary) DestroyEvent(deviceID int32, event *Event) int32 {
	err := b.checkEvent(deviceID, event)
	if err == nil {
		err = event.Destroy()
	}
	return status(err, "Failure to destroy event on device %d", deviceID)
}

// SetInfoFlag sets the info level, which is mapped to the logging verbosity.
func (b *Boundary) SetInfoFlag(level uint32) {
	b.infoLevel.Store(level)
	var verbosity klog.Level
	if err := verbosity.Set(strconv.FormatUint(uint64(level), 10)); err != nil {
		klog.Warningf("Failed to set logging verbosity to %d: %v", level, err)
	}
}

// InfoLevel returns the level set by SetInfoFlag or Config.InfoLevel.
func (b *Boundary) InfoLevel() uint32 {
	return b.infoLevel.Load()
}

// InitAsyncInfo stores in asyncInfo a new AsyncInfo with a queue assigned, if it doesn't have one already.
func (b *Boundary) InitAsyncInfo(deviceID int32, asyncInfo **AsyncInfo) int32 {
	d, err := b.device(deviceID)
	if err == nil && asyncInfo == nil {
		err = errors.New("nil AsyncInfo pointer")
	}
	if err == nil && *asyncInfo == nil {
		var info *AsyncInfo
		info, err = d.InitAsyncInfo()
		if err == nil {
			*asyncInfo = info
		}
	}
	return status(err, "Failure to initialize async info on device %d", deviceID)
}

// InitDeviceInfo fills info with the native handles of the device. On failure, errStr receives the message.
func (b *Boundary) InitDeviceInfo(deviceID int32, info *DeviceInfo, errStr *string) int32 {
	d, err := b.device(deviceID)
	if err == nil {
		err = d.InitDeviceInfo(info)
	}
	if err != nil && errStr != nil {
		*errStr = err.Error()
	}
	return status(err, "Failure to initialize device info on device %d", deviceID)
}
