package omptarget

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceDataTransfers(t *testing.T) {
	d := newTestDevice(t, testConfig())
	submitted := testutil.ToFloat64(dataTransferBytes.WithLabelValues(deviceLabel(d.ID()), "submit"))

	const size = 100_000
	src := make([]byte, size)
	for ii := range src {
		src[ii] = byte(ii % 251)
	}
	ptr := capture(d.DataAlloc(size, AllocDevice)).Test(t)

	// Device memory is zero initialized.
	dst := make([]byte, size)
	dst[0] = 1
	require.NoError(t, d.DataRetrieve(dst, ptr, nil))
	assert.True(t, bytes.Equal(make([]byte, size), dst))

	require.NoError(t, d.DataSubmit(ptr, src, nil))
	require.NoError(t, d.DataRetrieve(dst, ptr, nil))
	assert.Equal(t, src, dst)
	assert.Equal(t, submitted+size, testutil.ToFloat64(dataTransferBytes.WithLabelValues(deviceLabel(d.ID()), "submit")))

	// Unaligned partial access.
	part := make([]byte, 1000)
	require.NoError(t, d.DataRetrieve(part, ptr+65_000, nil))
	assert.Equal(t, src[65_000:66_000], part)

	// Out of bounds.
	require.Error(t, d.DataRetrieve(part, ptr+size-10, nil))
	require.Error(t, d.DataSubmit(ptr+size-10, part, nil))
	require.NoError(t, d.DataDelete(ptr, AllocDevice))
	require.Error(t, d.DataRetrieve(part, ptr, nil))
	require.Error(t, d.DataDelete(ptr, AllocDevice))
}

func TestDeviceAllocationFailure(t *testing.T) {
	config := testConfig()
	config.HostDeviceMemory = 1 << 20
	d := newTestDevice(t, config)
	_, err := d.DataAlloc(2<<20, AllocDevice)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAllocationFailure))
	_, err = d.DataAlloc(16, AllocKind(17))
	require.Error(t, err)
}

func TestMemoryManager(t *testing.T) {
	d := newTestDevice(t, testConfig())
	mm := d.memoryManager
	require.NotNil(t, mm)
	hits := testutil.ToFloat64(memoryManagerRequests.WithLabelValues(deviceLabel(d.ID()), "hit"))

	// Freed memory is reused for allocations of the same bucket.
	ptr := capture(d.DataAlloc(100, AllocDefault)).Test(t)
	require.NoError(t, d.DataDelete(ptr, AllocDefault))
	assert.Equal(t, 1, mm.pooled())
	ptr2 := capture(d.DataAlloc(120, AllocDefault)).Test(t)
	assert.Equal(t, ptr, ptr2)
	assert.Equal(t, 0, mm.pooled())
	assert.Equal(t, hits+1, testutil.ToFloat64(memoryManagerRequests.WithLabelValues(deviceLabel(d.ID()), "hit")))

	// The pooled allocation has the size of its bucket.
	require.NoError(t, d.DataSubmit(ptr2, make([]byte, 128), nil))

	// Different bucket.
	ptr3 := capture(d.DataAlloc(1000, AllocDefault)).Test(t)
	assert.NotEqual(t, ptr, ptr3)

	// Large allocations go to the backend.
	large := capture(d.DataAlloc(1<<20, AllocDefault)).Test(t)
	require.NoError(t, d.DataDelete(large, AllocDefault))
	assert.Equal(t, 0, mm.pooled())

	// Host allocations are not pooled.
	host := capture(d.DataAlloc(64, AllocHost)).Test(t)
	require.NoError(t, d.DataDelete(host, AllocHost))
	assert.Equal(t, 0, mm.pooled())

	require.NoError(t, d.DataDelete(ptr2, AllocDefault))
	require.NoError(t, d.DataDelete(ptr3, AllocDefault))
	assert.Equal(t, 2, mm.pooled())
}

func TestMemoryManagerDisabled(t *testing.T) {
	config := testConfig()
	config.MemoryManagerThreshold = 0
	d := newTestDevice(t, config)
	assert.Nil(t, d.memoryManager)

	d = newTestDevice(t, recordReplayConfig(t.TempDir(), true, false))
	assert.Nil(t, d.memoryManager)
}

func TestMemoryManagerBuckets(t *testing.T) {
	mm := newMemoryManager(nil, 0, 8192)
	assert.Equal(t, 5, mm.minShift)
	assert.Equal(t, 13, mm.maxShift)
	mm = newMemoryManager(nil, 0, 8193)
	assert.Equal(t, 14, mm.maxShift)
	mm = newMemoryManager(nil, 0, 1)
	assert.Equal(t, mm.minShift, mm.maxShift)
}

func TestDeviceAsync(t *testing.T) {
	d := newTestDevice(t, testConfig())
	const n = 4096
	ptr := capture(d.DataAlloc(4*n, AllocDevice)).Test(t)
	values := make([]uint32, n)
	for ii := range values {
		values[ii] = uint32(3 * ii)
	}

	info := &AsyncInfo{}
	require.NoError(t, d.DataSubmit(ptr, uint32sToBytes(values), info))
	require.NotNil(t, info.Queue)
	queue := info.Queue
	dst := make([]byte, 4*n)
	require.NoError(t, d.DataRetrieve(dst, ptr, info))
	assert.Equal(t, queue, info.Queue, "operations on the same AsyncInfo use the same queue")
	require.NoError(t, d.Synchronize(info))
	assert.Nil(t, info.Queue)
	assert.Equal(t, values, bytesToUint32s(dst))

	// QueryAsync releases the queue once done.
	require.NoError(t, d.DataRetrieve(dst, ptr, info))
	var done bool
	for !done {
		var err error
		done, err = d.QueryAsync(info)
		require.NoError(t, err)
		if !done {
			require.NotNil(t, info.Queue)
			time.Sleep(time.Millisecond)
		}
	}
	assert.Nil(t, info.Queue)

	// Errors of queued operations are reported on synchronization.
	require.NoError(t, d.DataRetrieve(dst, ptr+8, info))
	err := d.Synchronize(info)
	require.Error(t, err)
	fmt.Printf("Expected error: %v\n", err)
	assert.Nil(t, info.Queue)
}

func TestDeviceInvalidAsyncHandle(t *testing.T) {
	d := newTestDevice(t, testConfig())
	for _, info := range []*AsyncInfo{nil, {}} {
		err := d.Synchronize(info)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidAsyncHandle))
		_, err = d.QueryAsync(info)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidAsyncHandle))
	}

	// Queue of another device.
	config := testConfig()
	config.NumHostDevices = 2
	_, devices := newTestDevices(t, config)
	d, other := devices[0], devices[1]
	info := capture(other.InitAsyncInfo()).Test(t)
	require.NotNil(t, info.Queue)
	err := d.DataSubmit(0, []byte{1}, info)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidAsyncHandle))
	require.NoError(t, other.Synchronize(info))
}

func TestDeviceDataExchange(t *testing.T) {
	config := testConfig()
	config.NumHostDevices = 2
	plugin, devices := newTestDevices(t, config)
	require.Len(t, devices, 2)
	src, dst := devices[0], devices[1]
	assert.True(t, plugin.IsDataExchangeable(0, 1))
	assert.False(t, plugin.IsDataExchangeable(0, 2))
	assert.Equal(t, PeerAccessAvailable, src.peerAccessState(dst))

	values := []uint32{1, 2, 3, 5, 8, 13, 21}
	srcPtr := capture(src.DataAlloc(int64(4*len(values)), AllocDevice)).Test(t)
	dstPtr := capture(dst.DataAlloc(int64(4*len(values)), AllocDevice)).Test(t)
	assert.NotEqual(t, srcPtr, dstPtr, "devices have disjoint address spaces")
	require.NoError(t, src.DataSubmit(srcPtr, uint32sToBytes(values), nil))
	require.NoError(t, src.DataExchange(srcPtr, dst, dstPtr, int64(4*len(values)), nil))
	got := make([]byte, 4*len(values))
	require.NoError(t, dst.DataRetrieve(got, dstPtr, nil))
	assert.Equal(t, values, bytesToUint32s(got))

	// Staged through the host when there is no peer access.
	src.muPeers.Lock()
	src.peerAccess[dst.ID()] = PeerAccessUnavailable
	src.muPeers.Unlock()
	require.False(t, src.IsDataExchangeable(dst))
	require.NoError(t, src.DataSubmit(srcPtr, uint32sToBytes([]uint32{100, 200}), nil))
	info := &AsyncInfo{}
	require.NoError(t, src.DataExchange(srcPtr, dst, dstPtr, 8, info))
	require.NoError(t, dst.DataRetrieve(got, dstPtr, nil))
	assert.Equal(t, []uint32{100, 200, 3, 5, 8, 13, 21}, bytesToUint32s(got))

	require.Error(t, src.DataExchange(srcPtr, nil, dstPtr, 8, nil))
}

func TestDeviceLaunchKernel(t *testing.T) {
	d := newTestDevice(t, testConfig())
	table := capture(d.LoadBinary(testImage())).Test(t)
	assert.Equal(t, 1, d.LoadedImages())

	vadd, found := table.Kernel("vadd")
	require.True(t, found)
	assert.Equal(t, ExecModeSPMD, vadd.Mode)
	fill, _ := table.Kernel("fill")
	assert.Equal(t, ExecModeSPMD, fill.Mode, "kernels without execution mode default to SPMD")
	_, found = table.Kernel("counter")
	assert.False(t, found)
	counter, found := table.Global("counter")
	require.True(t, found)
	assert.NotZero(t, counter)

	const n = 300
	launches := testutil.ToFloat64(kernelLaunches.WithLabelValues(deviceLabel(d.ID()), "SPMD"))
	ptr := capture(d.DataAlloc(4*n, AllocDevice)).Test(t)
	require.NoError(t, d.Launch(fill, Arg(ptr), Arg(n), Arg(7)).Done())
	got := make([]byte, 4*n)
	require.NoError(t, d.DataRetrieve(got, ptr, nil))
	for ii, v := range bytesToUint32s(got) {
		require.Equal(t, uint32(7), v, "element #%d", ii)
	}
	assert.Equal(t, launches+1, testutil.ToFloat64(kernelLaunches.WithLabelValues(deviceLabel(d.ID()), "SPMD")))

	// Arguments with offsets: fill the second half only.
	require.NoError(t, d.LaunchKernel(fill, []KernelArg{{Base: ptr, Offset: 4 * n / 2}, Arg(n / 2), Arg(9)}, KernelArgs{}, nil))
	require.NoError(t, d.DataRetrieve(got, ptr, nil))
	values := bytesToUint32s(got)
	assert.Equal(t, uint32(7), values[n/2-1])
	assert.Equal(t, uint32(9), values[n/2])

	// Global variables are device memory.
	geometry, _ := table.Kernel("geometry")
	require.NoError(t, d.Launch(geometry, Arg(counter)).WithNumTeams(5).Done())
	counterValues := make([]byte, 8)
	require.NoError(t, d.DataRetrieve(counterValues, counter, nil))
	assert.Equal(t, []uint32{5, 256}, bytesToUint32s(counterValues))

	// Asynchronous launch.
	info := &AsyncInfo{}
	require.NoError(t, d.Launch(vadd, Arg(ptr), Arg(ptr), Arg(n)).Async(info).Done())
	require.NotNil(t, info.Queue)
	require.NoError(t, d.DataRetrieve(got, ptr, info))
	require.NoError(t, d.Synchronize(info))
	assert.Equal(t, uint32(14), bytesToUint32s(got)[0])

	// Failures.
	failing, _ := table.Kernel("fail")
	err := d.Launch(failing).Done()
	require.Error(t, err)
	fmt.Printf("Expected error: %v\n", err)
	require.Error(t, d.Launch(nil).Done())
	err = d.Launch(fill, KernelArg{Base: 0x10, Offset: -0x20}).Done()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLaunchFailure))
	err = d.Launch(fill).WithKernelArgs(KernelArgs{NumTeams: [3]uint32{1, 2, 0}}).Done()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLaunchFailure))
}

func TestDeviceLaunchGeometry(t *testing.T) {
	d := newTestDevice(t, testConfig())
	geometry := loadKernel(t, d, "geometry")
	require.Equal(t, ExecModeGeneric, geometry.Mode)
	ptr := capture(d.DataAlloc(8, AllocDevice)).Test(t)
	got := make([]byte, 8)

	for _, tc := range []struct {
		config                 *LaunchConfig
		wantBlocks, wantThreads uint32
	}{
		{d.Launch(geometry, Arg(ptr)).WithTripCount(100), 100, 256},
		{d.Launch(geometry, Arg(ptr)).WithTripCount(100).WithThreadLimit(64), 100, 96},
		{d.Launch(geometry, Arg(ptr)).WithNumTeams(3), 3, 256},
		{d.Launch(geometry, Arg(ptr)).WithTripCount(1 << 20), 4096, 256},
		{d.Launch(geometry, Arg(ptr)).WithKernelArgs(KernelArgs{NumTeams: [3]uint32{70000}, ThreadLimit: [3]uint32{2000}}), 65535, 1024},
	} {
		require.NoError(t, tc.config.Done())
		require.NoError(t, d.DataRetrieve(got, ptr, nil))
		values := bytesToUint32s(got)
		assert.Equal(t, tc.wantBlocks, values[0], "number of blocks")
		assert.Equal(t, tc.wantThreads, values[1], "number of threads")
	}
}

func TestDeviceLoadBinaryErrors(t *testing.T) {
	d := newTestDevice(t, testConfig())
	_, err := d.LoadBinary(nil)
	require.Error(t, err)

	image := testImage()
	image.Target = "cuda"
	_, err = d.LoadBinary(image)
	require.Error(t, err)

	image = testImage()
	image.Entries = append(image.Entries, OffloadEntry{Name: "bad_mode", ExecMode: ExecMode(7)})
	image.HostKernels["bad_mode"] = fillKernel
	_, err = d.LoadBinary(image)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidExecutionMode))

	image = testImage()
	image.Entries = append(image.Entries, OffloadEntry{Name: "no_implementation"})
	_, err = d.LoadBinary(image)
	require.Error(t, err)

	// Empty images are accepted.
	image = testImage()
	image.Entries, image.HostKernels = nil, nil
	table := capture(d.LoadBinary(image)).Test(t)
	assert.Empty(t, table.Entries)
	assert.Equal(t, 1, d.LoadedImages())
}

func TestDeviceEvents(t *testing.T) {
	d := newTestDevice(t, testConfig())
	event := capture(d.CreateEvent()).Test(t)

	// An event never recorded is complete.
	require.NoError(t, event.Sync())

	// Work on one queue waits for an event recorded on another one.
	const n = 1024
	ptr := capture(d.DataAlloc(4*n, AllocDevice)).Test(t)
	fill := loadKernel(t, d, "fill")
	producer, consumer := &AsyncInfo{}, &AsyncInfo{}
	require.NoError(t, d.Launch(fill, Arg(ptr), Arg(n), Arg(42)).Async(producer).Done())
	require.NoError(t, event.Record(producer))
	require.NoError(t, event.Wait(consumer))
	got := make([]byte, 4*n)
	require.NoError(t, d.DataRetrieve(got, ptr, consumer))
	require.NoError(t, d.Synchronize(consumer))
	assert.Equal(t, uint32(42), bytesToUint32s(got)[n-1])
	require.NoError(t, event.Sync())
	require.NoError(t, d.Synchronize(producer))

	// Synchronous record and wait.
	require.NoError(t, event.Record(nil))
	require.NoError(t, event.Wait(nil))

	require.NoError(t, event.Destroy())
	require.NoError(t, event.Destroy(), "Destroy is idempotent")
	err := event.Sync()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidEvent))
	require.Error(t, event.Record(nil))
}

func TestDeviceTunablesAndInfo(t *testing.T) {
	config := testConfig()
	stack, heap := uint64(4096), uint64(1<<20)
	config.StackSize, config.HeapSize = &stack, &heap
	d := newTestDevice(t, config)
	assert.Equal(t, stack, capture(d.StackSize()).Test(t))
	assert.Equal(t, heap, capture(d.HeapSize()).Test(t))

	d2 := newTestDevice(t, testConfig())
	assert.Equal(t, uint64(hostDefaultStackSize), capture(d2.StackSize()).Test(t))

	var buf bytes.Buffer
	require.NoError(t, d.PrintInfo(&buf))
	fmt.Println(buf.String())
	assert.Contains(t, buf.String(), "Device 0:")
	assert.Contains(t, buf.String(), "Stack Size:")
	assert.Contains(t, buf.String(), "Pinned Buffers:")

	var info DeviceInfo
	require.NoError(t, d.InitDeviceInfo(&info))
	assert.Equal(t, int32(0), info.Device)
	assert.NotNil(t, info.Context)
	require.Error(t, d.InitDeviceInfo(nil))
}
