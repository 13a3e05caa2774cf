package omptarget

// Common initialization and testing tools for all test files.

import (
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

type errTester[T any] struct {
	value T
	err   error
}

// capture is a shortcut to test that there is no error and return the value.
func capture[T any](value T, err error) errTester[T] {
	return errTester[T]{value, err}
}

func (e errTester[T]) Test(t *testing.T) T {
	require.NoError(t, e.err)
	return e.value
}

// capture2 is like capture, for functions returning two values and an error.
func capture2[T1, T2 any](v1 T1, v2 T2, err error) func(t *testing.T) (T1, T2) {
	return func(t *testing.T) (T1, T2) {
		require.NoError(t, err)
		return v1, v2
	}
}

func must(err error) {
	if err != nil {
		panicf("Failed: %+v", errors.WithStack(err))
	}
}

func must1[T any](t T, err error) T {
	must(err)
	return t
}

// testConfig returns a configuration independent of the environment, with small pools and memory.
func testConfig() *Config {
	c := DefaultConfig()
	c.InitialNumStreams = 2
	c.InitialNumEvents = 2
	c.HostDeviceMemory = 8 << 30
	c.RecordReplayMemoryGiB = 2
	return c
}

// newTestDevices creates a plugin with the host backend and initializes all its devices.
// They are deinitialized at the end of the test.
func newTestDevices(t *testing.T, config *Config) (*Plugin, []*Device) {
	plugin := capture(New(BackendHost, config)).Test(t)
	require.NoError(t, plugin.Init())
	devices := make([]*Device, plugin.NumDevices())
	for ii := range devices {
		devices[ii] = capture(plugin.InitDevice(int32(ii))).Test(t)
	}
	t.Cleanup(func() { require.NoError(t, plugin.Deinit()) })
	return plugin, devices
}

// newTestDevice creates a plugin with one host device.
func newTestDevice(t *testing.T, config *Config) *Device {
	config.NumHostDevices = 1
	_, devices := newTestDevices(t, config)
	return devices[0]
}

func uint32sToBytes(values []uint32) []byte {
	buf := make([]byte, 4*len(values))
	for ii, v := range values {
		binary.LittleEndian.PutUint32(buf[4*ii:], v)
	}
	return buf
}

func bytesToUint32s(buf []byte) []uint32 {
	values := make([]uint32, len(buf)/4)
	for ii := range values {
		values[ii] = binary.LittleEndian.Uint32(buf[4*ii:])
	}
	return values
}

// vaddKernel computes y[i] += x[i], for the n uint32 values given by the arguments (x, y, n).
func vaddKernel(l *HostLaunch) error {
	if len(l.Args) != 3 {
		return errors.Errorf("vadd expects 3 arguments, got %d", len(l.Args))
	}
	n := int(l.Args[2])
	x, err := l.Uint32s(l.Args[0], n)
	if err != nil {
		return err
	}
	y, err := l.Uint32s(l.Args[1], n)
	if err != nil {
		return err
	}
	for ii := range y {
		y[ii] += x[ii]
	}
	return l.SetUint32s(l.Args[1], y)
}

// fillKernel sets the n uint32 values at ptr to value, for the arguments (ptr, n, value).
func fillKernel(l *HostLaunch) error {
	if len(l.Args) != 3 {
		return errors.Errorf("fill expects 3 arguments, got %d", len(l.Args))
	}
	values := make([]uint32, int(l.Args[1]))
	for ii := range values {
		values[ii] = uint32(l.Args[2])
	}
	return l.SetUint32s(l.Args[0], values)
}

// geometryKernel writes the launch geometry (blocks, threads) at the pointer given as its only argument.
func geometryKernel(l *HostLaunch) error {
	return l.SetUint32s(l.Args[0], []uint32{uint32(l.NumBlocks), l.NumThreads})
}

func failKernel(l *HostLaunch) error {
	return errors.New("kernel failed on purpose")
}

// testImage returns an image for the host backend with the test kernels and one global.
func testImage() *Image {
	return &Image{
		Name:   "test_image",
		Target: hostTarget,
		Data:   []byte("host image for tests"),
		Entries: []OffloadEntry{
			{Name: "vadd", ExecMode: ExecModeSPMD},
			{Name: "fill"},
			{Name: "geometry", ExecMode: ExecModeGeneric},
			{Name: "fail", ExecMode: ExecModeSPMD},
			{Name: "counter", Size: 8},
		},
		HostKernels: map[string]HostKernel{
			"vadd":     vaddKernel,
			"fill":     fillKernel,
			"geometry": geometryKernel,
			"fail":     failKernel,
		},
	}
}

// loadKernel loads the test image in the device and returns the kernel with the given name.
func loadKernel(t *testing.T, d *Device, name string) *Kernel {
	table := capture(d.LoadBinary(testImage())).Test(t)
	kernel, found := table.Kernel(name)
	require.True(t, found, "kernel %q not found", name)
	return kernel
}
