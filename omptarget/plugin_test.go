package omptarget

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPluginLifecycle(t *testing.T) {
	config := testConfig()
	config.NumHostDevices = 3
	plugin := capture(New(BackendHost, config)).Test(t)
	assert.Equal(t, BackendHost, plugin.Kind())
	assert.Equal(t, int32(0), plugin.NumDevices(), "devices are discovered by Init")

	_, err := plugin.InitDevice(0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidDevice))

	require.NoError(t, plugin.Init())
	require.Error(t, plugin.Init())
	assert.Equal(t, int32(3), plugin.NumDevices())

	devices := capture(plugin.InitDevices(context.Background())).Test(t)
	require.Len(t, devices, 3)
	for ii, d := range devices {
		assert.Equal(t, int32(ii), d.ID())
		assert.Same(t, d, capture(plugin.Device(int32(ii))).Test(t))
	}

	// Devices are initialized only once.
	_, err = plugin.InitDevice(1)
	require.Error(t, err)
	for _, id := range []int32{-1, 3} {
		_, err = plugin.InitDevice(id)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidDevice))
		_, err = plugin.Device(id)
		require.Error(t, err)
	}

	require.NoError(t, plugin.DeinitDevice(1))
	_, err = plugin.Device(1)
	require.Error(t, err)
	require.Error(t, plugin.DeinitDevice(1))
	d1 := capture(plugin.InitDevice(1)).Test(t)
	assert.Equal(t, int32(1), d1.ID())

	require.NoError(t, plugin.Deinit())
	require.NoError(t, plugin.Deinit(), "Deinit twice is a no-op")
	_, err = plugin.Device(0)
	require.Error(t, err)
	assert.Equal(t, int32(0), plugin.NumDevices())
}

func TestPluginDevicesAreIndependent(t *testing.T) {
	config := testConfig()
	config.NumHostDevices = 2
	_, devices := newTestDevices(t, config)

	ptr0 := capture(devices[0].DataAlloc(16, AllocDevice)).Test(t)
	ptr1 := capture(devices[1].DataAlloc(16, AllocDevice)).Test(t)
	require.NoError(t, devices[0].DataSubmit(ptr0, []byte("device 0 content"), nil))
	require.NoError(t, devices[1].DataSubmit(ptr1, []byte("device 1 content"), nil))

	// A pointer of one device is not valid on the other.
	require.Error(t, devices[1].DataRetrieve(make([]byte, 16), ptr0, nil))

	buf := make([]byte, 64)
	_ = capture(devices[0].DataLock(buf)).Test(t)
	assert.Equal(t, 1, devices[0].Pinned().Len())
	assert.Equal(t, 0, devices[1].Pinned().Len())
}

func TestPluginImages(t *testing.T) {
	plugin := capture(New(BackendHost, testConfig())).Test(t)
	assert.True(t, plugin.IsValidBinary(testImage()))
	assert.False(t, plugin.IsValidBinary(nil))
	assert.False(t, plugin.IsValidBinary(&Image{Target: "amdgpu"}))
	assert.True(t, plugin.IsValidBinaryInfo(testImage(), ""))
	assert.True(t, plugin.IsValidBinaryInfo(testImage(), "host"))
	assert.False(t, plugin.IsValidBinaryInfo(testImage(), "sm_90"))
	assert.True(t, plugin.SupportsEmptyImages())

	plugin.SetRequiresFlags(0x8)
	assert.Equal(t, int64(0x8), plugin.RequiresFlags())
}

func TestNewPluginErrors(t *testing.T) {
	config := testConfig()
	config.NumHostDevices = -1
	_, err := New(BackendHost, config)
	require.Error(t, err)
	_, err = New(BackendKind(99), testConfig())
	require.Error(t, err)

	// Environment configuration.
	t.Setenv(NumHostDevicesEnv, "2")
	plugin := capture(New(BackendHost, nil)).Test(t)
	assert.Equal(t, 2, plugin.Config().NumHostDevices)
	t.Setenv(RecordEnv, "maybe")
	_, err = New(BackendHost, nil)
	require.Error(t, err)
}

func TestDeviceInitFailureReleasesSlot(t *testing.T) {
	config := testConfig()
	config.HostDeviceMemory = 0
	plugin := capture(New(BackendHost, config)).Test(t)
	require.NoError(t, plugin.Init())
	defer func() { require.NoError(t, plugin.Deinit()) }()
	_, err := plugin.InitDevices(context.Background())
	require.Error(t, err)
	_, err = plugin.Device(0)
	require.Error(t, err)
}
