package omptarget

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	assert.False(t, c.IsRecordingOrReplaying())
	assert.Equal(t, uint32(64), c.RecordReplayMemoryGiB)
	assert.Equal(t, ".", c.RecordReplayDir)
	assert.Equal(t, uint32(32), c.InitialNumStreams)
	assert.Equal(t, uint32(32), c.InitialNumEvents)
	assert.Equal(t, uint64(8192), c.MemoryManagerThreshold)
	assert.Nil(t, c.StackSize)
	assert.Nil(t, c.HeapSize)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv(RecordEnv, "1")
	t.Setenv(SaveOutputEnv, "true")
	t.Setenv(ReplayEnv, "0")
	t.Setenv(RecordReplayMemoryEnv, "4")
	t.Setenv(RecordReplayDirEnv, "/tmp/rr")
	t.Setenv(StackSizeEnv, "0x2000")
	t.Setenv(HeapSizeEnv, "")
	t.Setenv(NumTeamsEnv, " 128 ")
	t.Setenv(TeamsThreadLimitEnv, "512")
	t.Setenv(MemoryManagerThresholdEnv, "0")
	t.Setenv(InfoLevelEnv, "2")
	t.Setenv(HostDeviceMemoryEnv, "1073741824")

	c := capture(ConfigFromEnv()).Test(t)
	assert.True(t, c.Record)
	assert.False(t, c.Replay)
	assert.True(t, c.SaveOutput)
	assert.True(t, c.IsRecordingOrReplaying())
	assert.Equal(t, uint32(4), c.RecordReplayMemoryGiB)
	assert.Equal(t, "/tmp/rr", c.RecordReplayDir)
	require.NotNil(t, c.StackSize)
	assert.Equal(t, uint64(0x2000), *c.StackSize)
	assert.Nil(t, c.HeapSize, "empty variables are ignored")
	assert.Equal(t, uint32(128), c.NumTeams)
	assert.Equal(t, uint32(512), c.TeamsThreadLimit)
	assert.Equal(t, uint64(0), c.MemoryManagerThreshold)
	assert.Equal(t, uint32(2), c.InfoLevel)
	assert.Equal(t, int64(1<<30), c.HostDeviceMemory)
	assert.Equal(t, uint32(32), c.InitialNumStreams, "unset variables keep the default")
}

func TestConfigFromEnvErrors(t *testing.T) {
	for _, tc := range []struct{ name, value string }{
		{RecordEnv, "sometimes"},
		{NumTeamsEnv, "-1"},
		{InitialNumStreamsEnv, "5000000000"},
		{StackSizeEnv, "big"},
		{NumHostDevicesEnv, "two"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.name, tc.value)
			_, err := ConfigFromEnv()
			require.Error(t, err)
		})
	}
}

func TestConfigFromEnvLimits(t *testing.T) {
	t.Setenv(NumTeamsEnv, "4294967295")
	t.Setenv(StackSizeEnv, "18446744073709551615")
	c := capture(ConfigFromEnv()).Test(t)
	assert.Equal(t, uint32(math.MaxUint32), c.NumTeams)
	require.NotNil(t, c.StackSize)
	assert.Equal(t, uint64(math.MaxUint64), *c.StackSize)

	t.Setenv(NumTeamsEnv, "4294967296")
	_, err := ConfigFromEnv()
	require.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "omptarget.yaml")
	content := `
replay: true
save_output: true
record_replay_dir: /data/recordings
record_replay_memory_gib: 8
heap_size: 1048576
num_host_devices: 4
initial_num_streams: 4
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	c := capture(LoadConfig(path)).Test(t)
	assert.True(t, c.Replay)
	assert.True(t, c.SaveOutput)
	assert.Equal(t, "/data/recordings", c.RecordReplayDir)
	assert.Equal(t, uint32(8), c.RecordReplayMemoryGiB)
	require.NotNil(t, c.HeapSize)
	assert.Equal(t, uint64(1<<20), *c.HeapSize)
	assert.Nil(t, c.StackSize)
	assert.Equal(t, 4, c.NumHostDevices)
	assert.Equal(t, uint32(4), c.InitialNumStreams)
	assert.Equal(t, uint64(8192), c.MemoryManagerThreshold, "fields absent from the file keep their default")

	// The environment takes precedence.
	t.Setenv(NumHostDevicesEnv, "2")
	c = capture(LoadConfig(path)).Test(t)
	assert.Equal(t, 2, c.NumHostDevices)

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	require.NoError(t, os.WriteFile(path, []byte("replay: [not a bool"), 0o644))
	_, err = LoadConfig(path)
	require.Error(t, err)
}
