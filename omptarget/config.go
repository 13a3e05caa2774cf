package omptarget

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Environment variables read by ConfigFromEnv and LoadConfig.
const (
	RecordEnv                 = "LIBOMPTARGET_RECORD"
	ReplayEnv                 = "LIBOMPTARGET_REPLAY"
	SaveOutputEnv             = "LIBOMPTARGET_RR_SAVE_OUTPUT"
	RecordReplayMemoryEnv     = "LIBOMPTARGET_RR_DEVMEM_SIZE"
	RecordReplayDirEnv        = "LIBOMPTARGET_RR_DIR"
	StackSizeEnv              = "LIBOMPTARGET_STACK_SIZE"
	HeapSizeEnv               = "LIBOMPTARGET_HEAP_SIZE"
	DebugKindEnv              = "LIBOMPTARGET_DEVICE_RTL_DEBUG"
	SharedMemorySizeEnv       = "LIBOMPTARGET_SHARED_MEMORY_SIZE"
	InitialNumStreamsEnv      = "LIBOMPTARGET_NUM_INITIAL_STREAMS"
	InitialNumEventsEnv       = "LIBOMPTARGET_NUM_INITIAL_EVENTS"
	NumTeamsEnv               = "OMP_NUM_TEAMS"
	TeamsThreadLimitEnv       = "OMP_TEAMS_THREAD_LIMIT"
	MemoryManagerThresholdEnv = "LIBOMPTARGET_MEMORY_MANAGER_THRESHOLD"
	InfoLevelEnv              = "LIBOMPTARGET_INFO"
	NumHostDevicesEnv         = "LIBOMPTARGET_NUM_HOST_DEVICES"
	HostDeviceMemoryEnv       = "LIBOMPTARGET_HOST_DEVICE_MEMORY"
)

// Config holds the tunables of a Plugin and its devices.
//
// Create it with DefaultConfig, ConfigFromEnv or LoadConfig. It should not be changed after
// being given to New.
type Config struct {
	// Record enables recording of kernel invocations: device allocations are served by the record/replay
	// arena and the device memory and the launch parameters are dumped before each kernel launch.
	Record bool `yaml:"record"`

	// Replay enables the replay mode: allocations are served by the record/replay arena, so pointers
	// are the same as in the recording.
	Replay bool `yaml:"replay"`

	// SaveOutput dumps the device memory after each kernel launch, when recording or replaying.
	SaveOutput bool `yaml:"save_output"`

	// RecordReplayMemoryGiB is the maximum size of the record/replay arena, in GiB.
	RecordReplayMemoryGiB uint32 `yaml:"record_replay_memory_gib"`

	// RecordReplayDir is the directory where record/replay artifacts are written to and read from.
	RecordReplayDir string `yaml:"record_replay_dir"`

	// StackSize and HeapSize of the device, if set.
	StackSize *uint64 `yaml:"stack_size,omitempty"`
	HeapSize  *uint64 `yaml:"heap_size,omitempty"`

	DebugKind         uint32 `yaml:"debug_kind"`
	SharedMemorySize  uint32 `yaml:"shared_memory_size"`
	InitialNumStreams uint32 `yaml:"initial_num_streams"`
	InitialNumEvents  uint32 `yaml:"initial_num_events"`

	// NumTeams and TeamsThreadLimit, when > 0, clamp the block limit and the thread limit of the devices.
	NumTeams         uint32 `yaml:"num_teams"`
	TeamsThreadLimit uint32 `yaml:"teams_thread_limit"`

	// MemoryManagerThreshold is the largest allocation size served by the pooling memory manager.
	// 0 disables the memory manager.
	MemoryManagerThreshold uint64 `yaml:"memory_manager_threshold"`

	// InfoLevel is mapped to the logging verbosity.
	InfoLevel uint32 `yaml:"info_level"`

	// NumHostDevices is the number of devices of the BackendHost plugin.
	NumHostDevices int `yaml:"num_host_devices"`

	// HostDeviceMemory is the memory capacity in bytes of each BackendHost device.
	HostDeviceMemory int64 `yaml:"host_device_memory"`
}

// DefaultConfig returns a Config with default values, without reading the environment.
func DefaultConfig() *Config {
	return &Config{
		RecordReplayMemoryGiB:  64,
		RecordReplayDir:        ".",
		InitialNumStreams:      32,
		InitialNumEvents:       32,
		MemoryManagerThreshold: 8 * 1024,
		NumHostDevices:         1,
		HostDeviceMemory:       16 << 30,
	}
}

// ConfigFromEnv returns the default configuration overridden by the environment variables that are set.
func ConfigFromEnv() (*Config, error) {
	c := DefaultConfig()
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadConfig reads a YAML configuration file and then applies the environment variables that are set,
// which take precedence over the values in the file.
// Fields absent from the file keep their default values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading configuration file %q", path)
	}
	c := DefaultConfig()
	if err = yaml.Unmarshal(data, c); err != nil {
		return nil, errors.Wrapf(err, "parsing configuration file %q", path)
	}
	if err = c.applyEnv(); err != nil {
		return nil, err
	}
	return c, nil
}

// IsRecordingOrReplaying returns whether the record/replay arena is used.
func (c *Config) IsRecordingOrReplaying() bool {
	return c.Record || c.Replay
}

func (c *Config) applyEnv() error {
	var err error
	setErr := func(e error) {
		if err == nil {
			err = e
		}
	}
	setErr(lookupBoolEnv(RecordEnv, &c.Record))
	setErr(lookupBoolEnv(ReplayEnv, &c.Replay))
	setErr(lookupBoolEnv(SaveOutputEnv, &c.SaveOutput))
	setErr(lookupUintEnv(RecordReplayMemoryEnv, &c.RecordReplayMemoryGiB))
	if dir, found := os.LookupEnv(RecordReplayDirEnv); found && dir != "" {
		c.RecordReplayDir = dir
	}
	setErr(lookupOptionalUintEnv(StackSizeEnv, &c.StackSize))
	setErr(lookupOptionalUintEnv(HeapSizeEnv, &c.HeapSize))
	setErr(lookupUintEnv(DebugKindEnv, &c.DebugKind))
	setErr(lookupUintEnv(SharedMemorySizeEnv, &c.SharedMemorySize))
	setErr(lookupUintEnv(InitialNumStreamsEnv, &c.InitialNumStreams))
	setErr(lookupUintEnv(InitialNumEventsEnv, &c.InitialNumEvents))
	setErr(lookupUintEnv(NumTeamsEnv, &c.NumTeams))
	setErr(lookupUintEnv(TeamsThreadLimitEnv, &c.TeamsThreadLimit))
	setErr(lookupUintEnv(MemoryManagerThresholdEnv, &c.MemoryManagerThreshold))
	setErr(lookupUintEnv(InfoLevelEnv, &c.InfoLevel))
	setErr(lookupIntEnv(NumHostDevicesEnv, &c.NumHostDevices))
	setErr(lookupIntEnv(HostDeviceMemoryEnv, &c.HostDeviceMemory))
	return err
}

// lookupBoolEnv accepts the strconv.ParseBool values and integers, where any non-zero value is true.
func lookupBoolEnv(name string, value *bool) error {
	str, found := os.LookupEnv(name)
	str = strings.TrimSpace(str)
	if !found || str == "" {
		return nil
	}
	if b, err := strconv.ParseBool(str); err == nil {
		*value = b
		return nil
	}
	i, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return errors.Errorf("invalid boolean value %q for environment variable %s", str, name)
	}
	*value = i != 0
	return nil
}

func lookupUintEnv[T uint32 | uint64](name string, value *T) error {
	str, found := os.LookupEnv(name)
	str = strings.TrimSpace(str)
	if !found || str == "" {
		return nil
	}
	u, err := strconv.ParseUint(str, 0, 64)
	if err != nil {
		return errors.Wrapf(err, "invalid value %q for environment variable %s", str, name)
	}
	if uint64(T(u)) != u {
		return errors.Errorf("value %q for environment variable %s is out of range", str, name)
	}
	*value = T(u)
	return nil
}

func lookupOptionalUintEnv(name string, value **uint64) error {
	var u uint64
	if str, found := os.LookupEnv(name); !found || strings.TrimSpace(str) == "" {
		return nil
	}
	if err := lookupUintEnv(name, &u); err != nil {
		return err
	}
	*value = &u
	return nil
}

func lookupIntEnv[T int | int64](name string, value *T) error {
	str, found := os.LookupEnv(name)
	str = strings.TrimSpace(str)
	if !found || str == "" {
		return nil
	}
	i, err := strconv.ParseInt(str, 0, 64)
	if err != nil {
		return errors.Wrapf(err, "invalid value %q for environment variable %s", str, name)
	}
	*value = T(i)
	return nil
}
