package omptarget

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// recordReplayAlignment of the allocations served by the record/replay arena.
	recordReplayAlignment = 16

	// recordReplayStep is how much the arena preallocation request shrinks on each failure.
	recordReplayStep int64 = 1 << 30
)

// fatalf aborts the program when a record/replay artifact cannot be written: a partial recording is useless.
var fatalf = klog.Fatalf

// KernelRecord is the launch description of a recorded kernel invocation, stored in "<kernel>.json".
type KernelRecord struct {
	Name              string   `json:"Name"`
	NumArgs           int      `json:"NumArgs"`
	NumTeamsClause    uint64   `json:"NumTeamsClause"`
	ThreadLimitClause uint32   `json:"ThreadLimitClause"`
	LoopTripCount     uint64   `json:"LoopTripCount"`
	DeviceMemorySize  int64    `json:"DeviceMemorySize"`
	DeviceID          int32    `json:"DeviceId"`
	ArgPtrs           []uint64 `json:"ArgPtrs"`
	ArgOffsets        []int64  `json:"ArgOffsets"`
}

// Args returns the recorded kernel arguments.
func (r *KernelRecord) Args() []KernelArg {
	args := make([]KernelArg, len(r.ArgPtrs))
	for ii, ptr := range r.ArgPtrs {
		args[ii].Base = DevicePtr(ptr)
		if ii < len(r.ArgOffsets) {
			args[ii].Offset = r.ArgOffsets[ii]
		}
	}
	return args
}

// KernelArgs returns the recorded launch clauses.
func (r *KernelRecord) KernelArgs() KernelArgs {
	return KernelArgs{
		NumTeams:    [3]uint32{uint32(r.NumTeamsClause)},
		ThreadLimit: [3]uint32{r.ThreadLimitClause},
		TripCount:   r.LoopTripCount,
	}
}

// Names of the record/replay artifacts of a kernel or image, relative to the record/replay directory.
func kernelRecordFile(name string) string { return name + ".json" }
func kernelMemoryFile(name string) string { return name + ".memory" }
func imageFile(name string) string { return name + ".image" }
func kernelOutputFile(name string, replaying bool) string {
	if replaying {
		return name + ".replay.output"
	}
	return name + ".original.output"
}

// OriginalOutputPath and ReplayOutputPath return the paths of the device memory dumped after a
// recorded kernel invocation and after its replay.
func OriginalOutputPath(dir, name string) string { return filepath.Join(dir, kernelOutputFile(name, false)) }
func ReplayOutputPath(dir, name string) string { return filepath.Join(dir, kernelOutputFile(name, true)) }

// ReadKernelRecord reads the launch description and the device memory recorded for the kernel.
func ReadKernelRecord(dir, name string) (*KernelRecord, []byte, error) {
	recordPath := filepath.Join(dir, kernelRecordFile(name))
	data, err := os.ReadFile(recordPath)
	if err != nil {
		return nil, nil, errors.Wrapf(ErrSnapshotIO, "reading %q: %v", recordPath, err)
	}
	record := &KernelRecord{}
	if err = json.Unmarshal(data, record); err != nil {
		return nil, nil, errors.Wrapf(ErrSnapshotIO, "parsing %q: %v", recordPath, err)
	}
	memoryPath := filepath.Join(dir, kernelMemoryFile(name))
	memory, err := os.ReadFile(memoryPath)
	if err != nil {
		return nil, nil, errors.Wrapf(ErrSnapshotIO, "reading %q: %v", memoryPath, err)
	}
	if int64(len(memory)) != record.DeviceMemorySize {
		return nil, nil, errors.Wrapf(ErrSnapshotIO, "%q has %d bytes, but %q records %d bytes of device memory",
			memoryPath, len(memory), recordPath, record.DeviceMemorySize)
	}
	return record, memory, nil
}

// RecordReplay is the arena of a device that serves all allocations while recording or replaying, so a
// replay sees the same device pointers as the recording, and the artifacts writer.
type RecordReplay struct {
	device     *Device
	recording  bool
	replaying  bool
	saveOutput bool
	maxBytes   int64
	dir        string

	mu       sync.Mutex
	start    DevicePtr
	capacity int64
	used     int64
}

func newRecordReplay(device *Device, config *Config) *RecordReplay {
	return &RecordReplay{
		device:     device,
		recording:  config.Record,
		replaying:  config.Replay,
		saveOutput: config.SaveOutput,
		maxBytes:   int64(config.RecordReplayMemoryGiB) << 30,
		dir:        config.RecordReplayDir,
	}
}

// IsRecording returns whether kernel invocations are recorded.
func (r *RecordReplay) IsRecording() bool { return r.recording }

// IsReplaying returns whether the device is replaying a recording.
func (r *RecordReplay) IsReplaying() bool { return r.replaying }

// IsRecordingOrReplaying returns whether allocations are served by the arena.
func (r *RecordReplay) IsRecordingOrReplaying() bool { return r.recording || r.replaying }

// IsSaveOutputEnabled returns whether the device memory is dumped after kernel invocations.
func (r *RecordReplay) IsSaveOutputEnabled() bool { return r.saveOutput }

// Dir is the directory of the artifacts.
func (r *RecordReplay) Dir() string { return r.dir }

// Start returns the first address of the arena.
func (r *RecordReplay) Start() DevicePtr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.start
}

// Used returns the number of bytes handed out by the arena.
func (r *RecordReplay) Used() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.used
}

// Capacity returns the size of the arena.
func (r *RecordReplay) Capacity() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.capacity
}

func (r *RecordReplay) init() error {
	return r.preallocate(r.maxBytes)
}

// preallocate reserves the arena: it tries maxBytes first, and shrinks the request by 1 GiB on each failure.
func (r *RecordReplay) preallocate(maxBytes int64) error {
	for try := maxBytes; try > 0; try -= recordReplayStep {
		ptr, err := r.device.backend.Allocate(try, AllocDefault)
		if err != nil {
			klog.V(2).Infof("Device %d failed to preallocate %d bytes for record/replay: %v", r.device.id, try, err)
			continue
		}
		r.mu.Lock()
		r.start, r.capacity, r.used = ptr, try, 0
		r.mu.Unlock()
		klog.V(1).Infof("Device %d preallocated %d bytes at %s for record/replay", r.device.id, try, ptr)
		return nil
	}
	return errors.Wrapf(ErrAllocationFailure, "cannot preallocate up to %d bytes for record/replay on device %d", maxBytes, r.device.id)
}

// alloc hands out the next size bytes of the arena, aligned to recordReplayAlignment.
// Running out of arena memory is unrecoverable: it panics.
func (r *RecordReplay) alloc(size int64) DevicePtr {
	reserved := alignUp(max(size, 0), recordReplayAlignment)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.capacity == 0 {
		panicf("record/replay memory of device %d not preallocated", r.device.id)
	}
	if r.used+reserved > r.capacity {
		panicf("record/replay arena of device %d out of memory allocating %d bytes: %d of %d bytes used",
			r.device.id, size, r.used, r.capacity)
	}
	ptr := r.start + DevicePtr(r.used)
	r.used += reserved
	recordReplayUsedBytes.WithLabelValues(deviceLabel(r.device.id)).Set(float64(r.used))
	return ptr
}

// deinit releases the arena.
func (r *RecordReplay) deinit() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.capacity == 0 {
		return nil
	}
	err := r.device.backend.Free(r.start, AllocDefault)
	r.start, r.capacity, r.used = 0, 0, 0
	recordReplayUsedBytes.WithLabelValues(deviceLabel(r.device.id)).Set(0)
	if err != nil {
		return errors.WithMessagef(err, "freeing record/replay memory of device %d", r.device.id)
	}
	return nil
}

// dumpDeviceMemory writes the used part of the arena to path, once the work already submitted to the
// queue of w is done. The queue stays assigned to w.
func (r *RecordReplay) dumpDeviceMemory(path string, w *asyncInfoWrapper) {
	d := r.device
	if queue := w.asyncInfo.Queue; queue != nil {
		if err := d.waitQueue(queue); err != nil {
			fatalf("Error waiting for device %d to dump memory into %s: %+v", d.id, path, err)
			return
		}
	}
	buf := make([]byte, r.Used())
	if err := d.DataRetrieve(buf, r.Start(), nil); err != nil {
		fatalf("Error retrieving device %d memory to dump into %s: %+v", d.id, path, err)
		return
	}
	r.writeFile(path, buf)
}

func (r *RecordReplay) writeFile(path string, data []byte) {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		fatalf("Error saving %s: %v", path, err)
	}
}

// saveImage dumps the raw content of a loaded image.
func (r *RecordReplay) saveImage(image *Image) {
	r.writeFile(filepath.Join(r.dir, imageFile(image.Name)), image.Data)
}

// saveKernelInputInfo dumps the device memory and the launch description before a kernel invocation.
func (r *RecordReplay) saveKernelInputInfo(name string, args []KernelArg, kernelArgs KernelArgs, w *asyncInfoWrapper) {
	record := &KernelRecord{
		Name:              name,
		NumArgs:           len(args),
		NumTeamsClause:    uint64(kernelArgs.NumTeams[0]),
		ThreadLimitClause: kernelArgs.ThreadLimit[0],
		LoopTripCount:     kernelArgs.TripCount,
		DeviceMemorySize:  r.Used(),
		DeviceID:          r.device.id,
		ArgPtrs:           make([]uint64, len(args)),
		ArgOffsets:        make([]int64, len(args)),
	}
	for ii, arg := range args {
		record.ArgPtrs[ii] = uint64(arg.Base)
		record.ArgOffsets[ii] = arg.Offset
	}
	r.dumpDeviceMemory(filepath.Join(r.dir, kernelMemoryFile(name)), w)
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		fatalf("Error encoding the record of kernel %s: %v", name, err)
		return
	}
	r.writeFile(filepath.Join(r.dir, kernelRecordFile(name)), data)
}

// saveKernelOutputInfo dumps the device memory after a kernel invocation.
func (r *RecordReplay) saveKernelOutputInfo(name string, w *asyncInfoWrapper) {
	r.dumpDeviceMemory(filepath.Join(r.dir, kernelOutputFile(name, r.replaying)), w)
}

// String implements fmt.Stringer.
func (r *RecordReplay) String() string {
	mode := "disabled"
	switch {
	case r.recording && r.replaying:
		mode = "recording+replaying"
	case r.recording:
		mode = "recording"
	case r.replaying:
		mode = "replaying"
	}
	return fmt.Sprintf("record/replay of device %d (%s, %d of %d bytes used)", r.device.id, mode, r.Used(), r.Capacity())
}
