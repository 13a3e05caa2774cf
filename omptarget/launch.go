package omptarget

import (
	"github.com/pkg/errors"
)

// LaunchKernel launches the kernel with the given arguments and clauses.
//
// While recording, the device memory and the launch description are saved before the launch. While
// recording or replaying with the output saving enabled, the device memory is saved after it.
//
// If asyncInfo is nil the kernel is done when it returns, otherwise the launch is only enqueued.
func (d *Device) LaunchKernel(kernel *Kernel, args []KernelArg, kernelArgs KernelArgs, asyncInfo *AsyncInfo) (err error) {
	if kernel == nil {
		return errors.Wrapf(ErrLaunchFailure, "nil kernel on %s", d)
	}
	ptrs, err := kernel.resolveArgs(args)
	if err != nil {
		return err
	}

	w := newAsyncInfoWrapper(&err, d, asyncInfo)
	defer w.finalize()
	if d.recordReplay.IsRecording() {
		d.recordReplay.saveKernelInputInfo(kernel.Name, args, kernelArgs, w)
	}
	if err = kernel.launch(d, ptrs, kernelArgs, w); err != nil {
		return err
	}
	if d.recordReplay.IsRecordingOrReplaying() && d.recordReplay.IsSaveOutputEnabled() {
		d.recordReplay.saveKernelOutputInfo(kernel.Name, w)
	}
	return nil
}

// Launch a kernel on the device. It returns a LaunchConfig for further configuration.
// Call LaunchConfig.Done and the kernel is launched.
//
// Example:
//
//	err := device.Launch(kernel, omptarget.Arg(x), omptarget.Arg(y)).WithTripCount(n).Done()
func (d *Device) Launch(kernel *Kernel, args ...KernelArg) *LaunchConfig {
	c := &LaunchConfig{
		device: d,
		kernel: kernel,
		args:   args,
	}
	if kernel == nil {
		c.err = errors.Wrapf(ErrLaunchFailure, "Device.Launch() given a nil kernel on %s", d)
	}
	return c
}

// LaunchConfig holds the configuration of a kernel launch. It is created with Device.Launch.
//
// After configuring it, call Done to actually launch the kernel.
type LaunchConfig struct {
	device     *Device
	kernel     *Kernel
	args       []KernelArg
	kernelArgs KernelArgs
	asyncInfo  *AsyncInfo

	// err saves an error during the configuration.
	err error
}

// WithNumTeams sets the num teams clause. The default 0 lets the number of teams be derived from the trip count.
func (c *LaunchConfig) WithNumTeams(numTeams uint32) *LaunchConfig {
	c.kernelArgs.NumTeams = [3]uint32{numTeams}
	return c
}

// WithThreadLimit sets the thread limit clause. The default 0 uses the preferred number of threads of the kernel.
func (c *LaunchConfig) WithThreadLimit(threadLimit uint32) *LaunchConfig {
	c.kernelArgs.ThreadLimit = [3]uint32{threadLimit}
	return c
}

// WithTripCount sets the trip count of the loop distributed by the kernel.
func (c *LaunchConfig) WithTripCount(tripCount uint64) *LaunchConfig {
	c.kernelArgs.TripCount = tripCount
	return c
}

// WithKernelArgs sets all the launch clauses at once.
func (c *LaunchConfig) WithKernelArgs(kernelArgs KernelArgs) *LaunchConfig {
	if c.err != nil {
		return c
	}
	if kernelArgs.NumTeams[1] != 0 || kernelArgs.NumTeams[2] != 0 ||
		kernelArgs.ThreadLimit[1] != 0 || kernelArgs.ThreadLimit[2] != 0 {
		c.err = errors.Wrapf(ErrLaunchFailure, "Device.Launch().WithKernelArgs() given multi-dimensional clauses %+v", kernelArgs)
		return c
	}
	c.kernelArgs = kernelArgs
	return c
}

// Async makes the launch asynchronous: it is enqueued in asyncInfo, and it is done only after
// asyncInfo is synchronized.
func (c *LaunchConfig) Async(asyncInfo *AsyncInfo) *LaunchConfig {
	c.asyncInfo = asyncInfo
	return c
}

// Done launches the kernel.
func (c *LaunchConfig) Done() error {
	if c.err != nil {
		return c.err
	}
	return c.device.LaunchKernel(c.kernel, c.args, c.kernelArgs, c.asyncInfo)
}

// ReplayKernel re-executes a recorded kernel invocation, read with ReadKernelRecord, on a device
// replaying with the same configuration used by the recording.
//
// The recorded device memory is restored at the start of the record/replay arena, so the recorded
// argument pointers are valid, and the kernel is launched with the recorded clauses.
func (d *Device) ReplayKernel(kernel *Kernel, record *KernelRecord, memory []byte, asyncInfo *AsyncInfo) (err error) {
	if !d.recordReplay.IsReplaying() {
		return errors.Errorf("replaying requires %s to be configured to replay", d)
	}
	if kernel == nil || record == nil {
		return errors.Wrapf(ErrLaunchFailure, "replaying on %s requires a kernel and its record", d)
	}
	if kernel.Name != record.Name {
		return errors.Wrapf(ErrLaunchFailure, "cannot replay the record of kernel %q with %s", record.Name, kernel)
	}
	if int64(len(memory)) != record.DeviceMemorySize {
		return errors.Wrapf(ErrSnapshotIO, "record of kernel %q has %d bytes of device memory, but %d were given",
			record.Name, record.DeviceMemorySize, len(memory))
	}
	if used := d.recordReplay.Used(); used != 0 {
		return errors.Errorf("replaying kernel %q requires an unused record/replay arena, but %d bytes are in use on %s",
			record.Name, used, d)
	}
	start := d.recordReplay.alloc(record.DeviceMemorySize)
	if err = d.DataSubmit(start, memory, asyncInfo); err != nil {
		return errors.WithMessagef(err, "restoring device memory of kernel %q", record.Name)
	}
	return d.LaunchKernel(kernel, record.Args(), record.KernelArgs(), asyncInfo)
}
