package omptarget

import (
	"fmt"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ExecMode is the execution mode of a kernel, as compiled in the image.
type ExecMode int8

const (
	// ExecModeGeneric kernels run the sequential part of a team in one thread, and need an extra warp
	// for the main thread.
	ExecModeGeneric ExecMode = 1

	// ExecModeSPMD kernels run all threads from the start: one loop iteration per thread.
	ExecModeSPMD ExecMode = 2

	// ExecModeGenericSPMD are Generic kernels that were transformed to run as SPMD.
	ExecModeGenericSPMD ExecMode = 3
)

// IsValid returns whether m is one of the known execution modes.
func (m ExecMode) IsValid() bool {
	return m >= ExecModeGeneric && m <= ExecModeGenericSPMD
}

// String implements fmt.Stringer.
func (m ExecMode) String() string {
	switch m {
	case ExecModeGeneric:
		return "Generic"
	case ExecModeSPMD:
		return "SPMD"
	case ExecModeGenericSPMD:
		return "Generic-SPMD"
	default:
		return fmt.Sprintf("ExecMode(%d)", int8(m))
	}
}

// GridValues holds the launch limits and defaults of a device.
type GridValues struct {
	// WarpSize is the number of threads executed in lockstep.
	WarpSize uint32

	// MaxTeams is the block limit: the maximum number of teams (blocks) of a launch.
	MaxTeams uint32

	// MaxThreads is the maximum number of threads per team.
	MaxThreads uint32

	// DefaultNumTeams is the preferred upper bound of teams, when not given by a clause.
	DefaultNumTeams uint32

	// DefaultNumThreads is the preferred number of threads per team, when not given by a clause.
	DefaultNumThreads uint32
}

// Kernel describes a kernel of a loaded image. It is immutable after the image is loaded.
type Kernel struct {
	// Name of the kernel symbol in the image.
	Name string

	// Mode is the execution mode compiled for the kernel.
	Mode ExecMode

	// PreferredNumThreads is used when the launch has no thread limit clause.
	PreferredNumThreads uint32

	// MaxNumThreads is the maximum number of threads per team.
	MaxNumThreads uint32

	// handle is the backend representation of the kernel.
	handle any
}

// newKernel creates a Kernel and initializes its thread counts from the device grid values.
func newKernel(name string, mode ExecMode, grid GridValues, handle any) *Kernel {
	return &Kernel{
		Name:                name,
		Mode:                mode,
		PreferredNumThreads: grid.DefaultNumThreads,
		MaxNumThreads:       grid.MaxThreads,
		handle:              handle,
	}
}

// String implements fmt.Stringer.
func (k *Kernel) String() string {
	return fmt.Sprintf("kernel %q (%s)", k.Name, k.Mode)
}

// NumThreads returns the number of threads per team to launch the kernel with.
//
// A positive thread limit clause is honored (plus one warp for the main thread of Generic kernels),
// otherwise PreferredNumThreads is used. The result never exceeds MaxNumThreads.
//
// Only one-dimensional launches are supported: it panics if threadLimitClause[1] or threadLimitClause[2] are not 0.
func (k *Kernel) NumThreads(grid GridValues, threadLimitClause [3]uint32) uint32 {
	if threadLimitClause[1] != 0 || threadLimitClause[2] != 0 {
		panicf("multi-dimensional launch not supported: thread limit clause %v for %s", threadLimitClause, k)
	}
	numThreads := uint64(k.PreferredNumThreads)
	if threadLimitClause[0] > 0 {
		numThreads = uint64(threadLimitClause[0])
		if k.Mode == ExecModeGeneric {
			numThreads += uint64(grid.WarpSize)
		}
	}
	return uint32(min(uint64(k.MaxNumThreads), numThreads))
}

// NumBlocks returns the number of teams (blocks) to launch the kernel with.
//
// A positive num teams clause is honored up to the block limit. Otherwise, the number of blocks is
// derived from the loop trip count: SPMD kernels use one thread per iteration and Generic kernels one
// team per iteration. The result is limited by the device default number of teams and the block limit.
//
// Only one-dimensional launches are supported: it panics if numTeamsClause[1] or numTeamsClause[2] are not 0.
func (k *Kernel) NumBlocks(grid GridValues, numTeamsClause [3]uint32, tripCount uint64, numThreads uint32) uint64 {
	if numTeamsClause[1] != 0 || numTeamsClause[2] != 0 {
		panicf("multi-dimensional launch not supported: num teams clause %v for %s", numTeamsClause, k)
	}
	if numTeamsClause[0] > 0 {
		return uint64(min(numTeamsClause[0], grid.MaxTeams))
	}

	tripCountNumBlocks := uint64(grid.DefaultNumTeams)
	if tripCount > 0 {
		if k.Mode == ExecModeSPMD {
			tripCountNumBlocks = (tripCount-1)/uint64(max(numThreads, 1)) + 1
		} else {
			tripCountNumBlocks = tripCount
		}
	}
	preferredNumBlocks := min(tripCountNumBlocks, uint64(grid.DefaultNumTeams))
	return min(preferredNumBlocks, uint64(grid.MaxTeams))
}

// KernelArgs holds the launch clauses of a kernel invocation.
type KernelArgs struct {
	// NumTeams clause, 0 if not given. Only the first dimension is supported.
	NumTeams [3]uint32

	// ThreadLimit clause, 0 if not given. Only the first dimension is supported.
	ThreadLimit [3]uint32

	// TripCount of the loop distributed by the kernel, 0 if unknown.
	TripCount uint64
}

// KernelArg is a kernel argument given as a base pointer plus a signed offset.
// Scalars passed by value use Base for the value and Offset 0.
type KernelArg struct {
	Base   DevicePtr
	Offset int64
}

// Arg returns a KernelArg with no offset.
func Arg(ptr DevicePtr) KernelArg {
	return KernelArg{Base: ptr}
}

// Resolve returns Base+Offset. It fails if the result would wrap around the address space.
func (a KernelArg) Resolve() (DevicePtr, error) {
	base := uint64(a.Base)
	if a.Offset >= 0 {
		result := base + uint64(a.Offset)
		if result < base {
			return 0, errors.Wrapf(ErrLaunchFailure, "argument %s+%d overflows", a.Base, a.Offset)
		}
		return DevicePtr(result), nil
	}
	delta := uint64(-a.Offset)
	if delta > base {
		return 0, errors.Wrapf(ErrLaunchFailure, "argument %s%d underflows", a.Base, a.Offset)
	}
	return DevicePtr(base - delta), nil
}

// resolveArgs resolves all the arguments of a kernel launch.
func (k *Kernel) resolveArgs(args []KernelArg) ([]DevicePtr, error) {
	ptrs := make([]DevicePtr, len(args))
	for ii, arg := range args {
		ptr, err := arg.Resolve()
		if err != nil {
			return nil, errors.WithMessagef(err, "resolving argument #%d of %s", ii, k)
		}
		ptrs[ii] = ptr
	}
	return ptrs, nil
}

// launch computes the launch geometry and submits the kernel to the backend, on the wrapper's queue.
func (k *Kernel) launch(d *Device, ptrs []DevicePtr, kernelArgs KernelArgs, w *asyncInfoWrapper) error {
	numThreads := k.NumThreads(d.grid, kernelArgs.ThreadLimit)
	numBlocks := k.NumBlocks(d.grid, kernelArgs.NumTeams, kernelArgs.TripCount, numThreads)
	klog.V(1).Infof("Launching kernel %s with %d blocks and %d threads in %s mode on device %d",
		k.Name, numBlocks, numThreads, k.Mode, d.id)

	queue, err := w.queue()
	if err != nil {
		return err
	}
	if err = d.backend.LaunchKernel(k, numThreads, numBlocks, ptrs, queue); err != nil {
		return errors.Wrapf(ErrLaunchFailure, "%s on device %d: %v", k, d.id, err)
	}
	kernelLaunches.WithLabelValues(deviceLabel(d.id), k.Mode.String()).Inc()
	return nil
}
