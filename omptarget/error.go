package omptarget

import (
	"github.com/pkg/errors"
)

// Errors returned by the package. They are wrapped with context (device id, pointers, sizes), so
// use errors.Is to test for them.
var (
	// ErrAllocationFailure is returned when the backend (or the record/replay arena preallocation)
	// cannot provide the requested memory.
	ErrAllocationFailure = errors.New("allocation failure")

	// ErrRegistrationConflict is returned when a host buffer intersects an already registered pinned
	// buffer without being fully contained in it.
	ErrRegistrationConflict = errors.New("pinned registration conflict")

	// ErrReferenceStillHeld is returned when unregistering a pinned buffer that is still locked by others.
	ErrReferenceStillHeld = errors.New("pinned buffer reference still held")

	// ErrBufferNotFound is returned when a host pointer is not part of any registered pinned buffer.
	ErrBufferNotFound = errors.New("pinned buffer not found")

	// ErrInvalidAsyncHandle is returned when synchronizing or querying a nil AsyncInfo or one without a queue.
	ErrInvalidAsyncHandle = errors.New("invalid async handle")

	// ErrInvalidExecutionMode is returned when the execution mode of a kernel in an image is not recognized.
	ErrInvalidExecutionMode = errors.New("invalid execution mode")

	// ErrLaunchFailure is returned when a kernel cannot be launched, or its arguments are invalid.
	ErrLaunchFailure = errors.New("kernel launch failure")

	// ErrSnapshotIO is used for failures reading record/replay artifacts.
	// Failures writing them during a recording are fatal.
	ErrSnapshotIO = errors.New("record/replay snapshot I/O failure")

	// ErrInvalidDevice is returned for device ids out of range or devices not initialized.
	ErrInvalidDevice = errors.New("invalid device")

	// ErrInvalidEvent is returned when using an event that was already destroyed.
	ErrInvalidEvent = errors.New("invalid event")
)
