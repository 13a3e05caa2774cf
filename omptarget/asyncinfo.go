package omptarget

import (
	"fmt"

	"k8s.io/klog/v2"
)

// Queue is an opaque handle to a backend stream: operations submitted to the same Queue execute in order.
type Queue interface {
	fmt.Stringer
}

// AsyncInfo holds the queue of a sequence of asynchronous operations.
//
// A zero AsyncInfo has no queue: one is taken from the device's pool by the first operation that
// needs it, and it is released back when the AsyncInfo is synchronized (or queried as done).
type AsyncInfo struct {
	Queue Queue
}

// String implements fmt.Stringer.
func (info *AsyncInfo) String() string {
	if info == nil {
		return "AsyncInfo(nil)"
	}
	if info.Queue == nil {
		return "AsyncInfo(no queue)"
	}
	return fmt.Sprintf("AsyncInfo(%s)", info.Queue)
}

// asyncInfoWrapper gives an operation an AsyncInfo to submit work to.
//
// If the caller didn't provide one, a local AsyncInfo is used and the operation becomes synchronous:
// finalize blocks until the queued work is done, unless the operation already failed.
//
// Usage, in a method with a named error result:
//
//	w := newAsyncInfoWrapper(&err, d, asyncInfo)
//	defer w.finalize()
type asyncInfoWrapper struct {
	err       *error
	device    *Device
	asyncInfo *AsyncInfo
	local     AsyncInfo
}

func newAsyncInfoWrapper(err *error, device *Device, asyncInfo *AsyncInfo) *asyncInfoWrapper {
	w := &asyncInfoWrapper{
		err:       err,
		device:    device,
		asyncInfo: asyncInfo,
	}
	if asyncInfo == nil {
		w.asyncInfo = &w.local
	}
	return w
}

// isLocal returns whether the caller didn't provide an AsyncInfo.
func (w *asyncInfoWrapper) isLocal() bool {
	return w.asyncInfo == &w.local
}

// queue returns the queue of the AsyncInfo, taking one from the backend if it doesn't have one yet.
func (w *asyncInfoWrapper) queue() (Queue, error) {
	if w.asyncInfo.Queue == nil {
		q, err := w.device.backend.GetQueue()
		if err != nil {
			return nil, err
		}
		w.asyncInfo.Queue = q
	}
	return w.asyncInfo.Queue, nil
}

// finalize synchronizes the local AsyncInfo, if it was used and there was no error so far.
// Synchronization errors are stored in the error slot.
func (w *asyncInfoWrapper) finalize() {
	if !w.isLocal() || w.local.Queue == nil {
		return
	}
	if *w.err == nil {
		*w.err = w.device.Synchronize(&w.local)
		return
	}
	// The operation failed: the queue is given back, and the errors of its pending work are dropped.
	klog.V(2).Infof("Releasing %s of device %d without synchronization after error: %v", w.local.Queue, w.device.id, *w.err)
	w.device.backend.ReleaseQueue(w.local.Queue)
	w.local.Queue = nil
}
