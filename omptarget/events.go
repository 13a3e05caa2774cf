package omptarget

import (
	"runtime"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Event marks a point in the work submitted to a queue, so other queues or the host can wait for it.
//
// Create it with Device.CreateEvent, and release it with Destroy.
type Event struct {
	device *Device
	handle any
}

// newEvent creates Event and registers it for destruction.
func newEvent(device *Device, handle any) *Event {
	e := &Event{
		device: device,
		handle: handle,
	}
	runtime.SetFinalizer(e, func(e *Event) {
		err := e.Destroy()
		if err != nil {
			klog.Errorf("Event.Destroy failed: %v", err)
		}
	})
	return e
}

// CreateEvent takes a new event from the event pool of the device.
func (d *Device) CreateEvent() (*Event, error) {
	handle, err := d.backend.CreateEvent()
	if err != nil {
		return nil, errors.WithMessagef(err, "creating event on %s", d)
	}
	return newEvent(d, handle), nil
}

func (e *Event) check() error {
	if e == nil || e.device == nil || e.handle == nil {
		return errors.Wrap(ErrInvalidEvent, "Event is nil or it has been destroyed already")
	}
	return nil
}

// Record makes the event complete when the work currently in asyncInfo is done.
// If asyncInfo is nil, it waits for the event to be recorded.
func (e *Event) Record(asyncInfo *AsyncInfo) (err error) {
	if err = e.check(); err != nil {
		return err
	}
	w := newAsyncInfoWrapper(&err, e.device, asyncInfo)
	defer w.finalize()
	queue, err := w.queue()
	if err != nil {
		return err
	}
	if err = e.device.backend.RecordEvent(e.handle, queue); err != nil {
		return errors.WithMessagef(err, "recording event on %s", e.device)
	}
	return nil
}

// Wait makes the work submitted to asyncInfo afterward wait for the event to complete.
// If asyncInfo is nil, it blocks until the event completes.
func (e *Event) Wait(asyncInfo *AsyncInfo) (err error) {
	if err = e.check(); err != nil {
		return err
	}
	w := newAsyncInfoWrapper(&err, e.device, asyncInfo)
	defer w.finalize()
	queue, err := w.queue()
	if err != nil {
		return err
	}
	if err = e.device.backend.WaitEvent(e.handle, queue); err != nil {
		return errors.WithMessagef(err, "waiting for event on %s", e.device)
	}
	return nil
}

// Sync blocks the calling goroutine until the event completes.
func (e *Event) Sync() error {
	if err := e.check(); err != nil {
		return err
	}
	if err := e.device.backend.SyncEvent(e.handle); err != nil {
		return errors.WithMessagef(err, "synchronizing event on %s", e.device)
	}
	return nil
}

// Destroy the Event, returning it to the pool of its device. The Event is no longer valid.
// This is automatically called if Event is garbage collected.
func (e *Event) Destroy() error {
	if e == nil || e.device == nil || e.handle == nil {
		// Already destroyed, no-op.
		return nil
	}
	err := e.device.backend.DestroyEvent(e.handle)
	e.device = nil
	e.handle = nil
	return err
}
