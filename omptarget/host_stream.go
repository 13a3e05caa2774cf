package omptarget

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// hostStream executes the operations submitted to it in order, in its own goroutine.
type hostStream struct {
	deviceID int32
	id       int
	ops      chan func() error

	mu      sync.Mutex
	idle    *sync.Cond
	pending int

	// err is the first error since the last synchronization.
	err error
}

const hostStreamBacklog = 64

func newHostStream(deviceID int32, id int) *hostStream {
	s := &hostStream{
		deviceID: deviceID,
		id:       id,
		ops:      make(chan func() error, hostStreamBacklog),
	}
	s.idle = sync.NewCond(&s.mu)
	go s.run()
	return s
}

// String implements fmt.Stringer and Queue.
func (s *hostStream) String() string {
	return fmt.Sprintf("host-stream-%d/%d", s.deviceID, s.id)
}

func (s *hostStream) run() {
	for op := range s.ops {
		err := op()
		s.mu.Lock()
		if err != nil && s.err == nil {
			s.err = err
		}
		s.pending--
		if s.pending == 0 {
			s.idle.Broadcast()
		}
		s.mu.Unlock()
	}
}

// enqueue submits op for execution after all previously submitted operations.
func (s *hostStream) enqueue(op func() error) {
	s.mu.Lock()
	s.pending++
	s.mu.Unlock()
	s.ops <- op
}

// wait blocks until all submitted operations are executed, and returns the first error among them.
func (s *hostStream) wait() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.pending > 0 {
		s.idle.Wait()
	}
	err := s.err
	s.err = nil
	return err
}

// done returns whether all submitted operations were executed, and if so the first error among them.
func (s *hostStream) done() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending > 0 {
		return false, nil
	}
	err := s.err
	s.err = nil
	return true, err
}

func (s *hostStream) close() {
	close(s.ops)
}

// hostEvent completes when the operations enqueued before its last recording are executed.
// An event never recorded is complete.
type hostEvent struct {
	id int

	mu   sync.Mutex
	done chan struct{}
}

func newHostEvent(id int) *hostEvent {
	e := &hostEvent{id: id, done: make(chan struct{})}
	close(e.done)
	return e
}

func (e *hostEvent) record(s *hostStream) {
	done := make(chan struct{})
	e.mu.Lock()
	e.done = done
	e.mu.Unlock()
	s.enqueue(func() error {
		close(done)
		return nil
	})
}

func (e *hostEvent) current() chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

func (e *hostEvent) wait(s *hostStream) {
	done := e.current()
	s.enqueue(func() error {
		<-done
		return nil
	})
}

func (e *hostEvent) sync() {
	<-e.current()
}

// resourcePool keeps the streams or events of a device for reuse.
type resourcePool[T any] struct {
	name   string
	create func(id int) T

	mu     sync.Mutex
	closed bool
	free   []T
	all    []T
}

func newResourcePool[T any](name string, create func(id int) T) *resourcePool[T] {
	return &resourcePool[T]{name: name, create: create}
}

// init creates the initial resources of the pool.
func (p *resourcePool[T]) init(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = false
	for range n {
		r := p.create(len(p.all))
		p.all = append(p.all, r)
		p.free = append(p.free, r)
	}
}

// get returns a free resource, creating a new one if none is available.
func (p *resourcePool[T]) get() (T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		var zero T
		return zero, errors.Errorf("%s pool is closed", p.name)
	}
	if n := len(p.free); n > 0 {
		r := p.free[n-1]
		p.free = p.free[:n-1]
		return r, nil
	}
	r := p.create(len(p.all))
	p.all = append(p.all, r)
	return r, nil
}

// put returns a resource to the pool. It is ignored if the pool is closed.
func (p *resourcePool[T]) put(r T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.free = append(p.free, r)
}

// deinit closes the pool and returns all resources created, so they can be released.
func (p *resourcePool[T]) deinit() []T {
	p.mu.Lock()
	defer p.mu.Unlock()
	all := p.all
	p.closed = true
	p.all = nil
	p.free = nil
	return all
}

// size returns the number of resources created and the number of free ones.
func (p *resourcePool[T]) size() (created, free int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.all), len(p.free)
}
