package omptarget

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Plugin manages the devices of one backend kind.
//
// Create it with New, bring it up with Init and then initialize the devices to use with InitDevice
// (or InitDevices). Devices are independent: the plugin lock only protects its device table, so
// operations on different devices never contend.
type Plugin struct {
	kind   BackendKind
	config *Config

	// mu protects the fields below.
	mu            sync.Mutex
	initialized   bool
	numDevices    int32
	devices       []*Device
	requiresFlags int64
}

// New creates a Plugin for the backend kind. If config is nil, it is read with ConfigFromEnv.
func New(kind BackendKind, config *Config) (*Plugin, error) {
	if config == nil {
		var err error
		config, err = ConfigFromEnv()
		if err != nil {
			return nil, errors.WithMessagef(err, "configuring %s plugin", kind)
		}
	}
	if _, err := backendNumDevices(kind, config); err != nil {
		return nil, err
	}
	return &Plugin{kind: kind, config: config}, nil
}

// Kind returns the backend kind of the plugin.
func (p *Plugin) Kind() BackendKind { return p.kind }

// Config returns the configuration of the plugin. It must not be changed.
func (p *Plugin) Config() *Config { return p.config }

// String implements fmt.Stringer.
func (p *Plugin) String() string {
	return fmt.Sprintf("omptarget %s plugin", p.kind)
}

// Init discovers the number of devices. Devices are only initialized by InitDevice.
func (p *Plugin) Init() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return errors.Errorf("%s already initialized", p)
	}
	numDevices, err := backendNumDevices(p.kind, p.config)
	if err != nil {
		return errors.WithMessagef(err, "initializing %s", p)
	}
	p.numDevices = numDevices
	p.devices = make([]*Device, numDevices)
	p.initialized = true
	klog.V(1).Infof("Initialized %s with %d devices", p, numDevices)
	return nil
}

// Deinit deinitializes all the initialized devices and the plugin.
func (p *Plugin) Deinit() error {
	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		return nil
	}
	devices := p.devices
	p.devices = nil
	p.numDevices = 0
	p.initialized = false
	p.mu.Unlock()

	var firstErr error
	for _, d := range devices {
		if d == nil {
			continue
		}
		if err := d.Deinit(); err != nil {
			klog.Errorf("Failed to deinitialize %s: %+v", d, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// NumDevices returns the number of devices found by Init.
func (p *Plugin) NumDevices() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.numDevices
}

// checkDeviceID must be called with the lock held.
func (p *Plugin) checkDeviceID(id int32) error {
	if !p.initialized {
		return errors.Wrapf(ErrInvalidDevice, "%s not initialized", p)
	}
	if id < 0 || id >= p.numDevices {
		return errors.Wrapf(ErrInvalidDevice, "device %d out of range, %s has %d devices", id, p, p.numDevices)
	}
	return nil
}

// InitDevice creates and initializes the device with the given id.
func (p *Plugin) InitDevice(id int32) (*Device, error) {
	p.mu.Lock()
	if err := p.checkDeviceID(id); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if p.devices[id] != nil {
		p.mu.Unlock()
		return nil, errors.Errorf("device %d of %s already initialized", id, p)
	}
	backend, err := newBackend(p.kind, id, p.config)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	d := newDevice(p, id, p.numDevices, backend, p.config)
	p.devices[id] = d
	p.mu.Unlock()

	if err = d.Init(); err != nil {
		p.mu.Lock()
		if p.initialized && p.devices[id] == d {
			p.devices[id] = nil
		}
		p.mu.Unlock()
		return nil, err
	}
	return d, nil
}

// InitDevices initializes all the devices in parallel.
func (p *Plugin) InitDevices(ctx context.Context) ([]*Device, error) {
	numDevices := p.NumDevices()
	devices := make([]*Device, numDevices)
	g, ctx := errgroup.WithContext(ctx)
	for id := range numDevices {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			d, err := p.InitDevice(id)
			if err != nil {
				return err
			}
			devices[id] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return devices, nil
}

// DeinitDevice deinitializes the device with the given id.
func (p *Plugin) DeinitDevice(id int32) error {
	p.mu.Lock()
	if err := p.checkDeviceID(id); err != nil {
		p.mu.Unlock()
		return err
	}
	d := p.devices[id]
	p.devices[id] = nil
	p.mu.Unlock()
	if d == nil {
		return errors.Wrapf(ErrInvalidDevice, "device %d of %s not initialized", id, p)
	}
	return d.Deinit()
}

// Device returns the initialized device with the given id.
func (p *Plugin) Device(id int32) (*Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkDeviceID(id); err != nil {
		return nil, err
	}
	d := p.devices[id]
	if d == nil {
		return nil, errors.Wrapf(ErrInvalidDevice, "device %d of %s not initialized", id, p)
	}
	return d, nil
}

// SetRequiresFlags registers the requirement flags of the program (e.g. unified shared memory).
func (p *Plugin) SetRequiresFlags(flags int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requiresFlags = flags
}

// RequiresFlags returns the flags registered with SetRequiresFlags.
func (p *Plugin) RequiresFlags() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requiresFlags
}

// IsDataExchangeable returns whether data can be copied directly from device srcID to device dstID.
func (p *Plugin) IsDataExchangeable(srcID, dstID int32) bool {
	src, err := p.Device(srcID)
	if err != nil {
		return false
	}
	dst, err := p.Device(dstID)
	if err != nil {
		return false
	}
	return src.IsDataExchangeable(dst)
}

// IsValidBinary returns whether the image was compiled for the backend of the plugin.
func (p *Plugin) IsValidBinary(image *Image) bool {
	return backendIsValidImage(p.kind, image)
}

// IsValidBinaryInfo refines IsValidBinary with the architecture the image was compiled for.
func (p *Plugin) IsValidBinaryInfo(image *Image, arch string) bool {
	return p.IsValidBinary(image) && backendIsImageCompatible(p.kind, arch)
}

// SupportsEmptyImages returns whether the plugin accepts images without entries.
func (p *Plugin) SupportsEmptyImages() bool {
	return true
}
