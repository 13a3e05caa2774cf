package omptarget

import (
	"fmt"
)

// OffloadEntry is a kernel or a global variable of an Image.
type OffloadEntry struct {
	// Name of the symbol.
	Name string

	// Size of the global variable in bytes. Kernels have size 0.
	Size int64

	// ExecMode of a kernel, 0 if the image doesn't specify one.
	ExecMode ExecMode
}

// IsKernel returns whether the entry describes a kernel.
func (e OffloadEntry) IsKernel() bool {
	return e.Size == 0
}

// Image is a compiled image to be loaded in a device with Device.LoadBinary.
//
// The image format itself is owned by the backend: the core only needs the list of entries.
type Image struct {
	// Name identifies the image, it is used to name the dump of the image when recording.
	Name string

	// Target is the backend the image was compiled for, e.g. "host".
	Target string

	// Arch is the architecture the image was compiled for. Empty if any.
	Arch string

	// Data is the raw content of the image.
	Data []byte

	// Entries are the kernels and global variables defined by the image.
	Entries []OffloadEntry

	// HostKernels are the kernel implementations used by BackendHost, indexed by the kernel name.
	HostKernels map[string]HostKernel
}

// String implements fmt.Stringer.
func (img *Image) String() string {
	return fmt.Sprintf("image %q (target %s, %d entries)", img.Name, img.Target, len(img.Entries))
}

// TargetEntry is an entry of a loaded image, resolved on the device.
type TargetEntry struct {
	Name string
	Size int64

	// Addr is the device address of a global variable, 0 for kernels.
	Addr DevicePtr

	// Kernel is set for kernels.
	Kernel *Kernel
}

// TargetTable holds the entries of an image loaded in a device, in the same order as Image.Entries.
type TargetTable struct {
	Entries []TargetEntry
}

// Kernel returns the kernel with the given name.
func (t *TargetTable) Kernel(name string) (*Kernel, bool) {
	for _, entry := range t.Entries {
		if entry.Kernel != nil && entry.Name == name {
			return entry.Kernel, true
		}
	}
	return nil, false
}

// Global returns the device address of the global variable with the given name.
func (t *TargetTable) Global(name string) (DevicePtr, bool) {
	for _, entry := range t.Entries {
		if entry.Kernel == nil && entry.Name == name {
			return entry.Addr, true
		}
	}
	return 0, false
}

// loadedImage is an image loaded in a device.
type loadedImage struct {
	image  *Image
	handle any
	table  *TargetTable
}
