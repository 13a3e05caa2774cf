package omptarget

// This file holds the definition of functions and types commonly used in different parts.

import (
	"fmt"
	"strconv"
	"unsafe"

	"github.com/pkg/errors"
)

// DevicePtr is an address in the address space of a device.
type DevicePtr uintptr

// HostPtr is the address of host memory.
type HostPtr uintptr

// String implements fmt.Stringer, it prints the pointer in hexadecimal.
func (p DevicePtr) String() string { return fmt.Sprintf("%#x", uintptr(p)) }

// String implements fmt.Stringer, it prints the pointer in hexadecimal.
func (p HostPtr) String() string { return fmt.Sprintf("%#x", uintptr(p)) }

// HostPtrOf returns the address of the first byte of buf, or 0 if buf is empty.
func HostPtrOf(buf []byte) HostPtr {
	if len(buf) == 0 {
		return 0
	}
	return HostPtr(uintptr(unsafe.Pointer(unsafe.SliceData(buf))))
}

// alignUp rounds n up to a multiple of alignment, which must be a power of 2.
func alignUp(n, alignment int64) int64 {
	return (n + alignment - 1) &^ (alignment - 1)
}

// deviceLabel is the label value used for per-device metrics and log lines.
func deviceLabel(deviceID int32) string {
	return strconv.Itoa(int(deviceID))
}

// panicf panics with an error with a stack trace, created with the given format and args.
func panicf(format string, args ...any) {
	panic(errors.Errorf(format, args...))
}
