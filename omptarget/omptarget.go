// Package omptarget implements the device and execution management core of an offload runtime plugin.
//
// A Plugin owns a table of Device objects, each one backed by a Backend variant (see BackendKind).
// On top of the backend primitives the package provides the kernel launch geometry, the registry of
// pinned (page-locked) host buffers, scoped asynchronous operations and the record/replay arena used
// to capture a kernel invocation and re-execute it in isolation.
//
// The Boundary type exposes all operations as integer status codes, for callers that cannot use Go errors.
package omptarget
