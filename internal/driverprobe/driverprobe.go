// Package driverprobe answers one narrow question for the cuda/opencl stub
// builds, where a missing library disables its backend without being fatal:
// is the native driver library even present on this host, so the Catalog's
// Info log can distinguish "no driver here" from "driver present, but this
// binary was built without the cgo tag that links it"?
package driverprobe

// Present reports whether the named dynamic library (a bare DLL name on
// Windows, e.g. "nvcuda.dll") can be loaded on this host. Platforms without
// a cheap non-cgo probe (this runtime's cuda/opencl cgo builds resolve their
// library at link time via LDFLAGS instead) always report false here.
func Present(name string) bool { return present(name) }
