// Package device implements the accelerator identity and discovery layer:
// device identities, descriptors, capabilities, and the Catalog that
// enumerates backends.
//
// Enumeration is idempotent and side-effect-free: a Catalog snapshots
// backend registrations once, at Discover time, and returns them in the same
// (Kind, native index) order on every subsequent call.
package device

import "fmt"

// Kind identifies which accelerator backend a Device belongs to. This is a
// closed set.
type Kind int

const (
	KindNone Kind = iota
	KindCUDA
	KindOpenCL
	KindCPU
	KindSIMDCPU
)

func (k Kind) String() string {
	switch k {
	case KindCUDA:
		return "cuda"
	case KindOpenCL:
		return "opencl"
	case KindCPU:
		return "cpu"
	case KindSIMDCPU:
		return "simd-cpu"
	default:
		return "none"
	}
}

// ID is an opaque, equatable, orderable device identity. Payload carries the
// CUDA ordinal, or the core count for the SIMD backend; Key carries the
// OpenCL device's position in the enumeration flattened across all
// platforms, rendered as "devN" (the platform and device indices are not
// carried separately). A zero-value ID never aliases a real device.
type ID struct {
	Kind    Kind
	Payload int64
	Key     string
}

func (id ID) String() string {
	if id.Key != "" {
		return fmt.Sprintf("%s:%s", id.Kind, id.Key)
	}
	return fmt.Sprintf("%s:%d", id.Kind, id.Payload)
}

// Less orders IDs by (Kind, Payload, Key), giving discovery a stable,
// reproducible device ordering.
func (id ID) Less(other ID) bool {
	if id.Kind != other.Kind {
		return id.Kind < other.Kind
	}
	if id.Payload != other.Payload {
		return id.Payload < other.Payload
	}
	return id.Key < other.Key
}

// Precision identifies a numeric type a tensor-core class may accelerate.
type Precision int

const (
	PrecisionFP16 Precision = iota
	PrecisionBF16
	PrecisionFP32
	PrecisionINT8
)

// Feature is a capability predicate usable with Descriptor.Supports.
type Feature int

const (
	FeatureUnifiedMemory Feature = iota
	FeatureMemoryPools
	FeatureTensorCores
	FeatureAsyncCopy
)

// Capabilities describes what a device can do, independent of its current
// load or health (that's Status).
type Capabilities struct {
	ComputeCapabilityMajor int
	ComputeCapabilityMinor int
	MaxWorkGroupSize       int
	UnifiedMemory          bool
	MemoryPools            bool
	TensorCoreClasses      []Precision
	AsyncCopy              bool
}

func (c Capabilities) supportsPrecision(p Precision) bool {
	for _, tc := range c.TensorCoreClasses {
		if tc == p {
			return true
		}
	}
	return false
}

// Status is a device's current operability.
type Status int

const (
	StatusAvailable Status = iota
	StatusBusy
	StatusUnavailable
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusAvailable:
		return "available"
	case StatusBusy:
		return "busy"
	case StatusUnavailable:
		return "unavailable"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// MemoryInfo is a point-in-time snapshot of a device's memory usage.
type MemoryInfo struct {
	TotalBytes uint64
	FreeBytes  uint64
	UsedBytes  uint64
}

// Driver is the narrow interface a backend registers to participate in
// discovery. internal/backend/{cuda,opencl,simd} each provide one. Each
// backend declares itself at init() time rather than being discovered by
// type inspection.
type Driver interface {
	Kind() Kind
	// Probe enumerates the backend's devices. It must not panic; Catalog
	// recovers a panicking Probe and lists the backend as one device with
	// StatusError.
	Probe() ([]Descriptor, error)
	// MemoryInfo re-reads current memory usage for one of this backend's
	// devices, directly from the driver.
	MemoryInfo(id ID) (MemoryInfo, error)
}

// Descriptor is a discovered device: a read-mostly record, re-polled on
// demand via MemoryInfo.
type Descriptor struct {
	ID           ID
	Name         string
	Capabilities Capabilities
	status       Status
	statusReason error
	driver       Driver
}

// NewUnavailableDescriptor builds a Descriptor for a backend whose driver
// library loaded but could not produce a usable device (zero devices
// enumerated, or a driver-level init failure), as opposed to the library
// being absent entirely, which Catalog.Discover omits instead of listing.
func NewUnavailableDescriptor(id ID, name string, reason error) Descriptor {
	return Descriptor{ID: id, Name: name, status: StatusUnavailable, statusReason: reason}
}

// Status returns the device's last-known operability.
func (d Descriptor) Status() Status { return d.status }

// StatusReason returns the error attached when Status is Unavailable or
// Error, or nil when the device is healthy.
func (d Descriptor) StatusReason() error { return d.statusReason }

// MemoryInfo re-reads memory usage from the driver on every call.
func (d Descriptor) MemoryInfo() (MemoryInfo, error) {
	if d.driver == nil {
		return MemoryInfo{}, fmt.Errorf("device: %s has no bound driver", d.ID)
	}
	return d.driver.MemoryInfo(d.ID)
}

// Supports reports whether the device exposes feature, with an optional
// precision refinement for FeatureTensorCores.
func (d Descriptor) Supports(feature Feature, precisions ...Precision) bool {
	switch feature {
	case FeatureUnifiedMemory:
		return d.Capabilities.UnifiedMemory
	case FeatureMemoryPools:
		return d.Capabilities.MemoryPools
	case FeatureAsyncCopy:
		return d.Capabilities.AsyncCopy
	case FeatureTensorCores:
		if len(d.Capabilities.TensorCoreClasses) == 0 {
			return false
		}
		if len(precisions) == 0 {
			return true
		}
		for _, p := range precisions {
			if !d.Capabilities.supportsPrecision(p) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
