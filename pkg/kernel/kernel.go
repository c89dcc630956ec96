// Package kernel implements the kernel artifact and launch model: a
// build-time parameter layout descriptor instead of runtime code
// generation, and a Launcher that packs arguments against that layout
// before handing them to a device driver.
package kernel

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/mivertowski/ilgpu-rt/pkg/device"
)

// ParamKind classifies one kernel parameter slot.
type ParamKind int

const (
	Scalar ParamKind = iota
	View
	Struct
)

func (k ParamKind) String() string {
	switch k {
	case Scalar:
		return "scalar"
	case View:
		return "view"
	case Struct:
		return "struct"
	default:
		return "unknown"
	}
}

// OptimizationFlags tunes how a source function is compiled for a device.
type OptimizationFlags struct {
	FastMath    bool
	Debug       bool
	UnrollDepth int
}

// Signature is a value type fully describing one kernel's shape: its name,
// parameter kinds, target backend, and optimization flags. Two Signatures
// with the same fields always fingerprint identically.
type Signature struct {
	Name       string
	Params     []ParamKind
	DeviceKind device.Kind
	Opt        OptimizationFlags
}

// Fingerprint returns a stable, allocation-light hash of the signature,
// used as the kernel cache key (the GLOSSARY's "stable hash" requirement).
func (s Signature) Fingerprint() uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(s.Name)
	_, _ = h.Write([]byte{byte(s.DeviceKind)})
	for _, p := range s.Params {
		_, _ = h.Write([]byte{byte(p)})
	}
	var flags byte
	if s.Opt.FastMath {
		flags |= 1
	}
	if s.Opt.Debug {
		flags |= 2
	}
	_, _ = h.Write([]byte{flags})
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(int64(s.Opt.UnrollDepth)))
	_, _ = h.Write(buf[:])
	return h.Sum64()
}

// MarshalKind describes how a Launcher packs one parameter slot into the
// device's argument buffer.
type MarshalKind int

const (
	MarshalValue MarshalKind = iota
	MarshalPointer
)

// ParamLayout is the build-time descriptor a Launcher consults to pack
// arguments; it replaces runtime reflection-based marshalling.
type ParamLayout struct {
	Offset  uintptr
	Size    uintptr
	Marshal MarshalKind
	Align   uintptr
}

// LayoutSlot describes one parameter's size and alignment requirement,
// from which BuildLayout computes packed offsets. A zero Align means
// naturally aligned (Align == Size).
type LayoutSlot struct {
	Size    uintptr
	Align   uintptr
	Marshal MarshalKind
}

// BuildLayout assigns each slot the next offset aligned to its
// requirement, the packing rule the target ABIs use for kernel parameter
// buffers. Callers that receive a layout from a backend alongside an
// artifact don't need this; it exists for backends (and tests) that
// construct layouts from a signature.
func BuildLayout(slots []LayoutSlot) []ParamLayout {
	out := make([]ParamLayout, len(slots))
	var off uintptr
	for i, s := range slots {
		align := s.Align
		if align == 0 {
			align = s.Size
		}
		if align > 0 && off%align != 0 {
			off += align - off%align
		}
		out[i] = ParamLayout{Offset: off, Size: s.Size, Marshal: s.Marshal, Align: align}
		off += s.Size
	}
	return out
}

// Artifact is an opaque, backend-specific compiled kernel. The runtime
// never parses Payload; it is handed back to the originating backend's
// driver verbatim at launch time.
type Artifact struct {
	Backend    device.Kind
	Payload    []byte
	EntryPoint string
	Layout     []ParamLayout
}

// Dim3 is a 3-dimensional grid/block extent.
type Dim3 struct {
	X, Y, Z uint32
}

// Arg is one actual argument bound to a launch. Exactly one of Value/Raw
// is populated, matching the corresponding Signature.Params[i].
type Arg struct {
	Kind  ParamKind
	Value any     // Scalar
	Raw   RawView // View
}

// RawView mirrors buffer.RawView; package kernel does not import package
// buffer. Callers build this from a buffer.View[T].Raw().
type RawView struct {
	Ptr      uintptr
	Len      int
	ElemSize uintptr
}
