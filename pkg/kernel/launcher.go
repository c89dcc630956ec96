package kernel

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mivertowski/ilgpu-rt/pkg/gpuerr"
	"github.com/mivertowski/ilgpu-rt/pkg/stream"
)

// LaunchStatus reports how a launch concluded.
type LaunchStatus int

const (
	StatusOK LaunchStatus = iota
	StatusCancelled
	StatusFailed
)

// LaunchResult carries the outcome of one kernel launch, including a
// correlation id so an async failure can be traced back through logs.
type LaunchResult struct {
	RequestID uuid.UUID
	Elapsed   time.Duration
	Metrics   map[string]float64
	Status    LaunchStatus
}

// Driver is the narrow interface a backend exposes to run one compiled
// Artifact with packed arguments. internal/backend/{cuda,opencl,simd}
// implement it.
type Driver interface {
	Run(ctx context.Context, artifact Artifact, grid, block Dim3, packed []byte) error
}

// Launcher binds one compiled Artifact to the driver that can run it.
type Launcher struct {
	sig      Signature
	artifact Artifact
	driver   Driver
}

// NewLauncher builds a Launcher for an already-compiled artifact.
func NewLauncher(sig Signature, artifact Artifact, driver Driver) *Launcher {
	return &Launcher{sig: sig, artifact: artifact, driver: driver}
}

// validate checks args against the signature before any packing work,
// giving InvalidKernelParameters before anything is submitted to a device.
func (l *Launcher) validate(args []Arg) error {
	if len(args) != len(l.sig.Params) {
		return gpuerr.New(gpuerr.InvalidKernelParameters, gpuerr.WithKernel(l.sig.Name),
			gpuerr.WithContext(map[string]string{"reason": "argument count mismatch"}))
	}
	for i, want := range l.sig.Params {
		if args[i].Kind != want {
			return gpuerr.New(gpuerr.InvalidKernelParameters, gpuerr.WithKernel(l.sig.Name),
				gpuerr.WithContext(map[string]string{"reason": "parameter kind mismatch", "index": strconv.Itoa(i)}))
		}
	}
	return nil
}

// pack lays out args into one contiguous buffer per l.artifact.Layout,
// respecting each slot's alignment and marshal kind.
func (l *Launcher) pack(args []Arg) ([]byte, error) {
	if len(l.artifact.Layout) == 0 {
		return nil, nil
	}
	total := uintptr(0)
	for _, slot := range l.artifact.Layout {
		end := slot.Offset + slot.Size
		if end > total {
			total = end
		}
	}
	out := make([]byte, total)
	for i, slot := range l.artifact.Layout {
		if i >= len(args) {
			break
		}
		switch args[i].Kind {
		case View:
			putUintptr(out[slot.Offset:], args[i].Raw.Ptr)
		case Scalar:
			putScalar(out[slot.Offset:slot.Offset+slot.Size], args[i].Value)
		case Struct:
			// Struct payloads are pre-serialized by the caller into Value
			// as a []byte of the correct width.
			if raw, ok := args[i].Value.([]byte); ok {
				copy(out[slot.Offset:], raw)
			}
		}
	}
	return out, nil
}

// Launch runs the kernel synchronously on stream (or immediately, if stream
// is nil), blocking until the driver reports completion or ctx is done.
func (l *Launcher) Launch(ctx context.Context, grid, block Dim3, args []Arg, str *stream.Stream) (LaunchResult, error) {
	if err := l.validate(args); err != nil {
		return LaunchResult{}, err
	}
	packed, err := l.pack(args)
	if err != nil {
		return LaunchResult{}, err
	}

	reqID := uuid.New()
	start := time.Now()

	run := func(ctx context.Context) error {
		return l.driver.Run(ctx, l.artifact, grid, block, packed)
	}

	var runErr error
	if str == nil {
		runErr = run(ctx)
	} else {
		runErr = str.EnqueueSync(ctx, run)
	}

	res := LaunchResult{RequestID: reqID, Elapsed: time.Since(start)}
	if runErr != nil {
		res.Status = StatusFailed
		return res, gpuerr.Wrap(gpuerr.LaunchFailed, runErr, gpuerr.WithKernel(l.sig.Name),
			gpuerr.WithContext(map[string]string{"request_id": reqID.String()}))
	}
	res.Status = StatusOK
	return res, nil
}

// LaunchAsync enqueues the kernel on str and returns a Future resolved once
// the driver reports completion.
func (l *Launcher) LaunchAsync(ctx context.Context, grid, block Dim3, args []Arg, str *stream.Stream) (*stream.Future, error) {
	if err := l.validate(args); err != nil {
		return nil, err
	}
	packed, err := l.pack(args)
	if err != nil {
		return nil, err
	}
	if str == nil {
		return nil, gpuerr.New(gpuerr.InvalidArgument, gpuerr.WithContext(map[string]string{"reason": "async launch requires a stream"}))
	}
	if err := str.Enqueue(func(ctx context.Context) error {
		return l.driver.Run(ctx, l.artifact, grid, block, packed)
	}); err != nil {
		return nil, err
	}
	return str.SynchronizeAsync(ctx)
}

func putUintptr(dst []byte, v uintptr) {
	for i := 0; i < 8 && i < len(dst); i++ {
		dst[i] = byte(v >> (8 * i))
	}
}

func putScalar(dst []byte, v any) {
	switch x := v.(type) {
	case int32:
		putUintptr(dst, uintptr(uint32(x)))
	case uint32:
		putUintptr(dst, uintptr(x))
	case int64:
		putUintptr(dst, uintptr(x))
	case uint64:
		putUintptr(dst, uintptr(x))
	case float32:
		putUintptr(dst, uintptr(math.Float32bits(x)))
	case float64:
		putUintptr(dst, uintptr(math.Float64bits(x)))
	}
}
