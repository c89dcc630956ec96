package kernel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mivertowski/ilgpu-rt/pkg/gpuerr"
	"github.com/mivertowski/ilgpu-rt/pkg/stream"
)

// recordingDriver captures the last Run invocation's packed argument buffer
// so tests can assert on how Launcher packed its arguments.
type recordingDriver struct {
	lastPacked []byte
	runErr     error
}

func (d *recordingDriver) Run(ctx context.Context, artifact Artifact, grid, block Dim3, packed []byte) error {
	d.lastPacked = append([]byte(nil), packed...)
	return d.runErr
}

func sigFor(params ...ParamKind) Signature {
	return Signature{Name: "kern", Params: params}
}

func TestLaunchValidatesArgCount(t *testing.T) {
	d := &recordingDriver{}
	l := NewLauncher(sigFor(Scalar, View), Artifact{}, d)

	_, err := l.Launch(context.Background(), Dim3{}, Dim3{}, []Arg{{Kind: Scalar, Value: int32(1)}}, nil)
	require.Error(t, err)
	assert.True(t, gpuerr.Is(err, gpuerr.InvalidKernelParameters))
}

func TestLaunchValidatesArgKind(t *testing.T) {
	d := &recordingDriver{}
	l := NewLauncher(sigFor(Scalar), Artifact{}, d)

	_, err := l.Launch(context.Background(), Dim3{}, Dim3{}, []Arg{{Kind: View}}, nil)
	require.Error(t, err)
	assert.True(t, gpuerr.Is(err, gpuerr.InvalidKernelParameters))
}

func TestLaunchPacksScalarAndViewArgs(t *testing.T) {
	d := &recordingDriver{}
	artifact := Artifact{
		Layout: []ParamLayout{
			{Offset: 0, Size: 8, Marshal: MarshalPointer},
			{Offset: 8, Size: 8, Marshal: MarshalValue},
		},
	}
	l := NewLauncher(sigFor(View, Scalar), artifact, d)

	args := []Arg{
		{Kind: View, Raw: RawView{Ptr: 0xdeadbeef, Len: 4, ElemSize: 4}},
		{Kind: Scalar, Value: int32(42)},
	}
	res, err := l.Launch(context.Background(), Dim3{X: 1}, Dim3{X: 1}, args, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
	require.Len(t, d.lastPacked, 16)
}

func TestLaunchWrapsDriverFailure(t *testing.T) {
	d := &recordingDriver{runErr: gpuerr.New(gpuerr.DriverError)}
	l := NewLauncher(sigFor(), Artifact{}, d)

	res, err := l.Launch(context.Background(), Dim3{}, Dim3{}, nil, nil)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.True(t, gpuerr.Is(err, gpuerr.LaunchFailed))
}

func TestLaunchAsyncRequiresStream(t *testing.T) {
	d := &recordingDriver{}
	l := NewLauncher(sigFor(), Artifact{}, d)

	_, err := l.LaunchAsync(context.Background(), Dim3{}, Dim3{}, nil, nil)
	require.Error(t, err)
	assert.True(t, gpuerr.Is(err, gpuerr.InvalidArgument))
}

func TestLaunchAsyncRunsOnStream(t *testing.T) {
	d := &recordingDriver{}
	l := NewLauncher(sigFor(), Artifact{}, d)
	s := stream.New(context.Background(), "test")
	defer s.Close()

	f, err := l.LaunchAsync(context.Background(), Dim3{}, Dim3{}, nil, s)
	require.NoError(t, err)
	require.NoError(t, f.Wait(context.Background()))
}

func TestLaunchOnStreamIsSynchronous(t *testing.T) {
	d := &recordingDriver{}
	l := NewLauncher(sigFor(), Artifact{}, d)
	s := stream.New(context.Background(), "test")
	defer s.Close()

	res, err := l.Launch(context.Background(), Dim3{}, Dim3{}, nil, s)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
}
