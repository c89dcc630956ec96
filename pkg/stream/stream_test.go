package stream

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mivertowski/ilgpu-rt/pkg/gpuerr"
)

func TestEnqueueRunsInProgramOrder(t *testing.T) {
	s := New(context.Background(), "test")
	defer s.Close()

	var order []int
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		i := i
		require.NoError(t, s.Enqueue(func(ctx context.Context) error {
			order = append(order, i)
			if i == 4 {
				close(done)
			}
			return nil
		}))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("commands never completed")
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestSynchronizeWaitsForPendingCommands(t *testing.T) {
	s := New(context.Background(), "test")
	defer s.Close()

	var ran atomic.Bool
	require.NoError(t, s.Enqueue(func(ctx context.Context) error {
		time.Sleep(20 * time.Millisecond)
		ran.Store(true)
		return nil
	}))

	require.NoError(t, s.Synchronize(context.Background()))
	assert.True(t, ran.Load())
}

func TestSynchronizeReturnsAndClearsError(t *testing.T) {
	s := New(context.Background(), "test")
	defer s.Close()

	boom := gpuerr.New(gpuerr.LaunchFailed)
	require.NoError(t, s.Enqueue(func(ctx context.Context) error { return boom }))

	err := s.Synchronize(context.Background())
	assert.Equal(t, boom, err)

	// A second Synchronize with nothing new pending observes no error: the
	// first Synchronize call clears the stream's error state.
	err = s.Synchronize(context.Background())
	assert.NoError(t, err)
}

func TestSynchronizeAsyncFuture(t *testing.T) {
	s := New(context.Background(), "test")
	defer s.Close()

	require.NoError(t, s.Enqueue(func(ctx context.Context) error {
		time.Sleep(10 * time.Millisecond)
		return nil
	}))

	f, err := s.SynchronizeAsync(context.Background())
	require.NoError(t, err)

	done, _ := f.Poll()
	assert.False(t, done, "future should not be done immediately")

	require.NoError(t, f.Wait(context.Background()))
	done, err = f.Poll()
	assert.True(t, done)
	assert.NoError(t, err)
}

func TestCancelRejectsFurtherEnqueues(t *testing.T) {
	s := New(context.Background(), "test")
	defer s.Close()

	s.Cancel()
	assert.True(t, s.Cancelled())

	err := s.Enqueue(func(ctx context.Context) error { return nil })
	require.Error(t, err)
	assert.True(t, gpuerr.Is(err, gpuerr.Cancelled))
}

func TestCancelAllowsInFlightCommandToFinish(t *testing.T) {
	s := New(context.Background(), "test")
	defer s.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool

	require.NoError(t, s.Enqueue(func(ctx context.Context) error {
		close(started)
		<-release
		finished.Store(true)
		return nil
	}))

	<-started
	s.Cancel()
	close(release)

	require.NoError(t, s.Synchronize(context.Background()))
	assert.True(t, finished.Load())
}

func TestRecordEventFiresAfterPriorCommands(t *testing.T) {
	s := New(context.Background(), "test")
	defer s.Close()

	var touched atomic.Bool
	require.NoError(t, s.Enqueue(func(ctx context.Context) error {
		touched.Store(true)
		return nil
	}))
	e := s.RecordEvent()

	require.NoError(t, e.Wait(context.Background()))
	assert.True(t, touched.Load())
}

func TestWaitForEventFromOtherStream(t *testing.T) {
	producer := New(context.Background(), "producer")
	consumer := New(context.Background(), "consumer")
	defer producer.Close()
	defer consumer.Close()

	var produced atomic.Bool
	require.NoError(t, producer.Enqueue(func(ctx context.Context) error {
		time.Sleep(10 * time.Millisecond)
		produced.Store(true)
		return nil
	}))
	e := producer.RecordEvent()

	require.NoError(t, consumer.WaitForEvent(context.Background(), e))
	assert.True(t, produced.Load())
}

func TestWaitForEventOnOwnStreamIsNoop(t *testing.T) {
	s := New(context.Background(), "test")
	defer s.Close()

	e := s.RecordEvent()
	require.NoError(t, s.WaitForEvent(context.Background(), e))
}

func TestEventWaitIsIdempotent(t *testing.T) {
	s := New(context.Background(), "test")
	defer s.Close()

	e := s.RecordEvent()
	require.NoError(t, e.Wait(context.Background()))
	require.NoError(t, e.Wait(context.Background())) // waiting twice must not block
}

func TestEnqueueSyncPropagatesCommandError(t *testing.T) {
	s := New(context.Background(), "test")
	defer s.Close()

	want := gpuerr.New(gpuerr.LaunchFailed)
	err := s.EnqueueSync(context.Background(), func(ctx context.Context) error { return want })
	assert.Equal(t, want, err)
}
