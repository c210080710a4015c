package rdma

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoorbellMonitorConsumesValues(t *testing.T) {
	buf, err := NewBuffer(4)
	require.NoError(t, err)
	defer buf.Free()

	values := make(chan int32, 4)
	m := NewDoorbellMonitor(buf, DoorbellOptions{
		Interval: 100 * time.Microsecond,
		Callback: func(v int32) error {
			values <- v
			return nil
		},
	})
	m.Start()
	defer m.Stop()

	require.NoError(t, buf.WriteInt32(0, 1))
	assert.Equal(t, int32(1), <-values)

	// The slot is cleared so it can ring again
	require.Eventually(t, func() bool {
		v, err := buf.ReadInt32(0)
		return err == nil && v == 0
	}, time.Second, time.Millisecond)

	require.NoError(t, buf.WriteInt32(0, 2))
	assert.Equal(t, int32(2), <-values)

	m.Stop()
	assert.Equal(t, int64(2), m.Events())
	assert.NoError(t, m.Err())
}

func TestDoorbellMonitorRecordsCallbackError(t *testing.T) {
	buf, err := NewBuffer(4)
	require.NoError(t, err)
	defer buf.Free()

	errCallback := errors.New("callback failed")
	m := NewDoorbellMonitor(buf, DoorbellOptions{
		Interval: 100 * time.Microsecond,
		Callback: func(int32) error { return errCallback },
	})
	m.Start()

	require.NoError(t, buf.WriteInt32(0, 7))
	require.Eventually(t, func() bool { return m.Err() != nil }, time.Second, time.Millisecond)

	m.Stop()
	assert.ErrorIs(t, m.Err(), errCallback)
}

func TestDoorbellMonitorStopIsIdempotent(t *testing.T) {
	buf, err := NewBuffer(4)
	require.NoError(t, err)
	defer buf.Free()

	m := NewDoorbellMonitor(buf, DoorbellOptions{})
	m.Start()
	m.Stop()
	m.Stop()

	// Stop without Start must not block
	idle := NewDoorbellMonitor(buf, DoorbellOptions{})
	idle.Stop()
	idle.Start()
	idle.Stop()
}

func TestDoorbellMonitorStopWaitsForLoop(t *testing.T) {
	buf, err := NewBuffer(4)
	require.NoError(t, err)

	var (
		mu       sync.Mutex
		inCheck  bool
		checking = make(chan struct{}, 1)
	)

	m := NewDoorbellMonitor(buf, DoorbellOptions{
		Interval: 100 * time.Microsecond,
		BeforeCheck: func() {
			mu.Lock()
			inCheck = true
			mu.Unlock()

			select {
			case checking <- struct{}{}:
			default:
			}

			time.Sleep(20 * time.Millisecond)

			mu.Lock()
			inCheck = false
			mu.Unlock()
		},
	})
	m.Start()

	<-checking
	m.Stop()

	mu.Lock()
	assert.False(t, inCheck, "loop still running after Stop")
	mu.Unlock()

	require.NoError(t, buf.Free())
	time.Sleep(5 * time.Millisecond)
	assert.Zero(t, buf.UseAfterFree())
}

func TestWaitUntilNonzero(t *testing.T) {
	buf, err := NewBuffer(4)
	require.NoError(t, err)
	defer buf.Free()

	go func() {
		time.Sleep(5 * time.Millisecond)
		buf.WriteInt32(0, 2)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	v, err := WaitUntilNonzero(ctx, buf, 100*time.Microsecond)
	require.NoError(t, err)
	assert.Equal(t, int32(2), v)

	_, hit, err := CheckNonzero(buf)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestWaitUntilNonzeroDeadline(t *testing.T) {
	buf, err := NewBuffer(4)
	require.NoError(t, err)
	defer buf.Free()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = WaitUntilNonzero(ctx, buf, 100*time.Microsecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
