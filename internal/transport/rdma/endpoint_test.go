package rdma

import (
	"context"
	"encoding/binary"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEndpointConfig() EndpointConfig {
	cfg := DefaultEndpointConfig()
	cfg.CompletionTimeout = time.Second

	return cfg
}

// connectPair wires two endpoints together the way the control channel
// does: client payload first, server resolves and answers, both connect.
func connectPair(t *testing.T, client, server *Endpoint) {
	t.Helper()

	clientInfo := client.LocalInfo(1)
	server.ResolvePath(clientInfo.Path)
	serverInfo := server.LocalInfo(1)

	require.NoError(t, server.Connect(clientInfo))
	require.NoError(t, client.Connect(serverInfo))
}

func newEndpointPair(t *testing.T, clientCfg, serverCfg EndpointConfig) (*Endpoint, *Endpoint, *SimulatedVerbsBackend, *SimulatedVerbsBackend) {
	t.Helper()

	fabric := NewFabric()
	cb := NewSimulatedVerbsBackend(fabric)
	sb := NewSimulatedVerbsBackend(fabric)

	client, err := NewEndpoint(cb, clientCfg)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	server, err := NewEndpoint(sb, serverCfg)
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })

	connectPair(t, client, server)

	return client, server, cb, sb
}

func TestNewEndpointReleasesOnFailure(t *testing.T) {
	faults := []string{
		FaultOpenDevice,
		FaultQueryPort,
		FaultAllocPD,
		FaultCreateCompChannel,
		FaultCreateCQ,
		FaultCreateQP,
		FaultRegMR,
	}

	for _, fault := range faults {
		t.Run(fault, func(t *testing.T) {
			backend := NewSimulatedVerbsBackend(nil)
			backend.Init()
			backend.InjectFault(fault, errInjected)

			_, err := NewEndpoint(backend, testEndpointConfig())
			require.ErrorIs(t, err, ErrTransportInit)
			require.ErrorIs(t, err, errInjected)

			var initErr *TransportInitError
			require.ErrorAs(t, err, &initErr)
			assert.NotEmpty(t, initErr.Op)

			assert.Zero(t, backend.LiveObjects())
		})
	}
}

func TestNewEndpointInvalidConfig(t *testing.T) {
	backend := NewSimulatedVerbsBackend(nil)

	cfg := testEndpointConfig()
	cfg.SendSize = 0

	_, err := NewEndpoint(backend, cfg)
	require.ErrorIs(t, err, ErrTransportInit)
	assert.ErrorIs(t, err, ErrInvalidSize)

	cfg = testEndpointConfig()
	cfg.Doorbell = true
	cfg.RecvSize = 2

	_, err = NewEndpoint(backend, cfg)
	assert.ErrorIs(t, err, ErrInvalidSize)

	cfg = testEndpointConfig()
	cfg.DeviceName = "mlx9_9"

	_, err = NewEndpoint(backend, cfg)
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestEndpointCloseReleasesEverything(t *testing.T) {
	backend := NewSimulatedVerbsBackend(nil)

	cfg := testEndpointConfig()
	cfg.Doorbell = true

	ep, err := NewEndpoint(backend, cfg)
	require.NoError(t, err)
	assert.Positive(t, backend.LiveObjects())

	require.NoError(t, ep.Close())
	assert.Zero(t, backend.LiveObjects())

	// Second close is a no-op
	require.NoError(t, ep.Close())
}

func TestEndpointWriteLocalBufferBounds(t *testing.T) {
	backend := NewSimulatedVerbsBackend(nil)

	ep, err := NewEndpoint(backend, testEndpointConfig())
	require.NoError(t, err)
	defer ep.Close()

	require.NoError(t, ep.WriteLocalBuffer(0, []byte{1, 2, 3, 4}))

	err = ep.WriteLocalBuffer(1, []byte{5, 5, 5, 5})
	require.ErrorIs(t, err, ErrOutOfBounds)
	assert.Equal(t, []byte{1, 2, 3, 4}, ep.SendBuffer().Snapshot())

	err = ep.WriteLocalBuffer(math.MaxInt, []byte{5})
	require.ErrorIs(t, err, ErrOutOfBounds)
	assert.Equal(t, []byte{1, 2, 3, 4}, ep.SendBuffer().Snapshot())
}

func TestEndpointWriteRemote(t *testing.T) {
	cfg := testEndpointConfig()
	cfg.SendSize = 16
	cfg.RecvSize = 16

	client, server, _, _ := newEndpointPair(t, cfg, cfg)

	for _, size := range []int{0, 1, 4, 15, 16} {
		payload := make([]byte, size)
		for i := range payload {
			payload[i] = byte(i + 1)
		}

		require.NoError(t, client.WriteLocalBuffer(0, make([]byte, 16)))
		require.NoError(t, client.WriteLocalBuffer(0, payload))

		result, err := client.WriteRemote(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint32(16), result.Bytes)

		got, err := server.ReceiveBuffer().ReadAt(0, size)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	}
}

func TestEndpointWriteRemoteObservedByWait(t *testing.T) {
	cfg := testEndpointConfig()
	cfg.SendSize = 16
	cfg.RecvSize = 16
	cfg.DoorbellInterval = time.Millisecond

	client, server, _, _ := newEndpointPair(t, cfg, cfg)

	for _, size := range []int{1, 3, 4, 9, 16} {
		payload := make([]byte, size)
		for i := range payload {
			payload[i] = byte(0xa0 + i)
		}

		require.NoError(t, client.WriteLocalBuffer(0, make([]byte, 16)))
		require.NoError(t, client.WriteLocalBuffer(0, payload))

		_, err := client.WriteRemote(context.Background())
		require.NoError(t, err)

		slot := make([]byte, DoorbellSize)
		copy(slot, payload)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		got, err := server.WaitUntilNonzero(ctx)
		cancel()
		require.NoError(t, err)
		assert.Equal(t, int32(binary.LittleEndian.Uint32(slot)), got) //nolint:gosec // G115: reinterpret bits

		if size > DoorbellSize {
			rest, err := server.ReceiveBuffer().ReadAt(DoorbellSize, size-DoorbellSize)
			require.NoError(t, err)
			assert.Equal(t, payload[DoorbellSize:], rest)
		}
	}

	// An empty payload leaves the slot at zero, so nothing is observed.
	require.NoError(t, client.WriteLocalBuffer(0, make([]byte, 16)))
	_, err := client.WriteRemote(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = server.WaitUntilNonzero(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEndpointConsecutiveWritesObservedSeparately(t *testing.T) {
	cfg := testEndpointConfig()
	cfg.DoorbellInterval = time.Millisecond

	client, server, _, _ := newEndpointPair(t, cfg, cfg)

	for _, value := range []int32{5, 7} {
		require.NoError(t, client.WriteLocalValue(value))
		_, err := client.WriteRemote(context.Background())
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		got, err := server.WaitUntilNonzero(ctx)
		cancel()
		require.NoError(t, err)
		assert.Equal(t, value, got)

		_, hit, err := CheckNonzero(server.ReceiveBuffer())
		require.NoError(t, err)
		assert.False(t, hit, "slot must be cleared after %d is observed", value)
	}
}

func TestEndpointMonitorSeesEachWrite(t *testing.T) {
	observed := make(chan int32, 2)

	serverCfg := testEndpointConfig()
	serverCfg.Doorbell = true
	serverCfg.DoorbellInterval = time.Millisecond
	serverCfg.OnDoorbell = func(v int32) { observed <- v }

	client, server, _, _ := newEndpointPair(t, testEndpointConfig(), serverCfg)

	for _, value := range []int32{5, 7} {
		require.NoError(t, client.WriteLocalValue(value))
		_, err := client.WriteRemote(context.Background())
		require.NoError(t, err)

		select {
		case got := <-observed:
			assert.Equal(t, value, got)
		case <-time.After(time.Second):
			t.Fatalf("doorbell value %d not observed", value)
		}
	}

	require.NoError(t, server.Close())
	assert.Equal(t, int64(2), server.Monitor().Events())
}

func TestEndpointWriteRemoteClampsToPeerSize(t *testing.T) {
	clientCfg := testEndpointConfig()
	clientCfg.SendSize = 64

	client, server, _, _ := newEndpointPair(t, clientCfg, testEndpointConfig())

	result, err := client.WriteRemote(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(4), result.Bytes)
	assert.Equal(t, 4, server.ReceiveBuffer().Len())
}

func TestEndpointConnectTwice(t *testing.T) {
	client, server, _, _ := newEndpointPair(t, testEndpointConfig(), testEndpointConfig())

	err := client.Connect(server.LocalInfo(0))
	assert.ErrorIs(t, err, ErrAlreadyConnected)
	assert.True(t, client.Connected())

	// The queue pair is still usable
	_, err = client.WriteRemote(context.Background())
	assert.NoError(t, err)
}

func TestEndpointConnectRejectsForeignPath(t *testing.T) {
	fabric := NewFabric()

	a, err := NewEndpoint(NewSimulatedVerbsBackend(fabric), testEndpointConfig())
	require.NoError(t, err)
	defer a.Close()

	b, err := NewEndpoint(NewSimulatedVerbsBackend(fabric), testEndpointConfig())
	require.NoError(t, err)
	defer b.Close()

	// b never resolved a's path, so its payload does not name a
	err = a.Connect(b.LocalInfo(0))
	require.ErrorIs(t, err, ErrConnect)

	var cerr *ConnectError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "validate", cerr.Stage)

	assert.ErrorIs(t, a.Connect(nil), ErrNoPeerInfo)
}

func TestEndpointConnectTransitionFailure(t *testing.T) {
	fabric := NewFabric()
	cb := NewSimulatedVerbsBackend(fabric)

	client, err := NewEndpoint(cb, testEndpointConfig())
	require.NoError(t, err)
	defer client.Close()

	server, err := NewEndpoint(NewSimulatedVerbsBackend(fabric), testEndpointConfig())
	require.NoError(t, err)
	defer server.Close()

	server.ResolvePath(client.LocalInfo(0).Path)

	cb.InjectFault(FaultModifyQP, errInjected)

	err = client.Connect(server.LocalInfo(0))
	require.ErrorIs(t, err, ErrConnect)
	require.ErrorIs(t, err, errInjected)

	var cerr *ConnectError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "init", cerr.Stage)
	assert.False(t, client.Connected())
}

func TestEndpointWriteRemoteNotConnected(t *testing.T) {
	ep, err := NewEndpoint(NewSimulatedVerbsBackend(nil), testEndpointConfig())
	require.NoError(t, err)

	_, err = ep.WriteRemote(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, ep.Close())

	_, err = ep.WriteRemote(context.Background())
	assert.ErrorIs(t, err, ErrEndpointClosed)
}

func TestEndpointWriteRemoteTimeout(t *testing.T) {
	cfg := testEndpointConfig()
	cfg.CompletionTimeout = 20 * time.Millisecond

	client, _, cb, _ := newEndpointPair(t, cfg, testEndpointConfig())
	cb.SetCompletionMode(CompletionDrop)

	start := time.Now()
	_, err := client.WriteRemote(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestEndpointWriteRemoteCompletionError(t *testing.T) {
	client, _, cb, _ := newEndpointPair(t, testEndpointConfig(), testEndpointConfig())
	cb.SetCompletionMode(CompletionFail)

	_, err := client.WriteRemote(context.Background())
	require.ErrorIs(t, err, ErrCompletion)

	var cerr *CompletionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, client.QPN(), cerr.QP)
}

func TestEndpointDoorbellAutoReply(t *testing.T) {
	var observed atomic.Int32

	serverCfg := testEndpointConfig()
	serverCfg.Doorbell = true
	serverCfg.AutoReply = true
	serverCfg.OnDoorbell = func(v int32) { observed.Store(v) }

	client, server, _, _ := newEndpointPair(t, testEndpointConfig(), serverCfg)

	require.NoError(t, client.WriteLocalValue(1))
	require.NoError(t, server.WriteLocalValue(2))

	_, err := client.WriteRemote(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	reply, err := client.WaitUntilNonzero(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), reply)
	assert.Equal(t, int32(1), observed.Load())

	require.NoError(t, server.Close())
	assert.NoError(t, server.Monitor().Err())
	assert.Equal(t, int64(1), server.Monitor().Events())
	assert.Zero(t, server.ReceiveBuffer().UseAfterFree())
}

func TestEndpointCloseStopsMonitorBeforeRelease(t *testing.T) {
	cfg := testEndpointConfig()
	cfg.Doorbell = true
	cfg.DoorbellInterval = time.Millisecond

	backend := NewSimulatedVerbsBackend(nil)
	ep, err := NewEndpoint(backend, cfg)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, ep.Close())

	time.Sleep(5 * time.Millisecond)
	assert.Zero(t, ep.ReceiveBuffer().UseAfterFree())
	assert.Zero(t, backend.LiveObjects())
}

func TestEndpointLocalInfo(t *testing.T) {
	ep, err := NewEndpoint(NewSimulatedVerbsBackend(nil), testEndpointConfig())
	require.NoError(t, err)
	defer ep.Close()

	info := ep.LocalInfo(3)
	assert.Equal(t, uint32(3), info.Iters)
	assert.Equal(t, ep.QPN(), info.Path.DQPN, "unresolved payload carries the local identity in the destination half")
	assert.Zero(t, info.Path.SQPN)
	assert.Equal(t, uint32(4), info.Receiving.Size)
	assert.Equal(t, ep.ReceiveBuffer().Addr(), info.Receiving.Addr)
	assert.Equal(t, ep.SendBuffer().Addr(), info.Sending.Addr)
}
