package xfer

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/rdmaxfer/internal/handshake"
	"github.com/piwi3910/rdmaxfer/internal/transport/rdma"
)

type sessionResult struct {
	report *Report
	err    error
}

// stateLog records transitions per role.
type stateLog struct {
	mu     sync.Mutex
	states map[Role][]State
}

func newStateLog() *stateLog {
	return &stateLog{states: make(map[Role][]State)}
}

func (l *stateLog) observe(_ string, role Role, _, to State) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.states[role] = append(l.states[role], to)
}

func (l *stateLog) get(role Role) []State {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]State(nil), l.states[role]...)
}

func testOptions(value int32) Options {
	ep := rdma.DefaultEndpointConfig()
	ep.CompletionTimeout = time.Second

	return Options{
		Endpoint:     ep,
		Session:      handshake.SessionConfig{MaxMessageSize: handshake.DefaultMaxMessageSize, IOTimeout: 2 * time.Second},
		DialTimeout:  time.Second,
		ReplyTimeout: 2 * time.Second,
		DrainTimeout: 2 * time.Second,
		Value:        value,
		Iters:        1,
	}
}

type harness struct {
	addr    string
	client  *Client
	results chan sessionResult
	cb, sb  *rdma.SimulatedVerbsBackend
}

func startServer(t *testing.T, clientOpts, serverOpts Options) *harness {
	t.Helper()

	fabric := rdma.NewFabric()
	cb := rdma.NewSimulatedVerbsBackend(fabric)
	sb := rdma.NewSimulatedVerbsBackend(fabric)
	require.NoError(t, cb.Init())
	require.NoError(t, sb.Init())

	results := make(chan sessionResult, 4)
	serverOpts.OnReport = func(r *Report, err error) {
		results <- sessionResult{r, err}
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- NewServer(sb, serverOpts).Serve(ctx, ln)
	}()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		assert.Zero(t, cb.LiveObjects())
		assert.Zero(t, sb.LiveObjects())
	})

	return &harness{
		addr:    ln.Addr().String(),
		client:  NewClient(cb, clientOpts),
		results: results,
		cb:      cb,
		sb:      sb,
	}
}

func (h *harness) serverResult(t *testing.T) sessionResult {
	t.Helper()

	select {
	case res := <-h.results:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("server did not report")
		return sessionResult{}
	}
}

func TestTransferLoopback(t *testing.T) {
	states := newStateLog()

	clientOpts := testOptions(1)
	clientOpts.Observer = states.observe

	serverOpts := testOptions(2)
	serverOpts.Endpoint.AutoReply = true
	serverOpts.Observer = states.observe

	h := startServer(t, clientOpts, serverOpts)

	report, err := h.client.Run(context.Background(), h.addr)
	require.NoError(t, err)

	assert.Equal(t, StateClosed, report.State)
	assert.Equal(t, int32(1), report.SentValue)
	assert.Equal(t, int32(2), report.ReceivedValue)
	assert.Equal(t, uint32(rdma.DoorbellSize), report.Bytes)
	assert.NotEmpty(t, report.SessionID)
	assert.Positive(t, report.Total)

	res := h.serverResult(t)
	require.NoError(t, res.err)
	assert.Equal(t, StateClosed, res.report.State)
	assert.Equal(t, int32(1), res.report.ReceivedValue)
	assert.Equal(t, int32(2), res.report.SentValue)
	assert.NotEqual(t, report.SessionID, res.report.SessionID)

	want := []State{
		StateTCPConnected,
		StatePayloadExchanged,
		StateQPReady,
		StateSyncAcked,
		StateTransferred,
		StateDraining,
		StateClosed,
	}
	assert.Equal(t, want, states.get(RoleClient))
	assert.Equal(t, want, states.get(RoleServer))
}

func TestTransferExplicitReply(t *testing.T) {
	serverOpts := testOptions(42)
	serverOpts.Endpoint.AutoReply = false

	h := startServer(t, testOptions(7), serverOpts)

	report, err := h.client.Run(context.Background(), h.addr)
	require.NoError(t, err)
	assert.Equal(t, int32(42), report.ReceivedValue)

	res := h.serverResult(t)
	require.NoError(t, res.err)
	assert.Equal(t, int32(7), res.report.ReceivedValue)
	assert.Equal(t, uint32(rdma.DoorbellSize), res.report.Bytes)
}

func TestServerKeepsAccepting(t *testing.T) {
	serverOpts := testOptions(2)
	serverOpts.Endpoint.AutoReply = true

	h := startServer(t, testOptions(1), serverOpts)

	for i := 0; i < 3; i++ {
		report, err := h.client.Run(context.Background(), h.addr)
		require.NoError(t, err)
		assert.Equal(t, int32(2), report.ReceivedValue)

		res := h.serverResult(t)
		require.NoError(t, res.err)
	}
}

func TestClientCompletionFailure(t *testing.T) {
	states := newStateLog()

	clientOpts := testOptions(1)
	clientOpts.Observer = states.observe

	serverOpts := testOptions(2)
	serverOpts.Endpoint.AutoReply = true
	serverOpts.ReplyTimeout = 200 * time.Millisecond

	h := startServer(t, clientOpts, serverOpts)
	h.cb.SetCompletionMode(rdma.CompletionFail)

	report, err := h.client.Run(context.Background(), h.addr)
	require.ErrorIs(t, err, rdma.ErrCompletion)
	assert.Equal(t, StateFailed, report.State)

	got := states.get(RoleClient)
	require.NotEmpty(t, got)
	assert.Equal(t, StateSyncAcked, got[len(got)-2])
	assert.Equal(t, StateFailed, got[len(got)-1])

	res := h.serverResult(t)
	require.Error(t, res.err)
	assert.Equal(t, StateFailed, res.report.State)
}

func TestClientDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	backend := rdma.NewSimulatedVerbsBackend(nil)

	report, err := NewClient(backend, testOptions(1)).Run(context.Background(), addr)
	require.Error(t, err)
	assert.Equal(t, StateFailed, report.State)
	assert.Zero(t, backend.LiveObjects())
}

func TestServeConnRejectsGarbage(t *testing.T) {
	backend := rdma.NewSimulatedVerbsBackend(nil)
	server := NewServer(backend, testOptions(2))

	a, b := net.Pipe()
	defer a.Close()

	go func() {
		b.Write([]byte("GET / HTTP/1.1\r\n"))
		b.Close()
	}()

	report, err := server.ServeConn(context.Background(), a)
	require.ErrorIs(t, err, handshake.ErrBadMagic)
	assert.Equal(t, StateFailed, report.State)
	assert.Zero(t, backend.LiveObjects())
}

func TestServeConnCanceled(t *testing.T) {
	backend := rdma.NewSimulatedVerbsBackend(nil)
	server := NewServer(backend, testOptions(2))

	a, b := net.Pipe()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := server.ServeConn(ctx, a)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "SYNC_ACKD", StateSyncAcked.String())
	assert.Equal(t, "FAILED", StateFailed.String())
	assert.Equal(t, "State(42)", State(42).String())
}
