package rdma

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmaxfer/internal/metrics"
)

// Endpoint defaults.
const (
	DefaultDevice            = "mlx5_0"
	DefaultPort              = 1
	DefaultTxDepth           = 100
	DefaultMaxSGE            = 1
	DefaultCompletionTimeout = 3 * time.Second
	DefaultPollInterval      = 100 * time.Microsecond

	// DoorbellSize is the width of the doorbell slot at offset 0.
	DoorbellSize = 4

	regionAccess = MRAccessLocalWrite | MRAccessRemoteWrite
)

// EndpointConfig configures an Endpoint.
type EndpointConfig struct {
	// OnDoorbell observes every value consumed by the doorbell monitor,
	// before any auto-reply is sent.
	OnDoorbell        func(int32)
	Name              string
	DeviceName        string
	Port              int
	SendSize          int
	RecvSize          int
	TxDepth           int
	MaxSGE            int
	CompletionTimeout time.Duration
	CQPollInterval    time.Duration
	DoorbellInterval  time.Duration
	UseCompChannel    bool
	// Doorbell starts a DoorbellMonitor over the receive buffer.
	Doorbell bool
	// AutoReply writes the send buffer back to the peer on every doorbell.
	AutoReply bool
}

// DefaultEndpointConfig returns a configuration for 4-byte doorbell transfers.
func DefaultEndpointConfig() EndpointConfig {
	return EndpointConfig{
		DeviceName:        DefaultDevice,
		Port:              DefaultPort,
		SendSize:          DoorbellSize,
		RecvSize:          DoorbellSize,
		TxDepth:           DefaultTxDepth,
		MaxSGE:            DefaultMaxSGE,
		CompletionTimeout: DefaultCompletionTimeout,
		CQPollInterval:    DefaultPollInterval,
		DoorbellInterval:  DefaultPollInterval,
		UseCompChannel:    true,
	}
}

func (c *EndpointConfig) validate() error {
	if c.DeviceName == "" {
		return errors.New("device name is required")
	}

	if c.Port < 1 {
		return fmt.Errorf("invalid port %d", c.Port)
	}

	if c.SendSize <= 0 || c.SendSize > math.MaxUint32 {
		return fmt.Errorf("%w: send size %d", ErrInvalidSize, c.SendSize)
	}

	if c.RecvSize <= 0 || c.RecvSize > math.MaxUint32 {
		return fmt.Errorf("%w: receive size %d", ErrInvalidSize, c.RecvSize)
	}

	if c.Doorbell && c.RecvSize < DoorbellSize {
		return fmt.Errorf("%w: doorbell needs a receive buffer of at least %d bytes", ErrInvalidSize, DoorbellSize)
	}

	if c.TxDepth < 1 {
		return fmt.Errorf("invalid tx depth %d", c.TxDepth)
	}

	if c.MaxSGE < 1 {
		c.MaxSGE = DefaultMaxSGE
	}

	if c.CompletionTimeout <= 0 {
		return fmt.Errorf("invalid completion timeout %s", c.CompletionTimeout)
	}

	return nil
}

// WriteResult describes one completed RDMA WRITE.
type WriteResult struct {
	WRID       uint64
	Bytes      uint32
	Elapsed    time.Duration
	Throughput float64
}

// Endpoint owns the verbs resources of one side of a transfer: a device
// context, protection domain, completion queue, RC queue pair and two
// registered buffers. The send buffer is the source of every write to the
// peer, the receive buffer is the target of the peer's writes.
type Endpoint struct {
	backend  VerbsBackend
	cfg      EndpointConfig
	logger   zerolog.Logger
	lifetime context.Context
	cancel   context.CancelFunc

	device   VerbsContext
	portAttr *VerbsPortAttr
	pd       VerbsPD
	channel  VerbsCompChannel
	cq       VerbsCQ
	qp       VerbsQP
	qpn      uint32
	sendBuf  *Buffer
	recvBuf  *Buffer
	sendMR   *MemoryRegion
	recvMR   *MemoryRegion
	poller   *CompletionPoller
	monitor  *DoorbellMonitor

	source   Path
	resolved *Path
	peer     PeerInfo

	wrID      uint64
	mu        sync.Mutex
	sendMu    sync.Mutex
	connected bool
	closed    bool
	counted   bool
}

// NewEndpoint acquires every verbs resource the endpoint needs. On failure
// the resources acquired so far are released and a *TransportInitError is
// returned.
func NewEndpoint(backend VerbsBackend, cfg EndpointConfig) (_ *Endpoint, err error) {
	if err := cfg.validate(); err != nil {
		return nil, &TransportInitError{Op: "config", Err: err}
	}

	if err := backend.Init(); err != nil {
		return nil, &TransportInitError{Op: "init", Err: err}
	}

	e := &Endpoint{
		backend: backend,
		cfg:     cfg,
		logger: log.With().
			Str("component", "rdma-endpoint").
			Str("endpoint", cfg.Name).
			Str("device", cfg.DeviceName).
			Logger(),
	}
	e.lifetime, e.cancel = context.WithCancel(context.Background())

	defer func() {
		if err == nil {
			return
		}

		if relErr := e.release(); relErr != nil {
			e.logger.Warn().Err(relErr).Msg("Failed to release partially initialized endpoint")
		}
	}()

	if e.device, err = backend.OpenDevice(cfg.DeviceName); err != nil {
		return nil, &TransportInitError{Op: "open device", Err: err}
	}

	if e.portAttr, err = backend.QueryPort(e.device, cfg.Port); err != nil {
		return nil, &TransportInitError{Op: "query port", Err: err}
	}

	if e.pd, err = backend.AllocPD(e.device); err != nil {
		return nil, &TransportInitError{Op: "alloc pd", Err: err}
	}

	if cfg.UseCompChannel {
		if e.channel, err = backend.CreateCompChannel(e.device); err != nil {
			return nil, &TransportInitError{Op: "create completion channel", Err: err}
		}
	}

	if e.cq, err = backend.CreateCQ(e.device, 2*cfg.TxDepth, e.channel); err != nil {
		return nil, &TransportInitError{Op: "create cq", Err: err}
	}

	if e.qp, err = backend.CreateQP(e.pd, e.cq, e.cq, QPTypeRC, cfg.TxDepth, cfg.TxDepth, cfg.MaxSGE); err != nil {
		return nil, &TransportInitError{Op: "create qp", Err: err}
	}

	attr, err := backend.QueryQP(e.qp)
	if err != nil {
		return nil, &TransportInitError{Op: "query qp", Err: err}
	}
	e.qpn = attr.QPN

	if e.sendBuf, err = NewBuffer(cfg.SendSize); err != nil {
		return nil, &TransportInitError{Op: "alloc send buffer", Err: err}
	}

	if e.sendMR, err = registerRegion(backend, e.pd, e.sendBuf, regionAccess); err != nil {
		return nil, &TransportInitError{Op: "register send buffer", Err: err}
	}

	if e.recvBuf, err = NewBuffer(cfg.RecvSize); err != nil {
		return nil, &TransportInitError{Op: "alloc receive buffer", Err: err}
	}

	if e.recvMR, err = registerRegion(backend, e.pd, e.recvBuf, regionAccess); err != nil {
		return nil, &TransportInitError{Op: "register receive buffer", Err: err}
	}

	e.source.fillSource(e.portAttr, e.qpn, randomPSN())
	e.poller = NewCompletionPoller(backend, e.cq, e.channel, cfg.CQPollInterval, e.qpn)

	if cfg.Doorbell {
		e.monitor = NewDoorbellMonitor(e.recvBuf, DoorbellOptions{
			Interval: cfg.DoorbellInterval,
			Callback: e.onDoorbell,
		})
		e.monitor.Start()
	}

	e.counted = true
	metrics.IncrementActiveEndpoints()

	e.logger.Debug().
		Uint32("qpn", e.qpn).
		Uint16("lid", e.portAttr.LID).
		Str("gid", e.source.SourceGID()).
		Uint32("psn", e.source.SQPSN).
		Int("send_size", cfg.SendSize).
		Int("recv_size", cfg.RecvSize).
		Msg("Endpoint created")

	return e, nil
}

func (e *Endpoint) onDoorbell(value int32) error {
	if e.cfg.OnDoorbell != nil {
		e.cfg.OnDoorbell(value)
	}

	if !e.cfg.AutoReply {
		return nil
	}

	if _, err := e.WriteRemote(e.lifetime); err != nil {
		return fmt.Errorf("auto-reply: %w", err)
	}

	return nil
}

// WriteLocalBuffer copies p into the send buffer at off.
func (e *Endpoint) WriteLocalBuffer(off int, p []byte) error {
	if e.sendBuf == nil {
		return ErrEndpointClosed
	}

	return e.sendBuf.WriteAt(off, p)
}

// WriteLocalValue stores v as a little-endian int32 at the start of the send
// buffer, which is where the peer's doorbell looks.
func (e *Endpoint) WriteLocalValue(v int32) error {
	if e.sendBuf == nil {
		return ErrEndpointClosed
	}

	return e.sendBuf.WriteInt32(0, v)
}

// ResolvePath completes a peer-supplied path with the local identity and
// keeps it as the path for Connect and LocalInfo.
func (e *Endpoint) ResolvePath(peer Path) Path {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := peer
	p.fillSource(e.portAttr, e.qpn, e.source.SQPSN)
	e.resolved = &p

	return p
}

// LocalInfo returns the payload describing this endpoint to its peer.
func (e *Endpoint) LocalInfo(iters uint32) *PeerInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	path := e.source.Reverse()
	if e.resolved != nil {
		path = *e.resolved
	}

	return &PeerInfo{
		Path:      path,
		Sending:   e.sendMR.Descriptor(),
		Receiving: e.recvMR.Descriptor(),
		Iters:     iters,
	}
}

// Connect drives the queue pair from RESET to RTS towards peer. It may only
// succeed once per endpoint.
func (e *Endpoint) Connect(peer *PeerInfo) error {
	if peer == nil {
		return ErrNoPeerInfo
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEndpointClosed
	}

	if e.connected {
		return ErrAlreadyConnected
	}

	path := peer.Path.Reverse()
	if e.resolved != nil {
		path = *e.resolved
	}

	if err := e.validatePeer(path, peer); err != nil {
		return &ConnectError{Stage: "validate", Err: err}
	}

	if err := e.backend.ModifyQPToInit(e.qp, e.cfg.Port, regionAccess); err != nil {
		return &ConnectError{Stage: "init", Err: err}
	}

	if err := e.backend.ModifyQPToRTR(e.qp, &path); err != nil {
		return &ConnectError{Stage: "rtr", Err: err}
	}

	if err := e.backend.ModifyQPToRTS(e.qp, &path); err != nil {
		return &ConnectError{Stage: "rts", Err: err}
	}

	e.peer = *peer
	e.connected = true

	e.logger.Debug().
		Uint32("qpn", path.SQPN).
		Uint32("dest_qpn", path.DQPN).
		Uint16("dest_lid", path.DLID).
		Str("dest_gid", path.DestGID()).
		Str("remote_addr", fmt.Sprintf("0x%x", peer.Receiving.Addr)).
		Str("remote_rkey", fmt.Sprintf("0x%x", peer.Receiving.RKey)).
		Msg("Queue pair ready to send")

	return nil
}

func (e *Endpoint) validatePeer(path Path, peer *PeerInfo) error {
	if path.SQPN != e.qpn {
		return fmt.Errorf("path source qp 0x%x does not match local qp 0x%x", path.SQPN, e.qpn)
	}

	if path.DQPN == 0 {
		return errors.New("peer queue pair number missing from path")
	}

	if peer.Receiving.RKey == 0 || peer.Receiving.Size == 0 {
		return errors.New("peer receive region missing")
	}

	return nil
}

// WriteRemote posts one signaled RDMA WRITE of the send buffer into the
// peer's receive buffer and waits for its completion.
func (e *Endpoint) WriteRemote(ctx context.Context) (*WriteResult, error) {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	e.mu.Lock()
	closed, connected, peer := e.closed, e.connected, e.peer
	e.mu.Unlock()

	if closed {
		return nil, ErrEndpointClosed
	}

	if !connected {
		return nil, ErrNotConnected
	}

	length := min(uint32(e.cfg.SendSize), peer.Receiving.Size) //nolint:gosec // G115: validated in config

	e.wrID++
	wr := &VerbsSendWR{
		WRID:       e.wrID,
		Opcode:     WROpRDMAWrite,
		SendFlags:  SendSignaled,
		SGList:     []VerbsSGE{e.sendMR.SGE(length)},
		RemoteAddr: peer.Receiving.Addr,
		RKey:       peer.Receiving.RKey,
	}

	start := time.Now()

	if err := e.backend.PostSend(e.qp, wr); err != nil {
		metrics.RecordWrite(metrics.StatusPostFailed, 0, 0)
		return nil, fmt.Errorf("post rdma write: %w", err)
	}

	wc, err := e.poller.PollOne(ctx, e.cfg.CompletionTimeout)
	elapsed := time.Since(start)

	if err != nil {
		metrics.RecordWrite(writeStatus(err), 0, elapsed)
		e.logger.Error().Err(err).Uint64("wr_id", wr.WRID).Msg("RDMA write failed")

		return nil, err
	}

	result := &WriteResult{
		WRID:       wc.WRID,
		Bytes:      wc.ByteLen,
		Elapsed:    elapsed,
		Throughput: metrics.Throughput(int(wc.ByteLen), elapsed),
	}
	metrics.RecordWrite(metrics.StatusSuccess, int(wc.ByteLen), elapsed)

	e.logger.Info().
		Uint32("bytes", result.Bytes).
		Dur("elapsed", elapsed).
		Float64("mb_per_sec", result.Throughput).
		Msg("RDMA write completed")

	return result, nil
}

func writeStatus(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return metrics.StatusTimeout
	case errors.Is(err, ErrCompletion):
		return metrics.StatusCompletion
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return metrics.StatusCanceled
	default:
		return metrics.StatusPostFailed
	}
}

// WaitUntilNonzero blocks until the peer rings this endpoint's doorbell.
func (e *Endpoint) WaitUntilNonzero(ctx context.Context) (int32, error) {
	if e.recvBuf == nil {
		return 0, ErrEndpointClosed
	}

	return WaitUntilNonzero(ctx, e.recvBuf, e.cfg.DoorbellInterval)
}

// Close stops the doorbell monitor, waits for any in-flight write and
// releases all verbs resources. Later calls return nil.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()

	if e.monitor != nil {
		e.monitor.Stop()
	}

	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	err := e.release()

	if e.counted {
		metrics.DecrementActiveEndpoints()
		e.counted = false
	}

	if err != nil {
		e.logger.Warn().Err(err).Msg("Endpoint released with errors")
	} else {
		e.logger.Debug().Msg("Endpoint closed")
	}

	return err
}

// release frees whatever has been acquired, in reverse order. Handles are
// zeroed as they go so a second call only touches what is left.
func (e *Endpoint) release() error {
	var errs []error

	if e.monitor != nil {
		e.monitor.Stop()
	}

	if e.qp != 0 {
		if err := e.backend.DestroyQP(e.qp); err != nil {
			errs = append(errs, fmt.Errorf("destroy qp: %w", err))
		}
		e.qp = 0
	}

	for _, mr := range []*MemoryRegion{e.recvMR, e.sendMR} {
		if mr == nil {
			continue
		}

		if err := e.backend.DeregMR(mr.Handle()); err != nil {
			errs = append(errs, fmt.Errorf("deregister memory region: %w", err))
		}
	}
	e.recvMR, e.sendMR = nil, nil

	for _, buf := range []*Buffer{e.recvBuf, e.sendBuf} {
		if buf == nil {
			continue
		}

		if err := buf.Free(); err != nil {
			errs = append(errs, err)
		}
	}

	if e.cq != 0 {
		if err := e.backend.DestroyCQ(e.cq); err != nil {
			errs = append(errs, fmt.Errorf("destroy cq: %w", err))
		}
		e.cq = 0
	}

	if e.channel != 0 {
		if err := e.backend.DestroyCompChannel(e.channel); err != nil {
			errs = append(errs, fmt.Errorf("destroy completion channel: %w", err))
		}
		e.channel = 0
	}

	if e.pd != 0 {
		if err := e.backend.DeallocPD(e.pd); err != nil {
			errs = append(errs, fmt.Errorf("dealloc pd: %w", err))
		}
		e.pd = 0
	}

	if e.device != 0 {
		if err := e.backend.CloseDevice(e.device); err != nil {
			errs = append(errs, fmt.Errorf("close device: %w", err))
		}
		e.device = 0
	}

	e.cancel()

	return errors.Join(errs...)
}

// QPN returns the local queue pair number.
func (e *Endpoint) QPN() uint32 { return e.qpn }

// Connected reports whether Connect has succeeded.
func (e *Endpoint) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.connected
}

// SendBuffer returns the outbound buffer.
func (e *Endpoint) SendBuffer() *Buffer { return e.sendBuf }

// ReceiveBuffer returns the inbound buffer.
func (e *Endpoint) ReceiveBuffer() *Buffer { return e.recvBuf }

// Monitor returns the doorbell monitor, nil when disabled.
func (e *Endpoint) Monitor() *DoorbellMonitor { return e.monitor }
