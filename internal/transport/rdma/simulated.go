package rdma

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// BackendSimulated is the registry name of the in-process backend.
const BackendSimulated = "simulated"

// Fault injection points understood by SimulatedVerbsBackend.InjectFault.
const (
	FaultOpenDevice        = "open_device"
	FaultQueryPort         = "query_port"
	FaultAllocPD           = "alloc_pd"
	FaultCreateCompChannel = "create_comp_channel"
	FaultCreateCQ          = "create_cq"
	FaultCreateQP          = "create_qp"
	FaultRegMR             = "reg_mr"
	FaultModifyQP          = "modify_qp"
	FaultPostSend          = "post_send"
)

// CompletionMode controls how the simulated backend completes posted writes.
type CompletionMode int

const (
	// CompletionNormal performs the write and reports success.
	CompletionNormal CompletionMode = iota
	// CompletionDrop performs nothing and never produces a completion.
	CompletionDrop
	// CompletionFail skips the write and reports a retry-exceeded completion.
	CompletionFail
)

const compChannelDepth = 64

// Fabric is an in-process RDMA network. Every backend attached to the same
// fabric can reach queue pairs and memory regions of every other backend, so
// two endpoints in one process can exchange one-sided writes.
type Fabric struct {
	contexts map[VerbsContext]*simulatedContext
	pds      map[VerbsPD]*simulatedPD
	channels map[VerbsCompChannel]*simulatedCompChannel
	cqs      map[VerbsCQ]*simulatedCQ
	qps      map[VerbsQP]*simulatedQP
	mrs      map[VerbsMR]*simulatedMR
	qpByNum  map[uint32]*simulatedQP
	mrByLKey map[uint32]*simulatedMR
	mrByRKey map[uint32]*simulatedMR

	nextHandle uintptr
	nextQPN    uint32
	nextKey    uint32
	nextLID    uint16
	mu         sync.Mutex
}

// NewFabric creates an empty fabric.
func NewFabric() *Fabric {
	return &Fabric{
		contexts: make(map[VerbsContext]*simulatedContext),
		pds:      make(map[VerbsPD]*simulatedPD),
		channels: make(map[VerbsCompChannel]*simulatedCompChannel),
		cqs:      make(map[VerbsCQ]*simulatedCQ),
		qps:      make(map[VerbsQP]*simulatedQP),
		mrs:      make(map[VerbsMR]*simulatedMR),
		qpByNum:  make(map[uint32]*simulatedQP),
		mrByLKey: make(map[uint32]*simulatedMR),
		mrByRKey: make(map[uint32]*simulatedMR),
		nextQPN:  0x100,
		nextKey:  0x1000,
	}
}

var (
	defaultFabric     *Fabric
	defaultFabricOnce sync.Once
)

// DefaultFabric returns the process-wide fabric used by the registry.
func DefaultFabric() *Fabric {
	defaultFabricOnce.Do(func() {
		defaultFabric = NewFabric()
	})

	return defaultFabric
}

func (f *Fabric) handle() uintptr {
	f.nextHandle++
	return f.nextHandle
}

func (f *Fabric) key() uint32 {
	f.nextKey++
	return f.nextKey
}

type simulatedContext struct {
	owner  *SimulatedVerbsBackend
	device VerbsDeviceInfo
}

type simulatedPD struct {
	owner *SimulatedVerbsBackend
	ctx   VerbsContext
}

type simulatedCompChannel struct {
	owner  *SimulatedVerbsBackend
	ctx    VerbsContext
	events chan VerbsCQ
	closed chan struct{}
}

type simulatedCQ struct {
	owner       *SimulatedVerbsBackend
	ctx         VerbsContext
	channel     VerbsCompChannel
	completions []VerbsWorkCompletion
	size        int
	unacked     int
	armed       bool
}

type simulatedQP struct {
	owner   *SimulatedVerbsBackend
	pd      VerbsPD
	sendCQ  VerbsCQ
	recvCQ  VerbsCQ
	qpType  QPType
	qpNum   uint32
	state   QPState
	maxSend int
	maxRecv int
	maxSge  int
	access  int
	port    int
	dest    uint32
	destLID uint16
	destGID [16]byte
	sqPsn   uint32
	rqPsn   uint32
	mtu     MTU
}

type simulatedMR struct {
	owner  *SimulatedVerbsBackend
	handle VerbsMR
	pd     VerbsPD
	buf    *Buffer
	addr   uint64
	length int
	access int
	lkey   uint32
	rkey   uint32
}

// VerbsStats counts backend operations.
type VerbsStats struct {
	DevicesOpened int64
	PDsCreated    int64
	CQsCreated    int64
	QPsCreated    int64
	MRsRegistered int64
	SendsPosted   int64
	RDMAWrites    int64
	BytesWritten  int64
	Completions   int64
	Errors        int64
}

// SimulatedVerbsBackend provides a libibverbs implementation over a Fabric.
type SimulatedVerbsBackend struct {
	fabric         *Fabric
	faults         map[string]error
	metrics        *VerbsStats
	devices        []VerbsDeviceInfo
	completionMode CompletionMode
	gid            [16]byte
	lid            uint16
	mu             sync.RWMutex
	initialized    bool
}

// NewSimulatedVerbsBackend creates a new simulated verbs backend attached to
// fabric. A nil fabric gets a private one.
func NewSimulatedVerbsBackend(fabric *Fabric) *SimulatedVerbsBackend {
	if fabric == nil {
		fabric = NewFabric()
	}

	return &SimulatedVerbsBackend{
		fabric:  fabric,
		faults:  make(map[string]error),
		metrics: &VerbsStats{},
	}
}

func (b *SimulatedVerbsBackend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.initialized {
		return nil
	}

	if b.lid == 0 {
		b.fabric.mu.Lock()
		b.fabric.nextLID++
		b.lid = b.fabric.nextLID
		b.fabric.mu.Unlock()

		b.gid[0] = 0xfe
		b.gid[1] = 0x80
		b.gid[14] = byte(b.lid >> 8)
		b.gid[15] = byte(b.lid)
	}

	b.devices = []VerbsDeviceInfo{
		{
			Name:         "mlx5_0",
			GUID:         0xDEADBEEF00000000 | uint64(b.lid)<<8 | 1,
			NodeType:     1,      // CA
			Transport:    1,      // InfiniBand
			VendorID:     0x15b3, // Mellanox
			VendorPartID: 0x1017, // ConnectX-5
			FWVer:        "16.35.2000",
			PhysPortCnt:  1,
		},
		{
			Name:         "mlx5_1",
			GUID:         0xDEADBEEF00000000 | uint64(b.lid)<<8 | 2,
			NodeType:     1,
			Transport:    1,
			VendorID:     0x15b3,
			VendorPartID: 0x1017,
			FWVer:        "16.35.2000",
			PhysPortCnt:  1,
		},
	}

	b.initialized = true

	return nil
}

// Close releases every object this backend still owns on the fabric.
func (b *SimulatedVerbsBackend) Close() error {
	b.mu.Lock()
	b.initialized = false
	b.mu.Unlock()

	f := b.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	for h, qp := range f.qps {
		if qp.owner == b {
			delete(f.qpByNum, qp.qpNum)
			delete(f.qps, h)
		}
	}

	for h, mr := range f.mrs {
		if mr.owner == b {
			delete(f.mrByLKey, mr.lkey)
			delete(f.mrByRKey, mr.rkey)
			delete(f.mrs, h)
		}
	}

	for h, cq := range f.cqs {
		if cq.owner == b {
			delete(f.cqs, h)
		}
	}

	for h, ch := range f.channels {
		if ch.owner == b {
			close(ch.closed)
			delete(f.channels, h)
		}
	}

	for h, pd := range f.pds {
		if pd.owner == b {
			delete(f.pds, h)
		}
	}

	for h, c := range f.contexts {
		if c.owner == b {
			delete(f.contexts, h)
		}
	}

	return nil
}

// InjectFault makes the named operation fail with err until cleared.
func (b *SimulatedVerbsBackend) InjectFault(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.faults[op] = err
}

// ClearFaults removes every injected fault.
func (b *SimulatedVerbsBackend) ClearFaults() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.faults = make(map[string]error)
}

// SetCompletionMode changes how subsequent writes complete.
func (b *SimulatedVerbsBackend) SetCompletionMode(mode CompletionMode) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.completionMode = mode
}

// Stats returns a snapshot of the backend counters.
func (b *SimulatedVerbsBackend) Stats() VerbsStats {
	return VerbsStats{
		DevicesOpened: atomic.LoadInt64(&b.metrics.DevicesOpened),
		PDsCreated:    atomic.LoadInt64(&b.metrics.PDsCreated),
		CQsCreated:    atomic.LoadInt64(&b.metrics.CQsCreated),
		QPsCreated:    atomic.LoadInt64(&b.metrics.QPsCreated),
		MRsRegistered: atomic.LoadInt64(&b.metrics.MRsRegistered),
		SendsPosted:   atomic.LoadInt64(&b.metrics.SendsPosted),
		RDMAWrites:    atomic.LoadInt64(&b.metrics.RDMAWrites),
		BytesWritten:  atomic.LoadInt64(&b.metrics.BytesWritten),
		Completions:   atomic.LoadInt64(&b.metrics.Completions),
		Errors:        atomic.LoadInt64(&b.metrics.Errors),
	}
}

// LiveObjects counts the fabric objects this backend has not released.
func (b *SimulatedVerbsBackend) LiveObjects() int {
	f := b.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, c := range f.contexts {
		if c.owner == b {
			n++
		}
	}
	for _, pd := range f.pds {
		if pd.owner == b {
			n++
		}
	}
	for _, ch := range f.channels {
		if ch.owner == b {
			n++
		}
	}
	for _, cq := range f.cqs {
		if cq.owner == b {
			n++
		}
	}
	for _, qp := range f.qps {
		if qp.owner == b {
			n++
		}
	}
	for _, mr := range f.mrs {
		if mr.owner == b {
			n++
		}
	}

	return n
}

func (b *SimulatedVerbsBackend) check(op string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.initialized {
		return ErrVerbsNotInitialized
	}

	if err := b.faults[op]; err != nil {
		atomic.AddInt64(&b.metrics.Errors, 1)
		return err
	}

	return nil
}

func (b *SimulatedVerbsBackend) GetDeviceList() ([]VerbsDeviceInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.initialized {
		return nil, ErrVerbsNotInitialized
	}

	result := make([]VerbsDeviceInfo, len(b.devices))
	copy(result, b.devices)

	return result, nil
}

func (b *SimulatedVerbsBackend) OpenDevice(name string) (VerbsContext, error) {
	if err := b.check(FaultOpenDevice); err != nil {
		return 0, err
	}

	var device *VerbsDeviceInfo

	b.mu.RLock()
	for i := range b.devices {
		if b.devices[i].Name == name {
			device = &b.devices[i]
			break
		}
	}
	b.mu.RUnlock()

	if device == nil {
		return 0, fmt.Errorf("%w: %s", ErrDeviceNotFound, name)
	}

	f := b.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	ctx := VerbsContext(f.handle())
	f.contexts[ctx] = &simulatedContext{owner: b, device: *device}
	atomic.AddInt64(&b.metrics.DevicesOpened, 1)

	return ctx, nil
}

func (b *SimulatedVerbsBackend) CloseDevice(ctx VerbsContext) error {
	f := b.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.contexts[ctx]; !ok {
		return fmt.Errorf("%w: unknown device context %d", ErrContextCreation, ctx)
	}

	for _, pd := range f.pds {
		if pd.ctx == ctx {
			return fmt.Errorf("%w: device context has protection domains", ErrResourceBusy)
		}
	}
	for _, cq := range f.cqs {
		if cq.ctx == ctx {
			return fmt.Errorf("%w: device context has completion queues", ErrResourceBusy)
		}
	}
	for _, ch := range f.channels {
		if ch.ctx == ctx {
			return fmt.Errorf("%w: device context has completion channels", ErrResourceBusy)
		}
	}

	delete(f.contexts, ctx)

	return nil
}

func (b *SimulatedVerbsBackend) QueryPort(ctx VerbsContext, port int) (*VerbsPortAttr, error) {
	if err := b.check(FaultQueryPort); err != nil {
		return nil, err
	}

	f := b.fabric
	f.mu.Lock()
	c, ok := f.contexts[ctx]
	f.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: unknown device context %d", ErrContextCreation, ctx)
	}

	if port < 1 || port > c.device.PhysPortCnt {
		return nil, fmt.Errorf("%w: %s port %d", ErrPortNotFound, c.device.Name, port)
	}

	return &VerbsPortAttr{
		LinkLayer: "InfiniBand",
		State:     "ACTIVE",
		GID:       b.gid,
		LID:       b.lid,
		ActiveMTU: MTU4096,
		PortNum:   port,
	}, nil
}

func (b *SimulatedVerbsBackend) AllocPD(ctx VerbsContext) (VerbsPD, error) {
	if err := b.check(FaultAllocPD); err != nil {
		return 0, err
	}

	f := b.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.contexts[ctx]; !ok {
		return 0, fmt.Errorf("%w: unknown device context %d", ErrPDCreation, ctx)
	}

	pd := VerbsPD(f.handle())
	f.pds[pd] = &simulatedPD{owner: b, ctx: ctx}
	atomic.AddInt64(&b.metrics.PDsCreated, 1)

	return pd, nil
}

func (b *SimulatedVerbsBackend) DeallocPD(pd VerbsPD) error {
	f := b.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.pds[pd]; !ok {
		return fmt.Errorf("%w: unknown protection domain %d", ErrPDCreation, pd)
	}

	for _, qp := range f.qps {
		if qp.pd == pd {
			return fmt.Errorf("%w: protection domain has queue pairs", ErrResourceBusy)
		}
	}
	for _, mr := range f.mrs {
		if mr.pd == pd {
			return fmt.Errorf("%w: protection domain has memory regions", ErrResourceBusy)
		}
	}

	delete(f.pds, pd)

	return nil
}

func (b *SimulatedVerbsBackend) CreateCompChannel(ctx VerbsContext) (VerbsCompChannel, error) {
	if err := b.check(FaultCreateCompChannel); err != nil {
		return 0, err
	}

	f := b.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.contexts[ctx]; !ok {
		return 0, fmt.Errorf("%w: unknown device context %d", ErrCompChannelCreation, ctx)
	}

	ch := VerbsCompChannel(f.handle())
	f.channels[ch] = &simulatedCompChannel{
		owner:  b,
		ctx:    ctx,
		events: make(chan VerbsCQ, compChannelDepth),
		closed: make(chan struct{}),
	}

	return ch, nil
}

func (b *SimulatedVerbsBackend) DestroyCompChannel(ch VerbsCompChannel) error {
	f := b.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	simCh, ok := f.channels[ch]
	if !ok {
		return fmt.Errorf("%w: unknown completion channel %d", ErrCompChannelCreation, ch)
	}

	for _, cq := range f.cqs {
		if cq.channel == ch {
			return fmt.Errorf("%w: completion channel has completion queues", ErrResourceBusy)
		}
	}

	close(simCh.closed)
	delete(f.channels, ch)

	return nil
}

func (b *SimulatedVerbsBackend) CreateCQ(ctx VerbsContext, cqe int, ch VerbsCompChannel) (VerbsCQ, error) {
	if err := b.check(FaultCreateCQ); err != nil {
		return 0, err
	}

	if cqe <= 0 {
		return 0, fmt.Errorf("%w: invalid depth %d", ErrCQCreation, cqe)
	}

	f := b.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.contexts[ctx]; !ok {
		return 0, fmt.Errorf("%w: unknown device context %d", ErrCQCreation, ctx)
	}

	if ch != 0 {
		if _, ok := f.channels[ch]; !ok {
			return 0, fmt.Errorf("%w: unknown completion channel %d", ErrCQCreation, ch)
		}
	}

	cq := VerbsCQ(f.handle())
	f.cqs[cq] = &simulatedCQ{
		owner:       b,
		ctx:         ctx,
		channel:     ch,
		size:        cqe,
		completions: make([]VerbsWorkCompletion, 0, cqe),
	}
	atomic.AddInt64(&b.metrics.CQsCreated, 1)

	return cq, nil
}

func (b *SimulatedVerbsBackend) DestroyCQ(cq VerbsCQ) error {
	f := b.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	simCQ, ok := f.cqs[cq]
	if !ok {
		return fmt.Errorf("%w: unknown completion queue %d", ErrCQCreation, cq)
	}

	for _, qp := range f.qps {
		if qp.sendCQ == cq || qp.recvCQ == cq {
			return fmt.Errorf("%w: completion queue attached to queue pair %d", ErrResourceBusy, qp.qpNum)
		}
	}

	if simCQ.unacked > 0 {
		return fmt.Errorf("%w: %d completion events not acknowledged", ErrResourceBusy, simCQ.unacked)
	}

	delete(f.cqs, cq)

	return nil
}

func (b *SimulatedVerbsBackend) PollCQ(cq VerbsCQ, numEntries int) ([]VerbsWorkCompletion, error) {
	f := b.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	simCQ, ok := f.cqs[cq]
	if !ok {
		return nil, fmt.Errorf("%w: unknown completion queue %d", ErrPollCQ, cq)
	}

	count := numEntries
	if len(simCQ.completions) < count {
		count = len(simCQ.completions)
	}

	result := make([]VerbsWorkCompletion, count)
	copy(result, simCQ.completions[:count])
	simCQ.completions = simCQ.completions[count:]

	atomic.AddInt64(&b.metrics.Completions, int64(count))

	return result, nil
}

func (b *SimulatedVerbsBackend) ReqNotifyCQ(cq VerbsCQ) error {
	f := b.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	simCQ, ok := f.cqs[cq]
	if !ok {
		return fmt.Errorf("%w: unknown completion queue %d", ErrPollCQ, cq)
	}

	if simCQ.channel == 0 {
		return fmt.Errorf("%w: completion queue %d has no channel", ErrPollCQ, cq)
	}

	simCQ.armed = true

	return nil
}

func (b *SimulatedVerbsBackend) GetCQEvent(ctx context.Context, ch VerbsCompChannel) (VerbsCQ, error) {
	f := b.fabric
	f.mu.Lock()
	simCh, ok := f.channels[ch]
	f.mu.Unlock()

	if !ok {
		return 0, fmt.Errorf("%w: unknown completion channel %d", ErrCompChannelClosed, ch)
	}

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-simCh.closed:
		return 0, ErrCompChannelClosed
	case cq := <-simCh.events:
		f.mu.Lock()
		if simCQ, ok := f.cqs[cq]; ok {
			simCQ.unacked++
		}
		f.mu.Unlock()

		return cq, nil
	}
}

func (b *SimulatedVerbsBackend) AckCQEvents(cq VerbsCQ, n int) error {
	f := b.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	simCQ, ok := f.cqs[cq]
	if !ok {
		return fmt.Errorf("%w: unknown completion queue %d", ErrPollCQ, cq)
	}

	if n > simCQ.unacked {
		return fmt.Errorf("%w: acknowledging %d events, only %d outstanding", ErrPollCQ, n, simCQ.unacked)
	}

	simCQ.unacked -= n

	return nil
}

func (b *SimulatedVerbsBackend) CreateQP(pd VerbsPD, sendCQ, recvCQ VerbsCQ, qpType QPType, maxSend, maxRecv, maxSge int) (VerbsQP, error) {
	if err := b.check(FaultCreateQP); err != nil {
		return 0, err
	}

	if qpType != QPTypeRC {
		return 0, fmt.Errorf("%w: only RC queue pairs are supported", ErrQPCreation)
	}

	if maxSend <= 0 || maxSge <= 0 {
		return 0, fmt.Errorf("%w: invalid capabilities send=%d sge=%d", ErrQPCreation, maxSend, maxSge)
	}

	f := b.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.pds[pd]; !ok {
		return 0, fmt.Errorf("%w: unknown protection domain %d", ErrQPCreation, pd)
	}

	if _, ok := f.cqs[sendCQ]; !ok {
		return 0, fmt.Errorf("%w: unknown send completion queue %d", ErrQPCreation, sendCQ)
	}

	if _, ok := f.cqs[recvCQ]; !ok {
		return 0, fmt.Errorf("%w: unknown receive completion queue %d", ErrQPCreation, recvCQ)
	}

	qp := VerbsQP(f.handle())
	f.nextQPN++
	simQP := &simulatedQP{
		owner:   b,
		pd:      pd,
		sendCQ:  sendCQ,
		recvCQ:  recvCQ,
		qpType:  qpType,
		qpNum:   f.nextQPN,
		state:   QPStateReset,
		maxSend: maxSend,
		maxRecv: maxRecv,
		maxSge:  maxSge,
	}
	f.qps[qp] = simQP
	f.qpByNum[simQP.qpNum] = simQP
	atomic.AddInt64(&b.metrics.QPsCreated, 1)

	return qp, nil
}

func (b *SimulatedVerbsBackend) DestroyQP(qp VerbsQP) error {
	f := b.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	simQP, ok := f.qps[qp]
	if !ok {
		return fmt.Errorf("%w: unknown queue pair %d", ErrQPCreation, qp)
	}

	delete(f.qpByNum, simQP.qpNum)
	delete(f.qps, qp)

	return nil
}

func (b *SimulatedVerbsBackend) modifyQP(qp VerbsQP, from, to QPState, apply func(*simulatedQP) error) error {
	if err := b.check(FaultModifyQP); err != nil {
		return err
	}

	f := b.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	simQP, ok := f.qps[qp]
	if !ok {
		return fmt.Errorf("%w: unknown queue pair %d", ErrModifyQP, qp)
	}

	if simQP.state != from {
		return fmt.Errorf("%w: queue pair %d is %s, want %s before %s", ErrModifyQP, simQP.qpNum, simQP.state, from, to)
	}

	if err := apply(simQP); err != nil {
		return err
	}

	simQP.state = to

	return nil
}

func (b *SimulatedVerbsBackend) ModifyQPToInit(qp VerbsQP, port int, access int) error {
	return b.modifyQP(qp, QPStateReset, QPStateInit, func(q *simulatedQP) error {
		if port < 1 {
			return fmt.Errorf("%w: invalid port %d", ErrModifyQP, port)
		}

		q.port = port
		q.access = access

		return nil
	})
}

func (b *SimulatedVerbsBackend) ModifyQPToRTR(qp VerbsQP, path *Path) error {
	return b.modifyQP(qp, QPStateInit, QPStateRTR, func(q *simulatedQP) error {
		if path == nil || path.DQPN == 0 {
			return fmt.Errorf("%w: destination queue pair number not set", ErrModifyQP)
		}

		q.dest = path.DQPN
		q.destLID = path.DLID
		q.destGID = path.DGID
		q.rqPsn = path.DQPSN
		q.mtu = path.MTU

		return nil
	})
}

func (b *SimulatedVerbsBackend) ModifyQPToRTS(qp VerbsQP, path *Path) error {
	return b.modifyQP(qp, QPStateRTR, QPStateRTS, func(q *simulatedQP) error {
		if path == nil {
			return fmt.Errorf("%w: path not set", ErrModifyQP)
		}

		q.sqPsn = path.SQPSN

		return nil
	})
}

func (b *SimulatedVerbsBackend) QueryQP(qp VerbsQP) (*VerbsQPAttr, error) {
	f := b.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	simQP, ok := f.qps[qp]
	if !ok {
		return nil, fmt.Errorf("%w: unknown queue pair %d", ErrQPCreation, qp)
	}

	return &VerbsQPAttr{
		State:         simQP.state,
		QPN:           simQP.qpNum,
		DestQPN:       simQP.dest,
		SQPsn:         simQP.sqPsn,
		RQPsn:         simQP.rqPsn,
		QPAccessFlags: simQP.access,
		PortNum:       uint8(simQP.port), //nolint:gosec // G115: port validated on INIT
		PathMTU:       simQP.mtu,
		Cap: VerbsQPCap{
			MaxSendWR:  uint32(simQP.maxSend), //nolint:gosec // G115: maxSend bounded by QP config
			MaxRecvWR:  uint32(simQP.maxRecv), //nolint:gosec // G115: maxRecv bounded by QP config
			MaxSendSge: uint32(simQP.maxSge),  //nolint:gosec // G115: maxSge bounded by QP config
			MaxRecvSge: uint32(simQP.maxSge),  //nolint:gosec // G115: maxSge bounded by QP config
		},
	}, nil
}

func (b *SimulatedVerbsBackend) RegMR(pd VerbsPD, buf *Buffer, access int) (*VerbsMRAttr, error) {
	if err := b.check(FaultRegMR); err != nil {
		return nil, err
	}

	if buf == nil || buf.Len() == 0 {
		return nil, fmt.Errorf("%w: empty buffer", ErrMRCreation)
	}

	if access&MRAccessRemoteWrite != 0 && access&MRAccessLocalWrite == 0 {
		return nil, fmt.Errorf("%w: remote write requires local write access", ErrMRCreation)
	}

	f := b.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.pds[pd]; !ok {
		return nil, fmt.Errorf("%w: unknown protection domain %d", ErrMRCreation, pd)
	}

	mr := &simulatedMR{
		owner:  b,
		handle: VerbsMR(f.handle()),
		pd:     pd,
		buf:    buf,
		addr:   buf.Addr(),
		length: buf.Len(),
		access: access,
		lkey:   f.key(),
		rkey:   f.key(),
	}
	f.mrs[mr.handle] = mr
	f.mrByLKey[mr.lkey] = mr
	f.mrByRKey[mr.rkey] = mr
	atomic.AddInt64(&b.metrics.MRsRegistered, 1)

	return &VerbsMRAttr{
		Handle: mr.handle,
		Addr:   mr.addr,
		Length: mr.length,
		Access: access,
		LKey:   mr.lkey,
		RKey:   mr.rkey,
	}, nil
}

func (b *SimulatedVerbsBackend) DeregMR(mr VerbsMR) error {
	f := b.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	simMR, ok := f.mrs[mr]
	if !ok {
		return fmt.Errorf("%w: unknown memory region %d", ErrMRCreation, mr)
	}

	delete(f.mrByLKey, simMR.lkey)
	delete(f.mrByRKey, simMR.rkey)
	delete(f.mrs, mr)

	return nil
}

func (b *SimulatedVerbsBackend) PostSend(qp VerbsQP, wr *VerbsSendWR) error {
	if err := b.check(FaultPostSend); err != nil {
		return err
	}

	b.mu.RLock()
	mode := b.completionMode
	b.mu.RUnlock()

	f := b.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	simQP, ok := f.qps[qp]
	if !ok {
		return fmt.Errorf("%w: unknown queue pair %d", ErrPostSend, qp)
	}

	if simQP.state != QPStateRTS {
		return fmt.Errorf("%w: queue pair %d is %s", ErrPostSend, simQP.qpNum, simQP.state)
	}

	if wr.Opcode != WROpRDMAWrite {
		return fmt.Errorf("%w: unsupported opcode %d", ErrPostSend, wr.Opcode)
	}

	if len(wr.SGList) == 0 || len(wr.SGList) > simQP.maxSge {
		return fmt.Errorf("%w: %d scatter/gather entries, max %d", ErrPostSend, len(wr.SGList), simQP.maxSge)
	}

	simCQ, ok := f.cqs[simQP.sendCQ]
	if !ok {
		return fmt.Errorf("%w: send completion queue destroyed", ErrPostSend)
	}

	if len(simCQ.completions) >= simCQ.size {
		return fmt.Errorf("%w: completion queue overrun", ErrPostSend)
	}

	atomic.AddInt64(&b.metrics.SendsPosted, 1)

	if mode == CompletionDrop {
		return nil
	}

	var (
		status  WCStatus
		written uint32
	)

	if mode == CompletionFail {
		status = WCRetryExcErr
	} else {
		status, written = f.executeWrite(simQP, wr)
	}

	if status != WCSuccess {
		simQP.state = QPStateError
		atomic.AddInt64(&b.metrics.Errors, 1)
	} else {
		atomic.AddInt64(&b.metrics.RDMAWrites, 1)
		atomic.AddInt64(&b.metrics.BytesWritten, int64(written))
	}

	if wr.SendFlags&SendSignaled == 0 && status == WCSuccess {
		return nil
	}

	simCQ.completions = append(simCQ.completions, VerbsWorkCompletion{
		WRID:    wr.WRID,
		Status:  status,
		Opcode:  WCOpRDMAWrite,
		ByteLen: written,
		QPN:     simQP.qpNum,
	})

	if simCQ.armed {
		if ch, ok := f.channels[simCQ.channel]; ok {
			select {
			case ch.events <- simQP.sendCQ:
				simCQ.armed = false
			default:
			}
		}
	}

	return nil
}

// executeWrite validates and performs one RDMA WRITE. Caller holds f.mu.
func (f *Fabric) executeWrite(q *simulatedQP, wr *VerbsSendWR) (WCStatus, uint32) {
	remote, ok := f.qpByNum[q.dest]
	if !ok || remote.owner.lid != q.destLID {
		return WCRetryExcErr, 0
	}

	if remote.state != QPStateRTR && remote.state != QPStateRTS {
		return WCRetryExcErr, 0
	}

	if remote.dest != q.qpNum {
		return WCRemoteInvalidReqErr, 0
	}

	var total uint64
	for _, sge := range wr.SGList {
		local, ok := f.mrByLKey[sge.LKey]
		if !ok || local.pd != q.pd {
			return WCLocalProtErr, 0
		}

		if sge.Addr < local.addr || sge.Addr+uint64(sge.Length) > local.addr+uint64(local.length) {
			return WCLocalProtErr, 0
		}

		total += uint64(sge.Length)
	}

	target, ok := f.mrByRKey[wr.RKey]
	if !ok || target.pd != remote.pd || target.access&MRAccessRemoteWrite == 0 || remote.access&MRAccessRemoteWrite == 0 {
		return WCRemoteAccessErr, 0
	}

	if wr.RemoteAddr < target.addr || wr.RemoteAddr+total > target.addr+uint64(target.length) {
		return WCRemoteAccessErr, 0
	}

	offset := int(wr.RemoteAddr - target.addr) //nolint:gosec // G115: bounded by region length

	for _, sge := range wr.SGList {
		local := f.mrByLKey[sge.LKey]

		data, err := local.buf.ReadAt(int(sge.Addr-local.addr), int(sge.Length)) //nolint:gosec // G115: bounded by region length
		if err != nil {
			return WCLocalAccessErr, 0
		}

		if err := target.buf.WriteAt(offset, data); err != nil {
			return WCRemoteAccessErr, 0
		}

		offset += len(data)
	}

	return WCSuccess, uint32(total) //nolint:gosec // G115: bounded by region length
}
