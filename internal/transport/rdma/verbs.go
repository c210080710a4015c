// Package rdma provides the verbs abstraction layer and the RDMA WRITE endpoint
// used for point-to-point transfers.
//
// This file defines the interface between the endpoint and the underlying
// verbs provider. It provides:
// - Handle and attribute types mirroring libibverbs objects
// - The VerbsBackend interface every provider implements
// - A registry so providers can be selected by name
//
// The default "simulated" provider is an in-process fabric (see simulated.go).
// A libibverbs provider registers itself under its own name when compiled in.
package rdma

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Verbs errors.
var (
	ErrVerbsNotInitialized = errors.New("verbs not initialized")
	ErrDeviceNotFound      = errors.New("RDMA device not found")
	ErrPortNotFound        = errors.New("RDMA port not found")
	ErrContextCreation     = errors.New("failed to create device context")
	ErrPDCreation          = errors.New("failed to create protection domain")
	ErrCompChannelCreation = errors.New("failed to create completion channel")
	ErrCQCreation          = errors.New("failed to create completion queue")
	ErrQPCreation          = errors.New("failed to create queue pair")
	ErrMRCreation          = errors.New("failed to create memory region")
	ErrPostSend            = errors.New("failed to post send request")
	ErrPollCQ              = errors.New("failed to poll completion queue")
	ErrModifyQP            = errors.New("failed to modify queue pair state")
	ErrResourceBusy        = errors.New("verbs resource still in use")
	ErrCompChannelClosed   = errors.New("completion channel closed")
	ErrUnknownBackend      = errors.New("unknown verbs backend")
)

// VerbsBackend defines the interface for RDMA verbs operations.
// This abstraction allows switching between simulated and hardware backends.
type VerbsBackend interface {
	// Initialization
	Init() error
	Close() error

	// Device Management
	GetDeviceList() ([]VerbsDeviceInfo, error)
	OpenDevice(name string) (VerbsContext, error)
	CloseDevice(ctx VerbsContext) error
	QueryPort(ctx VerbsContext, port int) (*VerbsPortAttr, error)

	// Protection Domain
	AllocPD(ctx VerbsContext) (VerbsPD, error)
	DeallocPD(pd VerbsPD) error

	// Completion Channel
	CreateCompChannel(ctx VerbsContext) (VerbsCompChannel, error)
	DestroyCompChannel(ch VerbsCompChannel) error

	// Completion Queue
	CreateCQ(ctx VerbsContext, cqe int, ch VerbsCompChannel) (VerbsCQ, error)
	DestroyCQ(cq VerbsCQ) error
	PollCQ(cq VerbsCQ, numEntries int) ([]VerbsWorkCompletion, error)
	ReqNotifyCQ(cq VerbsCQ) error
	GetCQEvent(ctx context.Context, ch VerbsCompChannel) (VerbsCQ, error)
	AckCQEvents(cq VerbsCQ, n int) error

	// Queue Pair
	CreateQP(pd VerbsPD, sendCQ, recvCQ VerbsCQ, qpType QPType, maxSend, maxRecv, maxSge int) (VerbsQP, error)
	DestroyQP(qp VerbsQP) error
	ModifyQPToInit(qp VerbsQP, port int, access int) error
	ModifyQPToRTR(qp VerbsQP, path *Path) error
	ModifyQPToRTS(qp VerbsQP, path *Path) error
	QueryQP(qp VerbsQP) (*VerbsQPAttr, error)

	// Memory Registration
	RegMR(pd VerbsPD, buf *Buffer, access int) (*VerbsMRAttr, error)
	DeregMR(mr VerbsMR) error

	// Work Requests
	PostSend(qp VerbsQP, wr *VerbsSendWR) error
}

// Handle types for verbs objects.
type VerbsContext uintptr
type VerbsPD uintptr
type VerbsCompChannel uintptr
type VerbsCQ uintptr
type VerbsQP uintptr
type VerbsMR uintptr

// QPType represents queue pair types.
type QPType int

const (
	QPTypeRC QPType = iota // Reliable Connection
	QPTypeUC               // Unreliable Connection
	QPTypeUD               // Unreliable Datagram
)

// QPState is the queue pair state machine position.
type QPState int

const (
	QPStateReset QPState = iota
	QPStateInit
	QPStateRTR
	QPStateRTS
	QPStateError
)

func (s QPState) String() string {
	switch s {
	case QPStateReset:
		return "RESET"
	case QPStateInit:
		return "INIT"
	case QPStateRTR:
		return "RTR"
	case QPStateRTS:
		return "RTS"
	case QPStateError:
		return "ERR"
	default:
		return fmt.Sprintf("QPState(%d)", int(s))
	}
}

// Memory region access flags.
const (
	MRAccessLocalWrite   = 1 << 0
	MRAccessRemoteWrite  = 1 << 1
	MRAccessRemoteRead   = 1 << 2
	MRAccessRemoteAtomic = 1 << 3
)

// MTU is the path MTU enumeration used by verbs.
type MTU uint8

const (
	MTU256 MTU = iota + 1
	MTU512
	MTU1024
	MTU2048
	MTU4096
)

// Bytes returns the MTU in bytes.
func (m MTU) Bytes() int {
	if m < MTU256 || m > MTU4096 {
		return 0
	}
	return 128 << int(m)
}

// Work completion status.
type WCStatus int

const (
	WCSuccess WCStatus = iota
	WCLocalLenErr
	WCLocalQPOpErr
	WCLocalEECOpErr
	WCLocalProtErr
	WCWRFlushErr
	WCMWBindErr
	WCBadRespErr
	WCLocalAccessErr
	WCRemoteInvalidReqErr
	WCRemoteAccessErr
	WCRemoteOpErr
	WCRetryExcErr
	WCRnrRetryExcErr
	WCLocalRddViolErr
	WCRemoteInvalidRdReqErr
	WCRemoteAbortedErr
	WCInvEECNErr
	WCInvEECStateErr
	WCFatalErr
	WCRespTimeoutErr
	WCGeneralErr
)

var wcStatusNames = map[WCStatus]string{
	WCSuccess:               "success",
	WCLocalLenErr:           "local length error",
	WCLocalQPOpErr:          "local QP operation error",
	WCLocalEECOpErr:         "local EE context operation error",
	WCLocalProtErr:          "local protection error",
	WCWRFlushErr:            "work request flushed error",
	WCMWBindErr:             "memory window bind error",
	WCBadRespErr:            "bad response error",
	WCLocalAccessErr:        "local access error",
	WCRemoteInvalidReqErr:   "remote invalid request error",
	WCRemoteAccessErr:       "remote access error",
	WCRemoteOpErr:           "remote operation error",
	WCRetryExcErr:           "transport retry counter exceeded",
	WCRnrRetryExcErr:        "RNR retry counter exceeded",
	WCLocalRddViolErr:       "local RDD violation error",
	WCRemoteInvalidRdReqErr: "remote invalid RD request",
	WCRemoteAbortedErr:      "operation aborted",
	WCInvEECNErr:            "invalid EE context number",
	WCInvEECStateErr:        "invalid EE context state",
	WCFatalErr:              "fatal error",
	WCRespTimeoutErr:        "response timeout error",
	WCGeneralErr:            "general error",
}

func (s WCStatus) String() string {
	if name, ok := wcStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("WCStatus(%d)", int(s))
}

// Work completion opcode.
type WCOpcode int

const (
	WCOpSend WCOpcode = iota
	WCOpRDMAWrite
	WCOpRDMARead
	WCOpRecv
)

// Work request opcode.
type WROpcode int

const (
	WROpRDMAWrite WROpcode = iota
)

// SendSignaled requests a work completion for a successful send.
const SendSignaled = 1 << 1

// VerbsDeviceInfo contains RDMA device information.
type VerbsDeviceInfo struct {
	Name         string
	FWVer        string
	GUID         uint64
	NodeType     int
	Transport    int
	PhysPortCnt  int
	VendorID     uint32
	VendorPartID uint32
	HWVer        uint32
}

// VerbsPortAttr contains the attributes of one device port.
type VerbsPortAttr struct {
	LinkLayer string
	State     string
	GID       [16]byte
	LID       uint16
	ActiveMTU MTU
	PortNum   int
}

// VerbsWorkCompletion represents a work completion entry.
type VerbsWorkCompletion struct {
	WRID      uint64
	Status    WCStatus
	Opcode    WCOpcode
	VendorErr uint32
	ByteLen   uint32
	QPN       uint32
}

// VerbsQPAttr contains queue pair attributes.
type VerbsQPAttr struct {
	State         QPState
	QPN           uint32
	DestQPN       uint32
	SQPsn         uint32
	RQPsn         uint32
	QPAccessFlags int
	Cap           VerbsQPCap
	PortNum       uint8
	PathMTU       MTU
}

// VerbsQPCap contains queue pair capabilities.
type VerbsQPCap struct {
	MaxSendWR  uint32
	MaxRecvWR  uint32
	MaxSendSge uint32
	MaxRecvSge uint32
}

// VerbsMRAttr describes a registered memory region.
type VerbsMRAttr struct {
	Handle VerbsMR
	Addr   uint64
	Length int
	Access int
	LKey   uint32
	RKey   uint32
}

// VerbsSendWR represents a send work request.
type VerbsSendWR struct {
	SGList     []VerbsSGE
	WRID       uint64
	Opcode     WROpcode
	SendFlags  int
	RemoteAddr uint64
	RKey       uint32
}

// VerbsSGE represents a scatter/gather entry.
type VerbsSGE struct {
	Addr   uint64
	Length uint32
	LKey   uint32
}

// BackendFactory builds a fresh backend instance.
type BackendFactory func() VerbsBackend

var (
	backendsMu sync.RWMutex
	backends   = map[string]BackendFactory{
		BackendSimulated: func() VerbsBackend { return NewSimulatedVerbsBackend(DefaultFabric()) },
	}
)

// RegisterBackend makes a verbs provider available under name.
func RegisterBackend(name string, factory BackendFactory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()

	backends[name] = factory
}

// OpenBackend creates and initializes the backend registered under name.
func OpenBackend(name string) (VerbsBackend, error) {
	backendsMu.RLock()
	factory, ok := backends[name]
	backendsMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownBackend, name, BackendNames())
	}

	backend := factory()
	if err := backend.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize verbs backend %q: %w", name, err)
	}

	return backend, nil
}

// BackendNames lists the registered backend names.
func BackendNames() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}
