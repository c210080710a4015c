package rdma

import (
	"errors"
	"fmt"
	"time"
)

// Endpoint errors.
var (
	ErrTransportInit    = errors.New("rdma transport initialization failed")
	ErrOutOfBounds      = errors.New("buffer access out of bounds")
	ErrConnect          = errors.New("rdma connect failed")
	ErrCompletion       = errors.New("work completion failed")
	ErrTimeout          = errors.New("timed out waiting for completion")
	ErrInvalidSize      = errors.New("invalid buffer size")
	ErrBufferReleased   = errors.New("buffer already released")
	ErrAlreadyConnected = errors.New("endpoint already connected")
	ErrNotConnected     = errors.New("endpoint not connected")
	ErrEndpointClosed   = errors.New("endpoint closed")
	ErrNoPeerInfo       = errors.New("peer info missing")
)

// TransportInitError reports which resource acquisition step failed.
type TransportInitError struct {
	Err error
	Op  string
}

func (e *TransportInitError) Error() string {
	return fmt.Sprintf("rdma init: %s: %v", e.Op, e.Err)
}

func (e *TransportInitError) Unwrap() error { return e.Err }

func (e *TransportInitError) Is(target error) bool { return target == ErrTransportInit }

// OutOfBoundsError is returned when a read or write falls outside a buffer.
type OutOfBoundsError struct {
	Offset int
	Length int
	Size   int
}

func (e *OutOfBoundsError) Error() string {
	return fmt.Sprintf("%v: offset %d length %d exceeds buffer size %d", ErrOutOfBounds, e.Offset, e.Length, e.Size)
}

func (e *OutOfBoundsError) Is(target error) bool { return target == ErrOutOfBounds }

// ConnectError reports the queue pair transition or validation step that failed.
type ConnectError struct {
	Err   error
	Stage string
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("rdma connect: %s: %v", e.Stage, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

func (e *ConnectError) Is(target error) bool { return target == ErrConnect }

// CompletionError carries a work completion whose status was not success.
type CompletionError struct {
	Record VerbsWorkCompletion
	CQ     VerbsCQ
	QP     uint32
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("%v: wr_id %d on qp 0x%x: %s (vendor error 0x%x)",
		ErrCompletion, e.Record.WRID, e.QP, e.Record.Status, e.Record.VendorErr)
}

func (e *CompletionError) Is(target error) bool { return target == ErrCompletion }

// TimeoutError is returned when no completion arrived within the deadline.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%v after %s", ErrTimeout, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }
