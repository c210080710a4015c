// Package handshake implements the TCP control channel that two rdmaxfer
// peers use to swap connection parameters before any RDMA WRITE is posted.
//
// Each message is one write on the stream and is read back with a single
// bounded read (see Session), so every message must fit in MaxMessageSize.
package handshake

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/piwi3910/rdmaxfer/internal/transport/rdma"
)

// Payload format constants.
const (
	Magic   = "RDXH"
	Version = 1

	// HeaderSize covers magic, version and flags.
	HeaderSize = len(Magic) + 4
	// PathSize is the encoded size of an rdma.Path.
	PathSize = 70
	// PayloadSize is the encoded size of a version 1 payload.
	PayloadSize = HeaderSize + PathSize + 2*descriptorSize + 4

	descriptorSize = 16
	flagIters      = 1 << 0
)

// Payload errors.
var (
	ErrBadMagic           = errors.New("handshake: bad payload magic")
	ErrUnsupportedVersion = errors.New("handshake: unsupported payload version")
	ErrShortPayload       = errors.New("handshake: payload truncated")
)

// EncodePayload serializes info in the fixed big-endian version 1 layout.
func EncodePayload(info *rdma.PeerInfo) []byte {
	var flags uint16
	if info.Iters != 0 {
		flags |= flagIters
	}

	b := make([]byte, 0, PayloadSize)
	b = append(b, Magic...)
	b = binary.BigEndian.AppendUint16(b, Version)
	b = binary.BigEndian.AppendUint16(b, flags)
	b = appendPath(b, &info.Path)
	b = appendDescriptor(b, info.Sending)
	b = appendDescriptor(b, info.Receiving)
	b = binary.BigEndian.AppendUint32(b, info.Iters)

	return b
}

func appendPath(b []byte, p *rdma.Path) []byte {
	b = append(b, p.SGID[:]...)
	b = append(b, p.DGID[:]...)
	b = binary.BigEndian.AppendUint16(b, p.SLID)
	b = binary.BigEndian.AppendUint16(b, p.DLID)
	b = binary.BigEndian.AppendUint32(b, p.SQPN)
	b = binary.BigEndian.AppendUint32(b, p.DQPN)
	b = binary.BigEndian.AppendUint32(b, p.SQPSN)
	b = binary.BigEndian.AppendUint32(b, p.DQPSN)
	b = binary.BigEndian.AppendUint16(b, p.PKeyIndex)
	b = binary.BigEndian.AppendUint32(b, p.FlowLabel)

	return append(b,
		p.SL,
		p.PortNum,
		uint8(p.MTU),
		p.HopLimit,
		p.TrafficClass,
		p.Retry,
		p.RNRRetry,
		p.MinRNRTimer,
		p.Timeout,
		p.MaxRdAtomic,
		p.MaxDestRdAtomic,
		0, // pad
	)
}

func appendDescriptor(b []byte, d rdma.MemoryDescriptor) []byte {
	b = binary.BigEndian.AppendUint64(b, d.Addr)
	b = binary.BigEndian.AppendUint32(b, d.RKey)

	return binary.BigEndian.AppendUint32(b, d.Size)
}

// checkHeader validates magic and version and returns the full encoded size
// of the message the header starts.
func checkHeader(hdr []byte) (int, error) {
	if len(hdr) < HeaderSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrShortPayload, len(hdr))
	}

	if string(hdr[:len(Magic)]) != Magic {
		return 0, fmt.Errorf("%w: %q", ErrBadMagic, hdr[:len(Magic)])
	}

	if v := binary.BigEndian.Uint16(hdr[len(Magic):]); v != Version {
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}

	return PayloadSize, nil
}

// DecodePayload parses a version 1 payload. Trailing bytes are rejected.
func DecodePayload(data []byte) (*rdma.PeerInfo, error) {
	size, err := checkHeader(data)
	if err != nil {
		return nil, err
	}

	if len(data) != size {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrShortPayload, len(data), size)
	}

	r := reader{data: data, off: len(Magic) + 2}
	flags := r.u16()

	info := &rdma.PeerInfo{}
	r.path(&info.Path)
	info.Sending = r.descriptor()
	info.Receiving = r.descriptor()
	info.Iters = r.u32()

	if flags&flagIters == 0 {
		info.Iters = 0
	}

	return info, nil
}

// reader decodes fields from a slice whose length was checked up front.
type reader struct {
	data []byte
	off  int
}

func (r *reader) next(n int) []byte {
	b := r.data[r.off : r.off+n]
	r.off += n

	return b
}

func (r *reader) u8() uint8   { return r.next(1)[0] }
func (r *reader) u16() uint16 { return binary.BigEndian.Uint16(r.next(2)) }
func (r *reader) u32() uint32 { return binary.BigEndian.Uint32(r.next(4)) }
func (r *reader) u64() uint64 { return binary.BigEndian.Uint64(r.next(8)) }

func (r *reader) path(p *rdma.Path) {
	copy(p.SGID[:], r.next(16))
	copy(p.DGID[:], r.next(16))
	p.SLID = r.u16()
	p.DLID = r.u16()
	p.SQPN = r.u32()
	p.DQPN = r.u32()
	p.SQPSN = r.u32()
	p.DQPSN = r.u32()
	p.PKeyIndex = r.u16()
	p.FlowLabel = r.u32()
	p.SL = r.u8()
	p.PortNum = r.u8()
	p.MTU = rdma.MTU(r.u8())
	p.HopLimit = r.u8()
	p.TrafficClass = r.u8()
	p.Retry = r.u8()
	p.RNRRetry = r.u8()
	p.MinRNRTimer = r.u8()
	p.Timeout = r.u8()
	p.MaxRdAtomic = r.u8()
	p.MaxDestRdAtomic = r.u8()
	r.next(1)
}

func (r *reader) descriptor() rdma.MemoryDescriptor {
	return rdma.MemoryDescriptor{
		Addr: r.u64(),
		RKey: r.u32(),
		Size: r.u32(),
	}
}
