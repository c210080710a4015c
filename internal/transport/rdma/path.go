package rdma

import (
	"math/rand/v2"
	"net"
)

// Default reliable connection timing parameters.
const (
	DefaultRetryCount  = 7
	DefaultRNRRetry    = 7
	DefaultMinRNRTimer = 12
	DefaultQPTimeout   = 14
	DefaultHopLimit    = 64

	psnMask = 0xFFFFFF
)

// Path describes one direction of a reliable connection. Fields prefixed S
// belong to the side that owns the path, fields prefixed D to its peer.
type Path struct {
	SGID            [16]byte
	DGID            [16]byte
	SLID            uint16
	DLID            uint16
	SQPN            uint32
	DQPN            uint32
	SQPSN           uint32
	DQPSN           uint32
	PKeyIndex       uint16
	FlowLabel       uint32
	SL              uint8
	PortNum         uint8
	MTU             MTU
	HopLimit        uint8
	TrafficClass    uint8
	Retry           uint8
	RNRRetry        uint8
	MinRNRTimer     uint8
	Timeout         uint8
	MaxRdAtomic     uint8
	MaxDestRdAtomic uint8
}

// Reverse returns the same connection seen from the other end.
func (p Path) Reverse() Path {
	r := p
	r.SGID, r.DGID = p.DGID, p.SGID
	r.SLID, r.DLID = p.DLID, p.SLID
	r.SQPN, r.DQPN = p.DQPN, p.SQPN
	r.SQPSN, r.DQPSN = p.DQPSN, p.SQPSN
	r.MaxRdAtomic, r.MaxDestRdAtomic = p.MaxDestRdAtomic, p.MaxRdAtomic

	return r
}

// Resolved reports whether both ends of the path carry a queue pair number.
func (p Path) Resolved() bool {
	return p.SQPN != 0 && p.DQPN != 0
}

// SourceGID renders SGID in IPv6 notation.
func (p Path) SourceGID() string { return net.IP(p.SGID[:]).String() }

// DestGID renders DGID in IPv6 notation.
func (p Path) DestGID() string { return net.IP(p.DGID[:]).String() }

// fillSource overwrites the source half of p with the local identity.
func (p *Path) fillSource(port *VerbsPortAttr, qpn, psn uint32) {
	p.SGID = port.GID
	p.SLID = port.LID
	p.SQPN = qpn
	p.SQPSN = psn
	p.PortNum = uint8(port.PortNum) //nolint:gosec // G115: port numbers fit in a byte

	if p.MTU == 0 || p.MTU > port.ActiveMTU {
		p.MTU = port.ActiveMTU
	}
	if p.HopLimit == 0 {
		p.HopLimit = DefaultHopLimit
	}
	if p.Retry == 0 {
		p.Retry = DefaultRetryCount
	}
	if p.RNRRetry == 0 {
		p.RNRRetry = DefaultRNRRetry
	}
	if p.MinRNRTimer == 0 {
		p.MinRNRTimer = DefaultMinRNRTimer
	}
	if p.Timeout == 0 {
		p.Timeout = DefaultQPTimeout
	}
}

func randomPSN() uint32 {
	return rand.Uint32() & psnMask //nolint:gosec // G404: PSNs need not be unpredictable
}

// PeerInfo is everything one side tells the other before writes can flow.
type PeerInfo struct {
	Path      Path
	Sending   MemoryDescriptor
	Receiving MemoryDescriptor
	Iters     uint32
}
