package xfer

import (
	"context"
	"net"
	"time"

	"github.com/piwi3910/rdmaxfer/internal/config"
	"github.com/piwi3910/rdmaxfer/internal/handshake"
	"github.com/piwi3910/rdmaxfer/internal/transport/rdma"
)

// Options configures a Client or a Server.
type Options struct {
	Endpoint rdma.EndpointConfig
	Session  handshake.SessionConfig

	DialTimeout time.Duration
	// ReplyTimeout bounds the wait for the peer's doorbell value.
	ReplyTimeout time.Duration
	DrainTimeout time.Duration

	// Value is written to the local send buffer before the transfer.
	Value int32
	Iters uint32

	Observer Observer
	// OnReport receives the outcome of every session a Server handles.
	OnReport func(*Report, error)
}

// ClientOptions derives client options from cfg.
func ClientOptions(cfg *config.Config) Options {
	return Options{
		Endpoint:     cfg.EndpointConfig(false),
		Session:      cfg.SessionConfig(),
		DialTimeout:  cfg.DialTimeout,
		ReplyTimeout: cfg.ReplyTimeout,
		DrainTimeout: cfg.DrainTimeout,
		Value:        cfg.ClientValue,
		Iters:        cfg.Iters,
	}
}

// ServerOptions derives server options from cfg.
func ServerOptions(cfg *config.Config) Options {
	return Options{
		Endpoint:     cfg.EndpointConfig(true),
		Session:      cfg.SessionConfig(),
		ReplyTimeout: cfg.ReplyTimeout,
		DrainTimeout: cfg.DrainTimeout,
		Value:        cfg.ReplyValue,
		Iters:        cfg.Iters,
	}
}

// Report summarizes one session.
type Report struct {
	SessionID string
	Role      Role
	Peer      string
	State     State

	// SentValue is the value this side wrote, ReceivedValue the one the
	// peer's write delivered.
	SentValue     int32
	ReceivedValue int32

	// Bytes and Throughput describe the write posted by this role. A server
	// answering through auto-reply leaves them zero.
	Bytes      uint32
	Throughput float64

	PeerInfoElapsed time.Duration
	SetupElapsed    time.Duration
	TransferElapsed time.Duration
	ReceiveElapsed  time.Duration
	Total           time.Duration
}

// abortOnCancel unblocks pending reads and writes on conn once ctx ends.
func abortOnCancel(ctx context.Context, conn net.Conn) func() bool {
	return context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
}
