package xfer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmaxfer/internal/handshake"
	"github.com/piwi3910/rdmaxfer/internal/metrics"
	"github.com/piwi3910/rdmaxfer/internal/transport/rdma"
)

// Server answers transfers, one connection at a time.
type Server struct {
	backend rdma.VerbsBackend
	opts    Options
}

// NewServer creates a server that allocates its endpoints from backend.
func NewServer(backend rdma.VerbsBackend, opts Options) *Server {
	return &Server{backend: backend, opts: opts}
}

// Serve accepts connections on ln until ctx is done and runs one session
// per connection. A failed session is logged and does not stop the loop.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()

	log.Info().Str("addr", ln.Addr().String()).Msg("Waiting for connections")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			if errors.Is(err, net.ErrClosed) {
				return nil
			}

			return fmt.Errorf("accept: %w", err)
		}

		report, err := s.ServeConn(ctx, conn)
		if s.opts.OnReport != nil {
			s.opts.OnReport(report, err)
		}
	}
}

// ServeConn runs the server side of one transfer on conn and closes it.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) (report *Report, err error) {
	start := time.Now()
	id := uuid.NewString()
	peerAddr := conn.RemoteAddr().String()
	logger := log.With().Str("session", id).Str("role", string(RoleServer)).Str("peer", peerAddr).Logger()
	t := newTracker(id, RoleServer, s.opts.Observer, logger)

	report = &Report{SessionID: id, Role: RoleServer, Peer: peerAddr, SentValue: s.opts.Value}

	defer func() {
		if err != nil {
			logger.Error().Err(err).Stringer("state", t.state).Msg("Transfer failed")
			t.fail()
		}
		report.State = t.state
		report.Total = time.Since(start)
		metrics.RecordSession(string(RoleServer), err)
	}()

	session := handshake.NewSession(conn, s.opts.Session)
	defer session.Close()

	stop := abortOnCancel(ctx, conn)
	defer stop()

	t.advance(StateTCPConnected)
	logger.Info().Msg("Client connected")

	handshakeStart := time.Now()

	peer, err := session.ReceivePayload()
	if err != nil {
		return report, contextError(ctx, fmt.Errorf("receive payload: %w", err))
	}

	report.PeerInfoElapsed = time.Since(handshakeStart)

	observed := make(chan int32, 1)
	ecfg := s.opts.Endpoint
	ecfg.Doorbell = true
	ecfg.OnDoorbell = func(v int32) {
		select {
		case observed <- v:
		default:
		}
	}

	setupStart := time.Now()

	ep, err := rdma.NewEndpoint(s.backend, ecfg)
	if err != nil {
		return report, fmt.Errorf("create endpoint: %w", err)
	}
	defer closeEndpoint(ep, logger)

	if err := ep.WriteLocalValue(s.opts.Value); err != nil {
		return report, fmt.Errorf("write local value: %w", err)
	}

	ep.ResolvePath(peer.Path)
	report.SetupElapsed = time.Since(setupStart)

	if err := session.SendPayload(ep.LocalInfo(s.opts.Iters)); err != nil {
		return report, contextError(ctx, fmt.Errorf("send payload: %w", err))
	}

	t.advance(StatePayloadExchanged)

	if err := ep.Connect(peer); err != nil {
		return report, err
	}

	t.advance(StateQPReady)

	if err := session.Rendezvous(handshake.ServerReadyToken); err != nil {
		return report, contextError(ctx, fmt.Errorf("rendezvous: %w", err))
	}

	metrics.RecordHandshake(string(RoleServer), time.Since(handshakeStart))
	t.advance(StateSyncAcked)

	receiveStart := time.Now()
	timer := time.NewTimer(s.opts.ReplyTimeout)
	defer timer.Stop()

	select {
	case v := <-observed:
		report.ReceivedValue = v
	case <-timer.C:
		return report, fmt.Errorf("wait for client value: %w", &rdma.TimeoutError{Timeout: s.opts.ReplyTimeout})
	case <-ctx.Done():
		return report, fmt.Errorf("wait for client value: %w", ctx.Err())
	}

	report.ReceiveElapsed = time.Since(receiveStart)

	// Without auto-reply the monitor only observes, so answer here
	if !ecfg.AutoReply {
		result, err := ep.WriteRemote(ctx)
		if err != nil {
			return report, fmt.Errorf("reply: %w", err)
		}

		report.Bytes = result.Bytes
		report.Throughput = result.Throughput
		report.TransferElapsed = result.Elapsed
	}

	t.advance(StateTransferred)
	t.advance(StateDraining)

	if err := session.Drain(s.opts.DrainTimeout); err != nil {
		return report, contextError(ctx, err)
	}

	// Close stops the monitor, so its error is final afterwards
	if err := ep.Close(); err != nil {
		return report, fmt.Errorf("close endpoint: %w", err)
	}

	if err := ep.Monitor().Err(); err != nil {
		return report, err
	}

	t.advance(StateClosed)

	logger.Info().
		Int32("received", report.ReceivedValue).
		Int32("replied", report.SentValue).
		Int64("doorbell_events", ep.Monitor().Events()).
		Dur("peer_info", report.PeerInfoElapsed).
		Dur("setup", report.SetupElapsed).
		Dur("receive", report.ReceiveElapsed).
		Dur("total", time.Since(start)).
		Msg("Transfer complete")

	return report, nil
}
