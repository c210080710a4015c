package xfer

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmaxfer/internal/handshake"
	"github.com/piwi3910/rdmaxfer/internal/metrics"
	"github.com/piwi3910/rdmaxfer/internal/transport/rdma"
)

// Client initiates transfers.
type Client struct {
	backend rdma.VerbsBackend
	opts    Options
}

// NewClient creates a client that allocates its endpoints from backend.
func NewClient(backend rdma.VerbsBackend, opts Options) *Client {
	return &Client{backend: backend, opts: opts}
}

// Run performs one transfer against the server at addr: write the local
// value into the peer's receive buffer, then wait for the peer's reply in
// our own.
func (c *Client) Run(ctx context.Context, addr string) (report *Report, err error) {
	start := time.Now()
	id := uuid.NewString()
	logger := log.With().Str("session", id).Str("role", string(RoleClient)).Logger()
	t := newTracker(id, RoleClient, c.opts.Observer, logger)

	report = &Report{SessionID: id, Role: RoleClient, Peer: addr, SentValue: c.opts.Value}

	defer func() {
		if err != nil {
			logger.Error().Err(err).Stringer("state", t.state).Msg("Transfer failed")
			t.fail()
		}
		report.State = t.state
		report.Total = time.Since(start)
		metrics.RecordSession(string(RoleClient), err)
	}()

	setupStart := time.Now()

	ep, err := rdma.NewEndpoint(c.backend, c.opts.Endpoint)
	if err != nil {
		return report, fmt.Errorf("create endpoint: %w", err)
	}
	defer closeEndpoint(ep, logger)

	if err := ep.WriteLocalValue(c.opts.Value); err != nil {
		return report, fmt.Errorf("write local value: %w", err)
	}

	report.SetupElapsed = time.Since(setupStart)

	dialer := net.Dialer{Timeout: c.opts.DialTimeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return report, fmt.Errorf("connect to %s: %w", addr, err)
	}

	session := handshake.NewSession(conn, c.opts.Session)
	defer session.Close()

	stop := abortOnCancel(ctx, conn)
	defer stop()

	t.advance(StateTCPConnected)
	logger.Info().Str("peer", addr).Uint32("qpn", ep.QPN()).Msg("Connected to server")

	handshakeStart := time.Now()

	peer, err := session.Exchange(ep.LocalInfo(c.opts.Iters))
	if err != nil {
		return report, contextError(ctx, fmt.Errorf("exchange payload: %w", err))
	}

	report.PeerInfoElapsed = time.Since(handshakeStart)
	t.advance(StatePayloadExchanged)

	if err := ep.Connect(peer); err != nil {
		return report, err
	}

	t.advance(StateQPReady)

	if err := session.Rendezvous(handshake.ClientReadyToken); err != nil {
		return report, contextError(ctx, fmt.Errorf("rendezvous: %w", err))
	}

	metrics.RecordHandshake(string(RoleClient), time.Since(handshakeStart))
	t.advance(StateSyncAcked)

	result, err := ep.WriteRemote(ctx)
	if err != nil {
		return report, err
	}

	report.Bytes = result.Bytes
	report.Throughput = result.Throughput
	report.TransferElapsed = result.Elapsed
	t.advance(StateTransferred)

	receiveStart := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, c.opts.ReplyTimeout)
	defer cancel()

	reply, err := ep.WaitUntilNonzero(waitCtx)
	if err != nil {
		return report, fmt.Errorf("wait for reply: %w", err)
	}

	report.ReceivedValue = reply
	report.ReceiveElapsed = time.Since(receiveStart)

	t.advance(StateDraining)

	if err := session.Drain(c.opts.DrainTimeout); err != nil {
		return report, contextError(ctx, err)
	}

	if err := ep.Close(); err != nil {
		return report, fmt.Errorf("close endpoint: %w", err)
	}

	t.advance(StateClosed)

	logger.Info().
		Int32("sent", report.SentValue).
		Int32("received", report.ReceivedValue).
		Uint32("bytes", report.Bytes).
		Float64("mb_per_sec", report.Throughput).
		Dur("peer_info", report.PeerInfoElapsed).
		Dur("setup", report.SetupElapsed).
		Dur("transfer", report.TransferElapsed).
		Dur("receive", report.ReceiveElapsed).
		Dur("total", time.Since(start)).
		Msg("Transfer complete")

	return report, nil
}

func closeEndpoint(ep *rdma.Endpoint, logger zerolog.Logger) {
	if err := ep.Close(); err != nil {
		logger.Warn().Err(err).Msg("Failed to release endpoint")
	}
}

// contextError attaches ctx's error to err once ctx has ended.
func contextError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}

	return err
}
