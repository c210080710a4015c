package handshake

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmaxfer/internal/transport/rdma"
)

// Control tokens exchanged once both queue pairs are ready.
const (
	ClientReadyToken = "Ready"
	ServerReadyToken = "ready"
)

// Session defaults.
const (
	DefaultPort           = 4444
	DefaultMaxMessageSize = 1024
	DefaultIOTimeout      = 30 * time.Second
)

// Session errors.
var (
	ErrMessageTooLarge      = errors.New("handshake: message exceeds maximum size")
	ErrUnexpectedMessage    = errors.New("handshake: unexpected control message")
	ErrPeerClosed           = errors.New("handshake: peer closed the connection")
	ErrHalfCloseUnsupported = errors.New("handshake: connection does not support half-close")
)

// SessionConfig configures a Session.
type SessionConfig struct {
	MaxMessageSize int
	// IOTimeout bounds every individual read and write; zero disables it.
	IOTimeout time.Duration
}

// DefaultSessionConfig returns the default session configuration.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxMessageSize: DefaultMaxMessageSize,
		IOTimeout:      DefaultIOTimeout,
	}
}

type halfCloser interface {
	CloseWrite() error
}

// Session runs the control-channel protocol over one TCP connection.
type Session struct {
	conn   net.Conn
	logger zerolog.Logger
	buf    []byte
	cfg    SessionConfig
}

// NewSession wraps an established connection.
func NewSession(conn net.Conn, cfg SessionConfig) *Session {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}

	return &Session{
		conn: conn,
		cfg:  cfg,
		buf:  make([]byte, cfg.MaxMessageSize),
		logger: log.With().
			Str("component", "handshake").
			Str("peer", conn.RemoteAddr().String()).
			Logger(),
	}
}

func (s *Session) deadline() time.Time {
	if s.cfg.IOTimeout <= 0 {
		return time.Time{}
	}

	return time.Now().Add(s.cfg.IOTimeout)
}

// Send writes msg as one message.
func (s *Session) Send(msg []byte) error {
	if len(msg) > s.cfg.MaxMessageSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, len(msg), s.cfg.MaxMessageSize)
	}

	if err := s.conn.SetWriteDeadline(s.deadline()); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}

	if _, err := s.conn.Write(msg); err != nil {
		return fmt.Errorf("send control message: %w", err)
	}

	return nil
}

// Receive performs one bounded read and returns whatever it delivered.
func (s *Session) Receive() ([]byte, error) {
	if err := s.conn.SetReadDeadline(s.deadline()); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}

	n, err := s.conn.Read(s.buf)
	if n > 0 {
		msg := make([]byte, n)
		copy(msg, s.buf[:n])

		return msg, nil
	}

	if err == nil || errors.Is(err, io.EOF) {
		return nil, ErrPeerClosed
	}

	return nil, fmt.Errorf("receive control message: %w", err)
}

// SendPayload encodes and sends the local payload.
func (s *Session) SendPayload(info *rdma.PeerInfo) error {
	s.logger.Debug().
		Uint32("qpn", info.Path.SQPN).
		Uint32("dest_qpn", info.Path.DQPN).
		Str("recv_addr", fmt.Sprintf("0x%x", info.Receiving.Addr)).
		Str("recv_rkey", fmt.Sprintf("0x%x", info.Receiving.RKey)).
		Uint32("recv_size", info.Receiving.Size).
		Msg("Sending payload")

	return s.Send(EncodePayload(info))
}

// ReceivePayload reads exactly one payload: the fixed header first, then
// the remainder its version declares.
func (s *Session) ReceivePayload() (*rdma.PeerInfo, error) {
	if len(s.buf) < HeaderSize {
		return nil, fmt.Errorf("%w: limit %d bytes is below the payload header", ErrMessageTooLarge, len(s.buf))
	}

	if err := s.conn.SetReadDeadline(s.deadline()); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}

	hdr := s.buf[:HeaderSize]
	if _, err := io.ReadFull(s.conn, hdr); err != nil {
		return nil, s.readError(err)
	}

	size, err := checkHeader(hdr)
	if err != nil {
		return nil, err
	}

	if size > s.cfg.MaxMessageSize {
		return nil, fmt.Errorf("%w: payload of %d bytes", ErrMessageTooLarge, size)
	}

	if _, err := io.ReadFull(s.conn, s.buf[HeaderSize:size]); err != nil {
		return nil, s.readError(err)
	}

	info, err := DecodePayload(s.buf[:size])
	if err != nil {
		return nil, err
	}

	s.logger.Debug().
		Uint32("qpn", info.Path.SQPN).
		Uint32("dest_qpn", info.Path.DQPN).
		Str("recv_addr", fmt.Sprintf("0x%x", info.Receiving.Addr)).
		Str("recv_rkey", fmt.Sprintf("0x%x", info.Receiving.RKey)).
		Uint32("recv_size", info.Receiving.Size).
		Msg("Received payload")

	return info, nil
}

func (s *Session) readError(err error) error {
	switch {
	case errors.Is(err, io.EOF):
		return ErrPeerClosed
	case errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: connection closed mid-payload", ErrShortPayload)
	default:
		return fmt.Errorf("receive payload: %w", err)
	}
}

// Exchange sends local and then waits for the peer's payload.
func (s *Session) Exchange(local *rdma.PeerInfo) (*rdma.PeerInfo, error) {
	if err := s.SendPayload(local); err != nil {
		return nil, err
	}

	return s.ReceivePayload()
}

// Rendezvous sends token and waits for the peer's ready token. Both sides
// call it only after their queue pair reached RTS, so returning means the
// peer can accept writes.
func (s *Session) Rendezvous(token string) error {
	if err := s.Send([]byte(token)); err != nil {
		return err
	}

	msg, err := s.Receive()
	if err != nil {
		return err
	}

	if !strings.EqualFold(strings.TrimSpace(string(msg)), ServerReadyToken) {
		return fmt.Errorf("%w: %q", ErrUnexpectedMessage, msg)
	}

	s.logger.Debug().Str("sent", token).Str("received", string(msg)).Msg("Rendezvous complete")

	return nil
}

// Drain half-closes the write side and waits for the peer to do the same.
// Bytes that arrive before the peer's FIN are discarded.
func (s *Session) Drain(timeout time.Duration) error {
	hc, ok := s.conn.(halfCloser)
	if !ok {
		return ErrHalfCloseUnsupported
	}

	if err := hc.CloseWrite(); err != nil {
		return fmt.Errorf("half-close: %w", err)
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("set read deadline: %w", err)
	}

	for {
		n, err := s.conn.Read(s.buf)
		if n > 0 {
			s.logger.Debug().Int("bytes", n).Msg("Discarding data received while draining")
		}

		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("drain: %w", err)
		}
	}
}

// Close closes the connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}
