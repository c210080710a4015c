// Package xfer runs the two roles of an rdmaxfer transfer on top of an
// rdma.Endpoint and a handshake.Session.
//
// Both roles walk the same state sequence:
//
//	INIT → TCP_CONNECTED → PAYLOAD_EXCHANGED → QP_READY → SYNC_ACKD →
//	TRANSFERRED → DRAINING → CLOSED
//
// and end in FAILED when any step returns an error.
package xfer

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Role names one side of a transfer.
type Role string

const (
	RoleClient Role = "client"
	RoleServer Role = "server"
)

// State is a step of the transfer protocol.
type State int

const (
	StateInit State = iota
	StateTCPConnected
	StatePayloadExchanged
	StateQPReady
	StateSyncAcked
	StateTransferred
	StateDraining
	StateClosed
	StateFailed
)

var stateNames = [...]string{
	StateInit:             "INIT",
	StateTCPConnected:     "TCP_CONNECTED",
	StatePayloadExchanged: "PAYLOAD_EXCHANGED",
	StateQPReady:          "QP_READY",
	StateSyncAcked:        "SYNC_ACKD",
	StateTransferred:      "TRANSFERRED",
	StateDraining:         "DRAINING",
	StateClosed:           "CLOSED",
	StateFailed:           "FAILED",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}

	return fmt.Sprintf("State(%d)", int(s))
}

// Observer is called on every state change of a session. It runs on the
// goroutine driving that session.
type Observer func(sessionID string, role Role, from, to State)

type tracker struct {
	id       string
	role     Role
	state    State
	observer Observer
	logger   zerolog.Logger
}

func newTracker(id string, role Role, observer Observer, logger zerolog.Logger) *tracker {
	return &tracker{id: id, role: role, observer: observer, logger: logger}
}

func (t *tracker) advance(to State) {
	from := t.state
	t.state = to

	t.logger.Debug().Stringer("from", from).Stringer("to", to).Msg("State transition")

	if t.observer != nil {
		t.observer(t.id, t.role, from, to)
	}
}

// fail moves to FAILED unless the session already finished.
func (t *tracker) fail() {
	if t.state == StateClosed || t.state == StateFailed {
		return
	}

	t.advance(StateFailed)
}
