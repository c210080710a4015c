package rdma

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// CompletionPoller waits for single completions on one completion queue.
// With a completion channel it sleeps on CQ events; without one it polls at
// a fixed interval.
type CompletionPoller struct {
	backend  VerbsBackend
	cq       VerbsCQ
	channel  VerbsCompChannel
	interval time.Duration
	qpn      uint32
	mu       sync.Mutex
	armed    bool
}

// NewCompletionPoller creates a poller for cq. channel may be zero.
func NewCompletionPoller(backend VerbsBackend, cq VerbsCQ, channel VerbsCompChannel, interval time.Duration, qpn uint32) *CompletionPoller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	return &CompletionPoller{
		backend:  backend,
		cq:       cq,
		channel:  channel,
		interval: interval,
		qpn:      qpn,
	}
}

// PollOne blocks until one completion arrives or timeout elapses. A
// completion with a failure status is returned as a *CompletionError.
func (p *CompletionPoller) PollOne(ctx context.Context, timeout time.Duration) (VerbsWorkCompletion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		wcs, err := p.backend.PollCQ(p.cq, 1)
		if err != nil {
			return VerbsWorkCompletion{}, err
		}

		if len(wcs) > 0 {
			return p.inspect(wcs[0])
		}

		if p.channel == 0 {
			timer := time.NewTimer(p.interval)
			select {
			case <-waitCtx.Done():
				timer.Stop()
				return VerbsWorkCompletion{}, p.waitError(ctx, timeout, waitCtx.Err())
			case <-timer.C:
			}

			continue
		}

		if !p.armed {
			if err := p.backend.ReqNotifyCQ(p.cq); err != nil {
				return VerbsWorkCompletion{}, fmt.Errorf("arm completion queue: %w", err)
			}

			// Completions that landed before arming raise no event.
			p.armed = true

			continue
		}

		cq, err := p.backend.GetCQEvent(waitCtx, p.channel)
		if err != nil {
			return VerbsWorkCompletion{}, p.waitError(ctx, timeout, err)
		}

		p.armed = false

		if err := p.backend.AckCQEvents(cq, 1); err != nil {
			return VerbsWorkCompletion{}, fmt.Errorf("ack completion event: %w", err)
		}
	}
}

func (p *CompletionPoller) inspect(wc VerbsWorkCompletion) (VerbsWorkCompletion, error) {
	if wc.Status != WCSuccess {
		return wc, &CompletionError{Record: wc, CQ: p.cq, QP: p.qpn}
	}

	return wc, nil
}

func (p *CompletionPoller) waitError(parent context.Context, timeout time.Duration, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Timeout: timeout}
	}

	return err
}
