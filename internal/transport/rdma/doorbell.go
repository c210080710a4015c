package rdma

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmaxfer/internal/metrics"
)

// DoorbellOptions configures a DoorbellMonitor.
type DoorbellOptions struct {
	// Callback runs on the monitor goroutine for every non-zero value.
	Callback func(int32) error
	// BeforeCheck runs before every buffer check.
	BeforeCheck func()
	Interval    time.Duration
}

// DoorbellMonitor watches the first four bytes of a receive buffer. A peer
// signals arrival by writing a non-zero little-endian int32 there; the
// monitor consumes the value by clearing the slot back to zero.
//
// Zero is reserved as "nothing arrived", so peers must never send it.
type DoorbellMonitor struct {
	buf       *Buffer
	opts      DoorbellOptions
	logger    zerolog.Logger
	err       error
	stopCh    chan struct{}
	doneCh    chan struct{}
	events    atomic.Int64
	startOnce sync.Once
	stopOnce  sync.Once
	mu        sync.Mutex
	started   atomic.Bool
}

// NewDoorbellMonitor creates a stopped monitor over buf.
func NewDoorbellMonitor(buf *Buffer, opts DoorbellOptions) *DoorbellMonitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}

	return &DoorbellMonitor{
		buf:    buf,
		opts:   opts,
		logger: log.With().Str("component", "doorbell").Logger(),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the polling goroutine. Only the first call has an effect.
func (m *DoorbellMonitor) Start() {
	m.startOnce.Do(func() {
		select {
		case <-m.stopCh:
			return
		default:
		}

		m.started.Store(true)

		go m.run()
	})
}

// Stop signals the loop and waits until it has exited. The buffer is not
// touched by the monitor once Stop returns.
func (m *DoorbellMonitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})

	// Start after Stop never launches, so only a started loop is awaited.
	m.startOnce.Do(func() {})

	if m.started.Load() {
		<-m.doneCh
	}
}

// Events returns how many doorbell values have been consumed.
func (m *DoorbellMonitor) Events() int64 {
	return m.events.Load()
}

// Err returns the first callback or buffer error seen by the loop.
func (m *DoorbellMonitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.err
}

func (m *DoorbellMonitor) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err == nil {
		m.err = err
	}
}

func (m *DoorbellMonitor) run() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		if m.opts.BeforeCheck != nil {
			m.opts.BeforeCheck()
		}

		value, hit, err := m.buf.checkAndClear()
		if err != nil {
			m.setErr(err)
			m.logger.Error().Err(err).Msg("Doorbell check failed, stopping monitor")

			return
		}

		if hit {
			m.events.Add(1)
			metrics.RecordDoorbell()
			m.logger.Debug().Int32("value", value).Msg("Doorbell rang")

			if m.opts.Callback != nil {
				if err := m.opts.Callback(value); err != nil {
					m.setErr(err)
					m.logger.Error().Err(err).Int32("value", value).Msg("Doorbell callback failed")
				}
			}
		}

		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// CheckNonzero consumes a pending doorbell value if one is present.
func CheckNonzero(buf *Buffer) (int32, bool, error) {
	return buf.checkAndClear()
}

// WaitUntilNonzero polls buf until a doorbell value arrives or ctx ends.
func WaitUntilNonzero(ctx context.Context, buf *Buffer, interval time.Duration) (int32, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		value, hit, err := buf.checkAndClear()
		if err != nil {
			return 0, err
		}

		if hit {
			metrics.RecordDoorbell()
			return value, nil
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}
