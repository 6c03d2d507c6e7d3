package sampler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Recorder receives every collected record in tick order.
type Recorder interface {
	Append(Status)
}

// Manager drives the sampling loop: one Collect per tick, handed to the
// recorder, written to out as a single JSON line, cached as the latest
// record, and fanned out to subscribers.
type Manager struct {
	interval  time.Duration
	collector *Collector
	recorder  Recorder
	out       io.Writer
	logger    *slog.Logger

	mu          sync.RWMutex
	latest      Status
	hasLatest   bool
	subscribers map[*subscriber]struct{}
}

// NewManager builds a Manager. recorder and out may be nil when history
// accumulation or console output is not wanted.
func NewManager(interval time.Duration, collector *Collector, recorder Recorder, out io.Writer, logger *slog.Logger) (*Manager, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	if collector == nil {
		return nil, fmt.Errorf("collector must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		interval:    interval,
		collector:   collector,
		recorder:    recorder,
		out:         out,
		logger:      logger.With("component", "sampler_manager"),
		subscribers: make(map[*subscriber]struct{}),
	}, nil
}

// Run samples until the context is cancelled. The first tick happens
// immediately; cancellation is only observed between ticks, so a record in
// progress always completes.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("sampler started", "interval", m.interval)
	m.tick()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("sampler stopping", "reason", ctx.Err())
			return nil
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Manager) tick() {
	status := m.collector.Collect()

	if m.recorder != nil {
		m.recorder.Append(status)
	}

	if m.out != nil {
		if err := json.NewEncoder(m.out).Encode(status); err != nil {
			m.logger.Warn("could not write status line", "err", err)
		}
	}

	m.publish(status)
}

// Latest returns the most recent record, if one has been collected yet.
func (m *Manager) Latest() (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest, m.hasLatest
}

// Ready reports whether at least one record has been collected.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hasLatest
}

// Subscribe registers a listener for every subsequent record. The latest
// record, if any, is replayed immediately.
func (m *Manager) Subscribe() (<-chan Status, func()) {
	sub := newSubscriber()

	m.mu.Lock()
	m.subscribers[sub] = struct{}{}
	if m.hasLatest {
		sub.send(m.latest)
	}
	m.mu.Unlock()

	unsubscribe := func() {
		m.mu.Lock()
		delete(m.subscribers, sub)
		m.mu.Unlock()
		sub.close()
	}

	return sub.channel(), unsubscribe
}

func (m *Manager) publish(status Status) {
	m.mu.Lock()
	m.latest = status
	m.hasLatest = true
	targets := make([]*subscriber, 0, len(m.subscribers))
	for sub := range m.subscribers {
		targets = append(targets, sub)
	}
	m.mu.Unlock()

	for _, sub := range targets {
		sub.send(status)
	}
}

type subscriber struct {
	ch     chan Status
	mu     sync.Mutex
	closed bool
}

func newSubscriber() *subscriber {
	return &subscriber{
		ch: make(chan Status, 1),
	}
}

func (s *subscriber) channel() <-chan Status {
	return s.ch
}

func (s *subscriber) send(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- status:
		return
	default:
		// Drop oldest to make room for new record.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- status:
		default:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}
