package procwatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nvwatch/nvwatch/internal/config"
	"github.com/nvwatch/nvwatch/internal/device"
	"github.com/nvwatch/nvwatch/internal/nvml"
)

// Manager orchestrates periodic process scans and fan-out to subscribers.
type Manager struct {
	cfg     config.ProcConfig
	devices []device.Info
	logger  *slog.Logger

	collector *collector

	mu          sync.RWMutex
	latest      map[int]Snapshot
	subscribers map[*procSubscriber]struct{}
}

// NewManager constructs a process watcher over the enumerated devices.
func NewManager(cfg config.ProcConfig, procRoot string, lib nvml.Library, devices []device.Info, logger *slog.Logger) (*Manager, error) {
	if cfg.ScanInterval <= 0 {
		return nil, fmt.Errorf("scan interval must be > 0")
	}
	if procRoot == "" {
		procRoot = "/proc"
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Manager{
		cfg:         cfg,
		devices:     devices,
		logger:      logger.With("component", "procwatch_manager"),
		collector:   newCollector(lib, procRoot, logger.With("component", "procwatch_collector")),
		latest:      make(map[int]Snapshot),
		subscribers: make(map[*procSubscriber]struct{}),
	}, nil
}

// Run scans periodically until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if !m.cfg.Enable || len(m.devices) == 0 {
		<-ctx.Done()
		return nil
	}

	m.logger.Info("process watcher started", "interval", m.cfg.ScanInterval)
	m.performScan(time.Now().UTC())

	ticker := time.NewTicker(m.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("process watcher stopping", "reason", ctx.Err())
			return nil
		case now := <-ticker.C:
			m.performScan(now.UTC())
		}
	}
}

// Latest returns the most recent snapshot for the given device index.
func (m *Manager) Latest(index int) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot, ok := m.latest[index]
	return snapshot, ok
}

// Snapshots returns the latest snapshot of every device, ordered by index.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Snapshot, 0, len(m.latest))
	for _, snapshot := range m.latest {
		out = append(out, snapshot)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DeviceIndex < out[j].DeviceIndex
	})
	return out
}

// Subscribe registers a listener receiving the full snapshot set after every
// scan.
func (m *Manager) Subscribe() (<-chan []Snapshot, func()) {
	sub := newProcSubscriber()

	m.mu.Lock()
	m.subscribers[sub] = struct{}{}
	m.mu.Unlock()

	unsubscribe := func() {
		m.mu.Lock()
		delete(m.subscribers, sub)
		m.mu.Unlock()
		sub.close()
	}

	return sub.channel(), unsubscribe
}

func (m *Manager) performScan(now time.Time) {
	snapshots := make([]Snapshot, 0, len(m.devices))
	for _, info := range m.devices {
		snapshot, ok := m.collector.snapshot(info, now)
		if !ok {
			continue
		}
		snapshots = append(snapshots, snapshot)
	}

	m.mu.Lock()
	for _, snapshot := range snapshots {
		m.latest[snapshot.DeviceIndex] = snapshot
	}
	targets := make([]*procSubscriber, 0, len(m.subscribers))
	for sub := range m.subscribers {
		targets = append(targets, sub)
	}
	m.mu.Unlock()

	for _, sub := range targets {
		sub.send(snapshots)
	}
}

type procSubscriber struct {
	ch     chan []Snapshot
	mu     sync.Mutex
	closed bool
}

func newProcSubscriber() *procSubscriber {
	return &procSubscriber{
		ch: make(chan []Snapshot, 1),
	}
}

func (s *procSubscriber) channel() <-chan []Snapshot {
	return s.ch
}

func (s *procSubscriber) send(snapshots []Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- snapshots:
		return
	default:
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- snapshots:
		default:
		}
	}
}

func (s *procSubscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}
