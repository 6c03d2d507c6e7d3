package sampler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nvwatch/nvwatch/internal/nvml"
	"github.com/nvwatch/nvwatch/internal/nvml/nvmltest"
)

type fakeRecorder struct {
	mu      sync.Mutex
	records []Status
}

func (r *fakeRecorder) Append(status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, status)
}

func (r *fakeRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func (r *fakeRecorder) snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.records...)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestManager(t *testing.T, lib *nvmltest.Library, recorder Recorder, out *syncBuffer) *Manager {
	t.Helper()
	collector := NewCollector(lib, devicesFor(lib), discardLogger())
	var w io.Writer
	if out != nil {
		w = out
	}
	manager, err := NewManager(10*time.Millisecond, collector, recorder, w, discardLogger())
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	return manager
}

func TestNewManagerValidation(t *testing.T) {
	t.Parallel()

	collector := NewCollector(&nvmltest.Library{}, nil, discardLogger())
	if _, err := NewManager(0, collector, nil, nil, discardLogger()); err == nil {
		t.Fatal("expected error for non-positive interval")
	}
	if _, err := NewManager(time.Second, nil, nil, nil, discardLogger()); err == nil {
		t.Fatal("expected error for nil collector")
	}
}

func TestManagerAppendsRecordsInOrder(t *testing.T) {
	t.Parallel()

	util := uint32(0)
	var utilMu sync.Mutex
	lib := &nvmltest.Library{
		Devices: []*nvmltest.Device{
			{
				UtilizationFunc: func(call int) (nvml.Utilization, error) {
					utilMu.Lock()
					defer utilMu.Unlock()
					util++
					return nvml.Utilization{GPU: util}, nil
				},
			},
		},
	}
	recorder := &fakeRecorder{}
	manager := newTestManager(t, lib, recorder, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- manager.Run(ctx)
	}()

	waitFor(t, time.Second, func() bool { return recorder.len() >= 5 })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	records := recorder.snapshot()
	for i := 1; i < len(records); i++ {
		prev := records[i-1].GPUs[0].GPUUtilization
		curr := records[i].GPUs[0].GPUUtilization
		if curr != prev+1 {
			t.Fatalf("records out of order at %d: %d then %d", i, prev, curr)
		}
	}
}

func TestManagerWritesOneLinePerTick(t *testing.T) {
	t.Parallel()

	lib := &nvmltest.Library{
		Devices: []*nvmltest.Device{
			{UtilizationVal: nvml.Utilization{GPU: 33}},
		},
	}
	recorder := &fakeRecorder{}
	out := &syncBuffer{}
	manager := newTestManager(t, lib, recorder, out)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- manager.Run(ctx)
	}()

	waitFor(t, time.Second, func() bool { return recorder.len() >= 3 })
	cancel()
	<-done

	scanner := bufio.NewScanner(strings.NewReader(out.String()))
	lines := 0
	for scanner.Scan() {
		lines++
		var status Status
		if err := json.Unmarshal(scanner.Bytes(), &status); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", lines, err)
		}
		if len(status.GPUs) != 1 || status.GPUs[0].GPUUtilization != 33 {
			t.Fatalf("line %d has unexpected content: %+v", lines, status)
		}
	}
	if lines != recorder.len() {
		t.Fatalf("printed %d lines but recorded %d records", lines, recorder.len())
	}
}

func TestManagerLatestAndReady(t *testing.T) {
	t.Parallel()

	lib := &nvmltest.Library{
		Devices: []*nvmltest.Device{
			{UtilizationVal: nvml.Utilization{GPU: 12}},
		},
	}
	manager := newTestManager(t, lib, nil, nil)

	if manager.Ready() {
		t.Fatal("manager should not be ready before the first tick")
	}
	if _, ok := manager.Latest(); ok {
		t.Fatal("Latest should report no record before the first tick")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = manager.Run(ctx)
	}()

	waitFor(t, time.Second, manager.Ready)

	status, ok := manager.Latest()
	if !ok || status.GPUs[0].GPUUtilization != 12 {
		t.Fatalf("unexpected latest record: %+v", status)
	}
}

func TestManagerSubscribe(t *testing.T) {
	t.Parallel()

	lib := &nvmltest.Library{
		Devices: []*nvmltest.Device{
			{UtilizationVal: nvml.Utilization{GPU: 12}},
		},
	}
	manager := newTestManager(t, lib, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = manager.Run(ctx)
	}()

	waitFor(t, time.Second, manager.Ready)

	ch, unsubscribe := manager.Subscribe()
	defer unsubscribe()

	select {
	case status := <-ch:
		if status.GPUs[0].GPUUtilization != 12 {
			t.Fatalf("unexpected record: %+v", status)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for record")
	}
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
