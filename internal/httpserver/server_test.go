package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/nvwatch/nvwatch/internal/config"
	"github.com/nvwatch/nvwatch/internal/device"
	"github.com/nvwatch/nvwatch/internal/history"
	"github.com/nvwatch/nvwatch/internal/nvml"
	"github.com/nvwatch/nvwatch/internal/nvml/nvmltest"
	"github.com/nvwatch/nvwatch/internal/sampler"
	"github.com/nvwatch/nvwatch/internal/version"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func defaultTestConfig() config.Config {
	return config.Config{
		PollInterval:   time.Second,
		AllowedOrigins: []string{"*"},
		WS: config.WebsocketConfig{
			MaxClients:   16,
			WriteTimeout: time.Second,
		},
	}
}

func newTestHTTPServer(t *testing.T, cfg config.Config, devices []device.Info, samplerManager *sampler.Manager, store *history.Store) (*Server, *httptest.Server) {
	t.Helper()
	s := New(cfg, discardLogger(), devices, samplerManager, nil, store)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func newRunningSampler(t *testing.T, lib *nvmltest.Library, devices []device.Info, store *history.Store) *sampler.Manager {
	t.Helper()
	collector := sampler.NewCollector(lib, devices, discardLogger())
	var recorder sampler.Recorder
	if store != nil {
		recorder = store
	}
	manager, err := sampler.NewManager(10*time.Millisecond, collector, recorder, nil, discardLogger())
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		_ = manager.Run(ctx)
	}()
	waitFor(t, 2*time.Second, manager.Ready)
	return manager
}

func TestHealthzOK(t *testing.T) {
	t.Parallel()

	_, ts := newTestHTTPServer(t, defaultTestConfig(), nil, nil, nil)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if strings.TrimSpace(string(body)) != `{"status":"ok"}` {
		t.Fatalf("unexpected body %q", string(body))
	}
}

func TestReadyzStates(t *testing.T) {
	t.Parallel()

	// No sampler configured -> degraded.
	_, ts := newTestHTTPServer(t, defaultTestConfig(), nil, nil, nil)
	assertReadyz(t, ts.URL+"/readyz", http.StatusServiceUnavailable, "degraded")

	// Sampler configured and running -> ok.
	lib := &nvmltest.Library{Devices: []*nvmltest.Device{{}}}
	devices := []device.Info{{Index: 0, Name: "GPU"}}
	manager := newRunningSampler(t, lib, devices, nil)

	_, tsReady := newTestHTTPServer(t, defaultTestConfig(), devices, manager, nil)
	assertReadyz(t, tsReady.URL+"/readyz", http.StatusOK, "ok")
}

func TestVersionEndpoint(t *testing.T) {
	t.Parallel()

	version.Set(version.Info{Version: "v0.0.1", Commit: "abc123", BuildTime: "now"})

	_, ts := newTestHTTPServer(t, defaultTestConfig(), nil, nil, nil)

	resp, err := http.Get(ts.URL + "/version")
	if err != nil {
		t.Fatalf("GET /version failed: %v", err)
	}
	defer resp.Body.Close()

	var info version.Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Version != "v0.0.1" || info.Commit != "abc123" {
		t.Fatalf("unexpected version payload %+v", info)
	}
}

func TestDevicesEndpoint(t *testing.T) {
	t.Parallel()

	devices := []device.Info{
		{Index: 0, Name: "NVIDIA GeForce RTX 3080"},
		{Index: 1, Name: "NVIDIA GeForce RTX 3090"},
	}
	_, ts := newTestHTTPServer(t, defaultTestConfig(), devices, nil, nil)

	resp, err := http.Get(ts.URL + "/api/devices")
	if err != nil {
		t.Fatalf("GET /api/devices failed: %v", err)
	}
	defer resp.Body.Close()

	var got []device.Info
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[0].Name != devices[0].Name {
		t.Fatalf("unexpected devices payload %+v", got)
	}
}

func TestDevicesEndpointEmpty(t *testing.T) {
	t.Parallel()

	_, ts := newTestHTTPServer(t, defaultTestConfig(), nil, nil, nil)

	resp, err := http.Get(ts.URL + "/api/devices")
	if err != nil {
		t.Fatalf("GET /api/devices failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if strings.TrimSpace(string(body)) != "[]" {
		t.Fatalf("expected empty array, got %q", string(body))
	}
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()

	// Without a sampler the endpoint reports unavailability.
	_, tsNoSampler := newTestHTTPServer(t, defaultTestConfig(), nil, nil, nil)
	resp, err := http.Get(tsNoSampler.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET /api/status failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without sampler, got %d", resp.StatusCode)
	}

	lib := &nvmltest.Library{
		Devices: []*nvmltest.Device{{UtilizationVal: nvml.Utilization{GPU: 42}}},
	}
	devices := []device.Info{{Index: 0, Name: "GPU"}}
	manager := newRunningSampler(t, lib, devices, nil)

	_, ts := newTestHTTPServer(t, defaultTestConfig(), devices, manager, nil)
	resp, err = http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET /api/status failed: %v", err)
	}
	defer resp.Body.Close()

	var status sampler.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.DeviceType != "cuda" || len(status.GPUs) != 1 || status.GPUs[0].GPUUtilization != 42 {
		t.Fatalf("unexpected status payload %+v", status)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	t.Parallel()

	store := history.NewStore("unused.json")
	store.Append(sampler.Status{DeviceType: "cuda", GPUs: []sampler.GPUSample{{GPUUtilization: 1}}})
	store.Append(sampler.Status{DeviceType: "cuda", GPUs: []sampler.GPUSample{{GPUUtilization: 2}}})

	_, ts := newTestHTTPServer(t, defaultTestConfig(), nil, nil, store)

	resp, err := http.Get(ts.URL + "/api/history")
	if err != nil {
		t.Fatalf("GET /api/history failed: %v", err)
	}
	defer resp.Body.Close()

	var records []sampler.Status
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(records) != 2 || records[1].GPUs[0].GPUUtilization != 2 {
		t.Fatalf("unexpected history payload %+v", records)
	}
}

func TestProcsEndpointUnavailable(t *testing.T) {
	t.Parallel()

	_, ts := newTestHTTPServer(t, defaultTestConfig(), nil, nil, nil)

	resp, err := http.Get(ts.URL + "/api/procs")
	if err != nil {
		t.Fatalf("GET /api/procs failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without process watcher, got %d", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()

	_, ts := newTestHTTPServer(t, defaultTestConfig(), nil, nil, nil)

	resp, err := http.Post(ts.URL+"/api/status", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST /api/status failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	t.Parallel()

	lib := &nvmltest.Library{
		Devices: []*nvmltest.Device{{UtilizationVal: nvml.Utilization{GPU: 42}}},
	}
	devices := []device.Info{{Index: 0, Name: "GPU"}}
	manager := newRunningSampler(t, lib, devices, nil)

	cfg := defaultTestConfig()
	cfg.EnablePrometheus = true
	_, ts := newTestHTTPServer(t, cfg, devices, manager, nil)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "nvwatch_gpu_utilization_percent") {
		t.Fatalf("expected gpu utilization metric in output")
	}
}

func TestWebsocketHelloAndStatus(t *testing.T) {
	t.Parallel()

	lib := &nvmltest.Library{
		Devices: []*nvmltest.Device{{UtilizationVal: nvml.Utilization{GPU: 42}}},
	}
	devices := []device.Info{{Index: 0, Name: "GPU"}}
	manager := newRunningSampler(t, lib, devices, nil)

	_, ts := newTestHTTPServer(t, defaultTestConfig(), devices, manager, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	readMessage := func() map[string]any {
		t.Helper()
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("websocket read failed: %v", err)
		}
		var payload map[string]any
		if err := json.Unmarshal(data, &payload); err != nil {
			t.Fatalf("decode message: %v", err)
		}
		return payload
	}

	hello := readMessage()
	if hello["type"] != "hello" {
		t.Fatalf("expected hello message, got %+v", hello)
	}

	// The subscription replays the latest record immediately.
	status := readMessage()
	if status["type"] != "status" {
		t.Fatalf("expected status message, got %+v", status)
	}
	if status["device_type"] != "cuda" {
		t.Fatalf("unexpected status payload %+v", status)
	}
}

func assertReadyz(t *testing.T, url string, wantCode int, wantStatus string) {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantCode {
		t.Fatalf("expected status %d, got %d", wantCode, resp.StatusCode)
	}

	var info readiness
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode readyz: %v", err)
	}
	if info.Status != wantStatus {
		t.Fatalf("expected readiness %q, got %q", wantStatus, info.Status)
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
