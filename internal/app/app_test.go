package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/voxline/internal/app"
	"github.com/MrWong99/voxline/internal/call"
	"github.com/MrWong99/voxline/internal/config"
	"github.com/MrWong99/voxline/internal/history"
	"github.com/MrWong99/voxline/internal/negotiate"
	"github.com/MrWong99/voxline/internal/observe"
	audiomock "github.com/MrWong99/voxline/pkg/audio/mock"
)

// testConfig returns a minimal valid config using the memory backend.
func testConfig() *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{ListenAddr: "127.0.0.1:0"},
		Agent: config.AgentConfig{
			ID:             "concierge",
			NegotiationURL: "http://127.0.0.1:1/session",
		},
		History: config.HistoryConfig{Backend: config.HistoryMemory},
	}
	cfg.ApplyDefaults()
	return cfg
}

type failingNegotiator struct{ err error }

func (f failingNegotiator) Negotiate(context.Context, string) (negotiate.Session, error) {
	return negotiate.Session{}, f.err
}

type pingStore struct {
	*history.MemoryStore
	err error
}

func (p pingStore) Ping(context.Context) error { return p.err }

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader())))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{app.WithMetrics(testMetrics(t))}, opts...)
	a, err := app.New(context.Background(), cfg, &audiomock.Device{}, opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	return rec
}

func TestNew_NilDevice(t *testing.T) {
	t.Parallel()
	if _, err := app.New(context.Background(), testConfig(), nil); err == nil {
		t.Fatal("expected error for nil device")
	}
}

func TestNew_UnknownBackend(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.History.Backend = "floppy"
	_, err := app.New(context.Background(), cfg, &audiomock.Device{}, app.WithMetrics(testMetrics(t)))
	if err == nil || !strings.Contains(err.Error(), "open history") {
		t.Errorf("err = %v, want history error", err)
	}
}

func TestNew_FileBackend(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.History = config.HistoryConfig{Backend: config.HistoryFile, Path: filepath.Join(t.TempDir(), "h.json")}
	a := newApp(t, cfg)

	rec := get(t, a.Handler(), "/v1/history")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("history = %d %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_Routes(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig())

	tests := []struct {
		path string
		want int
	}{
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusOK},
		{"/v1/call", http.StatusOK},
		{"/v1/history", http.StatusOK},
		{"/v1/history/missing", http.StatusNotFound},
		{"/metrics", http.StatusOK},
	}
	for _, tc := range tests {
		if rec := get(t, a.Handler(), tc.path); rec.Code != tc.want {
			t.Errorf("GET %s = %d, want %d", tc.path, rec.Code, tc.want)
		}
	}

	rec := get(t, a.Handler(), "/v1/call")
	var snap call.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Status != call.StatusIdle {
		t.Errorf("status = %s, want idle", snap.Status)
	}
}

func TestReadyz_ReportsHistoryPing(t *testing.T) {
	t.Parallel()
	store := pingStore{MemoryStore: history.NewMemoryStore(), err: errors.New("connection refused")}
	a := newApp(t, testConfig(), app.WithHistoryStore(store))

	rec := get(t, a.Handler(), "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "fail: connection refused") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestReadyz_NegotiationBreakers(t *testing.T) {
	t.Parallel()
	// The configured endpoint refuses connections; one failure opens the
	// breaker and readiness turns red.
	cfg := testConfig()
	cfg.Resilience.MaxFailures = 1
	cfg.Resilience.ResetTimeout = time.Hour
	a := newApp(t, cfg)

	if rec := get(t, a.Handler(), "/readyz"); rec.Code != http.StatusOK {
		t.Fatalf("readyz before failure = %d", rec.Code)
	}

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/v1/call/start", nil))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("start = %d %s, want 502", rec.Code, rec.Body.String())
	}

	rec = get(t, a.Handler(), "/readyz")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "negotiation") {
		t.Errorf("readyz after failure = %d %s", rec.Code, rec.Body.String())
	}
}

func TestStartFailure_SurfacesInSnapshot(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(), app.WithNegotiator(failingNegotiator{err: errors.New("agent offline")}))

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/v1/call/start", nil))
	if rec.Code != http.StatusBadGateway {
		t.Errorf("start = %d", rec.Code)
	}
	snap := a.Calls().Snapshot()
	if snap.Status != call.StatusIdle || !strings.Contains(snap.Error, "agent offline") {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(), app.WithNegotiator(failingNegotiator{err: errors.New("offline")}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for a.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("Run did not start listening")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Get("http://" + a.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d %s", resp.StatusCode, body)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_ListenError(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Server.ListenAddr = "256.0.0.1:0"
	a := newApp(t, cfg)
	if err := a.Run(context.Background()); err == nil || !strings.Contains(err.Error(), "listen") {
		t.Errorf("Run = %v, want listen error", err)
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig())
	for i := range 3 {
		if err := a.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown #%d: %v", i+1, err)
		}
	}
}
