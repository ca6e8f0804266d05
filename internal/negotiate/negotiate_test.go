package negotiate_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/voxline/internal/negotiate"
	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/resilience"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// sessionServer answers every POST with status and body, recording the
// decoded agent id.
func sessionServer(t *testing.T, status int, body string, gotAgent *atomic.Value) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		var req struct {
			AgentID string `json:"agentId"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if gotAgent != nil {
			gotAgent.Store(req.AgentID)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newClient(t *testing.T, urls ...string) *negotiate.Client {
	t.Helper()
	c, err := negotiate.New(urls, negotiate.WithMetrics(testMetrics(t)), negotiate.WithTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNegotiate_Success(t *testing.T) {
	t.Parallel()

	var agent atomic.Value
	srv := sessionServer(t, http.StatusOK, `{"wsUrl":"wss://x","audioConfig":{"sampleRate":16000}}`, &agent)
	c := newClient(t, srv.URL)

	sess, err := c.Negotiate(context.Background(), "agent-7")
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if sess.WSURL != "wss://x" || sess.SampleRate != 16000 {
		t.Errorf("session = %+v", sess)
	}
	if got := agent.Load(); got != "agent-7" {
		t.Errorf("server saw agentId %v, want agent-7", got)
	}
}

func TestNegotiate_DefaultSampleRate(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"no audioConfig": `{"wsUrl":"wss://x"}`,
		"zero rate":      `{"wsUrl":"wss://x","audioConfig":{"sampleRate":0}}`,
		"empty config":   `{"wsUrl":"wss://x","audioConfig":{}}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			srv := sessionServer(t, http.StatusOK, body, nil)
			sess, err := newClient(t, srv.URL).Negotiate(context.Background(), "a")
			if err != nil {
				t.Fatalf("Negotiate: %v", err)
			}
			if sess.SampleRate != negotiate.DefaultSampleRate {
				t.Errorf("SampleRate = %d, want %d", sess.SampleRate, negotiate.DefaultSampleRate)
			}
		})
	}
}

func TestNegotiate_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"missing wsUrl", http.StatusOK, `{"audioConfig":{"sampleRate":24000}}`},
		{"empty wsUrl", http.StatusOK, `{"wsUrl":""}`},
		{"server error", http.StatusInternalServerError, `{"wsUrl":"wss://x"}`},
		{"not found", http.StatusNotFound, ``},
		{"malformed body", http.StatusOK, `{wsUrl`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := sessionServer(t, tc.status, tc.body, nil)
			_, err := newClient(t, srv.URL).Negotiate(context.Background(), "a")
			if !errors.Is(err, negotiate.ErrNegotiationFailed) {
				t.Fatalf("err = %v, want ErrNegotiationFailed", err)
			}
		})
	}
}

func TestNegotiate_FailsOverToNextEndpoint(t *testing.T) {
	t.Parallel()

	bad := sessionServer(t, http.StatusBadGateway, ``, nil)
	good := sessionServer(t, http.StatusOK, `{"wsUrl":"wss://backup"}`, nil)
	c := newClient(t, bad.URL, good.URL)

	sess, err := c.Negotiate(context.Background(), "a")
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if sess.WSURL != "wss://backup" {
		t.Errorf("WSURL = %q, want backup", sess.WSURL)
	}
}

func TestNegotiate_BreakerOpensOnRepeatedFailure(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	c, err := negotiate.New([]string{srv.URL},
		negotiate.WithMetrics(testMetrics(t)),
		negotiate.WithBreaker(resilience.CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for range 4 {
		_, _ = c.Negotiate(context.Background(), "a")
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("server hit %d times, want 2 (breaker should reject the rest)", got)
	}
	if s := c.Endpoints()[srv.URL]; s != resilience.StateOpen {
		t.Errorf("endpoint state = %v, want open", s)
	}

	_, err = c.Negotiate(context.Background(), "a")
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("err = %v, want wrapped ErrCircuitOpen", err)
	}
}

func TestNegotiate_Cancelled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	c := newClient(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := c.Negotiate(ctx, "a")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if !errors.Is(err, negotiate.ErrNegotiationFailed) {
		t.Errorf("err = %v, want ErrNegotiationFailed", err)
	}
}

func TestNew_NoEndpoints(t *testing.T) {
	t.Parallel()
	if _, err := negotiate.New(nil); err == nil {
		t.Fatal("expected error with no endpoints")
	}
}
