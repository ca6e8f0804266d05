// Package app wires the voxline subsystems into a running process.
//
// New opens the history store, builds the negotiation client and the call
// controller, and assembles the HTTP control surface. Run serves it until
// the context is cancelled; Shutdown ends any call in progress and releases
// everything in reverse order.
//
// For testing, inject doubles via functional options (WithHistoryStore,
// WithNegotiator, WithMetrics). When an option is not provided, New creates
// the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxline/internal/api"
	"github.com/MrWong99/voxline/internal/call"
	"github.com/MrWong99/voxline/internal/config"
	"github.com/MrWong99/voxline/internal/health"
	"github.com/MrWong99/voxline/internal/history"
	historyfile "github.com/MrWong99/voxline/internal/history/file"
	historypg "github.com/MrWong99/voxline/internal/history/postgres"
	"github.com/MrWong99/voxline/internal/history/s3archive"
	"github.com/MrWong99/voxline/internal/negotiate"
	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/resilience"
	"github.com/MrWong99/voxline/internal/transport"
	"github.com/MrWong99/voxline/pkg/audio"
)

// serverShutdownTimeout bounds the HTTP server drain once Run's context ends.
const serverShutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	device  audio.Device
	store   history.Store
	neg     negotiate.Negotiator
	metrics *observe.Metrics

	calls     *call.Controller
	handler   http.Handler
	server    *http.Server
	autostart bool

	mu   sync.Mutex
	addr net.Addr

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithHistoryStore injects a history store instead of opening the configured
// backend.
func WithHistoryStore(s history.Store) Option {
	return func(a *App) { a.store = s }
}

// WithNegotiator injects a session negotiator instead of the HTTP client.
func WithNegotiator(n negotiate.Negotiator) Option {
	return func(a *App) { a.neg = n }
}

// WithMetrics records metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithAutostart starts one call as soon as Run begins serving.
func WithAutostart(on bool) Option {
	return func(a *App) { a.autostart = on }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. dev is the audio hardware every call opens.
func New(ctx context.Context, cfg *config.Config, dev audio.Device, opts ...Option) (*App, error) {
	if dev == nil {
		return nil, errors.New("app: nil audio device")
	}
	a := &App{cfg: cfg, device: dev}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. History store ─────────────────────────────────────────────────
	if a.store == nil {
		store, closer, err := openHistory(ctx, cfg.History)
		if err != nil {
			return nil, fmt.Errorf("app: open history: %w", err)
		}
		a.store = store
		if closer != nil {
			a.closers = append(a.closers, closer)
		}
	}

	// ── 2. Negotiation client ────────────────────────────────────────────
	if a.neg == nil {
		n, err := negotiate.New(cfg.Agent.Endpoints(),
			negotiate.WithTimeout(cfg.Agent.Timeout),
			negotiate.WithDefaultSampleRate(cfg.Audio.DefaultSampleRate),
			negotiate.WithBreaker(resilience.CircuitBreakerConfig{
				Name:         "negotiate",
				MaxFailures:  cfg.Resilience.MaxFailures,
				ResetTimeout: cfg.Resilience.ResetTimeout,
			}),
			negotiate.WithMetrics(a.metrics),
		)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("app: negotiation client: %w", err)
		}
		a.neg = n
	}

	// ── 3. Call controller ───────────────────────────────────────────────
	a.calls = call.New(
		call.Config{
			AgentID:          cfg.Agent.ID,
			FrameSize:        cfg.Audio.FrameSize,
			DeviceSampleRate: cfg.Audio.DeviceSampleRate,
		},
		a.neg, dev,
		call.WithHistory(a.store, string(cfg.History.Backend)),
		call.WithMetrics(a.metrics),
		call.WithTransportOptions(
			transport.WithHeader(agentHeader(cfg.Agent.Headers)),
			transport.WithMetrics(a.metrics),
		),
	)

	// ── 4. HTTP surface ──────────────────────────────────────────────────
	mux := http.NewServeMux()
	api.New(a.calls, a.store).Register(mux)
	health.New(a.readinessChecks()...).Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler())
	a.handler = observe.Middleware(a.metrics)(mux)

	a.server = &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// openHistory opens the configured backend. The returned closer may be nil.
func openHistory(ctx context.Context, cfg config.HistoryConfig) (history.Store, func() error, error) {
	switch cfg.Backend {
	case config.HistoryMemory:
		return history.NewMemoryStore(), nil, nil
	case config.HistoryFile, "":
		s, err := historyfile.Open(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	case config.HistoryPostgres:
		s, err := historypg.NewStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() error { s.Close(); return nil }, nil
	case config.HistoryS3:
		s, err := s3archive.New(s3archive.Config{
			Bucket:          cfg.S3.Bucket,
			Prefix:          cfg.S3.Prefix,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown history backend %q", cfg.Backend)
	}
}

func agentHeader(m map[string]string) http.Header {
	if len(m) == 0 {
		return nil
	}
	h := make(http.Header, len(m))
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}

// readinessChecks probes the history backend when it supports pinging, and
// the negotiation endpoints when their breakers are visible.
func (a *App) readinessChecks() []health.Checker {
	var checks []health.Checker
	if p, ok := a.store.(health.Pinger); ok {
		checks = append(checks, health.PingCheck("history", p))
	}
	if c, ok := a.neg.(*negotiate.Client); ok {
		checks = append(checks, health.Checker{Name: "negotiation", Check: func(context.Context) error {
			return endpointsAvailable(c.Endpoints())
		}})
	}
	return checks
}

// endpointsAvailable fails when every endpoint's breaker is open.
func endpointsAvailable(states map[string]resilience.State) error {
	for _, s := range states {
		if s != resilience.StateOpen {
			return nil
		}
	}
	return fmt.Errorf("all %d negotiation endpoints are open", len(states))
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Calls returns the call controller.
func (a *App) Calls() *call.Controller { return a.calls }

// Handler returns the HTTP handler serving the control API, probes, and
// metrics.
func (a *App) Handler() http.Handler { return a.handler }

// Addr returns the listener address once Run is serving, or nil.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the control API and blocks until ctx is cancelled or the server
// fails. On cancellation it returns ctx.Err().
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	a.mu.Lock()
	a.addr = ln.Addr()
	a.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), serverShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	if a.autostart {
		g.Go(func() error {
			if err := a.calls.Start(gctx); err != nil {
				slog.Warn("autostart call failed", "err", err)
			}
			return nil
		})
	}

	slog.Info("app running", "addr", ln.Addr().String(), "agent_id", a.cfg.Agent.ID)
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends any call in progress, stops the HTTP server, and closes the
// history backend. Safe to call more than once; later calls return nil.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.calls.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("end call: %w", err))
		}
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
		if err := a.close(); err != nil {
			errs = append(errs, err)
		}

		slog.Info("shutdown complete")
	})
	return errors.Join(errs...)
}

func (a *App) close() error {
	var errs []error
	for i, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
