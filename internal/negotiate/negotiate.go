// Package negotiate asks the agent service for the parameters of a new call.
//
// A [Client] POSTs the agent id to a session endpoint and gets back the
// websocket URL to dial and the sample rate to use. Several endpoints may be
// configured; they are tried in order, each behind its own circuit breaker.
package negotiate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/resilience"
)

// DefaultSampleRate is used when the service does not name a sample rate.
const DefaultSampleRate = 24000

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 1 << 20

// ErrNegotiationFailed wraps every reason a call could not be negotiated:
// transport errors, non-2xx responses, malformed bodies and a missing
// websocket URL.
var ErrNegotiationFailed = errors.New("negotiate: session negotiation failed")

// Session holds the negotiated parameters of one call.
type Session struct {
	// WSURL is the websocket endpoint to dial.
	WSURL string

	// SampleRate is the rate both directions use, in Hz. Never zero.
	SampleRate int
}

// Negotiator is implemented by [Client]. The call controller depends on this
// interface so tests can substitute a fake.
type Negotiator interface {
	Negotiate(ctx context.Context, agentID string) (Session, error)
}

var _ Negotiator = (*Client)(nil)

type request struct {
	AgentID string `json:"agentId"`
}

type response struct {
	WSURL       string `json:"wsUrl"`
	AudioConfig *struct {
		SampleRate int `json:"sampleRate"`
	} `json:"audioConfig"`
}

// ── Options ───────────────────────────────────────────────────────────────────

// Option is a functional option for [New].
type Option func(*Client)

// WithHTTPClient replaces the default otelhttp-instrumented client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithDefaultSampleRate overrides [DefaultSampleRate].
func WithDefaultSampleRate(rate int) Option {
	return func(cl *Client) { cl.defaultRate = rate }
}

// WithTimeout bounds each request. Default: 10s.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.timeout = d }
}

// WithBreaker sets the per-endpoint circuit breaker template.
func WithBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(cl *Client) { cl.breaker = cfg }
}

// WithMetrics records negotiation latency on m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(cl *Client) { cl.metrics = m }
}

// ── Client ────────────────────────────────────────────────────────────────────

// Client negotiates sessions over HTTP. Safe for concurrent use.
type Client struct {
	http        *http.Client
	defaultRate int
	timeout     time.Duration
	breaker     resilience.CircuitBreakerConfig
	metrics     *observe.Metrics

	endpoints *resilience.FallbackGroup[string]
}

// New returns a Client for the given endpoints, primary first.
func New(endpoints []string, opts ...Option) (*Client, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("negotiate: no endpoints configured")
	}
	c := &Client{
		defaultRate: DefaultSampleRate,
		timeout:     10 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	if c.http == nil {
		c.http = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}

	c.endpoints = resilience.NewFallbackGroup(endpoints[0], endpoints[0], c.breaker)
	for _, u := range endpoints[1:] {
		c.endpoints.AddFallback(u, u)
	}
	return c, nil
}

// Endpoints reports the breaker state of every configured endpoint.
func (c *Client) Endpoints() map[string]resilience.State {
	return c.endpoints.States()
}

// Negotiate requests a session for agentID. Every failure matches
// [ErrNegotiationFailed]; a cancelled ctx additionally matches
// [context.Canceled].
func (c *Client) Negotiate(ctx context.Context, agentID string) (Session, error) {
	ctx, span := observe.StartSpan(ctx, "negotiate.session")
	defer span.End()
	span.SetAttributes(attribute.String("agent_id", agentID))

	start := time.Now()
	sess, err := resilience.Execute(ctx, c.endpoints, func(ctx context.Context, url string) (Session, error) {
		return c.post(ctx, url, agentID)
	})
	c.metrics.NegotiationDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "negotiation failed")
		return Session{}, fmt.Errorf("%w: %w", ErrNegotiationFailed, err)
	}
	span.SetAttributes(attribute.Int("sample_rate", sess.SampleRate))
	observe.Logger(ctx).Debug("session negotiated", "agent_id", agentID, "sample_rate", sess.SampleRate)
	return sess, nil
}

func (c *Client) post(ctx context.Context, url, agentID string) (Session, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(request{AgentID: agentID})
	if err != nil {
		return Session{}, fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Session{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Session{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Session{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Session{}, fmt.Errorf("%s: status %d", url, resp.StatusCode)
	}

	var r response
	if err := json.Unmarshal(raw, &r); err != nil {
		return Session{}, fmt.Errorf("decode response: %w", err)
	}
	if r.WSURL == "" {
		return Session{}, fmt.Errorf("%s: response has no wsUrl", url)
	}

	rate := c.defaultRate
	if r.AudioConfig != nil && r.AudioConfig.SampleRate > 0 {
		rate = r.AudioConfig.SampleRate
	}
	return Session{WSURL: r.WSURL, SampleRate: rate}, nil
}
