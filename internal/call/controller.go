// Package call owns the lifecycle of a single voice call.
//
// A [Controller] moves through three states:
//
//	idle ──Start──▶ connecting ──ready──▶ active ──End/failure──▶ idle
//	                    │
//	                    └──failure/End──▶ idle
//
// While connecting it negotiates a session, opens the microphone and the
// speaker and dials the agent. Once the transport reports ready the capture
// pipe is wired to the connection, a one-second duration ticker starts and a
// single dispatcher goroutine consumes the transport's event channel, routing
// audio to playback and text to the transcript sink.
//
// At most one call exists at a time. End is safe from any state and any
// number of times.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/voxline/internal/capture"
	"github.com/MrWong99/voxline/internal/history"
	"github.com/MrWong99/voxline/internal/negotiate"
	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/playback"
	"github.com/MrWong99/voxline/internal/transcript"
	"github.com/MrWong99/voxline/internal/transport"
	"github.com/MrWong99/voxline/pkg/audio"
)

// User-visible texts.
const (
	// ConnectionErrorText is shown when an active call is lost.
	ConnectionErrorText = "Connection error. Please try again."

	// DefaultNoticeText is shown for an inbound error message without text.
	DefaultNoticeText = "Voice error occurred"
)

// End reasons recorded on metrics and logs.
const (
	ReasonUser       = "user"
	ReasonPeerClosed = "peer_closed"
	ReasonFailed     = "transport_failed"
	ReasonShutdown   = "shutdown"
)

const historySaveTimeout = 10 * time.Second

var (
	// ErrBusy is returned by [Controller.Start] when a call is already
	// connecting or active.
	ErrBusy = errors.New("call: a call is already in progress")

	// ErrNotActive is returned by operations that need an active call.
	ErrNotActive = errors.New("call: no active call")

	// ErrInvalidTransition reports a state change outside the transition
	// table. It indicates a bug.
	ErrInvalidTransition = errors.New("call: invalid state transition")
)

// Status is the state of the controller.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusActive     Status = "active"
)

var allowedTransitions = map[Status][]Status{
	StatusIdle:       {StatusConnecting},
	StatusConnecting: {StatusActive, StatusIdle},
	StatusActive:     {StatusIdle},
}

// validTransition reports whether from → to is in the transition table.
func validTransition(from, to Status) bool {
	return slices.Contains(allowedTransitions[from], to)
}

// Snapshot is a consistent view of the controller for front ends.
type Snapshot struct {
	CallID     string             `json:"call_id,omitempty"`
	Status     Status             `json:"status"`
	Duration   int                `json:"duration"`
	Muted      bool               `json:"muted"`
	SampleRate int                `json:"sample_rate,omitempty"`
	Transcript []transcript.Entry `json:"transcript"`
	Thinking   bool               `json:"thinking"`

	// Error is the last user-visible failure. It is only ever set while
	// Status is idle, and cleared by the next Start.
	Error string `json:"error,omitempty"`

	// AgentNotice is the text of the last inbound error message.
	AgentNotice string `json:"agent_notice,omitempty"`
}

// Config holds the static parameters of every call.
type Config struct {
	// AgentID is sent to the negotiation endpoint.
	AgentID string

	// FrameSize is the number of samples per captured frame. Zero means
	// [capture.DefaultFrameSize].
	FrameSize int

	// DeviceSampleRate forces the hardware rate. Zero opens the devices at
	// the negotiated rate.
	DeviceSampleRate int
}

// ── Options ───────────────────────────────────────────────────────────────────

// Option is a functional option for [New].
type Option func(*Controller)

// WithHistory commits finished calls to store. backend names the store in
// metrics and logs.
func WithHistory(store history.Store, backend string) Option {
	return func(c *Controller) {
		c.history = store
		c.historyBackend = backend
	}
}

// WithMetrics records call metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithClock overrides the wall clock used for call timing and transcript
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithTickInterval sets the duration ticker period. Default: 1s.
func WithTickInterval(d time.Duration) Option {
	return func(c *Controller) { c.tick = d }
}

// WithIDGenerator overrides how call ids are generated. Default: random
// UUIDs.
func WithIDGenerator(fn func() string) Option {
	return func(c *Controller) { c.newID = fn }
}

// WithTransportOptions passes extra options to every [transport.Dial].
func WithTransportOptions(opts ...transport.Option) Option {
	return func(c *Controller) { c.dialOpts = append(c.dialOpts, opts...) }
}

// ── Controller ────────────────────────────────────────────────────────────────

// session is the state owned by one call from Start until its teardown
// completes.
type session struct {
	id        string
	gen       uint64
	ctx       context.Context
	cancel    context.CancelFunc
	startedAt time.Time
	rate      int

	pipe   *capture.Pipe
	player *playback.Player
	conn   *transport.Conn

	// ending is set once teardown has been claimed; handlers stop
	// touching shared state after that.
	ending atomic.Bool

	// startDone is closed when Start returns.
	startDone chan struct{}

	// stopTicker stops the duration ticker; tickerDone is closed when it
	// exits.
	stopTicker chan struct{}
	tickerDone chan struct{}

	// dispatchDone is closed when the dispatcher goroutine exits.
	dispatchDone chan struct{}

	// torn is closed when teardown has released every resource.
	torn chan struct{}

	// done is closed after torn, once the transcript has been committed.
	done chan struct{}
}

// Controller runs one call at a time. All exported methods are safe for
// concurrent use.
type Controller struct {
	cfg        Config
	negotiator negotiate.Negotiator
	device     audio.Device
	sink       *transcript.Sink

	history        history.Store
	historyBackend string
	metrics        *observe.Metrics
	log            *slog.Logger
	now            func() time.Time
	tick           time.Duration
	newID          func() string
	dialOpts       []transport.Option

	mu       sync.Mutex
	status   Status
	gen      uint64
	sess     *session
	duration int
	muted    bool
	lastErr  string
	notice   string

	// lastTorn is closed once the previous call released its resources.
	lastTorn chan struct{}
}

// New returns an idle Controller that negotiates calls through neg and opens
// audio hardware on dev.
func New(cfg Config, neg negotiate.Negotiator, dev audio.Device, opts ...Option) *Controller {
	c := &Controller{
		cfg:        cfg,
		negotiator: neg,
		device:     dev,
		status:     StatusIdle,
		now:        time.Now,
		tick:       time.Second,
		newID:      uuid.NewString,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.historyBackend == "" && c.history != nil {
		c.historyBackend = "custom"
	}
	c.sink = transcript.New(transcript.WithClock(c.now))
	return c
}

// transition moves the controller from its current status to `to`. Caller
// must hold c.mu.
func (c *Controller) transition(to Status) error {
	if !validTransition(c.status, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, c.status, to)
	}
	c.status = to
	return nil
}

// Status returns the current state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Snapshot returns the current state together with the transcript.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	snap := Snapshot{
		Status:      c.status,
		Duration:    c.duration,
		Muted:       c.muted,
		Error:       c.lastErr,
		AgentNotice: c.notice,
	}
	if c.sess != nil {
		snap.CallID = c.sess.id
		snap.SampleRate = c.sess.rate
	}
	c.mu.Unlock()

	snap.Transcript = c.sink.Entries()
	if snap.Transcript == nil {
		snap.Transcript = []transcript.Entry{}
	}
	snap.Thinking = c.sink.Thinking()
	return snap
}

// Start places a call. It returns once the call is active, or with the error
// that aborted it; in that case the controller is idle again, every acquired
// resource has been released and [Snapshot.Error] describes the failure.
// Start returns [ErrBusy] without side effects unless the controller is idle.
//
// ctx bounds the connecting phase only. The call itself lives until
// [Controller.End] or a transport failure.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.status != StatusIdle {
		c.mu.Unlock()
		return ErrBusy
	}
	if err := c.transition(StatusConnecting); err != nil {
		c.mu.Unlock()
		return err
	}
	c.gen++
	callCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &session{
		id:           c.newID(),
		gen:          c.gen,
		ctx:          callCtx,
		cancel:       cancel,
		startDone:    make(chan struct{}),
		stopTicker:   make(chan struct{}),
		tickerDone:   make(chan struct{}),
		dispatchDone: make(chan struct{}),
		torn:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	c.sess = sess
	c.duration = 0
	c.muted = false
	c.lastErr = ""
	c.notice = ""
	prevTorn := c.lastTorn
	c.lastTorn = sess.torn
	c.mu.Unlock()

	defer close(sess.startDone)
	c.sink.Reset()

	// The caller's context may cancel the connecting phase; after that the
	// call is independent of it.
	stopAfter := context.AfterFunc(ctx, cancel)
	defer stopAfter()

	if prevTorn != nil {
		select {
		case <-prevTorn:
		case <-callCtx.Done():
		}
	}

	begin := c.now()
	spanCtx, span := observe.StartCallSpan(callCtx, "call.start", sess.id)
	defer span.End()

	log := observe.CallLogger(spanCtx, sess.id).With("agent_id", c.cfg.AgentID)
	log.Info("call: connecting")

	err := c.connect(spanCtx, sess, log)
	if err == nil {
		err = c.activate(sess)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.abort(sess, err, log)
		status := "error"
		if errors.Is(err, context.Canceled) {
			status = "cancelled"
		}
		c.metrics.RecordCallStart(spanCtx, status, c.now().Sub(begin))
		return err
	}

	c.metrics.RecordCallStart(spanCtx, "ok", c.now().Sub(begin))
	c.metrics.ActiveCalls.Add(spanCtx, 1)
	log.Info("call: active", "sample_rate", sess.rate)
	return nil
}

// connect acquires every resource of sess in order and waits for the
// transport to become ready. Acquired resources are recorded on sess so
// that abort can release them.
func (c *Controller) connect(ctx context.Context, sess *session, log *slog.Logger) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ns, err := c.negotiator.Negotiate(ctx, c.cfg.AgentID)
	if err != nil {
		return err
	}
	log.Debug("call: session negotiated", "sample_rate", ns.SampleRate)

	c.mu.Lock()
	sess.rate = ns.SampleRate
	c.mu.Unlock()

	pipe, err := capture.Open(ctx, c.device, capture.Config{
		SampleRate:       ns.SampleRate,
		DeviceSampleRate: c.cfg.DeviceSampleRate,
		FrameSize:        c.cfg.FrameSize,
	}, capture.WithMetrics(c.metrics), capture.WithLogger(log))
	if err != nil {
		return err
	}
	sess.pipe = pipe

	player, err := playback.Open(ctx, c.device, playback.Config{
		SampleRate:       ns.SampleRate,
		DeviceSampleRate: c.cfg.DeviceSampleRate,
	}, playback.WithMetrics(c.metrics), playback.WithLogger(log))
	if err != nil {
		return err
	}
	sess.player = player

	opts := append([]transport.Option{
		transport.WithMetrics(c.metrics),
		transport.WithLogger(log),
	}, c.dialOpts...)
	conn, err := transport.Dial(ctx, ns.WSURL, opts...)
	if err != nil {
		return err
	}
	sess.conn = conn

	select {
	case ev, ok := <-conn.Events():
		switch {
		case !ok:
			return fmt.Errorf("%w: closed before ready", transport.ErrTransport)
		case ev.Kind == transport.EventReady:
			return nil
		case ev.Err != nil:
			return ev.Err
		default:
			return fmt.Errorf("%w: unexpected %s event before ready", transport.ErrTransport, ev.Kind)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// activate performs connecting → active. It fails if End cancelled the start
// in the meantime.
func (c *Controller) activate(sess *session) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := sess.ctx.Err(); err != nil {
		return err
	}
	if c.sess != sess {
		return context.Canceled
	}
	if err := c.transition(StatusActive); err != nil {
		return err
	}
	sess.startedAt = c.now()

	sess.pipe.SetMuted(false)
	sess.pipe.Connect(sess.conn)
	go c.runTicker(sess)
	go c.dispatch(sess)
	return nil
}

// abort unwinds a failed or cancelled start.
func (c *Controller) abort(sess *session, cause error, log *slog.Logger) {
	sess.ending.Store(true)
	sess.cancel()
	close(sess.stopTicker)
	close(sess.tickerDone)
	close(sess.dispatchDone)

	if err := c.release(sess); err != nil {
		log.Warn("call: release after failed start", "err", err)
	}
	close(sess.torn)
	close(sess.done)

	cancelled := errors.Is(cause, context.Canceled)
	c.mu.Lock()
	if c.sess == sess {
		if err := c.transition(StatusIdle); err != nil {
			log.Error("call: abort", "err", err)
		}
		c.sess = nil
		if !cancelled {
			c.lastErr = cause.Error()
		}
	}
	c.mu.Unlock()

	if cancelled {
		log.Info("call: start cancelled")
	} else {
		log.Warn("call: start failed", "err", cause)
	}
}

// End hangs up. Idle: no-op. Connecting: cancels the start and waits for it
// to unwind. Active: commits history and tears the call down. End returns
// once the call's resources have been released.
func (c *Controller) End(ctx context.Context) error {
	return c.end(ctx, ReasonUser)
}

// Shutdown ends any call in progress. Intended for process exit.
func (c *Controller) Shutdown(ctx context.Context) error {
	return c.end(ctx, ReasonShutdown)
}

func (c *Controller) end(ctx context.Context, reason string) error {
	c.mu.Lock()
	sess := c.sess
	status := c.status
	if sess != nil && status == StatusConnecting {
		// Cancelled under the lock so that activate cannot win the race.
		sess.cancel()
	}
	c.mu.Unlock()

	switch {
	case sess == nil || status == StatusIdle:
		return nil
	case status == StatusConnecting:
		select {
		case <-sess.startDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.finish(sess, reason, "", false)
	select {
	case <-sess.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetMuted mutes or unmutes the microphone of the active call.
func (c *Controller) SetMuted(muted bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusActive || c.sess == nil {
		return ErrNotActive
	}
	c.muted = muted
	c.sess.pipe.SetMuted(muted)
	return nil
}

// ── Active call ───────────────────────────────────────────────────────────────

func (c *Controller) runTicker(sess *session) {
	defer close(sess.tickerDone)
	t := time.NewTicker(c.tick)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.mu.Lock()
			if c.sess == sess && c.status == StatusActive {
				c.duration = int(c.now().Sub(sess.startedAt) / time.Second)
			}
			c.mu.Unlock()
		case <-sess.stopTicker:
			return
		}
	}
}

// dispatch consumes the transport's events in arrival order until the
// channel closes.
func (c *Controller) dispatch(sess *session) {
	defer close(sess.dispatchDone)
	log := observe.CallLogger(sess.ctx, sess.id)

	handlers := transport.Handlers{
		Audio: func(payload string) {
			// Undecodable chunks are already logged and counted by the player.
			_ = sess.player.Play(payload)
		},
		Transcript: func(role, text string) {
			c.sink.HandleTranscript(role, text)
		},
		Thinking: c.sink.HandleThinking,
		Clear:    c.sink.HandleClear,
		Error: func(detail string) {
			if detail == "" {
				detail = DefaultNoticeText
			}
			log.Warn("call: agent reported error", "detail", detail)
			c.mu.Lock()
			if c.sess == sess {
				c.notice = detail
			}
			c.mu.Unlock()
		},
	}

	for ev := range sess.conn.Events() {
		switch ev.Kind {
		case transport.EventMessage:
			if sess.ending.Load() {
				continue
			}
			transport.Dispatch(ev.Message, handlers)
		case transport.EventClosed:
			c.finish(sess, ReasonPeerClosed, "", true)
		case transport.EventFailed:
			log.Warn("call: connection lost", "err", ev.Err)
			c.finish(sess, ReasonFailed, ConnectionErrorText, true)
		}
	}
}

// finish performs active → idle for sess, releases every resource and then
// commits history. Calls for a session that is no longer current (an older
// generation, or one already ending) are ignored.
func (c *Controller) finish(sess *session, reason, userErr string, fromDispatcher bool) {
	c.mu.Lock()
	if c.sess != sess || c.gen != sess.gen || c.status != StatusActive || !sess.ending.CompareAndSwap(false, true) {
		c.mu.Unlock()
		return
	}
	if err := c.transition(StatusIdle); err != nil {
		c.mu.Unlock()
		c.log.Error("call: finish", "err", err)
		return
	}
	end := c.now()
	c.duration = int(end.Sub(sess.startedAt) / time.Second)
	c.sess = nil
	c.muted = false
	if userErr != "" {
		c.lastErr = userErr
	}
	c.mu.Unlock()

	ctx := context.WithoutCancel(sess.ctx)
	log := observe.CallLogger(ctx, sess.id)
	c.metrics.ActiveCalls.Add(ctx, -1)
	c.metrics.RecordCallEnd(ctx, reason, end.Sub(sess.startedAt))

	// The transcript is captured first: a new Start resets the sink as soon
	// as the controller is idle. Saving waits until the microphone is off.
	entries := c.sink.Entries()

	err := c.teardown(sess, fromDispatcher)
	close(sess.torn)
	if err != nil {
		log.Warn("call: teardown incomplete", "reason", reason, "err", err)
	}
	log.Info("call: ended", "reason", reason, "duration_s", int(end.Sub(sess.startedAt)/time.Second))

	c.commit(ctx, history.NewRecord(sess.id, sess.startedAt, end, entries), log)
	close(sess.done)
}

// commit saves rec to history when it has any entries.
func (c *Controller) commit(ctx context.Context, rec history.Record, log *slog.Logger) {
	if c.history == nil || len(rec.Transcript) == 0 {
		return
	}

	saveCtx, cancel := context.WithTimeout(ctx, historySaveTimeout)
	defer cancel()
	if err := c.history.Save(saveCtx, rec); err != nil {
		c.metrics.RecordHistorySave(ctx, c.historyBackend, "error")
		log.Error("call: save history", "backend", c.historyBackend, "err", err)
		return
	}
	c.metrics.RecordHistorySave(ctx, c.historyBackend, "ok")
	log.Debug("call: history saved", "backend", c.historyBackend, "entries", len(rec.Transcript))
}

// teardown releases the resources of an active call in order. Every step
// runs even if an earlier one fails.
func (c *Controller) teardown(sess *session, fromDispatcher bool) error {
	var errs []error

	if err := sess.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}
	if !fromDispatcher {
		<-sess.dispatchDone
	}

	sess.pipe.Disconnect()
	close(sess.stopTicker)
	<-sess.tickerDone

	if err := sess.pipe.Release(); err != nil {
		errs = append(errs, fmt.Errorf("release microphone: %w", err))
	}

	sess.player.Reset()
	if err := sess.player.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close playback: %w", err))
	}

	sess.cancel()
	return errors.Join(errs...)
}

// release frees whatever a failed start managed to acquire, in teardown
// order.
func (c *Controller) release(sess *session) error {
	var errs []error
	if sess.conn != nil {
		if err := sess.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
	}
	if sess.pipe != nil {
		sess.pipe.Disconnect()
		if err := sess.pipe.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release microphone: %w", err))
		}
	}
	if sess.player != nil {
		sess.player.Reset()
		if err := sess.player.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close playback: %w", err))
		}
	}
	return errors.Join(errs...)
}
