// Package transcript accumulates the running text of a call.
//
// The [Sink] is fed by the call's dispatcher goroutine: every inbound
// transcript message appends an [Entry], and thinking/clear messages toggle a
// flag that front ends use to show a provisional "responding" indicator.
// Entries are never removed or reordered while a call is running.
package transcript

import (
	"fmt"
	"sync"
	"time"
)

// Role identifies who spoke an entry.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// RoleFromWire maps the role field of an inbound message to a [Role]. Only
// "user" is the user; anything else, including an empty role, is the agent.
func RoleFromWire(s string) Role {
	if s == string(RoleUser) {
		return RoleUser
	}
	return RoleAgent
}

// Entry is one line of the transcript. Immutable once appended.
type Entry struct {
	Role      Role   `json:"role"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// FormatTimestamp renders the wall-clock display stamp of an entry: the
// minute of the hour and zero-padded seconds, e.g. "7:05".
func FormatTimestamp(t time.Time) string {
	return fmt.Sprintf("%d:%02d", t.Minute(), t.Second())
}

// Option is a functional option for [New].
type Option func(*Sink)

// WithClock overrides the wall clock used for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Sink) { s.now = now }
}

// WithListener registers fn to be called, outside the sink's lock, with every
// appended entry.
func WithListener(fn func(Entry)) Option {
	return func(s *Sink) { s.listener = fn }
}

// Sink holds the transcript and thinking flag of the current call.
// Safe for concurrent use.
type Sink struct {
	now      func() time.Time
	listener func(Entry)

	mu       sync.Mutex
	entries  []Entry
	thinking bool
}

// New returns an empty Sink.
func New(opts ...Option) *Sink {
	s := &Sink{now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// HandleTranscript appends an entry for an inbound transcript message and
// clears the thinking flag.
func (s *Sink) HandleTranscript(role, text string) Entry {
	e := Entry{
		Role:      RoleFromWire(role),
		Text:      text,
		Timestamp: FormatTimestamp(s.now()),
	}

	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.thinking = false
	fn := s.listener
	s.mu.Unlock()

	if fn != nil {
		fn(e)
	}
	return e
}

// HandleThinking sets the thinking flag.
func (s *Sink) HandleThinking() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thinking = true
}

// HandleClear clears the thinking flag.
func (s *Sink) HandleClear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thinking = false
}

// Entries returns a copy of the transcript in arrival order.
func (s *Sink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}

// Len returns the number of entries.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Thinking reports whether the agent is currently marked as thinking.
func (s *Sink) Thinking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thinking
}

// Reset drops all entries and clears the flag. Call it only when a new call
// starts.
func (s *Sink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	s.thinking = false
}
