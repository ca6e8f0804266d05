// Package playback turns inbound audio chunks into gapless speaker output.
//
// [Scheduler] is the pure cursor arithmetic: each chunk starts at the later
// of the output clock and the end of the previous chunk. [Player] applies it
// to a real [audio.OutputStream].
package playback

import "sync"

// Scheduler tracks the next free position on an output clock, counted in
// samples so consecutive chunks tile without rounding drift. The zero value
// is ready to use with the cursor at zero. Safe for concurrent use.
type Scheduler struct {
	mu     sync.Mutex
	cursor int64
}

// Schedule reserves n samples and returns where they start: max(now,
// cursor). The cursor advances to the returned start plus n. When chunks
// arrive faster than real time each one begins exactly where the previous
// one ended; when the producer has stalled the chunk starts at now.
func (s *Scheduler) Schedule(now, n int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := max(now, s.cursor)
	s.cursor = start + n
	return start
}

// Cursor returns the sample index just past the last scheduled chunk.
func (s *Scheduler) Cursor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Reset moves the cursor back to zero. Only call it when no call is active.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = 0
}
