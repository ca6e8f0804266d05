package playback

import "testing"

func TestScheduler_Gapless(t *testing.T) {
	t.Parallel()

	var s Scheduler
	sizes := []int64{4096, 2048, 8192, 240, 4800}

	// Every chunk arrives before its slot: the clock only creeps forward.
	now := int64(120)
	var starts []int64
	for _, n := range sizes {
		starts = append(starts, s.Schedule(now, n))
		now += 24
	}

	if starts[0] != 120 {
		t.Errorf("first start = %d, want 120 (clock)", starts[0])
	}
	for i := 1; i < len(starts); i++ {
		if want := starts[i-1] + sizes[i-1]; starts[i] != want {
			t.Errorf("chunk %d starts at %d, want %d (end of previous)", i, starts[i], want)
		}
	}
	var total int64
	for _, n := range sizes {
		total += n
	}
	if got := s.Cursor(); got != 120+total {
		t.Errorf("cursor = %d, want %d", got, 120+total)
	}
}

func TestScheduler_CatchUp(t *testing.T) {
	t.Parallel()

	var s Scheduler
	s.Schedule(0, 2400)

	// Producer stalled: clock is well past the cursor.
	now := int64(48000)
	start := s.Schedule(now, 1200)
	if start != now {
		t.Errorf("start = %d, want now (%d), not the stale cursor", start, now)
	}
	if got := s.Cursor(); got != now+1200 {
		t.Errorf("cursor = %d, want %d", got, now+1200)
	}
}

func TestScheduler_CursorNonDecreasing(t *testing.T) {
	t.Parallel()

	var s Scheduler
	clock := []int64{0, 72, 24, 240, 48, 1200, 1200, 168}
	prev := s.Cursor()
	for i, c := range clock {
		s.Schedule(c, int64(i)*24)
		cur := s.Cursor()
		if cur < prev {
			t.Fatalf("step %d: cursor went backwards %d → %d", i, prev, cur)
		}
		prev = cur
	}
}

func TestScheduler_Reset(t *testing.T) {
	t.Parallel()

	var s Scheduler
	s.Schedule(24000, 24000)
	s.Reset()
	if got := s.Cursor(); got != 0 {
		t.Fatalf("cursor after Reset = %d, want 0", got)
	}
	if start := s.Schedule(0, 24); start != 0 {
		t.Errorf("first start after Reset = %d, want 0", start)
	}
}
