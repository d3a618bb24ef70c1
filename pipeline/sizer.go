package pipeline

import (
	"context"
	"sync"
	"time"

	"phimask.evalgo.org/config"
	"phimask.evalgo.org/metrics"
)

// growStreak is how many consecutive fast, low-memory batches it takes
// before the batch size doubles.
const growStreak = 3

// memPollInterval is how often a paused dispatcher re-checks live memory.
const memPollInterval = 500 * time.Millisecond

// sizer owns the adaptive batch size. After every committed batch the
// writer reports (duration, resident delta); crossing the high watermark
// halves the size and pauses dispatch until live memory falls below the
// low watermark, while a streak of fast batches doubles it.
type sizer struct {
	mu sync.Mutex

	min, max int
	cur      int
	target   time.Duration
	high     uint64
	low      uint64

	fast   int
	paused bool
}

func newSizer(batch config.BatchConfig, mem config.MemoryConfig) *sizer {
	return &sizer{
		min:    batch.Min,
		max:    batch.Max,
		cur:    batch.Init,
		target: time.Duration(batch.TargetSeconds) * time.Second,
		high:   mem.HighBytes,
		low:    mem.LowBytes,
	}
}

// current returns the batch size the next dispatch should use.
func (s *sizer) current() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// observe folds one committed batch into the sizing state.
func (s *sizer) observe(d time.Duration, rssDelta uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rssDelta > s.high {
		s.cur = max(s.cur/2, s.min)
		s.fast = 0
		s.paused = true
		return
	}
	if d < s.target && rssDelta < s.low {
		s.fast++
		if s.fast >= growStreak {
			s.cur = min(s.cur*2, s.max)
			s.fast = 0
		}
		return
	}
	s.fast = 0
}

// waitReady blocks while dispatch is paused for memory pressure, polling
// the sampler until live memory drops below the low watermark or the
// context is cancelled.
func (s *sizer) waitReady(ctx context.Context, sampler metrics.MemSampler) error {
	for {
		s.mu.Lock()
		paused := s.paused
		s.mu.Unlock()
		if !paused {
			return nil
		}

		if sampler != nil {
			rss, err := sampler.RSS()
			if err == nil && rss < s.low {
				s.mu.Lock()
				s.paused = false
				s.mu.Unlock()
				return nil
			}
			if err != nil {
				// Without a memory signal there is nothing to wait for.
				s.mu.Lock()
				s.paused = false
				s.mu.Unlock()
				return nil
			}
		} else {
			s.mu.Lock()
			s.paused = false
			s.mu.Unlock()
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(memPollInterval):
		}
	}
}
