package metrics

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"phimask.evalgo.org/common"
)

// Progress tracks throughput and logs a periodic status line. The rate is
// an exponentially weighted moving average so a slow batch shows up
// without one outlier dominating the estimate.
type Progress struct {
	processed atomic.Int64
	committed atomic.Int64

	alpha   float64
	rate    float64
	lastN   int64
	lastAt  time.Time
	started time.Time
}

// NewProgress returns a tracker with a smoothing factor of 0.3.
func NewProgress() *Progress {
	now := time.Now()
	return &Progress{alpha: 0.3, lastAt: now, started: now}
}

// Add records n processed documents.
func (p *Progress) Add(n int) {
	p.processed.Add(int64(n))
}

// AddCommitted records n committed documents.
func (p *Progress) AddCommitted(n int) {
	p.committed.Add(int64(n))
}

// Processed returns the running document count.
func (p *Progress) Processed() int64 {
	return p.processed.Load()
}

// Rate returns the current smoothed documents-per-second estimate.
// Not safe for concurrent use with the report loop; callers read it after
// Run returns.
func (p *Progress) Rate() float64 {
	return p.rate
}

// Run logs a status line every interval until ctx is done. Call from its
// own goroutine.
func (p *Progress) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.observe(now)
			common.Logger.WithFields(logrus.Fields{
				"processed":    humanize.Comma(p.processed.Load()),
				"committed":    humanize.Comma(p.committed.Load()),
				"docs_per_sec": humanize.CommafWithDigits(p.rate, 1),
				"elapsed":      now.Sub(p.started).Round(time.Second).String(),
			}).Info("masking progress")
		}
	}
}

// observe folds the window since the last tick into the moving average.
func (p *Progress) observe(now time.Time) {
	n := p.processed.Load()
	dt := now.Sub(p.lastAt).Seconds()
	if dt <= 0 {
		return
	}
	instant := float64(n-p.lastN) / dt
	if p.rate == 0 {
		p.rate = instant
	} else {
		p.rate = p.alpha*instant + (1-p.alpha)*p.rate
	}
	p.lastN = n
	p.lastAt = now
}
