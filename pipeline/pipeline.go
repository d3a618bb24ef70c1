// Package pipeline runs the masking flow: one dispatcher owns the cursor
// and batch sizing, a pool of workers transforms documents, and a small
// writer pool commits batches to the sink. All stages are connected by
// bounded channels so a slow sink stalls the cursor instead of growing
// queues.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"phimask.evalgo.org/checkpoint"
	"phimask.evalgo.org/common"
	"phimask.evalgo.org/config"
	"phimask.evalgo.org/metrics"
	"phimask.evalgo.org/rules"
	"phimask.evalgo.org/store"
	"phimask.evalgo.org/transform"
)

// Source yields documents in ascending id order. A nil document marks
// exhaustion.
type Source interface {
	Next(ctx context.Context) (*store.Document, error)
}

// Sink commits masked documents. CommitOne is the batch-of-one retry path
// for ops rejected inside a bulk request.
type Sink interface {
	Commit(ctx context.Context, ops []store.UpdateOp) (int, error)
	CommitOne(ctx context.Context, op store.UpdateOp) error
}

// Checkpointer persists run progress.
type Checkpointer interface {
	Save(cp *checkpoint.Checkpoint) error
}

// HashRecorder stores original-content hashes for committed documents.
type HashRecorder interface {
	PutBatch(hashes map[string]string) error
}

// DeadLetter records documents abandoned after the retry budget.
type DeadLetter interface {
	Record(docID, reason string, attempts int) error
	Count() int
}

// Options carries everything a run needs. Source, Sink, Rules and Metrics
// are required; Checkpoint, Hashes, DeadLetter and Sampler may be nil.
type Options struct {
	Source     Source
	Sink       Sink
	Rules      *rules.RuleSet
	Metrics    *metrics.Metrics
	Progress   *metrics.Progress
	Sampler    metrics.MemSampler
	Checkpoint Checkpointer
	Hashes     HashRecorder
	DeadLetter DeadLetter

	Collection string
	RunID      string
	RunSeed    uint64

	Workers           int
	WriterParallelism int
	MaxSoloRetries    int
	Limit             int

	Batch  config.BatchConfig
	Memory config.MemoryConfig

	DryRun      bool
	VerifyShape bool

	DrainTimeout time.Duration

	// StartCount seeds the running document count when resuming.
	StartCount int64

	// StartKey seeds the committed frontier key when resuming, so a run
	// that commits nothing new never regresses the checkpoint.
	StartKey string
}

// Stats summarizes one run.
type Stats struct {
	DocsProcessed int64
	DocsMasked    int64
	DocsUnchanged int64
	DocsCommitted int64
	Batches       int64
	DeadLetters   int
	Cancelled     bool
	Duration      time.Duration
}

// ErrShapeViolation marks a transform that changed the document's path
// set. It is always fatal; continuing could corrupt non-PHI data.
var ErrShapeViolation = errors.New("document shape changed during masking")

type batch struct {
	seq     int64
	docs    []*store.Document
	started time.Time
	rssAt   uint64
}

type result struct {
	b         *batch
	ops       []store.UpdateOp
	hashes    map[string]string
	masked    int64
	unchanged int64
	lastKey   string
}

// Pipeline executes one masking run.
type Pipeline struct {
	opts  Options
	sizer *sizer

	mu            sync.Mutex
	stopDispatch  context.CancelFunc
	fatalErr      error
	committed     int64
	masked        int64
	unchanged     int64
	processed     int64
	batches       int64
	frontierCount int64
	frontierKey   string
}

// New assembles a pipeline from options.
func New(opts Options) *Pipeline {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.WriterParallelism < 1 {
		opts.WriterParallelism = 1
	}
	return &Pipeline{
		opts:        opts,
		sizer:       newSizer(opts.Batch, opts.Memory),
		frontierKey: opts.StartKey,
	}
}

// Run drives the pipeline until the cursor is exhausted, a fatal error
// occurs, or ctx is cancelled. Cancellation drains inflight batches and
// returns Cancelled stats with a nil error.
func (p *Pipeline) Run(ctx context.Context) (Stats, error) {
	started := time.Now()

	// Inner context: cancelled on fatal errors so the dispatcher stops.
	runCtx, stopDispatch := context.WithCancel(ctx)
	defer stopDispatch()
	p.mu.Lock()
	p.stopDispatch = stopDispatch
	p.mu.Unlock()

	// Write context: outlives ctx so inflight batches can drain, bounded
	// by the drain timeout.
	writeCtx, stopWrites := context.WithCancel(context.Background())
	defer stopWrites()
	go func() {
		<-runCtx.Done()
		drain := p.opts.DrainTimeout
		if drain <= 0 {
			drain = time.Minute
		}
		select {
		case <-writeCtx.Done():
		case <-time.After(drain):
			common.Logger.Warn("drain timeout exceeded, aborting inflight writes")
			stopWrites()
		}
	}()

	slots := p.opts.Workers + 2
	batchCh := make(chan *batch, slots)
	resultCh := make(chan *result, slots)

	var workers sync.WaitGroup
	workers.Add(p.opts.Workers)
	for i := 0; i < p.opts.Workers; i++ {
		go func(id int) {
			defer workers.Done()
			rng := rand.New(rand.NewPCG(p.opts.RunSeed, uint64(id)))
			for b := range batchCh {
				resultCh <- p.transformBatch(b, rng)
			}
		}(i)
	}

	var writers sync.WaitGroup
	writers.Add(p.opts.WriterParallelism)
	fr := newFrontier()
	for i := 0; i < p.opts.WriterParallelism; i++ {
		go func() {
			defer writers.Done()
			for res := range resultCh {
				p.commitBatch(writeCtx, fr, res)
			}
		}()
	}

	p.dispatch(runCtx, batchCh)

	close(batchCh)
	workers.Wait()
	close(resultCh)
	writers.Wait()

	stats := p.stats(started)
	stats.Cancelled = ctx.Err() != nil && p.firstError() == nil

	if err := p.firstError(); err != nil {
		return stats, err
	}
	if !stats.Cancelled {
		p.finish(stats)
	}
	return stats, nil
}

// dispatch owns the cursor: it assembles batches at the sizer's current
// size and hands them to the workers, honoring the document limit and
// memory pauses.
func (p *Pipeline) dispatch(ctx context.Context, batchCh chan<- *batch) {
	var seq int64
	var read int

	for {
		if ctx.Err() != nil {
			return
		}
		if err := p.sizer.waitReady(ctx, p.opts.Sampler); err != nil {
			return
		}

		size := p.sizer.current()
		if p.opts.Limit > 0 {
			if remaining := p.opts.Limit - read; remaining < size {
				size = remaining
			}
			if size <= 0 {
				return
			}
		}

		b := &batch{seq: seq, started: time.Now(), rssAt: p.sampleRSS()}
		for len(b.docs) < size {
			doc, err := p.opts.Source.Next(ctx)
			if err != nil {
				if ctx.Err() == nil {
					p.fail(fmt.Errorf("reading source: %w", err))
				}
				break
			}
			if doc == nil {
				break
			}
			b.docs = append(b.docs, doc)
		}
		if len(b.docs) == 0 {
			return
		}
		read += len(b.docs)

		select {
		case batchCh <- b:
			seq++
		case <-ctx.Done():
			return
		}
		if len(b.docs) < size {
			// Short batch means the cursor is exhausted.
			return
		}
	}
}

// transformBatch runs the rule set over every document in the batch.
func (p *Pipeline) transformBatch(b *batch, rng *rand.Rand) *result {
	res := &result{
		b:       b,
		hashes:  make(map[string]string, len(b.docs)),
		lastKey: b.docs[len(b.docs)-1].ID,
	}

	for _, doc := range b.docs {
		p.opts.Metrics.DocsRead.Inc()

		masked, changed := transform.Transform(doc.ID, doc.Body, p.opts.Rules, rng, p.opts.Metrics)

		if p.opts.VerifyShape {
			if diff := transform.VerifyShape(doc.Body, masked); diff != "" {
				p.fail(fmt.Errorf("%w: doc %s: %s", ErrShapeViolation, doc.ID, diff))
			}
		}

		if len(changed) == 0 {
			res.unchanged++
			p.opts.Metrics.DocsUnchanged.Inc()
		} else {
			res.masked++
			p.opts.Metrics.DocsMasked.Inc()
			res.hashes[doc.ID] = checkpoint.HashBody(doc.Body)
		}

		res.ops = append(res.ops, store.UpdateOp{
			ID:           doc.ID,
			Rev:          doc.Rev,
			Doc:          masked,
			ChangedPaths: changed,
			OriginalHash: res.hashes[doc.ID],
		})

		if p.opts.Progress != nil {
			p.opts.Progress.Add(1)
		}
	}
	return res
}

// commitBatch writes one transformed batch, runs the solo-retry path for
// partial failures, and advances the checkpoint frontier.
func (p *Pipeline) commitBatch(ctx context.Context, fr *frontier, res *result) {
	if err := p.firstError(); err != nil {
		return
	}

	written := 0
	if !p.opts.DryRun {
		var err error
		written, err = p.opts.Sink.Commit(ctx, res.ops)

		var partial *store.PartialError
		switch {
		case err == nil:
		case errors.As(err, &partial):
			n, abandoned := p.retrySolo(ctx, partial.Failed)
			written += n
			// The sidecar is the record of documents durably masked;
			// dead-lettered ids must not appear in it.
			for _, id := range abandoned {
				delete(res.hashes, id)
			}
		default:
			p.fail(fmt.Errorf("committing batch %d: %w", res.b.seq, err))
			return
		}

		if p.opts.Hashes != nil && len(res.hashes) > 0 {
			if err := p.opts.Hashes.PutBatch(res.hashes); err != nil {
				p.fail(fmt.Errorf("recording batch hashes: %w", err))
				return
			}
		}
	}

	elapsed := time.Since(res.b.started)
	p.opts.Metrics.ObserveBatch(elapsed)
	p.opts.Metrics.DocsCommitted.Add(float64(written))
	if p.opts.Progress != nil {
		p.opts.Progress.AddCommitted(written)
	}

	rssNow := p.sampleRSS()
	var delta uint64
	if rssNow > res.b.rssAt {
		delta = rssNow - res.b.rssAt
	}
	p.opts.Metrics.RSSBytes.Set(float64(rssNow))
	p.sizer.observe(elapsed, delta)
	p.opts.Metrics.BatchSize.Set(float64(p.sizer.current()))

	p.mu.Lock()
	p.processed += int64(len(res.b.docs))
	p.committed += int64(written)
	p.masked += res.masked
	p.unchanged += res.unchanged
	p.batches++
	p.mu.Unlock()

	if key, n, advanced := fr.complete(res.b.seq, res.lastKey, int64(len(res.b.docs))); advanced {
		p.mu.Lock()
		p.frontierCount += n
		p.frontierKey = key
		count := p.opts.StartCount + p.frontierCount
		p.mu.Unlock()
		p.advance(key, count)
	}
}

// retrySolo re-commits each failed op alone, refreshing conflicts, until
// it lands or the budget is spent and the document is dead-lettered. It
// returns the number written and the ids it gave up on.
func (p *Pipeline) retrySolo(ctx context.Context, failed []store.FailedOp) (int, []string) {
	budget := p.opts.MaxSoloRetries
	if budget < 1 {
		budget = 1
	}

	written := 0
	var abandoned []string
	for _, f := range failed {
		var lastErr error
		ok := false
		for attempt := 1; attempt <= budget; attempt++ {
			p.opts.Metrics.SoloRetries.Inc()
			err := p.opts.Sink.CommitOne(ctx, f.Op)
			if err == nil {
				ok = true
				written++
				break
			}
			lastErr = err
			if store.IsConflict(err) {
				p.opts.Metrics.Conflicts.Inc()
			}
			if errors.Is(err, store.ErrAuth) || ctx.Err() != nil {
				break
			}
		}
		if ok {
			continue
		}

		reason := f.Reason
		if lastErr != nil {
			reason = lastErr.Error()
		}
		abandoned = append(abandoned, f.Op.ID)
		p.opts.Metrics.DocsDeadLettered.Inc()
		if p.opts.DeadLetter != nil {
			if err := p.opts.DeadLetter.Record(f.Op.ID, reason, budget); err != nil {
				p.fail(fmt.Errorf("recording dead letter for %s: %w", f.Op.ID, err))
				return written, abandoned
			}
		}
	}
	return written, abandoned
}

// advance persists the new checkpoint frontier.
func (p *Pipeline) advance(lastKey string, count int64) {
	if p.opts.DryRun || p.opts.Checkpoint == nil {
		return
	}
	err := p.opts.Checkpoint.Save(&checkpoint.Checkpoint{
		Collection: p.opts.Collection,
		RunID:      p.opts.RunID,
		LastKey:    lastKey,
		Count:      count,
	})
	if err != nil {
		p.fail(fmt.Errorf("saving checkpoint: %w", err))
	}
}

// finish writes the terminal checkpoint after a clean run, preserving
// the last committed frontier key.
func (p *Pipeline) finish(stats Stats) {
	if p.opts.DryRun || p.opts.Checkpoint == nil {
		return
	}
	p.mu.Lock()
	lastKey := p.frontierKey
	p.mu.Unlock()

	err := p.opts.Checkpoint.Save(&checkpoint.Checkpoint{
		Collection: p.opts.Collection,
		RunID:      p.opts.RunID,
		LastKey:    lastKey,
		Count:      p.opts.StartCount + stats.DocsProcessed,
		Done:       true,
	})
	if err != nil {
		common.Logger.WithError(err).Warn("saving terminal checkpoint failed")
	}
}

func (p *Pipeline) sampleRSS() uint64 {
	if p.opts.Sampler == nil {
		return 0
	}
	rss, err := p.opts.Sampler.RSS()
	if err != nil {
		return 0
	}
	return rss
}

// fail records the first fatal error and stops further dispatch.
func (p *Pipeline) fail(err error) {
	p.mu.Lock()
	first := p.fatalErr == nil
	if first {
		p.fatalErr = err
	}
	stop := p.stopDispatch
	p.mu.Unlock()

	if first {
		common.Logger.WithError(err).Error("pipeline failure")
		if stop != nil {
			stop()
		}
	}
}

func (p *Pipeline) firstError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fatalErr
}

func (p *Pipeline) stats(started time.Time) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		DocsProcessed: p.processed,
		DocsMasked:    p.masked,
		DocsUnchanged: p.unchanged,
		DocsCommitted: p.committed,
		Batches:       p.batches,
		Duration:      time.Since(started),
	}
	if p.opts.DeadLetter != nil {
		s.DeadLetters = p.opts.DeadLetter.Count()
	}

	common.Logger.WithFields(logrus.Fields{
		"processed":    s.DocsProcessed,
		"masked":       s.DocsMasked,
		"committed":    s.DocsCommitted,
		"batches":      s.Batches,
		"dead_letters": s.DeadLetters,
	}).Info("pipeline finished")
	return s
}
