package pipeline

import "sync"

// frontier tracks which batches have committed. Batches cover disjoint
// ascending id ranges in dispatch order, so the checkpoint may only
// advance to the end of the longest committed prefix; a batch that
// commits ahead of a still-inflight predecessor waits in pending.
type frontier struct {
	mu      sync.Mutex
	next    int64
	pending map[int64]frontierEntry
}

type frontierEntry struct {
	lastKey string
	docs    int64
}

func newFrontier() *frontier {
	return &frontier{pending: make(map[int64]frontierEntry)}
}

// complete records batch seq as committed. When the contiguous prefix
// grows it returns the new frontier key plus the number of documents the
// advance covers; otherwise advanced is false.
func (f *frontier) complete(seq int64, lastKey string, docs int64) (key string, n int64, advanced bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pending[seq] = frontierEntry{lastKey: lastKey, docs: docs}
	for {
		e, ok := f.pending[f.next]
		if !ok {
			break
		}
		delete(f.pending, f.next)
		f.next++
		key = e.lastKey
		n += e.docs
		advanced = true
	}
	return key, n, advanced
}
