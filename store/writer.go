package store

import (
	"context"
	"fmt"

	"phimask.evalgo.org/retry"
)

// Mode selects the write path.
type Mode string

const (
	// ModeInSitu issues bulk updates against the source collection.
	ModeInSitu Mode = "in-situ"

	// ModeCopy issues bulk inserts into a destination collection.
	ModeCopy Mode = "copy"
)

// UpdateOp is one masked document ready to commit. ChangedPaths is empty
// for documents no rule touched; the writer skips those (no-op updates are
// never issued).
type UpdateOp struct {
	ID           string
	Rev          string
	Doc          map[string]any
	ChangedPaths []string
	OriginalHash string
}

// FailedOp is one op rejected within an otherwise accepted bulk request.
type FailedOp struct {
	Op     UpdateOp
	Reason string
}

// PartialError reports the failed subset of a bulk commit. The remaining
// ops in the request were durably written.
type PartialError struct {
	Failed []FailedOp
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("bulk commit: %d document(s) failed", len(e.Failed))
}

// Writer commits update ops in bulk with retries for transient transport
// failures. Per-row failures (MVCC conflicts, validation rejects) are
// returned as a PartialError for the scheduler's solo-retry path.
type Writer struct {
	svc    *Service
	mode   Mode
	policy retry.Policy
}

// NewWriter returns a writer targeting svc in the given mode.
func NewWriter(svc *Service, mode Mode, policy retry.Policy) *Writer {
	return &Writer{svc: svc, mode: mode, policy: policy}
}

// Commit writes all ops with at least one changed path and returns the
// number written. A *PartialError carries any per-row failures. In copy
// mode the source revision is dropped; the destination assigns its own.
func (w *Writer) Commit(ctx context.Context, ops []UpdateOp) (int, error) {
	if w.mode == ModeCopy {
		for i := range ops {
			ops[i].Rev = ""
		}
	}
	return w.commit(ctx, ops)
}

func (w *Writer) commit(ctx context.Context, ops []UpdateOp) (int, error) {
	byID := make(map[string]UpdateOp, len(ops))
	docs := make([]interface{}, 0, len(ops))
	for _, op := range ops {
		if len(op.ChangedPaths) == 0 {
			continue
		}
		docs = append(docs, w.bulkBody(op))
		byID[op.ID] = op
	}
	if len(docs) == 0 {
		return 0, nil
	}

	var results []struct {
		ID    string
		Rev   string
		Error error
	}
	err := w.policy.Do(ctx, IsTransient, func() error {
		res, err := w.svc.db.BulkDocs(ctx, docs)
		if err != nil {
			return classify(fmt.Errorf("bulk commit of %d documents: %w", len(docs), err))
		}
		results = results[:0]
		for _, r := range res {
			results = append(results, struct {
				ID    string
				Rev   string
				Error error
			}{ID: r.ID, Rev: r.Rev, Error: r.Error})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	var failed []FailedOp
	written := 0
	for _, r := range results {
		if r.Error != nil {
			failed = append(failed, FailedOp{Op: byID[r.ID], Reason: r.Error.Error()})
			continue
		}
		written++
	}
	if len(failed) > 0 {
		return written, &PartialError{Failed: failed}
	}
	return written, nil
}

// CommitOne is the solo-retry path: a batch of one. The current revision
// is refreshed from the target database first, since the usual reason a
// row failed is an MVCC conflict against a stale or missing revision. In
// copy mode this makes a re-run overwrite a document an interrupted run
// already copied.
func (w *Writer) CommitOne(ctx context.Context, op UpdateOp) error {
	op.Rev = ""
	if rev, err := w.currentRev(ctx, op.ID); err == nil && rev != "" {
		op.Rev = rev
	}
	_, err := w.commit(ctx, []UpdateOp{op})
	return err
}

// bulkBody assembles the wire document for one op.
func (w *Writer) bulkBody(op UpdateOp) map[string]any {
	body := make(map[string]any, len(op.Doc)+2)
	for k, v := range op.Doc {
		body[k] = v
	}
	body["_id"] = op.ID
	if op.Rev != "" {
		body["_rev"] = op.Rev
	}
	return body
}

// currentRev fetches the live revision of a document.
func (w *Writer) currentRev(ctx context.Context, id string) (string, error) {
	row := w.svc.db.Get(ctx, id)
	if row.Err() != nil {
		return "", classify(row.Err())
	}
	var doc map[string]any
	if err := row.ScanDoc(&doc); err != nil {
		return "", err
	}
	rev, _ := doc["_rev"].(string)
	return rev, nil
}
