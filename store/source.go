package store

import (
	"context"
	"fmt"
	"strings"

	kivik "github.com/go-kivik/kivik/v4"

	"phimask.evalgo.org/retry"
)

// Document is one row pulled from the source collection. Body holds the
// user fields only; the driver bookkeeping fields (_id, _rev) are carried
// separately so the transformer and the shape check never see them.
type Document struct {
	ID   string
	Rev  string
	Body map[string]any
}

// Source streams a collection in ascending _id order with a resumable
// bookmark. Pages are fetched through _all_docs with include_docs, which
// gives a stable total order over the primary index.
type Source struct {
	svc      *Service
	pageSize int
	policy   retry.Policy
}

// NewSource returns a source reading pages of pageSize documents.
func NewSource(svc *Service, pageSize int, policy retry.Policy) *Source {
	if pageSize < 1 {
		pageSize = 1000
	}
	return &Source{svc: svc, pageSize: pageSize, policy: policy}
}

// Open positions a cursor after resumeKey. With an empty resumeKey the
// cursor starts at the beginning of the collection. The first document
// yielded after a resume always has _id > resumeKey.
func (s *Source) Open(ctx context.Context, resumeKey string) (*Cursor, error) {
	c := &Cursor{src: s, lastKey: resumeKey}
	// Fetch the first page eagerly so connection problems surface at open
	// time rather than mid-run.
	if err := c.fetchPage(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Cursor iterates documents one page at a time.
type Cursor struct {
	src     *Source
	lastKey string
	buf     []*Document
	pos     int
	done    bool
}

// Next returns the next document, or (nil, nil) when the collection is
// exhausted.
func (c *Cursor) Next(ctx context.Context) (*Document, error) {
	for {
		if c.pos < len(c.buf) {
			doc := c.buf[c.pos]
			c.pos++
			return doc, nil
		}
		if c.done {
			return nil, nil
		}
		if err := c.fetchPage(ctx); err != nil {
			return nil, err
		}
	}
}

// Close releases the cursor. Pages are materialized per fetch so there is
// no server-side state to tear down.
func (c *Cursor) Close() error { return nil }

// fetchPage pulls the next page after lastKey, retrying transient store
// errors under the shared policy.
func (c *Cursor) fetchPage(ctx context.Context) error {
	var page []*Document
	var rawRows int

	err := c.src.policy.Do(ctx, IsTransient, func() error {
		page = page[:0]
		rawRows = 0

		params := map[string]interface{}{
			"include_docs": true,
			"limit":        c.src.pageSize,
		}
		if c.lastKey != "" {
			params["start_key"] = c.lastKey
		}

		rows := c.src.svc.db.AllDocs(ctx, kivik.Params(params))
		defer rows.Close()

		for rows.Next() {
			rawRows++
			id, err := rows.ID()
			if err != nil {
				return fmt.Errorf("reading row id: %w", err)
			}
			// start_key positions at the first id >= the bookmark; drop
			// the bookmark itself and anything at or before it.
			if c.lastKey != "" && id <= c.lastKey {
				continue
			}
			if strings.HasPrefix(id, "_design/") {
				continue
			}

			var body map[string]any
			if err := rows.ScanDoc(&body); err != nil {
				return fmt.Errorf("scanning document %s: %w", id, err)
			}
			rev, _ := body["_rev"].(string)
			delete(body, "_id")
			delete(body, "_rev")

			page = append(page, &Document{ID: id, Rev: rev, Body: body})
		}
		if err := rows.Err(); err != nil {
			return classify(fmt.Errorf("fetching page after %q: %w", c.lastKey, err))
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.buf = page
	c.pos = 0
	if len(page) > 0 {
		c.lastKey = page[len(page)-1].ID
	}
	// A short raw page means the index is exhausted.
	if rawRows < c.src.pageSize {
		c.done = true
	}
	return nil
}
