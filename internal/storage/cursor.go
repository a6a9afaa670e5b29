package storage

import (
	"context"

	"github.com/haohanyang/compass/internal/doc"
)

// Row is one fetched document with its keyset position. Keys are strictly
// increasing within a collection.
type Row struct {
	Key int64
	Doc doc.Document
}

// FetchFn returns up to limit rows whose key is greater than after, in key
// order. An empty page ends the iteration.
type FetchFn func(ctx context.Context, after int64, limit int) ([]Row, error)

// pageCursor implements Cursor over keyset pages.
type pageCursor struct {
	fetch FetchFn
	size  int
	limit int64

	page   []Row
	pos    int
	after  int64
	seen   int64
	cur    doc.Document
	err    error
	done   bool
	closed bool
}

// NewPageCursor returns a Cursor that pulls pages of size rows from fetch.
// limit caps the total number of documents; zero is unlimited.
func NewPageCursor(size int, limit int64, fetch FetchFn) Cursor {
	if size <= 0 {
		size = DefaultBatchSize
	}
	return &pageCursor{fetch: fetch, size: size, limit: limit}
}

func (c *pageCursor) Next(ctx context.Context) bool {
	if c.done || c.closed || c.err != nil {
		return false
	}
	if c.limit > 0 && c.seen >= c.limit {
		c.done = true
		return false
	}
	if c.pos >= len(c.page) {
		if err := ctx.Err(); err != nil {
			c.err = err
			return false
		}
		n := c.size
		if c.limit > 0 && c.limit-c.seen < int64(n) {
			n = int(c.limit - c.seen)
		}
		page, err := c.fetch(ctx, c.after, n)
		if err != nil {
			c.err = err
			return false
		}
		if len(page) == 0 {
			c.done = true
			return false
		}
		c.page, c.pos = page, 0
	}
	r := c.page[c.pos]
	c.pos++
	c.after = r.Key
	c.seen++
	c.cur = r.Doc
	return true
}

func (c *pageCursor) Doc() doc.Document { return c.cur }

func (c *pageCursor) Err() error { return c.err }

func (c *pageCursor) Close() error {
	c.closed = true
	c.page = nil
	return nil
}
