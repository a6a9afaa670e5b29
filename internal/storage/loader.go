// This file implements the batched writer that drains transformed documents
// from a channel and hands them to Store.InsertMany one batch at a time.
//
// Logging: on every flush, a concise progress line is emitted with running
// totals and instantaneous docs/sec since the previous flush.

package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/haohanyang/compass/internal/doc"
)

// DefaultBatchSize is used when WriteOptions.BatchSize is not positive.
const DefaultBatchSize = 1000

// ErrStoppedOnError is returned by WriteBatches when StopOnErrors is set and a
// document was rejected.
var ErrStoppedOnError = errors.New("write stopped on first error")

// Pending is a transformed document waiting to be written. Index is the
// zero-based position of the source record and is used in error reports.
type Pending struct {
	Index int64
	Doc   doc.Document
}

// WriteOptions controls WriteBatches.
type WriteOptions struct {
	BatchSize    int
	StopOnErrors bool
}

// WriteHooks receive notifications from WriteBatches. All fields are
// optional and are called from the writer goroutine.
type WriteHooks struct {
	// OnBatch is called after every flushed batch with the delta counts.
	OnBatch func(processed, written int)
	// OnFailure is called once per rejected document.
	OnFailure func(p Pending, err error)
}

// WriteResult summarizes a WriteBatches run.
type WriteResult struct {
	Processed int64
	Written   int64
	Failed    int64
	Batches   int64
	// Aborted is set when ctx was canceled before the input was drained.
	Aborted bool
}

// WriteBatches groups documents from in into batches and inserts each batch
// into ns. It returns when in is closed, ctx is canceled, a batch-level store
// error occurs, or (with StopOnErrors) the first document is rejected.
//
// Cancellation is not an error: the partial counts are returned with
// Aborted set and a nil error.
func WriteBatches(
	ctx context.Context,
	store Store,
	ns Namespace,
	in <-chan Pending,
	opt WriteOptions,
	hooks WriteHooks,
) (WriteResult, error) {
	if store == nil {
		return WriteResult{}, fmt.Errorf("store must not be nil")
	}
	batchSize := opt.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	var (
		res         WriteResult
		batch       = make([]Pending, 0, batchSize)
		docs        = make([]doc.Document, 0, batchSize)
		start       = time.Now()
		lastFlushTS = start
		lastTotal   int64
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		docs = docs[:0]
		for _, p := range batch {
			docs = append(docs, p.Doc)
		}
		ir, err := store.InsertMany(ctx, ns, docs, InsertOptions{Ordered: opt.StopOnErrors})

		attempted := ir.Attempted
		if attempted < ir.Inserted+len(ir.Failures) {
			attempted = ir.Inserted + len(ir.Failures)
		}
		res.Processed += int64(attempted)
		res.Written += int64(ir.Inserted)
		res.Failed += int64(len(ir.Failures))
		res.Batches++

		var first *DocFailure
		for i := range ir.Failures {
			f := ir.Failures[i]
			if first == nil {
				first = &ir.Failures[i]
			}
			if hooks.OnFailure != nil && f.Index >= 0 && f.Index < len(batch) {
				hooks.OnFailure(batch[f.Index], f.Err)
			}
		}
		if hooks.OnBatch != nil {
			hooks.OnBatch(attempted, ir.Inserted)
		}

		// Reuse allocated slices; keep capacity to avoid churn.
		n := len(batch)
		batch = batch[:0]

		if err != nil {
			log.Printf("loader: insert failed batch=%d size=%d written=%d total_written=%d err=%v",
				res.Batches, n, ir.Inserted, res.Written, err)
			return err
		}

		now := time.Now()
		sinceLast := now.Sub(lastFlushTS)
		rps := float64(0)
		if sinceLast > 0 {
			rps = float64(res.Written-lastTotal) / sinceLast.Seconds()
		}
		log.Printf(
			"batch #%d: rps=%.0f inserted=%d failed=%d total_inserted=%d elapsed=%s since_last=%s",
			res.Batches,
			rps,
			ir.Inserted,
			len(ir.Failures),
			res.Written,
			now.Sub(start).Truncate(time.Millisecond),
			sinceLast.Truncate(time.Millisecond),
		)
		lastFlushTS = now
		lastTotal = res.Written

		if opt.StopOnErrors && first != nil {
			return fmt.Errorf("%w: document %d: %w", ErrStoppedOnError, indexOf(batch[:n], first.Index), first.Err)
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			res.Aborted = true
			log.Printf("loader: canceled pending=%d total_inserted=%d", len(batch), res.Written)
			return res, nil

		case p, ok := <-in:
			if !ok {
				pending := len(batch)
				if err := flush(); err != nil {
					return res, wrapAbort(ctx, &res, err)
				}
				log.Printf("loader: input closed, final_flush=%d total_inserted=%d", pending, res.Written)
				return res, nil
			}
			batch = append(batch, p)
			if len(batch) >= batchSize {
				if err := flush(); err != nil {
					return res, wrapAbort(ctx, &res, err)
				}
			}
		}
	}
}

// wrapAbort turns an error caused by cancellation into an aborted result.
func wrapAbort(ctx context.Context, res *WriteResult, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		res.Aborted = true
		return nil
	}
	return err
}

// indexOf maps a batch position back to the source record index. The batch
// slice still holds the flushed entries because only its length was reset.
func indexOf(batch []Pending, i int) int64 {
	if i >= 0 && i < len(batch) {
		return batch[i].Index
	}
	return int64(i)
}
