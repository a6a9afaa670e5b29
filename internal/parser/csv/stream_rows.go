package csv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
)

// Record is one data row. Index is the zero-based position among data rows,
// malformed ones included; Line is the starting line in the source.
type Record struct {
	Index int64
	Line  int
	Cells []string
}

// StreamRows reads src past its header and sends every data row to out.
//
// Malformed rows are passed to onErr and dropped. When onErr returns false
// streaming stops and StreamRows returns the row's error; this is how
// stop-on-error callers end the read early. Cancellation is checked
// before every read and while waiting on out.
func StreamRows(
	ctx context.Context,
	src io.Reader,
	opt Options,
	out chan<- Record,
	onErr func(err *RowError) bool,
) error {
	r := NewReader(src, opt)
	if _, err := r.Header(); err != nil {
		return err
	}

	const logEveryN = 100_000
	var (
		rowsSeen int
		index    int64 = -1
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rec, line, err := r.Next()
		if err == io.EOF {
			return nil
		}
		index++
		if err != nil {
			var re *RowError
			if !errors.As(err, &re) {
				return fmt.Errorf("csv read: %w", err)
			}
			re.Index = index
			if onErr != nil && !onErr(re) {
				return err
			}
			continue
		}

		select {
		case out <- Record{Index: index, Line: line, Cells: rec}:
			rowsSeen++
			if rowsSeen%logEveryN == 0 {
				log.Printf("reader: line=%d emitted=%d", line, rowsSeen)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
