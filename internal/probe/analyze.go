package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	csvparser "github.com/haohanyang/compass/internal/parser/csv"
	"github.com/haohanyang/compass/internal/progress"
)

// AnalyzeOptions configures AnalyzeCSV.
type AnalyzeOptions struct {
	Delimiter rune

	// IgnoreBlanks keeps blank cells out of the vote. Otherwise a blank cell
	// votes string.
	IgnoreBlanks bool

	// SampleLimit stops after this many data rows. Zero reads the whole input.
	SampleLimit int

	// OnProgress receives Update.Bytes as the input is consumed.
	OnProgress       progress.Func
	ProgressInterval time.Duration
}

// FieldResult is the detection for one field path.
type FieldResult struct {
	Path      string          `json:"path"`
	Detection DetectionResult `json:"detection"`
}

// Analysis is the outcome of one analyzer run. When Aborted is set the
// results cover only the rows read before cancellation.
type Analysis struct {
	Fields  []FieldResult `json:"fields"`
	Rows    int64         `json:"rows"`
	Skipped int64         `json:"skipped"`
	Bytes   int64         `json:"bytes"`
	Aborted bool          `json:"aborted"`
}

// Result returns the detection for path.
func (a Analysis) Result(path string) (DetectionResult, bool) {
	for _, f := range a.Fields {
		if f.Path == path {
			return f.Detection, true
		}
	}
	return DetectionResult{}, false
}

// progressEveryRows bounds how often the throttle is even consulted.
const progressEveryRows = 256

// AnalyzeCSV streams r from its header to the end and votes a type for every
// field. ctx is checked on every row; cancellation is not an error and
// returns the partial result with Aborted set. The final progress callback
// is always delivered.
func AnalyzeCSV(ctx context.Context, r io.Reader, fields []CSVField, opt AnalyzeOptions) (Analysis, error) {
	interval := opt.ProgressInterval
	if interval == 0 {
		interval = progress.DefaultInterval
	}
	counter := progress.NewCountingReader(r)
	throttle := progress.NewThrottle(interval, opt.OnProgress)

	results := make([]DetectionResult, len(fields))
	a := Analysis{}
	finish := func() Analysis {
		a.Bytes = counter.Count()
		a.Fields = make([]FieldResult, len(fields))
		for i, f := range fields {
			results[i].Resolve()
			a.Fields[i] = FieldResult{Path: f.Path, Detection: results[i]}
		}
		throttle.Final(progress.Update{Bytes: a.Bytes, Processed: a.Rows})
		return a
	}

	cr := csvparser.NewReader(counter, csvparser.Options{Comma: opt.Delimiter, Lazy: true})
	if _, err := cr.Header(); err != nil {
		if errors.Is(err, csvparser.ErrNoHeader) {
			return finish(), nil
		}
		return finish(), fmt.Errorf("analyze: %w", err)
	}

	for {
		if ctx.Err() != nil {
			a.Aborted = true
			return finish(), nil
		}
		if opt.SampleLimit > 0 && a.Rows >= int64(opt.SampleLimit) {
			return finish(), nil
		}

		rec, _, err := cr.Next()
		if err == io.EOF {
			return finish(), nil
		}
		if err != nil {
			var re *csvparser.RowError
			if errors.As(err, &re) {
				a.Skipped++
				continue
			}
			return finish(), fmt.Errorf("analyze: %w", err)
		}
		a.Rows++

		for i := range fields {
			for _, c := range fields[i].Columns {
				if c.Index >= len(rec) {
					continue
				}
				cell := rec[c.Index]
				if opt.IgnoreBlanks && cell == "" {
					continue
				}
				results[i].Vote(Classify(cell))
			}
		}

		if a.Rows%progressEveryRows == 0 {
			throttle.Report(progress.Update{Bytes: counter.Count(), Processed: a.Rows})
		}
	}
}

// ApplyAnalysis copies detections into fields and sets TargetType on every
// field the user has not overridden. The input slice is not modified.
func ApplyAnalysis(fields []CSVField, a Analysis) []CSVField {
	out := make([]CSVField, len(fields))
	copy(out, fields)
	for i := range out {
		det, ok := a.Result(out[i].Path)
		if !ok {
			continue
		}
		d := det
		out[i].Detection = &d
		if !out[i].UserType {
			out[i].TargetType = det.Detected
		}
	}
	return out
}
