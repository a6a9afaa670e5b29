package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/haohanyang/compass/internal/doc"
	"github.com/haohanyang/compass/internal/errlog"
	"github.com/haohanyang/compass/internal/metrics"
	csvparser "github.com/haohanyang/compass/internal/parser/csv"
	jsonparser "github.com/haohanyang/compass/internal/parser/json"
	"github.com/haohanyang/compass/internal/probe"
	"github.com/haohanyang/compass/internal/progress"
	"github.com/haohanyang/compass/internal/storage"
	"github.com/haohanyang/compass/internal/transformer"
)

// analyzeFn is a test seam for the type analyzer.
var analyzeFn = probe.AnalyzeCSV

// maxErrorData bounds the document text stored with a write error.
const maxErrorData = 4 << 10

// AnalyzeOptions configures ImportSession.Analyze.
type AnalyzeOptions struct {
	IgnoreBlanks bool
	OnProgress   progress.Func
}

// RunOptions configures ImportSession.Start.
type RunOptions struct {
	StopOnErrors bool
	IgnoreBlanks bool

	OnProgress progress.Func
	// OnError receives every record written to the error log. Calls are
	// serialized.
	OnError func(errlog.Record)
}

// Result is the final summary of an import run.
type Result struct {
	Status    State  `json:"status"`
	Namespace string `json:"namespace"`

	Processed int64 `json:"processed"`
	Written   int64 `json:"written"`
	Batches   int64 `json:"batches"`
	Bytes     int64 `json:"bytes"`

	ErrorCount int64    `json:"errorCount"`
	Errors     []string `json:"errors,omitempty"`
	// Error is the error that failed the run, if any.
	Error    string `json:"error,omitempty"`
	ErrorLog string `json:"errorLog,omitempty"`

	Elapsed time.Duration `json:"elapsed"`
	Aborted bool          `json:"aborted"`
}

// Snapshot is a point-in-time view of an ImportSession.
type Snapshot struct {
	State       State                  `json:"state"`
	Namespace   string                 `json:"namespace,omitempty"`
	Input       *probe.InputDescriptor `json:"input,omitempty"`
	Fields      probe.FieldSet         `json:"fields"`
	Preview     [][]string             `json:"preview,omitempty"`
	JSONPreview []doc.Document         `json:"jsonPreview,omitempty"`
	Analysis    *probe.Analysis        `json:"analysis,omitempty"`
	Analyzing   bool                   `json:"analyzing"`
	Progress    progress.Update        `json:"progress"`
	Result      *Result                `json:"result,omitempty"`
}

// ImportSession is one import, from file selection to a terminal state.
// Its methods are safe for concurrent use.
type ImportSession struct {
	store storage.Store
	cfg   Config

	// analyzeMu orders analyzer runs with Open, SetDelimiter and Start so
	// that a new run only begins once the previous one has returned.
	analyzeMu sync.Mutex
	analysis  *runHandle
	analyzing atomic.Bool

	mu       sync.Mutex
	state    State
	gen      uint64 // bumped whenever the field listing is replaced
	ns       storage.Namespace
	desc     probe.InputDescriptor
	fields   probe.FieldSet
	preview  [][]string
	docs     []doc.Document
	analyzed *probe.Analysis
	run      *runHandle
	last     *Result

	bytes     atomic.Int64
	processed atomic.Int64
	written   atomic.Int64
}

// NewImport returns an idle session writing to store.
func NewImport(store storage.Store, cfg Config) *ImportSession {
	return &ImportSession{store: store, cfg: cfg, state: StateIdle}
}

// Open selects the input and target namespace. It detects the format,
// lists the fields and resets everything from a previous run. It is
// allowed in every state except running.
func (s *ImportSession) Open(ctx context.Context, namespace, path string) (probe.InputDescriptor, error) {
	ns, err := storage.ParseNamespace(namespace)
	if err != nil {
		return probe.InputDescriptor{}, err
	}

	s.analyzeMu.Lock()
	defer s.analyzeMu.Unlock()
	if s.State() == StateRunning {
		return probe.InputDescriptor{}, ErrInProgress
	}
	s.analysis.stopAndWait()

	desc, err := probe.Describe(ctx, path, s.cfg.opener()(path))
	switch {
	case err == nil:
	case errors.Is(err, probe.ErrUnknownFormat):
		err = &FormatDetectionError{Path: path, Err: err}
	case ctx.Err() != nil:
		err = ctx.Err()
	default:
		err = &FileAccessError{Op: "open", Path: path, Err: err}
	}
	var l listing
	if err == nil {
		l, err = s.list(ctx, desc)
	}
	if err != nil {
		s.mu.Lock()
		s.state, _ = Transition(s.state, EventClose)
		s.clear()
		s.mu.Unlock()
		return desc, err
	}

	s.mu.Lock()
	s.state, _ = Transition(s.state, EventOpen)
	s.gen++
	s.ns, s.desc = ns, desc
	s.fields, s.preview, s.docs = l.fields, l.preview, l.docs
	s.analyzed, s.last = nil, nil
	s.resetCounters()
	s.mu.Unlock()
	log.Printf("import: opened path=%s format=%s size=%s ns=%s fields=%d",
		path, desc.Format, humanize.Bytes(uint64(desc.Size)), ns, len(l.fields.Paths()))
	return desc, nil
}

type listing struct {
	fields  probe.FieldSet
	preview [][]string
	docs    []doc.Document
}

func (s *ImportSession) list(ctx context.Context, desc probe.InputDescriptor) (listing, error) {
	l := listing{fields: probe.FieldSet{Format: desc.Format}}
	rc, err := openSourceFn(ctx, s.cfg.opener(), desc.Path)
	if err != nil {
		return l, &FileAccessError{Op: "open", Path: desc.Path, Err: err}
	}
	defer rc.Close()

	switch desc.Format {
	case probe.FormatCSV:
		res, err := probe.ListCSVFields(ctx, rc, probe.ListOptions{Delimiter: desc.Delimiter, PreviewRows: s.cfg.PreviewRows})
		if err != nil {
			if ctx.Err() != nil {
				return l, err
			}
			return l, readFailure(desc.Path, err)
		}
		l.fields.CSV, l.preview = res.Fields, res.Preview
	case probe.FormatJSON, probe.FormatJSONL:
		fields, docs, err := probe.ListJSONFields(ctx, rc, desc.Format, s.cfg.SampleDocs)
		if err != nil {
			if ctx.Err() != nil {
				return l, err
			}
			return l, readFailure(desc.Path, err)
		}
		l.fields.JSON, l.docs = fields, docs
	default:
		return l, probe.ErrUnknownFormat
	}
	return l, nil
}

// SetDelimiter re-lists a CSV input with delim. Any analysis in flight is
// stopped and previous detections are dropped.
func (s *ImportSession) SetDelimiter(ctx context.Context, delim rune) (probe.InputDescriptor, error) {
	s.analyzeMu.Lock()
	defer s.analyzeMu.Unlock()
	s.analysis.stopAndWait()

	s.mu.Lock()
	state, desc := s.state, s.desc
	s.mu.Unlock()
	switch {
	case state == StateRunning:
		return desc, ErrInProgress
	case state != StateOpened:
		return desc, ErrNotOpened
	case desc.Format != probe.FormatCSV:
		return desc, ErrNotCSV
	}

	desc = desc.WithDelimiter(delim)
	l, err := s.list(ctx, desc)
	if err != nil {
		return desc, err
	}
	s.mu.Lock()
	s.gen++
	s.desc = desc
	s.fields, s.preview, s.docs = l.fields, l.preview, nil
	s.analyzed = nil
	s.mu.Unlock()
	return desc, nil
}

// SetField applies a user decision to one field. typ is ignored when empty
// and for JSON inputs, whose values keep their parsed types.
func (s *ImportSession) SetField(path string, typ probe.Type, include bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateRunning:
		return ErrInProgress
	case StateOpened:
	default:
		return ErrNotOpened
	}
	if s.fields.Format == probe.FormatCSV {
		for i := range s.fields.CSV {
			f := &s.fields.CSV[i]
			if f.Path != path {
				continue
			}
			f.Include = include
			if typ != "" {
				f.TargetType = typ
				f.UserType = true
			}
			return nil
		}
		return fmt.Errorf("%w: %q", ErrUnknownField, path)
	}
	for i := range s.fields.JSON {
		if s.fields.JSON[i].Path == path {
			s.fields.JSON[i].Include = include
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownField, path)
}

// Analyze runs the type analyzer over the whole CSV input and applies the
// detected types to fields without an override. A run already in flight is
// canceled, and this one starts only after it has returned. A canceled run
// returns its partial Analysis with Aborted set and changes no field.
func (s *ImportSession) Analyze(ctx context.Context, opt AnalyzeOptions) (probe.Analysis, error) {
	s.analyzeMu.Lock()
	s.analysis.stopAndWait()

	s.mu.Lock()
	state, desc, gen := s.state, s.desc, s.gen
	fields := append([]probe.CSVField(nil), s.fields.CSV...)
	s.mu.Unlock()

	switch {
	case state == StateRunning:
		s.analyzeMu.Unlock()
		return probe.Analysis{}, ErrInProgress
	case state != StateOpened:
		s.analyzeMu.Unlock()
		return probe.Analysis{}, ErrNotOpened
	case desc.Format != probe.FormatCSV:
		s.analyzeMu.Unlock()
		return probe.Analysis{}, ErrNotCSV
	}

	runCtx, h := newRunHandle(ctx)
	s.analysis = h
	s.analyzing.Store(true)
	s.analyzeMu.Unlock()

	defer func() {
		h.finish()
		s.analyzeMu.Lock()
		if s.analysis == h {
			s.analysis = nil
			s.analyzing.Store(false)
		}
		s.analyzeMu.Unlock()
	}()

	start := time.Now()
	a, err := s.analyze(runCtx, desc, fields, opt)
	metrics.RecordStep(s.cfg.job(), "analyze", err, time.Since(start))
	if err != nil {
		return a, err
	}
	if a.Aborted {
		log.Printf("analyze: aborted rows=%d read=%s", a.Rows, humanize.Bytes(uint64(a.Bytes)))
		return a, nil
	}

	s.mu.Lock()
	if s.gen == gen && s.state == StateOpened {
		s.fields.CSV = probe.ApplyAnalysis(s.fields.CSV, a)
		s.analyzed = &a
	}
	s.mu.Unlock()
	log.Printf("analyze: rows=%d skipped=%d read=%s elapsed=%s",
		a.Rows, a.Skipped, humanize.Bytes(uint64(a.Bytes)), time.Since(start).Truncate(time.Millisecond))
	return a, nil
}

func (s *ImportSession) analyze(ctx context.Context, desc probe.InputDescriptor, fields []probe.CSVField, opt AnalyzeOptions) (probe.Analysis, error) {
	rc, err := openSourceFn(ctx, s.cfg.opener(), desc.Path)
	if err != nil {
		if ctx.Err() != nil {
			return probe.Analysis{Aborted: true}, nil
		}
		return probe.Analysis{}, &FileAccessError{Op: "open", Path: desc.Path, Err: err}
	}
	defer rc.Close()
	a, err := analyzeFn(ctx, rc, fields, probe.AnalyzeOptions{
		Delimiter:        desc.Delimiter,
		IgnoreBlanks:     opt.IgnoreBlanks,
		SampleLimit:      s.cfg.SampleLimit,
		OnProgress:       opt.OnProgress,
		ProgressInterval: s.cfg.ProgressInterval,
	})
	if err != nil {
		return a, readFailure(desc.Path, err)
	}
	return a, nil
}

// Start runs the import and blocks until it reaches a terminal state. It is
// legal only from opened; while a run is active it returns ErrInProgress
// without side effects.
//
// The returned error is non-nil exactly when the status is failed.
// Cancellation returns status canceled, Aborted set and a nil error.
func (s *ImportSession) Start(ctx context.Context, opt RunOptions) (Result, error) {
	s.analyzeMu.Lock()
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == StateRunning {
		s.analyzeMu.Unlock()
		return Result{Status: state}, ErrInProgress
	}
	if _, err := Transition(state, EventStart); err != nil {
		s.analyzeMu.Unlock()
		return Result{Status: state}, fmt.Errorf("%w: %w", ErrNotOpened, err)
	}
	s.analysis.stopAndWait()

	runCtx, h := newRunHandle(ctx)
	s.mu.Lock()
	s.state, _ = Transition(s.state, EventStart)
	s.run = h
	s.last = nil
	s.resetCounters()
	ns, desc := s.ns, s.desc
	fields := probe.FieldSet{
		Format: s.fields.Format,
		CSV:    append([]probe.CSVField(nil), s.fields.CSV...),
		JSON:   append([]probe.JSONField(nil), s.fields.JSON...),
	}
	s.mu.Unlock()
	s.analyzeMu.Unlock()

	res, err := s.runImport(runCtx, ns, desc, fields, opt)

	s.mu.Lock()
	next, terr := Transition(s.state, terminalEvent(err != nil, res.Aborted, res.ErrorCount))
	if terr != nil {
		log.Printf("import: %v", terr)
	}
	s.state = next
	res.Status = next
	s.run = nil
	last := res
	s.last = &last
	s.mu.Unlock()
	h.finish()
	return res, err
}

func (s *ImportSession) resetCounters() {
	s.bytes.Store(0)
	s.processed.Store(0)
	s.written.Store(0)
}

// importRun carries the shared state of one Start call.
type importRun struct {
	s     *ImportSession
	opt   RunOptions
	elog  *errlog.Log
	agg   *errAgg
	th    *progress.Throttle
	input *progress.CountingReader

	stopRead context.CancelFunc

	mu      sync.Mutex // serializes report
	stopErr error

	// cut is set when a stage stopped early on cancellation.
	cut atomic.Bool
}

func (r *importRun) report(rec errlog.Record, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.elog != nil {
		if err := r.elog.Write(rec); err != nil {
			log.Printf("import: error log: %v", err)
		}
	}
	r.agg.add(cause.Error())
	if r.opt.OnError != nil {
		r.opt.OnError(rec)
	}
}

// halt records the error that ends the run: the first error of a
// stop-on-errors run, or a fatal read. Only the first one is kept.
func (r *importRun) halt(err error) {
	r.mu.Lock()
	if r.stopErr == nil {
		r.stopErr = err
	}
	r.mu.Unlock()
}

func (r *importRun) stopped() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopErr
}

func (r *importRun) snapshot() progress.Update {
	if r.input != nil {
		r.s.bytes.Store(r.input.Count())
	}
	return progress.Update{
		Bytes:     r.s.bytes.Load(),
		Processed: r.s.processed.Load(),
		Written:   r.s.written.Load(),
	}
}

func (s *ImportSession) runImport(ctx context.Context, ns storage.Namespace, desc probe.InputDescriptor, fields probe.FieldSet, opt RunOptions) (res Result, err error) {
	start := time.Now()
	job := s.cfg.job()
	r := &importRun{
		s:   s,
		opt: opt,
		agg: newErrAgg(maxShownErrors),
		th:  progress.NewThrottle(s.progressInterval(), opt.OnProgress),
	}
	res.Namespace = ns.String()

	defer func() {
		r.th.Final(r.snapshot())
		res.Processed = s.processed.Load()
		res.Written = s.written.Load()
		res.Bytes = s.bytes.Load()
		res.Errors, res.ErrorCount = r.agg.snapshot()
		res.Elapsed = time.Since(start)
		if err != nil {
			res.Error = err.Error()
			res.Aborted = false
		}
		res.Status, _ = Transition(StateRunning, terminalEvent(err != nil, res.Aborted, res.ErrorCount))

		metrics.RecordStep(job, "import", err, res.Elapsed)
		metrics.RecordRow(job, "processed", res.Processed)
		metrics.RecordRow(job, "written", res.Written)
		metrics.RecordRow(job, "errors", res.ErrorCount)
		metrics.RecordBatches(job, res.Batches)
		logImportSummary(res, r.agg)
	}()

	elog, err := errlog.Create(s.cfg.userDataDir(), desc.Path)
	if err != nil {
		return res, &FileAccessError{Op: "create error log", Path: errlog.PathFor(s.cfg.userDataDir(), desc.Path), Err: err}
	}
	r.elog = elog
	res.ErrorLog = elog.Path()
	defer func() {
		if cerr := elog.Close(); cerr != nil {
			log.Printf("import: close error log: %v", cerr)
		}
	}()

	rc, err := openSourceFn(ctx, s.cfg.opener(), desc.Path)
	if err != nil {
		if ctx.Err() != nil {
			res.Aborted = true
			return res, nil
		}
		return res, &FileAccessError{Op: "open", Path: desc.Path, Err: err}
	}
	defer rc.Close()

	var head bytes.Buffer
	fp, err := probe.Fingerprint(io.TeeReader(rc, &head))
	if err != nil {
		return res, &FileAccessError{Op: "read", Path: desc.Path, Err: err}
	}
	if fp != desc.Fingerprint {
		return res, &FileAccessError{Op: "read", Path: desc.Path, Err: ErrSourceChanged}
	}
	r.input = progress.NewCountingReader(io.MultiReader(&head, rc))

	log.Printf("import: start ns=%s format=%s batch=%d buffer=%d stop_on_errors=%v ignore_blanks=%v",
		ns, desc.Format, s.cfg.BatchSize, s.cfg.channelBuffer(), opt.StopOnErrors, opt.IgnoreBlanks)

	g, gctx := errgroup.WithContext(ctx)
	readCtx, stopRead := context.WithCancel(gctx)
	defer stopRead()
	r.stopRead = stopRead

	pending := make(chan storage.Pending, s.cfg.channelBuffer())
	switch desc.Format {
	case probe.FormatCSV:
		r.streamCSV(g, gctx, readCtx, desc, fields.CSV, pending)
	default:
		r.streamJSON(g, gctx, readCtx, desc, fields.JSON, pending)
	}

	var wres storage.WriteResult
	g.Go(func() error {
		var werr error
		wres, werr = storage.WriteBatches(gctx, s.store, ns, pending, storage.WriteOptions{
			BatchSize:    s.cfg.BatchSize,
			StopOnErrors: opt.StopOnErrors,
		}, storage.WriteHooks{
			OnBatch: func(processed, written int) {
				s.processed.Add(int64(processed))
				s.written.Add(int64(written))
				r.th.Report(r.snapshot())
			},
			OnFailure: func(p storage.Pending, err error) {
				we := &WriteError{Index: p.Index, Err: err}
				r.report(errlog.Record{
					Index:   p.Index,
					Kind:    errlog.KindWrite,
					Message: err.Error(),
					Data:    docData(p.Doc),
				}, we)
				if opt.StopOnErrors {
					r.halt(we)
				}
			},
		})
		if werr != nil && !errors.Is(werr, storage.ErrStoppedOnError) {
			return &WriteError{Index: -1, Err: werr}
		}
		return werr
	})

	werr := g.Wait()
	res.Batches = wres.Batches
	if serr := r.stopped(); serr != nil {
		return res, serr
	}
	if werr != nil {
		return res, werr
	}
	res.Aborted = wres.Aborted || r.cut.Load()
	return res, nil
}

// streamCSV starts the CSV reader and transform stages. pending is closed
// when the transform stage returns.
func (r *importRun) streamCSV(g *errgroup.Group, gctx, readCtx context.Context, desc probe.InputDescriptor, fields []probe.CSVField, pending chan<- storage.Pending) {
	records := make(chan csvparser.Record, r.s.cfg.channelBuffer())

	g.Go(func() error {
		defer close(records)
		err := csvparser.StreamRows(readCtx, r.input, csvparser.Options{Comma: desc.Delimiter, Strict: true}, records,
			func(re *csvparser.RowError) bool {
				r.s.processed.Add(1)
				pe := &ParseError{Index: re.Index, Line: re.Line, Err: re.Err}
				r.report(errlog.Record{Index: re.Index, Line: re.Line, Kind: errlog.KindParse, Message: re.Err.Error()}, pe)
				if r.opt.StopOnErrors {
					r.halt(pe)
					return false
				}
				return true
			})
		return r.readerDone(readCtx, desc.Path, err)
	})

	tr := transformer.NewCSV(fields, transformer.Options{IgnoreBlanks: r.opt.IgnoreBlanks})
	g.Go(func() error {
		defer close(pending)
		for rec := range records {
			d, ferrs := tr.Transform(rec.Cells)
			for _, fe := range ferrs {
				ce := &FieldCastError{Index: rec.Index, Field: fe.Field, Value: fe.Value, Type: fe.Type, Err: fe.Err}
				r.report(errlog.Record{
					Index:   rec.Index,
					Line:    rec.Line,
					Kind:    errlog.KindCast,
					Field:   fe.Field,
					Message: fe.Error(),
					Data:    fe.Value,
				}, ce)
				if r.opt.StopOnErrors {
					r.s.processed.Add(1)
					r.halt(ce)
					r.stopRead()
					return nil
				}
			}
			select {
			case pending <- storage.Pending{Index: rec.Index, Doc: d}:
			case <-gctx.Done():
				r.cut.Store(true)
				return nil
			}
		}
		return nil
	})
}

// streamJSON starts the JSON reader and transform stages.
func (r *importRun) streamJSON(g *errgroup.Group, gctx, readCtx context.Context, desc probe.InputDescriptor, fields []probe.JSONField, pending chan<- storage.Pending) {
	records := make(chan jsonparser.Record, r.s.cfg.channelBuffer())

	g.Go(func() error {
		defer close(records)
		err := jsonparser.StreamDocuments(readCtx, r.input, probe.JSONVariant(desc.Format), records,
			func(re *jsonparser.RowError) bool {
				r.s.processed.Add(1)
				pe := &ParseError{Index: re.Index, Line: re.Line, Err: re.Err}
				r.report(errlog.Record{Index: re.Index, Line: re.Line, Kind: errlog.KindParse, Message: re.Err.Error()}, pe)
				if r.opt.StopOnErrors {
					r.halt(pe)
					return false
				}
				return true
			})
		return r.readerDone(readCtx, desc.Path, err)
	})

	tr := transformer.NewJSON(fields)
	g.Go(func() error {
		defer close(pending)
		for rec := range records {
			select {
			case pending <- storage.Pending{Index: rec.Index, Doc: tr.Transform(rec.Doc)}:
			case <-gctx.Done():
				r.cut.Store(true)
				return nil
			}
		}
		return nil
	})
}

// readerDone ends the reader stage. It always returns nil so that the
// documents already read are still written. A fatal read or syntax error is
// logged and halts the run, which then fails once the writer has drained.
func (r *importRun) readerDone(readCtx context.Context, path string, err error) error {
	if err == nil || r.stopped() != nil {
		return nil
	}
	if readCtx.Err() != nil {
		r.cut.Store(true)
		return nil
	}
	fail := readFailure(path, err)
	rec := errlog.Record{Index: -1, Kind: errlog.KindRead, Message: err.Error()}
	var pe *ParseError
	if errors.As(fail, &pe) {
		rec.Index, rec.Line, rec.Kind = pe.Index, pe.Line, errlog.KindParse
		if pe.Index >= 0 {
			r.s.processed.Add(1)
		}
	}
	r.report(rec, fail)
	r.halt(fail)
	return nil
}

// readFailure classifies an error that ended a read of the source.
// Malformed input is a ParseError; anything else is a FileAccessError.
func readFailure(path string, err error) error {
	var (
		pe  *ParseError
		syn *jsonparser.SyntaxError
		row *csvparser.RowError
	)
	switch {
	case errors.As(err, &pe):
		return pe
	case errors.As(err, &syn):
		return &ParseError{Index: syn.Index, Err: syn.Err}
	case errors.As(err, &row):
		return &ParseError{Index: -1, Line: row.Line, Err: err}
	case errors.Is(err, csvparser.ErrNoHeader):
		return &ParseError{Index: -1, Err: err}
	}
	return &FileAccessError{Op: "read", Path: path, Err: err}
}

func (s *ImportSession) progressInterval() time.Duration {
	if s.cfg.ProgressInterval == 0 {
		return progress.DefaultInterval
	}
	return s.cfg.ProgressInterval
}

func docData(d doc.Document) string {
	b, err := d.MarshalJSON()
	if err != nil {
		return ""
	}
	if len(b) > maxErrorData {
		b = append(b[:maxErrorData:maxErrorData], "..."...)
	}
	return string(b)
}

func logImportSummary(res Result, agg *errAgg) {
	log.Printf(
		"import: summary ns=%s status=%s processed=%d written=%d errors=%d batches=%d read=%s elapsed=%s aborted=%v",
		res.Namespace,
		res.Status,
		res.Processed,
		res.Written,
		res.ErrorCount,
		res.Batches,
		humanize.Bytes(uint64(res.Bytes)),
		res.Elapsed.Truncate(time.Millisecond),
		res.Aborted,
	)
	if res.Error != "" {
		log.Printf("import: failed: %s", res.Error)
	}
	logErrorSummary("import", agg)
	if res.Written > res.Processed {
		log.Printf("WARNING: document accounting mismatch: written=%d > processed=%d", res.Written, res.Processed)
	}
	if res.ErrorLog != "" && res.ErrorCount > 0 {
		log.Printf("import: error log %s", res.ErrorLog)
	}
}

// Cancel stops the write run if one is active, otherwise the analyzer run.
// It is idempotent and returns without waiting.
func (s *ImportSession) Cancel() {
	s.mu.Lock()
	run := s.run
	s.mu.Unlock()
	if run != nil {
		run.stop()
		return
	}
	s.analyzeMu.Lock()
	if h := s.analysis; h != nil {
		h.stop()
	}
	s.analyzeMu.Unlock()
}

// ConnectionLost cancels the analyzer and the writer, waits for both to
// return, and puts the session back to idle. The last result is kept.
func (s *ImportSession) ConnectionLost() {
	s.halt(EventConnectionLost)
}

// Close stops any activity and returns the session to idle. The store is
// not closed.
func (s *ImportSession) Close() {
	s.halt(EventClose)
}

func (s *ImportSession) halt(e Event) {
	s.analyzeMu.Lock()
	defer s.analyzeMu.Unlock()
	s.analysis.stopAndWait()

	s.mu.Lock()
	run := s.run
	s.mu.Unlock()
	run.stopAndWait()

	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := Transition(s.state, e)
	if err != nil {
		log.Printf("import: %v", err)
		return
	}
	s.state = next
	last := s.last
	s.clear()
	if e == EventConnectionLost {
		s.last = last
	}
}

// clear drops the input and listing. Callers hold s.mu.
func (s *ImportSession) clear() {
	s.gen++
	s.ns = storage.Namespace{}
	s.desc = probe.InputDescriptor{}
	s.fields = probe.FieldSet{}
	s.preview, s.docs = nil, nil
	s.analyzed, s.last = nil, nil
}

// WatchConnection pings p every interval while ctx is live and calls
// ConnectionLost on the first failure.
func (s *ImportSession) WatchConnection(ctx context.Context, p Pinger, interval time.Duration) error {
	return watchConnection(ctx, p, interval, s.ConnectionLost)
}

// State returns the current state.
func (s *ImportSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns a copy of the session's state and counters.
func (s *ImportSession) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		State:     s.state,
		Analyzing: s.analyzing.Load(),
		Fields: probe.FieldSet{
			Format: s.fields.Format,
			CSV:    append([]probe.CSVField(nil), s.fields.CSV...),
			JSON:   append([]probe.JSONField(nil), s.fields.JSON...),
		},
		Preview:     s.preview,
		JSONPreview: s.docs,
		Analysis:    s.analyzed,
		Progress: progress.Update{
			Bytes:     s.bytes.Load(),
			Processed: s.processed.Load(),
			Written:   s.written.Load(),
		},
		Result: s.last,
	}
	if s.desc.Path != "" {
		d := s.desc
		snap.Input = &d
		snap.Namespace = s.ns.String()
	}
	return snap
}
