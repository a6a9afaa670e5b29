package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/haohanyang/compass/internal/datasource/file"
	"github.com/haohanyang/compass/internal/export"
	"github.com/haohanyang/compass/internal/metrics"
	"github.com/haohanyang/compass/internal/probe"
	"github.com/haohanyang/compass/internal/progress"
	"github.com/haohanyang/compass/internal/storage"
)

// ExportOptions configures ExportSession.Start.
type ExportOptions struct {
	Format probe.Format
	// Fields overrides the paths set by SetFields or GatherFields.
	Fields []string

	OnProgress progress.Func
	OnError    func(index int64, err error)
}

// ExportResult is the final summary of an export run.
type ExportResult struct {
	Status      State        `json:"status"`
	Namespace   string       `json:"namespace"`
	Destination string       `json:"destination"`
	Format      probe.Format `json:"format"`

	Processed int64    `json:"processed"`
	Exported  int64    `json:"exported"`
	Bytes     int64    `json:"bytes"`
	Fields    []string `json:"fields,omitempty"`

	ErrorCount int64    `json:"errorCount"`
	Errors     []string `json:"errors,omitempty"`
	Error      string   `json:"error,omitempty"`

	Elapsed time.Duration `json:"elapsed"`
	Aborted bool          `json:"aborted"`
}

// ExportSnapshot is a point-in-time view of an ExportSession.
type ExportSnapshot struct {
	State     State           `json:"state"`
	Namespace string          `json:"namespace,omitempty"`
	Count     int64           `json:"count"`
	Fields    []string        `json:"fields,omitempty"`
	Gathering bool            `json:"gathering"`
	Progress  progress.Update `json:"progress"`
	Result    *ExportResult   `json:"result,omitempty"`
}

// ExportSession is one export of a namespace to a file.
type ExportSession struct {
	store storage.Store
	cfg   Config

	// gatherMu plays the role ImportSession.analyzeMu plays for analysis.
	gatherMu  sync.Mutex
	gather    *runHandle
	gathering atomic.Bool

	mu     sync.Mutex
	state  State
	gen    uint64
	ns     storage.Namespace
	count  int64
	fields []string
	run    *runHandle
	last   *ExportResult

	bytes     atomic.Int64
	processed atomic.Int64
	exported  atomic.Int64
}

// NewExport returns an idle session reading from store.
func NewExport(store storage.Store, cfg Config) *ExportSession {
	return &ExportSession{store: store, cfg: cfg, state: StateIdle}
}

// Open selects the namespace to export and returns its document count.
func (s *ExportSession) Open(ctx context.Context, namespace string) (int64, error) {
	ns, err := storage.ParseNamespace(namespace)
	if err != nil {
		return 0, err
	}
	s.gatherMu.Lock()
	defer s.gatherMu.Unlock()
	if s.State() == StateRunning {
		return 0, ErrInProgress
	}
	s.gather.stopAndWait()

	n, err := s.store.Count(ctx, ns)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", ns, err)
	}

	s.mu.Lock()
	s.state, _ = Transition(s.state, EventOpen)
	s.gen++
	s.ns, s.count = ns, n
	s.fields, s.last = nil, nil
	s.bytes.Store(0)
	s.processed.Store(0)
	s.exported.Store(0)
	s.mu.Unlock()
	log.Printf("export: opened ns=%s documents=%s", ns, humanize.Comma(n))
	return n, nil
}

// GatherFields scans the namespace for the union of flattened paths and
// keeps them as the export field list. Like Analyze, a run in flight is
// canceled first; a canceled run keeps the previous list.
func (s *ExportSession) GatherFields(ctx context.Context) ([]string, error) {
	s.gatherMu.Lock()
	s.gather.stopAndWait()

	s.mu.Lock()
	state, ns, gen := s.state, s.ns, s.gen
	s.mu.Unlock()
	switch state {
	case StateRunning:
		s.gatherMu.Unlock()
		return nil, ErrInProgress
	case StateOpened:
	default:
		s.gatherMu.Unlock()
		return nil, ErrNotOpened
	}

	runCtx, h := newRunHandle(ctx)
	s.gather = h
	s.gathering.Store(true)
	s.gatherMu.Unlock()
	defer func() {
		h.finish()
		s.gatherMu.Lock()
		if s.gather == h {
			s.gather = nil
			s.gathering.Store(false)
		}
		s.gatherMu.Unlock()
	}()

	start := time.Now()
	fields, err := export.GatherFields(runCtx, s.store, ns, export.GatherOptions{
		BatchSize: s.cfg.BatchSize,
		Limit:     int64(s.cfg.SampleLimit),
	})
	if runCtx.Err() != nil {
		return nil, nil
	}
	metrics.RecordStep(s.cfg.job(), "gather", err, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("gather fields %s: %w", ns, err)
	}

	s.mu.Lock()
	if s.gen == gen && s.state == StateOpened {
		s.fields = fields
	}
	s.mu.Unlock()
	return fields, nil
}

// SetFields replaces the export field list.
func (s *ExportSession) SetFields(fields []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateRunning:
		return ErrInProgress
	case StateOpened:
	default:
		return ErrNotOpened
	}
	s.fields = append([]string(nil), fields...)
	return nil
}

// Start writes the namespace to dest and blocks until a terminal state. The
// destination's parent directories are created. A canceled export leaves
// the partial file in place.
func (s *ExportSession) Start(ctx context.Context, dest string, opt ExportOptions) (ExportResult, error) {
	s.gatherMu.Lock()
	state := s.State()
	if state == StateRunning {
		s.gatherMu.Unlock()
		return ExportResult{Status: state}, ErrInProgress
	}
	if _, err := Transition(state, EventStart); err != nil {
		s.gatherMu.Unlock()
		return ExportResult{Status: state}, fmt.Errorf("%w: %w", ErrNotOpened, err)
	}
	s.gather.stopAndWait()

	runCtx, h := newRunHandle(ctx)
	s.mu.Lock()
	s.state, _ = Transition(s.state, EventStart)
	s.run = h
	s.last = nil
	s.bytes.Store(0)
	s.processed.Store(0)
	s.exported.Store(0)
	ns := s.ns
	fields := opt.Fields
	if len(fields) == 0 {
		fields = append([]string(nil), s.fields...)
	}
	s.mu.Unlock()
	s.gatherMu.Unlock()

	res, err := s.runExport(runCtx, ns, dest, fields, opt)

	s.mu.Lock()
	next, terr := Transition(s.state, terminalEvent(err != nil, res.Aborted, res.ErrorCount))
	if terr != nil {
		log.Printf("export: %v", terr)
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

func (s *ExportSession) runExport(ctx context.Context, ns storage.Namespace, dest string, fields []string, opt ExportOptions) (res ExportResult, err error) {
	start := time.Now()
	job := s.cfg.job()
	agg := newErrAgg(maxShownErrors)
	res.Namespace, res.Destination, res.Format = ns.String(), dest, opt.Format

	defer func() {
		res.Processed = s.processed.Load()
		res.Exported = s.exported.Load()
		res.Bytes = s.bytes.Load()
		res.Errors, res.ErrorCount = agg.snapshot()
		res.Elapsed = time.Since(start)
		if err != nil {
			res.Error = err.Error()
			res.Aborted = false
		}
		res.Status, _ = Transition(StateRunning, terminalEvent(err != nil, res.Aborted, res.ErrorCount))

		metrics.RecordStep(job, "export", err, res.Elapsed)
		metrics.RecordRow(job, "exported", res.Exported)
		metrics.RecordRow(job, "errors", res.ErrorCount)
		log.Printf("export: summary ns=%s dest=%s status=%s exported=%d errors=%d wrote=%s elapsed=%s aborted=%v",
			res.Namespace, dest, res.Status, res.Exported, res.ErrorCount,
			humanize.Bytes(uint64(res.Bytes)), res.Elapsed.Truncate(time.Millisecond), res.Aborted)
		logErrorSummary("export", agg)
	}()

	if opt.Format == "" {
		return res, errors.New("export format must be set")
	}
	f, err := file.Create(dest)
	if err != nil {
		return res, &FileAccessError{Op: "create", Path: dest, Err: err}
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = &FileAccessError{Op: "close", Path: dest, Err: cerr}
		}
	}()

	var mu sync.Mutex
	er, err := export.Run(ctx, s.store, ns, f, export.Options{
		Format:           opt.Format,
		Fields:           fields,
		BatchSize:        s.cfg.BatchSize,
		ProgressInterval: s.cfg.ProgressInterval,
	}, export.Hooks{
		OnProgress: func(u progress.Update) {
			s.bytes.Store(u.Bytes)
			s.processed.Store(u.Processed)
			s.exported.Store(u.Written)
			if opt.OnProgress != nil {
				opt.OnProgress(u)
			}
		},
		OnError: func(index int64, err error) {
			mu.Lock()
			defer mu.Unlock()
			agg.add(fmt.Sprintf("document %d: %v", index, err))
			if opt.OnError != nil {
				opt.OnError(index, err)
			}
		},
	})
	s.processed.Store(er.Processed)
	s.exported.Store(er.Exported)
	s.bytes.Store(er.Bytes)
	res.Fields = er.Fields
	if err != nil {
		return res, &WriteError{Index: -1, Err: err}
	}
	res.Aborted = er.Aborted
	return res, nil
}

// Cancel stops the export if one is running, otherwise a field gathering
// scan. It is idempotent.
func (s *ExportSession) Cancel() {
	s.mu.Lock()
	run := s.run
	s.mu.Unlock()
	if run != nil {
		run.stop()
		return
	}
	s.gatherMu.Lock()
	if h := s.gather; h != nil {
		h.stop()
	}
	s.gatherMu.Unlock()
}

// ConnectionLost cancels everything, waits, and returns to idle.
func (s *ExportSession) ConnectionLost() { s.halt(EventConnectionLost) }

// Close returns the session to idle. The store is not closed.
func (s *ExportSession) Close() { s.halt(EventClose) }

func (s *ExportSession) halt(e Event) {
	s.gatherMu.Lock()
	defer s.gatherMu.Unlock()
	s.gather.stopAndWait()

	s.mu.Lock()
	run := s.run
	s.mu.Unlock()
	run.stopAndWait()

	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := Transition(s.state, e)
	if err != nil {
		log.Printf("export: %v", err)
		return
	}
	s.state = next
	s.gen++
	s.ns, s.count, s.fields = storage.Namespace{}, 0, nil
	if e == EventClose {
		s.last = nil
	}
}

// WatchConnection pings p every interval while ctx is live and calls
// ConnectionLost on the first failure.
func (s *ExportSession) WatchConnection(ctx context.Context, p Pinger, interval time.Duration) error {
	return watchConnection(ctx, p, interval, s.ConnectionLost)
}

// State returns the current state.
func (s *ExportSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns a copy of the session's state and counters.
func (s *ExportSession) Snapshot() ExportSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := ExportSnapshot{
		State:     s.state,
		Count:     s.count,
		Fields:    append([]string(nil), s.fields...),
		Gathering: s.gathering.Load(),
		Progress: progress.Update{
			Bytes:     s.bytes.Load(),
			Processed: s.processed.Load(),
			Written:   s.exported.Load(),
		},
		Result: s.last,
	}
	if s.ns.Database != "" {
		snap.Namespace = s.ns.String()
	}
	return snap
}
