// Package session orchestrates import and export runs against a borrowed
// storage.Store.
//
// An ImportSession walks the state machine in state.go: Open detects the
// format and lists fields, Analyze votes field types (at most one analyzer
// run at a time), and Start streams the file through the parse, transform
// and write stages:
//
//	reader (csv/json parser)
//	     → transform (field plan / exclusions)
//	     → writer (storage.WriteBatches)
//
// Stages are connected by bounded channels and run under an errgroup. Every
// rejected record is appended to the per-import error log; the first few
// are kept for display. Cancellation is never an error: it ends the run with
// Aborted set and status canceled.
//
// An ExportSession mirrors this for the read direction.
//
// Sessions never close the store they are given.
package session

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/haohanyang/compass/internal/datasource"
	"github.com/haohanyang/compass/internal/datasource/file"
	"github.com/haohanyang/compass/internal/storage"
)

// DefaultChannelBuffer sizes the channels between stages.
const DefaultChannelBuffer = 1024

// DefaultPingInterval is used by WatchConnection when no interval is given.
const DefaultPingInterval = 5 * time.Second

// Config holds per-session settings. Zero values select defaults.
type Config struct {
	// UserDataDir is the root of ImportErrorLogs/. Empty means
	// <os.UserConfigDir>/docetl.
	UserDataDir string

	BatchSize     int
	ChannelBuffer int

	// PreviewRows is the CSV preview window; SampleDocs the number of JSON
	// documents sampled for field listing.
	PreviewRows int
	SampleDocs  int
	// SampleLimit caps the rows the analyzer reads (CSV) and the documents
	// scanned to gather export fields. Zero reads everything.
	SampleLimit int

	ProgressInterval time.Duration

	// Opener resolves a path to a source. Nil means local files.
	Opener datasource.Opener

	// Job labels metrics. Empty means "docetl".
	Job string
}

func (c Config) job() string {
	if c.Job == "" {
		return "docetl"
	}
	return c.Job
}

func (c Config) opener() datasource.Opener {
	if c.Opener == nil {
		return file.Opener
	}
	return c.Opener
}

func (c Config) channelBuffer() int {
	if c.ChannelBuffer <= 0 {
		return DefaultChannelBuffer
	}
	return c.ChannelBuffer
}

func (c Config) userDataDir() string {
	if c.UserDataDir != "" {
		return c.UserDataDir
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "docetl")
	}
	return filepath.Join(dir, "docetl")
}

// Function variables used to introduce test seams.
var (
	openSourceFn = openSource
)

func openSource(ctx context.Context, open datasource.Opener, path string) (io.ReadCloser, error) {
	return open(path).Open(ctx)
}

// runHandle is the cancellation handle of one analyzer, gather or write run.
// stop is idempotent; done is closed when the run has returned.
type runHandle struct {
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

func newRunHandle(parent context.Context) (context.Context, *runHandle) {
	ctx, cancel := context.WithCancel(parent)
	return ctx, &runHandle{cancel: cancel, done: make(chan struct{})}
}

func (h *runHandle) stop() { h.once.Do(h.cancel) }

// finish releases the handle and acknowledges the stop to waiters.
func (h *runHandle) finish() {
	h.stop()
	close(h.done)
}

// stopAndWait cancels h and blocks until its run has returned.
func (h *runHandle) stopAndWait() {
	if h == nil {
		return
	}
	h.stop()
	<-h.done
}

// Pinger is the part of a store WatchConnection needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

var _ Pinger = (storage.Store)(nil)

// watchConnection pings p every interval until ctx ends. On the first failed
// ping it calls lost and returns the ping error.
func watchConnection(ctx context.Context, p Pinger, interval time.Duration, lost func()) error {
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, interval)
			err := p.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				log.Printf("session: connection lost: %v", err)
				lost()
				return err
			}
		}
	}
}
