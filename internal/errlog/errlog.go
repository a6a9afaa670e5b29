// Package errlog writes the per-import error log: one JSON record per line
// under <userdata>/ImportErrorLogs/import-<basename>.log.
package errlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Dir is the directory, relative to the user data dir, holding import logs.
const Dir = "ImportErrorLogs"

// Record kinds.
const (
	KindParse = "parse"
	KindCast  = "cast"
	KindWrite = "write"
	KindRead  = "read" // the source could not be read; ends the run
)

// Record is one logged failure. Index is the zero-based source record.
type Record struct {
	Index   int64  `json:"index"`
	Line    int    `json:"line,omitempty"`
	Kind    string `json:"kind"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

// Log is safe for concurrent use.
type Log struct {
	path string

	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	enc    *json.Encoder
	counts map[string]int
	werr   error

	once     sync.Once
	closeErr error
}

// PathFor returns the log location for a source file.
func PathFor(userDataDir, sourcePath string) string {
	return filepath.Join(userDataDir, Dir, "import-"+filepath.Base(sourcePath)+".log")
}

// Create truncates or creates the log for sourcePath, creating parent
// directories as needed.
func Create(userDataDir, sourcePath string) (*Log, error) {
	path := PathFor(userDataDir, sourcePath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create dir %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &Log{path: path, f: f, w: w, enc: enc, counts: map[string]int{}}, nil
}

// Path returns the file location.
func (l *Log) Path() string { return l.path }

// Write appends r. After Close, or after a previous write error, it returns
// that error without writing.
func (l *Log) Write(r Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return os.ErrClosed
	}
	if l.werr != nil {
		return l.werr
	}
	l.counts[r.Kind]++
	if err := l.enc.Encode(r); err != nil {
		l.werr = fmt.Errorf("write %s: %w", l.path, err)
		return l.werr
	}
	return nil
}

// Counts returns the number of records written per kind.
func (l *Log) Counts() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int, len(l.counts))
	for k, v := range l.counts {
		out[k] = v
	}
	return out
}

// Close flushes and closes the file. It is safe to call more than once.
func (l *Log) Close() error {
	l.once.Do(func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		ferr := l.w.Flush()
		cerr := l.f.Close()
		l.f = nil
		if ferr != nil {
			l.closeErr = ferr
		} else {
			l.closeErr = cerr
		}
	})
	return l.closeErr
}
