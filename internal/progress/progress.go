// Package progress rate-limits progress callbacks and counts bytes read from
// a source.
package progress

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// DefaultInterval is the minimum gap between two intermediate callbacks.
const DefaultInterval = 250 * time.Millisecond

// Update is a snapshot of a run's counters.
type Update struct {
	Bytes     int64 `json:"bytes"`
	Processed int64 `json:"processed"`
	Written   int64 `json:"written"`
}

// Func receives updates.
type Func func(Update)

// Throttle forwards at most one update per interval to its callback. Final
// always forwards, so the last state before completion is never dropped.
// Callbacks are serialized.
type Throttle struct {
	fn       Func
	interval time.Duration
	every    rate.Sometimes

	mu   sync.Mutex
	done bool
}

// NewThrottle wraps fn. A nil fn makes every call a no-op; an interval <= 0
// forwards every update.
func NewThrottle(interval time.Duration, fn Func) *Throttle {
	return &Throttle{
		fn:       fn,
		interval: interval,
		every:    rate.Sometimes{Interval: interval},
	}
}

// Report forwards u unless an update was forwarded less than one interval
// ago. Reports after Final are ignored.
func (t *Throttle) Report(u Update) {
	if t == nil || t.fn == nil {
		return
	}
	if t.interval <= 0 {
		t.emit(u, false)
		return
	}
	t.every.Do(func() { t.emit(u, false) })
}

// Final forwards u unconditionally and closes the throttle.
func (t *Throttle) Final(u Update) {
	if t == nil || t.fn == nil {
		return
	}
	t.emit(u, true)
}

func (t *Throttle) emit(u Update, final bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.done = final
	t.fn(u)
}

// CountingReader counts bytes read through it. Count is safe to call from
// other goroutines.
type CountingReader struct {
	r io.Reader
	n atomic.Int64
}

// NewCountingReader wraps r.
func NewCountingReader(r io.Reader) *CountingReader {
	return &CountingReader{r: r}
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

// Count returns the bytes read so far.
func (c *CountingReader) Count() int64 { return c.n.Load() }
