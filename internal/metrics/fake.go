package metrics

import "sync"

// CounterCall is one IncCounter observed by FakeBackend.
type CounterCall struct {
	Name   string
	Delta  float64
	Labels Labels
}

// HistCall is one ObserveHistogram observed by FakeBackend.
type HistCall struct {
	Name   string
	Value  float64
	Labels Labels
}

// FakeBackend records calls in memory. Packages that record metrics use it in
// tests.
type FakeBackend struct {
	mu         sync.Mutex
	counters   []CounterCall
	hists      []HistCall
	flushCount int
}

func (f *FakeBackend) IncCounter(name string, delta float64, labels Labels) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters = append(f.counters, CounterCall{name, delta, labels})
}

func (f *FakeBackend) ObserveHistogram(name string, value float64, labels Labels) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hists = append(f.hists, HistCall{name, value, labels})
}

func (f *FakeBackend) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushCount++
	return nil
}

// Snapshot returns copies of the recorded calls.
func (f *FakeBackend) Snapshot() ([]CounterCall, []HistCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CounterCall(nil), f.counters...), append([]HistCall(nil), f.hists...)
}

// Total sums the deltas of name, filtered by the "kind" label when kind is
// not empty.
func (f *FakeBackend) Total(name, kind string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sum float64
	for _, c := range f.counters {
		if c.Name == name && (kind == "" || c.Labels["kind"] == kind) {
			sum += c.Delta
		}
	}
	return sum
}
