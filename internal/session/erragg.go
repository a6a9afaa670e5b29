package session

import (
	"log"
	"sort"
	"sync"

	"github.com/zeebo/xxh3"
)

// maxShownErrors bounds the errors kept in memory for display. The error log
// has all of them.
const maxShownErrors = 5

// errAgg keeps the first few error messages, a total, and a count per
// distinct message.
type errAgg struct {
	mu      sync.Mutex
	limit   int
	count   int64
	first   []string
	buckets map[uint64]*bucket
}

type bucket struct {
	msg string
	n   int
}

func newErrAgg(limit int) *errAgg {
	return &errAgg{limit: limit, buckets: make(map[uint64]*bucket)}
}

func (a *errAgg) add(msg string) {
	h := xxh3.HashString(msg)
	a.mu.Lock()
	if b, ok := a.buckets[h]; ok {
		b.n++
	} else {
		a.buckets[h] = &bucket{msg: msg, n: 1}
	}
	if len(a.first) < a.limit {
		a.first = append(a.first, msg)
	}
	a.count++
	a.mu.Unlock()
}

func (a *errAgg) snapshot() ([]string, int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.first...), a.count
}

// top returns up to n buckets, most frequent first.
func (a *errAgg) top(n int) []bucket {
	a.mu.Lock()
	out := make([]bucket, 0, len(a.buckets))
	for _, b := range a.buckets {
		out = append(out, *b)
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].n != out[j].n {
			return out[i].n > out[j].n
		}
		return out[i].msg < out[j].msg
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// logErrorSummary prints the total and the most frequent messages.
func logErrorSummary(prefix string, a *errAgg) {
	first, count := a.snapshot()
	if count == 0 {
		return
	}
	log.Printf("%s: errors: %d (showing first %d)", prefix, count, len(first))
	for i, s := range first {
		log.Printf("  #%03d: %s", i+1, s)
	}
	if top := a.top(maxShownErrors); len(top) > 0 && top[0].n > 1 {
		for _, b := range top {
			log.Printf("  x%d: %s", b.n, b.msg)
		}
	}
}
