package storage_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/haohanyang/compass/internal/doc"
	"github.com/haohanyang/compass/internal/storage"
	"github.com/haohanyang/compass/internal/storage/memory"
)

var testNS = storage.Namespace{Database: "db", Collection: "people"}

func feed(n int) <-chan storage.Pending {
	in := make(chan storage.Pending, n)
	for i := 0; i < n; i++ {
		in <- storage.Pending{Index: int64(i), Doc: doc.Document{{Key: "n", Value: int64(i)}}}
	}
	close(in)
	return in
}

// TestWriteBatches_Basic verifies documents are grouped into batches and the
// totals equal the documents fed.
func TestWriteBatches_Basic(t *testing.T) {
	t.Parallel()

	st := memory.New()
	var batches, processed, written int
	res, err := storage.WriteBatches(context.Background(), st, testNS, feed(7), storage.WriteOptions{BatchSize: 3}, storage.WriteHooks{
		OnBatch: func(p, w int) { batches++; processed += p; written += w },
	})
	if err != nil {
		t.Fatalf("WriteBatches error: %v", err)
	}
	if res.Processed != 7 || res.Written != 7 || res.Batches != 3 {
		t.Fatalf("result=%+v, want 7/7 in 3 batches", res)
	}
	if batches != 3 || processed != 7 || written != 7 {
		t.Fatalf("hooks saw batches=%d processed=%d written=%d", batches, processed, written)
	}
	if got := len(st.Docs(testNS)); got != 7 {
		t.Fatalf("stored %d docs, want 7", got)
	}
}

func TestWriteBatches_DefaultBatchSize(t *testing.T) {
	t.Parallel()
	st := memory.New()
	res, err := storage.WriteBatches(context.Background(), st, testNS, feed(5), storage.WriteOptions{}, storage.WriteHooks{})
	if err != nil || res.Batches != 1 {
		t.Fatalf("res=%+v err=%v", res, err)
	}
}

// TestWriteBatches_StopOnErrors checks that a failure on the third document
// keeps the first two, attempts nothing after it, and stops the run.
func TestWriteBatches_StopOnErrors(t *testing.T) {
	t.Parallel()

	st := memory.New()
	var seen []int64
	st.FailFn = func(seq int64, _ doc.Document) error {
		seen = append(seen, seq)
		if seq == 2 {
			return errors.New("rejected")
		}
		return nil
	}
	var failed []int64
	res, err := storage.WriteBatches(context.Background(), st, testNS, feed(5), storage.WriteOptions{BatchSize: 10, StopOnErrors: true}, storage.WriteHooks{
		OnFailure: func(p storage.Pending, _ error) { failed = append(failed, p.Index) },
	})
	if !errors.Is(err, storage.ErrStoppedOnError) {
		t.Fatalf("err=%v, want ErrStoppedOnError", err)
	}
	if res.Written != 2 || res.Processed != 3 {
		t.Fatalf("res=%+v, want written=2 processed=3", res)
	}
	if len(seen) != 3 {
		t.Fatalf("store saw %v, nothing after the failure may be attempted", seen)
	}
	if len(failed) != 1 || failed[0] != 2 {
		t.Fatalf("failed=%v", failed)
	}
}

// TestWriteBatches_UnorderedContinues attempts every document and reports
// each failure.
func TestWriteBatches_UnorderedContinues(t *testing.T) {
	t.Parallel()

	st := memory.New()
	st.FailFn = func(seq int64, _ doc.Document) error {
		if seq%2 == 1 {
			return fmt.Errorf("odd %d", seq)
		}
		return nil
	}
	var failures int
	res, err := storage.WriteBatches(context.Background(), st, testNS, feed(6), storage.WriteOptions{BatchSize: 4}, storage.WriteHooks{
		OnFailure: func(storage.Pending, error) { failures++ },
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 6 || res.Written != 3 || res.Failed != 3 || failures != 3 {
		t.Fatalf("res=%+v failures=%d", res, failures)
	}
	if res.Written > res.Processed {
		t.Fatal("written must not exceed processed")
	}
}

func TestWriteBatches_DuplicateID(t *testing.T) {
	t.Parallel()

	st := memory.New()
	in := make(chan storage.Pending, 3)
	for i, id := range []string{"a", "b", "a"} {
		in <- storage.Pending{Index: int64(i), Doc: doc.Document{{Key: "_id", Value: id}}}
	}
	close(in)
	var got error
	res, err := storage.WriteBatches(context.Background(), st, testNS, in, storage.WriteOptions{}, storage.WriteHooks{
		OnFailure: func(_ storage.Pending, err error) { got = err },
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Written != 2 || !errors.Is(got, storage.ErrDuplicateKey) {
		t.Fatalf("res=%+v failure=%v", res, got)
	}
}

// TestWriteBatches_BatchErrorIsFatal propagates a store-level error.
func TestWriteBatches_BatchErrorIsFatal(t *testing.T) {
	t.Parallel()

	st := memory.New()
	st.SetDown(true)
	_, err := storage.WriteBatches(context.Background(), st, testNS, feed(2), storage.WriteOptions{}, storage.WriteHooks{})
	if !errors.Is(err, memory.ErrUnavailable) {
		t.Fatalf("err=%v", err)
	}
}

// TestWriteBatches_ContextCancel checks the writer exits on cancellation
// without an error and flags the result as aborted.
func TestWriteBatches_ContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := memory.New()
	st.Delay = 2 * time.Second
	in := make(chan storage.Pending)

	type out struct {
		res storage.WriteResult
		err error
	}
	done := make(chan out, 1)
	go func() {
		res, err := storage.WriteBatches(ctx, st, testNS, in, storage.WriteOptions{BatchSize: 1}, storage.WriteHooks{})
		done <- out{res, err}
	}()

	in <- storage.Pending{Doc: doc.Document{{Key: "x", Value: int64(1)}}}
	cancel()

	select {
	case o := <-done:
		if o.err != nil || !o.res.Aborted {
			t.Fatalf("res=%+v err=%v, want aborted without error", o.res, o.err)
		}
		if o.res.Written != 0 {
			t.Fatalf("written=%d", o.res.Written)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("WriteBatches did not return after context cancel")
	}
}

// ---- namespace & registry ----

func TestParseNamespace(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    storage.Namespace
		wantErr bool
	}{
		{"db.coll", storage.Namespace{Database: "db", Collection: "coll"}, false},
		{"db.a.b", storage.Namespace{Database: "db", Collection: "a.b"}, false},
		{"x", storage.Namespace{}, true},
		{".c", storage.Namespace{}, true},
		{"d.", storage.Namespace{}, true},
	}
	for _, tc := range tests {
		got, err := storage.ParseNamespace(tc.in)
		if tc.wantErr {
			if !errors.Is(err, storage.ErrInvalidNamespace) {
				t.Errorf("ParseNamespace(%q) err=%v", tc.in, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("ParseNamespace(%q)=%v,%v", tc.in, got, err)
		}
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	st, err := storage.New(context.Background(), "memory", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := st.(*memory.Store); !ok {
		t.Fatalf("got %T", st)
	}
	if _, err := storage.New(context.Background(), "nope", ""); err == nil {
		t.Fatal("unknown kind accepted")
	}
	defer func() {
		if recover() == nil {
			t.Fatal("duplicate Register did not panic")
		}
	}()
	storage.Register("memory", func(context.Context, string) (storage.Store, error) { return nil, nil })
}

func TestIDKey(t *testing.T) {
	t.Parallel()
	oid, _ := doc.ParseObjectID("5f1d7a2b9c1e4a0012345678")
	a, _ := storage.IDKey(doc.Document{{Key: "_id", Value: oid}})
	b, _ := storage.IDKey(doc.Document{{Key: "_id", Value: "5f1d7a2b9c1e4a0012345678"}})
	if a == b {
		t.Fatalf("objectId and string ids must not collide: %q", a)
	}
	c, _ := storage.IDKey(doc.Document{{Key: "_id", Value: int64(1)}})
	d, _ := storage.IDKey(doc.Document{{Key: "_id", Value: "1"}})
	if c == d {
		t.Fatalf("numeric and string ids must not collide: %q", c)
	}
	if _, ok := storage.IDKey(doc.Document{{Key: "x", Value: 1}}); ok {
		t.Fatal("no _id must report ok=false")
	}
}

// ---- cursor ----

func TestPageCursor_PagesAndLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memory.New()
	if _, err := storage.WriteBatches(ctx, st, testNS, feed(7), storage.WriteOptions{}, storage.WriteHooks{}); err != nil {
		t.Fatal(err)
	}

	cur, err := st.Find(ctx, testNS, storage.FindOptions{BatchSize: 3})
	if err != nil {
		t.Fatal(err)
	}
	var got []int64
	for cur.Next(ctx) {
		v, _ := cur.Doc().Get("n")
		got = append(got, v.(int64))
	}
	if cur.Err() != nil || len(got) != 7 || got[6] != 6 {
		t.Fatalf("got %v err=%v", got, cur.Err())
	}
	_ = cur.Close()

	cur, _ = st.Find(ctx, testNS, storage.FindOptions{BatchSize: 3, Limit: 4})
	n := 0
	for cur.Next(ctx) {
		n++
	}
	if n != 4 {
		t.Fatalf("limit: got %d docs", n)
	}
}
