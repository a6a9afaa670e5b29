package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/haohanyang/compass/internal/doc"
	"github.com/haohanyang/compass/internal/probe"
	"github.com/haohanyang/compass/internal/progress"
	"github.com/haohanyang/compass/internal/storage"
	"github.com/haohanyang/compass/internal/storage/memory"
)

var ns = storage.Namespace{Database: "db", Collection: "people"}

func seed(t *testing.T, docs ...doc.Document) *memory.Store {
	t.Helper()
	st := memory.New()
	if _, err := st.InsertMany(context.Background(), ns, docs, storage.InsertOptions{}); err != nil {
		t.Fatal(err)
	}
	return st
}

func people() []doc.Document {
	return []doc.Document{
		{{Key: "name", Value: "Ada"}, {Key: "age", Value: int64(36)}},
		{{Key: "name", Value: "Lin"}, {Key: "tags", Value: []any{"a", "b"}}},
		{{Key: "name", Value: "Bo"}, {Key: "geo", Value: doc.Document{{Key: "lat", Value: 50.5}}}},
	}
}

func TestRun_CSVGathersHeader(t *testing.T) {
	t.Parallel()
	st := seed(t, people()...)

	var buf bytes.Buffer
	res, err := Run(context.Background(), st, ns, &buf, Options{Format: probe.FormatCSV, BatchSize: 2}, Hooks{})
	if err != nil {
		t.Fatal(err)
	}
	want := "name,age,tags[0],tags[1],geo.lat\n" +
		"Ada,36,,,\n" +
		"Lin,,a,b,\n" +
		"Bo,,,,50.5\n"
	if buf.String() != want {
		t.Fatalf("got\n%s\nwant\n%s", buf.String(), want)
	}
	if res.Exported != 3 || res.Processed != 3 || res.Bytes != int64(len(want)) {
		t.Fatalf("res=%+v", res)
	}
}

func TestRun_CSVExplicitFields(t *testing.T) {
	t.Parallel()
	st := seed(t, people()...)
	var buf bytes.Buffer
	if _, err := Run(context.Background(), st, ns, &buf, Options{Format: probe.FormatCSV, Fields: []string{"age", "name"}}, Hooks{}); err != nil {
		t.Fatal(err)
	}
	if got := strings.Split(buf.String(), "\n")[1]; got != "36,Ada" {
		t.Fatalf("first row=%q", got)
	}
}

func TestRun_JSONArrayIsValid(t *testing.T) {
	t.Parallel()
	st := seed(t, people()...)
	var buf bytes.Buffer
	if _, err := Run(context.Background(), st, ns, &buf, Options{Format: probe.FormatJSON}, Hooks{}); err != nil {
		t.Fatal(err)
	}
	var arr []map[string]any
	if err := json.Unmarshal(buf.Bytes(), &arr); err != nil {
		t.Fatalf("invalid JSON %q: %v", buf.String(), err)
	}
	if len(arr) != 3 || arr[2]["name"] != "Bo" {
		t.Fatalf("arr=%v", arr)
	}
}

func TestRun_JSONEmptyCollection(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	res, err := Run(context.Background(), memory.New(), ns, &buf, Options{Format: probe.FormatJSON}, Hooks{})
	if err != nil || res.Exported != 0 {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	var arr []any
	if err := json.Unmarshal(buf.Bytes(), &arr); err != nil || len(arr) != 0 {
		t.Fatalf("got %q", buf.String())
	}
}

func TestRun_JSONLinesProjection(t *testing.T) {
	t.Parallel()
	st := seed(t, people()...)
	var buf bytes.Buffer
	_, err := Run(context.Background(), st, ns, &buf, Options{Format: probe.FormatJSONL, Fields: []string{"geo.lat", "name"}}, Hooks{})
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines=%q", lines)
	}
	if lines[0] != `{"name":"Ada"}` || lines[2] != `{"geo":{"lat":50.5},"name":"Bo"}` {
		t.Fatalf("lines=%q", lines)
	}
	var back doc.Document
	if err := doc.Unmarshal([]byte(lines[2]), &back); err != nil {
		t.Fatal(err)
	}
}

func TestRun_CanceledLeavesPartialResult(t *testing.T) {
	t.Parallel()
	var docs []doc.Document
	for i := 0; i < 50; i++ {
		docs = append(docs, doc.Document{{Key: "i", Value: int64(i)}})
	}
	st := seed(t, docs...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var finals []progress.Update
	res, err := Run(ctx, st, ns, &bytes.Buffer{}, Options{Format: probe.FormatJSONL, BatchSize: 5, ProgressInterval: -1}, Hooks{
		OnProgress: func(u progress.Update) {
			finals = append(finals, u)
			if u.Written == 10 {
				cancel()
			}
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Aborted || res.Exported != 10 {
		t.Fatalf("res=%+v", res)
	}
	if last := finals[len(finals)-1]; last.Written != 10 {
		t.Fatalf("final update=%+v", last)
	}
}

func TestRun_StoreErrorIsReturned(t *testing.T) {
	t.Parallel()
	st := seed(t, people()...)
	st.SetDown(true)
	_, err := Run(context.Background(), st, ns, &bytes.Buffer{}, Options{Format: probe.FormatJSONL}, Hooks{})
	if !errors.Is(err, memory.ErrUnavailable) {
		t.Fatalf("err=%v", err)
	}
}

func TestRun_UnsupportedFormat(t *testing.T) {
	t.Parallel()
	if _, err := Run(context.Background(), memory.New(), ns, &bytes.Buffer{}, Options{Format: "xml"}, Hooks{}); err == nil {
		t.Fatal("xml accepted")
	}
}

func TestGatherFields_Limit(t *testing.T) {
	t.Parallel()
	st := seed(t, people()...)
	got, err := GatherFields(context.Background(), st, ns, GatherOptions{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"name", "age", "tags[0]", "tags[1]"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v", got)
	}
}

// cancelingStore cancels after the cursor has handed out n documents.
type cancelingStore struct {
	*memory.Store
	n      int
	cancel context.CancelFunc
}

func (s *cancelingStore) Find(ctx context.Context, ns storage.Namespace, opt storage.FindOptions) (storage.Cursor, error) {
	cur, err := s.Store.Find(ctx, ns, opt)
	if err != nil {
		return nil, err
	}
	return &cancelingCursor{Cursor: cur, s: s}, nil
}

type cancelingCursor struct {
	storage.Cursor
	s    *cancelingStore
	seen int
}

func (c *cancelingCursor) Doc() doc.Document {
	c.seen++
	if c.seen == c.s.n {
		c.s.cancel()
	}
	return c.Cursor.Doc()
}

func TestGatherFields_CanceledWithinPage(t *testing.T) {
	t.Parallel()
	var docs []doc.Document
	for i := 0; i < 20; i++ {
		docs = append(docs, doc.Document{{Key: "f" + strings.Repeat("x", i), Value: int64(i)}})
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := &cancelingStore{Store: seed(t, docs...), n: 2, cancel: cancel}

	got, err := GatherFields(ctx, st, ns, GatherOptions{BatchSize: 1000})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v fields=%v", err, got)
	}
	if got != nil {
		t.Fatalf("fields=%v", got)
	}
}
