package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haohanyang/compass/internal/doc"
	"github.com/haohanyang/compass/internal/probe"
	"github.com/haohanyang/compass/internal/progress"
	"github.com/haohanyang/compass/internal/storage"
	"github.com/haohanyang/compass/internal/storage/memory"
)

func seedPeople(t *testing.T, n int) *memory.Store {
	t.Helper()
	names := []string{"Ada", "Lin", "Bo"}
	docs := make([]doc.Document, 0, n)
	for i := 0; i < n; i++ {
		docs = append(docs, doc.Document{
			{Key: "name", Value: names[i%len(names)]},
			{Key: "age", Value: int64(20 + i)},
		})
	}
	st := memory.New()
	if _, err := st.InsertMany(context.Background(), peopleNS, docs, storage.InsertOptions{}); err != nil {
		t.Fatal(err)
	}
	return st
}

func TestExport_JSONLinesEndToEnd(t *testing.T) {
	t.Parallel()
	st := seedPeople(t, 3)
	s := NewExport(st, Config{})
	ctx := context.Background()

	n, err := s.Open(ctx, "db.people")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("count=%d", n)
	}

	dest := filepath.Join(t.TempDir(), "out", "people.jsonl")
	res, err := s.Start(ctx, dest, ExportOptions{Format: probe.FormatJSONL})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StateCompleted || res.Exported != 3 || res.Processed != 3 || res.Aborted {
		t.Fatalf("result=%+v", res)
	}
	b, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 3 || lines[0] != `{"name":"Ada","age":20}` {
		t.Fatalf("file=%q", b)
	}
	if res.Bytes != int64(len(b)) {
		t.Fatalf("bytes=%d file=%d", res.Bytes, len(b))
	}
	if s.State() != StateCompleted || st.Closed() {
		t.Fatalf("state=%s closed=%v", s.State(), st.Closed())
	}
}

func TestExport_GatherFieldsThenCSV(t *testing.T) {
	t.Parallel()
	st := seedPeople(t, 2)
	s := NewExport(st, Config{})
	ctx := context.Background()
	if _, err := s.Open(ctx, "db.people"); err != nil {
		t.Fatal(err)
	}

	fields, err := s.GatherFields(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !equalStrings(fields, []string{"name", "age"}) {
		t.Fatalf("fields=%v", fields)
	}
	if got := s.Snapshot().Fields; !equalStrings(got, fields) {
		t.Fatalf("snapshot fields=%v", got)
	}
	if err := s.SetFields([]string{"age"}); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(t.TempDir(), "people.csv")
	res, err := s.Start(ctx, dest, ExportOptions{Format: probe.FormatCSV})
	if err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "age\n20\n21\n" {
		t.Fatalf("file=%q", b)
	}
	if !equalStrings(res.Fields, []string{"age"}) {
		t.Fatalf("result fields=%v", res.Fields)
	}
}

func TestExport_CancelKeepsPartialFile(t *testing.T) {
	t.Parallel()
	st := seedPeople(t, 50)
	s := NewExport(st, Config{BatchSize: 5, ProgressInterval: -1})
	ctx := context.Background()
	if _, err := s.Open(ctx, "db.people"); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(t.TempDir(), "partial.jsonl")
	res, err := s.Start(ctx, dest, ExportOptions{
		Format: probe.FormatJSONL,
		OnProgress: func(u progress.Update) {
			if u.Written >= 10 {
				s.Cancel()
			}
		},
	})
	if err != nil {
		t.Fatalf("cancel returned error: %v", err)
	}
	if res.Status != StateCanceled || !res.Aborted || res.Exported != 10 {
		t.Fatalf("result=%+v", res)
	}
	b, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(string(b), "\n"); got != 10 {
		t.Fatalf("partial file has %d lines", got)
	}
}

func TestExport_Errors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("not opened", func(t *testing.T) {
		s := NewExport(memory.New(), Config{})
		if _, err := s.Start(ctx, filepath.Join(t.TempDir(), "x.json"), ExportOptions{Format: probe.FormatJSON}); !errors.Is(err, ErrNotOpened) {
			t.Fatalf("err=%v", err)
		}
		if _, err := s.GatherFields(ctx); !errors.Is(err, ErrNotOpened) {
			t.Fatalf("gather err=%v", err)
		}
	})

	t.Run("store down", func(t *testing.T) {
		st := seedPeople(t, 2)
		s := NewExport(st, Config{})
		if _, err := s.Open(ctx, "db.people"); err != nil {
			t.Fatal(err)
		}
		st.SetDown(true)
		res, err := s.Start(ctx, filepath.Join(t.TempDir(), "x.jsonl"), ExportOptions{Format: probe.FormatJSONL})
		var we *WriteError
		if !errors.As(err, &we) || !errors.Is(err, memory.ErrUnavailable) {
			t.Fatalf("err=%v", err)
		}
		if res.Status != StateFailed || res.Error == "" {
			t.Fatalf("result=%+v", res)
		}
	})

	t.Run("destination not writable", func(t *testing.T) {
		st := seedPeople(t, 1)
		s := NewExport(st, Config{})
		if _, err := s.Open(ctx, "db.people"); err != nil {
			t.Fatal(err)
		}
		blocker := filepath.Join(t.TempDir(), "file")
		if err := os.WriteFile(blocker, nil, 0o644); err != nil {
			t.Fatal(err)
		}
		_, err := s.Start(ctx, filepath.Join(blocker, "out.json"), ExportOptions{Format: probe.FormatJSON})
		var fe *FileAccessError
		if !errors.As(err, &fe) {
			t.Fatalf("err=%v, want FileAccessError", err)
		}
	})
}

func TestExport_CloseKeepsStoreOpen(t *testing.T) {
	t.Parallel()
	st := seedPeople(t, 1)
	s := NewExport(st, Config{})
	if _, err := s.Open(context.Background(), "db.people"); err != nil {
		t.Fatal(err)
	}
	s.Close()
	snap := s.Snapshot()
	if snap.State != StateIdle || snap.Namespace != "" || snap.Count != 0 {
		t.Fatalf("snapshot=%+v", snap)
	}
	if st.Closed() {
		t.Fatal("Close closed the store")
	}
}
