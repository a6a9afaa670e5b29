package errlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestCreate_PathAndRecords(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	l, err := Create(dir, "/data/in/people.csv")
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(dir, "ImportErrorLogs", "import-people.csv.log")
	if l.Path() != want {
		t.Fatalf("path=%s want %s", l.Path(), want)
	}

	recs := []Record{
		{Index: 2, Line: 4, Kind: KindCast, Field: "age", Message: "bad", Data: "x<y"},
		{Index: 3, Kind: KindWrite, Message: "duplicate key"},
	}
	for _, r := range recs {
		if err := l.Write(r); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := l.Write(Record{}); !errors.Is(err, os.ErrClosed) {
		t.Fatalf("write after close: %v", err)
	}

	f, err := os.Open(want)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	var got []Record
	for sc.Scan() {
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		got = append(got, r)
	}
	if len(got) != 2 || got[0] != recs[0] || got[1] != recs[1] {
		t.Fatalf("got %+v", got)
	}
	if c := l.Counts(); c[KindCast] != 1 || c[KindWrite] != 1 {
		t.Fatalf("counts=%v", c)
	}
}

func TestCreate_TruncatesPreviousRun(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	l, _ := Create(dir, "a.json")
	_ = l.Write(Record{Kind: KindParse, Message: "old"})
	_ = l.Close()

	l, err := Create(dir, "a.json")
	if err != nil {
		t.Fatal(err)
	}
	_ = l.Close()
	b, _ := os.ReadFile(l.Path())
	if len(b) != 0 {
		t.Fatalf("log not truncated: %q", b)
	}
}

func TestWrite_Concurrent(t *testing.T) {
	t.Parallel()
	l, err := Create(t.TempDir(), "c.csv")
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = l.Write(Record{Index: int64(i*50 + j), Kind: KindParse, Message: "m"})
			}
		}(i)
	}
	wg.Wait()
	_ = l.Close()
	if c := l.Counts()[KindParse]; c != 400 {
		t.Fatalf("count=%d", c)
	}
}
