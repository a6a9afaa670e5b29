package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haohanyang/compass/internal/doc"
	"github.com/haohanyang/compass/internal/session"
	"github.com/haohanyang/compass/internal/storage"
	"github.com/haohanyang/compass/internal/storage/memory"
)

func newTestServer(t *testing.T, st *memory.Store) *httptest.Server {
	t.Helper()
	srv := NewServer(st, Config{
		Session:      session.Config{UserDataDir: t.TempDir()},
		PingInterval: -1,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return ts
}

func call(t *testing.T, ts *httptest.Server, method, path string, body any, out any) int {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

// view is the subset of import and export views the tests read.
type view struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	Analyzing bool   `json:"analyzing"`
	Gathering bool   `json:"gathering"`
	Count     int64  `json:"count"`
	Fields    json.RawMessage
	Result    *struct {
		Status   string `json:"status"`
		Written  int64  `json:"written"`
		Exported int64  `json:"exported"`
	} `json:"result"`
	LastError string `json:"lastError"`
}

func poll(t *testing.T, ts *httptest.Server, path string, done func(view) bool) view {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		var v view
		if code := call(t, ts, http.MethodGet, path, nil, &v); code != http.StatusOK {
			t.Fatalf("GET %s: %d", path, code)
		}
		if done(v) {
			return v
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out polling %s: last=%+v", path, v)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestImportFlow(t *testing.T) {
	t.Parallel()
	st := memory.New()
	ts := newTestServer(t, st)

	path := filepath.Join(t.TempDir(), "people.csv")
	if err := os.WriteFile(path, []byte("name,age\nAda,36\nLin,29\nBo,\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var created view
	if code := call(t, ts, http.MethodPost, "/api/imports", map[string]string{"namespace": "db.people", "path": path}, &created); code != http.StatusCreated {
		t.Fatalf("create: %d", code)
	}
	if created.ID == "" || created.State != "opened" {
		t.Fatalf("created=%+v", created)
	}
	base := "/api/imports/" + created.ID

	if code := call(t, ts, http.MethodPost, base+"/analyze", map[string]bool{"ignoreBlanks": true}, nil); code != http.StatusAccepted {
		t.Fatalf("analyze: %d", code)
	}
	poll(t, ts, base, func(v view) bool { return !v.Analyzing && strings.Contains(string(v.Fields), `"type":"int"`) })

	fields := map[string]any{"fields": []map[string]any{{"path": "age", "type": "number"}}}
	if code := call(t, ts, http.MethodPut, base+"/fields", fields, nil); code != http.StatusOK {
		t.Fatalf("fields: %d", code)
	}

	if code := call(t, ts, http.MethodPost, base+"/start", map[string]bool{"ignoreBlanks": true}, nil); code != http.StatusAccepted {
		t.Fatalf("start: %d", code)
	}
	v := poll(t, ts, base, func(v view) bool { return v.Result != nil })
	if v.State != "completed" || v.Result.Written != 3 {
		t.Fatalf("final=%+v result=%+v", v, v.Result)
	}
	ns := storage.Namespace{Database: "db", Collection: "people"}
	if got := len(st.Docs(ns)); got != 3 {
		t.Fatalf("stored=%d", got)
	}

	if code := call(t, ts, http.MethodPost, base+"/start", nil, nil); code != http.StatusConflict {
		t.Fatalf("restart: %d", code)
	}
	if code := call(t, ts, http.MethodDelete, base, nil, nil); code != http.StatusNoContent {
		t.Fatalf("delete: %d", code)
	}
	if code := call(t, ts, http.MethodGet, base, nil, nil); code != http.StatusNotFound {
		t.Fatalf("get after delete: %d", code)
	}
	if st.Closed() {
		t.Fatal("server closed the store")
	}
}

func TestImportCreateErrors(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, memory.New())
	dir := t.TempDir()
	bin := filepath.Join(dir, "blob.bin")
	if err := os.WriteFile(bin, []byte{0, 1, 2, 0xff}, 0o644); err != nil {
		t.Fatal(err)
	}
	csv := filepath.Join(dir, "a.csv")
	if err := os.WriteFile(csv, []byte("a,b\n1,2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		body any
		want int
		code string
	}{
		{"missing file", map[string]string{"namespace": "db.c", "path": filepath.Join(dir, "nope.csv")}, http.StatusNotFound, "file_access"},
		{"unknown format", map[string]string{"namespace": "db.c", "path": bin}, http.StatusUnprocessableEntity, "unknown_format"},
		{"bad namespace", map[string]string{"namespace": "nodot", "path": csv}, http.StatusBadRequest, "invalid_namespace"},
		{"unknown field", map[string]string{"namespace": "db.c", "path": csv, "extra": "x"}, http.StatusBadRequest, "bad_request"},
		{"no path", map[string]string{"namespace": "db.c"}, http.StatusBadRequest, "bad_request"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var e errorResponse
			if got := call(t, ts, http.MethodPost, "/api/imports", tc.body, &e); got != tc.want || e.Code != tc.code {
				t.Fatalf("status=%d code=%q err=%q; want %d %q", got, e.Code, e.Error, tc.want, tc.code)
			}
		})
	}
}

func TestImportFieldErrors(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, memory.New())
	path := filepath.Join(t.TempDir(), "a.csv")
	if err := os.WriteFile(path, []byte("a,b\n1,2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	var created view
	call(t, ts, http.MethodPost, "/api/imports", map[string]string{"namespace": "db.c", "path": path}, &created)
	base := "/api/imports/" + created.ID

	var e errorResponse
	body := map[string]any{"fields": []map[string]any{{"path": "zzz"}}}
	if code := call(t, ts, http.MethodPut, base+"/fields", body, &e); code != http.StatusBadRequest || e.Code != "unknown_field" {
		t.Fatalf("unknown field: %d %+v", code, e)
	}
	body = map[string]any{"fields": []map[string]any{{"path": "a", "type": "float128"}}}
	if code := call(t, ts, http.MethodPut, base+"/fields", body, &e); code != http.StatusBadRequest {
		t.Fatalf("bad type: %d", code)
	}
	if code := call(t, ts, http.MethodPost, "/api/imports/nope/cancel", nil, nil); code != http.StatusNotFound {
		t.Fatalf("cancel unknown: %d", code)
	}
}

func TestExportFlow(t *testing.T) {
	t.Parallel()
	st := memory.New()
	ns := storage.Namespace{Database: "db", Collection: "people"}
	docs := []doc.Document{
		{{Key: "name", Value: "Ada"}, {Key: "age", Value: int64(36)}},
		{{Key: "name", Value: "Lin"}, {Key: "age", Value: int64(29)}},
	}
	if _, err := st.InsertMany(context.Background(), ns, docs, storage.InsertOptions{}); err != nil {
		t.Fatal(err)
	}
	ts := newTestServer(t, st)

	var created view
	if code := call(t, ts, http.MethodPost, "/api/exports", map[string]string{"namespace": "db.people"}, &created); code != http.StatusCreated {
		t.Fatalf("create: %d", code)
	}
	if created.Count != 2 {
		t.Fatalf("count=%d", created.Count)
	}
	base := "/api/exports/" + created.ID

	if code := call(t, ts, http.MethodPost, base+"/analyze", nil, nil); code != http.StatusAccepted {
		t.Fatalf("analyze: %d", code)
	}
	poll(t, ts, base, func(v view) bool { return !v.Gathering && string(v.Fields) == `["name","age"]` })

	dest := filepath.Join(t.TempDir(), "out.csv")
	if code := call(t, ts, http.MethodPost, base+"/start", map[string]string{"destination": dest, "format": "csv"}, nil); code != http.StatusAccepted {
		t.Fatalf("start: %d", code)
	}
	v := poll(t, ts, base, func(v view) bool { return v.Result != nil })
	if v.State != "completed" || v.Result.Exported != 2 {
		t.Fatalf("final=%+v result=%+v", v, v.Result)
	}
	b, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "name,age\nAda,36\nLin,29\n" {
		t.Fatalf("file=%q", b)
	}

	var e errorResponse
	if code := call(t, ts, http.MethodPost, base+"/start", map[string]string{"destination": dest, "format": "xml"}, &e); code != http.StatusBadRequest {
		t.Fatalf("bad format: %d", code)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	st := memory.New()
	ts := newTestServer(t, st)
	if code := call(t, ts, http.MethodGet, "/healthz", nil, nil); code != http.StatusOK {
		t.Fatalf("healthz: %d", code)
	}
	st.SetDown(true)
	if code := call(t, ts, http.MethodGet, "/healthz", nil, nil); code != http.StatusServiceUnavailable {
		t.Fatalf("healthz down: %d", code)
	}
}
