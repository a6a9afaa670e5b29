package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/haohanyang/compass/internal/config"
	"github.com/haohanyang/compass/internal/probe"
	"github.com/haohanyang/compass/internal/session"
)

// importJob is one import session plus the goroutines the API started for it.
type importJob struct {
	job
	sess *session.ImportSession
}

func (j *importJob) close() {
	j.cancel()
	j.sess.Close()
	j.wg.Wait()
}

type importView struct {
	ID string `json:"id"`
	session.Snapshot
	LastError string `json:"lastError,omitempty"`
}

func (j *importJob) view() importView {
	return importView{ID: j.id, Snapshot: j.sess.Snapshot(), LastError: j.err()}
}

func (s *Server) lookupImport(r *http.Request) (*importJob, error) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.imports[id]
	if !ok {
		return nil, fmt.Errorf("%w: import %s", errNotFound, id)
	}
	return j, nil
}

type createImportRequest struct {
	Namespace string `json:"namespace"`
	Path      string `json:"path"`
}

func (s *Server) handleImportCreate(w http.ResponseWriter, r *http.Request) {
	var req createImportRequest
	if err := decodeBody(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	if req.Path == "" {
		fail(w, r, &badRequest{fmt.Errorf("path must not be empty")})
		return
	}

	sess := session.NewImport(s.store, s.cfg.Session)
	if _, err := sess.Open(r.Context(), req.Namespace, req.Path); err != nil {
		fail(w, r, err)
		return
	}

	j := &importJob{sess: sess}
	s.initJob(&j.job, "import")
	s.mu.Lock()
	s.imports[j.id] = j
	s.mu.Unlock()
	s.watch(j.ctx, j.id, sess.WatchConnection)

	log.Printf("api: import %s opened path=%s ns=%s", j.id, req.Path, req.Namespace)
	respondJSON(w, http.StatusCreated, j.view())
}

func (s *Server) handleImportGet(w http.ResponseWriter, r *http.Request) {
	j, err := s.lookupImport(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, j.view())
}

func (s *Server) handleImportDelete(w http.ResponseWriter, r *http.Request) {
	j, err := s.lookupImport(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	s.mu.Lock()
	delete(s.imports, j.id)
	s.mu.Unlock()
	j.close()
	w.WriteHeader(http.StatusNoContent)
}

type analyzeRequest struct {
	IgnoreBlanks bool `json:"ignoreBlanks"`
}

func (s *Server) handleImportAnalyze(w http.ResponseWriter, r *http.Request) {
	j, err := s.lookupImport(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	var req analyzeRequest
	if err := decodeBody(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	snap := j.sess.Snapshot()
	switch {
	case snap.State == session.StateRunning:
		fail(w, r, session.ErrInProgress)
		return
	case snap.State != session.StateOpened:
		fail(w, r, session.ErrNotOpened)
		return
	case snap.Fields.Format != probe.FormatCSV:
		fail(w, r, session.ErrNotCSV)
		return
	}
	j.background("analyze", func(ctx context.Context) error {
		_, err := j.sess.Analyze(ctx, session.AnalyzeOptions{IgnoreBlanks: req.IgnoreBlanks})
		return err
	})
	respondJSON(w, http.StatusAccepted, j.view())
}

type fieldUpdate struct {
	Path    string `json:"path"`
	Type    string `json:"type,omitempty"`
	Include *bool  `json:"include,omitempty"`
}

type fieldsRequest struct {
	// Delimiter re-lists a CSV input first. Accepts "\t", "tab" and "space".
	Delimiter string        `json:"delimiter,omitempty"`
	Fields    []fieldUpdate `json:"fields"`
}

func (s *Server) handleImportFields(w http.ResponseWriter, r *http.Request) {
	j, err := s.lookupImport(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	var req fieldsRequest
	if err := decodeBody(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}

	if req.Delimiter != "" {
		delim := config.Options{"delimiter": req.Delimiter}.Rune("delimiter", ',')
		if _, err := j.sess.SetDelimiter(r.Context(), delim); err != nil {
			fail(w, r, err)
			return
		}
	}

	include := map[string]bool{}
	for _, f := range j.sess.Snapshot().Fields.CSV {
		include[f.Path] = f.Include
	}
	for _, f := range j.sess.Snapshot().Fields.JSON {
		include[f.Path] = f.Include
	}
	for _, u := range req.Fields {
		var typ probe.Type
		if u.Type != "" {
			t, err := probe.ParseType(u.Type)
			if err != nil {
				fail(w, r, &badRequest{err})
				return
			}
			typ = t
		}
		inc, ok := include[u.Path]
		if u.Include != nil {
			inc = *u.Include
		} else if !ok {
			inc = true
		}
		if err := j.sess.SetField(u.Path, typ, inc); err != nil {
			fail(w, r, err)
			return
		}
	}
	respondJSON(w, http.StatusOK, j.view())
}

type startImportRequest struct {
	StopOnErrors bool `json:"stopOnErrors"`
	IgnoreBlanks bool `json:"ignoreBlanks"`
}

func (s *Server) handleImportStart(w http.ResponseWriter, r *http.Request) {
	j, err := s.lookupImport(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	var req startImportRequest
	if err := decodeBody(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	switch j.sess.State() {
	case session.StateRunning:
		fail(w, r, session.ErrInProgress)
		return
	case session.StateOpened:
	default:
		fail(w, r, session.ErrNotOpened)
		return
	}
	j.background("start", func(ctx context.Context) error {
		_, err := j.sess.Start(ctx, session.RunOptions{
			StopOnErrors: req.StopOnErrors,
			IgnoreBlanks: req.IgnoreBlanks,
		})
		return err
	})
	respondJSON(w, http.StatusAccepted, j.view())
}

func (s *Server) handleImportCancel(w http.ResponseWriter, r *http.Request) {
	j, err := s.lookupImport(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	j.sess.Cancel()
	respondJSON(w, http.StatusAccepted, j.view())
}
