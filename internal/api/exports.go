package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/haohanyang/compass/internal/probe"
	"github.com/haohanyang/compass/internal/session"
)

type exportJob struct {
	job
	sess *session.ExportSession
}

func (j *exportJob) close() {
	j.cancel()
	j.sess.Close()
	j.wg.Wait()
}

type exportView struct {
	ID string `json:"id"`
	session.ExportSnapshot
	LastError string `json:"lastError,omitempty"`
}

func (j *exportJob) view() exportView {
	return exportView{ID: j.id, ExportSnapshot: j.sess.Snapshot(), LastError: j.err()}
}

func (s *Server) lookupExport(r *http.Request) (*exportJob, error) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.exports[id]
	if !ok {
		return nil, fmt.Errorf("%w: export %s", errNotFound, id)
	}
	return j, nil
}

type createExportRequest struct {
	Namespace string `json:"namespace"`
}

func (s *Server) handleExportCreate(w http.ResponseWriter, r *http.Request) {
	var req createExportRequest
	if err := decodeBody(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	sess := session.NewExport(s.store, s.cfg.Session)
	if _, err := sess.Open(r.Context(), req.Namespace); err != nil {
		fail(w, r, err)
		return
	}

	j := &exportJob{sess: sess}
	s.initJob(&j.job, "export")
	s.mu.Lock()
	s.exports[j.id] = j
	s.mu.Unlock()
	s.watch(j.ctx, j.id, sess.WatchConnection)

	log.Printf("api: export %s opened ns=%s", j.id, req.Namespace)
	respondJSON(w, http.StatusCreated, j.view())
}

func (s *Server) handleExportGet(w http.ResponseWriter, r *http.Request) {
	j, err := s.lookupExport(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, j.view())
}

func (s *Server) handleExportDelete(w http.ResponseWriter, r *http.Request) {
	j, err := s.lookupExport(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	s.mu.Lock()
	delete(s.exports, j.id)
	s.mu.Unlock()
	j.close()
	w.WriteHeader(http.StatusNoContent)
}

// handleExportAnalyze gathers the export field list in the background.
func (s *Server) handleExportAnalyze(w http.ResponseWriter, r *http.Request) {
	j, err := s.lookupExport(r)
	if err != nil {
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
	j.background("gather fields", func(ctx context.Context) error {
		_, err := j.sess.GatherFields(ctx)
		return err
	})
	respondJSON(w, http.StatusAccepted, j.view())
}

type exportFieldsRequest struct {
	Fields []string `json:"fields"`
}

func (s *Server) handleExportFields(w http.ResponseWriter, r *http.Request) {
	j, err := s.lookupExport(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	var req exportFieldsRequest
	if err := decodeBody(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	if err := j.sess.SetFields(req.Fields); err != nil {
		fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, j.view())
}

type startExportRequest struct {
	Destination string `json:"destination"`
	Format      string `json:"format"`
}

func (s *Server) handleExportStart(w http.ResponseWriter, r *http.Request) {
	j, err := s.lookupExport(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	var req startExportRequest
	if err := decodeBody(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	if req.Destination == "" {
		fail(w, r, &badRequest{fmt.Errorf("destination must not be empty")})
		return
	}
	format, err := probe.ParseFormat(req.Format)
	if err != nil || format == probe.FormatUnknown {
		fail(w, r, &badRequest{fmt.Errorf("format must be one of csv, json, jsonl")})
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
		_, err := j.sess.Start(ctx, req.Destination, session.ExportOptions{Format: format})
		return err
	})
	respondJSON(w, http.StatusAccepted, j.view())
}

func (s *Server) handleExportCancel(w http.ResponseWriter, r *http.Request) {
	j, err := s.lookupExport(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	j.sess.Cancel()
	respondJSON(w, http.StatusAccepted, j.view())
}
