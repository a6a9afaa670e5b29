package api

import (
	"errors"
	"io/fs"
	"net/http"

	"github.com/haohanyang/compass/internal/session"
	"github.com/haohanyang/compass/internal/storage"
)

var errNotFound = errors.New("session not found")

type badRequest struct{ err error }

func (e *badRequest) Error() string { return "bad request: " + e.err.Error() }
func (e *badRequest) Unwrap() error { return e.err }

// errorStatus maps session and storage errors to HTTP statuses.
func errorStatus(err error) int {
	var (
		br *badRequest
		fd *session.FormatDetectionError
		fa *session.FileAccessError
	)
	switch {
	case errors.Is(err, errNotFound):
		return http.StatusNotFound
	case errors.As(err, &br),
		errors.Is(err, storage.ErrInvalidNamespace),
		errors.Is(err, session.ErrUnknownField),
		errors.Is(err, session.ErrNotCSV):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrInProgress),
		errors.Is(err, session.ErrNotOpened):
		return http.StatusConflict
	case errors.As(err, &fd):
		return http.StatusUnprocessableEntity
	case errors.As(err, &fa):
		if errors.Is(err, fs.ErrNotExist) {
			return http.StatusNotFound
		}
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func errorCode(err error) string {
	var (
		br *badRequest
		fd *session.FormatDetectionError
		fa *session.FileAccessError
	)
	switch {
	case errors.Is(err, errNotFound):
		return "not_found"
	case errors.As(err, &br):
		return "bad_request"
	case errors.Is(err, storage.ErrInvalidNamespace):
		return "invalid_namespace"
	case errors.Is(err, session.ErrUnknownField):
		return "unknown_field"
	case errors.Is(err, session.ErrNotCSV):
		return "not_csv"
	case errors.Is(err, session.ErrInProgress):
		return "in_progress"
	case errors.Is(err, session.ErrNotOpened):
		return "not_opened"
	case errors.As(err, &fd):
		return "unknown_format"
	case errors.As(err, &fa):
		return "file_access"
	}
	return "internal"
}

// fail responds with the status errorStatus picks for err.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	respondError(w, r, err, errorStatus(err))
}
