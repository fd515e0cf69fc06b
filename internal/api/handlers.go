/**
 * @description
 * This file contains the shared plumbing for the release-service's HTTP handlers:
 * the handler set, JSON helpers, path parsing and the mapping from service errors
 * to HTTP status codes. Handlers parse requests, call the application service and
 * write the response; they hold no business rules of their own.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/store: For service logic and the errors it returns.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/movefund/release-service/internal/app"
	"github.com/movefund/release-service/internal/store"
)

const maxRequestBodyBytes = 1 << 20

// Handlers holds the application service that handlers will use.
type Handlers struct {
	service *app.Service
}

// NewHandlers creates a new instance of Handlers.
func NewHandlers(service *app.Service) *Handlers {
	return &Handlers{service: service}
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Printf("level=warn component=api msg=\"failed to encode response\" err=%v", err)
		}
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// decodeJSON reads the request body into dst. An empty body is accepted when allowEmpty is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}, allowEmpty bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) && allowEmpty {
		return nil
	}
	return err
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s %q", name, raw)
	}
	return id, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return v, nil
}

// statusForError maps service errors to HTTP status codes. Unknown errors are 500
// and their text is not leaked to the caller.
func statusForError(err error) (int, string) {
	var rateErr *app.RateLimitError
	switch {
	case errors.As(err, &rateErr):
		return http.StatusTooManyRequests, rateErr.Error()

	case errors.Is(err, app.ErrInsufficientBaseFunds),
		errors.Is(err, app.ErrPoolInactive):
		return http.StatusUnprocessableEntity, err.Error()

	case errors.Is(err, store.ErrPoolNotFound),
		errors.Is(err, store.ErrClaimNotFound),
		errors.Is(err, store.ErrChallengeNotFound),
		errors.Is(err, store.ErrReleaseNotFound),
		errors.Is(err, store.ErrPayableNotFound),
		errors.Is(err, store.ErrPartnerNotFound):
		return http.StatusNotFound, err.Error()

	case errors.Is(err, app.ErrInvalidClaimTransition),
		errors.Is(err, store.ErrActiveClaimExists),
		errors.Is(err, app.ErrChallengeUnavailable),
		errors.Is(err, app.ErrPartnerInactive):
		return http.StatusConflict, err.Error()

	case errors.Is(err, app.ErrReservationExpired):
		return http.StatusGone, err.Error()

	case errors.Is(err, app.ErrInvalidReleaseRequest),
		errors.Is(err, app.ErrInvalidAmount),
		errors.Is(err, app.ErrInvalidPoolDefinition),
		errors.Is(err, app.ErrNonprofitRequired),
		errors.Is(err, app.ErrReviewerRequired),
		errors.Is(err, app.ErrAthleteRequired),
		errors.Is(err, app.ErrPartnerPoolMismatch):
		return http.StatusBadRequest, err.Error()

	case errors.Is(err, store.ErrTransactionConflict):
		return http.StatusServiceUnavailable, "Concurrent update in progress; retry the request"
	}
	return http.StatusInternalServerError, "Internal server error"
}

// writeServiceError logs the failure under endpoint and writes the mapped response.
func writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	status, message := statusForError(err)

	var rateErr *app.RateLimitError
	if errors.As(err, &rateErr) {
		w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfterSeconds))
	}

	level := "warn"
	if status >= http.StatusInternalServerError {
		level = "error"
	}
	log.Printf("level=%s component=api endpoint=%s outcome=failed status=%d err=%v", level, endpoint, status, err)
	writeError(w, status, message)
}
