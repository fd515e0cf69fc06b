package api

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/movefund/release-service/internal/domain"
)

// ListPayablesHandler serves the payout process.
// Query: status=queued|paid, nonprofit_id, limit, offset.
func (h *Handlers) ListPayablesHandler(w http.ResponseWriter, r *http.Request) {
	var opts domain.PayableListOptions
	query := r.URL.Query()

	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		status := domain.PayableStatus(strings.ToLower(raw))
		if status != domain.PayableStatusQueued && status != domain.PayableStatusPaid {
			writeError(w, http.StatusBadRequest, "status must be queued or paid")
			return
		}
		opts.Status = &status
	}
	if raw := strings.TrimSpace(query.Get("nonprofit_id")); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid nonprofit_id")
			return
		}
		opts.NonprofitID = &id
	}

	var err error
	if opts.Limit, err = queryInt(r, "limit"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if opts.Offset, err = queryInt(r, "offset"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	payables, err := h.service.ListPayables(r.Context(), opts)
	if err != nil {
		writeServiceError(w, "list_payables", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"payables": payables})
}

// GetPayableHandler returns one payable so the payout process can check its status.
func (h *Handlers) GetPayableHandler(w http.ResponseWriter, r *http.Request) {
	payableID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	payable, err := h.service.GetPayable(r.Context(), payableID)
	if err != nil {
		writeServiceError(w, "get_payable", err)
		return
	}
	writeJSON(w, http.StatusOK, payable)
}

// MarkPayablePaidHandler flips a queued payable to paid. The body is optional.
func (h *Handlers) MarkPayablePaidHandler(w http.ResponseWriter, r *http.Request) {
	payableID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req domain.MarkPayablePaidRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	payable, err := h.service.MarkPayablePaid(r.Context(), payableID, req)
	if err != nil {
		writeServiceError(w, "mark_payable_paid", err)
		return
	}
	writeJSON(w, http.StatusOK, payable)
}
