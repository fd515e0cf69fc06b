package api

import (
	"net/http"

	"github.com/movefund/release-service/internal/domain"
)

// CreateReleaseHandler runs the release engine for an approved claim.
// A fresh release answers 201; a replay of an existing one answers 200 with duplicate=true.
func (h *Handlers) CreateReleaseHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.ReleaseRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.service.CreateReleaseAndDebitPools(r.Context(), req)
	if err != nil {
		writeServiceError(w, "create_release", err)
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

// GetReleaseHandler returns the release and payable written for a claim.
func (h *Handlers) GetReleaseHandler(w http.ResponseWriter, r *http.Request) {
	claimID, err := pathUUID(r, "claimID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	release, payable, err := h.service.GetReleaseByClaimID(r.Context(), claimID)
	if err != nil {
		writeServiceError(w, "get_release", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"release": release,
		"payable": payable,
	})
}

// ApproveClaimHandler approves a submitted claim and releases its funds.
func (h *Handlers) ApproveClaimHandler(w http.ResponseWriter, r *http.Request) {
	claimID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req domain.ApproveClaimRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.service.ApproveClaim(r.Context(), claimID, req)
	if err != nil {
		writeServiceError(w, "approve_claim", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) RejectClaimHandler(w http.ResponseWriter, r *http.Request) {
	claimID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req domain.RejectClaimRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	claim, err := h.service.RejectClaim(r.Context(), claimID, req)
	if err != nil {
		writeServiceError(w, "reject_claim", err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

func (h *Handlers) ExpireClaimHandler(w http.ResponseWriter, r *http.Request) {
	claimID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	claim, err := h.service.ExpireClaim(r.Context(), claimID)
	if err != nil {
		writeServiceError(w, "expire_claim", err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

// AdminCancelClaimHandler cancels a claim regardless of which athlete holds it.
func (h *Handlers) AdminCancelClaimHandler(w http.ResponseWriter, r *http.Request) {
	claimID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	claim, err := h.service.CancelClaim(r.Context(), claimID, "")
	if err != nil {
		writeServiceError(w, "admin_cancel_claim", err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}
