package api

import (
	"net/http"

	"github.com/movefund/release-service/internal/domain"
)

func (h *Handlers) CreatePoolHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreatePoolRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	pool, err := h.service.CreatePool(r.Context(), req)
	if err != nil {
		writeServiceError(w, "create_pool", err)
		return
	}
	writeJSON(w, http.StatusCreated, pool)
}

// GetPoolHandler returns the pool balances with its ledger totals.
func (h *Handlers) GetPoolHandler(w http.ResponseWriter, r *http.Request) {
	poolID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	summary, err := h.service.GetPoolSummary(r.Context(), poolID)
	if err != nil {
		writeServiceError(w, "get_pool", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handlers) TopUpPoolHandler(w http.ResponseWriter, r *http.Request) {
	poolID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req domain.TopUpRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	pool, err := h.service.TopUpPool(r.Context(), poolID, req.AmountCents)
	if err != nil {
		writeServiceError(w, "topup_pool", err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

// RecordDonationHandler records a received donation and credits the donor pool.
func (h *Handlers) RecordDonationHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.DonationRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	donation, pool, err := h.service.RecordDonation(r.Context(), req)
	if err != nil {
		writeServiceError(w, "record_donation", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"donation": donation,
		"pool":     pool,
	})
}

func (h *Handlers) FundPartnerPoolHandler(w http.ResponseWriter, r *http.Request) {
	partnerID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req domain.PartnerFundingRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	pool, err := h.service.FundPartnerPool(r.Context(), partnerID, req)
	if err != nil {
		writeServiceError(w, "fund_partner_pool", err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}
