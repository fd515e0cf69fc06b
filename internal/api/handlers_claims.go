package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/movefund/release-service/internal/domain"
)

type athleteClaimAction func(ctx context.Context, claimID uuid.UUID, athleteID string) (*domain.Claim, error)

// ReserveChallengeHandler reserves a slot on a challenge for the calling athlete.
func (h *Handlers) ReserveChallengeHandler(w http.ResponseWriter, r *http.Request) {
	athleteID, ok := GetClerkUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not identify user from token")
		return
	}
	challengeID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	claim, err := h.service.ReserveChallenge(r.Context(), athleteID, challengeID)
	if err != nil {
		writeServiceError(w, "reserve_challenge", err)
		return
	}
	writeJSON(w, http.StatusCreated, claim)
}

func (h *Handlers) ConfirmClaimHandler(w http.ResponseWriter, r *http.Request) {
	h.athleteClaim(w, r, "confirm_claim", h.service.ConfirmClaim)
}

func (h *Handlers) SubmitClaimHandler(w http.ResponseWriter, r *http.Request) {
	h.athleteClaim(w, r, "submit_claim", h.service.SubmitClaim)
}

func (h *Handlers) CancelClaimHandler(w http.ResponseWriter, r *http.Request) {
	h.athleteClaim(w, r, "cancel_claim", h.service.CancelClaimForAthlete)
}

func (h *Handlers) athleteClaim(w http.ResponseWriter, r *http.Request, endpoint string, action athleteClaimAction) {
	athleteID, ok := GetClerkUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not identify user from token")
		return
	}
	claimID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	claim, err := action(r.Context(), claimID, athleteID)
	if err != nil {
		writeServiceError(w, endpoint, err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}
