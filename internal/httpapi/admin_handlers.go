package httpapi

import (
	"net/http"
	"strconv"
)

type seedOwnerRequest struct {
	Email string `json:"email"`
}

type grantRequest struct {
	TargetID string `json:"target_id"`
	Phrase   string `json:"phrase"`
}

type revokeOwnerRequest struct {
	TargetID string `json:"target_id"`
	Phrase   string `json:"phrase"`
}

func (a *API) handleSeedOwner(w http.ResponseWriter, r *http.Request) {
	var req seedOwnerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	m, err := a.svc.SeedOwner(r.Context(), req.Email)
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) handleListOwners(w http.ResponseWriter, r *http.Request) {
	owners, err := a.svc.ListOwners(r.Context(), bearerToken(r))
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"owners": owners})
}

func (a *API) handleRevokeOwner(w http.ResponseWriter, r *http.Request) {
	var req revokeOwnerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	m, err := a.svc.RevokeOwner(r.Context(), bearerToken(r), req.TargetID, req.Phrase)
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) handleRequestGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	g, err := a.svc.RequestGrant(r.Context(), bearerToken(r), req.TargetID, req.Phrase)
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (a *API) handleConfirmGrant(w http.ResponseWriter, r *http.Request) {
	g, err := a.svc.ConfirmGrant(r.Context(), bearerToken(r), r.PathValue("id"))
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (a *API) handleCancelGrant(w http.ResponseWriter, r *http.Request) {
	g, err := a.svc.CancelGrant(r.Context(), bearerToken(r), r.PathValue("id"))
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (a *API) handleSecurityEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}
	events, err := a.svc.ListSecurityEvents(r.Context(), bearerToken(r), limit)
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
