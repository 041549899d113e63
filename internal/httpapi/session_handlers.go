package httpapi

import (
	"net/http"
)

type issueSessionRequest struct {
	MemberID string `json:"member_id"`
}

// handleIssueSession mints a session for a member directly. Registered only in
// dev mode; production deployments get sessions from the authentication
// service.
func (a *API) handleIssueSession(w http.ResponseWriter, r *http.Request) {
	var req issueSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	token, sess, err := a.svc.IssueSession(r.Context(), req.MemberID)
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"token":      token,
		"session_id": sess.ID,
		"expires_at": sess.ExpiresAt,
	})
}

func (a *API) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	caller, err := a.svc.ResolveCaller(r.Context(), bearerToken(r))
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"member_id":      caller.MemberID,
		"email":          caller.Email,
		"org_id":         caller.OrgID,
		"role":           caller.Role,
		"platform_owner": caller.PlatformOwner,
		"capabilities":   caller.Capabilities.List(),
	})
}

func (a *API) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.RevokeSession(r.Context(), bearerToken(r)); err != nil {
		handleAuthzError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
