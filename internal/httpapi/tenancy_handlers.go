package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"caregrid.org/internal/authz"
)

type registerMemberRequest struct {
	Email string `json:"email"`
}

type assignOrgRequest struct {
	OrgID string `json:"org_id"`
}

type createOrganizationRequest struct {
	Name string `json:"name"`
}

type changeRoleRequest struct {
	Role string `json:"role"`
}

type overridesRequest struct {
	Allow []authz.Capability `json:"allow"`
	Deny  []authz.Capability `json:"deny"`
}

func (a *API) handleRegisterMember(w http.ResponseWriter, r *http.Request) {
	var req registerMemberRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	m, err := a.svc.RegisterMember(r.Context(), req.Email)
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/members/%s", m.ID))
	writeJSON(w, http.StatusCreated, m)
}

func (a *API) handleAssignOrg(w http.ResponseWriter, r *http.Request) {
	var req assignOrgRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	m, err := a.svc.AssignOrg(r.Context(), bearerToken(r), r.PathValue("id"), req.OrgID)
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) handleChangeRole(w http.ResponseWriter, r *http.Request) {
	var req changeRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, ok := authz.ParseRole(req.Role)
	if !ok {
		writeError(w, r, http.StatusBadRequest, fmt.Sprintf("unknown role %q", req.Role))
		return
	}
	m, err := a.svc.ChangeRole(r.Context(), bearerToken(r), r.PathValue("id"), role)
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) handleMemberOverrides(w http.ResponseWriter, r *http.Request) {
	var req overridesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	m, err := a.svc.SetMemberOverrides(r.Context(), bearerToken(r), r.PathValue("id"), req.Allow, req.Deny)
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) handleCreateOrganization(w http.ResponseWriter, r *http.Request) {
	var req createOrganizationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	org, err := a.svc.CreateOrganization(r.Context(), bearerToken(r), req.Name)
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/orgs/%s", org.ID))
	writeJSON(w, http.StatusCreated, org)
}

func (a *API) handleOrgOverrides(w http.ResponseWriter, r *http.Request) {
	var req overridesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	org, err := a.svc.SetOrgOverrides(r.Context(), bearerToken(r), r.PathValue("id"), req.Allow, req.Deny)
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, org)
}

// handleCheck answers a capability question for the presented session without
// touching it. The response distinguishes allowed=false from a failed
// resolution: an unknown capability or missing session is an error, a known
// caller lacking the capability is a 200 with allowed=false.
func (a *API) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Capability string `json:"capability"`
		OrgID      string `json:"org_id"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	capability := authz.Capability(strings.TrimSpace(req.Capability))
	if !authz.KnownCapability(capability) {
		writeError(w, r, http.StatusBadRequest, fmt.Sprintf("unknown capability %q", req.Capability))
		return
	}
	caller, err := a.svc.PeekCaller(r.Context(), bearerToken(r))
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	allowed := caller.Can(capability)
	if req.OrgID != "" && !caller.PlatformOwner && caller.OrgID != req.OrgID {
		allowed = false
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"allowed":    allowed,
		"member_id":  caller.MemberID,
		"capability": capability,
	})
}
