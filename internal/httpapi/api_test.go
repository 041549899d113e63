package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"caregrid.org/internal/audit"
	"caregrid.org/internal/authz"
)

type testEnv struct {
	store *authz.MemoryStore
	svc   *authz.Service
	api   *API
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	store := authz.NewMemoryStore()
	log := audit.NewMemoryLog()
	svc, err := authz.NewService(store, audit.NewRecorder(log), log)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return &testEnv{
		store: store,
		svc:   svc,
		api:   New(svc, ReadyProbe{}, "test", opts...),
	}
}

func (e *testEnv) register(t *testing.T, email string, role authz.Role, orgID string) *authz.Member {
	t.Helper()
	m, err := e.svc.RegisterMember(context.Background(), email)
	if err != nil {
		t.Fatalf("RegisterMember: %v", err)
	}
	if role != authz.RoleUnverified || orgID != "" {
		m.Role = role
		m.OrgID = orgID
		if err := e.store.Members().Update(context.Background(), m); err != nil {
			t.Fatalf("set role/org: %v", err)
		}
	}
	return m
}

func (e *testEnv) token(t *testing.T, memberID string) string {
	t.Helper()
	token, _, err := e.svc.IssueSession(context.Background(), memberID)
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.api.Handler().ServeHTTP(w, r)
	return w
}

func TestHealthAndInfo(t *testing.T) {
	e := newTestEnv(t)
	if w := e.do(t, http.MethodGet, "/healthz", "", ""); w.Code != http.StatusOK {
		t.Fatalf("healthz: %d", w.Code)
	}
	if w := e.do(t, http.MethodGet, "/v1/info", "", ""); w.Code != http.StatusOK {
		t.Fatalf("info: %d", w.Code)
	}
}

func TestWhoAmI(t *testing.T) {
	e := newTestEnv(t)
	m := e.register(t, "c@clinic.test", authz.RoleClinician, "")
	token := e.token(t, m.ID)

	w := e.do(t, http.MethodGet, "/v1/session", token, "")
	if w.Code != http.StatusOK {
		t.Fatalf("whoami: %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		MemberID     string   `json:"member_id"`
		Role         string   `json:"role"`
		Capabilities []string `json:"capabilities"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.MemberID != m.ID || resp.Role != "clinician" || len(resp.Capabilities) == 0 {
		t.Fatalf("unexpected whoami response: %+v", resp)
	}
}

func TestMissingTokenIsUnauthorized(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodGet, "/v1/session", "", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("want 401, got %d", w.Code)
	}
	if rid := w.Header().Get("X-Request-Id"); rid == "" {
		t.Fatalf("missing request id header")
	}
}

func TestForbiddenDistinctFromUnauthorized(t *testing.T) {
	e := newTestEnv(t)
	patient := e.register(t, "p@clinic.test", authz.RolePatient, "")
	token := e.token(t, patient.ID)

	w := e.do(t, http.MethodPost, "/v1/orgs", token, `{"name":"north"}`)
	if w.Code != http.StatusForbidden {
		t.Fatalf("known caller without org:manage: want 403, got %d %s", w.Code, w.Body.String())
	}
}

func TestChangeRoleOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	org := &authz.Organization{ID: "o1", Name: "clinic"}
	if err := e.store.Organizations().Create(context.Background(), org); err != nil {
		t.Fatalf("create org: %v", err)
	}
	admin := e.register(t, "a@clinic.test", authz.RoleAdmin, org.ID)
	target := e.register(t, "t@clinic.test", authz.RolePatient, org.ID)
	token := e.token(t, admin.ID)

	w := e.do(t, http.MethodPut, "/v1/members/"+target.ID+"/role", token, `{"role":"staff"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("change role: %d %s", w.Code, w.Body.String())
	}

	if w := e.do(t, http.MethodPut, "/v1/members/"+target.ID+"/role", token, `{"role":"superuser"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("unknown role: want 400, got %d", w.Code)
	}
	if w := e.do(t, http.MethodPut, "/v1/members/missing/role", token, `{"role":"staff"}`); w.Code != http.StatusNotFound {
		t.Fatalf("missing target: want 404, got %d", w.Code)
	}
}

func TestRegisterMemberIgnoresOrgInBody(t *testing.T) {
	e := newTestEnv(t)
	org := &authz.Organization{ID: "o1", Name: "clinic", CapAllow: []authz.Capability{authz.CapRxWrite}}
	if err := e.store.Organizations().Create(context.Background(), org); err != nil {
		t.Fatalf("create org: %v", err)
	}

	// org_id is not part of the registration contract.
	w := e.do(t, http.MethodPost, "/v1/members", "", `{"email":"intruder@clinic.test","org_id":"o1"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("org_id in registration body: want 400, got %d %s", w.Code, w.Body.String())
	}

	w = e.do(t, http.MethodPost, "/v1/members", "", `{"email":"intruder@clinic.test"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", w.Code, w.Body.String())
	}
	var m authz.Member
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.OrgID != "" {
		t.Fatalf("self-registration must not attach an org, got %q", m.OrgID)
	}
}

func TestAssignOrgOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	org := &authz.Organization{ID: "o1", Name: "clinic"}
	if err := e.store.Organizations().Create(context.Background(), org); err != nil {
		t.Fatalf("create org: %v", err)
	}
	admin := e.register(t, "a@clinic.test", authz.RoleAdmin, org.ID)
	newcomer := e.register(t, "n@clinic.test", authz.RoleUnverified, "")
	adminToken := e.token(t, admin.ID)
	newcomerToken := e.token(t, newcomer.ID)

	// The newcomer cannot attach themselves.
	if w := e.do(t, http.MethodPut, "/v1/members/"+newcomer.ID+"/org", newcomerToken, `{"org_id":"o1"}`); w.Code != http.StatusForbidden {
		t.Fatalf("self-assign: want 403, got %d %s", w.Code, w.Body.String())
	}

	w := e.do(t, http.MethodPut, "/v1/members/"+newcomer.ID+"/org", adminToken, `{"org_id":"o1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("assign: %d %s", w.Code, w.Body.String())
	}
	var m authz.Member
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.OrgID != org.ID {
		t.Fatalf("org not attached: %+v", m)
	}
}

func TestGrantStatusMapping(t *testing.T) {
	e := newTestEnv(t)
	root := e.register(t, "root@clinic.test", authz.RoleUnverified, "")
	if _, err := e.svc.SeedOwner(context.Background(), root.Email); err != nil {
		t.Fatalf("SeedOwner: %v", err)
	}
	token := e.token(t, root.ID)
	target := e.register(t, "t@clinic.test", authz.RoleStaff, "")

	w := e.do(t, http.MethodPost, "/v1/admin/owner-grants", token,
		`{"target_id":"`+target.ID+`","phrase":"`+authz.GrantConfirmPhrase+`"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("request grant: %d %s", w.Code, w.Body.String())
	}
	var g authz.PendingGrant
	if err := json.Unmarshal(w.Body.Bytes(), &g); err != nil {
		t.Fatalf("decode grant: %v", err)
	}

	// Cooldown not elapsed.
	if w := e.do(t, http.MethodPost, "/v1/admin/owner-grants/"+g.ID+"/confirm", token, ""); w.Code != http.StatusTooEarly {
		t.Fatalf("early confirm: want 425, got %d %s", w.Code, w.Body.String())
	}

	// Cancel, then confirm the terminal grant.
	if w := e.do(t, http.MethodPost, "/v1/admin/owner-grants/"+g.ID+"/cancel", token, ""); w.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", w.Code, w.Body.String())
	}
	if w := e.do(t, http.MethodPost, "/v1/admin/owner-grants/"+g.ID+"/confirm", token, ""); w.Code != http.StatusConflict {
		t.Fatalf("confirm cancelled: want 409, got %d", w.Code)
	}

	// Second seed attempt.
	if w := e.do(t, http.MethodPost, "/v1/admin/owners/seed", token, `{"email":"t@clinic.test"}`); w.Code != http.StatusForbidden {
		t.Fatalf("second seed: want 403, got %d", w.Code)
	}
}

func TestExpiredGrantMapsToGone(t *testing.T) {
	store := authz.NewMemoryStore()
	log := audit.NewMemoryLog()
	now := time.Now()
	svc, err := authz.NewService(store, audit.NewRecorder(log), log,
		authz.WithGrantCooldown(time.Millisecond), authz.WithGrantWindow(time.Millisecond),
		authz.WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	api := New(svc, ReadyProbe{}, "test")
	e := &testEnv{store: store, svc: svc, api: api}

	root := e.register(t, "root@clinic.test", authz.RoleUnverified, "")
	if _, err := svc.SeedOwner(context.Background(), root.Email); err != nil {
		t.Fatalf("SeedOwner: %v", err)
	}
	token := e.token(t, root.ID)
	target := e.register(t, "t@clinic.test", authz.RoleStaff, "")

	g, err := svc.RequestGrant(context.Background(), token, target.ID, authz.GrantConfirmPhrase)
	if err != nil {
		t.Fatalf("RequestGrant: %v", err)
	}
	now = now.Add(time.Second)

	if w := e.do(t, http.MethodPost, "/v1/admin/owner-grants/"+g.ID+"/confirm", token, ""); w.Code != http.StatusGone {
		t.Fatalf("expired confirm: want 410, got %d %s", w.Code, w.Body.String())
	}
}

func TestDevSessionEndpointGated(t *testing.T) {
	e := newTestEnv(t)
	m := e.register(t, "p@clinic.test", authz.RolePatient, "")

	if w := e.do(t, http.MethodPost, "/v1/session", "", `{"member_id":"`+m.ID+`"}`); w.Code == http.StatusCreated {
		t.Fatalf("session minting must be disabled outside dev mode")
	}

	dev := newTestEnv(t, WithDevMode(true))
	dm := dev.register(t, "p@clinic.test", authz.RolePatient, "")
	w := dev.do(t, http.MethodPost, "/v1/session", "", `{"member_id":"`+dm.ID+`"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("dev session mint: %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(resp.Token, ".") {
		t.Fatalf("unexpected token shape: %q", resp.Token)
	}
}

func TestCheckEndpoint(t *testing.T) {
	e := newTestEnv(t)
	patient := e.register(t, "p@clinic.test", authz.RolePatient, "")
	token := e.token(t, patient.ID)

	w := e.do(t, http.MethodPost, "/v1/authz/check", token, `{"capability":"rx:read"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("check: %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		Allowed bool `json:"allowed"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Allowed {
		t.Fatalf("patient should hold rx:read")
	}

	w = e.do(t, http.MethodPost, "/v1/authz/check", token, `{"capability":"rx:write"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("check denied capability: %d", w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Allowed {
		t.Fatalf("patient must not hold rx:write")
	}

	if w := e.do(t, http.MethodPost, "/v1/authz/check", token, `{"capability":"nope"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("unknown capability: want 400, got %d", w.Code)
	}
}

func TestSecurityHeaders(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodGet, "/healthz", "", "")
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("missing hardening headers")
	}
	if w.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatalf("missing frame options header")
	}
}
