// Package httpapi exposes the authorization core over HTTP.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"caregrid.org/internal/authz"
	"caregrid.org/internal/obs"
)

// ReadyProbe pings the database, when one is wired.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over the authorization service.
type API struct {
	mux        *http.ServeMux
	svc        *authz.Service
	readyProbe ReadyProbe
	version    string
	devMode    bool
	rateBurst  int
	ratePerSec int
}

// Option configures the API.
type Option func(*API)

// WithDevMode enables endpoints that must never reach production, such as
// direct session minting.
func WithDevMode(on bool) Option {
	return func(a *API) { a.devMode = on }
}

// WithRateLimit applies a per-IP token bucket across the whole surface.
func WithRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		a.rateBurst = burst
		a.ratePerSec = perSecond
	}
}

// New constructs the API and registers all routes.
func New(svc *authz.Service, rp ReadyProbe, version string, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		svc:        svc,
		readyProbe: rp,
		version:    version,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /v1/members", a.handleRegisterMember)
	a.mux.HandleFunc("PUT /v1/members/{id}/role", a.handleChangeRole)
	a.mux.HandleFunc("PUT /v1/members/{id}/org", a.handleAssignOrg)
	a.mux.HandleFunc("PUT /v1/members/{id}/overrides", a.handleMemberOverrides)

	a.mux.HandleFunc("POST /v1/orgs", a.handleCreateOrganization)
	a.mux.HandleFunc("PUT /v1/orgs/{id}/overrides", a.handleOrgOverrides)

	a.mux.HandleFunc("GET /v1/session", a.handleWhoAmI)
	a.mux.HandleFunc("DELETE /v1/session", a.handleRevokeSession)
	a.mux.HandleFunc("POST /v1/authz/check", a.handleCheck)
	if a.devMode {
		a.mux.HandleFunc("POST /v1/session", a.handleIssueSession)
	}

	a.mux.HandleFunc("POST /v1/admin/owners/seed", a.handleSeedOwner)
	a.mux.HandleFunc("GET /v1/admin/owners", a.handleListOwners)
	a.mux.HandleFunc("POST /v1/admin/owners/revoke", a.handleRevokeOwner)
	a.mux.HandleFunc("POST /v1/admin/owner-grants", a.handleRequestGrant)
	a.mux.HandleFunc("POST /v1/admin/owner-grants/{id}/confirm", a.handleConfirmGrant)
	a.mux.HandleFunc("POST /v1/admin/owner-grants/{id}/cancel", a.handleCancelGrant)
	a.mux.HandleFunc("GET /v1/admin/security-events", a.handleSecurityEvents)

	return a
}

// Handler returns the fully wrapped handler chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, 1<<20)
	h = SecurityHeaders(h)
	if a.ratePerSec > 0 {
		h = RateLimit(h, a.rateBurst, a.ratePerSec)
	}
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "caregrid-authz",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "caregrid-authz",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

// bearerToken extracts the session credential from the Authorization header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleAuthzError maps the failure taxonomy onto HTTP statuses.
func handleAuthzError(w http.ResponseWriter, r *http.Request, err error) {
	var ae *authz.Error
	if errors.As(err, &ae) {
		writeError(w, r, statusOf(ae.Code), ae.Reason)
		return
	}
	if errors.Is(err, authz.ErrInvalidArgument) {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	writeError(w, r, http.StatusInternalServerError, "operation failed")
}

func statusOf(code authz.Code) int {
	switch code {
	case authz.CodeUnauthorized:
		return http.StatusUnauthorized
	case authz.CodeForbidden:
		return http.StatusForbidden
	case authz.CodeNotFound:
		return http.StatusNotFound
	case authz.CodeConflict:
		return http.StatusConflict
	case authz.CodeTooEarly:
		return http.StatusTooEarly
	case authz.CodeExpired:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
