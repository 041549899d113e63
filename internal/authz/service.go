package authz

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"caregrid.org/internal/audit"
	"caregrid.org/internal/ids"
	"caregrid.org/internal/obs"
)

const (
	defaultSessionTTL    = 60 * 24 * time.Hour
	defaultGrantCooldown = 60 * time.Second
	defaultGrantWindow   = 300 * time.Second
)

// ErrInvalidArgument marks malformed input (bad email, unknown role). It is
// not part of the security failure taxonomy; the HTTP layer maps it to 400.
var ErrInvalidArgument = errors.New("authz: invalid argument")

// Service provides session resolution, capability enforcement and the
// security-sensitive tenancy mutations.
type Service struct {
	store    Store
	resolver *Resolver
	recorder *audit.Recorder
	events   audit.Ledger
	now      func() time.Time

	sessionTTL    time.Duration
	grantCooldown time.Duration
	grantWindow   time.Duration
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithSessionTTL configures session lifetime.
func WithSessionTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.sessionTTL = ttl
		}
	}
}

// WithGrantCooldown configures the mandatory wait before a platform-owner
// grant may be confirmed.
func WithGrantCooldown(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.grantCooldown = d
		}
	}
}

// WithGrantWindow configures how long after the cooldown a grant stays
// confirmable.
func WithGrantWindow(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.grantWindow = d
		}
	}
}

// NewService constructs the authorization service.
func NewService(store Store, recorder *audit.Recorder, events audit.Ledger, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("authz: store is required")
	}
	if recorder == nil {
		return nil, errors.New("authz: audit recorder is required")
	}
	svc := &Service{
		store:         store,
		resolver:      NewResolver(store),
		recorder:      recorder,
		events:        events,
		now:           time.Now,
		sessionTTL:    defaultSessionTTL,
		grantCooldown: defaultGrantCooldown,
		grantWindow:   defaultGrantWindow,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Resolver exposes the capability resolver for collaborators that only read.
func (s *Service) Resolver() *Resolver {
	return s.resolver
}

// --- sessions ---

// IssueSession mints an opaque session credential for a member that has
// already been authenticated elsewhere. The returned token is the only copy;
// the store keeps just a hash.
func (s *Service) IssueSession(ctx context.Context, memberID string) (string, *Session, error) {
	m, err := s.store.Members().Find(ctx, memberID)
	if err != nil {
		return "", nil, NotFound("member not found")
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", nil, err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	sum := sha256.Sum256([]byte(secret))

	now := s.now().UTC()
	sess := &Session{
		ID:        ids.New(),
		MemberID:  m.ID,
		TokenHash: hex.EncodeToString(sum[:]),
		CreatedAt: now,
		ExpiresAt: now.Add(s.sessionTTL),
	}
	if err := s.store.Sessions().Create(ctx, sess); err != nil {
		return "", nil, err
	}
	s.recorder.Record(ctx, audit.Event{
		Action:     audit.ActionSessionIssue,
		ActorID:    m.ID,
		ActorOrgID: m.OrgID,
		TargetID:   sess.ID,
		TargetType: "session",
		Success:    true,
	})
	return sess.ID + "." + secret, sess, nil
}

// ResolveCaller exchanges a session credential for a verified caller context
// and touches the session's last-used time (best effort, never fatal).
func (s *Service) ResolveCaller(ctx context.Context, token string) (CallerContext, error) {
	return s.resolveCaller(ctx, token, true)
}

// PeekCaller is the read-only variant of ResolveCaller for code paths that
// must not mutate state.
func (s *Service) PeekCaller(ctx context.Context, token string) (CallerContext, error) {
	return s.resolveCaller(ctx, token, false)
}

func (s *Service) resolveCaller(ctx context.Context, token string, touch bool) (CallerContext, error) {
	m, _, err := s.resolveSession(ctx, token, touch)
	if err != nil {
		return CallerContext{}, err
	}
	return CallerContext{
		MemberID:      m.ID,
		Email:         m.Email,
		OrgID:         m.OrgID,
		Role:          m.Role,
		PlatformOwner: m.PlatformOwner,
		Capabilities:  s.resolver.EffectiveFor(ctx, m),
	}, nil
}

func (s *Service) resolveSession(ctx context.Context, token string, touch bool) (*Member, *Session, error) {
	id, secret, ok := splitSessionToken(token)
	if !ok {
		return nil, nil, Unauthorized("missing or malformed session token")
	}
	// Session ids are always minted here; anything that does not parse as one
	// is rejected before touching the store.
	if !ids.Valid(id) {
		return nil, nil, Unauthorized("unknown session")
	}
	sess, err := s.store.Sessions().Find(ctx, id)
	if err != nil {
		// Lookup failures deny like unknown tokens; the resolver fails closed.
		return nil, nil, Unauthorized("unknown session")
	}
	sum := sha256.Sum256([]byte(secret))
	if subtle.ConstantTimeCompare([]byte(sess.TokenHash), []byte(hex.EncodeToString(sum[:]))) != 1 {
		return nil, nil, Unauthorized("unknown session")
	}
	if !sess.Usable(s.now()) {
		return nil, nil, Unauthorized("session expired")
	}
	m, err := s.store.Members().Find(ctx, sess.MemberID)
	if err != nil {
		return nil, nil, Unauthorized("unknown member")
	}
	if touch {
		// Best effort; a failed touch never fails resolution.
		_ = s.store.Sessions().Touch(ctx, sess.ID, s.now().UTC())
	}
	return m, sess, nil
}

// RevokeSession destroys the presented session credential (logout).
func (s *Service) RevokeSession(ctx context.Context, token string) error {
	m, sess, err := s.resolveSession(ctx, token, false)
	if err != nil {
		s.recorder.Record(ctx, audit.Event{
			Action:  audit.ActionSessionRevoke,
			Success: false,
			Reason:  reasonOf(err),
		})
		return err
	}
	if err := s.store.Sessions().Delete(ctx, sess.ID); err != nil {
		return err
	}
	s.recorder.Record(ctx, audit.Event{
		Action:     audit.ActionSessionRevoke,
		ActorID:    m.ID,
		ActorOrgID: m.OrgID,
		TargetID:   sess.ID,
		TargetType: "session",
		Success:    true,
	})
	return nil
}

// revokeMemberSessions force-revokes every session of a member, as done on
// role changes.
func (s *Service) revokeMemberSessions(ctx context.Context, actor CallerContext, memberID string) error {
	n, err := s.store.Sessions().DeleteByMember(ctx, memberID)
	if err != nil {
		return err
	}
	s.recorder.Record(ctx, audit.Event{
		Action:     audit.ActionSessionRevokeAll,
		ActorID:    actor.MemberID,
		ActorOrgID: actor.OrgID,
		TargetID:   memberID,
		TargetType: "member",
		Success:    true,
		Reason:     fmt.Sprintf("revoked %d sessions", n),
	})
	return nil
}

// SweepExpiredSessions lazily removes sessions past their expiry.
func (s *Service) SweepExpiredSessions(ctx context.Context) (int, error) {
	return s.store.Sessions().DeleteExpired(ctx, s.now())
}

// --- enforcement ---

// RequireCap resolves the caller and checks a single capability. A known
// caller lacking the capability fails FORBIDDEN, distinct from UNAUTHORIZED.
func (s *Service) RequireCap(ctx context.Context, token string, capability Capability) (CallerContext, error) {
	caller, err := s.ResolveCaller(ctx, token)
	if err != nil {
		obs.ObserveDecision("capability", false)
		return CallerContext{}, err
	}
	if !caller.Can(capability) {
		obs.ObserveDecision("capability", false)
		return CallerContext{}, Forbidden("missing capability %s", capability)
	}
	obs.ObserveDecision("capability", true)
	return caller, nil
}

// RequireAnyCap resolves the caller and checks that at least one of the
// capabilities is held.
func (s *Service) RequireAnyCap(ctx context.Context, token string, caps ...Capability) (CallerContext, error) {
	caller, err := s.ResolveCaller(ctx, token)
	if err != nil {
		obs.ObserveDecision("any_capability", false)
		return CallerContext{}, err
	}
	if !caller.CanAny(caps...) {
		obs.ObserveDecision("any_capability", false)
		return CallerContext{}, Forbidden("missing all of capabilities %v", caps)
	}
	obs.ObserveDecision("any_capability", true)
	return caller, nil
}

// RequireCapFor checks a capability for a directly supplied member id. It is
// the system-to-system variant for code paths that never see a session token;
// precedence rules are identical to the token-based checks.
func (s *Service) RequireCapFor(ctx context.Context, memberID string, capability Capability) (CallerContext, error) {
	set := s.resolver.Effective(ctx, memberID)
	if !set.Has(capability) {
		obs.ObserveDecision("capability", false)
		return CallerContext{}, Forbidden("missing capability %s", capability)
	}
	obs.ObserveDecision("capability", true)
	caller := CallerContext{MemberID: memberID, Capabilities: set}
	if m, err := s.store.Members().Find(ctx, memberID); err == nil {
		caller.Email = m.Email
		caller.OrgID = m.OrgID
		caller.Role = m.Role
		caller.PlatformOwner = m.PlatformOwner
	}
	return caller, nil
}

// RequireOrgScope ensures the caller belongs to the given organization. The
// root bypass is the single unconditional exception. Capability and org scope
// are orthogonal: holding user:manage does not widen scope.
func (s *Service) RequireOrgScope(ctx context.Context, token, orgID string) (CallerContext, error) {
	caller, err := s.ResolveCaller(ctx, token)
	if err != nil {
		obs.ObserveDecision("org_scope", false)
		return CallerContext{}, err
	}
	if err := orgScope(caller, orgID); err != nil {
		obs.ObserveDecision("org_scope", false)
		return CallerContext{}, err
	}
	obs.ObserveDecision("org_scope", true)
	return caller, nil
}

func orgScope(caller CallerContext, orgID string) error {
	if caller.PlatformOwner {
		return nil
	}
	if orgID == "" || caller.OrgID != orgID {
		return Forbidden("caller is outside organization scope")
	}
	return nil
}

// --- tenancy mutations ---

// RegisterMember creates a principal with role unverified, no organization and
// empty overrides. Registration is open, so it never attaches an organization:
// an org carries capability overrides, and joining one is a guarded mutation
// (AssignOrg), not something a self-registering caller picks for themselves.
func (s *Service) RegisterMember(ctx context.Context, email string) (*Member, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: valid email is required", ErrInvalidArgument)
	}
	now := s.now().UTC()
	m := &Member{
		ID:        ids.New(),
		Email:     email,
		Role:      RoleUnverified,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Members().Create(ctx, m); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, Conflict("email already registered")
		}
		return nil, err
	}
	s.recorder.Record(ctx, audit.Event{
		Action:     audit.ActionMemberRegister,
		ActorID:    m.ID,
		ActorOrgID: m.OrgID,
		TargetID:   m.ID,
		TargetType: "member",
		Success:    true,
	})
	return m, nil
}

// AssignOrg attaches an org-less member to an organization. Requires
// user:manage and org scope on the destination organization; the attachment
// brings the org's capability overrides with it, which is exactly why it is
// guarded. Members already inside an organization cannot be moved this way.
func (s *Service) AssignOrg(ctx context.Context, token, memberID, orgID string) (*Member, error) {
	caller, err := s.RequireCap(ctx, token, CapUserManage)
	if err == nil {
		if scopeErr := orgScope(caller, orgID); scopeErr != nil {
			err = scopeErr
		}
	}
	if err != nil {
		s.auditFailure(ctx, audit.ActionMemberOrgAssign, caller, memberID, "member", err)
		return nil, err
	}
	if orgID == "" {
		return nil, fmt.Errorf("%w: organization id is required", ErrInvalidArgument)
	}

	if _, err := s.store.Organizations().Find(ctx, orgID); err != nil {
		nfe := NotFound("organization not found")
		s.auditFailure(ctx, audit.ActionMemberOrgAssign, caller, memberID, "member", nfe)
		return nil, nfe
	}
	target, err := s.store.Members().Find(ctx, memberID)
	if err != nil {
		nfe := NotFound("member not found")
		s.auditFailure(ctx, audit.ActionMemberOrgAssign, caller, memberID, "member", nfe)
		return nil, nfe
	}
	if target.OrgID != "" {
		cerr := Conflict("member already belongs to an organization")
		s.auditFailure(ctx, audit.ActionMemberOrgAssign, caller, memberID, "member", cerr)
		return nil, cerr
	}

	before := map[string]any{"org_id": target.OrgID}
	target.OrgID = orgID
	target.UpdatedAt = s.now().UTC()
	if err := s.store.Members().Update(ctx, target); err != nil {
		return nil, err
	}
	s.recorder.Record(ctx, audit.Event{
		Action:     audit.ActionMemberOrgAssign,
		ActorID:    caller.MemberID,
		ActorOrgID: caller.OrgID,
		TargetID:   target.ID,
		TargetType: "member",
		Diff:       &audit.Diff{Before: before, After: map[string]any{"org_id": target.OrgID}},
		Success:    true,
	})
	return target, nil
}

// CreateOrganization creates a tenant. Requires org:manage.
func (s *Service) CreateOrganization(ctx context.Context, token, name string) (*Organization, error) {
	caller, err := s.RequireCap(ctx, token, CapOrgManage)
	if err != nil {
		s.auditFailure(ctx, audit.ActionOrgCreate, caller, "", "organization", err)
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: organization name is required", ErrInvalidArgument)
	}
	now := s.now().UTC()
	org := &Organization{ID: ids.New(), Name: name, CreatedAt: now, UpdatedAt: now}
	if err := s.store.Organizations().Create(ctx, org); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, Conflict("organization name already taken")
		}
		return nil, err
	}
	s.recorder.Record(ctx, audit.Event{
		Action:     audit.ActionOrgCreate,
		ActorID:    caller.MemberID,
		ActorOrgID: caller.OrgID,
		TargetID:   org.ID,
		TargetType: "organization",
		Success:    true,
	})
	return org, nil
}

// SetOrgOverrides replaces an organization's capability override lists.
// Requires org:manage and org scope on the target organization.
func (s *Service) SetOrgOverrides(ctx context.Context, token, orgID string, allow, deny []Capability) (*Organization, error) {
	caller, err := s.RequireCap(ctx, token, CapOrgManage)
	if err == nil {
		if scopeErr := orgScope(caller, orgID); scopeErr != nil {
			err = scopeErr
		}
	}
	if err != nil {
		s.auditFailure(ctx, audit.ActionOrgCapOverride, caller, orgID, "organization", err)
		return nil, err
	}

	org, err := s.store.Organizations().Find(ctx, orgID)
	if err != nil {
		s.auditFailure(ctx, audit.ActionOrgCapOverride, caller, orgID, "organization", NotFound("organization not found"))
		return nil, NotFound("organization not found")
	}

	before := overrideSnapshot(org.CapAllow, org.CapDeny)
	org.CapAllow = normalizeCaps(allow)
	org.CapDeny = normalizeCaps(deny)
	org.UpdatedAt = s.now().UTC()
	if err := s.store.Organizations().Update(ctx, org); err != nil {
		return nil, err
	}
	s.recorder.Record(ctx, audit.Event{
		Action:     audit.ActionOrgCapOverride,
		ActorID:    caller.MemberID,
		ActorOrgID: caller.OrgID,
		TargetID:   org.ID,
		TargetType: "organization",
		Diff:       &audit.Diff{Before: before, After: overrideSnapshot(org.CapAllow, org.CapDeny)},
		Success:    true,
	})
	return org, nil
}

// SetMemberOverrides replaces a member's capability override lists. Requires
// user:manage and org scope on the target's organization.
func (s *Service) SetMemberOverrides(ctx context.Context, token, memberID string, allow, deny []Capability) (*Member, error) {
	caller, err := s.RequireCap(ctx, token, CapUserManage)
	if err != nil {
		s.auditFailure(ctx, audit.ActionMemberCapOverride, caller, memberID, "member", err)
		return nil, err
	}

	target, err := s.store.Members().Find(ctx, memberID)
	if err != nil {
		s.auditFailure(ctx, audit.ActionMemberCapOverride, caller, memberID, "member", NotFound("member not found"))
		return nil, NotFound("member not found")
	}
	if scopeErr := s.targetScope(caller, target); scopeErr != nil {
		s.auditFailure(ctx, audit.ActionMemberCapOverride, caller, memberID, "member", scopeErr)
		return nil, scopeErr
	}

	before := overrideSnapshot(target.CapAllow, target.CapDeny)
	target.CapAllow = normalizeCaps(allow)
	target.CapDeny = normalizeCaps(deny)
	target.UpdatedAt = s.now().UTC()
	if err := s.store.Members().Update(ctx, target); err != nil {
		return nil, err
	}
	s.recorder.Record(ctx, audit.Event{
		Action:     audit.ActionMemberCapOverride,
		ActorID:    caller.MemberID,
		ActorOrgID: caller.OrgID,
		TargetID:   target.ID,
		TargetType: "member",
		Diff:       &audit.Diff{Before: before, After: overrideSnapshot(target.CapAllow, target.CapDeny)},
		Success:    true,
	})
	return target, nil
}

// ChangeRole moves a member to a new role and force-revokes their sessions.
// Requires user:manage and org scope on the target's organization. Failures
// are audited with the attempting actor, succeeding or not.
func (s *Service) ChangeRole(ctx context.Context, token, targetID string, newRole Role) (*Member, error) {
	caller, err := s.ResolveCaller(ctx, token)
	if err != nil {
		s.auditFailure(ctx, audit.ActionRoleChange, caller, targetID, "member", err)
		return nil, err
	}
	if !caller.Can(CapUserManage) {
		ferr := Forbidden("missing capability %s", CapUserManage)
		s.auditFailure(ctx, audit.ActionRoleChange, caller, targetID, "member", ferr)
		return nil, ferr
	}
	if !ValidRole(newRole) {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidArgument, newRole)
	}

	target, err := s.store.Members().Find(ctx, targetID)
	if err != nil {
		nfe := NotFound("member not found")
		s.auditFailure(ctx, audit.ActionRoleChange, caller, targetID, "member", nfe)
		return nil, nfe
	}
	if scopeErr := s.targetScope(caller, target); scopeErr != nil {
		s.auditFailure(ctx, audit.ActionRoleChange, caller, targetID, "member", scopeErr)
		return nil, scopeErr
	}

	before := map[string]any{"role": target.Role}
	target.Role = newRole
	target.UpdatedAt = s.now().UTC()
	if err := s.store.Members().Update(ctx, target); err != nil {
		return nil, err
	}
	if err := s.revokeMemberSessions(ctx, caller, target.ID); err != nil {
		return nil, err
	}
	s.recorder.Record(ctx, audit.Event{
		Action:     audit.ActionRoleChange,
		ActorID:    caller.MemberID,
		ActorOrgID: caller.OrgID,
		TargetID:   target.ID,
		TargetType: "member",
		Diff:       &audit.Diff{Before: before, After: map[string]any{"role": target.Role}},
		Success:    true,
	})
	return target, nil
}

// ListSecurityEvents returns recent ledger entries, newest first. Restricted
// to platform owners.
func (s *Service) ListSecurityEvents(ctx context.Context, token string, limit int) ([]*audit.Event, error) {
	caller, err := s.ResolveCaller(ctx, token)
	if err != nil {
		return nil, err
	}
	if !caller.PlatformOwner {
		return nil, Forbidden("platform owner required")
	}
	if s.events == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return s.events.List(ctx, limit)
}

// --- helpers ---

// targetScope applies org scope against a target member. Targets without an
// organization are reachable only with the root bypass.
func (s *Service) targetScope(caller CallerContext, target *Member) error {
	if caller.PlatformOwner {
		return nil
	}
	if target.OrgID == "" {
		return Forbidden("caller is outside organization scope")
	}
	return orgScope(caller, target.OrgID)
}

func (s *Service) auditFailure(ctx context.Context, action audit.Action, caller CallerContext, targetID, targetType string, err error) {
	s.recorder.Record(ctx, audit.Event{
		Action:     action,
		ActorID:    caller.MemberID,
		ActorOrgID: caller.OrgID,
		TargetID:   targetID,
		TargetType: targetType,
		Success:    false,
		Reason:     reasonOf(err),
	})
}

func reasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

func overrideSnapshot(allow, deny []Capability) map[string]any {
	return map[string]any{"cap_allow": allow, "cap_deny": deny}
}

// normalizeCaps dedupes override lists and drops entries outside the closed
// catalog; an unknown capability can neither allow nor deny anything.
func normalizeCaps(caps []Capability) []Capability {
	if len(caps) == 0 {
		return nil
	}
	seen := make(map[Capability]struct{}, len(caps))
	out := make([]Capability, 0, len(caps))
	for _, c := range caps {
		c = Capability(strings.TrimSpace(string(c)))
		if c == "" || !KnownCapability(c) {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

func splitSessionToken(raw string) (id, secret string, ok bool) {
	raw = strings.TrimSpace(raw)
	parts := strings.Split(raw, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
