package authz

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"caregrid.org/internal/audit"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	store *MemoryStore
	log   *audit.MemoryLog
	clock *fakeClock
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := NewMemoryStore()
	log := audit.NewMemoryLog()
	clock := newFakeClock()
	svc, err := NewService(store, audit.NewRecorder(log).WithClock(clock.Now), log,
		WithClock(clock.Now),
		WithSessionTTL(60*24*time.Hour),
		WithGrantCooldown(60*time.Second),
		WithGrantWindow(300*time.Second),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return &fixture{store: store, log: log, clock: clock, svc: svc}
}

func (f *fixture) member(t *testing.T, email string, role Role, orgID string) *Member {
	t.Helper()
	m, err := f.svc.RegisterMember(context.Background(), email)
	if err != nil {
		t.Fatalf("RegisterMember(%s): %v", email, err)
	}
	if role != RoleUnverified || orgID != "" {
		m.Role = role
		m.OrgID = orgID
		if err := f.store.Members().Update(context.Background(), m); err != nil {
			t.Fatalf("set role/org: %v", err)
		}
	}
	return m
}

func (f *fixture) org(t *testing.T, name string) *Organization {
	t.Helper()
	org := &Organization{ID: "org-" + name, Name: name, CreatedAt: f.clock.Now(), UpdatedAt: f.clock.Now()}
	if err := f.store.Organizations().Create(context.Background(), org); err != nil {
		t.Fatalf("create org %s: %v", name, err)
	}
	return org
}

func (f *fixture) session(t *testing.T, memberID string) string {
	t.Helper()
	token, _, err := f.svc.IssueSession(context.Background(), memberID)
	if err != nil {
		t.Fatalf("IssueSession(%s): %v", memberID, err)
	}
	return token
}

// pendingEvents drains a snapshot of enqueued audit events for assertions.
func (f *fixture) pendingEvents(t *testing.T) []*audit.Event {
	t.Helper()
	events, err := f.log.PullPending(context.Background(), 0)
	if err != nil {
		t.Fatalf("PullPending: %v", err)
	}
	return events
}

func lastEvent(t *testing.T, events []*audit.Event, action audit.Action) *audit.Event {
	t.Helper()
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Action == action {
			return events[i]
		}
	}
	t.Fatalf("no %s event recorded", action)
	return nil
}

func TestResolveCallerRoundTrip(t *testing.T) {
	f := newFixture(t)
	org := f.org(t, "northside")
	m := f.member(t, "Doc@Clinic.Test", RoleClinician, org.ID)
	if m.Email != "doc@clinic.test" {
		t.Fatalf("email not normalized: %s", m.Email)
	}

	token := f.session(t, m.ID)
	caller, err := f.svc.ResolveCaller(context.Background(), token)
	if err != nil {
		t.Fatalf("ResolveCaller: %v", err)
	}
	if caller.MemberID != m.ID || caller.OrgID != org.ID || caller.Role != RoleClinician {
		t.Fatalf("unexpected caller context: %+v", caller)
	}
	if !caller.Can(CapRxWrite) {
		t.Fatalf("clinician should hold %s", CapRxWrite)
	}
}

func TestResolveCallerRejectsBadTokens(t *testing.T) {
	f := newFixture(t)
	m := f.member(t, "p@clinic.test", RolePatient, "")
	token := f.session(t, m.ID)

	cases := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"malformed", "not-a-token"},
		{"garbage id", "not-a-session-id." + strings.Split(token, ".")[1]},
		{"unknown id", "01ARZ3NDEKTSV4RRFFQ69G5FAV." + strings.Split(token, ".")[1]},
		{"wrong secret", strings.Split(token, ".")[0] + ".bogus-secret"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.svc.ResolveCaller(context.Background(), tc.token); !IsCode(err, CodeUnauthorized) {
				t.Fatalf("want UNAUTHORIZED, got %v", err)
			}
		})
	}
}

func TestResolveCallerExpiredSession(t *testing.T) {
	f := newFixture(t)
	m := f.member(t, "p@clinic.test", RolePatient, "")
	token := f.session(t, m.ID)

	f.clock.Advance(60*24*time.Hour + time.Minute)
	if _, err := f.svc.ResolveCaller(context.Background(), token); !IsCode(err, CodeUnauthorized) {
		t.Fatalf("expired session should be UNAUTHORIZED, got %v", err)
	}
}

func TestResolveCallerTouchesSession(t *testing.T) {
	f := newFixture(t)
	m := f.member(t, "p@clinic.test", RolePatient, "")
	token := f.session(t, m.ID)
	id := strings.Split(token, ".")[0]

	f.clock.Advance(time.Hour)
	if _, err := f.svc.ResolveCaller(context.Background(), token); err != nil {
		t.Fatalf("ResolveCaller: %v", err)
	}
	sess, err := f.store.Sessions().Find(context.Background(), id)
	if err != nil {
		t.Fatalf("find session: %v", err)
	}
	if !sess.LastUsedAt.Equal(f.clock.Now()) {
		t.Fatalf("lastUsedAt not touched: %v", sess.LastUsedAt)
	}

	f.clock.Advance(time.Hour)
	if _, err := f.svc.PeekCaller(context.Background(), token); err != nil {
		t.Fatalf("PeekCaller: %v", err)
	}
	sess, _ = f.store.Sessions().Find(context.Background(), id)
	if sess.LastUsedAt.Equal(f.clock.Now()) {
		t.Fatalf("read-only resolution must not touch lastUsedAt")
	}
}

func TestRequireCapPatientCannotWriteRx(t *testing.T) {
	f := newFixture(t)
	m := f.member(t, "p@clinic.test", RolePatient, "")
	token := f.session(t, m.ID)

	if _, err := f.svc.RequireCap(context.Background(), token, CapRxRead); err != nil {
		t.Fatalf("patient should hold %s: %v", CapRxRead, err)
	}
	if _, err := f.svc.RequireCap(context.Background(), token, CapRxWrite); !IsCode(err, CodeForbidden) {
		t.Fatalf("want FORBIDDEN for %s, got %v", CapRxWrite, err)
	}
}

func TestRequireAnyCap(t *testing.T) {
	f := newFixture(t)
	m := f.member(t, "s@clinic.test", RoleStaff, "")
	token := f.session(t, m.ID)

	if _, err := f.svc.RequireAnyCap(context.Background(), token, CapRxWrite, CapScheduleManage); err != nil {
		t.Fatalf("staff holds schedule:manage, want success: %v", err)
	}
	if _, err := f.svc.RequireAnyCap(context.Background(), token, CapRxWrite, CapOrgManage); !IsCode(err, CodeForbidden) {
		t.Fatalf("want FORBIDDEN, got %v", err)
	}
}

func TestRequireCapForDirectIdentifier(t *testing.T) {
	f := newFixture(t)
	m := f.member(t, "c@clinic.test", RoleClinician, "")

	caller, err := f.svc.RequireCapFor(context.Background(), m.ID, CapRxWrite)
	if err != nil {
		t.Fatalf("RequireCapFor: %v", err)
	}
	if caller.MemberID != m.ID || caller.Role != RoleClinician {
		t.Fatalf("unexpected caller context: %+v", caller)
	}
	if _, err := f.svc.RequireCapFor(context.Background(), m.ID, CapOrgManage); !IsCode(err, CodeForbidden) {
		t.Fatalf("want FORBIDDEN, got %v", err)
	}
	if _, err := f.svc.RequireCapFor(context.Background(), "missing", CapRxRead); !IsCode(err, CodeForbidden) {
		t.Fatalf("unknown member must fail closed, got %v", err)
	}
}

func TestRequireOrgScope(t *testing.T) {
	f := newFixture(t)
	home := f.org(t, "home")
	other := f.org(t, "other")
	m := f.member(t, "a@clinic.test", RoleAdmin, home.ID)
	token := f.session(t, m.ID)

	if _, err := f.svc.RequireOrgScope(context.Background(), token, home.ID); err != nil {
		t.Fatalf("own org should pass: %v", err)
	}
	if _, err := f.svc.RequireOrgScope(context.Background(), token, other.ID); !IsCode(err, CodeForbidden) {
		t.Fatalf("foreign org must fail FORBIDDEN even for admins, got %v", err)
	}
	if _, err := f.svc.RequireOrgScope(context.Background(), token, ""); !IsCode(err, CodeForbidden) {
		t.Fatalf("empty org id must fail FORBIDDEN, got %v", err)
	}

	// The root bypass is the single exception.
	owner := f.member(t, "root@clinic.test", RoleAdmin, "")
	owner.PlatformOwner = true
	if err := f.store.Members().Update(context.Background(), owner); err != nil {
		t.Fatalf("update owner: %v", err)
	}
	ownerToken := f.session(t, owner.ID)
	if _, err := f.svc.RequireOrgScope(context.Background(), ownerToken, other.ID); err != nil {
		t.Fatalf("root bypass should cross org boundaries: %v", err)
	}
}

func TestChangeRoleSelfPromotionForbiddenAndAudited(t *testing.T) {
	f := newFixture(t)
	org := f.org(t, "clinic")
	patient := f.member(t, "p@clinic.test", RolePatient, org.ID)
	token := f.session(t, patient.ID)

	_, err := f.svc.ChangeRole(context.Background(), token, patient.ID, RoleAdmin)
	if !IsCode(err, CodeForbidden) {
		t.Fatalf("self-promotion must fail FORBIDDEN, got %v", err)
	}

	ev := lastEvent(t, f.pendingEvents(t), audit.ActionRoleChange)
	if ev.Success {
		t.Fatalf("failed role change must be audited as failure")
	}
	if ev.ActorID != patient.ID {
		t.Fatalf("audit actor = %q, want the attempting patient %q", ev.ActorID, patient.ID)
	}

	got, _ := f.store.Members().Find(context.Background(), patient.ID)
	if got.Role != RolePatient {
		t.Fatalf("role must be unchanged, got %s", got.Role)
	}
}

func TestChangeRoleRevokesTargetSessions(t *testing.T) {
	f := newFixture(t)
	org := f.org(t, "clinic")
	admin := f.member(t, "a@clinic.test", RoleAdmin, org.ID)
	target := f.member(t, "t@clinic.test", RolePatient, org.ID)
	adminToken := f.session(t, admin.ID)
	targetToken := f.session(t, target.ID)

	updated, err := f.svc.ChangeRole(context.Background(), adminToken, target.ID, RoleStaff)
	if err != nil {
		t.Fatalf("ChangeRole: %v", err)
	}
	if updated.Role != RoleStaff {
		t.Fatalf("role = %s, want %s", updated.Role, RoleStaff)
	}
	if _, err := f.svc.ResolveCaller(context.Background(), targetToken); !IsCode(err, CodeUnauthorized) {
		t.Fatalf("target sessions must be revoked on role change, got %v", err)
	}

	ev := lastEvent(t, f.pendingEvents(t), audit.ActionRoleChange)
	if !ev.Success || ev.Diff == nil {
		t.Fatalf("successful role change must carry a before/after diff")
	}
}

func TestChangeRoleOutOfOrgScope(t *testing.T) {
	f := newFixture(t)
	home := f.org(t, "home")
	other := f.org(t, "other")
	admin := f.member(t, "a@clinic.test", RoleAdmin, home.ID)
	target := f.member(t, "t@clinic.test", RolePatient, other.ID)
	token := f.session(t, admin.ID)

	if _, err := f.svc.ChangeRole(context.Background(), token, target.ID, RoleStaff); !IsCode(err, CodeForbidden) {
		t.Fatalf("cross-org role change must fail FORBIDDEN, got %v", err)
	}
}

func TestSetOrgOverridesDenyWinsEndToEnd(t *testing.T) {
	f := newFixture(t)
	org := f.org(t, "clinic")
	admin := f.member(t, "a@clinic.test", RoleAdmin, org.ID)
	patient := f.member(t, "p@clinic.test", RolePatient, org.ID)
	adminToken := f.session(t, admin.ID)

	// Org-wide allow of rx:write...
	if _, err := f.svc.SetOrgOverrides(context.Background(), adminToken, org.ID, []Capability{CapRxWrite}, nil); err != nil {
		t.Fatalf("SetOrgOverrides: %v", err)
	}
	// ...combined with a member-level deny of the same capability.
	if _, err := f.svc.SetMemberOverrides(context.Background(), adminToken, patient.ID, nil, []Capability{CapRxWrite}); err != nil {
		t.Fatalf("SetMemberOverrides: %v", err)
	}

	set := f.svc.Resolver().Effective(context.Background(), patient.ID)
	if set.Has(CapRxWrite) {
		t.Fatalf("member deny must beat org allow, got %v", set.List())
	}

	ev := lastEvent(t, f.pendingEvents(t), audit.ActionMemberCapOverride)
	if !ev.Success || ev.Diff == nil {
		t.Fatalf("override change must be audited with a diff")
	}
}

func TestSetOrgOverridesRequiresScope(t *testing.T) {
	f := newFixture(t)
	home := f.org(t, "home")
	other := f.org(t, "other")
	admin := f.member(t, "a@clinic.test", RoleAdmin, home.ID)
	token := f.session(t, admin.ID)

	_, err := f.svc.SetOrgOverrides(context.Background(), token, other.ID, []Capability{CapRxWrite}, nil)
	if !IsCode(err, CodeForbidden) {
		t.Fatalf("cross-org override must fail FORBIDDEN, got %v", err)
	}
	ev := lastEvent(t, f.pendingEvents(t), audit.ActionOrgCapOverride)
	if ev.Success {
		t.Fatalf("failed override change must be audited as failure")
	}
}

func TestRevokeSession(t *testing.T) {
	f := newFixture(t)
	m := f.member(t, "p@clinic.test", RolePatient, "")
	token := f.session(t, m.ID)

	if err := f.svc.RevokeSession(context.Background(), token); err != nil {
		t.Fatalf("RevokeSession: %v", err)
	}
	if _, err := f.svc.ResolveCaller(context.Background(), token); !IsCode(err, CodeUnauthorized) {
		t.Fatalf("revoked session must be UNAUTHORIZED, got %v", err)
	}
	if err := f.svc.RevokeSession(context.Background(), token); !IsCode(err, CodeUnauthorized) {
		t.Fatalf("double revoke must be UNAUTHORIZED, got %v", err)
	}
}

func TestSweepExpiredSessions(t *testing.T) {
	f := newFixture(t)
	m := f.member(t, "p@clinic.test", RolePatient, "")
	f.session(t, m.ID)
	f.session(t, m.ID)

	f.clock.Advance(61 * 24 * time.Hour)
	fresh := f.session(t, m.ID)

	n, err := f.svc.SweepExpiredSessions(context.Background())
	if err != nil {
		t.Fatalf("SweepExpiredSessions: %v", err)
	}
	if n != 2 {
		t.Fatalf("swept %d sessions, want 2", n)
	}
	if _, err := f.svc.ResolveCaller(context.Background(), fresh); err != nil {
		t.Fatalf("fresh session must survive the sweep: %v", err)
	}
}

func TestRegisterMemberDuplicateEmail(t *testing.T) {
	f := newFixture(t)
	f.member(t, "p@clinic.test", RolePatient, "")
	if _, err := f.svc.RegisterMember(context.Background(), "P@Clinic.Test"); !IsCode(err, CodeConflict) {
		t.Fatalf("duplicate email must CONFLICT, got %v", err)
	}
}

func TestRegisterMemberNeverAttachesOrg(t *testing.T) {
	f := newFixture(t)
	org := f.org(t, "clinic")
	org.CapAllow = []Capability{CapRxWrite}
	if err := f.store.Organizations().Update(context.Background(), org); err != nil {
		t.Fatalf("set org overrides: %v", err)
	}

	m, err := f.svc.RegisterMember(context.Background(), "newcomer@clinic.test")
	if err != nil {
		t.Fatalf("RegisterMember: %v", err)
	}
	if m.OrgID != "" {
		t.Fatalf("self-registration must not attach an org, got %q", m.OrgID)
	}
	set := f.svc.Resolver().Effective(context.Background(), m.ID)
	if len(set.List()) != 0 {
		t.Fatalf("fresh unverified member must hold nothing, got %v", set.List())
	}
}

func TestAssignOrgRequiresManagerScope(t *testing.T) {
	f := newFixture(t)
	home := f.org(t, "home")
	other := f.org(t, "other")
	admin := f.member(t, "a@clinic.test", RoleAdmin, home.ID)
	foreign := f.member(t, "fa@clinic.test", RoleAdmin, other.ID)
	newcomer := f.member(t, "n@clinic.test", RoleUnverified, "")
	adminToken := f.session(t, admin.ID)
	foreignToken := f.session(t, foreign.ID)

	// An admin cannot attach members to an organization they are not in.
	if _, err := f.svc.AssignOrg(context.Background(), foreignToken, newcomer.ID, home.ID); !IsCode(err, CodeForbidden) {
		t.Fatalf("cross-org assign must fail FORBIDDEN, got %v", err)
	}
	ev := lastEvent(t, f.pendingEvents(t), audit.ActionMemberOrgAssign)
	if ev.Success {
		t.Fatalf("refused assign must be audited as failure")
	}

	// Members cannot attach themselves.
	patient := f.member(t, "p@clinic.test", RolePatient, "")
	patientToken := f.session(t, patient.ID)
	if _, err := f.svc.AssignOrg(context.Background(), patientToken, patient.ID, home.ID); !IsCode(err, CodeForbidden) {
		t.Fatalf("self-assign without user:manage must fail FORBIDDEN, got %v", err)
	}

	assigned, err := f.svc.AssignOrg(context.Background(), adminToken, newcomer.ID, home.ID)
	if err != nil {
		t.Fatalf("AssignOrg: %v", err)
	}
	if assigned.OrgID != home.ID {
		t.Fatalf("org not attached: %+v", assigned)
	}

	// Attached members cannot be moved through the same path.
	if _, err := f.svc.AssignOrg(context.Background(), adminToken, newcomer.ID, home.ID); !IsCode(err, CodeConflict) {
		t.Fatalf("re-assign must CONFLICT, got %v", err)
	}
}

func TestListSecurityEventsOwnerOnly(t *testing.T) {
	f := newFixture(t)
	m := f.member(t, "p@clinic.test", RolePatient, "")
	token := f.session(t, m.ID)

	if _, err := f.svc.ListSecurityEvents(context.Background(), token, 10); !IsCode(err, CodeForbidden) {
		t.Fatalf("non-owner must be FORBIDDEN, got %v", err)
	}

	owner := f.member(t, "root@clinic.test", RoleAdmin, "")
	owner.PlatformOwner = true
	if err := f.store.Members().Update(context.Background(), owner); err != nil {
		t.Fatalf("update owner: %v", err)
	}
	ownerToken := f.session(t, owner.ID)

	// Ledger visibility is eventual: events appear only after dispatch.
	d := audit.NewDispatcher(f.log, f.log, time.Second, 100)
	if _, err := d.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	events, err := f.svc.ListSecurityEvents(context.Background(), ownerToken, 100)
	if err != nil {
		t.Fatalf("ListSecurityEvents: %v", err)
	}
	if len(events) == 0 {
		t.Fatalf("expected dispatched events in the ledger")
	}
}
