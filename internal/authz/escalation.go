package authz

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"caregrid.org/internal/audit"
	"caregrid.org/internal/ids"
)

// Confirmation phrases for the highest-privilege operations. The exact string
// must be supplied; any mismatch fails before other checks and is audited.
const (
	GrantConfirmPhrase  = "grant platform owner access"
	RevokeConfirmPhrase = "revoke platform owner access"
)

// SeedOwner bootstraps the first platform owner. It is permitted only while
// zero members hold the root bypass; once any owner exists every future call
// fails FORBIDDEN. The gate is one-way by construction: no code path clears
// the last owner flag (self-revoke is blocked), so recovery requires
// administrative intervention outside normal mutation paths.
func (s *Service) SeedOwner(ctx context.Context, email string) (*Member, error) {
	owners, err := s.store.Members().CountPlatformOwners(ctx)
	if err != nil {
		return nil, err
	}
	if owners > 0 {
		ferr := Forbidden("a platform owner already exists")
		s.recorder.Record(ctx, audit.Event{
			Action:  audit.ActionOwnerSeed,
			Success: false,
			Reason:  ferr.Reason,
		})
		return nil, ferr
	}

	m, err := s.store.Members().FindByEmail(ctx, normalizeEmail(email))
	if err != nil {
		nfe := NotFound("member not found")
		s.recorder.Record(ctx, audit.Event{
			Action:  audit.ActionOwnerSeed,
			Success: false,
			Reason:  nfe.Reason,
		})
		return nil, nfe
	}

	before := ownerSnapshot(m)
	now := s.now().UTC()
	// The store folds the zero-owner check into the write itself, so two
	// racing seeds cannot both pass the gate above.
	if err := s.store.Members().PromoteFirstOwner(ctx, m.ID, now); err != nil {
		if errors.Is(err, ErrOwnerExists) {
			ferr := Forbidden("a platform owner already exists")
			s.recorder.Record(ctx, audit.Event{
				Action:  audit.ActionOwnerSeed,
				Success: false,
				Reason:  ferr.Reason,
			})
			return nil, ferr
		}
		return nil, err
	}
	m.PlatformOwner = true
	m.Role = RoleAdmin
	m.UpdatedAt = now
	s.recorder.Record(ctx, audit.Event{
		Action:     audit.ActionOwnerSeed,
		ActorID:    m.ID,
		ActorOrgID: m.OrgID,
		TargetID:   m.ID,
		TargetType: "member",
		Diff:       &audit.Diff{Before: before, After: ownerSnapshot(m)},
		Success:    true,
	})
	return m, nil
}

// RequestGrant opens a two-phase platform-owner grant. The caller must hold
// the root bypass and supply the exact confirmation phrase; the grant becomes
// confirmable only after the cooldown and expires after the confirmation
// window.
func (s *Service) RequestGrant(ctx context.Context, token, targetID, phrase string) (*PendingGrant, error) {
	caller, err := s.ResolveCaller(ctx, token)
	if err != nil {
		s.auditFailure(ctx, audit.ActionOwnerGrantRequest, caller, targetID, "member", err)
		return nil, err
	}
	if !phraseMatches(phrase, GrantConfirmPhrase) {
		ferr := Forbidden("confirmation phrase mismatch")
		s.auditFailure(ctx, audit.ActionOwnerGrantRequest, caller, targetID, "member", ferr)
		return nil, ferr
	}
	if !caller.PlatformOwner {
		ferr := Forbidden("platform owner required")
		s.auditFailure(ctx, audit.ActionOwnerGrantRequest, caller, targetID, "member", ferr)
		return nil, ferr
	}

	target, err := s.store.Members().Find(ctx, targetID)
	if err != nil {
		nfe := NotFound("target member not found")
		s.auditFailure(ctx, audit.ActionOwnerGrantRequest, caller, targetID, "member", nfe)
		return nil, nfe
	}
	if target.PlatformOwner {
		cerr := Conflict("target already holds platform owner")
		s.auditFailure(ctx, audit.ActionOwnerGrantRequest, caller, targetID, "member", cerr)
		return nil, cerr
	}

	now := s.now().UTC()
	g := &PendingGrant{
		ID:            ids.New(),
		RequestedBy:   caller.MemberID,
		TargetID:      target.ID,
		Status:        GrantPending,
		CreatedAt:     now,
		ConfirmsAfter: now.Add(s.grantCooldown),
		ExpiresAt:     now.Add(s.grantCooldown + s.grantWindow),
		UpdatedAt:     now,
	}
	if err := s.store.Grants().Create(ctx, g); err != nil {
		return nil, err
	}
	s.recorder.Record(ctx, audit.Event{
		Action:     audit.ActionOwnerGrantRequest,
		ActorID:    caller.MemberID,
		ActorOrgID: caller.OrgID,
		TargetID:   target.ID,
		TargetType: "member",
		Success:    true,
		Reason:     fmt.Sprintf("grant %s confirmable after %s", g.ID, g.ConfirmsAfter.Format(time.RFC3339)),
	})
	return g, nil
}

// ConfirmGrant applies a pending grant. Only the original requester may
// confirm, only after the cooldown, only inside the confirmation window, and
// only once: the pending->confirmed transition is the concurrency guard.
func (s *Service) ConfirmGrant(ctx context.Context, token, grantID string) (*PendingGrant, error) {
	caller, err := s.ResolveCaller(ctx, token)
	if err != nil {
		s.auditFailure(ctx, audit.ActionOwnerGrantConfirm, caller, grantID, "grant", err)
		return nil, err
	}
	if !caller.PlatformOwner {
		ferr := Forbidden("platform owner required")
		s.auditFailure(ctx, audit.ActionOwnerGrantConfirm, caller, grantID, "grant", ferr)
		return nil, ferr
	}

	g, err := s.store.Grants().Find(ctx, grantID)
	if err != nil {
		nfe := NotFound("grant not found")
		s.auditFailure(ctx, audit.ActionOwnerGrantConfirm, caller, grantID, "grant", nfe)
		return nil, nfe
	}
	if g.RequestedBy != caller.MemberID {
		ferr := Forbidden("only original requester may confirm")
		s.auditFailure(ctx, audit.ActionOwnerGrantConfirm, caller, grantID, "grant", ferr)
		return nil, ferr
	}
	if g.Status != GrantPending {
		cerr := Conflict(fmt.Sprintf("grant is %s, not pending", g.Status))
		s.auditFailure(ctx, audit.ActionOwnerGrantConfirm, caller, grantID, "grant", cerr)
		return nil, cerr
	}

	now := s.now()
	if now.Before(g.ConfirmsAfter) {
		remaining := g.ConfirmsAfter.Sub(now).Round(time.Second)
		terr := TooEarly(fmt.Sprintf("cooldown not elapsed; retry in %s", remaining))
		s.auditFailure(ctx, audit.ActionOwnerGrantConfirm, caller, grantID, "grant", terr)
		return nil, terr
	}
	if now.After(g.ExpiresAt) {
		if err := s.store.Grants().Transition(ctx, g.ID, GrantPending, GrantExpired, now.UTC()); err == nil {
			g.Status = GrantExpired
		}
		eerr := Expired("confirmation window lapsed")
		s.auditFailure(ctx, audit.ActionOwnerGrantConfirm, caller, grantID, "grant", eerr)
		return nil, eerr
	}

	target, err := s.store.Members().Find(ctx, g.TargetID)
	if err != nil {
		nfe := NotFound("target member not found")
		s.auditFailure(ctx, audit.ActionOwnerGrantConfirm, caller, g.TargetID, "member", nfe)
		return nil, nfe
	}
	before := ownerSnapshot(target)

	// The transition and the owner flag land in one unit of work: a failure
	// leaves the grant pending and retryable, a concurrent confirm observes
	// non-pending status and fails CONFLICT.
	if err := s.store.Grants().Confirm(ctx, g.ID, now.UTC()); err != nil {
		if errors.Is(err, ErrNotPending) {
			cerr := Conflict("grant is no longer pending")
			s.auditFailure(ctx, audit.ActionOwnerGrantConfirm, caller, grantID, "grant", cerr)
			return nil, cerr
		}
		if errors.Is(err, ErrRecordNotFound) {
			nfe := NotFound("grant or target member not found")
			s.auditFailure(ctx, audit.ActionOwnerGrantConfirm, caller, grantID, "grant", nfe)
			return nil, nfe
		}
		return nil, err
	}
	g.Status = GrantConfirmed
	g.UpdatedAt = now.UTC()
	target.PlatformOwner = true
	target.UpdatedAt = now.UTC()
	s.recorder.Record(ctx, audit.Event{
		Action:     audit.ActionOwnerGrantConfirm,
		ActorID:    caller.MemberID,
		ActorOrgID: caller.OrgID,
		TargetID:   target.ID,
		TargetType: "member",
		Diff:       &audit.Diff{Before: before, After: ownerSnapshot(target)},
		Success:    true,
		Reason:     "grant " + g.ID,
	})
	return g, nil
}

// CancelGrant aborts a pending grant. Permitted by the original requester or
// any platform owner, only while pending.
func (s *Service) CancelGrant(ctx context.Context, token, grantID string) (*PendingGrant, error) {
	caller, err := s.ResolveCaller(ctx, token)
	if err != nil {
		s.auditFailure(ctx, audit.ActionOwnerGrantCancel, caller, grantID, "grant", err)
		return nil, err
	}

	g, err := s.store.Grants().Find(ctx, grantID)
	if err != nil {
		nfe := NotFound("grant not found")
		s.auditFailure(ctx, audit.ActionOwnerGrantCancel, caller, grantID, "grant", nfe)
		return nil, nfe
	}
	if g.RequestedBy != caller.MemberID && !caller.PlatformOwner {
		ferr := Forbidden("only the requester or a platform owner may cancel")
		s.auditFailure(ctx, audit.ActionOwnerGrantCancel, caller, grantID, "grant", ferr)
		return nil, ferr
	}

	now := s.now().UTC()
	if err := s.store.Grants().Transition(ctx, g.ID, GrantPending, GrantCancelled, now); err != nil {
		cerr := Conflict(fmt.Sprintf("grant is %s, not pending", g.Status))
		s.auditFailure(ctx, audit.ActionOwnerGrantCancel, caller, grantID, "grant", cerr)
		return nil, cerr
	}
	g.Status = GrantCancelled
	g.UpdatedAt = now
	s.recorder.Record(ctx, audit.Event{
		Action:     audit.ActionOwnerGrantCancel,
		ActorID:    caller.MemberID,
		ActorOrgID: caller.OrgID,
		TargetID:   g.TargetID,
		TargetType: "member",
		Success:    true,
		Reason:     "grant " + g.ID,
	})
	return g, nil
}

// RevokeOwner clears the root bypass from a member. Requires the root bypass,
// the exact revoke phrase, and a target distinct from the caller; self-revoke
// is unconditionally rejected to prevent total lockout.
func (s *Service) RevokeOwner(ctx context.Context, token, targetID, phrase string) (*Member, error) {
	caller, err := s.ResolveCaller(ctx, token)
	if err != nil {
		s.auditFailure(ctx, audit.ActionOwnerRevoke, caller, targetID, "member", err)
		return nil, err
	}
	if !phraseMatches(phrase, RevokeConfirmPhrase) {
		ferr := Forbidden("confirmation phrase mismatch")
		s.auditFailure(ctx, audit.ActionOwnerRevoke, caller, targetID, "member", ferr)
		return nil, ferr
	}
	if !caller.PlatformOwner {
		ferr := Forbidden("platform owner required")
		s.auditFailure(ctx, audit.ActionOwnerRevoke, caller, targetID, "member", ferr)
		return nil, ferr
	}
	if caller.MemberID == targetID {
		ferr := Forbidden("self-revoke is not permitted")
		s.auditFailure(ctx, audit.ActionOwnerRevoke, caller, targetID, "member", ferr)
		return nil, ferr
	}

	target, err := s.store.Members().Find(ctx, targetID)
	if err != nil {
		nfe := NotFound("target member not found")
		s.auditFailure(ctx, audit.ActionOwnerRevoke, caller, targetID, "member", nfe)
		return nil, nfe
	}
	if !target.PlatformOwner {
		cerr := Conflict("target does not hold platform owner")
		s.auditFailure(ctx, audit.ActionOwnerRevoke, caller, targetID, "member", cerr)
		return nil, cerr
	}

	before := ownerSnapshot(target)
	target.PlatformOwner = false
	target.UpdatedAt = s.now().UTC()
	if err := s.store.Members().Update(ctx, target); err != nil {
		return nil, err
	}
	s.recorder.Record(ctx, audit.Event{
		Action:     audit.ActionOwnerRevoke,
		ActorID:    caller.MemberID,
		ActorOrgID: caller.OrgID,
		TargetID:   target.ID,
		TargetType: "member",
		Diff:       &audit.Diff{Before: before, After: ownerSnapshot(target)},
		Success:    true,
	})
	return target, nil
}

// ListOwners returns every member holding the root bypass. Restricted to
// platform owners.
func (s *Service) ListOwners(ctx context.Context, token string) ([]*Member, error) {
	caller, err := s.ResolveCaller(ctx, token)
	if err != nil {
		return nil, err
	}
	if !caller.PlatformOwner {
		return nil, Forbidden("platform owner required")
	}
	return s.store.Members().ListPlatformOwners(ctx)
}

func phraseMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func ownerSnapshot(m *Member) map[string]any {
	return map[string]any{"platform_owner": m.PlatformOwner, "role": m.Role}
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
