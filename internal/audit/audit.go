// Package audit persists the append-only security event ledger. Events are
// recorded through an outbox so they survive rollback of the operation that
// produced them; visibility is therefore eventual, never immediate.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"caregrid.org/internal/ids"
	"caregrid.org/internal/obs"
)

// Action tags every security event with a closed enumeration value.
type Action string

const (
	ActionSessionIssue      Action = "session.issue"
	ActionSessionRevoke     Action = "session.revoke"
	ActionSessionRevokeAll  Action = "session.revoke_all"
	ActionMemberRegister    Action = "member.register"
	ActionMemberOrgAssign   Action = "member.org_assign"
	ActionRoleChange        Action = "member.role_change"
	ActionMemberCapOverride Action = "member.cap_override"
	ActionOrgCreate         Action = "org.create"
	ActionOrgCapOverride    Action = "org.cap_override"
	ActionOwnerSeed         Action = "owner.seed"
	ActionOwnerGrantRequest Action = "owner.grant_request"
	ActionOwnerGrantConfirm Action = "owner.grant_confirm"
	ActionOwnerGrantCancel  Action = "owner.grant_cancel"
	ActionOwnerRevoke       Action = "owner.revoke"
	// ActionPaymentFailure is emitted by the billing collaborators outside this
	// core; the tag lives here so the ledger enumeration stays closed.
	ActionPaymentFailure Action = "payment.failure"
)

// Diff captures the before/after shape of a mutated record.
type Diff struct {
	Before any `json:"before"`
	After  any `json:"after"`
}

// Event is one immutable security audit fact. Never updated or deleted once
// appended to the ledger.
type Event struct {
	ID         string    `json:"id"`
	Action     Action    `json:"action"`
	ActorID    string    `json:"actor_id,omitempty"`
	ActorOrgID string    `json:"actor_org_id,omitempty"`
	TargetID   string    `json:"target_id,omitempty"`
	TargetType string    `json:"target_type,omitempty"`
	Diff       *Diff     `json:"diff,omitempty"`
	Success    bool      `json:"success"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Outbox buffers events awaiting dispatch into the ledger.
type Outbox interface {
	Enqueue(ctx context.Context, e *Event) error
	PullPending(ctx context.Context, limit int) ([]*Event, error)
	MarkDispatched(ctx context.Context, eventIDs []string) error
}

// Ledger is the durable append-only event store.
type Ledger interface {
	Append(ctx context.Context, e *Event) error
	List(ctx context.Context, limit int) ([]*Event, error)
}

// Recorder is the write side handed to services. Record is best-effort from
// the caller's point of view: an enqueue failure is logged and counted but
// never fails the operation being audited.
type Recorder struct {
	outbox Outbox
	now    func() time.Time
}

// NewRecorder constructs a Recorder over the given outbox.
func NewRecorder(outbox Outbox) *Recorder {
	return &Recorder{outbox: outbox, now: time.Now}
}

// WithClock overrides the recorder time source. Test use only.
func (r *Recorder) WithClock(fn func() time.Time) *Recorder {
	if fn != nil {
		r.now = fn
	}
	return r
}

// Record enqueues one event as its own unit of work, decoupled from whatever
// transaction triggered it.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = r.now().UTC()
	}
	if err := r.outbox.Enqueue(ctx, &e); err != nil {
		obs.Logger().Error("audit: enqueue failed",
			zap.String("action", string(e.Action)),
			zap.Error(err))
		return
	}
	obs.Logger().Info("audit",
		zap.String("action", string(e.Action)),
		zap.String("actor_id", e.ActorID),
		zap.String("target_id", e.TargetID),
		zap.Bool("success", e.Success),
		zap.String("reason", e.Reason))
}
