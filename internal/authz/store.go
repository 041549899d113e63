package authz

import (
	"context"
	"errors"
	"time"
)

// Storage-level sentinels. Services translate these into the typed Error
// taxonomy; stores never return *Error themselves.
var (
	ErrRecordNotFound = errors.New("authz: record not found")
	ErrDuplicate      = errors.New("authz: duplicate record")
	ErrNotPending     = errors.New("authz: grant is not pending")
	ErrOwnerExists    = errors.New("authz: a platform owner already exists")
)

// Store describes persistence operations required by the authorization core.
type Store interface {
	Members() MemberStore
	Organizations() OrganizationStore
	Sessions() SessionStore
	Grants() GrantStore
}

// MemberStore manages principals.
type MemberStore interface {
	Create(ctx context.Context, m *Member) error
	Find(ctx context.Context, id string) (*Member, error)
	FindByEmail(ctx context.Context, email string) (*Member, error)
	Update(ctx context.Context, m *Member) error
	CountPlatformOwners(ctx context.Context) (int, error)
	ListPlatformOwners(ctx context.Context) ([]*Member, error)
	// PromoteFirstOwner marks the member as an admin platform owner, but only
	// while no member anywhere holds the flag. The zero-owner check and the
	// write happen in the same unit of work; once any owner exists the call
	// returns ErrOwnerExists regardless of interleaving.
	PromoteFirstOwner(ctx context.Context, id string, at time.Time) error
}

// OrganizationStore manages tenant boundaries.
type OrganizationStore interface {
	Create(ctx context.Context, o *Organization) error
	Find(ctx context.Context, id string) (*Organization, error)
	Update(ctx context.Context, o *Organization) error
}

// SessionStore manages session credentials.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	Find(ctx context.Context, id string) (*Session, error)
	Touch(ctx context.Context, id string, usedAt time.Time) error
	Delete(ctx context.Context, id string) error
	DeleteByMember(ctx context.Context, memberID string) (int, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// GrantStore manages pending platform-owner grants.
type GrantStore interface {
	Create(ctx context.Context, g *PendingGrant) error
	Find(ctx context.Context, id string) (*PendingGrant, error)
	// Transition moves a grant from the expected status to a terminal one in a
	// single guarded write. It returns ErrNotPending when the grant is no
	// longer in the expected status; this is the sole concurrency guard of the
	// escalation machine.
	Transition(ctx context.Context, id string, from, to GrantStatus, at time.Time) error
	// Confirm moves a pending grant to confirmed and sets the target's owner
	// flag in the same unit of work. Either both writes land or neither does;
	// a failure leaves the grant pending and retryable.
	Confirm(ctx context.Context, id string, at time.Time) error
}
