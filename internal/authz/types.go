package authz

import "time"

// Member is a principal in the tenancy graph.
type Member struct {
	ID            string       `json:"id"`
	Email         string       `json:"email"`
	Role          Role         `json:"role"`
	OrgID         string       `json:"org_id,omitempty"`
	CapAllow      []Capability `json:"cap_allow,omitempty"`
	CapDeny       []Capability `json:"cap_deny,omitempty"`
	PlatformOwner bool         `json:"platform_owner"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Organization is a tenant boundary with org-wide capability overrides.
type Organization struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	CapAllow  []Capability `json:"cap_allow,omitempty"`
	CapDeny   []Capability `json:"cap_deny,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Session is a short-lived proof of prior authentication. Only the hash of
// the token secret is persisted.
type Session struct {
	ID         string    `json:"id"`
	MemberID   string    `json:"member_id"`
	TokenHash  string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
}

// Usable reports whether the session is still valid at the given instant.
func (s *Session) Usable(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}

// GrantStatus is the state of a pending platform-owner grant. A grant leaves
// pending exactly once; the terminal states admit no further transitions.
type GrantStatus string

const (
	GrantPending   GrantStatus = "pending"
	GrantConfirmed GrantStatus = "confirmed"
	GrantExpired   GrantStatus = "expired"
	GrantCancelled GrantStatus = "cancelled"
)

// PendingGrant is a transient platform-owner escalation request.
type PendingGrant struct {
	ID            string      `json:"id"`
	RequestedBy   string      `json:"requested_by"`
	TargetID      string      `json:"target_id"`
	Status        GrantStatus `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
	ConfirmsAfter time.Time   `json:"confirms_after"`
	ExpiresAt     time.Time   `json:"expires_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}
