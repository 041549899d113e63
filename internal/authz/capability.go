package authz

import (
	"sort"
	"strings"
)

// Capability identifies one permitted action class, formatted domain:action.
type Capability string

const (
	CapRecordsRead    Capability = "records:read"
	CapRecordsWrite   Capability = "records:write"
	CapRxRead         Capability = "rx:read"
	CapRxWrite        Capability = "rx:write"
	CapBillingRead    Capability = "billing:read"
	CapBillingManage  Capability = "billing:manage"
	CapMessagesSend   Capability = "messages:send"
	CapScheduleRead   Capability = "schedule:read"
	CapScheduleManage Capability = "schedule:manage"
	CapUserManage     Capability = "user:manage"
	CapOrgManage      Capability = "org:manage"
	CapAuditRead      Capability = "audit:read"
)

// catalog is the closed set of capabilities. Adding an entry here is the only
// change needed to introduce a capability: the admin bundle derives from it.
var catalog = []Capability{
	CapRecordsRead,
	CapRecordsWrite,
	CapRxRead,
	CapRxWrite,
	CapBillingRead,
	CapBillingManage,
	CapMessagesSend,
	CapScheduleRead,
	CapScheduleManage,
	CapUserManage,
	CapOrgManage,
	CapAuditRead,
}

// Catalog returns the full capability catalog in stable order.
func Catalog() []Capability {
	out := make([]Capability, len(catalog))
	copy(out, catalog)
	return out
}

// KnownCapability reports whether c is a catalog entry.
func KnownCapability(c Capability) bool {
	for _, k := range catalog {
		if k == c {
			return true
		}
	}
	return false
}

// CapabilitySet is the resolved set of capabilities a member holds.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from the given capabilities.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

// FullCapabilitySet returns a set holding the whole catalog.
func FullCapabilitySet() CapabilitySet {
	return NewCapabilitySet(catalog...)
}

// Has reports membership.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// HasAny reports whether any of the given capabilities is present.
func (s CapabilitySet) HasAny(caps ...Capability) bool {
	for _, c := range caps {
		if s.Has(c) {
			return true
		}
	}
	return false
}

func (s CapabilitySet) add(caps []Capability) {
	for _, c := range caps {
		s[c] = struct{}{}
	}
}

func (s CapabilitySet) remove(caps []Capability) {
	for _, c := range caps {
		delete(s, c)
	}
}

// List returns set members sorted lexicographically.
func (s CapabilitySet) List() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Role is a coarse-grained principal category with a default capability bundle.
type Role string

const (
	RoleUnverified Role = "unverified"
	RolePatient    Role = "patient"
	RoleStaff      Role = "staff"
	RoleClinician  Role = "clinician"
	RoleAdmin      Role = "admin"
)

// roleBundles maps each lesser role to its explicit default bundle. The admin
// bundle is derived from the catalog in BundleFor, never listed here, so a new
// capability reaches admins automatically and must be deliberately added to
// lesser roles.
var roleBundles = map[Role][]Capability{
	RoleUnverified: {},
	RolePatient: {
		CapRecordsRead,
		CapRxRead,
		CapBillingRead,
		CapMessagesSend,
		CapScheduleRead,
	},
	RoleStaff: {
		CapRecordsRead,
		CapBillingRead,
		CapMessagesSend,
		CapScheduleRead,
		CapScheduleManage,
	},
	RoleClinician: {
		CapRecordsRead,
		CapRecordsWrite,
		CapRxRead,
		CapRxWrite,
		CapMessagesSend,
		CapScheduleRead,
		CapScheduleManage,
	},
}

// BundleFor returns the default capability set for a role. Unrecognized roles
// resolve to the empty bundle; the typed Role enum makes that possible only
// for values deserialized at the persistence boundary.
func BundleFor(role Role) CapabilitySet {
	if role == RoleAdmin {
		return FullCapabilitySet()
	}
	caps, ok := roleBundles[role]
	if !ok {
		return CapabilitySet{}
	}
	return NewCapabilitySet(caps...)
}

// ParseRole maps an untrusted string to a Role. Unknown values are reported
// via ok=false and fall back to RoleUnverified-like empty access at resolve
// time rather than erroring.
func ParseRole(s string) (Role, bool) {
	switch Role(strings.TrimSpace(strings.ToLower(s))) {
	case RoleUnverified:
		return RoleUnverified, true
	case RolePatient:
		return RolePatient, true
	case RoleStaff:
		return RoleStaff, true
	case RoleClinician:
		return RoleClinician, true
	case RoleAdmin:
		return RoleAdmin, true
	}
	return Role(s), false
}

// ValidRole reports whether r is a member of the closed role enumeration.
func ValidRole(r Role) bool {
	if r == RoleAdmin {
		return true
	}
	_, ok := roleBundles[r]
	return ok
}
