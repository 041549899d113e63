package authz

import "context"

// Compose computes the effective capability set for a member whose
// organization (if any) has already been loaded. Precedence is fixed:
//
//  1. platform owners get the full catalog, before any role or override logic
//  2. role bundle
//  3. organization capAllow, then member capAllow
//  4. organization capDeny, then member capDeny
//
// Deny lists are applied strictly after allow lists, so a capability present
// in any deny list is absent from the result regardless of where it was
// allowed.
func Compose(m *Member, org *Organization) CapabilitySet {
	if m == nil {
		return CapabilitySet{}
	}
	if m.PlatformOwner {
		return FullCapabilitySet()
	}

	set := BundleFor(m.Role)
	if org != nil {
		set.add(org.CapAllow)
	}
	set.add(m.CapAllow)
	if org != nil {
		set.remove(org.CapDeny)
	}
	set.remove(m.CapDeny)
	return set
}

// Resolver loads a member and computes their effective capability set.
type Resolver struct {
	store Store
}

// NewResolver constructs a Resolver over the given store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Effective resolves the member's capability set. Any failure to load the
// member yields the empty set; a failure to load the organization drops only
// the organization layers. The resolver fails closed, never open.
func (r *Resolver) Effective(ctx context.Context, memberID string) CapabilitySet {
	m, err := r.store.Members().Find(ctx, memberID)
	if err != nil || m == nil {
		return CapabilitySet{}
	}
	return r.EffectiveFor(ctx, m)
}

// EffectiveFor resolves the capability set for an already loaded member.
func (r *Resolver) EffectiveFor(ctx context.Context, m *Member) CapabilitySet {
	var org *Organization
	if m.OrgID != "" {
		if o, err := r.store.Organizations().Find(ctx, m.OrgID); err == nil {
			org = o
		}
	}
	return Compose(m, org)
}
