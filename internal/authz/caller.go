package authz

// CallerContext is the verified caller of a privileged request. It is produced
// once by the session resolver and passed by value into every subsequent
// check; nothing deeper in a call chain re-derives it from raw tokens.
type CallerContext struct {
	MemberID      string        `json:"member_id"`
	Email         string        `json:"email"`
	OrgID         string        `json:"org_id,omitempty"`
	Role          Role          `json:"role"`
	PlatformOwner bool          `json:"platform_owner"`
	Capabilities  CapabilitySet `json:"-"`
}

// Can reports whether the caller holds the capability.
func (c CallerContext) Can(capability Capability) bool {
	return c.Capabilities.Has(capability)
}

// CanAny reports whether the caller holds at least one of the capabilities.
func (c CallerContext) CanAny(caps ...Capability) bool {
	return c.Capabilities.HasAny(caps...)
}
