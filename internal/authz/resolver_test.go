package authz

import "testing"

func TestComposePlatformOwnerGetsFullCatalog(t *testing.T) {
	m := &Member{
		ID:            "m1",
		Role:          RoleUnverified,
		PlatformOwner: true,
		CapDeny:       []Capability{CapRxWrite},
	}
	org := &Organization{ID: "o1", CapDeny: []Capability{CapRecordsRead}}

	set := Compose(m, org)
	if len(set) != len(Catalog()) {
		t.Fatalf("owner should hold the full catalog, got %v", set.List())
	}
	// The owner short circuit ignores deny lists entirely.
	if !set.Has(CapRxWrite) || !set.Has(CapRecordsRead) {
		t.Fatalf("owner set should ignore deny lists, got %v", set.List())
	}
}

func TestComposeRoleBundleOnly(t *testing.T) {
	m := &Member{ID: "m1", Role: RolePatient}
	set := Compose(m, nil)

	want := BundleFor(RolePatient)
	if len(set) != len(want) {
		t.Fatalf("patient with no overrides should get exactly the role bundle, got %v", set.List())
	}
	if set.Has(CapRxWrite) {
		t.Fatalf("patient should not hold %s", CapRxWrite)
	}
}

func TestComposeDenyWins(t *testing.T) {
	cases := []struct {
		name string
		m    *Member
		org  *Organization
	}{
		{
			name: "org allow vs member deny",
			m:    &Member{Role: RolePatient, CapDeny: []Capability{CapRxWrite}},
			org:  &Organization{CapAllow: []Capability{CapRxWrite}},
		},
		{
			name: "member allow vs org deny",
			m:    &Member{Role: RolePatient, CapAllow: []Capability{CapRxWrite}},
			org:  &Organization{CapDeny: []Capability{CapRxWrite}},
		},
		{
			name: "allow and deny at the same layer",
			m:    &Member{Role: RolePatient, CapAllow: []Capability{CapRxWrite}, CapDeny: []Capability{CapRxWrite}},
		},
		{
			name: "role bundle vs org deny",
			m:    &Member{Role: RoleClinician},
			org:  &Organization{CapDeny: []Capability{CapRxWrite}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if set := Compose(tc.m, tc.org); set.Has(CapRxWrite) {
				t.Fatalf("%s should be denied, got %v", CapRxWrite, set.List())
			}
		})
	}
}

func TestComposeOverridesAccumulate(t *testing.T) {
	m := &Member{Role: RolePatient, CapAllow: []Capability{CapScheduleManage}}
	org := &Organization{CapAllow: []Capability{CapRecordsWrite}}

	set := Compose(m, org)
	if !set.Has(CapScheduleManage) || !set.Has(CapRecordsWrite) {
		t.Fatalf("allow layers should accumulate, got %v", set.List())
	}
	if !set.Has(CapRecordsRead) {
		t.Fatalf("role bundle should persist under overrides, got %v", set.List())
	}
}

func TestResolverFailsClosed(t *testing.T) {
	store := NewMemoryStore()
	r := NewResolver(store)

	if set := r.Effective(t.Context(), "missing-member"); len(set) != 0 {
		t.Fatalf("unknown member must resolve to the empty set, got %v", set.List())
	}
}

func TestResolverMissingOrgDropsOrgLayers(t *testing.T) {
	store := NewMemoryStore()
	m := &Member{ID: "m1", Email: "p@clinic.test", Role: RolePatient, OrgID: "gone"}
	if err := store.Members().Create(t.Context(), m); err != nil {
		t.Fatalf("create member: %v", err)
	}

	r := NewResolver(store)
	set := r.Effective(t.Context(), "m1")
	want := BundleFor(RolePatient)
	if len(set) != len(want) {
		t.Fatalf("unloadable org should leave the role bundle intact, got %v", set.List())
	}
}
