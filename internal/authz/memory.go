package authz

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store, intended for tests and local development
// wiring. All methods are safe for concurrent use.
type MemoryStore struct {
	mu       sync.RWMutex
	members  map[string]*Member
	orgs     map[string]*Organization
	sessions map[string]*Session
	grants   map[string]*PendingGrant
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		members:  make(map[string]*Member),
		orgs:     make(map[string]*Organization),
		sessions: make(map[string]*Session),
		grants:   make(map[string]*PendingGrant),
	}
}

func (ms *MemoryStore) Members() MemberStore             { return (*memoryMembers)(ms) }
func (ms *MemoryStore) Organizations() OrganizationStore { return (*memoryOrgs)(ms) }
func (ms *MemoryStore) Sessions() SessionStore           { return (*memorySessions)(ms) }
func (ms *MemoryStore) Grants() GrantStore               { return (*memoryGrants)(ms) }

type memoryMembers MemoryStore

func (m *memoryMembers) Create(_ context.Context, mem *Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.members {
		if existing.Email == mem.Email {
			return ErrDuplicate
		}
	}
	cp := cloneMember(mem)
	m.members[mem.ID] = cp
	return nil
}

func (m *memoryMembers) Find(_ context.Context, id string) (*Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mem, ok := m.members[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return cloneMember(mem), nil
}

func (m *memoryMembers) FindByEmail(_ context.Context, email string) (*Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	email = strings.TrimSpace(strings.ToLower(email))
	for _, mem := range m.members {
		if mem.Email == email {
			return cloneMember(mem), nil
		}
	}
	return nil, ErrRecordNotFound
}

func (m *memoryMembers) Update(_ context.Context, mem *Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.members[mem.ID]; !ok {
		return ErrRecordNotFound
	}
	m.members[mem.ID] = cloneMember(mem)
	return nil
}

func (m *memoryMembers) CountPlatformOwners(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, mem := range m.members {
		if mem.PlatformOwner {
			n++
		}
	}
	return n, nil
}

func (m *memoryMembers) PromoteFirstOwner(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.members[id]
	if !ok {
		return ErrRecordNotFound
	}
	for _, existing := range m.members {
		if existing.PlatformOwner {
			return ErrOwnerExists
		}
	}
	mem.PlatformOwner = true
	mem.Role = RoleAdmin
	mem.UpdatedAt = at
	return nil
}

func (m *memoryMembers) ListPlatformOwners(_ context.Context) ([]*Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Member
	for _, mem := range m.members {
		if mem.PlatformOwner {
			out = append(out, cloneMember(mem))
		}
	}
	return out, nil
}

type memoryOrgs MemoryStore

func (m *memoryOrgs) Create(_ context.Context, o *Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.orgs {
		if existing.Name == o.Name {
			return ErrDuplicate
		}
	}
	m.orgs[o.ID] = cloneOrg(o)
	return nil
}

func (m *memoryOrgs) Find(_ context.Context, id string) (*Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orgs[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return cloneOrg(o), nil
}

func (m *memoryOrgs) Update(_ context.Context, o *Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orgs[o.ID]; !ok {
		return ErrRecordNotFound
	}
	m.orgs[o.ID] = cloneOrg(o)
	return nil
}

type memorySessions MemoryStore

func (m *memorySessions) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memorySessions) Find(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memorySessions) Touch(_ context.Context, id string, usedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrRecordNotFound
	}
	s.LastUsedAt = usedAt
	return nil
}

func (m *memorySessions) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrRecordNotFound
	}
	delete(m.sessions, id)
	return nil
}

func (m *memorySessions) DeleteByMember(_ context.Context, memberID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if s.MemberID == memberID {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *memorySessions) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if !s.Usable(now) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

type memoryGrants MemoryStore

func (m *memoryGrants) Create(_ context.Context, g *PendingGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *g
	m.grants[g.ID] = &cp
	return nil
}

func (m *memoryGrants) Find(_ context.Context, id string) (*PendingGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.grants[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *g
	return &cp, nil
}

func (m *memoryGrants) Transition(_ context.Context, id string, from, to GrantStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[id]
	if !ok {
		return ErrRecordNotFound
	}
	if g.Status != from {
		return ErrNotPending
	}
	g.Status = to
	g.UpdatedAt = at
	return nil
}

func (m *memoryGrants) Confirm(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[id]
	if !ok {
		return ErrRecordNotFound
	}
	if g.Status != GrantPending {
		return ErrNotPending
	}
	target, ok := m.members[g.TargetID]
	if !ok {
		return ErrRecordNotFound
	}
	g.Status = GrantConfirmed
	g.UpdatedAt = at
	target.PlatformOwner = true
	target.UpdatedAt = at
	return nil
}

func cloneMember(m *Member) *Member {
	cp := *m
	cp.CapAllow = append([]Capability(nil), m.CapAllow...)
	cp.CapDeny = append([]Capability(nil), m.CapDeny...)
	return &cp
}

func cloneOrg(o *Organization) *Organization {
	cp := *o
	cp.CapAllow = append([]Capability(nil), o.CapAllow...)
	cp.CapDeny = append([]Capability(nil), o.CapDeny...)
	return &cp
}
