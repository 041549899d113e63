package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"caregrid.org/internal/authz"
)

type pgMembers Store

func (s *pgMembers) Create(ctx context.Context, m *authz.Member) error {
	allow, err := capsJSON(m.CapAllow)
	if err != nil {
		return err
	}
	deny, err := capsJSON(m.CapDeny)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into members (id, email, role, org_id, cap_allow, cap_deny, platform_owner, created_at, updated_at)
		values ($1, $2, $3, nullif($4,''), $5, $6, $7, $8, $9)
	`, m.ID, m.Email, m.Role, m.OrgID, allow, deny, m.PlatformOwner, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return authz.ErrDuplicate
			case pgErrForeignKeyViolation:
				return authz.ErrRecordNotFound
			}
		}
		return err
	}
	return nil
}

func (s *pgMembers) Find(ctx context.Context, id string) (*authz.Member, error) {
	return s.findBy(ctx, `where id = $1`, id)
}

func (s *pgMembers) FindByEmail(ctx context.Context, email string) (*authz.Member, error) {
	return s.findBy(ctx, `where email = $1`, email)
}

func (s *pgMembers) findBy(ctx context.Context, where string, arg any) (*authz.Member, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, email, role, coalesce(org_id,''), cap_allow, cap_deny, platform_owner, created_at, updated_at
		from members `+where, arg)
	m, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, authz.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *pgMembers) Update(ctx context.Context, m *authz.Member) error {
	allow, err := capsJSON(m.CapAllow)
	if err != nil {
		return err
	}
	deny, err := capsJSON(m.CapDeny)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		update members
		set email = $2, role = $3, org_id = nullif($4,''), cap_allow = $5, cap_deny = $6,
		    platform_owner = $7, updated_at = $8
		where id = $1
	`, m.ID, m.Email, m.Role, m.OrgID, allow, deny, m.PlatformOwner, m.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return authz.ErrDuplicate
		}
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return authz.ErrRecordNotFound
	}
	return nil
}

func (s *pgMembers) CountPlatformOwners(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `select count(*) from members where platform_owner`).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// PromoteFirstOwner folds the zero-owner gate into the where clause so the
// check and the write cannot interleave with another seed attempt.
func (s *pgMembers) PromoteFirstOwner(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update members
		set platform_owner = true, role = $2, updated_at = $3
		where id = $1 and not exists (select 1 from members where platform_owner)
	`, id, authz.RoleAdmin, at)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `select exists(select 1 from members where platform_owner)`).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return authz.ErrOwnerExists
		}
		return authz.ErrRecordNotFound
	}
	return nil
}

func (s *pgMembers) ListPlatformOwners(ctx context.Context) ([]*authz.Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, email, role, coalesce(org_id,''), cap_allow, cap_deny, platform_owner, created_at, updated_at
		from members
		where platform_owner
		order by email
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*authz.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMember(row rowScanner) (*authz.Member, error) {
	var (
		m          authz.Member
		rawA, rawD []byte
	)
	if err := row.Scan(&m.ID, &m.Email, &m.Role, &m.OrgID, &rawA, &rawD, &m.PlatformOwner, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if m.CapAllow, err = scanCaps(rawA); err != nil {
		return nil, err
	}
	if m.CapDeny, err = scanCaps(rawD); err != nil {
		return nil, err
	}
	return &m, nil
}

type pgOrgs Store

func (s *pgOrgs) Create(ctx context.Context, o *authz.Organization) error {
	allow, err := capsJSON(o.CapAllow)
	if err != nil {
		return err
	}
	deny, err := capsJSON(o.CapDeny)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into organizations (id, name, cap_allow, cap_deny, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6)
	`, o.ID, o.Name, allow, deny, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return authz.ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *pgOrgs) Find(ctx context.Context, id string) (*authz.Organization, error) {
	var (
		o          authz.Organization
		rawA, rawD []byte
	)
	err := s.db.QueryRowContext(ctx, `
		select id, name, cap_allow, cap_deny, created_at, updated_at
		from organizations
		where id = $1
	`, id).Scan(&o.ID, &o.Name, &rawA, &rawD, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, authz.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	if o.CapAllow, err = scanCaps(rawA); err != nil {
		return nil, err
	}
	if o.CapDeny, err = scanCaps(rawD); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *pgOrgs) Update(ctx context.Context, o *authz.Organization) error {
	allow, err := capsJSON(o.CapAllow)
	if err != nil {
		return err
	}
	deny, err := capsJSON(o.CapDeny)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		update organizations
		set name = $2, cap_allow = $3, cap_deny = $4, updated_at = $5
		where id = $1
	`, o.ID, o.Name, allow, deny, o.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return authz.ErrDuplicate
		}
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return authz.ErrRecordNotFound
	}
	return nil
}

type pgSessions Store

func (s *pgSessions) Create(ctx context.Context, sess *authz.Session) error {
	_, err := s.db.ExecContext(ctx, `
		insert into sessions (id, member_id, token_hash, created_at, expires_at)
		values ($1, $2, $3, $4, $5)
	`, sess.ID, sess.MemberID, sess.TokenHash, sess.CreatedAt, sess.ExpiresAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return authz.ErrRecordNotFound
		}
		return err
	}
	return nil
}

func (s *pgSessions) Find(ctx context.Context, id string) (*authz.Session, error) {
	var (
		sess authz.Session
		used sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, member_id, token_hash, created_at, expires_at, last_used_at
		from sessions
		where id = $1
	`, id).Scan(&sess.ID, &sess.MemberID, &sess.TokenHash, &sess.CreatedAt, &sess.ExpiresAt, &used)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, authz.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	if used.Valid {
		sess.LastUsedAt = used.Time
	}
	return &sess, nil
}

func (s *pgSessions) Touch(ctx context.Context, id string, usedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `update sessions set last_used_at = $2 where id = $1`, id, usedAt)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return authz.ErrRecordNotFound
	}
	return nil
}

func (s *pgSessions) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from sessions where id = $1`, id)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return authz.ErrRecordNotFound
	}
	return nil
}

func (s *pgSessions) DeleteByMember(ctx context.Context, memberID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `delete from sessions where member_id = $1`, memberID)
	if err != nil {
		return 0, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(aff), nil
}

func (s *pgSessions) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `delete from sessions where expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(aff), nil
}

type pgGrants Store

func (s *pgGrants) Create(ctx context.Context, g *authz.PendingGrant) error {
	_, err := s.db.ExecContext(ctx, `
		insert into owner_grants (id, requested_by, target_id, status, created_at, confirms_after, expires_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, g.ID, g.RequestedBy, g.TargetID, g.Status, g.CreatedAt, g.ConfirmsAfter, g.ExpiresAt, g.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return authz.ErrRecordNotFound
		}
		return err
	}
	return nil
}

func (s *pgGrants) Find(ctx context.Context, id string) (*authz.PendingGrant, error) {
	var g authz.PendingGrant
	err := s.db.QueryRowContext(ctx, `
		select id, requested_by, target_id, status, created_at, confirms_after, expires_at, updated_at
		from owner_grants
		where id = $1
	`, id).Scan(&g.ID, &g.RequestedBy, &g.TargetID, &g.Status, &g.CreatedAt, &g.ConfirmsAfter, &g.ExpiresAt, &g.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, authz.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// Transition is the single guarded write that takes a grant out of its
// expected status. The where clause carries the guard; zero rows affected
// means another writer got there first.
func (s *pgGrants) Transition(ctx context.Context, id string, from, to authz.GrantStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update owner_grants
		set status = $3, updated_at = $4
		where id = $1 and status = $2
	`, id, from, to, at)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `select exists(select 1 from owner_grants where id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return authz.ErrRecordNotFound
		}
		return authz.ErrNotPending
	}
	return nil
}

// Confirm applies the pending->confirmed transition and the target's owner
// flag in one transaction. A failure anywhere rolls both writes back, so the
// grant stays pending and the caller can retry.
func (s *pgGrants) Confirm(ctx context.Context, id string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update owner_grants
		set status = $2, updated_at = $3
		where id = $1 and status = $4
	`, id, authz.GrantConfirmed, at, authz.GrantPending)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `select exists(select 1 from owner_grants where id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return authz.ErrRecordNotFound
		}
		return authz.ErrNotPending
	}

	res, err = tx.ExecContext(ctx, `
		update members
		set platform_owner = true, updated_at = $2
		where id = (select target_id from owner_grants where id = $1)
	`, id, at)
	if err != nil {
		return err
	}
	if aff, err = res.RowsAffected(); err != nil {
		return err
	}
	if aff == 0 {
		return authz.ErrRecordNotFound
	}
	return tx.Commit()
}
