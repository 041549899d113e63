// Package pg implements the persistence interfaces on PostgreSQL through
// database/sql with the pgx driver.
package pg

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"caregrid.org/internal/authz"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

// Store is the PostgreSQL-backed persistence layer.
type Store struct {
	db *sql.DB
}

var _ authz.Store = (*Store)(nil)

// Open connects to PostgreSQL and applies pool settings.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing database handle. Used by tests.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Members() authz.MemberStore             { return (*pgMembers)(s) }
func (s *Store) Organizations() authz.OrganizationStore { return (*pgOrgs)(s) }
func (s *Store) Sessions() authz.SessionStore           { return (*pgSessions)(s) }
func (s *Store) Grants() authz.GrantStore               { return (*pgGrants)(s) }

// --- helpers ---

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func capsJSON(caps []authz.Capability) ([]byte, error) {
	if len(caps) == 0 {
		return []byte("[]"), nil
	}
	raw, err := json.Marshal(caps)
	if err != nil {
		return nil, fmt.Errorf("marshal capabilities: %w", err)
	}
	return raw, nil
}

func scanCaps(raw []byte) ([]authz.Capability, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var caps []authz.Capability
	if err := json.Unmarshal(raw, &caps); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	if len(caps) == 0 {
		return nil, nil
	}
	return caps, nil
}
