package server

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const sidCookieName = "sid"

var sidRandReader io.Reader = rand.Reader

// Principal is the authenticated identity. It is platform-global; tenant
// roles live on memberships, not here.
type Principal struct {
	ID               string
	Email            string
	Status           string
	KratosIdentityID string
}

type Session struct {
	PrincipalID string
	// TenantID is the tenant host the session was minted on, or "" for the
	// base domain. A sid presented on a different tenant host is invalid.
	TenantID  string
	ExpiresAt time.Time
	RevokedAt *time.Time
}

type sessionStore interface {
	Create(ctx context.Context, principalID string, tenantID string, expiresAt time.Time, ip string, userAgent string) (sid string, err error)
	Lookup(ctx context.Context, sid string) (Session, bool, error)
	Revoke(ctx context.Context, sid string) error
}

type principalStore interface {
	UpsertFromKratos(ctx context.Context, email string, kratosIdentityID string) (Principal, error)
	GetByID(ctx context.Context, principalID string) (Principal, bool, error)
}

func sidTTLFromEnv() time.Duration {
	const defaultHours = 24 * 14

	v := os.Getenv("SID_TTL_HOURS")
	if v == "" {
		return time.Hour * defaultHours
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return time.Hour * defaultHours
	}
	return time.Hour * time.Duration(n)
}

func newSID() (sid string, tokenSha256 []byte, err error) {
	var b [32]byte
	if _, err := sidRandReader.Read(b[:]); err != nil {
		return "", nil, err
	}
	sid = base64.RawURLEncoding.EncodeToString(b[:])
	sum := sha256.Sum256([]byte(sid))
	return sid, sum[:], nil
}

func readSID(r *http.Request) (string, bool) {
	c, err := r.Cookie(sidCookieName)
	if err != nil {
		return "", false
	}
	if c.Value == "" {
		return "", false
	}
	return c.Value, true
}

func setSIDCookie(w http.ResponseWriter, sid string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sidCookieName,
		Value:    sid,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearSIDCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sidCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

type memoryPrincipalStore struct {
	mu      sync.Mutex
	byEmail map[string]Principal
	byID    map[string]Principal
}

func newMemoryPrincipalStore() *memoryPrincipalStore {
	return &memoryPrincipalStore{
		byEmail: map[string]Principal{},
		byID:    map[string]Principal{},
	}
}

func (s *memoryPrincipalStore) UpsertFromKratos(_ context.Context, email string, kratosIdentityID string) (Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.byEmail[email]; ok {
		if p.Status != "active" {
			return Principal{}, errors.New("server: principal is not active")
		}
		if p.KratosIdentityID != "" && p.KratosIdentityID != kratosIdentityID {
			return Principal{}, errors.New("server: principal kratos identity mismatch")
		}
		if p.KratosIdentityID == "" {
			p.KratosIdentityID = kratosIdentityID
			s.byEmail[email] = p
			s.byID[p.ID] = p
		}
		return p, nil
	}

	var idb [16]byte
	if _, err := sidRandReader.Read(idb[:]); err != nil {
		return Principal{}, err
	}
	p := Principal{
		ID:               base64.RawURLEncoding.EncodeToString(idb[:]),
		Email:            email,
		Status:           "active",
		KratosIdentityID: kratosIdentityID,
	}
	s.byEmail[email] = p
	s.byID[p.ID] = p
	return p, nil
}

func (s *memoryPrincipalStore) GetByID(_ context.Context, principalID string) (Principal, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byID[principalID]
	return p, ok, nil
}

type memorySessionStore struct {
	mu    sync.Mutex
	bySID map[string]Session
}

func newMemorySessionStore() *memorySessionStore {
	return &memorySessionStore{bySID: map[string]Session{}}
}

func (s *memorySessionStore) Create(_ context.Context, principalID string, tenantID string, expiresAt time.Time, _ string, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sid, _, err := newSID()
	if err != nil {
		return "", err
	}
	s.bySID[sid] = Session{
		PrincipalID: principalID,
		TenantID:    tenantID,
		ExpiresAt:   expiresAt,
	}
	return sid, nil
}

func (s *memorySessionStore) Lookup(_ context.Context, sid string) (Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.bySID[sid]
	if !ok {
		return Session{}, false, nil
	}
	if v.RevokedAt != nil {
		return Session{}, false, nil
	}
	if time.Now().After(v.ExpiresAt) {
		return Session{}, false, nil
	}
	return v, true, nil
}

func (s *memorySessionStore) Revoke(_ context.Context, sid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.bySID, sid)
	return nil
}

type queryExecer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type pgPrincipalStore struct {
	q queryExecer
}

func newPrincipalStore(pool *pgxpool.Pool) principalStore {
	if pool == nil {
		return newMemoryPrincipalStore()
	}
	return &pgPrincipalStore{q: pool}
}

func (s *pgPrincipalStore) UpsertFromKratos(ctx context.Context, email string, kratosIdentityID string) (Principal, error) {
	var p Principal
	p.Email = email

	err := s.q.QueryRow(ctx, `
INSERT INTO iam.principals (email, status, kratos_identity_id)
VALUES ($1, 'active', $2::uuid)
ON CONFLICT (email) DO UPDATE SET
  kratos_identity_id = COALESCE(iam.principals.kratos_identity_id, EXCLUDED.kratos_identity_id),
  updated_at = now()
RETURNING id::text, status, COALESCE(kratos_identity_id::text, '');
`, email, kratosIdentityID).Scan(&p.ID, &p.Status, &p.KratosIdentityID)
	if err != nil {
		return Principal{}, err
	}
	if p.Status != "active" {
		return Principal{}, errors.New("server: principal is not active")
	}
	if p.KratosIdentityID != kratosIdentityID {
		return Principal{}, errors.New("server: principal kratos identity mismatch")
	}
	return p, nil
}

func (s *pgPrincipalStore) GetByID(ctx context.Context, principalID string) (Principal, bool, error) {
	var p Principal
	err := s.q.QueryRow(ctx, `
SELECT id::text, email, status, COALESCE(kratos_identity_id::text, '')
FROM iam.principals
WHERE id = $1;
`, principalID).Scan(&p.ID, &p.Email, &p.Status, &p.KratosIdentityID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Principal{}, false, nil
		}
		return Principal{}, false, err
	}
	return p, true, nil
}

type pgSessionStore struct {
	q queryExecer
}

func newSessionStore(pool *pgxpool.Pool) sessionStore {
	if pool == nil {
		return newMemorySessionStore()
	}
	return &pgSessionStore{q: pool}
}

func (s *pgSessionStore) Create(ctx context.Context, principalID string, tenantID string, expiresAt time.Time, ip string, userAgent string) (string, error) {
	sid, tokenSha256, err := newSID()
	if err != nil {
		return "", err
	}
	var tid any
	if tenantID != "" {
		tid = tenantID
	}
	_, err = s.q.Exec(ctx, `
INSERT INTO iam.sessions (token_sha256, principal_id, tenant_id, expires_at, ip, user_agent)
VALUES ($1, $2, $3, $4, $5, $6);
`, tokenSha256, principalID, tid, expiresAt, ip, userAgent)
	if err != nil {
		return "", err
	}
	return sid, nil
}

func (s *pgSessionStore) Lookup(ctx context.Context, sid string) (Session, bool, error) {
	sum := sha256.Sum256([]byte(sid))
	var out Session
	var revokedAt *time.Time
	err := s.q.QueryRow(ctx, `
SELECT principal_id::text, COALESCE(tenant_id::text, ''), expires_at, revoked_at
FROM iam.sessions
WHERE token_sha256 = $1;
`, sum[:]).Scan(&out.PrincipalID, &out.TenantID, &out.ExpiresAt, &revokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, false, nil
		}
		return Session{}, false, err
	}
	out.RevokedAt = revokedAt
	if out.RevokedAt != nil {
		return Session{}, false, nil
	}
	if time.Now().After(out.ExpiresAt) {
		return Session{}, false, nil
	}
	return out, true, nil
}

func (s *pgSessionStore) Revoke(ctx context.Context, sid string) error {
	if sid == "" {
		return nil
	}
	sum := sha256.Sum256([]byte(sid))
	_, err := s.q.Exec(ctx, `DELETE FROM iam.sessions WHERE token_sha256 = $1;`, sum[:])
	return err
}
