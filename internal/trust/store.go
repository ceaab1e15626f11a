// Package trust holds the hub-issued certificates, revocations, and
// provisioned secrets a node relies on to decide who it is talking
// to. The hub is the only issuer; every node carries the hub root
// public key and validates against it.
package trust

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/reliefops/xir/internal/apperr"
	"github.com/reliefops/xir/internal/protocol"
	"github.com/reliefops/xir/internal/seal"
	"github.com/reliefops/xir/internal/store"
)

// Store is the node-local trust cache.
type Store struct {
	db      *store.DB
	rootPub ed25519.PublicKey
}

// New returns a trust store validating against rootPub.
func New(db *store.DB, rootPub ed25519.PublicKey) *Store {
	return &Store{db: db, rootPub: rootPub}
}

// RootPublicKey returns the hub root key this store trusts.
func (s *Store) RootPublicKey() ed25519.PublicKey {
	return s.rootPub
}

// StoredCert is a cached certificate plus the exact signed bytes it
// arrived in. Verification always reruns over Raw.
type StoredCert struct {
	Cert protocol.Certificate
	Raw  []byte
}

// PutCertificate caches a certificate. raw must be the signed wire
// bytes; they are kept verbatim for later re-verification. A newer
// certificate replaces an older one for the same subject; an older
// one is ignored rather than rolled back.
func (s *Store) PutCertificate(ctx context.Context, q store.DBTX, cert protocol.Certificate, raw []byte) error {
	perms, err := json.Marshal(cert.Permissions)
	if err != nil {
		return fmt.Errorf("trust: marshal permissions: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO certs (subject_id, public_key, issued_at, expires_at, permissions, raw)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(subject_id) DO UPDATE SET
			public_key = excluded.public_key,
			issued_at = excluded.issued_at,
			expires_at = excluded.expires_at,
			permissions = excluded.permissions,
			raw = excluded.raw
		WHERE excluded.issued_at > certs.issued_at`,
		cert.SubjectID, cert.PublicKey, cert.IssuedAt.UTC(), cert.ExpiresAt.UTC(), string(perms), string(raw))
	if err != nil {
		return fmt.Errorf("trust: put certificate: %w", err)
	}
	return nil
}

// Certificate loads the cached certificate for a subject.
func (s *Store) Certificate(ctx context.Context, subjectID string) (*StoredCert, error) {
	var (
		sc    StoredCert
		perms string
		raw   string
	)
	err := s.db.Conn().QueryRowContext(ctx, `
		SELECT subject_id, public_key, issued_at, expires_at, permissions, raw
		FROM certs WHERE subject_id = ?`, subjectID).
		Scan(&sc.Cert.SubjectID, &sc.Cert.PublicKey, &sc.Cert.IssuedAt, &sc.Cert.ExpiresAt, &perms, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("trust: subject %s: %w", subjectID, apperr.ErrUnknownSubject)
	}
	if err != nil {
		return nil, fmt.Errorf("trust: load certificate: %w", err)
	}
	if err := json.Unmarshal([]byte(perms), &sc.Cert.Permissions); err != nil {
		return nil, fmt.Errorf("trust: decode permissions: %w", err)
	}
	sc.Raw = []byte(raw)
	return &sc, nil
}

// Certificates lists every cached certificate, ordered by subject.
func (s *Store) Certificates(ctx context.Context) ([]StoredCert, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT subject_id, public_key, issued_at, expires_at, permissions, raw
		FROM certs ORDER BY subject_id`)
	if err != nil {
		return nil, fmt.Errorf("trust: list certificates: %w", err)
	}
	defer rows.Close()

	var out []StoredCert
	for rows.Next() {
		var (
			sc    StoredCert
			perms string
			raw   string
		)
		if err := rows.Scan(&sc.Cert.SubjectID, &sc.Cert.PublicKey, &sc.Cert.IssuedAt, &sc.Cert.ExpiresAt, &perms, &raw); err != nil {
			return nil, fmt.Errorf("trust: scan certificate: %w", err)
		}
		if err := json.Unmarshal([]byte(perms), &sc.Cert.Permissions); err != nil {
			return nil, fmt.Errorf("trust: decode permissions: %w", err)
		}
		sc.Raw = []byte(raw)
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trust: iterate certificates: %w", err)
	}
	return out, nil
}

// Revocations lists every recorded revocation.
func (s *Store) Revocations(ctx context.Context) ([]protocol.Revocation, error) {
	rows, err := s.db.Conn().QueryContext(ctx,
		`SELECT subject_id, revoked_at, reason FROM revocations ORDER BY subject_id, revoked_at`)
	if err != nil {
		return nil, fmt.Errorf("trust: list revocations: %w", err)
	}
	defer rows.Close()

	var out []protocol.Revocation
	for rows.Next() {
		var rev protocol.Revocation
		if err := rows.Scan(&rev.SubjectID, &rev.RevokedAt, &rev.Reason); err != nil {
			return nil, fmt.Errorf("trust: scan revocation: %w", err)
		}
		out = append(out, rev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trust: iterate revocations: %w", err)
	}
	return out, nil
}

// Revoke records a revocation. Revocations accumulate; there is no
// un-revoke.
func (s *Store) Revoke(ctx context.Context, q store.DBTX, rev protocol.Revocation) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO revocations (subject_id, revoked_at, reason) VALUES (?, ?, ?)
		ON CONFLICT(subject_id, revoked_at) DO NOTHING`,
		rev.SubjectID, rev.RevokedAt.UTC(), rev.Reason)
	if err != nil {
		return fmt.Errorf("trust: revoke: %w", err)
	}
	return nil
}

// latestRevocation returns the most recent revocation time for a
// subject, or zero when none exists.
func (s *Store) latestRevocation(ctx context.Context, subjectID string) (time.Time, error) {
	var at time.Time
	err := s.db.Conn().QueryRowContext(ctx,
		`SELECT revoked_at FROM revocations WHERE subject_id = ? ORDER BY revoked_at DESC LIMIT 1`,
		subjectID).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("trust: latest revocation: %w", err)
	}
	return at, nil
}

// IsValid runs the three mandatory checks on a subject's cached
// certificate: not expired at the given instant, not revoked (unless
// re-issued strictly after the revocation), and hub-signed. It
// returns the certificate only when all three pass.
func (s *Store) IsValid(ctx context.Context, subjectID string, at time.Time) (*StoredCert, error) {
	sc, err := s.Certificate(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if !at.Before(sc.Cert.ExpiresAt) {
		return nil, fmt.Errorf("trust: subject %s expired %s: %w",
			subjectID, sc.Cert.ExpiresAt.UTC().Format(time.RFC3339), apperr.ErrExpiredCertificate)
	}
	revokedAt, err := s.latestRevocation(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if !revokedAt.IsZero() && !sc.Cert.IssuedAt.After(revokedAt) {
		return nil, fmt.Errorf("trust: subject %s revoked %s: %w",
			subjectID, revokedAt.UTC().Format(time.RFC3339), apperr.ErrRevokedSubject)
	}
	field := "issuer_signature"
	if isPrescriberShape(sc.Raw) {
		field = "hub_signature"
	}
	if err := seal.VerifyField(sc.Raw, signatureOf(sc.Raw, field), s.rootPub, field); err != nil {
		return nil, fmt.Errorf("trust: subject %s: %w", subjectID, err)
	}
	return sc, nil
}

// SubjectKey returns the subject's public key after full validation.
func (s *Store) SubjectKey(ctx context.Context, subjectID string, at time.Time) (ed25519.PublicKey, error) {
	sc, err := s.IsValid(ctx, subjectID, at)
	if err != nil {
		return nil, err
	}
	return seal.ParsePublicKey(sc.Cert.PublicKey)
}

// ApplyCertUpdate merges a hub-signed CERT_UPDATE. The signature is
// checked here regardless of what the caller already verified; a
// wrongly signed update merges nothing. raw must be the wire bytes of
// the update so each cert's original encoding is preserved.
func (s *Store) ApplyCertUpdate(ctx context.Context, q store.DBTX, update *protocol.CertUpdate, raw []byte) error {
	if err := seal.Verify(raw, update.Signature, s.rootPub); err != nil {
		return fmt.Errorf("trust: cert update %s: %w", update.UpdateID, err)
	}
	var shape struct {
		Certs []json.RawMessage `json:"certs"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil {
		return fmt.Errorf("trust: cert update payload: %w", err)
	}
	if len(shape.Certs) != len(update.Certs) {
		return fmt.Errorf("trust: cert update %s: cert count mismatch", update.UpdateID)
	}
	for i, cert := range update.Certs {
		if err := s.PutCertificate(ctx, q, cert, shape.Certs[i]); err != nil {
			return err
		}
	}
	for _, rev := range update.Revocations {
		if err := s.Revoke(ctx, q, rev); err != nil {
			return err
		}
	}
	return nil
}

// PutSecret provisions the shared secret for a subject.
func (s *Store) PutSecret(ctx context.Context, q store.DBTX, subjectID, secret string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO secrets (subject_id, secret, created_at) VALUES (?, ?, ?)
		ON CONFLICT(subject_id) DO UPDATE SET secret = excluded.secret, created_at = excluded.created_at`,
		subjectID, secret, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("trust: put secret: %w", err)
	}
	return nil
}

// Secret returns the provisioned secret key bytes for a subject.
func (s *Store) Secret(ctx context.Context, subjectID string) ([]byte, error) {
	var hexSecret string
	err := s.db.Conn().QueryRowContext(ctx,
		`SELECT secret FROM secrets WHERE subject_id = ?`, subjectID).Scan(&hexSecret)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("trust: subject %s: %w", subjectID, apperr.ErrUnknownSubject)
	}
	if err != nil {
		return nil, fmt.Errorf("trust: load secret: %w", err)
	}
	return seal.DecodeSecret(hexSecret)
}

func isPrescriberShape(raw []byte) bool {
	var probe struct {
		PrescriberID *string `json:"prescriber_id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.PrescriberID != nil
}

func signatureOf(raw []byte, field string) string {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	var sig string
	if err := json.Unmarshal(m[field], &sig); err != nil {
		return ""
	}
	return sig
}
