package trust

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"database/sql"
	"encoding/base32"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/reliefops/xir/internal/apperr"
	"github.com/reliefops/xir/internal/protocol"
	"github.com/reliefops/xir/internal/seal"
	"github.com/reliefops/xir/internal/store"
)

// DefaultPairingValidity bounds how long a provisioning code stays
// usable. Pairing happens face to face; fifteen minutes is plenty.
const DefaultPairingValidity = 15 * time.Minute

var pairingEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Issue creates a certificate for a subject and signs it with the hub
// root key. It returns both the parsed certificate and the exact
// signed bytes to distribute.
func Issue(root *seal.Keypair, subjectID string, subjectKey ed25519.PublicKey, validity time.Duration, perms map[string]bool) (protocol.Certificate, []byte, error) {
	now := time.Now().UTC().Truncate(time.Second)
	cert := protocol.Certificate{
		SubjectID:   subjectID,
		PublicKey:   seal.EncodePublicKey(subjectKey),
		IssuedAt:    now,
		ExpiresAt:   now.Add(validity),
		Permissions: perms,
	}
	unsigned, err := json.Marshal(cert)
	if err != nil {
		return protocol.Certificate{}, nil, fmt.Errorf("trust: marshal certificate: %w", err)
	}
	sig, err := root.SignNamed(unsigned, "issuer_signature")
	if err != nil {
		return protocol.Certificate{}, nil, err
	}
	cert.IssuerSignature = sig
	raw, err := json.Marshal(cert)
	if err != nil {
		return protocol.Certificate{}, nil, fmt.Errorf("trust: marshal signed certificate: %w", err)
	}
	return cert, raw, nil
}

// Pairing is one short-lived provisioning grant created on the hub.
type Pairing struct {
	Code      string
	SubjectID string
	Secret    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Grant is the face-to-face provisioning payload a new node scans off
// the hub screen: its identity, its shared secret, and the hub's
// public keys. It never travels with a courier.
type Grant struct {
	Code      string    `json:"code"`
	SubjectID string    `json:"subject_id"`
	Secret    string    `json:"secret"`
	HubID     string    `json:"hub_id"`
	RootKey   string    `json:"root_key"`
	HubBoxKey string    `json:"hub_box_key"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreatePairing provisions a fresh secret for a subject behind a
// one-time code. validity <= 0 falls back to the default window.
func (s *Store) CreatePairing(ctx context.Context, subjectID string, validity time.Duration) (*Pairing, error) {
	if validity <= 0 {
		validity = DefaultPairingValidity
	}
	secret, err := seal.NewSecret()
	if err != nil {
		return nil, err
	}
	code, err := newPairingCode()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	p := &Pairing{
		Code:      code,
		SubjectID: subjectID,
		Secret:    secret,
		CreatedAt: now,
		ExpiresAt: now.Add(validity),
	}
	err = s.db.WithTx(ctx, func(ctx context.Context, tx store.DBTX) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pairings (code, subject_id, secret, created_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
			p.Code, p.SubjectID, p.Secret, p.CreatedAt, p.ExpiresAt); err != nil {
			return fmt.Errorf("trust: create pairing: %w", err)
		}
		// The hub can verify the subject's packets as soon as the code
		// exists; an unscanned code only wastes a row.
		return s.PutSecret(ctx, tx, subjectID, secret)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ConsumePairing redeems a one-time code. Expired and already-used
// codes fail; redemption marks the code used in the same transaction
// that reads it.
func (s *Store) ConsumePairing(ctx context.Context, code string, at time.Time) (*Pairing, error) {
	var p Pairing
	err := s.db.WithTx(ctx, func(ctx context.Context, tx store.DBTX) error {
		var used int
		err := tx.QueryRowContext(ctx, `
			SELECT code, subject_id, secret, created_at, expires_at, used FROM pairings WHERE code = ?`, code).
			Scan(&p.Code, &p.SubjectID, &p.Secret, &p.CreatedAt, &p.ExpiresAt, &used)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("trust: pairing code: %w", apperr.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("trust: load pairing: %w", err)
		}
		if used != 0 {
			return fmt.Errorf("trust: pairing code already used: %w", apperr.ErrNotFound)
		}
		if !at.Before(p.ExpiresAt) {
			return fmt.Errorf("trust: pairing code: %w", apperr.ErrPairingExpired)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE pairings SET used = 1 WHERE code = ?`, code); err != nil {
			return fmt.Errorf("trust: mark pairing used: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func newPairingCode() (string, error) {
	buf := make([]byte, 5)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("trust: read pairing code: %w", err)
	}
	return pairingEncoding.EncodeToString(buf), nil
}
