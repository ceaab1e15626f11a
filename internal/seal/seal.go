// Package seal implements the authenticity and confidentiality
// primitives of the exchange protocol: detached ed25519 signatures and
// HMAC tags over canonical JSON, and anonymous sealed encryption for
// payloads a courier must carry without reading.
package seal

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/nacl/box"

	"github.com/reliefops/xir/internal/apperr"
)

// Authenticity field names recognised on the wire. A payload carries
// exactly one of them.
const (
	FieldSignature = "signature"
	FieldHMAC      = "hmac"
)

const sealedOverhead = 32 + 24 + box.Overhead

// Sign computes the detached signature for a raw JSON payload:
// ed25519 over the canonical serialization with the signature field
// removed.
func Sign(raw []byte, priv ed25519.PrivateKey) (string, error) {
	return SignField(raw, priv, FieldSignature)
}

// SignField is Sign with a caller-chosen authenticity field name, for
// payloads whose signature lives under a different key.
func SignField(raw []byte, priv ed25519.PrivateKey, field string) (string, error) {
	msg, err := CanonicalWithout(raw, field)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, msg)), nil
}

// Verify checks a detached signature against the canonical payload.
// Any mismatch, malformed encoding included, is
// apperr.ErrSignatureInvalid: an attacker-controlled field never
// yields a softer outcome.
func Verify(raw []byte, sig string, pub ed25519.PublicKey) error {
	return VerifyField(raw, sig, pub, FieldSignature)
}

// VerifyField is Verify with a caller-chosen authenticity field name.
func VerifyField(raw []byte, sig string, pub ed25519.PublicKey, field string) error {
	msg, err := CanonicalWithout(raw, field)
	if err != nil {
		return err
	}
	sigRaw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return apperr.ErrSignatureInvalid
	}
	if len(pub) != ed25519.PublicKeySize || !ed25519.Verify(pub, msg, sigRaw) {
		return apperr.ErrSignatureInvalid
	}
	return nil
}

// ComputeHMAC tags a raw JSON payload with HMAC-SHA256 over its
// canonical serialization, hmac field excluded.
func ComputeHMAC(raw, secret []byte) (string, error) {
	msg, err := CanonicalWithout(raw, FieldHMAC)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(msg)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// VerifyHMAC checks a payload tag in constant time. Failures are
// apperr.ErrHMACInvalid.
func VerifyHMAC(raw []byte, tag string, secret []byte) error {
	msg, err := CanonicalWithout(raw, FieldHMAC)
	if err != nil {
		return err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(msg)
	want := mac.Sum(nil)
	got, err := base64.StdEncoding.DecodeString(tag)
	if err != nil {
		return apperr.ErrHMACInvalid
	}
	if !hmac.Equal(want, got) {
		return apperr.ErrHMACInvalid
	}
	return nil
}

// SealedEncrypt encrypts plaintext so that only the holder of the
// recipient private key can open it. Each call draws a fresh ephemeral
// X25519 keypair and a fresh random nonce; no key material is shared
// with the sender beforehand and the carrier learns nothing but the
// blob length. Layout: base64(ephemeral_pk || nonce || ciphertext).
func SealedEncrypt(plaintext []byte, recipient *[32]byte) (string, error) {
	epk, esk, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("seal: generate ephemeral key: %w", err)
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("seal: read nonce: %w", err)
	}
	out := make([]byte, 0, sealedOverhead+len(plaintext))
	out = append(out, epk[:]...)
	out = append(out, nonce[:]...)
	out = box.Seal(out, plaintext, &nonce, recipient, esk)
	return base64.StdEncoding.EncodeToString(out), nil
}

// SealedDecrypt opens a sealed blob with the recipient private key.
func SealedDecrypt(blob string, recipientPriv *[32]byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("seal: decode sealed blob: %w", err)
	}
	if len(raw) < sealedOverhead {
		return nil, fmt.Errorf("seal: sealed blob too short")
	}
	var epk [32]byte
	var nonce [24]byte
	copy(epk[:], raw[:32])
	copy(nonce[:], raw[32:56])
	plain, ok := box.Open(nil, raw[56:], &nonce, &epk, recipientPriv)
	if !ok {
		return nil, fmt.Errorf("seal: open sealed blob: authentication failed")
	}
	return plain, nil
}

// EncodePublicKey renders an ed25519 public key in its wire form.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

// ParsePublicKey parses the wire form of an ed25519 public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("seal: decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("seal: public key is %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// EncodeBoxPublicKey renders an X25519 public key in its wire form.
func EncodeBoxPublicKey(pub *[32]byte) string {
	return base64.StdEncoding.EncodeToString(pub[:])
}

// ParseBoxPublicKey parses the wire form of an X25519 public key.
func ParseBoxPublicKey(s string) (*[32]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("seal: decode box public key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("seal: box public key is %d bytes, want 32", len(raw))
	}
	var pub [32]byte
	copy(pub[:], raw)
	return &pub, nil
}

// NewSecret draws a fresh 32-byte shared secret for a provisioned
// pair, hex encoded for storage and transport inside sealed packets.
func NewSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("seal: read secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// DecodeSecret parses a hex shared secret into key bytes.
func DecodeSecret(s string) ([]byte, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("seal: decode secret: %w", err)
	}
	return raw, nil
}
