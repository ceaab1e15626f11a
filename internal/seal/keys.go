package seal

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

const (
	signKeyFile = "sign.key"
	boxKeyFile  = "box.key"
)

// Keypair is a node's long-term identity: an ed25519 pair for signing
// and an X25519 pair for sealed payloads addressed to this node.
// Private halves never leave the struct.
type Keypair struct {
	signPub  ed25519.PublicKey
	signPriv ed25519.PrivateKey
	boxPub   [32]byte
	boxPriv  [32]byte
}

// Generate creates a fresh identity without touching disk.
func Generate() (*Keypair, error) {
	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("seal: generate signing key: %w", err)
	}
	boxPub, boxPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("seal: generate box key: %w", err)
	}
	return &Keypair{signPub: signPub, signPriv: signPriv, boxPub: *boxPub, boxPriv: *boxPriv}, nil
}

// LoadOrCreate reads the identity files under dir, generating and
// persisting a fresh identity on first use. Key files are hex encoded
// and written 0600.
func LoadOrCreate(dir string) (*Keypair, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("seal: create key dir: %w", err)
	}
	signPath := filepath.Join(dir, signKeyFile)
	boxPath := filepath.Join(dir, boxKeyFile)

	if _, err := os.Stat(signPath); os.IsNotExist(err) {
		kp, err := Generate()
		if err != nil {
			return nil, err
		}
		if err := writeKeyFile(signPath, kp.signPriv); err != nil {
			return nil, err
		}
		if err := writeKeyFile(boxPath, kp.boxPriv[:]); err != nil {
			return nil, err
		}
		return kp, nil
	}

	signRaw, err := readKeyFile(signPath, ed25519.PrivateKeySize)
	if err != nil {
		return nil, err
	}
	boxRaw, err := readKeyFile(boxPath, 32)
	if err != nil {
		return nil, err
	}
	kp := &Keypair{signPriv: ed25519.PrivateKey(signRaw)}
	kp.signPub = kp.signPriv.Public().(ed25519.PublicKey)
	copy(kp.boxPriv[:], boxRaw)
	curve25519.ScalarBaseMult(&kp.boxPub, &kp.boxPriv)
	return kp, nil
}

func writeKeyFile(path string, key []byte) error {
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)+"\n"), 0o600); err != nil {
		return fmt.Errorf("seal: write key file: %w", err)
	}
	return nil
}

func readKeyFile(path string, size int) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("seal: read key file: %w", err)
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("seal: decode key file %s: %w", filepath.Base(path), err)
	}
	if len(raw) != size {
		return nil, fmt.Errorf("seal: key file %s is %d bytes, want %d", filepath.Base(path), len(raw), size)
	}
	return raw, nil
}

// Sign signs a raw JSON payload with the node's ed25519 key.
func (k *Keypair) Sign(raw []byte) (string, error) {
	return Sign(raw, k.signPriv)
}

// SignNamed signs with a caller-chosen authenticity field name.
func (k *Keypair) SignNamed(raw []byte, field string) (string, error) {
	return SignField(raw, k.signPriv, field)
}

// OpenSealed decrypts a sealed blob addressed to this node.
func (k *Keypair) OpenSealed(blob string) ([]byte, error) {
	return SealedDecrypt(blob, &k.boxPriv)
}

// PublicKey returns the signing public key.
func (k *Keypair) PublicKey() ed25519.PublicKey { return k.signPub }

// BoxPublicKey returns the encryption public key.
func (k *Keypair) BoxPublicKey() *[32]byte {
	pub := k.boxPub
	return &pub
}
