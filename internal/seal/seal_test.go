package seal

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/reliefops/xir/internal/apperr"
)

func testKeypair(t *testing.T) *Keypair {
	t.Helper()
	kp, err := Generate()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	return kp
}

func TestCanonical_KeyOrderIndependent(t *testing.T) {
	a := []byte(`{"b":1,"a":{"z":true,"y":[2,1]},"c":"x"}`)
	b := []byte(`{"c":"x","a":{"y":[2,1],"z":true},"b":1}`)
	ca, err := Canonical(a)
	if err != nil {
		t.Fatalf("canonical a: %v", err)
	}
	cb, err := Canonical(b)
	if err != nil {
		t.Fatalf("canonical b: %v", err)
	}
	if string(ca) != string(cb) {
		t.Errorf("canonical forms differ:\n%s\n%s", ca, cb)
	}
	want := `{"a":{"y":[2,1],"z":true},"b":1,"c":"x"}`
	if string(ca) != want {
		t.Errorf("canonical = %s, want %s", ca, want)
	}
}

func TestCanonical_NumbersVerbatim(t *testing.T) {
	raw := []byte(`{"qty":120,"ratio":0.5,"big":9007199254740993}`)
	c, err := Canonical(raw)
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	want := `{"big":9007199254740993,"qty":120,"ratio":0.5}`
	if string(c) != want {
		t.Errorf("canonical = %s, want %s", c, want)
	}
}

func TestSignVerify_RoundTrip(t *testing.T) {
	kp := testKeypair(t)
	raw := []byte(`{"manifest_id":"m-1","items":[{"sku":"AMX500","qty":40}]}`)
	sig, err := kp.Sign(raw)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := Verify(raw, sig, kp.PublicKey()); err != nil {
		t.Errorf("verify: %v", err)
	}
}

func TestVerify_SignatureIgnoresItsOwnField(t *testing.T) {
	kp := testKeypair(t)
	raw := []byte(`{"manifest_id":"m-1","qty":40}`)
	sig, err := kp.Sign(raw)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	// The payload as transmitted includes the signature field; verification
	// must strip it before canonicalizing.
	withSig := []byte(`{"manifest_id":"m-1","qty":40,"signature":"` + sig + `"}`)
	if err := Verify(withSig, sig, kp.PublicKey()); err != nil {
		t.Errorf("verify with embedded signature field: %v", err)
	}
}

func TestVerify_TamperedPayload(t *testing.T) {
	kp := testKeypair(t)
	raw := []byte(`{"manifest_id":"m-1","qty":40}`)
	sig, err := kp.Sign(raw)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	tampered := []byte(`{"manifest_id":"m-1","qty":400}`)
	if err := Verify(tampered, sig, kp.PublicKey()); !errors.Is(err, apperr.ErrSignatureInvalid) {
		t.Errorf("verify tampered = %v, want ErrSignatureInvalid", err)
	}
}

func TestVerify_WrongKeyAndGarbageSig(t *testing.T) {
	kp := testKeypair(t)
	other := testKeypair(t)
	raw := []byte(`{"a":1}`)
	sig, err := kp.Sign(raw)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := Verify(raw, sig, other.PublicKey()); !errors.Is(err, apperr.ErrSignatureInvalid) {
		t.Errorf("verify wrong key = %v, want ErrSignatureInvalid", err)
	}
	if err := Verify(raw, "not base64 %%%", kp.PublicKey()); !errors.Is(err, apperr.ErrSignatureInvalid) {
		t.Errorf("verify garbage sig = %v, want ErrSignatureInvalid", err)
	}
}

func TestHMAC_RoundTripAndTamper(t *testing.T) {
	secret := []byte("super secret pairing key 32bytes")
	raw := []byte(`{"packet_id":"p-1","seq_id":7}`)
	tag, err := ComputeHMAC(raw, secret)
	if err != nil {
		t.Fatalf("compute hmac: %v", err)
	}
	if err := VerifyHMAC(raw, tag, secret); err != nil {
		t.Errorf("verify hmac: %v", err)
	}
	if err := VerifyHMAC([]byte(`{"packet_id":"p-1","seq_id":8}`), tag, secret); !errors.Is(err, apperr.ErrHMACInvalid) {
		t.Errorf("verify tampered = %v, want ErrHMACInvalid", err)
	}
	if err := VerifyHMAC(raw, tag, []byte("some other secret")); !errors.Is(err, apperr.ErrHMACInvalid) {
		t.Errorf("verify wrong secret = %v, want ErrHMACInvalid", err)
	}
}

func TestHMAC_TagFieldExcluded(t *testing.T) {
	secret := []byte("s")
	raw := []byte(`{"packet_id":"p-1"}`)
	tag, err := ComputeHMAC(raw, secret)
	if err != nil {
		t.Fatalf("compute hmac: %v", err)
	}
	withTag := []byte(`{"hmac":"` + tag + `","packet_id":"p-1"}`)
	if err := VerifyHMAC(withTag, tag, secret); err != nil {
		t.Errorf("verify with embedded hmac field: %v", err)
	}
}

func TestSealed_RoundTrip(t *testing.T) {
	hub := testKeypair(t)
	plain := []byte(`{"ticket_id":"t-1","event_ref":"ref-9"}`)
	blob, err := SealedEncrypt(plain, hub.BoxPublicKey())
	if err != nil {
		t.Fatalf("sealed encrypt: %v", err)
	}
	got, err := hub.OpenSealed(blob)
	if err != nil {
		t.Fatalf("open sealed: %v", err)
	}
	if string(got) != string(plain) {
		t.Errorf("plaintext = %s, want %s", got, plain)
	}
}

func TestSealed_FreshEphemeralPerCall(t *testing.T) {
	hub := testKeypair(t)
	plain := []byte("same plaintext")
	a, err := SealedEncrypt(plain, hub.BoxPublicKey())
	if err != nil {
		t.Fatalf("encrypt a: %v", err)
	}
	b, err := SealedEncrypt(plain, hub.BoxPublicKey())
	if err != nil {
		t.Fatalf("encrypt b: %v", err)
	}
	if a == b {
		t.Error("two seals of the same plaintext produced identical blobs")
	}
}

func TestSealed_WrongRecipient(t *testing.T) {
	hub := testKeypair(t)
	eve := testKeypair(t)
	blob, err := SealedEncrypt([]byte("for hub only"), hub.BoxPublicKey())
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := eve.OpenSealed(blob); err == nil {
		t.Error("wrong recipient opened sealed blob")
	}
}

func TestSealed_TruncatedBlob(t *testing.T) {
	hub := testKeypair(t)
	short := base64.StdEncoding.EncodeToString([]byte("tiny"))
	if _, err := hub.OpenSealed(short); err == nil {
		t.Error("expected error for truncated blob")
	}
}

func TestLoadOrCreate_StableAcrossLoads(t *testing.T) {
	dir := t.TempDir()
	first, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	second, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if EncodePublicKey(first.PublicKey()) != EncodePublicKey(second.PublicKey()) {
		t.Error("signing key changed between loads")
	}
	if EncodeBoxPublicKey(first.BoxPublicKey()) != EncodeBoxPublicKey(second.BoxPublicKey()) {
		t.Error("box key changed between loads")
	}
	// A sealed blob for the first identity must open with the reloaded one.
	blob, err := SealedEncrypt([]byte("hello"), first.BoxPublicKey())
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := second.OpenSealed(blob); err != nil {
		t.Errorf("open with reloaded key: %v", err)
	}
}

func TestParsePublicKey_RejectsWrongLength(t *testing.T) {
	if _, err := ParsePublicKey(base64.StdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Error("expected error for short key")
	}
	if _, err := ParseBoxPublicKey("!!!"); err == nil {
		t.Error("expected error for invalid base64")
	}
}
