// Package protocol defines the packet model of the exchange format:
// the fixed set of packet kinds, a validated struct per kind, and the
// dispatch from raw payload bytes into those structs.
package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/reliefops/xir/internal/apperr"
)

// Kind enumerates the packet types on the wire.
type Kind string

const (
	KindManifest          Kind = "MANIFEST"
	KindReport            Kind = "REPORT"
	KindRxOrder           Kind = "RX_ORDER"
	KindDispenseRecord    Kind = "DISPENSE_RECORD"
	KindPrescriberCert    Kind = "PRESCRIBER_CERT"
	KindConsumptionTicket Kind = "CONSUMPTION_TICKET"
	KindConsumptionRecord Kind = "CONSUMPTION_RECORD"
	KindCertUpdate        Kind = "CERT_UPDATE"
)

// Kinds lists every known packet kind in wire order.
var Kinds = []Kind{
	KindManifest,
	KindReport,
	KindRxOrder,
	KindDispenseRecord,
	KindPrescriberCert,
	KindConsumptionTicket,
	KindConsumptionRecord,
	KindCertUpdate,
}

var errEmptyUpdate = fmt.Errorf("%w: cert update carries neither certs nor revocations", apperr.ErrInvalidSchema)

// ParseKind validates a wire type string.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: unknown packet type %q", apperr.ErrInvalidSchema, s)
}

// AuthMode describes how a packet kind proves authenticity: a detached
// asymmetric signature or a symmetric tag from a provisioned secret.
// A payload carries exactly one of the two, never both.
type AuthMode int

const (
	AuthSigned AuthMode = iota
	AuthHMAC
)

// AuthMode returns the authenticity mode for the kind.
func (k Kind) AuthMode() AuthMode {
	switch k {
	case KindManifest, KindRxOrder, KindPrescriberCert, KindCertUpdate:
		return AuthSigned
	}
	return AuthHMAC
}

// SignatureField names the JSON field holding the kind's signature.
func (k Kind) SignatureField() string {
	if k == KindPrescriberCert {
		return "hub_signature"
	}
	return "signature"
}

// Payload is the validated form of one packet's content.
type Payload interface {
	Kind() Kind
	// ID returns the identifier the replay ledger keys on.
	ID() string
	Validate() error
}

// Packet couples a payload with the exact bytes it was parsed from.
// Authenticity checks always run over Raw, never over a re-marshalled
// form, so byte-level canonicalization stays with the producer.
type Packet struct {
	Kind    Kind
	Raw     []byte
	Payload Payload
}

// Parse decodes and validates payload bytes for a packet kind.
// Structural failures surface as apperr.ErrInvalidSchema or
// apperr.ErrMissingField.
func Parse(kind Kind, raw []byte) (*Packet, error) {
	var p Payload
	switch kind {
	case KindManifest:
		p = &Manifest{}
	case KindReport:
		p = &Report{}
	case KindRxOrder:
		p = &RxOrder{}
	case KindDispenseRecord:
		p = &DispenseRecord{}
	case KindPrescriberCert:
		p = &PrescriberCert{}
	case KindConsumptionTicket:
		p = &ConsumptionTicket{}
	case KindConsumptionRecord:
		p = &ConsumptionRecord{}
	case KindCertUpdate:
		p = &CertUpdate{}
	default:
		return nil, fmt.Errorf("%w: unknown packet type %q", apperr.ErrInvalidSchema, kind)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrInvalidSchema, err)
	}
	if err := checkAuthFields(kind, raw); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Packet{Kind: kind, Raw: raw, Payload: p}, nil
}

// checkAuthFields enforces the exactly-one rule for authenticity
// fields and that the field matches the kind's mode.
func checkAuthFields(kind Kind, raw []byte) error {
	var probe struct {
		Signature    *string `json:"signature"`
		HubSignature *string `json:"hub_signature"`
		HMAC         *string `json:"hmac"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrInvalidSchema, err)
	}
	signed := probe.Signature != nil || probe.HubSignature != nil
	if signed && probe.HMAC != nil {
		return fmt.Errorf("%w: payload carries both a signature and an hmac", apperr.ErrInvalidSchema)
	}
	switch kind.AuthMode() {
	case AuthSigned:
		if !signed {
			return fmt.Errorf("%w: %s", apperr.ErrMissingField, kind.SignatureField())
		}
	case AuthHMAC:
		if probe.HMAC == nil {
			return fmt.Errorf("%w: hmac", apperr.ErrMissingField)
		}
	}
	return nil
}

// SealedEnvelope wraps a payload whose content must stay opaque to
// the carrier. The wire shows the recipient id and the blob, nothing
// else.
type SealedEnvelope struct {
	Recipient string `json:"recipient"`
	Blob      string `json:"blob"`
}

// Validate checks the envelope's structure.
func (e *SealedEnvelope) Validate() error {
	return classify(validation.ValidateStruct(e,
		validation.Field(&e.Recipient, validation.Required),
		validation.Field(&e.Blob, validation.Required),
	))
}

// ParseSealed decodes a sealed envelope from raw payload bytes.
func ParseSealed(raw []byte) (*SealedEnvelope, error) {
	var e SealedEnvelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrInvalidSchema, err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// IsSealed reports whether raw payload bytes are a sealed envelope
// rather than a cleartext payload.
func IsSealed(raw []byte) bool {
	var probe struct {
		Recipient *string `json:"recipient"`
		Blob      *string `json:"blob"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.Recipient != nil && probe.Blob != nil
}

// NewNonce draws a fresh random nonce. Nonces make two otherwise
// identical payloads sign differently, so a replayed signature can
// never be grafted onto a reconstructed packet.
func NewNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform RNG is gone; there
		// is no meaningful fallback.
		panic(fmt.Sprintf("protocol: read nonce: %v", err))
	}
	return hex.EncodeToString(buf)
}

// classify maps ozzo validation errors onto the protocol taxonomy:
// absent required fields are ERR_MISSING_FIELD, everything else
// structural is ERR_INVALID_SCHEMA.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if hasRequiredViolation(err) {
		return fmt.Errorf("%w: %v", apperr.ErrMissingField, err)
	}
	return fmt.Errorf("%w: %v", apperr.ErrInvalidSchema, err)
}

func hasRequiredViolation(err error) bool {
	var errs validation.Errors
	if errors.As(err, &errs) {
		for _, e := range errs {
			if hasRequiredViolation(e) {
				return true
			}
		}
		return false
	}
	var obj validation.ErrorObject
	if errors.As(err, &obj) {
		return obj.Code() == "validation_required"
	}
	return false
}
