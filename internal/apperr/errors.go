package apperr

import "errors"

// Protocol outcomes. Handlers and the CLI map these onto the stable
// error codes reported to operators, so the identities matter more
// than the message text.
var (
	ErrQRParse            = errors.New("qr parse failed")
	ErrInvalidSchema      = errors.New("invalid schema")
	ErrMissingField       = errors.New("missing field")
	ErrSignatureInvalid   = errors.New("signature invalid")
	ErrHMACInvalid        = errors.New("hmac invalid")
	ErrExpiredCertificate = errors.New("expired certificate")
	ErrUnknownSubject     = errors.New("unknown subject")
	ErrDuplicate          = errors.New("duplicate")
	ErrReplayAttack       = errors.New("replay attack")
	ErrPayloadTooLarge    = errors.New("payload too large")

	ErrNotFound        = errors.New("not found")
	ErrRevokedSubject  = errors.New("revoked subject")
	ErrFlushInProgress = errors.New("flush already in progress")
	ErrPairingExpired  = errors.New("pairing code expired")
)

// Code returns the wire-level error code for err, or the empty string
// when err is not part of the protocol taxonomy.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrQRParse):
		return "ERR_QR_PARSE"
	case errors.Is(err, ErrInvalidSchema):
		return "ERR_INVALID_SCHEMA"
	case errors.Is(err, ErrMissingField):
		return "ERR_MISSING_FIELD"
	case errors.Is(err, ErrSignatureInvalid):
		return "ERR_SIGNATURE_INVALID"
	case errors.Is(err, ErrHMACInvalid):
		return "ERR_HMAC_INVALID"
	case errors.Is(err, ErrExpiredCertificate):
		return "ERR_EXPIRED_CERTIFICATE"
	case errors.Is(err, ErrUnknownSubject):
		return "ERR_UNKNOWN_SUBJECT"
	case errors.Is(err, ErrRevokedSubject):
		return "ERR_REVOKED_SUBJECT"
	case errors.Is(err, ErrReplayAttack):
		return "ERR_REPLAY_ATTACK"
	case errors.Is(err, ErrDuplicate):
		return "ERR_DUPLICATE"
	case errors.Is(err, ErrPayloadTooLarge):
		return "ERR_PAYLOAD_TOO_LARGE"
	}
	return ""
}

// Terminal reports whether err is a verdict on the packet itself
// rather than a transient condition. Terminal failures must not be
// retried with the same bytes.
func Terminal(err error) bool {
	switch {
	case errors.Is(err, ErrQRParse),
		errors.Is(err, ErrInvalidSchema),
		errors.Is(err, ErrMissingField),
		errors.Is(err, ErrSignatureInvalid),
		errors.Is(err, ErrHMACInvalid),
		errors.Is(err, ErrExpiredCertificate),
		errors.Is(err, ErrUnknownSubject),
		errors.Is(err, ErrRevokedSubject),
		errors.Is(err, ErrReplayAttack),
		errors.Is(err, ErrPayloadTooLarge):
		return true
	}
	return false
}
