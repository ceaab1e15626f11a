package protocol

import (
	"encoding/json"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Item is one line of goods in a manifest, order, ticket, or record.
type Item struct {
	SKU  string `json:"sku"`
	Name string `json:"name,omitempty"`
	Qty  int    `json:"qty"`
	Unit string `json:"unit,omitempty"`
}

// Validate validates a single item line.
func (i Item) Validate() error {
	return validation.ValidateStruct(&i,
		validation.Field(&i.SKU, validation.Required),
		validation.Field(&i.Qty, validation.Required, validation.Min(1)),
	)
}

// Manifest is the hub's signed restocking order for a station
// (wire type MANIFEST).
type Manifest struct {
	ManifestID string    `json:"manifest_id"`
	StationID  string    `json:"station_id"`
	Items      []Item    `json:"items"`
	TS         time.Time `json:"ts"`
	Nonce      string    `json:"nonce"`
	Signature  string    `json:"signature,omitempty"`
}

func (m *Manifest) Kind() Kind { return KindManifest }
func (m *Manifest) ID() string { return m.ManifestID }

// Validate checks the manifest's structure.
func (m *Manifest) Validate() error {
	return classify(validation.ValidateStruct(m,
		validation.Field(&m.ManifestID, validation.Required),
		validation.Field(&m.StationID, validation.Required),
		validation.Field(&m.Items, validation.Required),
		validation.Field(&m.TS, validation.Required),
		validation.Field(&m.Nonce, validation.Required),
	))
}

// ReportAction is one queued mutation carried inside a station report.
type ReportAction struct {
	ActionID  string          `json:"action_id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Validate validates a report action entry.
func (a ReportAction) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.ActionID, validation.Required),
		validation.Field(&a.Kind, validation.Required),
	)
}

// Report is a station's periodic batch of actions plus an inventory
// snapshot (wire type REPORT). SeqID increases monotonically per
// station; gaps mean a courier run was lost, not an error.
type Report struct {
	PacketID  string         `json:"packet_id"`
	StationID string         `json:"station_id"`
	SeqID     int64          `json:"seq_id"`
	Actions   []ReportAction `json:"actions"`
	Snapshot  map[string]int `json:"snapshot,omitempty"`
	TS        time.Time      `json:"ts"`
	HMAC      string         `json:"hmac,omitempty"`
}

func (r *Report) Kind() Kind { return KindReport }
func (r *Report) ID() string { return r.PacketID }

// Validate checks the report's structure.
func (r *Report) Validate() error {
	return classify(validation.ValidateStruct(r,
		validation.Field(&r.PacketID, validation.Required),
		validation.Field(&r.StationID, validation.Required),
		validation.Field(&r.SeqID, validation.Required, validation.Min(1)),
		validation.Field(&r.TS, validation.Required),
	))
}

// RxOrder is a prescriber-signed clinical order (wire type RX_ORDER).
// EventRef is the opaque token the completion side will echo back;
// the executing node treats it as read-only.
type RxOrder struct {
	RxID         string    `json:"rx_id"`
	PatientRef   string    `json:"patient_ref"`
	EventRef     string    `json:"event_ref"`
	Items        []Item    `json:"items"`
	PrescriberID string    `json:"prescriber_id"`
	TS           time.Time `json:"ts"`
	Nonce        string    `json:"nonce"`
	Signature    string    `json:"signature,omitempty"`
}

func (o *RxOrder) Kind() Kind { return KindRxOrder }
func (o *RxOrder) ID() string { return o.RxID }

// Validate checks the order's structure.
func (o *RxOrder) Validate() error {
	return classify(validation.ValidateStruct(o,
		validation.Field(&o.RxID, validation.Required),
		validation.Field(&o.PatientRef, validation.Required),
		validation.Field(&o.EventRef, validation.Required),
		validation.Field(&o.Items, validation.Required),
		validation.Field(&o.PrescriberID, validation.Required),
		validation.Field(&o.TS, validation.Required),
		validation.Field(&o.Nonce, validation.Required),
	))
}

// DispenseRecord reports a completed dispense back to the hub
// (wire type DISPENSE_RECORD).
type DispenseRecord struct {
	DispenseID     string    `json:"dispense_id"`
	RxID           string    `json:"rx_id"`
	EventRef       string    `json:"event_ref"`
	DispensedItems []Item    `json:"dispensed_items"`
	PharmacistID   string    `json:"pharmacist_id"`
	TS             time.Time `json:"ts"`
	HMAC           string    `json:"hmac,omitempty"`
}

func (d *DispenseRecord) Kind() Kind { return KindDispenseRecord }
func (d *DispenseRecord) ID() string { return d.DispenseID }

// Validate checks the record's structure.
func (d *DispenseRecord) Validate() error {
	return classify(validation.ValidateStruct(d,
		validation.Field(&d.DispenseID, validation.Required),
		validation.Field(&d.RxID, validation.Required),
		validation.Field(&d.EventRef, validation.Required),
		validation.Field(&d.DispensedItems, validation.Required),
		validation.Field(&d.PharmacistID, validation.Required),
		validation.Field(&d.TS, validation.Required),
	))
}

// PrescriberCert distributes one hub-issued prescriber certificate
// (wire type PRESCRIBER_CERT). The hub signature covers every field
// except itself.
type PrescriberCert struct {
	PrescriberID string          `json:"prescriber_id"`
	PublicKey    string          `json:"public_key"`
	IssuedAt     time.Time       `json:"issued_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
	Permissions  map[string]bool `json:"permissions,omitempty"`
	HubSignature string          `json:"hub_signature,omitempty"`
}

func (c *PrescriberCert) Kind() Kind { return KindPrescriberCert }

// ID keys the ledger on subject plus issue time, so a re-issued
// certificate is a new packet rather than a replay conflict.
func (c *PrescriberCert) ID() string {
	return c.PrescriberID + "/" + c.IssuedAt.UTC().Format(time.RFC3339)
}

// Validate checks the certificate packet's structure.
func (c *PrescriberCert) Validate() error {
	return classify(validation.ValidateStruct(c,
		validation.Field(&c.PrescriberID, validation.Required),
		validation.Field(&c.PublicKey, validation.Required),
		validation.Field(&c.IssuedAt, validation.Required),
		validation.Field(&c.ExpiresAt, validation.Required),
	))
}

// Certificate converts the packet into the generic stored form.
func (c *PrescriberCert) Certificate() Certificate {
	return Certificate{
		SubjectID:       c.PrescriberID,
		PublicKey:       c.PublicKey,
		IssuedAt:        c.IssuedAt,
		ExpiresAt:       c.ExpiresAt,
		Permissions:     c.Permissions,
		IssuerSignature: c.HubSignature,
	}
}

// ConsumptionTicket is the carrier-borne proof of a goods pickup
// (wire type CONSUMPTION_TICKET). It carries the opaque event_ref and
// nothing that identifies the carrier.
type ConsumptionTicket struct {
	TicketID  string    `json:"ticket_id"`
	EventRef  string    `json:"event_ref"`
	StationID string    `json:"station_id"`
	Items     []Item    `json:"items"`
	TS        time.Time `json:"ts,omitempty"`
	HMAC      string    `json:"hmac,omitempty"`
}

func (t *ConsumptionTicket) Kind() Kind { return KindConsumptionTicket }
func (t *ConsumptionTicket) ID() string { return t.TicketID }

// Validate checks the ticket's structure.
func (t *ConsumptionTicket) Validate() error {
	return classify(validation.ValidateStruct(t,
		validation.Field(&t.TicketID, validation.Required),
		validation.Field(&t.EventRef, validation.Required),
		validation.Field(&t.StationID, validation.Required),
		validation.Field(&t.Items, validation.Required),
	))
}

// ConsumptionRecord reports consumed stock tied to an event_ref
// (wire type CONSUMPTION_RECORD).
type ConsumptionRecord struct {
	RecordID  string    `json:"record_id"`
	EventRef  string    `json:"event_ref"`
	StationID string    `json:"station_id"`
	Items     []Item    `json:"items"`
	TS        time.Time `json:"ts"`
	HMAC      string    `json:"hmac,omitempty"`
}

func (r *ConsumptionRecord) Kind() Kind { return KindConsumptionRecord }
func (r *ConsumptionRecord) ID() string { return r.RecordID }

// Validate checks the record's structure.
func (r *ConsumptionRecord) Validate() error {
	return classify(validation.ValidateStruct(r,
		validation.Field(&r.RecordID, validation.Required),
		validation.Field(&r.EventRef, validation.Required),
		validation.Field(&r.StationID, validation.Required),
		validation.Field(&r.Items, validation.Required),
		validation.Field(&r.TS, validation.Required),
	))
}

// Certificate is a hub-issued identity attestation as carried inside
// CERT_UPDATE packets and cached by every node's trust store.
type Certificate struct {
	SubjectID       string          `json:"subject_id"`
	PublicKey       string          `json:"public_key"`
	IssuedAt        time.Time       `json:"issued_at"`
	ExpiresAt       time.Time       `json:"expires_at"`
	Permissions     map[string]bool `json:"permissions,omitempty"`
	IssuerSignature string          `json:"issuer_signature,omitempty"`
}

// Validate validates a certificate entry.
func (c Certificate) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.SubjectID, validation.Required),
		validation.Field(&c.PublicKey, validation.Required),
		validation.Field(&c.IssuedAt, validation.Required),
		validation.Field(&c.ExpiresAt, validation.Required),
		validation.Field(&c.IssuerSignature, validation.Required),
	)
}

// Revocation withdraws trust in a subject from RevokedAt onward.
// Revocations only accumulate; they are never retracted.
type Revocation struct {
	SubjectID string    `json:"subject_id"`
	RevokedAt time.Time `json:"revoked_at"`
	Reason    string    `json:"reason,omitempty"`
}

// Validate validates a revocation entry.
func (r Revocation) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.SubjectID, validation.Required),
		validation.Field(&r.RevokedAt, validation.Required),
	)
}

// CertUpdate is the hub-signed trust delta broadcast to edge nodes
// (wire type CERT_UPDATE).
type CertUpdate struct {
	UpdateID    string        `json:"update_id"`
	Certs       []Certificate `json:"certs,omitempty"`
	Revocations []Revocation  `json:"revocations,omitempty"`
	TS          time.Time     `json:"ts"`
	Nonce       string        `json:"nonce"`
	Signature   string        `json:"signature,omitempty"`
}

func (u *CertUpdate) Kind() Kind { return KindCertUpdate }
func (u *CertUpdate) ID() string { return u.UpdateID }

// Validate checks the update's structure. An update with neither
// certs nor revocations is malformed.
func (u *CertUpdate) Validate() error {
	if len(u.Certs) == 0 && len(u.Revocations) == 0 {
		return errEmptyUpdate
	}
	return classify(validation.ValidateStruct(u,
		validation.Field(&u.UpdateID, validation.Required),
		validation.Field(&u.Certs),
		validation.Field(&u.Revocations),
		validation.Field(&u.TS, validation.Required),
		validation.Field(&u.Nonce, validation.Required),
	))
}
