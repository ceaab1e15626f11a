package node

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/reliefops/xir/internal/apperr"
	"github.com/reliefops/xir/internal/codec"
	"github.com/reliefops/xir/internal/protocol"
	"github.com/reliefops/xir/internal/reconcile"
	"github.com/reliefops/xir/internal/seal"
	"github.com/reliefops/xir/internal/store"
	"github.com/reliefops/xir/internal/tasks"
	"github.com/reliefops/xir/internal/trust"
)

// BuildResult is an outbound packet ready for QR rendering.
type BuildResult struct {
	Kind     protocol.Kind   `json:"kind"`
	ID       string          `json:"id"`
	EventRef string          `json:"event_ref,omitempty"`
	Chunks   []string        `json:"chunks"`
	Raw      json.RawMessage `json:"raw"`
}

// BuildManifest issues a signed restock manifest for a station and
// raises the hub-side dispatch task.
func (s *Service) BuildManifest(ctx context.Context, stationID string, items []protocol.Item) (*BuildResult, error) {
	if s.role != RoleHub {
		return nil, fmt.Errorf("node: only the hub issues manifests")
	}
	m := protocol.Manifest{
		ManifestID: "mf_" + uuid.NewString(),
		StationID:  stationID,
		Items:      items,
		TS:         time.Now().UTC(),
		Nonce:      protocol.NewNonce(),
	}
	raw, err := s.signPayload(&m, &m.Signature, protocol.KindManifest)
	if err != nil {
		return nil, err
	}
	err = s.db.WithTx(ctx, func(ctx context.Context, tx store.DBTX) error {
		_, err := s.tasks.CreateTx(ctx, tx, "dispatch shipment to "+stationID, tasks.DomainLogistics, 30, "")
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.finishBuild(protocol.KindManifest, m.ManifestID, "", raw)
}

// BuildReport bundles the node's pending actions and current stock
// snapshot under a fresh monotonic sequence number. The bundled
// actions stay PENDING locally; the hub's ledger makes the eventual
// network sync of the same actions a no-op.
func (s *Service) BuildReport(ctx context.Context) (*BuildResult, error) {
	if s.role == RoleHub {
		return nil, fmt.Errorf("node: the hub consumes reports, it does not send them")
	}
	secret, err := s.trust.Secret(ctx, s.nodeID)
	if err != nil {
		return nil, err
	}
	snapshot, err := s.inv.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := s.queue.Pending(ctx)
	if err != nil {
		return nil, err
	}
	actions := make([]protocol.ReportAction, len(pending))
	for i, it := range pending {
		actions[i] = protocol.ReportAction{
			ActionID:  it.ActionID,
			Kind:      it.Kind,
			Payload:   it.Payload,
			CreatedAt: it.CreatedAt,
		}
	}

	var seq int64
	err = s.db.WithTx(ctx, func(ctx context.Context, tx store.DBTX) error {
		cur, err := store.GetMeta(ctx, tx, metaReportSeq)
		if err != nil {
			return err
		}
		if cur != "" {
			seq, err = strconv.ParseInt(cur, 10, 64)
			if err != nil {
				return fmt.Errorf("node: parse report seq: %w", err)
			}
		}
		seq++
		return store.SetMeta(ctx, tx, metaReportSeq, strconv.FormatInt(seq, 10))
	})
	if err != nil {
		return nil, err
	}

	r := protocol.Report{
		PacketID:  uuid.NewString(),
		StationID: s.nodeID,
		SeqID:     seq,
		Actions:   actions,
		Snapshot:  snapshot,
		TS:        time.Now().UTC(),
	}
	raw, err := s.tagPayload(&r, &r.HMAC, secret)
	if err != nil {
		return nil, err
	}
	return s.finishBuild(protocol.KindReport, r.PacketID, "", raw)
}

// BuildRxOrder writes a prescription signed by the prescriber's own
// key. The order is queued for the next hub sync and its chunks go
// with the patient, so the hub learns of the order even when the
// patient never reaches a pharmacy.
func (s *Service) BuildRxOrder(ctx context.Context, prescriber *seal.Keypair, prescriberID, patientRef string, items []protocol.Item) (*BuildResult, error) {
	o := protocol.RxOrder{
		RxID:         "rx_" + uuid.NewString(),
		PatientRef:   patientRef,
		EventRef:     reconcile.NewEventRef(),
		Items:        items,
		PrescriberID: prescriberID,
		TS:           time.Now().UTC(),
		Nonce:        protocol.NewNonce(),
	}
	unsigned, err := json.Marshal(&o)
	if err != nil {
		return nil, fmt.Errorf("node: marshal rx order: %w", err)
	}
	sig, err := prescriber.Sign(unsigned)
	if err != nil {
		return nil, err
	}
	o.Signature = sig
	raw, err := json.Marshal(&o)
	if err != nil {
		return nil, fmt.Errorf("node: marshal rx order: %w", err)
	}

	err = s.db.WithTx(ctx, func(ctx context.Context, tx store.DBTX) error {
		_, err := s.queue.EnqueueTx(ctx, tx, string(protocol.KindRxOrder), json.RawMessage(raw))
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.finishBuild(protocol.KindRxOrder, o.RxID, o.EventRef, raw)
}

// BuildDispenseRecord records a filled prescription: stock moves,
// the dispense task closes, and the record joins the outbox, all in
// one transaction. taskID may be empty when no task tracked the order.
func (s *Service) BuildDispenseRecord(ctx context.Context, rxID, eventRef string, items []protocol.Item, taskID string) (*BuildResult, error) {
	if s.role != RolePharmacy {
		return nil, fmt.Errorf("node: only a pharmacy dispenses")
	}
	secret, err := s.trust.Secret(ctx, s.nodeID)
	if err != nil {
		return nil, err
	}
	d := protocol.DispenseRecord{
		DispenseID:     "dsp_" + uuid.NewString(),
		RxID:           rxID,
		EventRef:       eventRef,
		DispensedItems: items,
		PharmacistID:   s.nodeID,
		TS:             time.Now().UTC(),
	}
	raw, err := s.tagPayload(&d, &d.HMAC, secret)
	if err != nil {
		return nil, err
	}

	err = s.db.WithTx(ctx, func(ctx context.Context, tx store.DBTX) error {
		if err := s.inv.Consume(ctx, tx, items); err != nil {
			return err
		}
		if taskID != "" {
			if err := s.tasks.CompleteTx(ctx, tx, taskID); err != nil {
				return err
			}
		}
		_, err := s.queue.EnqueueTx(ctx, tx, string(protocol.KindDispenseRecord), json.RawMessage(raw))
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.finishBuild(protocol.KindDispenseRecord, d.DispenseID, eventRef, raw)
}

// BuildTicket authorizes a supply handout under a fresh event
// reference and seals the ticket for the hub, so the carrier learns
// nothing from it. The sealed form is also queued for network sync.
func (s *Service) BuildTicket(ctx context.Context, items []protocol.Item) (*BuildResult, error) {
	if s.role == RoleHub {
		return nil, fmt.Errorf("node: tickets are issued at the edge")
	}
	secret, err := s.trust.Secret(ctx, s.nodeID)
	if err != nil {
		return nil, err
	}
	hubID, hubBox, err := s.hubAddress(ctx)
	if err != nil {
		return nil, err
	}

	t := protocol.ConsumptionTicket{
		TicketID:  "tkt_" + uuid.NewString(),
		EventRef:  reconcile.NewEventRef(),
		StationID: s.nodeID,
		Items:     items,
		TS:        time.Now().UTC(),
	}
	raw, err := s.tagPayload(&t, &t.HMAC, secret)
	if err != nil {
		return nil, err
	}

	blob, err := seal.SealedEncrypt(raw, hubBox)
	if err != nil {
		return nil, err
	}
	envRaw, err := json.Marshal(&protocol.SealedEnvelope{Recipient: hubID, Blob: blob})
	if err != nil {
		return nil, fmt.Errorf("node: marshal sealed envelope: %w", err)
	}

	err = s.db.WithTx(ctx, func(ctx context.Context, tx store.DBTX) error {
		_, err := s.queue.EnqueueTx(ctx, tx, string(protocol.KindConsumptionTicket), json.RawMessage(envRaw))
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.finishBuild(protocol.KindConsumptionTicket, t.TicketID, t.EventRef, envRaw)
}

// BuildConsumptionRecord reports an executed handout: local stock
// drops and the completion joins the outbox in one transaction.
// eventRef echoes the authorizing ticket's reference; empty means an
// emergency handout that reconciliation will flag as an orphan.
func (s *Service) BuildConsumptionRecord(ctx context.Context, eventRef string, items []protocol.Item) (*BuildResult, error) {
	if s.role == RoleHub {
		return nil, fmt.Errorf("node: consumption happens at the edge")
	}
	secret, err := s.trust.Secret(ctx, s.nodeID)
	if err != nil {
		return nil, err
	}
	if eventRef == "" {
		eventRef = reconcile.NewEventRef()
	}
	rec := protocol.ConsumptionRecord{
		RecordID:  "rec_" + uuid.NewString(),
		EventRef:  eventRef,
		StationID: s.nodeID,
		Items:     items,
		TS:        time.Now().UTC(),
	}
	raw, err := s.tagPayload(&rec, &rec.HMAC, secret)
	if err != nil {
		return nil, err
	}

	err = s.db.WithTx(ctx, func(ctx context.Context, tx store.DBTX) error {
		if err := s.inv.Consume(ctx, tx, items); err != nil {
			return err
		}
		_, err := s.queue.EnqueueTx(ctx, tx, string(protocol.KindConsumptionRecord), json.RawMessage(raw))
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.finishBuild(protocol.KindConsumptionRecord, rec.RecordID, eventRef, raw)
}

// IssuePrescriberCert mints a hub-signed prescriber certificate,
// caches it locally and returns it chunked for distribution.
func (s *Service) IssuePrescriberCert(ctx context.Context, prescriberID string, pub string, validity time.Duration, perms map[string]bool) (*BuildResult, error) {
	if s.role != RoleHub {
		return nil, fmt.Errorf("node: only the hub issues certificates")
	}
	if _, err := seal.ParsePublicKey(pub); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	c := protocol.PrescriberCert{
		PrescriberID: prescriberID,
		PublicKey:    pub,
		IssuedAt:     now,
		ExpiresAt:    now.Add(validity),
		Permissions:  perms,
	}
	unsigned, err := json.Marshal(&c)
	if err != nil {
		return nil, fmt.Errorf("node: marshal prescriber cert: %w", err)
	}
	sig, err := s.keys.SignNamed(unsigned, protocol.KindPrescriberCert.SignatureField())
	if err != nil {
		return nil, err
	}
	c.HubSignature = sig
	raw, err := json.Marshal(&c)
	if err != nil {
		return nil, fmt.Errorf("node: marshal prescriber cert: %w", err)
	}

	err = s.db.WithTx(ctx, func(ctx context.Context, tx store.DBTX) error {
		return s.trust.PutCertificate(ctx, tx, c.Certificate(), raw)
	})
	if err != nil {
		return nil, err
	}
	return s.finishBuild(protocol.KindPrescriberCert, c.ID(), "", raw)
}

// BuildCertUpdate packages the hub's current certificates and
// revocations into a signed wholesale update for edge distribution.
func (s *Service) BuildCertUpdate(ctx context.Context) (*BuildResult, error) {
	if s.role != RoleHub {
		return nil, fmt.Errorf("node: only the hub distributes trust updates")
	}
	stored, err := s.trust.Certificates(ctx)
	if err != nil {
		return nil, err
	}
	revs, err := s.trust.Revocations(ctx)
	if err != nil {
		return nil, err
	}
	certs := make([]protocol.Certificate, len(stored))
	for i, sc := range stored {
		certs[i] = sc.Cert
	}
	u := protocol.CertUpdate{
		UpdateID:    "upd_" + uuid.NewString(),
		Certs:       certs,
		Revocations: revs,
		TS:          time.Now().UTC(),
		Nonce:       protocol.NewNonce(),
	}
	raw, err := s.signPayload(&u, &u.Signature, protocol.KindCertUpdate)
	if err != nil {
		return nil, err
	}
	return s.finishBuild(protocol.KindCertUpdate, u.UpdateID, "", raw)
}

// NewPairing provisions a subject on the hub and returns the grant to
// hand over face to face.
func (s *Service) NewPairing(ctx context.Context, subjectID string, validity time.Duration) (*trust.Grant, error) {
	if s.role != RoleHub {
		return nil, fmt.Errorf("node: only the hub pairs new nodes")
	}
	p, err := s.trust.CreatePairing(ctx, subjectID, validity)
	if err != nil {
		return nil, err
	}
	return &trust.Grant{
		Code:      p.Code,
		SubjectID: p.SubjectID,
		Secret:    p.Secret,
		HubID:     s.nodeID,
		RootKey:   seal.EncodePublicKey(s.keys.PublicKey()),
		HubBoxKey: seal.EncodeBoxPublicKey(s.keys.BoxPublicKey()),
		ExpiresAt: p.ExpiresAt,
	}, nil
}

// ConfirmPairing marks a pairing code used once the operator has
// confirmed the handover. Expired or reused codes fail.
func (s *Service) ConfirmPairing(ctx context.Context, code string) (*trust.Pairing, error) {
	if s.role != RoleHub {
		return nil, fmt.Errorf("node: only the hub pairs new nodes")
	}
	return s.trust.ConsumePairing(ctx, code, time.Now().UTC())
}

// ApplyGrant provisions this edge node from a hub-issued grant: the
// shared secret, the hub's identity and both hub public keys.
func (s *Service) ApplyGrant(ctx context.Context, g *trust.Grant) error {
	if s.role == RoleHub {
		return fmt.Errorf("node: the hub does not pair with itself")
	}
	if g.SubjectID != s.nodeID {
		return fmt.Errorf("node: grant for %s, this node is %s", g.SubjectID, s.nodeID)
	}
	if !g.ExpiresAt.IsZero() && time.Now().UTC().After(g.ExpiresAt) {
		return fmt.Errorf("node: %w", apperr.ErrPairingExpired)
	}
	if _, err := seal.ParsePublicKey(g.RootKey); err != nil {
		return err
	}
	if _, err := seal.ParseBoxPublicKey(g.HubBoxKey); err != nil {
		return err
	}
	return s.db.WithTx(ctx, func(ctx context.Context, tx store.DBTX) error {
		if err := s.trust.PutSecret(ctx, tx, s.nodeID, g.Secret); err != nil {
			return err
		}
		if err := store.SetMeta(ctx, tx, metaHubID, g.HubID); err != nil {
			return err
		}
		if err := store.SetMeta(ctx, tx, metaRootKey, g.RootKey); err != nil {
			return err
		}
		return store.SetMeta(ctx, tx, metaHubBoxKey, g.HubBoxKey)
	})
}

// ProvisionedRootKey reads the hub root key stored at pairing time.
func ProvisionedRootKey(ctx context.Context, db *store.DB) (string, error) {
	return store.GetMeta(ctx, db.Conn(), metaRootKey)
}

// hubAddress resolves the paired hub's identity and sealing key.
func (s *Service) hubAddress(ctx context.Context) (string, *[32]byte, error) {
	hubID, err := store.GetMeta(ctx, s.db.Conn(), metaHubID)
	if err != nil {
		return "", nil, err
	}
	boxKey, err := store.GetMeta(ctx, s.db.Conn(), metaHubBoxKey)
	if err != nil {
		return "", nil, err
	}
	if hubID == "" || boxKey == "" {
		return "", nil, fmt.Errorf("node: not paired with a hub: %w", apperr.ErrUnknownSubject)
	}
	pub, err := seal.ParseBoxPublicKey(boxKey)
	if err != nil {
		return "", nil, err
	}
	return hubID, pub, nil
}

// signPayload signs with the hub root key into the payload's
// authenticity field and returns the final bytes.
func (s *Service) signPayload(p protocol.Payload, sigField *string, kind protocol.Kind) ([]byte, error) {
	unsigned, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("node: marshal %s: %w", kind, err)
	}
	sig, err := s.keys.SignNamed(unsigned, kind.SignatureField())
	if err != nil {
		return nil, err
	}
	*sigField = sig
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("node: marshal %s: %w", kind, err)
	}
	return raw, nil
}

// tagPayload computes the HMAC into the payload's tag field and
// returns the final bytes.
func (s *Service) tagPayload(p protocol.Payload, tagField *string, secret []byte) ([]byte, error) {
	untagged, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("node: marshal %s: %w", p.Kind(), err)
	}
	tag, err := seal.ComputeHMAC(untagged, secret)
	if err != nil {
		return nil, err
	}
	*tagField = tag
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("node: marshal %s: %w", p.Kind(), err)
	}
	return raw, nil
}

// finishBuild chunks the final payload for rendering.
func (s *Service) finishBuild(kind protocol.Kind, id, eventRef string, raw []byte) (*BuildResult, error) {
	chunks, err := codec.Encode(raw, string(kind), s.limits)
	if err != nil {
		return nil, err
	}
	return &BuildResult{
		Kind:     kind,
		ID:       id,
		EventRef: eventRef,
		Chunks:   chunks,
		Raw:      raw,
	}, nil
}
