// Package node drives the packet lifecycle on one relief node: scans
// come in, get reassembled, verified and applied exactly once against
// local state; outbound packets are built, authenticated and chunked
// for QR rendering. The hub role additionally resolves sealed tickets
// and keeps the reconciliation event log.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/reliefops/xir/internal/apperr"
	"github.com/reliefops/xir/internal/checksum"
	"github.com/reliefops/xir/internal/codec"
	"github.com/reliefops/xir/internal/inventory"
	"github.com/reliefops/xir/internal/ledger"
	"github.com/reliefops/xir/internal/protocol"
	"github.com/reliefops/xir/internal/queue"
	"github.com/reliefops/xir/internal/reconcile"
	"github.com/reliefops/xir/internal/seal"
	"github.com/reliefops/xir/internal/store"
	"github.com/reliefops/xir/internal/tasks"
	"github.com/reliefops/xir/internal/trust"
)

// Role distinguishes the authority node from the edge roles.
type Role string

const (
	RoleHub      Role = "hub"
	RoleStation  Role = "station"
	RolePharmacy Role = "pharmacy"
)

// ParseRole validates a configured role string.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleHub, RoleStation, RolePharmacy:
		return Role(s), nil
	}
	return "", fmt.Errorf("node: unknown role %q", s)
}

// Provisioning state stored in the meta table.
const (
	metaHubID     = "hub_id"
	metaRootKey   = "root_public_key"
	metaHubBoxKey = "hub_box_key"
	metaReportSeq = "report_seq"
)

// EventFunc observes applied packets and flushes for the ops feed.
type EventFunc func(event string, data map[string]any)

// Deps bundles the stores a Service coordinates.
type Deps struct {
	Role      Role
	NodeID    string
	Keys      *seal.Keypair
	DB        *store.DB
	Trust     *trust.Store
	Ledger    *ledger.Ledger
	Queue     *queue.Queue
	Inventory *inventory.Inventory
	Tasks     *tasks.Store
	// Recon is set on the hub only.
	Recon  *reconcile.Engine
	Limits codec.Limits
	// Notify is optional.
	Notify EventFunc
}

// Service is the per-node packet engine.
type Service struct {
	role   Role
	nodeID string
	keys   *seal.Keypair
	db     *store.DB
	trust  *trust.Store
	ledger *ledger.Ledger
	queue  *queue.Queue
	inv    *inventory.Inventory
	tasks  *tasks.Store
	recon  *reconcile.Engine
	limits codec.Limits
	reasm  *codec.Reassembler
	notify EventFunc
}

// New assembles a service from its dependencies.
func New(d Deps) *Service {
	return &Service{
		role:   d.Role,
		nodeID: d.NodeID,
		keys:   d.Keys,
		db:     d.DB,
		trust:  d.Trust,
		ledger: d.Ledger,
		queue:  d.Queue,
		inv:    d.Inventory,
		tasks:  d.Tasks,
		recon:  d.Recon,
		limits: d.Limits,
		reasm:  codec.NewReassembler(),
		notify: d.Notify,
	}
}

// Role returns the node's role.
func (s *Service) Role() Role { return s.role }

// NodeID returns the node's identity.
func (s *Service) NodeID() string { return s.nodeID }

// Limits returns the codec limits in force.
func (s *Service) Limits() codec.Limits { return s.limits }

// Queue exposes the action outbox.
func (s *Service) Queue() *queue.Queue { return s.queue }

// Ledger exposes the replay ledger.
func (s *Service) Ledger() *ledger.Ledger { return s.ledger }

// Inventory exposes the stock table.
func (s *Service) Inventory() *inventory.Inventory { return s.inv }

// Tasks exposes the task store.
func (s *Service) Tasks() *tasks.Store { return s.tasks }

// Trust exposes the trust store.
func (s *Service) Trust() *trust.Store { return s.trust }

// Reconciler exposes the hub's event engine, nil on edge roles.
func (s *Service) Reconciler() *reconcile.Engine { return s.recon }

// ScanResult reports what one scanned line produced. While a chunked
// transfer is incomplete, Missing lists the sequence numbers still
// outstanding and Applied stays nil.
type ScanResult struct {
	SessionID string       `json:"session_id,omitempty"`
	Complete  bool         `json:"complete"`
	Missing   []int        `json:"missing,omitempty"`
	Applied   *ApplyResult `json:"applied,omitempty"`
}

// ApplyResult is the verdict for one applied packet.
type ApplyResult struct {
	Kind    protocol.Kind  `json:"kind"`
	ID      string         `json:"id"`
	Outcome ledger.Outcome `json:"-"`
	Status  string         `json:"status"`
}

// HandleScan feeds one scanned line into the pipeline. Chunked lines
// buffer under sessionID until the transfer completes; single-line and
// legacy forms apply immediately.
func (s *Service) HandleScan(ctx context.Context, sessionID, line string) (*ScanResult, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, fmt.Errorf("node: %w: empty scan", apperr.ErrQRParse)
	}

	var (
		kindToken string
		payload   []byte
	)
	if codec.IsChunk(line) {
		c, err := codec.ParseChunk(line)
		if err != nil {
			return nil, err
		}
		kind, body, done, err := s.reasm.Add(sessionID, c)
		if err != nil {
			return nil, err
		}
		if !done {
			return &ScanResult{SessionID: sessionID, Missing: s.reasm.Missing(sessionID)}, nil
		}
		kindToken, payload = kind, body
	} else {
		kind, body, err := codec.Decode(line)
		if err != nil {
			return nil, err
		}
		kindToken, payload = kind, body
	}

	applied, err := s.Apply(ctx, kindToken, payload)
	if err != nil {
		return nil, err
	}
	return &ScanResult{SessionID: sessionID, Complete: true, Applied: applied}, nil
}

// AbortScan discards the partial buffer for one scan session. Other
// in-flight sessions are unaffected.
func (s *Service) AbortScan(sessionID string) {
	s.reasm.Abort(sessionID)
}

// MissingChunks lists the outstanding sequences for a scan session.
func (s *Service) MissingChunks(sessionID string) []int {
	return s.reasm.Missing(sessionID)
}

// Apply runs a complete payload through parse, authenticity check and
// ledger-guarded effect. A benign duplicate returns a nil error with
// the duplicate status; a conflicting replay returns
// apperr.ErrReplayAttack.
func (s *Service) Apply(ctx context.Context, kindToken string, payload []byte) (*ApplyResult, error) {
	kind, err := protocol.ParseKind(kindToken)
	if err != nil {
		return nil, err
	}

	if protocol.IsSealed(payload) {
		opened, err := s.openSealed(payload)
		if err != nil {
			return nil, err
		}
		payload = opened
	}

	pkt, err := protocol.Parse(kind, payload)
	if err != nil {
		return nil, err
	}
	if err := s.verify(ctx, pkt); err != nil {
		return nil, err
	}

	outcome, err := s.ledger.CheckAndRecord(ctx, pkt.Payload.ID(), payloadHash(pkt.Raw), originOf(pkt), s.effect(pkt))
	res := &ApplyResult{Kind: kind, ID: pkt.Payload.ID(), Outcome: outcome, Status: outcome.String()}
	if err != nil {
		return res, err
	}

	slog.Info("packet applied",
		slog.String("kind", string(kind)),
		slog.String("id", res.ID),
		slog.String("outcome", outcome.String()))
	s.emit("packet.applied", map[string]any{
		"kind":    string(kind),
		"id":      res.ID,
		"outcome": outcome.String(),
	})
	return res, nil
}

// openSealed unwraps a sealed envelope addressed to this node.
func (s *Service) openSealed(payload []byte) ([]byte, error) {
	env, err := protocol.ParseSealed(payload)
	if err != nil {
		return nil, err
	}
	if env.Recipient != s.nodeID {
		return nil, fmt.Errorf("node: sealed for %s: %w", env.Recipient, apperr.ErrUnknownSubject)
	}
	return s.keys.OpenSealed(env.Blob)
}

// payloadHash hashes the canonical form, so two serializations of the
// same packet compare equal in the ledger.
func payloadHash(raw []byte) string {
	canon, err := seal.Canonical(raw)
	if err != nil {
		return checksum.Sum(raw)
	}
	return checksum.Sum(canon)
}

// originOf names the producing party as well as the payload allows.
func originOf(pkt *protocol.Packet) string {
	switch p := pkt.Payload.(type) {
	case *protocol.Report:
		return p.StationID
	case *protocol.RxOrder:
		return p.PrescriberID
	case *protocol.DispenseRecord:
		return p.PharmacistID
	case *protocol.ConsumptionTicket:
		return p.StationID
	case *protocol.ConsumptionRecord:
		return p.StationID
	}
	return "hub"
}

// verify dispatches the authenticity check for a parsed packet. Signed
// kinds verify against the hub root key or the subject's certificate;
// HMAC kinds verify against the subject's provisioned secret.
func (s *Service) verify(ctx context.Context, pkt *protocol.Packet) error {
	switch p := pkt.Payload.(type) {
	case *protocol.Manifest:
		return s.verifyRootSig(pkt, p.Signature)
	case *protocol.CertUpdate:
		return s.verifyRootSig(pkt, p.Signature)
	case *protocol.PrescriberCert:
		return s.verifyRootSig(pkt, p.HubSignature)
	case *protocol.RxOrder:
		key, err := s.trust.SubjectKey(ctx, p.PrescriberID, time.Now().UTC())
		if err != nil {
			return err
		}
		return seal.VerifyField(pkt.Raw, p.Signature, key, pkt.Kind.SignatureField())
	case *protocol.Report:
		return s.verifyHMAC(ctx, p.StationID, pkt.Raw, p.HMAC)
	case *protocol.DispenseRecord:
		return s.verifyHMAC(ctx, p.PharmacistID, pkt.Raw, p.HMAC)
	case *protocol.ConsumptionTicket:
		return s.verifyHMAC(ctx, p.StationID, pkt.Raw, p.HMAC)
	case *protocol.ConsumptionRecord:
		return s.verifyHMAC(ctx, p.StationID, pkt.Raw, p.HMAC)
	}
	return fmt.Errorf("node: %w: unverifiable packet kind %s", apperr.ErrInvalidSchema, pkt.Kind)
}

func (s *Service) verifyRootSig(pkt *protocol.Packet, sig string) error {
	root := s.trust.RootPublicKey()
	if len(root) == 0 {
		return fmt.Errorf("node: no authority key provisioned: %w", apperr.ErrUnknownSubject)
	}
	return seal.VerifyField(pkt.Raw, sig, root, pkt.Kind.SignatureField())
}

func (s *Service) verifyHMAC(ctx context.Context, subjectID string, raw []byte, tag string) error {
	secret, err := s.trust.Secret(ctx, subjectID)
	if err != nil {
		return err
	}
	return seal.VerifyHMAC(raw, tag, secret)
}

// effect returns the state mutation a packet performs, to run inside
// the same transaction as its ledger entry.
func (s *Service) effect(pkt *protocol.Packet) ledger.Effect {
	return func(ctx context.Context, tx store.DBTX) error {
		switch p := pkt.Payload.(type) {
		case *protocol.Manifest:
			return s.applyManifest(ctx, tx, p)
		case *protocol.Report:
			return s.applyReport(ctx, tx, p)
		case *protocol.RxOrder:
			return s.applyRxOrder(ctx, tx, p)
		case *protocol.DispenseRecord:
			return s.applyDispenseRecord(ctx, tx, p)
		case *protocol.PrescriberCert:
			return s.trust.PutCertificate(ctx, tx, p.Certificate(), pkt.Raw)
		case *protocol.ConsumptionTicket:
			return s.applyTicket(ctx, tx, p)
		case *protocol.ConsumptionRecord:
			return s.applyConsumptionRecord(ctx, tx, p)
		case *protocol.CertUpdate:
			return s.trust.ApplyCertUpdate(ctx, tx, p, pkt.Raw)
		}
		return fmt.Errorf("node: %w: unhandled packet kind %s", apperr.ErrInvalidSchema, pkt.Kind)
	}
}

// applyManifest stocks the announced items and raises a logistics task
// to stow them. Edge nodes only apply manifests addressed to them.
func (s *Service) applyManifest(ctx context.Context, tx store.DBTX, p *protocol.Manifest) error {
	if s.role != RoleHub && p.StationID != s.nodeID {
		return fmt.Errorf("node: manifest addressed to %s: %w", p.StationID, apperr.ErrUnknownSubject)
	}
	if err := s.inv.ApplyRestock(ctx, tx, p.Items); err != nil {
		return err
	}
	if s.role != RoleHub {
		_, err := s.tasks.CreateTx(ctx, tx, "stow shipment "+p.ManifestID, tasks.DomainLogistics, 20, "")
		return err
	}
	return nil
}

// applyReport is the hub-side ingestion of a station report: advance
// the sequence watermark, refresh the station's stock snapshot, and
// run each bundled action through its own ledger check. A benign
// duplicate action is skipped; any other action failure rejects the
// whole report so that it never half-applies.
func (s *Service) applyReport(ctx context.Context, tx store.DBTX, p *protocol.Report) error {
	if s.recon == nil {
		return fmt.Errorf("node: reports resolve at the hub: %w", apperr.ErrUnknownSubject)
	}
	if err := s.recon.ObserveSeq(ctx, tx, p.StationID, p.SeqID); err != nil {
		return err
	}
	if err := s.storeSnapshot(ctx, tx, p); err != nil {
		return err
	}
	for _, action := range p.Actions {
		outcome, err := s.applyActionTx(ctx, tx, action.Kind, action.Payload)
		if err != nil {
			return fmt.Errorf("node: action %s: %w", action.ActionID, err)
		}
		if outcome == ledger.DuplicateSame {
			slog.Debug("report action already applied", slog.String("action_id", action.ActionID))
		}
	}
	return nil
}

// storeSnapshot upserts the station's reported stock levels. The seq
// guard keeps a stale report from overwriting a fresher snapshot.
func (s *Service) storeSnapshot(ctx context.Context, tx store.DBTX, p *protocol.Report) error {
	takenAt := p.TS
	if takenAt.IsZero() {
		takenAt = time.Now().UTC()
	}
	for sku, qty := range p.Snapshot {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO snapshots (station_id, sku, qty, seq_id, taken_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(station_id, sku) DO UPDATE SET
				qty = excluded.qty,
				seq_id = excluded.seq_id,
				taken_at = excluded.taken_at
			WHERE excluded.seq_id >= snapshots.seq_id`,
			p.StationID, sku, qty, p.SeqID, takenAt.UTC())
		if err != nil {
			return fmt.Errorf("node: store snapshot: %w", err)
		}
	}
	return nil
}

// applyActionTx applies one queued action inside the caller's
// transaction. Actions carry full packets; each is verified and
// ledgered under its own identifier, so the same action arriving later
// over a different path lands as a benign duplicate.
func (s *Service) applyActionTx(ctx context.Context, tx store.DBTX, kindToken string, payload []byte) (ledger.Outcome, error) {
	kind, err := protocol.ParseKind(kindToken)
	if err != nil {
		return ledger.New, err
	}
	if kind == protocol.KindReport {
		return ledger.New, fmt.Errorf("%w: report nested inside report", apperr.ErrInvalidSchema)
	}
	if protocol.IsSealed(payload) {
		opened, err := s.openSealed(payload)
		if err != nil {
			return ledger.New, err
		}
		payload = opened
	}
	pkt, err := protocol.Parse(kind, payload)
	if err != nil {
		return ledger.New, err
	}
	if err := s.verify(ctx, pkt); err != nil {
		return ledger.New, err
	}
	return s.ledger.CheckAndRecordTx(ctx, tx, pkt.Payload.ID(), payloadHash(pkt.Raw), originOf(pkt), s.effect(pkt))
}

// ApplyAction is the sync-path entry: one queued action, its own
// transaction. Used by the hub sync endpoint per batch item.
func (s *Service) ApplyAction(ctx context.Context, kindToken string, payload []byte) (*ApplyResult, error) {
	return s.Apply(ctx, kindToken, payload)
}

// Preview parses and verifies a complete payload without touching the
// ledger or any state. Sealed envelopes are opened when addressed to
// this node.
func (s *Service) Preview(ctx context.Context, kindToken string, payload []byte) (*ApplyResult, error) {
	kind, err := protocol.ParseKind(kindToken)
	if err != nil {
		return nil, err
	}
	if protocol.IsSealed(payload) {
		opened, err := s.openSealed(payload)
		if err != nil {
			return nil, err
		}
		payload = opened
	}
	pkt, err := protocol.Parse(kind, payload)
	if err != nil {
		return nil, err
	}
	if err := s.verify(ctx, pkt); err != nil {
		return nil, err
	}
	return &ApplyResult{Kind: kind, ID: pkt.Payload.ID(), Status: "verified"}, nil
}

// applyRxOrder records the order side at the hub and raises the
// dispense task at the edge that will fill it.
func (s *Service) applyRxOrder(ctx context.Context, tx store.DBTX, p *protocol.RxOrder) error {
	if s.recon != nil {
		err := s.recon.RecordTx(ctx, tx, reconcile.Event{
			EventRef: p.EventRef,
			Side:     reconcile.SideOrder,
			RefID:    p.RxID,
			Source:   string(protocol.KindRxOrder),
			Subject:  p.PrescriberID,
			Items:    p.Items,
		})
		if err != nil {
			return err
		}
	}
	if s.role != RoleHub {
		_, err := s.tasks.CreateTx(ctx, tx, "dispense "+p.RxID, tasks.DomainClinical, 50, "")
		return err
	}
	return nil
}

// applyDispenseRecord records the completion side at the hub. Edge
// nodes keep only the ledger entry; their stock moved when the record
// was built.
func (s *Service) applyDispenseRecord(ctx context.Context, tx store.DBTX, p *protocol.DispenseRecord) error {
	if s.recon == nil {
		return nil
	}
	return s.recon.RecordTx(ctx, tx, reconcile.Event{
		EventRef: p.EventRef,
		Side:     reconcile.SideCompletion,
		RefID:    p.DispenseID,
		Source:   string(protocol.KindDispenseRecord),
		Subject:  p.PharmacistID,
		Items:    p.DispensedItems,
	})
}

// applyTicket records the authorization side of a station handout.
// Tickets travel sealed and only the hub resolves them.
func (s *Service) applyTicket(ctx context.Context, tx store.DBTX, p *protocol.ConsumptionTicket) error {
	if s.recon == nil {
		return fmt.Errorf("node: tickets resolve at the hub: %w", apperr.ErrUnknownSubject)
	}
	return s.recon.RecordTx(ctx, tx, reconcile.Event{
		EventRef: p.EventRef,
		Side:     reconcile.SideOrder,
		RefID:    p.TicketID,
		Source:   string(protocol.KindConsumptionTicket),
		Subject:  p.StationID,
		Items:    p.Items,
	})
}

func (s *Service) applyConsumptionRecord(ctx context.Context, tx store.DBTX, p *protocol.ConsumptionRecord) error {
	if s.recon == nil {
		return nil
	}
	return s.recon.RecordTx(ctx, tx, reconcile.Event{
		EventRef: p.EventRef,
		Side:     reconcile.SideCompletion,
		RefID:    p.RecordID,
		Source:   string(protocol.KindConsumptionRecord),
		Subject:  p.StationID,
		Items:    p.Items,
	})
}

// Flush drains the pending queue through the transport and reports the
// result on the ops feed.
func (s *Service) Flush(ctx context.Context, t queue.Transport) (*queue.FlushResult, error) {
	res, err := s.queue.Flush(ctx, t)
	if err != nil {
		return res, err
	}
	s.emit("queue.flushed", map[string]any{
		"synced": len(res.Synced),
		"failed": len(res.Failed),
	})
	return res, nil
}

// Maintain runs the periodic retention work: prune aged ledger entries
// and retire synced queue items.
func (s *Service) Maintain(ctx context.Context, ledgerRetention, queueRetention time.Duration) error {
	pruned, err := s.ledger.Prune(ctx, ledgerRetention)
	if err != nil {
		return err
	}
	retired, err := s.queue.RetireSynced(ctx, queueRetention)
	if err != nil {
		return err
	}
	if pruned > 0 || retired > 0 {
		slog.Info("maintenance pass",
			slog.Int64("ledger_pruned", pruned),
			slog.Int64("queue_retired", retired))
	}
	return nil
}

// StationStock is one line of a station's last reported snapshot.
type StationStock struct {
	SKU     string    `json:"sku"`
	Qty     int       `json:"qty"`
	SeqID   int64     `json:"seq_id"`
	TakenAt time.Time `json:"taken_at"`
}

// StationSnapshot returns the hub's view of a station's stock, as of
// its freshest applied report.
func (s *Service) StationSnapshot(ctx context.Context, stationID string) ([]StationStock, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT sku, qty, seq_id, taken_at FROM snapshots
		WHERE station_id = ? ORDER BY sku`, stationID)
	if err != nil {
		return nil, fmt.Errorf("node: load snapshot: %w", err)
	}
	defer rows.Close()

	var out []StationStock
	for rows.Next() {
		var line StationStock
		if err := rows.Scan(&line.SKU, &line.Qty, &line.SeqID, &line.TakenAt); err != nil {
			return nil, fmt.Errorf("node: scan snapshot: %w", err)
		}
		out = append(out, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("node: iterate snapshot: %w", err)
	}
	return out, nil
}

// Stations lists every station the hub has heard a report from.
func (s *Service) Stations(ctx context.Context) ([]string, error) {
	rows, err := s.db.Conn().QueryContext(ctx,
		`SELECT station_id FROM report_stream ORDER BY station_id`)
	if err != nil {
		return nil, fmt.Errorf("node: list stations: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("node: scan station: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("node: iterate stations: %w", err)
	}
	return out, nil
}

func (s *Service) emit(event string, data map[string]any) {
	if s.notify != nil {
		s.notify(event, data)
	}
}
