package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/reliefops/xir/internal/store"
)

// ObserveSeq tracks the per-station report sequence. Couriers lose
// bags and packets arrive out of order, so a gap is logged for the
// operator rather than rejected; the duplicate ledger already guards
// against the same report applying twice.
func (e *Engine) ObserveSeq(ctx context.Context, tx store.DBTX, stationID string, seq int64) error {
	var last int64
	err := tx.QueryRowContext(ctx,
		`SELECT last_seq FROM report_stream WHERE station_id = ?`, stationID).Scan(&last)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		last = 0
	case err != nil:
		return fmt.Errorf("reconcile: read stream: %w", err)
	}

	if last > 0 && seq > last+1 {
		slog.Warn("report sequence gap",
			"station_id", stationID,
			"last_seq", last,
			"seq", seq,
			"missing", seq-last-1)
	}
	if seq <= last {
		return nil
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO report_stream (station_id, last_seq, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(station_id) DO UPDATE SET last_seq = excluded.last_seq, updated_at = excluded.updated_at`,
		stationID, seq, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("reconcile: update stream: %w", err)
	}
	return nil
}

// LastSeq returns the highest sequence seen for a station, zero when
// none has been recorded.
func (e *Engine) LastSeq(ctx context.Context, stationID string) (int64, error) {
	var last int64
	err := e.db.Conn().QueryRowContext(ctx,
		`SELECT last_seq FROM report_stream WHERE station_id = ?`, stationID).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reconcile: read stream: %w", err)
	}
	return last, nil
}
