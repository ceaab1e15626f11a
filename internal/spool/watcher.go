package spool

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/reliefops/xir/internal/node"
)

// Scanner consumes chunk lines and tracks reassembly sessions.
type Scanner interface {
	HandleScan(ctx context.Context, sessionID, line string) (*node.ScanResult, error)
	MissingChunks(sessionID string) []int
	AbortScan(sessionID string)
}

var _ Scanner = (*node.Service)(nil)

// EventCallback is called after each ingested bundle, for the ops feed.
type EventCallback func(name string)

// Watch starts an fsnotify watcher on the spool inbox and ingests scan
// bundles until ctx is cancelled. Bundles already waiting at startup
// are swept first.
//
// Arrivals are debounced with a short settle timer so that a burst of
// courier files (or a slow copy) is ingested in one pass.
func Watch(ctx context.Context, sp Spool, scanner Scanner, logger *slog.Logger, cb EventCallback) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(sp.InboxPath()); err != nil {
		return err
	}

	logger.Info("spool: watching inbox", slog.String("dir", sp.InboxPath()))

	Sweep(ctx, sp, scanner, logger, cb)

	// settleTimer debounces bursts of inbox events into one sweep.
	var settleTimer *time.Timer
	var settleCh <-chan time.Time

	scheduleSweep := func() {
		if settleTimer == nil {
			settleTimer = time.NewTimer(200 * time.Millisecond)
			settleCh = settleTimer.C
		} else {
			settleTimer.Reset(200 * time.Millisecond)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if settleTimer != nil {
				settleTimer.Stop()
			}
			logger.Info("spool: stopped")
			return nil

		case <-settleCh:
			Sweep(ctx, sp, scanner, logger, cb)

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			// Temp files land hidden and appear by rename.
			if strings.HasPrefix(filepath.Base(ev.Name), ".") {
				continue
			}
			scheduleSweep()

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("spool: watcher error", slog.String("error", watchErr.Error()))
		}
	}
}

// Sweep ingests every waiting bundle and archives it. Lines run
// through the ledger-guarded pipeline, so re-ingesting a bundle that
// was half processed before a crash settles as benign duplicates.
func Sweep(ctx context.Context, sp Spool, scanner Scanner, logger *slog.Logger, cb EventCallback) {
	names, err := sp.Inbox()
	if err != nil {
		logger.Warn("spool: list inbox failed", slog.String("error", err.Error()))
		return
	}
	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		ingestBundle(ctx, sp, scanner, logger, name)
		if cb != nil {
			cb(name)
		}
	}
}

// ingestBundle feeds one bundle line by line. The bundle name doubles
// as the reassembly session, so one file is expected to carry a whole
// chunk sequence; stragglers are logged and the session discarded.
func ingestBundle(ctx context.Context, sp Spool, scanner Scanner, logger *slog.Logger, name string) {
	data, err := sp.ReadInbox(name)
	if err != nil {
		// Leave the file for the next sweep.
		logger.Warn("spool: read failed", slog.String("bundle", name), slog.String("error", err.Error()))
		return
	}

	applied, rejected := 0, 0
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		res, err := scanner.HandleScan(ctx, name, line)
		if err != nil {
			rejected++
			logger.Warn("spool: line rejected",
				slog.String("bundle", name),
				slog.Int("line", i+1),
				slog.String("error", err.Error()))
			continue
		}
		if res.Complete {
			applied++
		}
	}

	if missing := scanner.MissingChunks(name); len(missing) > 0 {
		logger.Warn("spool: bundle incomplete",
			slog.String("bundle", name),
			slog.Any("missing", missing))
		scanner.AbortScan(name)
	}

	if err := sp.Archive(name); err != nil {
		logger.Warn("spool: archive failed", slog.String("bundle", name), slog.String("error", err.Error()))
		return
	}
	logger.Info("spool: bundle ingested",
		slog.String("bundle", name),
		slog.Int("applied", applied),
		slog.Int("rejected", rejected))
}
