// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/reliefops/xir/internal/api"
	"github.com/reliefops/xir/internal/apperr"
	"github.com/reliefops/xir/internal/codec"
	"github.com/reliefops/xir/internal/discovery"
	"github.com/reliefops/xir/internal/inventory"
	"github.com/reliefops/xir/internal/ledger"
	"github.com/reliefops/xir/internal/node"
	"github.com/reliefops/xir/internal/queue"
	"github.com/reliefops/xir/internal/reconcile"
	"github.com/reliefops/xir/internal/seal"
	"github.com/reliefops/xir/internal/spool"
	"github.com/reliefops/xir/internal/sse"
	"github.com/reliefops/xir/internal/store"
	"github.com/reliefops/xir/internal/tasks"
	"github.com/reliefops/xir/internal/trust"
	"github.com/reliefops/xir/internal/uplink"
)

// Run starts the node with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("role", cfg.Node.Role),
		slog.String("node_id", cfg.Node.ID),
		slog.String("data_dir", cfg.Node.DataDir),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// Ensure the data directory exists.
	if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// Signing and box keys persist next to the database.
	keys, err := seal.LoadOrCreate(cfg.Node.DataDir)
	if err != nil {
		return fmt.Errorf("init keys: %w", err)
	}

	db, err := store.Open(filepath.Join(cfg.Node.DataDir, "xir.db"))
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()

	// The hub is its own trust root; edge nodes anchor on the root key
	// delivered with their pairing grant.
	var rootPub ed25519.PublicKey
	if cfg.Node.IsHub() {
		rootPub = keys.PublicKey()
	} else {
		encoded, err := node.ProvisionedRootKey(ctx, db)
		if err != nil {
			return fmt.Errorf("load root key: %w", err)
		}
		if encoded == "" {
			return fmt.Errorf("node %s is not paired yet; run `xir pair apply` with a grant from the hub", cfg.Node.ID)
		}
		rootPub, err = seal.ParsePublicKey(encoded)
		if err != nil {
			return fmt.Errorf("load root key: %w", err)
		}
	}

	// SSE broker.
	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()

	deps := node.Deps{
		Role:      node.Role(cfg.Node.Role),
		NodeID:    cfg.Node.ID,
		Keys:      keys,
		DB:        db,
		Trust:     trust.New(db, rootPub),
		Ledger:    ledger.NewLedger(db),
		Queue:     queue.New(db),
		Inventory: inventory.New(db),
		Tasks:     tasks.New(db, cfg.Tasks.Boosts),
		Limits:    codec.Limits{ChunkBytes: cfg.Codec.ChunkBytes, MaxChunks: cfg.Codec.MaxChunks},
		Notify:    broker.PublishNodeEvent,
	}
	if cfg.Node.IsHub() {
		deps.Recon = reconcile.New(db)
	}
	svc := node.New(deps)

	// Courier bundle spool.
	sp, err := spool.New(filepath.Join(cfg.Node.DataDir, "spool"))
	if err != nil {
		return fmt.Errorf("init spool: %w", err)
	}

	// Opportunistic uplink, edge nodes with a hub URL only.
	var flush api.FlushFunc
	if !cfg.Node.IsHub() && cfg.Sync.HubURL != "" {
		client := uplink.New(cfg.Sync.HubURL, cfg.Node.ID, func(ctx context.Context) ([]byte, error) {
			return svc.Trust().Secret(ctx, cfg.Node.ID)
		}, cfg.Sync.TokenTTL())
		flush = func(ctx context.Context) (*queue.FlushResult, error) {
			return svc.Flush(ctx, client)
		}
	}

	// The station sync surface exists on the hub only.
	var secretFor api.SecretLookup
	if cfg.Node.IsHub() {
		secretFor = svc.Trust().Secret
	}

	apiRouter := api.NewRouter(svc, sp, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker, secretFor, flush)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Watch the spool inbox for courier bundles.
	g.Go(func() error {
		return spool.Watch(gCtx, sp, svc, logger, func(name string) {
			broker.PublishNodeEvent("bundle.ingested", map[string]any{"bundle": name})
		})
	})

	// triggerFlush runs one delivery attempt; overlapping triggers
	// settle as a logged conflict, not an error.
	triggerFlush := func(reason string) {
		if flush == nil {
			return
		}
		res, err := flush(gCtx)
		switch {
		case errors.Is(err, apperr.ErrFlushInProgress):
			logger.Debug("flush skipped, already running", slog.String("trigger", reason))
		case err != nil:
			logger.Warn("flush failed",
				slog.String("trigger", reason),
				slog.String("error", err.Error()))
		default:
			logger.Info("flush done",
				slog.String("trigger", reason),
				slog.Int("synced", len(res.Synced)),
				slog.Int("failed", len(res.Failed)))
		}
	}

	// mDNS: the hub announces itself; edge nodes flush on sighting.
	if cfg.Discovery.Enabled {
		if cfg.Node.IsHub() {
			instance := cfg.Discovery.Instance
			if instance == "" {
				instance = cfg.Node.ID
			}
			g.Go(func() error {
				discovery.Announce(gCtx, instance, cfg.App.HTTP.Port, logger)
				return nil
			})
		} else if flush != nil {
			g.Go(func() error {
				discovery.Browse(gCtx, logger, func() {
					triggerFlush("discovery")
				})
				return nil
			})
		}
	}

	// Periodic flush timer.
	if flush != nil && cfg.Sync.Interval() > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(cfg.Sync.Interval())
			defer ticker.Stop()
			for {
				select {
				case <-gCtx.Done():
					return nil
				case <-ticker.C:
					triggerFlush("timer")
				}
			}
		})
	}

	// Retention maintenance.
	g.Go(func() error {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-ticker.C:
				if err := svc.Maintain(gCtx, cfg.Retention.Ledger(), cfg.Retention.Queue()); err != nil {
					logger.Warn("maintenance failed", slog.String("error", err.Error()))
				}
			}
		}
	})

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}
