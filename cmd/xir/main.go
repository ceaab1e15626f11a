package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/reliefops/xir/internal"
	"github.com/reliefops/xir/internal/codec"
	"github.com/reliefops/xir/internal/inventory"
	"github.com/reliefops/xir/internal/ledger"
	"github.com/reliefops/xir/internal/node"
	"github.com/reliefops/xir/internal/queue"
	"github.com/reliefops/xir/internal/reconcile"
	"github.com/reliefops/xir/internal/seal"
	"github.com/reliefops/xir/internal/store"
	"github.com/reliefops/xir/internal/tasks"
	"github.com/reliefops/xir/internal/trust"
	"github.com/reliefops/xir/pkg/config"
)

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	if err := config.Load(cmd.String("config"), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// openNode builds the local packet engine for offline commands. The
// trust root is the node's own key on the hub and the provisioned root
// key on edges; an unpaired edge gets a nil root, which is enough for
// pairing itself.
func openNode(ctx context.Context, cfg *internal.Config) (*node.Service, *store.DB, error) {
	keys, err := seal.LoadOrCreate(cfg.Node.DataDir)
	if err != nil {
		return nil, nil, err
	}
	db, err := store.Open(filepath.Join(cfg.Node.DataDir, "xir.db"))
	if err != nil {
		return nil, nil, err
	}

	rootPub := keys.PublicKey()
	if !cfg.Node.IsHub() {
		rootPub = nil
		if encoded, err := node.ProvisionedRootKey(ctx, db); err == nil && encoded != "" {
			if pub, err := seal.ParsePublicKey(encoded); err == nil {
				rootPub = pub
			}
		}
	}

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
	}
	if cfg.Node.IsHub() {
		deps.Recon = reconcile.New(db)
	}
	return node.New(deps), db, nil
}

// callAPI hits the running node's operator API.
func callAPI(ctx context.Context, cfg *internal.Config, method, path string) ([]byte, error) {
	url := fmt.Sprintf("http://localhost:%d/api%s", cfg.App.HTTP.Port, path)
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	if cfg.Auth.AuthEnabled() {
		req.Header.Set("Authorization", "Bearer "+cfg.Auth.Token)
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("is the node running? %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func serveCmd(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := internal.Run(ctx, internal.WithConfig(cfg)); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}
	return nil
}

func keygenCmd(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	keys, err := seal.LoadOrCreate(cfg.Node.DataDir)
	if err != nil {
		return err
	}
	fmt.Printf("node:        %s (%s)\n", cfg.Node.ID, cfg.Node.Role)
	fmt.Printf("signing key: %s\n", seal.EncodePublicKey(keys.PublicKey()))
	fmt.Printf("box key:     %x\n", *keys.BoxPublicKey())
	return nil
}

func pairNewCmd(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if !cfg.Node.IsHub() {
		return fmt.Errorf("pairing grants are issued on the hub")
	}
	subject := cmd.Args().First()
	if subject == "" {
		return fmt.Errorf("usage: xir pair new <node-id>")
	}
	svc, db, err := openNode(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	grant, err := svc.NewPairing(ctx, subject, cmd.Duration("ttl"))
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(grant, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func pairApplyCmd(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Node.IsHub() {
		return fmt.Errorf("the hub does not pair with itself")
	}

	var raw []byte
	if path := cmd.Args().First(); path != "" {
		raw, err = os.ReadFile(path)
	} else {
		raw, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return fmt.Errorf("read grant: %w", err)
	}
	var grant trust.Grant
	if err := json.Unmarshal(raw, &grant); err != nil {
		return fmt.Errorf("parse grant: %w", err)
	}

	svc, db, err := openNode(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := svc.ApplyGrant(ctx, &grant); err != nil {
		return err
	}
	fmt.Printf("paired with %s as %s\n", grant.HubID, grant.SubjectID)
	return nil
}

func encodeCmd(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	kind := cmd.String("kind")
	if kind == "" {
		return fmt.Errorf("usage: xir encode --kind MANIFEST [file]")
	}

	var raw []byte
	if path := cmd.Args().First(); path != "" {
		raw, err = os.ReadFile(path)
	} else {
		raw, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	lines, err := codec.Encode(raw, kind, codec.Limits{
		ChunkBytes: cfg.Codec.ChunkBytes,
		MaxChunks:  cfg.Codec.MaxChunks,
	})
	if err != nil {
		return err
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	return nil
}

func decodeCmd(ctx context.Context, cmd *cli.Command) error {
	reasm := codec.NewReassembler()
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !codec.IsChunk(line) {
			kind, payload, err := codec.Decode(line)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "kind: %s\n", kind)
			fmt.Println(string(payload))
			continue
		}
		c, err := codec.ParseChunk(line)
		if err != nil {
			return err
		}
		kind, payload, done, err := reasm.Add("decode", c)
		if err != nil {
			return err
		}
		if done {
			fmt.Fprintf(os.Stderr, "kind: %s\n", kind)
			fmt.Println(string(payload))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read lines: %w", err)
	}
	if missing := reasm.Missing("decode"); len(missing) > 0 {
		return fmt.Errorf("transfer incomplete, missing chunks %v", missing)
	}
	return nil
}

func flushCmd(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	body, err := callAPI(ctx, cfg, http.MethodPost, "/queue/flush")
	if err != nil {
		return err
	}
	fmt.Println(string(body))
	return nil
}

func reconcileCmd(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	path := "/reconciliation"
	if hours := cmd.Int("window-hours"); hours > 0 {
		path = fmt.Sprintf("%s?window_hours=%d", path, hours)
	}
	body, err := callAPI(ctx, cfg, http.MethodGet, path)
	if err != nil {
		return err
	}
	fmt.Println(string(body))
	return nil
}

func tasksCmd(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	body, err := callAPI(ctx, cfg, http.MethodGet, "/tasks")
	if err != nil {
		return err
	}
	fmt.Println(string(body))
	return nil
}

func main() {
	configFlag := &cli.StringFlag{
		Name:        "config",
		Aliases:     []string{"c"},
		Usage:       "Path to config file",
		DefaultText: "config/config.yaml",
		Value:       "config/config.yaml",
		Sources:     cli.EnvVars("APP_CONFIG_FILE"),
	}

	cmd := &cli.Command{
		Name:  "xir",
		Usage: "Offline-first relief logistics node: QR packet transport, replay-safe ledger, hub reconciliation",
		Flags: []cli.Flag{configFlag},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the node (role comes from config)",
				Action: serveCmd,
			},
			{
				Name:   "keygen",
				Usage:  "Create the node identity if missing and print its public keys",
				Action: keygenCmd,
			},
			{
				Name:  "pair",
				Usage: "Provision edge nodes against the hub",
				Commands: []*cli.Command{
					{
						Name:   "new",
						Usage:  "Issue a pairing grant for an edge node (hub only)",
						Action: pairNewCmd,
						Flags: []cli.Flag{
							&cli.DurationFlag{
								Name:  "ttl",
								Usage: "Grant validity window",
								Value: time.Hour,
							},
						},
					},
					{
						Name:   "apply",
						Usage:  "Apply a pairing grant from a file or stdin (edge only)",
						Action: pairApplyCmd,
					},
				},
			},
			{
				Name:   "encode",
				Usage:  "Chunk a raw packet into QR lines",
				Action: encodeCmd,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "kind",
						Usage: "Packet kind token, e.g. MANIFEST",
					},
				},
			},
			{
				Name:   "decode",
				Usage:  "Reassemble QR lines from stdin back into the raw packet",
				Action: decodeCmd,
			},
			{
				Name:   "flush",
				Usage:  "Ask the running node to deliver its pending queue now",
				Action: flushCmd,
			},
			{
				Name:   "reconcile",
				Usage:  "Print the hub's order/completion reconciliation report",
				Action: reconcileCmd,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "window-hours",
						Usage: "Reporting window in hours",
					},
				},
			},
			{
				Name:   "tasks",
				Usage:  "List open tasks in working order",
				Action: tasksCmd,
			},
			{
				Name:   "mcp",
				Usage:  "Serve the read-only ops tools over MCP stdio",
				Action: mcpCmd,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
