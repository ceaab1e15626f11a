package main

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/reliefops/xir/internal/mcpserver"
)

// mcpCmd exposes the read-only ops tools over stdio for agent clients.
// It opens the node state directly, so run it on the node host.
func mcpCmd(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	svc, db, err := openNode(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	return mcpserver.New(svc).ServeStdio()
}
