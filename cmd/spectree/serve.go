package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/spectree/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API without running agents",
	Long: `Serve the status, decision and messaging API over HTTP, backed by the
project's store. Decisions are applied to the store directly; pause, resume
and stop are handed to the running orchestrator through the decisions
directory. Prometheus metrics are served on /metrics.

Use 'spectree run --serve' to serve from the running orchestrator instead.`,
	Args: cobra.NoArgs,
	RunE: runServeCmd,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from config server.addr)")
}

func runServeCmd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	addr := serveAddr
	if addr == "" {
		addr = cfg.Server.Addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()
	a.drainEvents()

	engine := &remoteEngine{Orchestrator: a.orch, signals: &fileController{dir: cfg.DecisionsDir()}}
	srv := server.New(engine, server.WithMetrics(a.registry, a.metrics))
	printStatus("✓", "Serving HTTP API on "+addr, color.FgGreen)
	return srv.ListenAndServe(ctx, addr)
}
