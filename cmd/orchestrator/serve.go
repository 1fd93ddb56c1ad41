package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/agent-orchestrator/internal/server"
)

var (
	servePort        int
	serveNoScheduler bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the worker callback server and the scheduler loop",
	Long: `Start an HTTP server exposing the worker callbacks, the pull queue and the status
event stream, and run the scheduler loop in the same process.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (defaults to PORT or 8080)")
	serveCmd.Flags().BoolVar(&serveNoScheduler, "no-scheduler", false, "Serve callbacks only; run the scheduler elsewhere")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	port := a.cfg.Port
	if servePort > 0 {
		port = servePort
	}
	srv := server.New(server.Config{
		Port:            port,
		EventsPerSecond: a.cfg.EventsPerSecond,
	}, a.worker, a.bus, a.db, a.log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	if !serveNoScheduler {
		g.Go(func() error { return a.scheduler.Start(gctx) })
	}
	return g.Wait()
}
