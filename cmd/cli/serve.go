package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/anstrom/camwatch/internal/api"
	"github.com/anstrom/camwatch/internal/config"
	"github.com/anstrom/camwatch/internal/logging"
	"github.com/anstrom/camwatch/internal/metrics"
	"github.com/anstrom/camwatch/internal/natsbridge"
	"github.com/anstrom/camwatch/internal/scheduler"
)

const serveShutdownTimeout = 30 * time.Second

var (
	serveNoAPI bool
	servePort  int
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scan pipeline with the API, scheduler and NATS bridge",
	Long: `Run camwatch as a long-lived service. The worker pool, geolocation queue
and message bus run until SIGINT or SIGTERM. Depending on configuration
this also starts:

  - the HTTP API with the websocket message stream and /metrics
  - the cron scheduler that rescans schedule.targets
  - the NATS bridge that forwards results and accepts scan requests
  - PostgreSQL persistence of every result`,
	Example: `  camwatch serve
  camwatch serve --port 9090
  CAMWATCH_NATS_ENABLED=true camwatch serve`,
	PreRunE: bindPipelineFlags,
	RunE:    runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	addPipelineFlags(serveCmd.Flags())

	serveCmd.Flags().BoolVar(&serveNoAPI, "no-api", false, "Do not start the HTTP API")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "API port (overrides api.port)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.API.Port = servePort
	}
	if serveNoAPI {
		cfg.API.Enabled = false
	}

	logger := logging.Default()
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := newPipeline(ctx, cfg, logger)
	if err != nil {
		return err
	}
	p.Start()
	logger.Info("Pipeline started",
		"workers", cfg.Scanning.Workers,
		"rules", p.Rules().Len(),
		"geolocation", cfg.Geolocation.Enabled,
		"database", cfg.Database.Enabled)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if err := startAPI(gctx, g, cfg, p, logger); err != nil {
		stop()
		_ = p.shutdown(serveShutdownTimeout)
		return err
	}
	if err := startScheduler(gctx, g, cfg, p, logger); err != nil {
		stop()
		_ = g.Wait()
		_ = p.shutdown(serveShutdownTimeout)
		return err
	}
	if err := startNATS(gctx, g, cfg, p, logger); err != nil {
		stop()
		_ = g.Wait()
		_ = p.shutdown(serveShutdownTimeout)
		return err
	}

	runErr := g.Wait()
	logger.Info("Shutting down pipeline")
	if err := p.shutdown(serveShutdownTimeout); err != nil {
		logger.Error("Pipeline shutdown failed", "error", err)
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}

func startAPI(ctx context.Context, g *errgroup.Group, cfg *config.Config, p *pipeline, logger *logging.Logger) error {
	if !cfg.API.Enabled {
		return nil
	}

	deps := api.Dependencies{
		Pipeline: p.Watcher,
		Bus:      p.Bus(),
		Metrics:  metrics.Default(),
		Logger:   logger,
	}
	// left nil when persistence is off so the handlers report 503
	if p.database != nil {
		deps.Store = p.Store()
		deps.Database = p.database
	}

	server, err := api.New(cfg, deps)
	if err != nil {
		return fmt.Errorf("failed to create API server: %w", err)
	}
	g.Go(func() error { return server.Start(ctx) })
	return nil
}

func startScheduler(ctx context.Context, g *errgroup.Group, cfg *config.Config, p *pipeline, logger *logging.Logger) error {
	if !cfg.Schedule.Enabled {
		return nil
	}

	sched := scheduler.New(p.Watcher, logger)
	if _, err := sched.AddJob("config", cfg.Schedule.Cron, cfg.Schedule.Targets); err != nil {
		return fmt.Errorf("invalid schedule: %w", err)
	}
	if err := sched.Start(); err != nil {
		return err
	}
	g.Go(func() error {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), serveShutdownTimeout)
		defer cancel()
		return sched.Stop(stopCtx)
	})
	return nil
}

func startNATS(ctx context.Context, g *errgroup.Group, cfg *config.Config, p *pipeline, logger *logging.Logger) error {
	if !cfg.NATS.Enabled {
		return nil
	}

	nc, err := natsbridge.Connect(cfg.NATS.URL, "camwatch", logger)
	if err != nil {
		return err
	}
	bridge := natsbridge.New(nc, p.Bus(), p.Watcher, cfg.NATS.SubjectPrefix, logger)
	if err := bridge.Start(); err != nil {
		nc.Close()
		return err
	}
	g.Go(func() error {
		<-ctx.Done()
		return bridge.Close()
	})
	return nil
}
