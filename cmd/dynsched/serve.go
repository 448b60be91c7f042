package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/dynsched/pkg/api"
	"github.com/cuemby/dynsched/pkg/config"
	"github.com/cuemby/dynsched/pkg/events"
	"github.com/cuemby/dynsched/pkg/health"
	"github.com/cuemby/dynsched/pkg/log"
	"github.com/cuemby/dynsched/pkg/metrics"
	"github.com/cuemby/dynsched/pkg/runtime"
	"github.com/cuemby/dynsched/pkg/scheduler"
	"github.com/cuemby/dynsched/pkg/sidecar"
	"github.com/cuemby/dynsched/pkg/storage"
	"github.com/cuemby/dynsched/pkg/volume"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler",
	Long: `Run the scheduler until SIGINT or SIGTERM.

On start the scheduler rebuilds its registry from the sidecar containers
found in containerd, then starts observing every service. Service specs
passed with --spec are added after discovery; nodes that are already
tracked are skipped.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringSlice("spec", nil, "YAML service spec file to start tracking (repeatable)")
	serveCmd.Flags().String("http-addr", "", "Address of the health and metrics endpoints; overrides the configuration")
	serveCmd.Flags().String("grpc-addr", "", "Address of the gRPC health service; overrides the configuration")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("http-addr"); addr != "" {
		cfg.API.HTTPAddr = addr
	}
	if addr, _ := cmd.Flags().GetString("grpc-addr"); addr != "" {
		cfg.API.GRPCAddr = addr
	}
	specFiles, _ := cmd.Flags().GetStringSlice("spec")

	logger := log.WithComponent("main")
	metrics.SetVersion(Version)
	metrics.UpdateComponent(metrics.ComponentContainerd, false, "connecting to "+cfg.Containerd.Socket)
	metrics.UpdateComponent(metrics.ComponentScheduler, false, "discovering services")
	metrics.UpdateComponent(metrics.ComponentAPI, false, "starting listeners")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	store, err := storage.NewBoltStore(cfg.Storage.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	driver, err := volume.NewLocalDriver(cfg.Volumes.BasePath)
	if err != nil {
		return err
	}
	volumes := volume.NewManager(driver, store)

	rt, err := newRuntime(cfg, volumes)
	if err != nil {
		return err
	}
	defer rt.Close()
	if err := rt.Ping(ctx); err != nil {
		metrics.UpdateComponent(metrics.ComponentContainerd, false, err.Error())
		return err
	}
	metrics.UpdateComponent(metrics.ComponentContainerd, true, "")

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	if cfg.Events.NATSURL != "" {
		nc, err := events.ConnectNATS(cfg.Events.NATSURL)
		if err != nil {
			return err
		}
		defer nc.Close()
		fwd := events.NewForwarder(broker, nc, cfg.Events.SubjectPrefix)
		fwd.Start()
		defer fwd.Stop()
		logger.Info().Str("url", cfg.Events.NATSURL).Msg("Forwarding events to NATS")
	}

	sidecarClient := sidecar.NewClient(sidecar.Config{
		RequestTimeout: cfg.Sidecar.RequestTimeout.Std(),
		Retries:        cfg.Sidecar.Retries,
	})

	sched := scheduler.New(scheduler.Config{
		Interval:                     cfg.Scheduler.Interval.Std(),
		PendingVolumeRemovalInterval: cfg.Scheduler.PendingVolumeRemovalInterval.Std(),
		ShutdownTimeout:              cfg.Scheduler.ShutdownTimeout.Std(),
		Health: health.Config{
			Timeout: cfg.Sidecar.RequestTimeout.Std(),
			Retries: cfg.Sidecar.HealthFailureThreshold,
		},
		StartupTimeout: cfg.Sidecar.StartupTimeout.Std(),
	}, rt, sidecarClient, volumes, broker)

	errCh := make(chan error, 2)
	httpServer := api.NewHealthServer(cfg.API.HTTPAddr, sched)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	grpcServer := api.NewServer()
	go func() {
		if err := grpcServer.Start(cfg.API.GRPCAddr); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()
	metrics.UpdateComponent(metrics.ComponentAPI, true, "")

	if cfg.Scheduler.Enabled {
		if err := sched.Start(ctx); err != nil {
			metrics.UpdateComponent(metrics.ComponentScheduler, false, err.Error())
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	} else {
		logger.Warn().Msg("Scheduler disabled by configuration, serving health endpoints only")
	}

	if err := addSpecs(sched, specFiles, cfg.Sidecar.Port); err != nil {
		sched.Shutdown()
		return err
	}

	collector := metrics.NewCollector(sched, 15*time.Second)
	collector.Start()
	defer collector.Stop()

	metrics.UpdateComponent(metrics.ComponentScheduler, true, "")
	grpcServer.SetServing(true)
	logger.Info().Msg("dynsched is running")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down")
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("Server failed, shutting down")
	}

	grpcServer.SetServing(false)
	metrics.UpdateComponent(metrics.ComponentScheduler, false, "shutting down")
	sched.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Stop(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Warn().Err(err).Msg("HTTP server did not stop cleanly")
	}
	grpcServer.Stop()

	return runErr
}

func newRuntime(cfg *config.Config, volumes runtime.VolumeProvider) (*runtime.ContainerdRuntime, error) {
	return runtime.NewContainerdRuntime(runtime.Config{
		SocketPath:      cfg.Containerd.Socket,
		Namespace:       cfg.Containerd.Namespace,
		SidecarImage:    cfg.Sidecar.Image,
		ProxyImage:      cfg.Sidecar.ProxyImage,
		StopGracePeriod: cfg.Sidecar.StopGracePeriod.Std(),
	}, volumes)
}

// addSpecs starts tracking the services described in specFiles. Nodes that
// discovery already restored are left alone.
func addSpecs(sched *scheduler.Scheduler, specFiles []string, defaultPort int) error {
	logger := log.WithComponent("main")
	for _, path := range specFiles {
		svc, err := loadServiceSpec(path, defaultPort)
		if err != nil {
			return err
		}
		if err := sched.AddService(svc); err != nil {
			if errors.Is(err, scheduler.ErrDuplicateIdentity) {
				logger.Info().Str("node_id", svc.NodeID).Msg("Service already tracked")
				continue
			}
			return fmt.Errorf("failed to add %s: %w", path, err)
		}
	}
	return nil
}
