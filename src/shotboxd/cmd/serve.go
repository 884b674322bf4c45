package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/q-controller/shotbox/src/pkg/config"
	"github.com/q-controller/shotbox/src/pkg/events"
	"github.com/q-controller/shotbox/src/pkg/images"
	"github.com/q-controller/shotbox/src/pkg/images/storage"
	"github.com/q-controller/shotbox/src/pkg/keys"
	"github.com/q-controller/shotbox/src/pkg/logging"
	"github.com/q-controller/shotbox/src/pkg/metrics"
	"github.com/q-controller/shotbox/src/pkg/pages"
	"github.com/q-controller/shotbox/src/pkg/sweeper"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	eventQueueSize    = 128
	readHeaderTimeout = 10 * time.Second
)

func openStore(ctx context.Context, root string) (*storage.LocalFilesystemBackend, error) {
	store, storeErr := storage.NewLocalFilesystemBackend(root)
	if storeErr != nil {
		return nil, fmt.Errorf("failed to open image store: %w", storeErr)
	}

	adopted, dropped, reconcileErr := store.Reconcile(ctx)
	if reconcileErr != nil {
		return nil, errors.Join(fmt.Errorf("failed to reconcile image store: %w", reconcileErr), store.Close())
	}
	if adopted > 0 || dropped > 0 {
		slog.Info("Reconciled image store", "root", root, "adopted", adopted, "dropped", dropped)
	}
	return store, nil
}

func closeStore(store *storage.LocalFilesystemBackend) {
	if err := store.Close(); err != nil {
		slog.Warn("Failed to close image store", "error", err)
	}
}

func listenAndServe(ctx context.Context, g *errgroup.Group, srv *http.Server, lis net.Listener, shutdownTimeout time.Duration) {
	g.Go(func() error {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down %s: %w", lis.Addr(), err)
		}
		return nil
	})
}

func serve(ctx context.Context, cfg *config.Config) error {
	viewer, viewerErr := pages.Load(afero.NewOsFs(), cfg.PageValid, cfg.PageInvalid, cfg.Logo)
	if viewerErr != nil {
		return viewerErr
	}

	store, storeErr := openStore(ctx, cfg.StorageRoot)
	if storeErr != nil {
		return storeErr
	}
	defer closeStore(store)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// The publisher outlives the servers so uploads finishing during shutdown
	// are still reported.
	publisherCtx, stopPublisher := context.WithCancel(context.WithoutCancel(ctx))
	publisher := events.NewEventPublisher(publisherCtx, slog.Default(), eventQueueSize)
	defer func() {
		stopPublisher()
		publisher.Wait()
	}()

	pipeline := images.NewPipeline(store,
		keys.NewGenerator(store.Exists, keys.DefaultAttempts),
		images.WithMaxPixels(cfg.MaxPixels))
	router := images.NewRouter(images.RouterConfig{
		Store:         store,
		Pipeline:      pipeline,
		Viewer:        viewer,
		Notifier:      publisher,
		Metrics:       m,
		PublicHost:    cfg.PublicHost,
		HTTPS:         cfg.HTTPS,
		MaxUploadSize: cfg.MaxUploadSize,
	})

	var handler http.Handler = router
	if cfg.LogConnections {
		handler = logging.Connections(handler, slog.Default())
	}

	slog.Info("Binding", "address", cfg.Address())
	lis, lisErr := net.Listen("tcp", cfg.Address())
	if lisErr != nil {
		return fmt.Errorf("failed to listen: %w", lisErr)
	}

	var metricsLis net.Listener
	if cfg.MetricsAddr != "" {
		var metricsLisErr error
		metricsLis, metricsLisErr = net.Listen("tcp", cfg.MetricsAddr)
		if metricsLisErr != nil {
			return errors.Join(fmt.Errorf("failed to listen for metrics: %w", metricsLisErr), lis.Close())
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	listenAndServe(gctx, g, &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}, lis, cfg.ShutdownTimeout)

	if metricsLis != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		listenAndServe(gctx, g, &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: readHeaderTimeout,
		}, metricsLis, cfg.ShutdownTimeout)
		slog.Info("Serving metrics", "address", metricsLis.Addr())
	}

	sweep := sweeper.New(store, sweeper.Config{
		Delay:     cfg.SweepDelay,
		Interval:  cfg.SweepInterval,
		Retention: cfg.Retention,
	}, sweeper.WithMetrics(m))
	g.Go(func() error {
		return sweep.Run(gctx)
	})

	g.Go(func() error {
		if err := viewer.Watch(gctx); err != nil {
			slog.Warn("Page hot reload is disabled", "error", err)
		}
		return nil
	})

	slog.Info("Server initialized", "address", lis.Addr(), "public_host", cfg.PublicHost, "https", cfg.HTTPS)
	return g.Wait()
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Starts the image server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, cfgErr := readConfig(cmd)
		if cfgErr != nil {
			return cfgErr
		}

		closeLog, logErr := setupLogging(cfg)
		if logErr != nil {
			return logErr
		}
		defer func() {
			if err := closeLog(); err != nil {
				slog.Warn("Failed to close log file", "error", err)
			}
		}()
		slog.Debug("Read config", "config", cfg)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return serve(ctx, cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	addConfigFileFlag(serveCmd)
	config.RegisterFlags(serveCmd.Flags())
}
