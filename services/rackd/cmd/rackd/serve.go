package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"rackd/pkg/bus"
	"rackd/pkg/render"
	"rackd/pkg/telemetry"
	"rackd/pkg/workers"
	"rackd/services/rackd/internal/boot"
	"rackd/services/rackd/internal/config"
	"rackd/services/rackd/internal/dhcp"
	"rackd/services/rackd/internal/images"
	"rackd/services/rackd/internal/pxehttp"
	"rackd/services/rackd/internal/rpc"
	"rackd/services/rackd/internal/servicemon"
	"rackd/services/rackd/internal/tftp"
)

const streamName = "RACKD"

func run(parent context.Context, configPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownTelemetry != nil {
			if err := shutdownTelemetry(shutdownCtx); err != nil {
				fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
			}
		}
	}()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	pool, err := rpc.Dial(cfg.RPC.URLs, rpc.PoolOptions{
		LocalIdent:    cfg.SystemID,
		SubjectPrefix: cfg.RPC.SubjectPrefix,
		Timeout:       cfg.RPC.Timeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("dial region: %w", err)
	}
	defer pool.Close()

	events, err := bus.New(cfg.RPC.URLs)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer events.Close()
	if err := events.EnsureStream(streamName, "rackd.events.>", "rackd.dhcp.>"); err != nil {
		return fmt.Errorf("ensure stream: %w", err)
	}

	engine, err := render.New()
	if err != nil {
		return fmt.Errorf("load templates: %w", err)
	}
	methods := boot.DefaultRegistry(engine)
	registry := prometheus.DefaultRegisterer

	backend, err := tftp.NewBackend(tftp.BackendConfig{
		Root:      cfg.TFTP.RootDir,
		Methods:   methods,
		Directory: rpc.NewDirectory(pool),
		Fetcher:   &rpc.Fetcher{},
		Catalog:   images.NewFileCatalog(cfg.TFTP.ImagesManifest),
		Events:    events,
		Endpoints: boot.Endpoints{
			FSHost:  cfg.Boot.FSHost,
			LogHost: cfg.Boot.LogHost,
			LogPort: cfg.Boot.LogPort,
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("create boot backend: %w", err)
	}
	defer backend.Wait()

	var tftpReady, httpReady, dhcpReady atomic.Bool
	g, gctx := errgroup.WithContext(ctx)

	if cfg.TFTP.Enabled {
		listeners := tftp.NewListenerSet(tftp.ServerFactory(tftp.ServerConfig{
			Port:    cfg.TFTP.Port,
			Timeout: time.Duration(cfg.TFTP.TimeoutSec) * time.Second,
			Source:  backend,
			Metrics: tftp.NewMetrics(registry),
			Logger:  logger,
		}), tftp.HostAddresses, cfg.TFTP.Refresh, logger)
		g.Go(func() error {
			if err := listeners.Run(gctx, &tftpReady); err != nil {
				return fmt.Errorf("tftp: %w", err)
			}
			return nil
		})
	} else {
		tftpReady.Store(true)
	}

	if cfg.DHCP.Enabled {
		if err := startDHCP(gctx, cfg, engine, methods, events, logger); err != nil {
			return err
		}
	}
	dhcpReady.Store(true)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if dhcpReady.Load() && tftpReady.Load() && httpReady.Load() && len(pool.AllClients()) > 0 {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.Error(w, "components not ready", http.StatusServiceUnavailable)
	})
	mux.Handle("/metrics", promhttp.Handler())

	if cfg.HTTP.Enabled {
		boots, err := pxehttp.NewHandler(backend, registry, logger)
		if err != nil {
			return fmt.Errorf("create http boot handler: %w", err)
		}
		mux.Handle("/images/", boots.Routes())
	}
	httpReady.Store(true)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           middleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "%s: http shutdown error: %v\n", serviceName, err)
		}
		return nil
	})

	logger.Printf("INFO http listening on %s", server.Addr)

	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// startDHCP subscribes the v4 and v6 reconcilers to the region's desired
// state. Subscriptions end with ctx.
func startDHCP(ctx context.Context, cfg config.Config, engine *render.Engine, methods *boot.Registry, events *bus.Bus, logger *log.Logger) error {
	v4 := dhcp.DHCPv4Server(cfg.DHCP.ConfigDir)
	v6 := dhcp.DHCPv6Server(cfg.DHCP.ConfigDir)
	consumer := "rackd"
	if cfg.SystemID != "" {
		consumer = "rackd-" + cfg.SystemID
		v4.Subject = "rackd.dhcp." + cfg.SystemID + ".v4.configure"
		v6.Subject = "rackd.dhcp." + cfg.SystemID + ".v6.configure"
	}

	reconciler := &dhcp.Reconciler{
		Store:   dhcp.NewStateStore(),
		Monitor: servicemon.NewSystemd(nil, logger),
		HostMaps: func(server dhcp.Server, key string) dhcp.HostMapClient {
			return dhcp.NewOmshell(cfg.DHCP.OmshellPath, server.OMAPIPort, key)
		},
		Engine:  engine,
		Loaders: methods.BootLoaders(),
		Pool:    workers.New(cfg.Workers),
		Logger:  logger,
	}

	subscriber := dhcp.NewSubscriber(reconciler, logger, v4, v6)
	if _, err := subscriber.Start(ctx, events, consumer, v4, v6); err != nil {
		return fmt.Errorf("dhcp: %w", err)
	}
	logger.Printf("INFO dhcp reconcilers subscribed to %s and %s", v4.Subject, v6.Subject)
	return nil
}
