package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/okian/trackgate/internal/adapters/gateway"
	"github.com/okian/trackgate/internal/adapters/http/api"
	"github.com/okian/trackgate/internal/adapters/http/site"
	"github.com/okian/trackgate/internal/adapters/http/swagger"
	repository "github.com/okian/trackgate/internal/adapters/repository"
	"github.com/okian/trackgate/internal/adapters/uplink"
	app "github.com/okian/trackgate/internal/app"
	"github.com/okian/trackgate/internal/config"
	"github.com/okian/trackgate/internal/domain/ionorm"
	"github.com/okian/trackgate/pkg/logger"
	"github.com/okian/trackgate/pkg/metrics"
	"github.com/okian/trackgate/pkg/retry"
	"golang.org/x/sync/errgroup"
)

// HTTP server timeout constants.
const (
	readTimeout               = 10 * time.Second
	writeTimeout              = 10 * time.Second
	idleTimeout               = 60 * time.Second
	readHeaderTimeout         = 5 * time.Second
	shutdownTimeout           = 30 * time.Second
	systemMetricsInterval     = 10 * time.Second
	nanosecondsPerMillisecond = 1e6
)

func main() {
	if err := logger.Init(); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}

	// Root context with cancel on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration (defaults -> optional file -> env)
	cfg, err := config.Load(ctx)
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}
	if err := logger.InitWithFormat(cfg.LogFormat); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	log := logger.Get()
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		log.Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}

	if err := run(ctx, cfg, nil); err != nil {
		log.Error(ctx, "trackgate stopped with error", logger.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	log.Info(ctx, "trackgate stopped")
}

// listeners lets tests hand in pre-bound sockets. Nil fields are bound from cfg.
type listeners struct {
	http    net.Listener
	gateway net.Listener
}

// run starts the enabled components and blocks until ctx is cancelled or one
// of them fails.
func run(ctx context.Context, cfg *config.Config, ls *listeners) error {
	if ls == nil {
		ls = &listeners{}
	}
	log := logger.GetOrNop()

	var (
		srv *http.Server
		gw  *gateway.Server
	)
	if cfg.IngestEnabled {
		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		svc := app.New(
			app.WithStore(store),
			app.WithRetention(cfg.Retention()),
			app.WithRetryPolicy(retry.Policy{
				MaxAttempts: cfg.RetryAttempts,
				BaseDelay:   cfg.RetryBaseDelay(),
				MaxDelay:    retry.DefaultMaxDelay,
			}),
			app.WithLogger(log.Named("ingest")),
		)
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("start ingest service: %w", err)
		}
		defer svc.Stop()

		if cfg.IngestToken == "" {
			log.Warn(ctx, "ingest_token is empty; /ingest and the device API will answer 503")
		}
		srv = newHTTPServer(ctx, cfg, svc, log)
	}
	if cfg.GatewayEnabled {
		var err error
		if gw, err = newGateway(cfg, ls.gateway, log); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		startSystemMetricsUpdater(gctx)
		return nil
	})
	if srv != nil {
		g.Go(func() error {
			var err error
			if ls.http != nil {
				log.Info(ctx, "starting HTTP server", logger.String("addr", ls.http.Addr().String()))
				err = srv.Serve(ls.http)
			} else {
				log.Info(ctx, "starting HTTP server", logger.String("addr", cfg.Addr))
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error(ctx, "http shutdown failed", logger.Error(err))
			}
			return nil
		})
	}
	if gw != nil {
		g.Go(func() error { return gw.Serve(gctx) })
	}
	return g.Wait()
}

func newHTTPServer(ctx context.Context, cfg *config.Config, svc *app.Service, log logger.Logger) *http.Server {
	mux := http.NewServeMux()
	site.Register(ctx, mux)
	swagger.Register(ctx, mux)
	api.NewServer(svc,
		api.WithIngestToken(cfg.IngestToken),
		api.WithMaxBodyBytes(cfg.MaxBodyBytes),
		api.WithMaxDeviceIDLength(cfg.MaxDeviceIDLength),
		api.WithLogger(log.Named("api")),
	).Register(ctx, mux)

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func openStore(ctx context.Context, cfg *config.Config) (repository.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory, "":
		return repository.NewTreapStore(ctx), nil
	case config.BackendPostgres:
		pg, err := repository.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			_ = pg.Close()
			return nil, fmt.Errorf("prepare store schema: %w", err)
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("%w: store_backend %q", config.ErrInvalidConfig, cfg.StoreBackend)
	}
}

func newGateway(cfg *config.Config, l net.Listener, log logger.Logger) (*gateway.Server, error) {
	mapping, err := cfg.Mapping()
	if err != nil {
		return nil, fmt.Errorf("io_mapping: %w", err)
	}
	fwd, err := uplink.New(cfg.IngestURL,
		uplink.WithToken(cfg.IngestToken),
		uplink.WithTimeout(cfg.ForwardTimeout()),
		uplink.WithNormalizer(ionorm.New(mapping)),
		uplink.WithLogger(log.Named("uplink")),
	)
	if err != nil {
		return nil, err
	}
	return gateway.New(cfg.GatewayAddr, fwd,
		gateway.WithListener(l),
		gateway.WithIdleTimeout(cfg.GatewayIdleTimeout()),
		gateway.WithMaxFrameBytes(cfg.GatewayMaxFrameBytes),
		gateway.WithVerifyCRC(cfg.GatewayVerifyCRC),
		gateway.WithReplayWindow(cfg.GatewayReplayWindow),
		gateway.WithLogger(log.Named("gateway")),
	), nil
}

// startSystemMetricsUpdater updates system metrics until ctx is done.
func startSystemMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(systemMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateSystemMetrics()
		}
	}
}

// updateSystemMetrics updates system-level metrics.
func updateSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	metrics.UpdateSystemMemoryUsage(m.Alloc)
	metrics.UpdateSystemGoroutineCount(runtime.NumGoroutine())

	if m.NumGC > 0 {
		avgPauseMs := float64(m.PauseTotalNs) / float64(m.NumGC) / nanosecondsPerMillisecond
		metrics.RecordSystemGCPauseTime(avgPauseMs)
	}
}
