package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Resinat/Lumen/internal/analytics"
	"github.com/Resinat/Lumen/internal/api"
	"github.com/Resinat/Lumen/internal/background"
	"github.com/Resinat/Lumen/internal/buildinfo"
	"github.com/Resinat/Lumen/internal/config"
	"github.com/Resinat/Lumen/internal/edgecache"
	"github.com/Resinat/Lumen/internal/geoip"
	"github.com/Resinat/Lumen/internal/kvstore"
	"github.com/Resinat/Lumen/internal/metrics"
	"github.com/Resinat/Lumen/internal/origin"
	"github.com/Resinat/Lumen/internal/proxy"
)

type lumenApp struct {
	envCfg     *config.EnvConfig
	store      kvstore.Store
	janitor    *kvstore.Janitor
	resolver   *config.Resolver
	metrics    *metrics.Metrics
	geoSvc     *geoip.Service
	pool       *background.Pool
	aggregator *analytics.Aggregator
	cache      *edgecache.Otter
	transport  *http.Transport
	server     *api.Server
}

func run() error {
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}
	log.Printf("Starting %s", buildinfo.String())

	store, err := openStore(envCfg)
	if err != nil {
		return fmt.Errorf("store bootstrap: %w", err)
	}

	app, err := newLumenApp(envCfg, store)
	if err != nil {
		_ = store.Close()
		return err
	}

	serverErrCh := app.startServers()
	runtimeErr := waitForShutdown(serverErrCh)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	app.shutdown(ctx)

	if runtimeErr != nil {
		return fmt.Errorf("runtime server error: %w", runtimeErr)
	}
	return nil
}

func openStore(envCfg *config.EnvConfig) (kvstore.Store, error) {
	switch envCfg.StoreDriver {
	case config.StoreDriverMemory:
		log.Println("Using in-memory store; configuration and analytics are lost on restart")
		return kvstore.NewMemory(), nil
	default:
		s, err := kvstore.OpenSQLite(envCfg.DataDir)
		if err != nil {
			return nil, err
		}
		log.Printf("SQLite store opened at %s", s.Path())
		return s, nil
	}
}

func newLumenApp(envCfg *config.EnvConfig, store kvstore.Store) (*lumenApp, error) {
	app := &lumenApp{envCfg: envCfg, store: store}

	if envCfg.MetricsEnabled {
		app.metrics = metrics.New()
	}

	configStore := kvstore.Namespace(store, "config")
	if err := seedConfig(envCfg, configStore); err != nil {
		return nil, err
	}
	app.resolver = config.NewResolver(configStore, envCfg.ConfigStaleness)
	app.resolver.OnRefresh = app.metrics.ObserveConfigRefresh
	if cfg := app.resolver.GetConfig(context.Background()); cfg.AdminToken == "" && envCfg.AdminAPIEnabled {
		log.Println("No admin token configured; call POST /api/setup to initialize one")
	} else if config.IsWeakToken(cfg.AdminToken) {
		log.Println("WARNING: admin_token is weak; use a long random value")
	}

	janitor, err := kvstore.NewJanitor(store, envCfg.StorePurgeSchedule)
	if err != nil {
		return nil, err
	}
	app.janitor = janitor

	geoSvc, err := geoip.NewService(geoip.ServiceConfig{
		DBPath:         envCfg.GeoIPDBPath,
		ReloadSchedule: envCfg.GeoIPReloadSchedule,
		CountryHeader:  envCfg.CountryHeader,
	})
	if err != nil {
		return nil, err
	}
	app.geoSvc = geoSvc

	app.pool = background.NewPool(envCfg.BackgroundWorkers, envCfg.BackgroundQueueSize)
	app.pool.OnDrop = app.metrics.IncBackgroundDropped

	analyticsStore := kvstore.Namespace(store, "analytics")
	app.aggregator = analytics.NewAggregator(analytics.Options{
		Logs:          analyticsStore,
		Counters:      analytics.NewKVCounterStore(analyticsStore),
		Config:        app.resolver,
		Background:    app.pool,
		BatchSize:     envCfg.AnalyticsBatchSize,
		FlushInterval: envCfg.AnalyticsFlushInterval,
	})
	app.aggregator.OnFlush = app.metrics.ObserveFlush
	app.aggregator.OnCounterError = app.metrics.IncCounterError

	cache, err := edgecache.NewOtter(envCfg.EdgeCacheMaxBytes)
	if err != nil {
		return nil, fmt.Errorf("edge cache: %w", err)
	}
	app.cache = cache

	app.transport = origin.NewTransport(origin.TransportConfig{
		MaxIdleConns:        envCfg.TransportMaxIdleConns,
		MaxIdleConnsPerHost: envCfg.TransportMaxIdleConnsPerHost,
		IdleConnTimeout:     envCfg.TransportIdleConnTimeout,
	})
	fetcher := origin.NewFetcher(&http.Client{Transport: app.transport}, nil)
	fetcher.OnFetch = app.metrics.ObserveFetch

	pipeline := proxy.NewPipeline(proxy.Options{
		Config:     app.resolver,
		Fetcher:    fetcher,
		Cache:      cache,
		Recorder:   app.aggregator,
		Background: app.pool,
		Geo:        geoSvc,
		Metrics:    app.metrics,
		Version:    buildinfo.Version,
	})

	var metricsHandler http.Handler
	if app.metrics != nil {
		metricsHandler = app.metrics.Handler()
	}
	app.server = api.NewServer(api.Options{
		ListenAddress:   envCfg.ListenAddress,
		Port:            envCfg.Port,
		APIMaxBodyBytes: int64(envCfg.APIMaxBodyBytes),
		Version:         buildinfo.Version,
		Config:          app.resolver,
		Analytics:       app.aggregator,
		Proxy:           pipeline,
		Metrics:         metricsHandler,
		AdminEnabled:    envCfg.AdminAPIEnabled,
	})

	app.startBackgroundServices()
	return app, nil
}

func seedConfig(envCfg *config.EnvConfig, store config.Store) error {
	if envCfg.ConfigSeedFile == "" {
		return nil
	}
	seed, err := config.LoadSeedFile(envCfg.ConfigSeedFile)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := config.SeedStore(ctx, store, seed); err != nil {
		return fmt.Errorf("seed config: %w", err)
	}
	return nil
}

func (a *lumenApp) startBackgroundServices() {
	a.pool.Start()
	log.Printf("Background pool started (%d workers)", a.envCfg.BackgroundWorkers)

	a.aggregator.Start()
	log.Println("Analytics aggregator started")

	a.janitor.Start()
	log.Println("Store janitor started")

	if err := a.geoSvc.Start(); err != nil {
		log.Printf("GeoIP service start: %v", err)
	} else if a.envCfg.GeoIPDBPath != "" {
		log.Println("GeoIP service started")
	}
}

func (a *lumenApp) startServers() <-chan error {
	serverErrCh := make(chan error, 1)
	go func() {
		log.Printf("Lumen server starting on %s", formatListenURL(a.envCfg.ListenAddress, a.envCfg.Port))
		err := a.server.ListenAndServe()
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return
		}
		select {
		case serverErrCh <- fmt.Errorf("lumen server: %w", err):
		default:
		}
	}()
	return serverErrCh
}

func waitForShutdown(serverErrCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Printf("Received signal %s, shutting down...", sig)
		return nil
	case err := <-serverErrCh:
		log.Printf("Received server runtime error (%v), shutting down...", err)
		return err
	}
}

func formatListenURL(listenAddress string, port int) string {
	return "http://" + net.JoinHostPort(listenAddress, strconv.Itoa(port))
}

func (a *lumenApp) shutdown(ctx context.Context) {
	// Stop in order: request sources first, then sinks, then persistence.
	// 1. Stop accepting requests.
	if err := a.server.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("Lumen server stopped")
	a.transport.CloseIdleConnections()

	// 2. Final analytics flush, then drain queued background work.
	if err := a.aggregator.Stop(ctx); err != nil {
		log.Printf("Analytics final flush error: %v", err)
	}
	log.Println("Analytics aggregator stopped")
	if err := a.pool.Stop(ctx); err != nil {
		log.Printf("Background pool stop: %v", err)
	}
	log.Printf("Background pool stopped (%d tasks dropped)", a.pool.Dropped())

	// 3. Stop schedulers and infrastructure.
	a.janitor.Stop()
	a.geoSvc.Stop()
	log.Println("Schedulers stopped")
	a.cache.Close()

	if err := a.store.Close(); err != nil {
		log.Printf("Store close error: %v", err)
	}
	log.Println("Server stopped")
}
