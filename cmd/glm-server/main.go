package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glmap/server/internal/api"
	"github.com/glmap/server/internal/cache"
	"github.com/glmap/server/internal/chunk"
	"github.com/glmap/server/internal/config"
	"github.com/glmap/server/internal/database"
	"github.com/glmap/server/internal/gateway"
	"github.com/glmap/server/internal/performance"
	"github.com/glmap/server/internal/registrar"
	"github.com/glmap/server/internal/service"
	"github.com/glmap/server/internal/worldsource"
)

// main starts the chunk server: it opens the store, wires the cache, the
// command registrar and the chunk service behind the websocket gateway, and
// serves until SIGINT or SIGTERM.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	cache.SetLockDiagnostics(cfg.Logging.LockDiagnostics, cfg.Logging.LockTimeout)
	profiler := performance.NewProfiler(cfg.Logging.Profiling)

	db, dialect, err := database.Open(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}

	storage, err := database.NewChunkStorage(db, database.Options{
		Dialect:       dialect,
		TablePrefix:   cfg.Database.TablePrefix,
		SchemaVersion: chunk.SchemaVersion(cfg.Database.SchemaVersion),
		QueryTimeout:  cfg.Database.QueryTimeout,
		Profiler:      profiler,
	})
	if err != nil {
		log.Fatalf("Failed to create chunk storage: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	version, err := storage.EnsureSchema(ctx)
	cancel()
	if err != nil {
		log.Fatalf("Failed to prepare schema: %v", err)
	}
	log.Printf("Store ready: driver=%s schema=v%d prefix=%q", dialect, version, cfg.Database.TablePrefix)

	punisher, err := registrar.NewPunisher(cfg.Commands.PunishPolicy, storage)
	if err != nil {
		log.Fatalf("Failed to create punisher: %v", err)
	}
	commands := registrar.New(punisher, registrar.WithProfiler(profiler))

	proxies, err := gateway.NewProxyTrust(cfg.Server.TrustedProxies)
	if err != nil {
		log.Fatalf("Invalid trusted proxies: %v", err)
	}

	gw, err := gateway.New(gateway.Options{
		Dispatcher:     commands,
		Bans:           storage,
		Proxies:        proxies,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxWorkers:     cfg.Commands.MaxWorkers,
	})
	if err != nil {
		log.Fatalf("Failed to create gateway: %v", err)
	}

	chunkCache := cache.New()
	source := worldsource.NewClient(cfg.Source)
	svcOpts := service.Options{
		Cache:       chunkCache,
		Store:       storage,
		Capacity:    cacheCapacity(cfg.Cache),
		Connections: gw.Connections,
		Profiler:    profiler,
	}
	if source.Enabled() {
		svcOpts.Source = source
		checkSource(source)
	}
	chunks, err := service.New(svcOpts)
	if err != nil {
		log.Fatalf("Failed to create chunk service: %v", err)
	}

	var intervals map[string]time.Duration
	if cfg.Commands.File != "" {
		if intervals, err = config.LoadCommandIntervals(cfg.Commands.File); err != nil {
			log.Fatalf("Failed to load command intervals: %v", err)
		}
	}
	if err := chunks.Register(commands, intervals); err != nil {
		log.Fatalf("Failed to register commands: %v", err)
	}

	server := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      api.NewRouter(cfg, api.NewHandlers(chunks, storage, profiler), gw, proxies),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	stopReports := startProfileReports(profiler, cfg.Logging)

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("Chunk server listening on %s (tls=%v, env=%s)", server.Addr, cfg.TLS.Enabled, cfg.Server.Environment)
		if cfg.TLS.Enabled {
			serverErr <- server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			serverErr <- server.ListenAndServe()
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Printf("Received %v, shutting down", sig)
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Server failed: %v", err)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()

	// Stop accepting, then drain the sessions and the handlers still running.
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	if err := gw.Shutdown(shutdownCtx); err != nil {
		log.Printf("Gateway drain incomplete: %v", err)
	}
	stopReports()
	profiler.LogReport()

	if err := db.Close(); err != nil {
		log.Printf("Failed to close store: %v", err)
	}
	chunkCache.Close()
	log.Printf("Chunk server stopped")
}

func cacheCapacity(cfg config.CacheConfig) cache.Capacity {
	if cfg.Limited {
		return cache.Limit(cfg.MaxChunksPerWorld)
	}
	return cache.Unlimited()
}

func checkSource(source *worldsource.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := source.HealthCheck(ctx); err != nil {
		log.Printf("Warning: world source is not healthy, chunk generation may fail: %v", err)
		return
	}
	log.Printf("World source is healthy")
}

// startProfileReports logs the operation timings every interval until the
// returned func is called.
func startProfileReports(profiler *performance.Profiler, cfg config.LoggingConfig) func() {
	if !cfg.Profiling || cfg.ReportInterval <= 0 {
		return func() {}
	}
	ticker := time.NewTicker(cfg.ReportInterval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				profiler.LogReport()
			case <-done:
				return
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}
