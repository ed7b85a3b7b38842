// Package main provides the entry point for the browser gateway server.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmylchreest/browserhost/internal/audit"
	"github.com/jmylchreest/browserhost/internal/auth"
	"github.com/jmylchreest/browserhost/internal/browser"
	"github.com/jmylchreest/browserhost/internal/config"
	"github.com/jmylchreest/browserhost/internal/gateway"
	"github.com/jmylchreest/browserhost/internal/logging"
	"github.com/jmylchreest/browserhost/internal/memory"
	"github.com/jmylchreest/browserhost/internal/router"
	"github.com/jmylchreest/browserhost/internal/session"
	"github.com/jmylchreest/browserhost/internal/shutdown"
	"github.com/jmylchreest/browserhost/internal/version"
)

func main() {
	cfg := config.Load()
	logger := logging.SetDefault()

	logger.Info("starting browser gateway",
		"version", version.Get().Version,
		"addr", cfg.ListenAddr,
	)

	auditLog, err := audit.Open(cfg.AuditDBPath, logger)
	if err != nil {
		logger.Error("open audit log", "error", err)
		os.Exit(1)
	}
	defer auditLog.Close()

	driver := browser.NewDriver(cfg)

	var authn auth.Authenticator
	if cfg.JWTIssuer != "" && !cfg.AllowUnauthenticated {
		authn = auth.NewJWTAuthenticator(cfg.JWTIssuer)
		logger.Info("JWT authentication enabled", "issuer", cfg.JWTIssuer)
	} else if cfg.AllowUnauthenticated {
		logger.Warn("authentication disabled - ALLOW_UNAUTHENTICATED is set")
		authn = auth.NoopAuthenticator{}
	} else {
		logger.Warn("no JWT_ISSUER configured - falling back to unauthenticated access")
		authn = auth.NoopAuthenticator{}
	}

	sessions := session.NewManager(driver, cfg, logger, auditLog, nil)
	sessions.StartSweep()

	rtr := router.New(driver, cfg, logger, sessions.UpdateViewport)

	registry := prometheus.NewRegistry()

	idleTimeout := 0 * time.Second
	if v := os.Getenv("IDLE_TIMEOUT_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			idleTimeout = time.Duration(secs) * time.Second
		}
	}
	idle := shutdown.NewIdleMonitor(shutdown.IdleMonitorConfig{Timeout: idleTimeout, Logger: logger})
	idle.Start()
	defer idle.Stop()

	gw := gateway.New(gateway.Config{
		Cfg:         cfg,
		Logger:      logger,
		Driver:      driver,
		Sessions:    sessions,
		Router:      rtr,
		Authn:       authn,
		IdleMonitor: idle,
		Registerer:  registry,
	})
	// Manager and Gateway each depend on the other; Gateway is built second
	// and wired back in once it exists.
	sessions.SetNotifier(gw)

	governor := memory.New(memory.Config{
		SampleInterval: cfg.MemorySampleInterval,
		HeapLimit:      cfg.MemoryHeapLimit,
		Logger:         logger,
		Shedder:        gw,
		Registerer:     registry,
	})
	governor.Init()
	defer governor.Shutdown()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(idle.Middleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Use(httprate.LimitByIP(100, time.Minute))

	r.Get("/ws", gw.HandleConnection)

	if cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	humaConfig := huma.DefaultConfig("Browser Gateway", version.Get().Version)
	humaConfig.Info.Description = "WebSocket control plane for remotely driven browser sessions"
	api := humachi.New(r, humaConfig)

	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns gateway status, active connection count, and circuit breaker state",
		Tags:        []string{"Health"},
	}, func(ctx context.Context, input *struct{}) (*gateway.HealthOutput, error) {
		return &gateway.HealthOutput{Body: gw.Health()}, nil
	})

	addr := cfg.ListenAddr
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // screencast connections are long-lived
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case <-idle.ShutdownChan():
		logger.Info("idle shutdown triggered")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	gw.Shutdown(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	logger.Info("server stopped")
}
