package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/m1theusr/k8s-easy-start-lab/internal/config"
	"github.com/m1theusr/k8s-easy-start-lab/internal/handlers"
	"github.com/m1theusr/k8s-easy-start-lab/internal/lifecycle"
	"github.com/m1theusr/k8s-easy-start-lab/internal/logging"
	"github.com/m1theusr/k8s-easy-start-lab/internal/orchestrator"
	"github.com/m1theusr/k8s-easy-start-lab/internal/reaper"
	"github.com/m1theusr/k8s-easy-start-lab/internal/session"
	"github.com/m1theusr/k8s-easy-start-lab/internal/shutdown"
)

func main() {
	config.Load()
	logging.Init(config.Cfg.LogPath)
	defer logging.Close()

	ctx := context.Background()
	runtime, err := orchestrator.InitRuntime(ctx, config.Cfg.DockerHost)
	if err != nil {
		log.Fatalf("Container runtime: %v", err)
	}

	clk := clock.New()
	registry := session.NewRegistry(clk)
	mgr := lifecycle.New(runtime, registry, clk, lifecycle.Config{
		Image:           config.Cfg.Image,
		BuildContext:    config.Cfg.BuildContext,
		Dockerfile:      config.Cfg.Dockerfile,
		MemoryLimit:     config.Cfg.MemoryLimit,
		CPULimit:        config.Cfg.CPULimit,
		Shell:           config.Cfg.Shell,
		NamePrefix:      config.Cfg.NamePrefix,
		Env:             config.SandboxEnv,
		SessionExpiry:   config.Cfg.SessionExpiry,
		CreateSettle:    config.Cfg.CreateSettle,
		ReconnectSettle: config.Cfg.ReconnectSettle,
	})
	handlers.Lifecycle = mgr

	if err := mgr.EnsureImage(ctx); err != nil {
		log.Fatalf("Sandbox image: %v", err)
	}
	if config.Cfg.SweepOrphans {
		if _, err := mgr.SweepOrphans(ctx); err != nil {
			log.Printf("WARNING: orphan sweep: %v", err)
		}
	}

	rp := reaper.New(registry, mgr, clk, reaper.Policy{
		IdleTimeout:   config.Cfg.IdleTimeout,
		SessionExpiry: config.Cfg.SessionExpiry,
	})
	if err := rp.Start(ctx, config.Cfg.ReaperSchedule); err != nil {
		log.Fatalf("Reaper: %v", err)
	}

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", handlers.HealthCheck)
	r.Get("/ws", handlers.SandboxSocket)

	srv := &http.Server{
		Addr:              config.Cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	coord := &shutdown.Coordinator{
		Reaper:   rp,
		Sessions: mgr,
		Server:   srv,
		Timeout:  config.Cfg.ShutdownTimeout,
	}
	err = coord.Shutdown()
	if c, ok := runtime.(io.Closer); ok {
		c.Close()
	}
	if err != nil {
		log.Printf("Shutdown error: %v", err)
		logging.Close()
		os.Exit(1)
	}
	log.Println("Server stopped")
}
