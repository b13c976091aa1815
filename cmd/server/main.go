package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"

	"github.com/gangaprasad29/remote-interview/backend/internal/api"
	"github.com/gangaprasad29/remote-interview/backend/internal/app"
	"github.com/gangaprasad29/remote-interview/backend/internal/session"
	"github.com/gangaprasad29/remote-interview/backend/internal/ws"
	"github.com/gangaprasad29/remote-interview/backend/pkg/auth"
	"github.com/gangaprasad29/remote-interview/backend/pkg/metrics"
)

func main() {
	// Local .env, dev only
	_ = godotenv.Load()

	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := app.NewLogger(cfg.Env)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Best-effort state journal; restarts warm-start recent sessions
	var journal *session.Journal
	if cfg.JournalPath != "" {
		journal, err = session.OpenJournal(cfg.JournalPath)
		if err != nil {
			logger.Error("journal.open", "path", cfg.JournalPath, "err", err)
			log.Fatal(err)
		}
		defer journal.Close()
		logger.Info("journal.opened", "path", cfg.JournalPath)
	}

	store := session.NewStore(journal, logger)

	reaper := session.NewReaper(store, session.ReaperConfig{
		Interval: cfg.ReapInterval,
		TTL:      cfg.SessionTTL,
	}, logger)
	reaper.Start()
	defer reaper.Stop()

	// Cross-instance fan-out, only when configured
	var bus *ws.RedisBus
	if cfg.RedisAddr != "" {
		bus, err = ws.NewRedisBus(ctx, cfg.RedisAddr, cfg.RedisDB, logger)
		if err != nil {
			logger.Error("redis.connect", "addr", cfg.RedisAddr, "err", err)
			log.Fatal(err)
		}
		defer bus.Close()
		logger.Info("bus.connected", "addr", cfg.RedisAddr)
	}

	hub := ws.NewHub(store, bus, logger)
	go hub.Run(ctx)

	var verifier *auth.JWT
	if cfg.JWTSecret != "" {
		verifier = auth.New(cfg.JWTSecret)
	}

	apiHandler := api.New(hub, store, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(hub, verifier, w, r)
	})
	mux.HandleFunc("/health", apiHandler.HealthHandler)
	mux.HandleFunc("/api/stats", apiHandler.StatsHandler)
	mux.HandleFunc("/api/sessions", apiHandler.SessionsHandler)
	mux.HandleFunc("/api/sessions/{id}", apiHandler.SessionHandler)
	mux.Handle("/metrics", metrics.Handler())

	handler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSAllow,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(mux)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server.listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server.crash", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("server.shutdown.start")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	_ = srv.Shutdown(shutdownCtx)

	logger.Info("server.shutdown.complete")
}
