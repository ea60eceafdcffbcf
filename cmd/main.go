package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/typequest/race-service/config"
	"github.com/typequest/race-service/internal/pg"
	"github.com/typequest/race-service/internal/postgres"
	"github.com/typequest/race-service/internal/race"
	"github.com/typequest/race-service/internal/security"
	"github.com/typequest/race-service/internal/service"
	httpx "github.com/typequest/race-service/internal/transport/http"
	"github.com/typequest/race-service/internal/transport/ws"
	"github.com/typequest/race-service/pkg/logger"
)

func main() {
	// --- config ---
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger.Init(logger.Config{
		Env:       logger.Env(cfg.Logging.Env),
		Service:   cfg.Logging.Service,
		Version:   cfg.Logging.Version,
		Backend:   logger.Backend(cfg.Logging.Backend),
		AddSource: cfg.Logging.AddSource,
		Debug:     cfg.Logging.Debug,
	})
	slog.Info("starting race-service",
		"env", cfg.Logging.Env, "version", cfg.Logging.Version)

	// --- postgres ---
	ctx := context.Background()
	pool, err := pg.NewPool(ctx, pg.Config{
		DSN:               cfg.Postgres.DSN,
		MaxConns:          cfg.Postgres.MaxConns,
		MinConns:          cfg.Postgres.MinConns,
		MaxConnLifetime:   cfg.PgMaxConnLifetime(),
		MaxConnIdleTime:   cfg.PgMaxConnIdleTime(),
		HealthCheckPeriod: cfg.PgHealthCheckPeriod(),
		ApplicationName:   cfg.Logging.Service,
	})
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer pool.Close()

	// --- repos ---
	roomRepo := postgres.NewRoomRepository(pool)
	partRepo := postgres.NewParticipantRepository(pool)
	chatRepo := postgres.NewChatRepository(pool)

	// --- services ---
	roomSvc := service.NewRoomService(roomRepo)
	memberSvc := service.NewMemberService(roomRepo, partRepo)
	chatSvc := service.NewChatService(chatRepo)

	// --- auth ---
	pub, err := security.LoadRSAPublicKeyFromPEM(cfg.Auth.PublicKeyPath)
	if err != nil {
		log.Fatalf("auth public key: %v", err)
	}
	verifier := security.NewVerifier(pub, cfg.Auth.Issuer, cfg.Auth.Audience, cfg.ClockSkew())

	// --- race coordinator ---
	coord := race.NewCoordinator(roomRepo)
	coord.SetMinPlayers(cfg.Race.MinPlayers)

	// --- WS Hub & Server ---
	hub := ws.NewHub()
	wsServer := ws.NewServer(hub, verifier, roomSvc, memberSvc, chatSvc, coord)

	// --- HTTP ---
	handler := httpx.NewHandler(roomSvc, memberSvc, chatSvc)
	router := httpx.NewRouter(handler, verifier, memberSvc, wsServer, cfg.HTTP.AllowedOrigins)
	httpSrv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout(),
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http listen", "addr", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// --- graceful shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal", "sig", sig)
	case err := <-errCh:
		slog.Error("server error", "err", err)
	}

	ctxShutdown, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	_ = httpSrv.Shutdown(ctxShutdown)
	slog.Info("stopped")
}
