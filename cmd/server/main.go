package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/wekesa/tikiti/config"
	"github.com/wekesa/tikiti/internal/handler"
	"github.com/wekesa/tikiti/internal/lock"
	"github.com/wekesa/tikiti/internal/middleware"
	"github.com/wekesa/tikiti/internal/payment"
	"github.com/wekesa/tikiti/internal/repository"
	"github.com/wekesa/tikiti/internal/service"
	"github.com/wekesa/tikiti/internal/session"
	"github.com/wekesa/tikiti/internal/whatsapp"
	"github.com/wekesa/tikiti/pkg/cache"
	"github.com/wekesa/tikiti/pkg/db"
)

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	// ── Load configuration ──────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx := context.Background()

	// ── Connect to PostgreSQL ───────────────────────────
	pgPool, err := db.NewPostgresPool(ctx, cfg.Postgres)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to PostgreSQL")
	}
	defer pgPool.Close()
	log.Info().Msg("postgres connected")

	// ── Connect to Redis ────────────────────────────────
	redisClient, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	// ── Initialize layers ───────────────────────────────
	catalogRepo := repository.NewCatalogRepository(pgPool)
	userRepo := repository.NewUserRepository(pgPool)
	bookingRepo := repository.NewBookingRepository(pgPool)

	sessions := session.NewStore(redisClient, cfg.Booking.SessionTTL, log)
	locks := lock.NewRegistry(redisClient, log)

	messenger := whatsapp.NewClient(cfg.WhatsApp, log)
	mpesaClient := payment.NewMpesaClient(cfg.Mpesa, log)
	hostedClient := payment.NewHostedClient(cfg.Hosted, log)

	engine := service.NewBookingEngine(bookingRepo, cfg.Booking.MaxQuantity, log)
	issuer := service.NewIssuer(messenger, service.NewQRRenderer(), log)
	conversation := service.NewConversation(
		sessions, locks, catalogRepo, engine, messenger, mpesaClient, hostedClient,
		cfg.WhatsApp.BotPhone, log)

	whatsappHandler := handler.NewWhatsAppHandler(
		cfg.WhatsApp.VerifyToken, userRepo, conversation, messenger, log)
	paymentHandler := handler.NewPaymentHandler(
		engine, hostedClient, userRepo, catalogRepo, sessions, issuer, log)

	// ── Setup router ────────────────────────────────────
	router := mux.NewRouter()

	router.HandleFunc("/health", healthHandler(pgPool, redisClient)).Methods(http.MethodGet)

	router.HandleFunc("/webhook", whatsappHandler.Verify).Methods(http.MethodGet)
	router.HandleFunc("/webhook", whatsappHandler.Receive).Methods(http.MethodPost)
	router.HandleFunc("/webhooks/mpesa", paymentHandler.STKWebhook).Methods(http.MethodPost)
	router.HandleFunc("/webhooks/hosted", paymentHandler.HostedWebhook).
		Methods(http.MethodGet, http.MethodPost)

	var root http.Handler = router
	root = middleware.RequestLogger(log)(root)
	root = middleware.Recoverer(log)(root)

	// ── Start HTTP server ───────────────────────────────
	srv := &http.Server{
		Addr:         cfg.Server.ServerAddr(),
		Handler:      root,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Server.ServerAddr()).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// ── Graceful shutdown ───────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

// healthHandler returns an HTTP handler that checks PG and Redis connectivity.
func healthHandler(pgPool *pgxpool.Pool, redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:   "ok",
			Services: make(map[string]string),
		}

		if err := db.HealthCheck(r.Context(), pgPool); err != nil {
			resp.Status = "degraded"
			resp.Services["postgres"] = "unhealthy: " + err.Error()
		} else {
			resp.Services["postgres"] = "healthy"
		}

		if err := cache.HealthCheck(r.Context(), redisClient); err != nil {
			resp.Status = "degraded"
			resp.Services["redis"] = "unhealthy: " + err.Error()
		} else {
			resp.Services["redis"] = "healthy"
		}

		w.Header().Set("Content-Type", "application/json")
		if resp.Status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(resp)
	}
}
