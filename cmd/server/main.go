package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"devchain/internal/auth"
	"devchain/internal/device"
	"devchain/internal/handler"
	ledgereth "devchain/internal/ledger/ethereum"
	"devchain/internal/middleware"
	"devchain/internal/notification"
	"devchain/internal/repository/postgres"
	"devchain/pkg/cache"
	"devchain/pkg/config"
	"devchain/pkg/logger"
	"devchain/pkg/mailer"
	"devchain/pkg/validator"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := logger.New("device-service")

	if err := cfg.ValidateCore(); err != nil {
		log.Fatal("Invalid configuration", map[string]interface{}{"error": err.Error()})
	}

	log.Info("Starting Device Lifecycle Service", map[string]interface{}{
		"port": cfg.Server.Port,
	})

	// Database connection
	db, err := sqlx.Connect("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatal("Failed to connect to database", map[string]interface{}{
			"error": err.Error(),
		})
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	log.Info("Database connected", nil)

	// Redis connection
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.URL,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatal("Failed to connect to Redis", map[string]interface{}{
			"error": err.Error(),
		})
	}
	log.Info("Redis connected", nil)

	// Ledger connection
	ledgerClient, err := ledgereth.Dial(cfg.Ledger, log)
	if err != nil {
		log.Fatal("Failed to connect to ledger", map[string]interface{}{
			"error": err.Error(),
		})
	}
	log.Info("Ledger connected", map[string]interface{}{
		"contract": cfg.Ledger.ContractAddress,
		"signer":   ledgerClient.SignerAddress(),
	})

	// Repositories
	deviceRepo := postgres.NewDeviceRepository(db)
	userRepo := postgres.NewUserRepository(db)

	// Services
	reconciler := device.NewReconciler(ledgerClient, deviceRepo, cfg.Reconciler, log)
	if alerts := notification.NewAlertService(mailer.New(cfg.SMTP), cfg.Alerts.Email, log); alerts != nil {
		reconciler.SetAlerter(alerts)
		log.Info("Divergence alerts enabled", map[string]interface{}{
			"recipient": cfg.Alerts.Email,
		})
	}
	reconciler.Start()
	defer reconciler.Stop()

	coordinator := device.NewCoordinator(ledgerClient, deviceRepo, reconciler, log)
	queries := device.NewQueryService(deviceRepo, ledgerClient, cache.NewRedisCache(redisClient), log)
	authService := auth.NewService(userRepo, cfg.JWT.Secret, cfg.JWT.Expiration)

	// Handlers
	val := validator.New()
	deviceHandler := handler.NewDeviceHandler(coordinator, queries, val, log)
	authHandler := handler.NewAuthHandler(authService, val, log)

	// Router
	r := mux.NewRouter()

	r.Use(middleware.CORS)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Recovery)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.NewLoggingMiddleware(log).Log)
	r.Use(middleware.BodyLimit(1 << 20))
	r.Use(middleware.NewRateLimiter(redisClient, 150, time.Minute).Limit)

	authMW := middleware.NewAuthMiddleware(cfg.JWT.Secret)
	idemMW := middleware.NewIdempotencyMiddleware(redisClient, 24*time.Hour)

	r.HandleFunc("/health", healthCheck).Methods("GET")
	r.HandleFunc("/ready", readyCheck(db)).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()

	// Auth routes (no token)
	api.HandleFunc("/auth/register", authHandler.Register).Methods("POST")
	api.HandleFunc("/auth/login", authHandler.Login).Methods("POST")

	// Public point read; token optional, state still comes from ledger/mirror
	read := api.PathPrefix("/devices").Subrouter()
	read.Use(authMW.AuthenticateOptional)
	read.HandleFunc("/{serial}", deviceHandler.GetDevice).Methods("GET")

	// Protected device routes
	devices := api.PathPrefix("/devices").Subrouter()
	devices.Use(authMW.Authenticate)
	devices.HandleFunc("", deviceHandler.ListDevices).Methods("GET")

	transitions := devices.NewRoute().Subrouter()
	transitions.Use(idemMW.Require)
	transitions.HandleFunc("/register", deviceHandler.RegisterDevice).Methods("POST")
	transitions.HandleFunc("/ship", deviceHandler.ShipDevice).Methods("POST")
	transitions.HandleFunc("/activate", deviceHandler.ActivateDevice).Methods("POST")

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("Device Lifecycle Service started", map[string]interface{}{
			"address": srv.Addr,
		})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed to start", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Device Lifecycle Service...", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown", map[string]interface{}{
			"error": err.Error(),
		})
	}

	log.Info("Device Lifecycle Service stopped gracefully", nil)
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"device-service"}`))
}

func readyCheck(db *sqlx.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	}
}
