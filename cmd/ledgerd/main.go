package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jasonlvhit/gocron"
	"github.com/spf13/viper"

	"github.com/beanwallet/backend/internal/audit"
	"github.com/beanwallet/backend/internal/database"
	"github.com/beanwallet/backend/internal/handlers"
	"github.com/beanwallet/backend/internal/services"
)

// ledgerd hosts the wallet ledger core: it owns the database and Redis
// connections, runs the daily trial-balance audit, and exposes a small
// operational surface. The customer/admin application API lives elsewhere
// and calls into the ledger services directly.
func main() {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()
	viper.ReadInConfig()

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("audit.schedule", "TRIAL_BALANCE_AT")
	viper.SetDefault("audit.schedule", "02:00")

	db := database.InitDatabase()
	defer db.Close()

	redisClient, err := database.InitRedis()
	if err != nil {
		log.Fatalf("Failed to initialize Redis: %v", err)
	}
	defer redisClient.Close()

	auditLogger := audit.NewLogger()
	ledger := services.NewLedgerService(db, auditLogger)
	trialBalance := services.NewTrialBalanceService(db, auditLogger)
	qrService := services.NewQRService(redisClient, ledger)
	qrHandler := handlers.NewQRHandler(qrService)

	// Daily trial-balance run; today's snapshot is overwritten on re-runs.
	scheduler := gocron.NewScheduler()
	scheduler.Every(1).Day().At(viper.GetString("audit.schedule")).Do(func() {
		result, err := trialBalance.Run(context.Background())
		if err != nil {
			log.Printf("Scheduled trial balance failed: %v", err)
			return
		}
		log.Printf("Trial balance: status=%s delta=%d", result.Status, result.Delta)
	})
	go func() {
		<-scheduler.Start()
	}()
	defer scheduler.Clear()

	// Operational surface only: liveness and a manual audit trigger.
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	r.Post("/admin/trial-balance", func(w http.ResponseWriter, r *http.Request) {
		result, err := trialBalance.Run(r.Context())
		if err != nil {
			http.Error(w, "Trial balance run failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	})

	// POS terminal surface; the application API gateway sits in front of it.
	r.Post("/pos/qr/generate", qrHandler.GenerateQR)
	r.Post("/pos/qr/redeem", qrHandler.RedeemQR)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8090"
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("ledgerd starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("ledgerd shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("ledgerd stopped")
}
