package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"

	"github.com/retailcore/bookings-backend/internal/bookings"
	"github.com/retailcore/bookings-backend/internal/config"
	"github.com/retailcore/bookings-backend/internal/messaging"
	"github.com/retailcore/bookings-backend/internal/payments"
	"github.com/retailcore/bookings-backend/internal/stock"
	"github.com/retailcore/bookings-backend/internal/telemetry"
)

const serviceVersion = "0.1.0"

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, "bookings-api", serviceVersion)
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(ctx) }()

	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider("bookings-api", serviceVersion)
	if err != nil {
		logger.Error("failed to initialize meter", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownMeter(ctx) }()

	if err := runtime.Start(); err != nil {
		logger.Error("failed to start runtime instrumentation", "error", err)
		os.Exit(1)
	}

	db, err := telemetry.OpenDB(cfg.PostgresURL, cfg.MaxOpenConns, cfg.MaxIdleConns)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	producer := messaging.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	defer func() { _ = producer.Close() }()

	var dedup payments.Deduper
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = redisClient.Close() }()
		dedup = payments.NewRedisDeduper(redisClient)
	}

	ledger := stock.NewLedger(db)
	repo := bookings.NewRepository(db)

	bookingService := bookings.NewService(repo, ledger, producer)
	bookingHandler := bookings.NewHandler(bookingService, logger)
	stockHandler := stock.NewHandler(ledger, logger)

	gateway := payments.NewHTTPGateway(cfg.GatewayBaseURL, cfg.GatewayKeyID, cfg.GatewayKeySecret)
	engine, err := payments.NewEngine(repo, gateway, producer, dedup, payments.EngineConfig{
		VerifySecret:  cfg.GatewayVerifySecret,
		WebhookSecret: cfg.GatewayWebhookSecret,
	})
	if err != nil {
		logger.Error("failed to initialize payment engine", "error", err)
		os.Exit(1)
	}
	paymentHandler := payments.NewHandler(engine, logger)

	adminOnly := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-API-Key") != cfg.AdminAPIKey {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
				return
			}
			next(w, r)
		}
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /bookings", telemetry.WithHTTPRoute(bookingHandler.HandleCreate))
	mux.HandleFunc("GET /bookings/{bookingId}", telemetry.WithHTTPRoute(bookingHandler.HandleGet))
	mux.HandleFunc("POST /bookings/{bookingId}/cancel", telemetry.WithHTTPRoute(bookingHandler.HandleCancel))

	mux.HandleFunc("GET /stock", telemetry.WithHTTPRoute(stockHandler.HandleListLevels))
	mux.HandleFunc("GET /stock/{productId}", telemetry.WithHTTPRoute(stockHandler.HandleGetLevel))

	mux.HandleFunc("POST /payments/order", telemetry.WithHTTPRoute(paymentHandler.HandleCreateOrder))
	mux.HandleFunc("POST /payments/verify", telemetry.WithHTTPRoute(paymentHandler.HandleVerify))
	mux.HandleFunc("POST /webhooks/payment", telemetry.WithHTTPRoute(paymentHandler.HandleWebhook))

	mux.HandleFunc("GET /admin/bookings", telemetry.WithHTTPRoute(adminOnly(bookingHandler.HandleAdminList)))
	mux.HandleFunc("GET /admin/bookings/{bookingId}", telemetry.WithHTTPRoute(adminOnly(bookingHandler.HandleAdminGet)))
	mux.HandleFunc("PATCH /admin/bookings/{bookingId}", telemetry.WithHTTPRoute(adminOnly(bookingHandler.HandleAdminUpdate)))
	mux.HandleFunc("POST /admin/payments/refund", telemetry.WithHTTPRoute(adminOnly(paymentHandler.HandleRefund)))

	mux.Handle("GET /metrics", metricsHandler)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: otelhttp.NewHandler(mux, "bookings-api",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				if r.Pattern != "" {
					return r.Pattern
				}
				return r.Method + " " + r.URL.Path
			}),
		),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting bookings api", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
