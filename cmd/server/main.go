package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"checkout-service/config"
	"checkout-service/internal/api"
	"checkout-service/internal/broker"
	"checkout-service/internal/gateway"
	"checkout-service/internal/redisclient"
	"checkout-service/internal/service"
	"checkout-service/internal/store"
	"checkout-service/internal/store/memstore"
	"checkout-service/internal/util"
	"checkout-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Observ.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting checkout service",
		zap.String("env", cfg.Server.Env),
		zap.String("port", cfg.Server.Port),
		zap.String("store", cfg.Database.Driver))

	tp, err := util.InitTracer("checkout-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	repo, closeRepo := openRepository(cfg, logger)
	defer closeRepo()
	seedCatalog(repo, cfg, logger)

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected", zap.String("addr", cfg.Redis.Addr))

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer producer.Close()
	logger.Info("Kafka producer initialized", zap.Strings("brokers", cfg.Kafka.Brokers))

	eventPublisher := broker.NewEventPublisher(producer)

	gatewayClient := gateway.NewClient(gateway.Config{
		Name:        cfg.Gateway.Name,
		BaseURL:     cfg.Gateway.BaseURL,
		StartURL:    cfg.Gateway.StartURL,
		Merchant:    cfg.Gateway.Merchant,
		CallbackURL: cfg.Gateway.CallbackURL,
		Timeout:     cfg.Gateway.Timeout,
	})

	cartService := service.NewCartService(repo, cfg.Business.CartItemCap)
	checkoutService := service.NewCheckoutService(repo, eventPublisher)
	orderService := service.NewOrderService(repo)
	paymentService := service.NewPaymentService(repo, gatewayClient, redisClient, eventPublisher, 3*cfg.Gateway.Timeout)
	expiryService := service.NewExpiryService(repo, eventPublisher, cfg.Business.OrderExpiry, cfg.Business.SweepBatchSize)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	var workers sync.WaitGroup

	sweeper := worker.NewExpirySweeper(expiryService, redisClient, cfg.Business.SweepInterval, cfg.Business.SweepLockTTL)
	workers.Add(1)
	go func() {
		defer workers.Done()
		if err := sweeper.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Expiry sweeper error", zap.Error(err))
		}
	}()

	callbackConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicCallbacks, cfg.Kafka.ConsumerGroup)
	callbackWorker := worker.NewCallbackWorker(callbackConsumer, paymentService)
	workers.Add(1)
	go func() {
		defer workers.Done()
		if err := callbackWorker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Callback worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(cartService, checkoutService, orderService, paymentService, map[string]api.Pinger{
		"store": repo,
		"redis": redisClient,
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := callbackWorker.Stop(); err != nil {
		logger.Warn("Error closing callback consumer", zap.Error(err))
	}
	workers.Wait()

	logger.Info("Server exited")
}

// openRepository returns the configured store and a function that closes it
func openRepository(cfg *config.Config, logger *zap.Logger) (store.Repository, func()) {
	if cfg.Database.Driver == config.DriverMemory {
		logger.Warn("Using in-memory store; data is lost on restart")
		return memstore.New(), func() {}
	}

	if cfg.Database.RunMigrations {
		if err := store.Migrate(cfg.Database.URL); err != nil {
			logger.Fatal("Failed to run migrations", zap.Error(err))
		}
		logger.Info("Migrations applied")
	}

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	logger.Info("Database connected")
	return db, func() { db.Close() }
}

// seedCatalog upserts the products of CATALOG_SEED_FILE when one is configured
func seedCatalog(repo store.Repository, cfg *config.Config, logger *zap.Logger) {
	path := cfg.Database.CatalogSeedFile
	if path == "" {
		if cfg.Database.Driver == config.DriverMemory {
			logger.Warn("In-memory store started without CATALOG_SEED_FILE; the catalog is empty")
		}
		return
	}

	seeder, ok := repo.(store.CatalogSeeder)
	if !ok {
		logger.Fatal("Store does not accept a catalog seed", zap.String("store", cfg.Database.Driver))
	}
	products, err := store.LoadCatalog(path)
	if err != nil {
		logger.Fatal("Failed to load catalog seed", zap.String("file", path), zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := seeder.SeedProducts(ctx, products); err != nil {
		logger.Fatal("Failed to seed catalog", zap.Error(err))
	}
	logger.Info("Catalog seeded", zap.String("file", path), zap.Int("products", len(products)))
}
