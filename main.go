package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ms-registration/internal/auth"
	"ms-registration/internal/config"
	"ms-registration/internal/database/migrations"
	"ms-registration/internal/eligibility"
	"ms-registration/internal/invoice"
	"ms-registration/internal/kafka"
	"ms-registration/internal/logger"
	"ms-registration/internal/notify"
	"ms-registration/internal/order"
	"ms-registration/internal/order/db"
	"ms-registration/internal/order/order_api"
	rediswrap "ms-registration/internal/order/redis"
	"ms-registration/internal/payment"
	"ms-registration/internal/pricing"

	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
)

func connectPostgres(cfg config.DatabaseConfig, log *logger.Logger) *bun.DB {
	var sqldb *sql.DB
	var err error
	maxRetries := 5

	for i := 0; i < maxRetries; i++ {
		log.Info("DATABASE", fmt.Sprintf("Attempting to connect to PostgreSQL (attempt %d/%d)", i+1, maxRetries))
		sqldb, err = sql.Open("postgres", cfg.DSN)
		if err != nil {
			log.Error("DATABASE", fmt.Sprintf("Failed to open PostgreSQL: %v", err))
			time.Sleep(2 * time.Second)
			continue
		}

		err = sqldb.Ping()
		if err == nil {
			break
		}

		log.Error("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
		if i < maxRetries-1 {
			time.Sleep(2 * time.Second)
		}
	}

	if err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL after %d attempts: %v", maxRetries, err))
	}

	sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.MaxLifetime)

	log.Info("DATABASE", "PostgreSQL connection successful")
	return bun.NewDB(sqldb, pgdialect.New())
}

func runMigrations(bunDB *bun.DB, cfg config.DatabaseConfig, log *logger.Logger) {
	if !cfg.AutoMigrate {
		log.Info("MIGRATE", "Automatic migrations disabled")
		return
	}
	runner := migrations.NewRunner(bunDB, migrations.MigrateOptions{
		MigrationsDir: cfg.Migrations,
		AutoMigrate:   true,
	}, log)
	if err := runner.RunMigrations(); err != nil {
		log.Fatal("MIGRATE", fmt.Sprintf("Migrations failed: %v", err))
	}
	// closing the runner would close the shared *sql.DB
}

func newArchive(ctx context.Context, cfg config.InvoiceConfig, log *logger.Logger) invoice.Archive {
	if cfg.S3Bucket == "" {
		log.Info("INVOICE", "No S3 bucket configured, invoices are not archived")
		return invoice.NoopArchive{}
	}
	archive, err := invoice.NewS3ArchiveFromEnv(ctx, cfg.S3Bucket, cfg.S3Region)
	if err != nil {
		log.Warn("INVOICE", fmt.Sprintf("S3 archive unavailable, invoices are not archived: %v", err))
		return invoice.NoopArchive{}
	}
	log.Info("INVOICE", fmt.Sprintf("Archiving invoices to s3://%s", cfg.S3Bucket))
	return archive
}

func main() {
	log := logger.NewLogger()
	defer log.Close()

	cfg := config.Load()
	log.SetLevel(logger.ParseLevel(cfg.LogLevel))
	log.Info("APP", "Starting registration service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bunDB := connectPostgres(cfg.Database, log)
	defer bunDB.Close()
	runMigrations(bunDB, cfg.Database, log)

	redisClient, err := rediswrap.Connect(cfg.Redis.Addr, log)
	if err != nil {
		log.Fatal("REDIS", fmt.Sprintf("Redis connection error: %v", err))
	}
	defer redisClient.Close()
	guard := rediswrap.NewRedis(redisClient, log, cfg.Redis.IdempotencyTTL, cfg.Redis.WebhookTTL)

	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		producer = kafka.NewProducer(cfg.Kafka.Brokers, log)
		topics := cfg.Kafka.Topics
		requiredTopics := []string{
			topics.Receipt,
			topics.TicketConfirmation,
			topics.Invoice,
			topics.OrderCreated,
			topics.OrderPaid,
			topics.OrderCancelled,
			topics.UserDeleted,
		}
		if err := kafka.EnsureTopicsExist(cfg.Kafka.Brokers, requiredTopics, log); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		}
	} else {
		log.Warn("KAFKA", "Kafka disabled, notifications and order events are dropped")
		producer = kafka.NewDisabledProducer(log)
	}
	defer producer.Close()

	provider, err := payment.NewStripeProvider(cfg.Stripe, log, nil)
	if err != nil {
		log.Fatal("STRIPE", fmt.Sprintf("Payment provider unavailable: %v", err))
	}

	store := db.New(bunDB)
	catalog := pricing.NewCatalog(pricing.DefaultTiers(), cfg.Event.EarlyBirdCutoff)
	resolver := eligibility.NewResolver(store, catalog, log)
	notifier := notify.NewKafkaNotifier(producer, cfg.Kafka.Topics, notify.NewQRGenerator(cfg.Invoice.QRSecret), log)

	orderService := order.NewService(order.Dependencies{
		Store:       store,
		Resolver:    resolver,
		Catalog:     catalog,
		Provider:    provider,
		Notifier:    notifier,
		Events:      notifier,
		Idempotency: guard,
		Webhooks:    guard,
		Renderer:    invoice.NewPDFRenderer(cfg.Invoice.FontPath),
		Archive:     newArchive(ctx, cfg.Invoice, log),
	}, order.Options{
		PriceIDs:        cfg.Stripe.PriceIDs,
		CouponTierScope: cfg.Event.CouponTierScope,
		InvoicePrefix:   cfg.Invoice.Prefix,
		InvoiceDueDays:  cfg.Invoice.DueDays,
		Invoice: invoice.Options{
			EventName: cfg.Event.Name,
			DueDays:   cfg.Invoice.DueDays,
			Bank: invoice.BankDetails{
				AccountName:   cfg.Invoice.AccountName,
				BSB:           cfg.Invoice.BSB,
				AccountNumber: cfg.Invoice.AccountNumber,
			},
		},
	}, log)

	if cfg.Kafka.Enabled {
		consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topics.UserDeleted, cfg.Kafka.GroupID, log)
		defer consumer.Close()
		users := order.NewUserEvents(store, log)
		go func() {
			if err := consumer.Start(ctx, users.HandleUserDeleted); err != nil {
				log.Error("KAFKA", fmt.Sprintf("user.deleted consumer stopped: %v", err))
			}
		}()
	}

	verifier, err := auth.NewVerifier(ctx, cfg.Auth.OIDCIssuer, cfg.Auth.HMACSecret)
	if err != nil {
		log.Fatal("AUTH", fmt.Sprintf("Token verification unavailable: %v", err))
	}
	authMW := auth.NewMiddleware(verifier, cfg.Auth.AdminRole, cfg.Event.RegistrationGated, log)

	handler := order_api.NewHandler(orderService, store, log)
	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      order_api.NewRouter(handler, authMW),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("HTTP", fmt.Sprintf("Registration service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	log.Info("APP", "Service started successfully, waiting for shutdown signal")
	<-stop

	log.Info("APP", "Shutdown signal received, initiating graceful shutdown")
	cancel()
	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(ctxShutdown); err != nil {
		log.Error("HTTP", fmt.Sprintf("Server Shutdown Failed: %v", err))
	} else {
		log.Info("HTTP", "Registration service shutdown complete")
	}
}
